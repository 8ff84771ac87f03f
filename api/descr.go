package api

import "fmt"

// Descr is the static descriptor attached to heap and call operations: *Layout, *Field or *CallDescr.
type Descr interface {
	fmt.Stringer
}

const (
	// WordSize is the size of every field and array item in bytes.
	WordSize = 8
	// ArrayLengthOffset is the offset of the length word of an array.
	ArrayLengthOffset = 0
	// ArrayItemsOffset is the offset of the first item of an array.
	ArrayItemsOffset = WordSize
)

// Layout describes the shape of a heap object: either a fixed sequence of fields or, when Item is not
// ValueTypeVoid, an array of items of that type.
type Layout struct {
	ID     LayoutID
	Name   string
	Fields []*Field
	// Item is the element type of array layouts.
	Item ValueType
}

// NewLayout returns a fixed-size layout whose fields are laid out in the given order.
func NewLayout(id LayoutID, name string, fields ...*Field) *Layout {
	l := &Layout{ID: id, Name: name, Fields: fields}
	for i, f := range fields {
		f.Layout = l
		f.Index = i
	}
	return l
}

// NewArrayLayout returns an array layout with items of the given type.
func NewArrayLayout(id LayoutID, name string, item ValueType) *Layout {
	return &Layout{ID: id, Name: name, Item: item}
}

// IsArray returns true if this layout describes arrays.
func (l *Layout) IsArray() bool { return l.Item != ValueTypeVoid }

// Size returns the allocation size in bytes of a fixed-size object of this layout.
func (l *Layout) Size() uint32 { return uint32(len(l.Fields)) * WordSize }

// ArraySize returns the allocation size in bytes of an array with n items.
func ArraySize(n int) uint32 { return ArrayItemsOffset + uint32(n)*WordSize }

// ItemOffset returns the offset of the i-th array item.
func ItemOffset(i int) uint32 { return ArrayItemsOffset + uint32(i)*WordSize }

// String implements fmt.Stringer
func (l *Layout) String() string { return l.Name }

// Field describes one word of a fixed-size object.
type Field struct {
	// Layout is set by NewLayout.
	Layout *Layout
	Name   string
	// Index is the position of this field in its layout, set by NewLayout.
	Index int
	Type  ValueType
	// Immutable fields are written once right after allocation, so loads can be merged freely.
	Immutable bool
}

// NewField returns a field to be passed to NewLayout.
func NewField(name string, typ ValueType, immutable bool) *Field {
	return &Field{Name: name, Type: typ, Immutable: immutable}
}

// Offset returns the byte offset of this field.
func (f *Field) Offset() uint32 { return uint32(f.Index) * WordSize }

// String implements fmt.Stringer
func (f *Field) String() string {
	if f.Layout == nil {
		return f.Name
	}
	return f.Layout.Name + "." + f.Name
}

// CallDescr describes an interpreter operation the tracer treats as opaque and performs through
// Host.PerformBytecode.
type CallDescr struct {
	// Op is passed to Host.PerformBytecode.
	Op     uint32
	Name   string
	Args   []ValueType
	Result ValueType
	// Pure calls have no side effect and their result only depends on the arguments.
	Pure bool
	// CanRaise is true if Host.PerformBytecode may return an error for this operation.
	CanRaise bool
	// NoTrace marks operations the tracer refuses to record. Calling them while tracing aborts the trace.
	NoTrace bool
}

// String implements fmt.Stringer
func (d *CallDescr) String() string { return d.Name }

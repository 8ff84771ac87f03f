// Package api includes constants and interfaces used by both interpreter authors and internal implementations.
package api

import (
	"errors"
	"fmt"
	"math"
)

// ValueType describes the machine type of a value flowing through traces and interpreter frames.
//
// The following describes how to convert between tracelet and Golang types:
//   - ValueTypeInt - uint64(int64), see EncodeInt and DecodeInt
//   - ValueTypeFloat - EncodeFloat and DecodeFloat from float64
//   - ValueTypeRef - uint64(Ref), where zero is the null reference
//
// Note: This is a type alias as it is easier to encode in compact resume data.
type ValueType = byte

const (
	// ValueTypeVoid is the type of operations which produce no result.
	ValueTypeVoid ValueType = 0x00
	// ValueTypeInt is a 64-bit two's complement integer.
	ValueTypeInt ValueType = 0x01
	// ValueTypeFloat is a 64-bit IEEE 754 floating point number.
	ValueTypeFloat ValueType = 0x02
	// ValueTypeRef is a reference to a heap object owned by the host.
	ValueTypeRef ValueType = 0x03
)

// ValueTypeName returns the short name of the given type as used in trace listings: "i", "f" or "p".
func ValueTypeName(t ValueType) string {
	switch t {
	case ValueTypeVoid:
		return "v"
	case ValueTypeInt:
		return "i"
	case ValueTypeFloat:
		return "f"
	case ValueTypeRef:
		return "p"
	}
	return fmt.Sprintf("%#x", t)
}

// Ref is an opaque reference to a host heap object. The zero value is the null reference.
type Ref uint64

// Null is the null reference.
const Null Ref = 0

// LayoutID identifies the layout (class) of a heap object. Zero is never a valid layout.
type LayoutID uint32

// HeaderID is a stable identifier of a loop header in the interpreted program.
type HeaderID uint64

// AssumptionID names a quasi-immutable value read by traces. Writing the value invalidates dependent loops.
type AssumptionID uint64

// PCReturn is returned as the next program counter when the interpreted frame returned.
const PCReturn = -1

// EncodeInt encodes the input as a ValueTypeInt.
func EncodeInt(input int64) uint64 {
	return uint64(input)
}

// DecodeInt decodes the input as a ValueTypeInt.
func DecodeInt(input uint64) int64 {
	return int64(input)
}

// EncodeFloat encodes the input as a ValueTypeFloat.
//
// See DecodeFloat
func EncodeFloat(input float64) uint64 {
	return math.Float64bits(input)
}

// DecodeFloat decodes the input as a ValueTypeFloat.
//
// See EncodeFloat
func DecodeFloat(input uint64) float64 {
	return math.Float64frombits(input)
}

// Handle is a typed value as seen by the interpreter while it executes through an Executor.
//
// A Handle carries the concrete bits of the value. Executors may additionally attach a tag identifying the value
// symbolically; interpreters must treat handles as opaque values and never build a tagged one themselves.
type Handle struct {
	typ  ValueType
	tag  uint32
	bits uint64
}

// NewHandle returns an untagged handle of the given type.
func NewHandle(typ ValueType, bits uint64) Handle {
	return Handle{typ: typ, bits: bits}
}

// IntHandle returns an untagged ValueTypeInt handle.
func IntHandle(v int64) Handle {
	return Handle{typ: ValueTypeInt, bits: EncodeInt(v)}
}

// FloatHandle returns an untagged ValueTypeFloat handle.
func FloatHandle(v float64) Handle {
	return Handle{typ: ValueTypeFloat, bits: EncodeFloat(v)}
}

// RefHandle returns an untagged ValueTypeRef handle.
func RefHandle(r Ref) Handle {
	return Handle{typ: ValueTypeRef, bits: uint64(r)}
}

// Type returns the type of the value.
func (h Handle) Type() ValueType { return h.typ }

// Bits returns the raw encoding of the value.
func (h Handle) Bits() uint64 { return h.bits }

// Int returns the value as an integer.
func (h Handle) Int() int64 { return DecodeInt(h.bits) }

// Float returns the value as a float.
func (h Handle) Float() float64 { return DecodeFloat(h.bits) }

// Ref returns the value as a reference.
func (h Handle) Ref() Ref { return Ref(h.bits) }

// Tag returns the executor-specific tag of this handle, or zero.
func (h Handle) Tag() uint32 { return h.tag }

// WithTag returns a copy of this handle carrying the given tag.
func (h Handle) WithTag(tag uint32) Handle {
	h.tag = tag
	return h
}

// Untagged returns a copy of this handle without its tag.
func (h Handle) Untagged() Handle {
	h.tag = 0
	return h
}

// String implements fmt.Stringer
func (h Handle) String() string {
	switch h.typ {
	case ValueTypeInt:
		return fmt.Sprintf("%d", h.Int())
	case ValueTypeFloat:
		return fmt.Sprintf("%g", h.Float())
	case ValueTypeRef:
		if h.bits == 0 {
			return "null"
		}
		return fmt.Sprintf("ref(%#x)", h.bits)
	}
	return "void"
}

// ErrUnsupported is returned (possibly wrapped) by Interpreter.Step when the bytecode at the given pc cannot be
// traced. It must be returned before the bytecode performs any side effect.
var ErrUnsupported = errors.New("unsupported by the tracer")

// Frame is the interpreter frame rebuilt by deoptimization.
type Frame struct {
	// PC is the bytecode at which the interpreter resumes.
	PC int
	// Slots are the values of the frame's local slots, in slot order.
	Slots []Handle
}

// Outcome is what the interpreter has to do after Executor-driven execution (tracing or compiled code) handed the
// frame back.
//
// Interpreters must execute the bytecode at PC before consulting the JIT again at a loop header.
type Outcome struct {
	// PC is the bytecode at which interpretation continues, or PCReturn if the frame already returned.
	PC int
	// Raised is non-nil when the program raised this error at PC. The interpreter propagates it as if the bytecode
	// at PC had raised it.
	Raised error
}

package resume

import (
	"encoding/binary"
	"fmt"

	"github.com/tracelet/tracelet/api"
)

// Encode returns the compact form of d. Layouts are referred to by ID.
//
// Each source is one tag byte (kind in the low two bits, type above) followed by a uvarint: the constant for
// SourceConst, the index otherwise.
func (d *Descriptor) Encode() []byte {
	buf := make([]byte, 0, 8+4*len(d.Slots))
	buf = binary.AppendVarint(buf, int64(d.PC))
	buf = binary.AppendUvarint(buf, uint64(len(d.FailArgTypes)))
	for _, t := range d.FailArgTypes {
		buf = append(buf, t)
	}
	buf = binary.AppendUvarint(buf, uint64(len(d.Recipes)))
	for _, r := range d.Recipes {
		buf = binary.AppendUvarint(buf, uint64(r.Layout.ID))
		buf = binary.AppendUvarint(buf, uint64(r.Length))
		buf = binary.AppendUvarint(buf, uint64(len(r.Fields)))
		for _, f := range r.Fields {
			buf = appendSource(buf, f)
		}
	}
	buf = binary.AppendUvarint(buf, uint64(len(d.Slots)))
	for _, s := range d.Slots {
		buf = appendSource(buf, s)
	}
	return buf
}

func appendSource(buf []byte, s Source) []byte {
	buf = append(buf, byte(s.Kind)|s.Type<<2)
	if s.Kind == SourceConst {
		return binary.AppendUvarint(buf, s.Bits)
	}
	return binary.AppendUvarint(buf, uint64(s.Index))
}

type decoder struct {
	data []byte
	pos  int
	err  error
}

func (d *decoder) fail(format string, args ...interface{}) {
	if d.err == nil {
		d.err = &CorruptError{PC: -1, Msg: fmt.Sprintf("offset %d: ", d.pos) + fmt.Sprintf(format, args...)}
	}
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.data[d.pos:])
	if n <= 0 {
		d.fail("malformed uvarint")
		return 0
	}
	d.pos += n
	return v
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.data[d.pos:])
	if n <= 0 {
		d.fail("malformed varint")
		return 0
	}
	d.pos += n
	return v
}

func (d *decoder) byte() byte {
	if d.err != nil {
		return 0
	}
	if d.pos >= len(d.data) {
		d.fail("unexpected end of data")
		return 0
	}
	b := d.data[d.pos]
	d.pos++
	return b
}

// count reads a length and rejects values larger than the remaining data could hold.
func (d *decoder) count() int {
	n := d.uvarint()
	if n > uint64(len(d.data)-d.pos) {
		d.fail("count %d exceeds data", n)
		return 0
	}
	return int(n)
}

func (d *decoder) source() Source {
	tag := d.byte()
	s := Source{Kind: SourceKind(tag & 3), Type: tag >> 2}
	if s.Kind == SourceConst {
		s.Bits = d.uvarint()
	} else {
		s.Index = int(d.uvarint())
	}
	return s
}

// Decode parses the output of Encode. layouts resolves layout IDs.
func Decode(data []byte, layouts func(api.LayoutID) *api.Layout) (*Descriptor, error) {
	dec := &decoder{data: data}
	desc := &Descriptor{PC: int(dec.varint())}
	n := dec.count()
	for i := 0; i < n; i++ {
		desc.FailArgTypes = append(desc.FailArgTypes, dec.byte())
	}
	n = dec.count()
	for i := 0; i < n && dec.err == nil; i++ {
		id := api.LayoutID(dec.uvarint())
		r := Recipe{Length: int(dec.uvarint())}
		if r.Layout = layouts(id); r.Layout == nil {
			dec.fail("unknown layout %d", id)
		}
		m := dec.count()
		for j := 0; j < m; j++ {
			r.Fields = append(r.Fields, dec.source())
		}
		desc.Recipes = append(desc.Recipes, r)
	}
	n = dec.count()
	for i := 0; i < n; i++ {
		desc.Slots = append(desc.Slots, dec.source())
	}
	if dec.err == nil && dec.pos != len(data) {
		dec.fail("%d trailing bytes", len(data)-dec.pos)
	}
	if dec.err != nil {
		return nil, dec.err
	}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	return desc, nil
}

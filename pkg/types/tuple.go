package types

import "encoding/binary"

// Column describes one field of a Schema.
type Column struct {
	Name string
	Type Type
}

// Schema is the ordered list of columns making up a table's rows.
type Schema struct {
	Columns []Column
}

// NewSchema builds a Schema from the given columns.
func NewSchema(cols ...Column) *Schema {
	return &Schema{Columns: cols}
}

// ColumnIndex returns the position of name in the schema, or -1.
func (s *Schema) ColumnIndex(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

func (s *Schema) Len() int { return len(s.Columns) }

// Tuple is an ordered list of Values, one per Schema column.
type Tuple struct {
	Values []Value
}

// NewTuple validates values against schema and returns a Tuple.
func NewTuple(schema *Schema, values []Value) (*Tuple, error) {
	if len(values) != schema.Len() {
		return nil, ErrColumnCountMismatch
	}
	return &Tuple{Values: values}, nil
}

// Serialize encodes the tuple as a concatenation of its values' own
// Serialize encodings, in column order. There is no separate tuple
// header: the byte stream is self-delimiting because every Value
// encoding carries its own length.
func (t *Tuple) Serialize() []byte {
	size := 0
	for _, v := range t.Values {
		size += v.SerializeSize()
	}
	buf := make([]byte, 0, size)
	for _, v := range t.Values {
		buf = v.Serialize(buf)
	}
	return buf
}

// DeserializeTuple decodes a Tuple with exactly schema.Len() values
// from buf.
func DeserializeTuple(schema *Schema, buf []byte) (*Tuple, error) {
	values := make([]Value, 0, schema.Len())
	off := 0
	for i := 0; i < schema.Len(); i++ {
		v, n, err := DeserializeValue(buf[off:])
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		off += n
	}
	return &Tuple{Values: values}, nil
}

// writeUint32 / readUint32 are small little-endian helpers for framing
// tuple bytes with an explicit length prefix. Nothing in the repository
// calls them; the table heap and catalog do their own framing.
func writeUint32(buf []byte, v uint32) {
	binary.LittleEndian.PutUint32(buf, v)
}

func readUint32(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

// Serialize encodes the schema as a column count followed by, for
// each column, a one-byte type tag and a length-prefixed name. The
// catalog uses this to persist table definitions.
func (s *Schema) Serialize() []byte {
	size := 4
	for _, c := range s.Columns {
		size += 1 + 2 + len(c.Name)
	}
	buf := make([]byte, size)
	off := 0
	binary.LittleEndian.PutUint32(buf[off:], uint32(len(s.Columns)))
	off += 4
	for _, c := range s.Columns {
		buf[off] = byte(c.Type)
		off++
		binary.LittleEndian.PutUint16(buf[off:], uint16(len(c.Name)))
		off += 2
		off += copy(buf[off:], c.Name)
	}
	return buf
}

// DeserializeSchema decodes a Schema written by Serialize, returning
// the schema and the number of bytes consumed.
func DeserializeSchema(buf []byte) (*Schema, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrTruncatedValue
	}
	count := binary.LittleEndian.Uint32(buf)
	off := 4
	cols := make([]Column, 0, count)
	for i := uint32(0); i < count; i++ {
		if off+3 > len(buf) {
			return nil, 0, ErrTruncatedValue
		}
		typ := Type(buf[off])
		off++
		nameLen := int(binary.LittleEndian.Uint16(buf[off:]))
		off += 2
		if off+nameLen > len(buf) {
			return nil, 0, ErrTruncatedValue
		}
		name := string(buf[off : off+nameLen])
		off += nameLen
		cols = append(cols, Column{Name: name, Type: typ})
	}
	return &Schema{Columns: cols}, off, nil
}

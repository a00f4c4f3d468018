// Package coff decodes and encodes the COFF symbol table that may trail a PE
// image, with its string table.
package coff

import (
	"bytes"

	"github.com/pkg/errors"

	"pedit/pkg/cstruct"
)

// StringPool resolves long names by offset and interns new ones.
type StringPool interface {
	Lookup(off uint32) (string, bool)
	Add(name string) uint32
}

type tableSize struct {
	Size uint32 `struc:"uint32,little"`
}

// StringTable is the COFF string table. Offsets count from the start of the
// table, including its 4 byte size field.
type StringTable struct {
	data []byte
}

func NewStringTable() *StringTable {
	return &StringTable{data: cstruct.Pack(&tableSize{Size: 4})}
}

func ReadStringTable(b []byte, off int) (*StringTable, error) {
	var sz tableSize
	if _, err := cstruct.Unpack(b, off, &sz); err != nil {
		return nil, errors.Wrap(err, "string table size")
	}
	if sz.Size < 4 {
		sz.Size = 4
	}
	end := off + int(sz.Size)
	if end > len(b) {
		return nil, errors.Wrapf(cstruct.ErrShortBuffer, "string table of %d bytes at 0x%x", sz.Size, off)
	}
	t := &StringTable{data: make([]byte, sz.Size)}
	copy(t.data, b[off:end])
	return t, nil
}

func (t *StringTable) Lookup(off uint32) (string, bool) {
	if off < 4 || int(off) >= len(t.data) {
		return "", false
	}
	end := bytes.IndexByte(t.data[off:], 0)
	if end < 0 {
		return string(t.data[off:]), true
	}
	return string(t.data[off : int(off)+end]), true
}

// Add returns the offset of name, appending it if it is not present yet.
func (t *StringTable) Add(name string) uint32 {
	needle := append([]byte(name), 0)
	for start := 4; start < len(t.data); {
		i := bytes.Index(t.data[start:], needle)
		if i < 0 {
			break
		}
		at := start + i
		if at == 4 || t.data[at-1] == 0 {
			return uint32(at)
		}
		start = at + 1
	}
	off := uint32(len(t.data))
	t.data = append(t.data, needle...)
	return off
}

func (t *StringTable) Clone() *StringTable {
	c := make([]byte, len(t.data))
	copy(c, t.data)
	return &StringTable{data: c}
}

func (t *StringTable) Len() int {
	return len(t.data)
}

// Bytes returns the table with an up to date size field.
func (t *StringTable) Bytes() []byte {
	copy(t.data, cstruct.Pack(&tableSize{Size: uint32(len(t.data))}))
	return t.data
}

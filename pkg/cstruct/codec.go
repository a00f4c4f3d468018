package cstruct

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Codec is a field whose layout is not a plain fixed-width struct.
type Codec interface {
	// Decode reads the field at off and returns the offset following it.
	Decode(b []byte, off int) (int, error)
	Encode() []byte
}

// CString is a NUL terminated byte string.
type CString struct {
	Value string
}

func (s *CString) Decode(b []byte, off int) (int, error) {
	if off < 0 || off >= len(b) {
		return off, errors.Wrapf(ErrShortBuffer, "string at 0x%x", off)
	}
	end := bytes.IndexByte(b[off:], 0)
	if end < 0 {
		return off, errors.Wrapf(ErrShortBuffer, "unterminated string at 0x%x", off)
	}
	s.Value = string(b[off : off+end])
	return off + end + 1, nil
}

func (s *CString) Encode() []byte {
	return append([]byte(s.Value), 0)
}

func (s *CString) Len() int {
	return len(s.Value) + 1
}

// Word is a pointer sized little-endian integer, 32 or 64 bits wide.
type Word struct {
	Value uint64
	Bits  int
}

func NewWord(bits int) *Word {
	return &Word{Bits: bits}
}

func (w *Word) Size() int {
	return w.Bits / 8
}

func (w *Word) Unpack(b []byte) error {
	if len(b) < w.Size() {
		return errors.Wrapf(ErrShortBuffer, "word%d", w.Bits)
	}
	if w.Bits == 64 {
		w.Value = binary.LittleEndian.Uint64(b)
	} else {
		w.Value = uint64(binary.LittleEndian.Uint32(b))
	}
	return nil
}

func (w *Word) Pack() []byte {
	out := make([]byte, w.Size())
	if w.Bits == 64 {
		binary.LittleEndian.PutUint64(out, w.Value)
	} else {
		binary.LittleEndian.PutUint32(out, uint32(w.Value))
	}
	return out
}

// TopBit is the mask of the most significant bit of the word.
func (w *Word) TopBit() uint64 {
	return 1 << (w.Bits - 1)
}

func (w *Word) Decode(b []byte, off int) (int, error) {
	if off < 0 || off+w.Size() > len(b) {
		return off, errors.Wrapf(ErrShortBuffer, "word%d at 0x%x", w.Bits, off)
	}
	return off + w.Size(), w.Unpack(b[off:])
}

func (w *Word) Encode() []byte {
	return w.Pack()
}

// Package cstruct maps fixed-layout little-endian structures to bytes.
//
// Plain layouts are Go structs carrying struc tags and go through Unpack/Pack.
// Fields whose encoding depends on context (NUL terminated names, pointer
// sized slots, length-prefixed strings) implement Codec instead.
package cstruct

import (
	"bytes"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"
)

var ErrShortBuffer = errors.New("short buffer")

// Sizeof returns the packed size of a struc tagged struct.
// It panics on a malformed layout since those are static programmer errors.
func Sizeof(v any) int {
	n, err := struc.Sizeof(v)
	if err != nil {
		panic(errors.Wrapf(err, "cstruct: bad layout %T", v))
	}
	return n
}

// Unpack decodes v from b at off and returns the offset following it.
func Unpack(b []byte, off int, v any) (int, error) {
	n := Sizeof(v)
	if off < 0 || off+n > len(b) {
		return off, errors.Wrapf(ErrShortBuffer, "%T at 0x%x needs %d bytes", v, off, n)
	}
	if err := struc.Unpack(bytes.NewReader(b[off:off+n]), v); err != nil {
		return off, errors.Wrapf(err, "unpack %T", v)
	}
	return off + n, nil
}

// Pack encodes v.
func Pack(v any) []byte {
	var buf bytes.Buffer
	if err := struc.Pack(&buf, v); err != nil {
		panic(errors.Wrapf(err, "cstruct: bad layout %T", v))
	}
	return buf.Bytes()
}

// IsZero reports whether every byte of b is zero.
func IsZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

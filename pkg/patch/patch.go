// Package patch implements a byte buffer that is edited by writing chunks at
// absolute offsets. Writes past the end grow the buffer with zero padding.
package patch

import "bytes"

type Buffer struct {
	data []byte
}

func New(b []byte) *Buffer {
	return &Buffer{data: b}
}

func (p *Buffer) Len() int {
	return len(p.data)
}

func (p *Buffer) Bytes() []byte {
	return p.data
}

// Clone returns an independent copy of the buffer.
func (p *Buffer) Clone() *Buffer {
	c := make([]byte, len(p.data))
	copy(c, p.data)
	return &Buffer{data: c}
}

// Set writes b at off, growing the buffer when needed.
func (p *Buffer) Set(off int, b []byte) {
	end := off + len(b)
	if end > len(p.data) {
		if end > cap(p.data) {
			grown := make([]byte, end, end+end/4)
			copy(grown, p.data)
			p.data = grown
		} else {
			old := len(p.data)
			p.data = p.data[:end]
			for i := old; i < off; i++ {
				p.data[i] = 0
			}
		}
	}
	copy(p.data[off:end], b)
}

// Slice returns n bytes at off, or false if the range is outside the buffer.
func (p *Buffer) Slice(off, n int) ([]byte, bool) {
	if off < 0 || n < 0 || off+n > len(p.data) {
		return nil, false
	}
	return p.data[off : off+n], true
}

// CString reads a NUL terminated string starting at off.
func (p *Buffer) CString(off int) (string, bool) {
	if off < 0 || off >= len(p.data) {
		return "", false
	}
	end := bytes.IndexByte(p.data[off:], 0)
	if end < 0 {
		return "", false
	}
	return string(p.data[off : off+end]), true
}

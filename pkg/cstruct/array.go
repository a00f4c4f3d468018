package cstruct

import "github.com/pkg/errors"

// Record is a fixed-size on-disk structure.
type Record interface {
	Size() int
	Unpack(b []byte) error
	Pack() []byte
}

// Array is an ordered homogeneous sequence of records. Arrays read until a
// sentinel remember it in Terminator so that Pack reproduces it.
type Array[R Record] struct {
	Items      []R
	Terminator []byte
}

// ReadArray reads records from b at off. A negative count reads until an
// all-zero record. On a short buffer the records read so far are returned
// along with an error wrapping ErrShortBuffer.
func ReadArray[R Record](b []byte, off int, count int, newRecord func() R) (*Array[R], error) {
	a := &Array[R]{}
	for i := 0; count < 0 || i < count; i++ {
		r := newRecord()
		n := r.Size()
		if off < 0 || off+n > len(b) {
			return a, errors.Wrapf(ErrShortBuffer, "record %d at 0x%x", i, off)
		}
		chunk := b[off : off+n]
		if count < 0 && IsZero(chunk) {
			a.Terminator = make([]byte, n)
			break
		}
		if err := r.Unpack(chunk); err != nil {
			return a, errors.Wrapf(err, "record %d at 0x%x", i, off)
		}
		a.Items = append(a.Items, r)
		off += n
	}
	return a, nil
}

func (a *Array[R]) Len() int {
	if a == nil {
		return 0
	}
	return len(a.Items)
}

func (a *Array[R]) Append(r ...R) {
	a.Items = append(a.Items, r...)
}

func (a *Array[R]) Insert(i int, r R) {
	var zero R
	a.Items = append(a.Items, zero)
	copy(a.Items[i+1:], a.Items[i:])
	a.Items[i] = r
}

// Terminate sets a zero sentinel of n bytes.
func (a *Array[R]) Terminate(n int) {
	a.Terminator = make([]byte, n)
}

// ByteSize is the packed length including the sentinel.
func (a *Array[R]) ByteSize() int {
	if a == nil {
		return 0
	}
	n := len(a.Terminator)
	for _, r := range a.Items {
		n += r.Size()
	}
	return n
}

func (a *Array[R]) Pack() []byte {
	out := make([]byte, 0, a.ByteSize())
	for _, r := range a.Items {
		out = append(out, r.Pack()...)
	}
	return append(out, a.Terminator...)
}

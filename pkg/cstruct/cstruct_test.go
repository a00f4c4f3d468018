package cstruct

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pair struct {
	A uint16 `struc:"uint16,little"`
	B uint32 `struc:"uint32,little"`
}

func (p *pair) Size() int { return 6 }

func (p *pair) Unpack(b []byte) error {
	_, err := Unpack(b, 0, p)
	return err
}

func (p *pair) Pack() []byte { return Pack(p) }

func newPair() *pair { return &pair{} }

func TestUnpackPack(t *testing.T) {
	b := []byte{0xff, 0x34, 0x12, 0x78, 0x56, 0x34, 0x12}
	var p pair
	next, err := Unpack(b, 1, &p)
	require.NoError(t, err)
	assert.Equal(t, 7, next)
	assert.Equal(t, uint16(0x1234), p.A)
	assert.Equal(t, uint32(0x12345678), p.B)
	assert.Equal(t, b[1:], Pack(&p))
	assert.Equal(t, 6, Sizeof(&p))
}

func TestUnpackShort(t *testing.T) {
	var p pair
	_, err := Unpack([]byte{1, 2, 3}, 0, &p)
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestReadArraySentinel(t *testing.T) {
	b := []byte{
		1, 0, 2, 0, 0, 0,
		3, 0, 4, 0, 0, 0,
		0, 0, 0, 0, 0, 0,
		9, 9,
	}
	a, err := ReadArray(b, 0, -1, newPair)
	require.NoError(t, err)
	require.Equal(t, 2, a.Len())
	assert.Equal(t, uint16(3), a.Items[1].A)
	assert.Len(t, a.Terminator, 6)
	assert.Equal(t, 18, a.ByteSize())
	assert.Equal(t, b[:18], a.Pack())
}

func TestReadArrayCount(t *testing.T) {
	b := []byte{
		1, 0, 2, 0, 0, 0,
		0, 0, 0, 0, 0, 0,
	}
	a, err := ReadArray(b, 0, 2, newPair)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Len())
	assert.Nil(t, a.Terminator)
	assert.Equal(t, b, a.Pack())
}

func TestReadArrayTruncated(t *testing.T) {
	b := []byte{1, 0, 2, 0, 0, 0, 5, 0}
	a, err := ReadArray(b, 0, -1, newPair)
	assert.ErrorIs(t, err, ErrShortBuffer)
	require.NotNil(t, a)
	assert.Equal(t, 1, a.Len())
}

func TestArrayInsert(t *testing.T) {
	a := &Array[*pair]{}
	a.Append(&pair{A: 1}, &pair{A: 3})
	a.Insert(1, &pair{A: 2})
	a.Insert(0, &pair{A: 0})
	a.Insert(4, &pair{A: 4})
	for i, p := range a.Items {
		assert.Equal(t, uint16(i), p.A)
	}
	a.Terminate(6)
	assert.Equal(t, 36, a.ByteSize())

	var nilArray *Array[*pair]
	assert.Equal(t, 0, nilArray.Len())
	assert.Equal(t, 0, nilArray.ByteSize())
}

func TestCString(t *testing.T) {
	b := []byte("ab\x00cd\x00ef")
	var s CString
	next, err := s.Decode(b, 0)
	require.NoError(t, err)
	assert.Equal(t, "ab", s.Value)
	assert.Equal(t, 3, next)
	assert.Equal(t, 3, s.Len())
	assert.Equal(t, []byte("ab\x00"), s.Encode())

	_, err = s.Decode(b, 6)
	assert.ErrorIs(t, err, ErrShortBuffer)
	_, err = s.Decode(b, 100)
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestWord(t *testing.T) {
	w := NewWord(32)
	assert.Equal(t, 4, w.Size())
	assert.Equal(t, uint64(0x80000000), w.TopBit())
	next, err := w.Decode([]byte{0, 0x78, 0x56, 0x34, 0x12}, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, next)
	assert.Equal(t, uint64(0x12345678), w.Value)
	assert.Equal(t, []byte{0x78, 0x56, 0x34, 0x12}, w.Encode())

	w = NewWord(64)
	assert.Equal(t, 8, w.Size())
	assert.Equal(t, uint64(1)<<63, w.TopBit())
	w.Value = 0x8000000000000010
	packed := w.Pack()
	require.Len(t, packed, 8)
	assert.Equal(t, byte(0x80), packed[7])

	_, err = w.Decode(packed, 1)
	assert.ErrorIs(t, err, ErrShortBuffer)
}

func TestIsZero(t *testing.T) {
	assert.True(t, IsZero(nil))
	assert.True(t, IsZero(make([]byte, 8)))
	assert.False(t, IsZero([]byte{0, 0, 1}))
}

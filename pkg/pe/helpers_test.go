package pe

import (
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const (
	codeCharacteristics = IMAGE_SCN_CNT_CODE | IMAGE_SCN_MEM_EXECUTE | IMAGE_SCN_MEM_READ
	dataCharacteristics = IMAGE_SCN_CNT_INITIALIZED_DATA | IMAGE_SCN_MEM_READ | IMAGE_SCN_MEM_WRITE
)

// newImage returns a headers-only image with one code section at 0x1000.
func newImage(t *testing.T, wordSize int) *File {
	t.Helper()
	f := New(wordSize)
	_, err := f.AddSection(".text", make([]byte, 0x200), codeCharacteristics)
	require.NoError(t, err)
	return f
}

// rebuild serializes f and parses the result again.
func rebuild(t *testing.T, f *File) *File {
	t.Helper()
	out, err := f.Build()
	require.NoError(t, err)
	g, err := NewFile(out)
	require.NoError(t, err)
	return g
}

func hasMessage(entries []*logrus.Entry, sub string) bool {
	for _, e := range entries {
		if strings.Contains(e.Message, sub) {
			return true
		}
	}
	return false
}

package pe

import (
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportAddNameSorted(t *testing.T) {
	d := NewExportDirectory("test.dll")
	d.AddName("delta", 0x1030)
	d.AddName("alpha", 0x1000)
	d.AddName("charlie", 0x1020)
	d.AddName("bravo", 0x1010)

	assert.True(t, d.Sorted())
	names := make([]string, 0, d.Names.Len())
	for _, n := range d.Names.Items {
		names = append(names, n.Name)
	}
	assert.Equal(t, []string{"alpha", "bravo", "charlie", "delta"}, names)

	for name, want := range map[string]uint32{"alpha": 0x1000, "bravo": 0x1010, "charlie": 0x1020, "delta": 0x1030} {
		rva, ok := d.FuncRVA(name)
		assert.True(t, ok, name)
		assert.Equal(t, want, rva, name)
	}
	_, ok := d.FuncRVA("echo")
	assert.False(t, ok)

	// Functions keep insertion order, so ordinals follow it.
	rva, ok := d.FuncRVAByOrdinal(1)
	assert.True(t, ok)
	assert.Equal(t, uint32(0x1030), rva)
	_, ok = d.FuncRVAByOrdinal(0)
	assert.False(t, ok)
	_, ok = d.FuncRVAByOrdinal(5)
	assert.False(t, ok)

	assert.Equal(t, map[int][]string{0: {"delta"}, 1: {"alpha"}, 2: {"charlie"}, 3: {"bravo"}}, d.FunctionNames())
}

func TestExportRoundTrip(t *testing.T) {
	f := newImage(t, 32)
	f.Exports = NewExportDirectory("test.dll")
	f.Exports.AddName("run", 0x1010)
	f.Exports.AddName("init", 0x1000)
	_, err := f.Relocate(DirectoryEntryExport, ".edata", dataCharacteristics)
	require.NoError(t, err)

	size, err := f.Exports.Size(f.Context())
	require.NoError(t, err)
	assert.Equal(t, uint32(40+9+8+8+4+5+4), size)

	g := rebuild(t, f)
	require.NotNil(t, g.Exports)
	assert.Equal(t, "test.dll", g.Exports.DLLName)
	assert.Equal(t, uint32(1), g.Exports.Base)
	assert.Equal(t, uint32(2), g.Exports.NumberOfFunctions)
	assert.True(t, g.Exports.Sorted())

	rva, ok := g.Exports.FuncRVA("init")
	assert.True(t, ok)
	assert.Equal(t, uint32(0x1000), rva)

	va, ok := g.Exports.FuncVA(g.Context().Geometry, "run")
	assert.True(t, ok)
	assert.Equal(t, g.Optional.ImageBase+0x1010, va)

	g.Exports.AddName("main", 0x1020)
	_, err = g.Relocate(DirectoryEntryExport, ".edata2", dataCharacteristics)
	require.NoError(t, err)
	h := rebuild(t, g)
	rva, ok = h.Exports.FuncRVA("main")
	assert.True(t, ok)
	assert.Equal(t, uint32(0x1020), rva)
	assert.Equal(t, 3, h.Exports.Functions.Len())
}

func TestExportUnsortedWarns(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	d := NewExportDirectory("x.dll")
	d.AddName("a", 0x1000)
	d.AddName("b", 0x1010)
	assert.False(t, hasMessage(hook.AllEntries(), "not sorted"))
	d.Names.Items[0].Name = "z"
	assert.False(t, d.Sorted())
	d.AddName("c", 0x1020)
	assert.True(t, hasMessage(hook.AllEntries(), "not sorted"))
}

func TestExportMismatchedTables(t *testing.T) {
	d := NewExportDirectory("x.dll")
	d.AddName("a", 0x1000)
	d.Ordinals.Items = nil
	_, err := d.SetRVA(&Context{Geometry: &Geometry{}}, 0x1000)
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestExportAddNameTableFull(t *testing.T) {
	d := NewExportDirectory("big.dll")
	d.Functions.Items = make([]*Rva32, 0x10000)
	d.NumberOfFunctions = 0x10000

	err := d.AddName("overflow", 0x1000)
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Equal(t, 0x10000, d.Functions.Len())
	assert.Zero(t, d.Names.Len())
	assert.Equal(t, uint32(0x10000), d.NumberOfFunctions)

	d.Functions.Items = d.Functions.Items[:0xffff]
	require.NoError(t, d.AddName("last", 0x1000))
	assert.Equal(t, uint16(0xffff), d.Ordinals.Items[0].Ordinal)
}

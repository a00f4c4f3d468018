package pe

import (
	"encoding/binary"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// delayImage returns a built image with one delay descriptor for late.dll
// whose IAT is the .didat section.
func delayImage(t *testing.T, attrs uint32) (*File, uint32) {
	t.Helper()
	f := newImage(t, 32)
	iat, err := f.AddSection(".didat", make([]byte, 0x100), dataCharacteristics)
	require.NoError(t, err)

	f.DelayImports = NewDelayImportDirectory()
	require.NoError(t, f.DelayImports.AddDLL(f.Context(), attrs,
		DLL{Name: "late.dll", FirstThunk: iat.VirtualAddress, Funcs: []Import{ImportName("Alpha"), ImportName("Beta"), ImportOrdinal(9)}},
		DLL{Name: "later.dll", Funcs: []Import{ImportName("Gamma")}},
	))
	_, err = f.Relocate(DirectoryEntryDelayImport, ".delay", dataCharacteristics)
	require.NoError(t, err)
	return rebuild(t, f), iat.VirtualAddress
}

// Old style descriptors store virtual addresses, new style ones RVAs. Both
// must describe the same imports at the same slots.
func TestDelayImportAddressing(t *testing.T) {
	for _, attrs := range []uint32{0, DelayAttrRVA} {
		g, iat := delayImage(t, attrs)
		require.NotNil(t, g.DelayImports)
		gctx := g.Context()

		dlls := g.DelayImports.DLLs(gctx.Geometry)
		require.Len(t, dlls, 2)
		assert.Equal(t, "late.dll", dlls[0].Name)
		assert.Equal(t, iat, dlls[0].FirstThunk)
		assert.Equal(t, []Import{ImportName("Alpha"), ImportName("Beta"), ImportOrdinal(9)}, dlls[0].Funcs)
		assert.Equal(t, "later.dll", dlls[1].Name)
		assert.Equal(t, iat+16, dlls[1].FirstThunk)

		rva, ok := g.DelayImports.FuncRVA(gctx, ImportName("Beta"))
		assert.True(t, ok)
		assert.Equal(t, iat+4, rva)
		va, ok := g.DelayImports.FuncVA(gctx, ImportName("Gamma"))
		assert.True(t, ok)
		assert.Equal(t, g.Optional.ImageBase+uint64(iat+16), va)
		_, ok = g.DelayImports.FuncVA(gctx, ImportName("Delta"))
		assert.False(t, ok)

		desc := g.DelayImports.Descriptors.Items[0]
		assert.Equal(t, attrs == DelayAttrRVA, desc.UsesRVA())
		if desc.UsesRVA() {
			assert.Less(t, uint64(desc.Name), g.Optional.ImageBase)
			assert.Equal(t, iat, desc.FirstThunk)
		} else {
			assert.GreaterOrEqual(t, uint64(desc.Name), g.Optional.ImageBase)
			assert.Equal(t, uint32(g.Optional.ImageBase)+iat, desc.FirstThunk)
			assert.GreaterOrEqual(t, desc.OriginalThunks.Items[0].Value, g.Optional.ImageBase)
		}
		// Name slots in the IAT point at the same records as the lookup table.
		assert.Equal(t, desc.OriginalThunks.Items[0].Value, desc.FirstThunks.Items[0].Value)
	}
}

// Flipping the attribute bit on the same bytes changes how every field is
// read, so the descriptor no longer resolves.
func TestDelayImportAttributeBitOnSameBytes(t *testing.T) {
	for _, attrs := range []uint32{0, DelayAttrRVA} {
		g, _ := delayImage(t, attrs)
		require.Len(t, g.DelayImports.Descriptors.Items, 2)

		off, ok := g.Context().RVAToOffset(g.DataDirectory[DirectoryEntryDelayImport].VirtualAddress)
		require.True(t, ok)
		flipped := append([]byte{}, g.Bytes()...)
		binary.LittleEndian.PutUint32(flipped[off:], attrs^DelayAttrRVA)

		hook := test.NewGlobal()
		h, err := NewFile(flipped)
		require.NoError(t, err)
		require.NotNil(t, h.DelayImports)
		assert.Empty(t, h.DelayImports.Descriptors.Items)
		assert.True(t, hasMessage(hook.AllEntries(), "no thunk"))
		hook.Reset()
	}
}

func TestDelayImportAddDLLNeedsFirstThunk(t *testing.T) {
	f := newImage(t, 32)
	d := NewDelayImportDirectory()
	err := d.AddDLL(f.Context(), DelayAttrRVA, DLL{Name: "late.dll", Funcs: []Import{ImportName("A")}})
	assert.ErrorIs(t, err, ErrInvariant)
	assert.Zero(t, d.Descriptors.Len())
}

func TestDelayImportNeedsThunks(t *testing.T) {
	f := newImage(t, 32)
	desc := &DelayImportDescriptor{}
	desc.Attributes = DelayAttrRVA
	desc.DLLName = "broken.dll"
	d := NewDelayImportDirectory()
	d.Descriptors.Append(desc)

	_, err := d.SetRVA(f.Context(), 0x1000)
	assert.ErrorIs(t, err, ErrMalformed)
}

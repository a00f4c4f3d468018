package pe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pedit/pkg/cstruct"
)

func sampleResources(t *testing.T) *ResourceDirectory {
	t.Helper()
	d := NewResourceDirectory()
	rc, err := d.AddSubdir(d.Root, ResourceID(RT_RCDATA))
	require.NoError(t, err)
	cfg, err := d.AddSubdir(rc, ResourceName("CONFIG"))
	require.NoError(t, err)
	_, err = d.AddData(cfg, ResourceID(1033), []byte("hello"), 1252)
	require.NoError(t, err)

	custom, err := d.AddSubdir(d.Root, ResourceName("CUSTOM"))
	require.NoError(t, err)
	_, err = d.AddData(custom, ResourceID(1), []byte("abc"), 0)
	require.NoError(t, err)
	return d
}

func TestResourceKeys(t *testing.T) {
	assert.Equal(t, "CONFIG", ResourceName("CONFIG").String())
	assert.Equal(t, []byte{'A', 0, 'b', 0}, ResourceName("Ab").Name)
	assert.Equal(t, "#10", ResourceID(10).String())
	assert.True(t, ResourceName("x").Equal(ResourceName("x")))
	assert.False(t, ResourceName("x").Equal(ResourceID(1)))
	assert.True(t, ResourceName("").IsNamed())

	assert.True(t, ResourceName("z").less(ResourceID(1)))
	assert.True(t, ResourceID(1).less(ResourceID(2)))
	assert.False(t, ResourceID(2).less(ResourceName("a")))
}

func TestResourceTreeOrder(t *testing.T) {
	d := sampleResources(t)
	root := d.Node(d.Root)
	require.Len(t, root.Entries, 2)
	assert.Equal(t, "CUSTOM", root.Entries[0].Key.String())
	assert.Equal(t, uint32(RT_RCDATA), root.Entries[1].Key.ID)

	_, err := d.AddData(d.Root, ResourceID(RT_RCDATA), nil, 0)
	assert.ErrorIs(t, err, ErrInvariant)
	_, err = d.AddSubdir(NodeID(99), ResourceID(1))
	assert.ErrorIs(t, err, ErrInvariant)

	e, ok := d.Lookup(ResourceID(RT_RCDATA), ResourceName("CONFIG"), ResourceID(1033))
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), e.Data.Content)

	_, ok = d.Lookup(ResourceID(RT_RCDATA), ResourceName("OTHER"))
	assert.False(t, ok)
	_, ok = d.Lookup(ResourceName("CUSTOM"), ResourceID(1), ResourceID(2))
	assert.False(t, ok)
}

func TestResourceRoundTrip(t *testing.T) {
	f := newImage(t, 32)
	f.Resources = sampleResources(t)
	_, err := f.Relocate(DirectoryEntryResource, ".rsrc", dataCharacteristics)
	require.NoError(t, err)

	g := rebuild(t, f)
	require.NotNil(t, g.Resources)

	e, ok := g.Resources.Lookup(ResourceID(RT_RCDATA), ResourceName("CONFIG"), ResourceID(1033))
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), e.Data.Content)
	assert.Equal(t, uint32(1252), e.Data.CodePage)

	var paths []string
	require.NoError(t, g.Resources.Walk(func(path []ResourceKey, e *ResourceEntry) error {
		s := ""
		for _, k := range path {
			s += "/" + k.String()
		}
		paths = append(paths, s)
		return nil
	}))
	assert.Equal(t, []string{"/CUSTOM", "/CUSTOM/#1", "/#10", "/#10/CONFIG", "/#10/CONFIG/#1033"}, paths)

	root := g.Resources.Node(g.Resources.Root)
	assert.Equal(t, uint16(1), root.NumberOfNamedEntries)
	assert.Equal(t, uint16(1), root.NumberOfIdEntries)

	// Adding a leaf to the parsed tree and moving it keeps the old leaves.
	custom, ok := g.Resources.Lookup(ResourceName("CUSTOM"))
	require.True(t, ok)
	_, err = g.Resources.AddData(custom.Subdir, ResourceID(2), []byte("more"), 0)
	require.NoError(t, err)
	_, err = g.Relocate(DirectoryEntryResource, ".rsrc2", dataCharacteristics)
	require.NoError(t, err)
	h := rebuild(t, g)
	e, ok = h.Resources.Lookup(ResourceName("CUSTOM"), ResourceID(2))
	require.True(t, ok)
	assert.Equal(t, []byte("more"), e.Data.Content)
	e, ok = h.Resources.Lookup(ResourceID(RT_RCDATA), ResourceName("CONFIG"), ResourceID(1033))
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), e.Data.Content)
}

func TestResourceLayoutRejectsCycles(t *testing.T) {
	d := NewResourceDirectory()
	sub, err := d.AddSubdir(d.Root, ResourceID(1))
	require.NoError(t, err)
	require.NoError(t, d.AttachSubdir(sub, ResourceID(2), d.Root))

	_, err = d.Size(nil)
	assert.ErrorIs(t, err, ErrStructural)
	_, err = d.SetRVA(nil, 0x1000)
	assert.ErrorIs(t, err, ErrStructural)
	assert.ErrorIs(t, d.Walk(func([]ResourceKey, *ResourceEntry) error { return nil }), ErrStructural)
}

func TestResourceLayoutRejectsSharing(t *testing.T) {
	d := NewResourceDirectory()
	sub, err := d.AddSubdir(d.Root, ResourceID(1))
	require.NoError(t, err)
	require.NoError(t, d.AttachSubdir(d.Root, ResourceID(2), sub))

	_, err = d.Size(nil)
	assert.ErrorIs(t, err, ErrStructural)
}

func TestResourceLayoutRejectsNamedAfterID(t *testing.T) {
	d := NewResourceDirectory()
	_, err := d.AddData(d.Root, ResourceID(1), []byte("a"), 0)
	require.NoError(t, err)
	root := d.Node(d.Root)
	root.Entries = append(root.Entries, &ResourceEntry{Key: ResourceName("late"), Subdir: NoNode, Data: &ResourceData{}})

	_, err = d.Size(nil)
	assert.ErrorIs(t, err, ErrInvariant)
}

// rawResourceImage places hand written resource bytes in a section and
// points the resource directory at them.
func rawResourceImage(t *testing.T, data []byte) []byte {
	t.Helper()
	f := newImage(t, 32)
	s, err := f.AddSection(".rsrc", data, dataCharacteristics)
	require.NoError(t, err)
	f.DataDirectory[DirectoryEntryResource] = DataDirectory{VirtualAddress: s.VirtualAddress, Size: uint32(len(data))}
	out, err := f.Build()
	require.NoError(t, err)
	return out
}

func TestParseResourcesLoop(t *testing.T) {
	var data []byte
	data = append(data, cstruct.Pack(&ImageResourceDirectory{NumberOfIdEntries: 1})...)
	data = append(data, cstruct.Pack(&imageResourceEntry{NameOrID: 1, OffsetToData: resourceHighBit})...)

	_, err := NewFile(rawResourceImage(t, data))
	assert.ErrorIs(t, err, ErrStructural)
}

func TestParseResourcesShared(t *testing.T) {
	var data []byte
	data = append(data, cstruct.Pack(&ImageResourceDirectory{NumberOfIdEntries: 2})...)
	data = append(data, cstruct.Pack(&imageResourceEntry{NameOrID: 1, OffsetToData: resourceHighBit | 0x20})...)
	data = append(data, cstruct.Pack(&imageResourceEntry{NameOrID: 2, OffsetToData: resourceHighBit | 0x20})...)
	data = append(data, cstruct.Pack(&ImageResourceDirectory{})...)

	out := rawResourceImage(t, data)
	_, err := NewFile(out)
	assert.ErrorIs(t, err, ErrStructural)

	f := newImage(t, 32)
	s, err := f.AddSection(".rsrc", data, dataCharacteristics)
	require.NoError(t, err)
	d, err := ParseResources(f.Context(), DataDirectory{VirtualAddress: s.VirtualAddress, Size: uint32(len(data))})
	assert.ErrorIs(t, err, ErrStructural)
	require.NotNil(t, d)
	assert.Len(t, d.Node(d.Root).Entries, 1)
}

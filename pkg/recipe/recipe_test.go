package recipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pedit/pkg/log"
	"pedit/pkg/pe"
)

const yamlRecipe = `
log-level: debug
sections:
  - name: .extra
    size: 0x100
imports:
  - dll: kernel32.dll
    funcs: [LoadLibraryA, "#5"]
delay-imports:
  - dll: late.dll
    funcs: [Alpha, Beta]
  - dll: old.dll
    va: true
    funcs: ["#3"]
exports:
  functions:
    foo: 0x1000
    bar: 0x1010
relocs:
  add: [0x1004, 0x1008]
resources:
  - path: [RT_RCDATA, CONFIG, "1033"]
    data: hello
place:
  - directory: import
    section: .idata
`

const tomlRecipe = `
iat-section = ".imports"

[[imports]]
dll = "user32.dll"
first-thunk = 0x2000
funcs = ["MessageBoxA"]

[relocs]
del = [0x1004]
type = 10
`

func TestParseYAML(t *testing.T) {
	r, err := Parse([]byte(yamlRecipe), "yaml")
	require.NoError(t, err)

	assert.Equal(t, log.DEBUG, r.LogLevel)
	assert.Equal(t, ".iat", r.IATSection)
	require.Len(t, r.Sections, 1)
	assert.Equal(t, Section{Name: ".extra", Size: 0x100, Characteristics: 0xE0000020}, r.Sections[0])
	require.Len(t, r.Imports, 1)
	assert.Equal(t, []string{"LoadLibraryA", "#5"}, r.Imports[0].Funcs)
	assert.Equal(t, ".didat", r.DelayIATSection)
	assert.Equal(t, []DelayImport{
		{Import: Import{DLL: "late.dll", Funcs: []string{"Alpha", "Beta"}}},
		{Import: Import{DLL: "old.dll", Funcs: []string{"#3"}}, VA: true},
	}, r.DelayImports)
	require.NotNil(t, r.Exports)
	assert.Equal(t, "default.dll", r.Exports.DLL)
	assert.Equal(t, map[string]uint32{"foo": 0x1000, "bar": 0x1010}, r.Exports.Functions)
	require.NotNil(t, r.Relocs)
	assert.Equal(t, []uint32{0x1004, 0x1008}, r.Relocs.Add)
	assert.Equal(t, uint8(3), r.Relocs.Type)
	require.Len(t, r.Resources, 1)
	assert.Equal(t, []string{"RT_RCDATA", "CONFIG", "1033"}, r.Resources[0].Path)
	assert.Equal(t, []Place{{Directory: "import", Section: ".idata", Characteristics: 0xC0000040}}, r.Place)
}

func TestParseTOML(t *testing.T) {
	r, err := Parse([]byte(tomlRecipe), ".toml")
	require.NoError(t, err)

	assert.Equal(t, log.Level(), r.LogLevel)
	assert.Equal(t, ".imports", r.IATSection)
	require.Len(t, r.Imports, 1)
	assert.Equal(t, Import{DLL: "user32.dll", FirstThunk: 0x2000, Funcs: []string{"MessageBoxA"}}, r.Imports[0])
	require.NotNil(t, r.Relocs)
	assert.Equal(t, []uint32{0x1004}, r.Relocs.Del)
	assert.Equal(t, uint8(10), r.Relocs.Type)
	assert.Nil(t, r.Exports)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("a = 1"), "ini")
	assert.Error(t, err)
	_, err = Parse([]byte("log-level: shouting\n"), "yml")
	assert.Error(t, err)
	_, err = Parse([]byte("sections: 3\n"), "yaml")
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edit.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlRecipe), 0o644))
	r, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "user32.dll", r.Imports[0].DLL)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, ".import", sectionName("import"))
	assert.Equal(t, ".delayim", sectionName("delay_import"))

	assert.Equal(t, pe.ImportOrdinal(5), parseImport("#5"))
	assert.Equal(t, pe.ImportOrdinal(7), parseImport("7"))
	assert.Equal(t, pe.ImportName("Sleep"), parseImport("Sleep"))

	assert.Equal(t, pe.ResourceID(pe.RT_MANIFEST), resourceKey("RT_MANIFEST"))
	assert.Equal(t, pe.ResourceID(1033), resourceKey("#1033"))
	assert.Equal(t, pe.ResourceName("CONFIG"), resourceKey("CONFIG"))
}

func TestApply(t *testing.T) {
	old := log.Level()
	defer log.SetLevel(old)

	f := pe.New(32)
	_, err := f.AddSection(".text", make([]byte, 0x200), pe.IMAGE_SCN_CNT_CODE|pe.IMAGE_SCN_MEM_EXECUTE|pe.IMAGE_SCN_MEM_READ)
	require.NoError(t, err)

	r, err := Parse([]byte(yamlRecipe), "yaml")
	require.NoError(t, err)
	out, err := r.Apply(f)
	require.NoError(t, err)

	g, err := pe.NewFile(out)
	require.NoError(t, err)
	for _, name := range []string{".text", ".extra", ".iat", ".didat", ".idata", ".delayim", ".export", ".baserel", ".resourc"} {
		assert.NotNil(t, g.SectionByName(name), name)
	}

	require.NotNil(t, g.Imports)
	dlls := g.Imports.DLLs()
	require.Len(t, dlls, 1)
	assert.Equal(t, "kernel32.dll", dlls[0].Name)
	assert.Equal(t, []pe.Import{pe.ImportName("LoadLibraryA"), pe.ImportOrdinal(5)}, dlls[0].Funcs)
	assert.Equal(t, g.SectionByName(".iat").VirtualAddress, dlls[0].FirstThunk)

	require.NotNil(t, g.DelayImports)
	didat := g.SectionByName(".didat").VirtualAddress
	delayed := g.DelayImports.DLLs(g.Context().Geometry)
	require.Len(t, delayed, 2)
	assert.Equal(t, pe.DLL{Name: "late.dll", FirstThunk: didat, Funcs: []pe.Import{pe.ImportName("Alpha"), pe.ImportName("Beta")}}, delayed[0])
	assert.Equal(t, pe.DLL{Name: "old.dll", FirstThunk: didat + 12, Funcs: []pe.Import{pe.ImportOrdinal(3)}}, delayed[1])
	assert.True(t, g.DelayImports.Descriptors.Items[0].UsesRVA())
	assert.False(t, g.DelayImports.Descriptors.Items[1].UsesRVA())

	require.NotNil(t, g.Exports)
	assert.Equal(t, "default.dll", g.Exports.DLLName)
	rva, ok := g.Exports.FuncRVA("bar")
	assert.True(t, ok)
	assert.Equal(t, uint32(0x1010), rva)
	assert.True(t, g.Exports.Sorted())

	require.NotNil(t, g.Relocs)
	assert.Equal(t, []pe.Reloc{
		{RVA: 0x1004, Type: pe.IMAGE_REL_BASED_HIGHLOW},
		{RVA: 0x1008, Type: pe.IMAGE_REL_BASED_HIGHLOW},
	}, g.Relocs.Entries())

	require.NotNil(t, g.Resources)
	e, ok := g.Resources.Lookup(pe.ResourceID(pe.RT_RCDATA), pe.ResourceName("CONFIG"), pe.ResourceID(1033))
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), e.Data.Content)
}

func TestApplyUnknownPlace(t *testing.T) {
	f := pe.New(64)
	r := &Recipe{Place: []Place{{Directory: "nonsense"}}}
	_, err := r.Apply(f)
	assert.Error(t, err)
}

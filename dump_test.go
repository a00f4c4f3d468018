package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pedit/pkg/pe"
)

func dumpImage(t *testing.T) *pe.File {
	t.Helper()
	f := pe.New(32)
	_, err := f.AddSection(".text", []byte{0xc3}, pe.IMAGE_SCN_CNT_CODE|pe.IMAGE_SCN_MEM_EXECUTE|pe.IMAGE_SCN_MEM_READ)
	require.NoError(t, err)
	return f
}

func TestDump(t *testing.T) {
	f := dumpImage(t)
	f.Exports = pe.NewExportDirectory("dump.dll")
	f.Exports.AddName("entry", 0x1000)
	_, err := f.Relocate(pe.DirectoryEntryExport, ".edata", pe.IMAGE_SCN_CNT_INITIALIZED_DATA|pe.IMAGE_SCN_MEM_READ)
	require.NoError(t, err)

	text := Dump(f, true)
	assert.Contains(t, text, "sections:")
	assert.Contains(t, text, ".text")
	assert.Contains(t, text, "export ")
	assert.Contains(t, text, "exports: dump.dll base 1")
	assert.Contains(t, text, "entry")
	assert.Contains(t, text, shortDigest(f.SectionData(f.Sections[0])))
	assert.Len(t, shortDigest(nil), 16)
}

func TestDiff(t *testing.T) {
	before := Dump(dumpImage(t), false)

	g := dumpImage(t)
	_, err := g.AddSection(".new", nil, pe.IMAGE_SCN_CNT_INITIALIZED_DATA)
	require.NoError(t, err)
	after := Dump(g, false)

	text, err := Diff(before, after, "a.exe", "b.exe", false)
	require.NoError(t, err)
	assert.Contains(t, text, "--- a.exe")
	assert.Contains(t, text, "+++ b.exe")
	assert.Contains(t, text, "+   1 .new")

	colored, err := Diff(before, after, "a.exe", "b.exe", true)
	require.NoError(t, err)
	assert.Contains(t, colored, ansiGreen+"+   1 .new")

	same, err := Diff(before, before, "a", "b", false)
	require.NoError(t, err)
	assert.Empty(t, same)
}

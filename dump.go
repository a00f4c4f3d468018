package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/crypto/blake2b"

	"pedit/pkg/pe"
)

func shortDigest(b []byte) string {
	sum := blake2b.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// Dump renders f as text, one line per object, so two dumps diff cleanly.
func Dump(f *pe.File, digests bool) string {
	var b strings.Builder
	ctx := f.Context()

	fmt.Fprintf(&b, "machine 0x%04x magic 0x%x imagebase 0x%x entry 0x%x\n",
		f.COFF.Machine, f.Optional.Magic, f.Optional.ImageBase, f.Optional.AddressOfEntryPoint)
	fmt.Fprintf(&b, "sizeofimage 0x%x sizeofheaders 0x%x\n", f.Optional.SizeOfImage, f.Optional.SizeOfHeaders)

	b.WriteString("sections:\n")
	for i, s := range f.Sections {
		fmt.Fprintf(&b, "  %2d %-8s va 0x%08x vsize 0x%08x raw 0x%08x rsize 0x%08x flags 0x%08x",
			i, s.NameString(), s.VirtualAddress, s.VirtualSize, s.PointerToRawData, s.SizeOfRawData, s.Characteristics)
		if digests {
			fmt.Fprintf(&b, " %s", shortDigest(f.SectionData(s)))
		}
		b.WriteString("\n")
	}

	b.WriteString("directories:\n")
	for i, d := range f.DataDirectory {
		if d.VirtualAddress == 0 {
			continue
		}
		fmt.Fprintf(&b, "  %-14s 0x%08x 0x%x\n", pe.DirectoryName(i), d.VirtualAddress, d.Size)
	}

	if f.Imports != nil {
		b.WriteString("imports:\n")
		for _, dll := range f.Imports.DLLs() {
			fmt.Fprintf(&b, "  %s iat 0x%x\n", dll.Name, dll.FirstThunk)
			for _, fn := range dll.Funcs {
				rva, _ := f.Imports.FuncRVA(ctx, fn)
				fmt.Fprintf(&b, "    0x%08x %s\n", rva, fn)
			}
		}
	}

	if f.DelayImports != nil {
		b.WriteString("delay imports:\n")
		for _, dll := range f.DelayImports.DLLs(ctx.Geometry) {
			fmt.Fprintf(&b, "  %s iat 0x%x\n", dll.Name, dll.FirstThunk)
			for _, fn := range dll.Funcs {
				fmt.Fprintf(&b, "    %s\n", fn)
			}
		}
	}

	if f.Exports != nil {
		fmt.Fprintf(&b, "exports: %s base %d\n", f.Exports.DLLName, f.Exports.Base)
		names := f.Exports.FunctionNames()
		for i, fn := range f.Exports.Functions.Items {
			if fn.RVA == 0 {
				continue
			}
			fmt.Fprintf(&b, "  %4d 0x%08x %s\n", uint32(i)+f.Exports.Base, fn.RVA, strings.Join(names[i], ","))
		}
		if !f.Exports.Sorted() {
			b.WriteString("  (names not sorted)\n")
		}
	}

	if f.Relocs != nil {
		fmt.Fprintf(&b, "relocations: %d blocks\n", len(f.Relocs.Blocks))
		for _, blk := range f.Relocs.Blocks {
			fmt.Fprintf(&b, "  page 0x%08x size 0x%x fixups %d\n", blk.PageRVA, blk.BlockSize, blk.Fixups.Len())
		}
	}

	if f.Resources != nil {
		b.WriteString("resources:\n")
		err := f.Resources.Walk(func(path []pe.ResourceKey, e *pe.ResourceEntry) error {
			indent := strings.Repeat("  ", len(path))
			key := e.Key.String()
			if len(path) == 1 && !e.Key.IsNamed() {
				if name, ok := pe.ResourceTypeName(e.Key.ID); ok {
					key = name
				}
			}
			if e.IsDir() {
				fmt.Fprintf(&b, "%s%s/\n", indent, key)
				return nil
			}
			fmt.Fprintf(&b, "%s%s 0x%08x %d bytes cp %d", indent, key, e.Data.RVA, len(e.Data.Content), e.Data.CodePage)
			if digests {
				fmt.Fprintf(&b, " %s", shortDigest(e.Data.Content))
			}
			b.WriteString("\n")
			return nil
		})
		if err != nil {
			fmt.Fprintf(&b, "  error: %v\n", err)
		}
	}

	if len(f.Symbols) > 0 {
		fmt.Fprintf(&b, "symbols: %d\n", len(f.Symbols))
		for _, s := range f.Symbols {
			fmt.Fprintf(&b, "  %s\n", s)
		}
	}
	return b.String()
}

const (
	ansiRed   = "\x1b[31m"
	ansiGreen = "\x1b[32m"
	ansiCyan  = "\x1b[36m"
	ansiReset = "\x1b[0m"
)

// Diff returns a unified diff of two dumps.
func Diff(before, after, fromName, toName string, color bool) (string, error) {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(before),
		B:        difflib.SplitLines(after),
		FromFile: fromName,
		ToFile:   toName,
		Context:  2,
	})
	if err != nil || !color {
		return text, err
	}

	lines := strings.SplitAfter(text, "\n")
	for i, l := range lines {
		switch {
		case strings.HasPrefix(l, "+++"), strings.HasPrefix(l, "---"):
		case strings.HasPrefix(l, "@@"):
			lines[i] = ansiCyan + strings.TrimSuffix(l, "\n") + ansiReset + "\n"
		case strings.HasPrefix(l, "+"):
			lines[i] = ansiGreen + strings.TrimSuffix(l, "\n") + ansiReset + "\n"
		case strings.HasPrefix(l, "-"):
			lines[i] = ansiRed + strings.TrimSuffix(l, "\n") + ansiReset + "\n"
		}
	}
	return strings.Join(lines, ""), nil
}

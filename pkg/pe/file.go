package pe

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"pedit/pkg/coff"
	"pedit/pkg/cstruct"
	"pedit/pkg/log"
	"pedit/pkg/patch"
)

// Directory is a data directory that can be moved and serialized. SetRVA
// must run before BuildContent whenever the directory changed size.
type Directory interface {
	Size(ctx *Context) (uint32, error)
	SetRVA(ctx *Context, rva uint32) (DataDirectory, error)
	BuildContent(ctx *Context) error
}

type ntSignature struct {
	Signature uint32 `struc:"uint32,little"`
}

type optionalMagic struct {
	Magic uint16 `struc:"uint16,little"`
}

type File struct {
	Dos           DosHeader
	COFF          FileHeader
	Optional      OptionalHeader
	DataDirectory [NumberOfDirectoryEntries]DataDirectory
	Sections      []*Section

	Imports      *ImportDirectory
	DelayImports *DelayImportDirectory
	Exports      *ExportDirectory
	Relocs       *RelocDirectory
	Resources    *ResourceDirectory

	Symbols     []*coff.Symbol
	StringTable *coff.StringTable

	content *patch.Buffer
}

// Open maps the file at path and parses it.
func Open(path string) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	m, err := mmap.Map(fd, mmap.RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %s", path)
	}
	defer m.Unmap()

	return NewFile(m)
}

// NewFile parses a PE image. b is copied. Unreadable directories are logged
// and left partial or nil; only a broken resource tree fails the parse.
func NewFile(b []byte) (*File, error) {
	data := make([]byte, len(b))
	copy(data, b)
	f := &File{content: patch.New(data)}

	if _, err := cstruct.Unpack(data, 0, &f.Dos); err != nil {
		return nil, errors.Wrap(err, "dos header")
	}
	if f.Dos.Magic != IMAGE_DOS_SIGNATURE {
		return nil, errors.Wrapf(ErrMalformed, "dos signature 0x%x", f.Dos.Magic)
	}

	off := int(f.Dos.Lfanew)
	var sig ntSignature
	off, err := cstruct.Unpack(data, off, &sig)
	if err != nil {
		return nil, errors.Wrap(err, "pe signature")
	}
	if sig.Signature != IMAGE_NT_SIGNATURE {
		return nil, errors.Wrapf(ErrMalformed, "pe signature 0x%x", sig.Signature)
	}
	if off, err = cstruct.Unpack(data, off, &f.COFF); err != nil {
		return nil, errors.Wrap(err, "file header")
	}

	optStart := off
	var magic optionalMagic
	if _, err := cstruct.Unpack(data, off, &magic); err != nil {
		return nil, errors.Wrap(err, "optional header")
	}
	if magic.Magic != IMAGE_NT_OPTIONAL_HDR32_MAGIC && magic.Magic != IMAGE_NT_OPTIONAL_HDR64_MAGIC {
		return nil, errors.Wrapf(ErrMalformed, "optional header magic 0x%x", magic.Magic)
	}
	f.Optional.Magic = magic.Magic
	if off, err = f.Optional.unpack(data, off); err != nil {
		return nil, errors.Wrap(err, "optional header")
	}

	ndirs := int(f.Optional.NumberOfRvaAndSizes)
	if ndirs > NumberOfDirectoryEntries {
		ndirs = NumberOfDirectoryEntries
	}
	for i := 0; i < ndirs; i++ {
		if off, err = cstruct.Unpack(data, off, &f.DataDirectory[i]); err != nil {
			return nil, errors.Wrapf(err, "data directory %d", i)
		}
	}

	off = optStart + int(f.COFF.SizeOfOptionalHeader)
	for i := 0; i < int(f.COFF.NumberOfSections); i++ {
		s := &Section{}
		if off, err = cstruct.Unpack(data, off, &s.SectionHeader); err != nil {
			return nil, errors.Wrapf(err, "section %d", i)
		}
		f.Sections = append(f.Sections, s)
	}

	if err := f.parseDirectories(); err != nil {
		return nil, err
	}

	if f.COFF.PointerToSymbolTable != 0 {
		f.Symbols, f.StringTable, err = coff.ReadSymbols(data, f.COFF.PointerToSymbolTable, f.COFF.NumberOfSymbols)
		if err != nil {
			log.Warnln("coff symbols: %v", err)
		}
	}
	return f, nil
}

func (f *File) parseDirectories() error {
	ctx := f.Context()
	var err error

	if f.Exports, err = ParseExports(ctx, f.DataDirectory[DirectoryEntryExport]); err != nil {
		log.Warnln("exports: %v", err)
	}
	if f.Imports, err = ParseImports(ctx, f.DataDirectory[DirectoryEntryImport]); err != nil {
		log.Warnln("imports: %v", err)
	}
	if f.DelayImports, err = ParseDelayImports(ctx, f.DataDirectory[DirectoryEntryDelayImport]); err != nil {
		log.Warnln("delay imports: %v", err)
	}
	if f.Relocs, err = ParseRelocs(ctx, f.DataDirectory[DirectoryEntryBaseReloc]); err != nil {
		log.Warnln("relocations: %v", err)
	}
	if f.Resources, err = ParseResources(ctx, f.DataDirectory[DirectoryEntryResource]); err != nil {
		if errors.Is(err, ErrStructural) {
			return err
		}
		log.Warnln("resources: %v", err)
	}
	return nil
}

// Context snapshots the current section table and image bytes.
func (f *File) Context() *Context {
	return &Context{
		Geometry: &Geometry{Sections: f.Sections, ImageBase: f.Optional.ImageBase},
		Buf:      f.content,
		WordSize: f.Optional.WordSize(),
	}
}

// Directory returns the parsed or attached directory at idx, or nil.
func (f *File) Directory(idx int) Directory {
	switch idx {
	case DirectoryEntryExport:
		if f.Exports != nil {
			return f.Exports
		}
	case DirectoryEntryImport:
		if f.Imports != nil {
			return f.Imports
		}
	case DirectoryEntryDelayImport:
		if f.DelayImports != nil {
			return f.DelayImports
		}
	case DirectoryEntryBaseReloc:
		if f.Relocs != nil {
			return f.Relocs
		}
	case DirectoryEntryResource:
		if f.Resources != nil {
			return f.Resources
		}
	}
	return nil
}

// Place assigns rva to the directory at idx and records it in the optional header.
func (f *File) Place(idx int, rva uint32) error {
	d := f.Directory(idx)
	if d == nil {
		return errors.Wrapf(ErrInvariant, "no %s directory", DirectoryName(idx))
	}
	dd, err := d.SetRVA(f.Context(), rva)
	if err != nil {
		return errors.Wrapf(err, "place %s", DirectoryName(idx))
	}
	f.DataDirectory[idx] = dd
	return nil
}

// Relocate moves the directory at idx into a new section of its own.
func (f *File) Relocate(idx int, sectionName string, characteristics uint32) (*Section, error) {
	d := f.Directory(idx)
	if d == nil {
		return nil, errors.Wrapf(ErrInvariant, "no %s directory", DirectoryName(idx))
	}
	size, err := d.Size(f.Context())
	if err != nil {
		return nil, errors.Wrapf(err, "size %s", DirectoryName(idx))
	}
	s, err := f.AddSection(sectionName, make([]byte, size), characteristics)
	if err != nil {
		return nil, err
	}
	return s, f.Place(idx, s.VirtualAddress)
}

// Build serializes every directory and the headers. It works on a copy of
// the image and of the header fields it updates, which replace the current
// ones only if everything succeeded.
func (f *File) Build() ([]byte, error) {
	ctx := f.Context()
	ctx.Buf = f.content.Clone()
	fileHeader, dirs := f.COFF, f.DataDirectory

	for idx := 0; idx < NumberOfDirectoryEntries; idx++ {
		d := f.Directory(idx)
		if d == nil {
			continue
		}
		if err := d.BuildContent(ctx); err != nil {
			return nil, errors.Wrapf(err, "build %s", DirectoryName(idx))
		}
	}
	if f.Relocs != nil && dirs[DirectoryEntryBaseReloc].VirtualAddress != 0 {
		dirs[DirectoryEntryBaseReloc].Size, _ = f.Relocs.Size(ctx)
	}

	strtab := f.StringTable
	if f.Symbols != nil && fileHeader.PointerToSymbolTable != 0 {
		if strtab == nil {
			strtab = coff.NewStringTable()
		} else {
			strtab = strtab.Clone()
		}
		table := coff.WriteSymbols(f.Symbols, strtab)
		fileHeader.PointerToSymbolTable = f.symbolTableOffset(ctx.Buf, fileHeader.PointerToSymbolTable, len(table))
		ctx.Buf.Set(int(fileHeader.PointerToSymbolTable), table)
		fileHeader.NumberOfSymbols = coff.Count(f.Symbols)
	}
	fileHeader.NumberOfSections = uint16(len(f.Sections))

	if err := f.writeHeaders(ctx.Buf, &fileHeader, &dirs); err != nil {
		return nil, err
	}
	f.COFF, f.DataDirectory, f.StringTable = fileHeader, dirs, strtab
	f.content = ctx.Buf
	return f.content.Bytes(), nil
}

// symbolTableOffset keeps the symbol table at ptr unless n bytes from there
// would run into section data, in which case it moves to the end of the file.
func (f *File) symbolTableOffset(buf *patch.Buffer, ptr uint32, n int) uint32 {
	end := uint32(buf.Len())
	overlaps := false
	for _, s := range f.Sections {
		if s.SizeOfRawData == 0 {
			continue
		}
		rawEnd := s.PointerToRawData + s.SizeOfRawData
		end = max(end, rawEnd)
		if ptr < rawEnd && ptr+uint32(n) > s.PointerToRawData {
			overlaps = true
		}
	}
	if !overlaps {
		return ptr
	}
	log.Warnln("symbol table at 0x%x overlaps section data, moved to 0x%x", ptr, end)
	return end
}

func (f *File) headerEnd() int {
	return int(f.Dos.Lfanew) + 4 + cstruct.Sizeof(&f.COFF) + int(f.COFF.SizeOfOptionalHeader) +
		len(f.Sections)*cstruct.Sizeof(&SectionHeader{})
}

func (f *File) writeHeaders(buf *patch.Buffer, fileHeader *FileHeader, dirs *[NumberOfDirectoryEntries]DataDirectory) error {
	if end := f.headerEnd(); end > int(f.Optional.SizeOfHeaders) {
		return errors.Wrapf(ErrInvariant, "headers need 0x%x bytes, have 0x%x", end, f.Optional.SizeOfHeaders)
	}

	off := 0
	write := func(b []byte) {
		buf.Set(off, b)
		off += len(b)
	}
	write(cstruct.Pack(&f.Dos))
	off = int(f.Dos.Lfanew)
	write(cstruct.Pack(&ntSignature{Signature: IMAGE_NT_SIGNATURE}))
	write(cstruct.Pack(fileHeader))
	optStart := off
	write(f.Optional.pack())
	ndirs := int(f.Optional.NumberOfRvaAndSizes)
	if ndirs > NumberOfDirectoryEntries {
		ndirs = NumberOfDirectoryEntries
	}
	for i := 0; i < ndirs; i++ {
		write(cstruct.Pack(&dirs[i]))
	}
	off = optStart + int(fileHeader.SizeOfOptionalHeader)
	for _, s := range f.Sections {
		write(cstruct.Pack(&s.SectionHeader))
	}
	return nil
}

// Bytes returns the current image. It reflects the last successful Build.
func (f *File) Bytes() []byte {
	return f.content.Bytes()
}

// SectionData returns the raw bytes of s.
func (f *File) SectionData(s *Section) []byte {
	b, ok := f.content.Slice(int(s.PointerToRawData), int(s.SizeOfRawData))
	if !ok {
		return nil
	}
	return b
}

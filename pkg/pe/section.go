package pe

import (
	"github.com/pkg/errors"

	"pedit/pkg/cstruct"
	"pedit/pkg/patch"
)

const (
	defaultLfanew           = 0x80
	defaultSizeOfHeaders    = 0x400
	defaultFileAlignment    = 0x200
	defaultSectionAlignment = 0x1000
)

// New returns an image with headers only. wordSize is 32 or 64.
func New(wordSize int) *File {
	f := &File{content: patch.New(make([]byte, defaultSizeOfHeaders))}
	f.Dos = DosHeader{Magic: IMAGE_DOS_SIGNATURE, Cblp: 0x90, Cp: 3, Cparhdr: 4, Maxalloc: 0xffff, Sp: 0xb8, Lfarlc: 0x40, Lfanew: defaultLfanew}

	f.Optional = OptionalHeader{
		Magic:                       IMAGE_NT_OPTIONAL_HDR32_MAGIC,
		ImageBase:                   0x400000,
		SectionAlignment:            defaultSectionAlignment,
		FileAlignment:               defaultFileAlignment,
		MajorOperatingSystemVersion: 4,
		MajorSubsystemVersion:       4,
		SizeOfImage:                 defaultSectionAlignment,
		SizeOfHeaders:               defaultSizeOfHeaders,
		Subsystem:                   3,
		SizeOfStackReserve:          0x100000,
		SizeOfStackCommit:           0x1000,
		SizeOfHeapReserve:           0x100000,
		SizeOfHeapCommit:            0x1000,
		NumberOfRvaAndSizes:         NumberOfDirectoryEntries,
	}
	f.COFF = FileHeader{
		Machine:         IMAGE_FILE_MACHINE_I386,
		Characteristics: IMAGE_FILE_EXECUTABLE_IMAGE | IMAGE_FILE_32BIT_MACHINE,
	}
	if wordSize == 64 {
		f.Optional.Magic = IMAGE_NT_OPTIONAL_HDR64_MAGIC
		f.Optional.ImageBase = 0x140000000
		f.COFF.Machine = IMAGE_FILE_MACHINE_AMD64
		f.COFF.Characteristics = IMAGE_FILE_EXECUTABLE_IMAGE | IMAGE_FILE_LARGE_ADDRESS_AWARE
	}
	f.COFF.SizeOfOptionalHeader = uint16(f.Optional.fixedSize() + NumberOfDirectoryEntries*cstruct.Sizeof(&DataDirectory{}))
	return f
}

// AddSection appends a section holding data after the last one, both in the
// file and in memory.
func (f *File) AddSection(name string, data []byte, characteristics uint32) (*Section, error) {
	sectionHeaderSize := cstruct.Sizeof(&SectionHeader{})
	if f.headerEnd()+sectionHeaderSize > int(f.Optional.SizeOfHeaders) {
		return nil, errors.Wrapf(ErrInvariant, "no room for section header %s", name)
	}

	fileAlign, sectAlign := f.Optional.FileAlignment, f.Optional.SectionAlignment
	// Trailing data such as the COFF symbol table stays where it is.
	rawEnd := max(f.Optional.SizeOfHeaders, uint32(f.content.Len()))
	virtEnd := align(f.Optional.SizeOfHeaders, sectAlign)
	for _, s := range f.Sections {
		if end := s.PointerToRawData + s.SizeOfRawData; end > rawEnd {
			rawEnd = end
		}
		if end := align(s.virtualEnd(), sectAlign); end > virtEnd {
			virtEnd = end
		}
	}

	rawSize := align(uint32(len(data)), fileAlign)
	virtSize := uint32(len(data))
	if rawSize == 0 {
		rawSize = fileAlign
		virtSize = fileAlign
	}

	s := &Section{}
	s.SetName(name)
	s.VirtualAddress = virtEnd
	s.VirtualSize = virtSize
	s.PointerToRawData = align(rawEnd, fileAlign)
	s.SizeOfRawData = rawSize
	s.Characteristics = characteristics

	body := make([]byte, rawSize)
	copy(body, data)
	f.content.Set(int(s.PointerToRawData), body)

	f.Sections = append(f.Sections, s)
	f.COFF.NumberOfSections = uint16(len(f.Sections))
	f.Optional.SizeOfImage = align(s.VirtualAddress+s.VirtualSize, sectAlign)
	return s, nil
}

// SectionByName returns the first section called name.
func (f *File) SectionByName(name string) *Section {
	for _, s := range f.Sections {
		if s.NameString() == name {
			return s
		}
	}
	return nil
}

package pe

import (
	"bytes"

	"pedit/pkg/cstruct"
)

type DosHeader struct {
	Magic    uint16     `struc:"uint16,little"`
	Cblp     uint16     `struc:"uint16,little"`
	Cp       uint16     `struc:"uint16,little"`
	Crlc     uint16     `struc:"uint16,little"`
	Cparhdr  uint16     `struc:"uint16,little"`
	Minalloc uint16     `struc:"uint16,little"`
	Maxalloc uint16     `struc:"uint16,little"`
	Ss       uint16     `struc:"uint16,little"`
	Sp       uint16     `struc:"uint16,little"`
	Csum     uint16     `struc:"uint16,little"`
	Ip       uint16     `struc:"uint16,little"`
	Cs       uint16     `struc:"uint16,little"`
	Lfarlc   uint16     `struc:"uint16,little"`
	Ovno     uint16     `struc:"uint16,little"`
	Res      [4]uint16  `struc:"[4]uint16,little"`
	Oemid    uint16     `struc:"uint16,little"`
	Oeminfo  uint16     `struc:"uint16,little"`
	Res2     [10]uint16 `struc:"[10]uint16,little"`
	Lfanew   uint32     `struc:"uint32,little"`
}

// FileHeader is the COFF header following the PE signature.
type FileHeader struct {
	Machine              uint16 `struc:"uint16,little"`
	NumberOfSections     uint16 `struc:"uint16,little"`
	TimeDateStamp        uint32 `struc:"uint32,little"`
	PointerToSymbolTable uint32 `struc:"uint32,little"`
	NumberOfSymbols      uint32 `struc:"uint32,little"`
	SizeOfOptionalHeader uint16 `struc:"uint16,little"`
	Characteristics      uint16 `struc:"uint16,little"`
}

type DataDirectory struct {
	VirtualAddress uint32 `struc:"uint32,little"`
	Size           uint32 `struc:"uint32,little"`
}

type optionalHeader32 struct {
	Magic                       uint16 `struc:"uint16,little"`
	MajorLinkerVersion          uint8  `struc:"uint8"`
	MinorLinkerVersion          uint8  `struc:"uint8"`
	SizeOfCode                  uint32 `struc:"uint32,little"`
	SizeOfInitializedData       uint32 `struc:"uint32,little"`
	SizeOfUninitializedData     uint32 `struc:"uint32,little"`
	AddressOfEntryPoint         uint32 `struc:"uint32,little"`
	BaseOfCode                  uint32 `struc:"uint32,little"`
	BaseOfData                  uint32 `struc:"uint32,little"`
	ImageBase                   uint32 `struc:"uint32,little"`
	SectionAlignment            uint32 `struc:"uint32,little"`
	FileAlignment               uint32 `struc:"uint32,little"`
	MajorOperatingSystemVersion uint16 `struc:"uint16,little"`
	MinorOperatingSystemVersion uint16 `struc:"uint16,little"`
	MajorImageVersion           uint16 `struc:"uint16,little"`
	MinorImageVersion           uint16 `struc:"uint16,little"`
	MajorSubsystemVersion       uint16 `struc:"uint16,little"`
	MinorSubsystemVersion       uint16 `struc:"uint16,little"`
	Win32VersionValue           uint32 `struc:"uint32,little"`
	SizeOfImage                 uint32 `struc:"uint32,little"`
	SizeOfHeaders               uint32 `struc:"uint32,little"`
	CheckSum                    uint32 `struc:"uint32,little"`
	Subsystem                   uint16 `struc:"uint16,little"`
	DllCharacteristics          uint16 `struc:"uint16,little"`
	SizeOfStackReserve          uint32 `struc:"uint32,little"`
	SizeOfStackCommit           uint32 `struc:"uint32,little"`
	SizeOfHeapReserve           uint32 `struc:"uint32,little"`
	SizeOfHeapCommit            uint32 `struc:"uint32,little"`
	LoaderFlags                 uint32 `struc:"uint32,little"`
	NumberOfRvaAndSizes         uint32 `struc:"uint32,little"`
}

type optionalHeader64 struct {
	Magic                       uint16 `struc:"uint16,little"`
	MajorLinkerVersion          uint8  `struc:"uint8"`
	MinorLinkerVersion          uint8  `struc:"uint8"`
	SizeOfCode                  uint32 `struc:"uint32,little"`
	SizeOfInitializedData       uint32 `struc:"uint32,little"`
	SizeOfUninitializedData     uint32 `struc:"uint32,little"`
	AddressOfEntryPoint         uint32 `struc:"uint32,little"`
	BaseOfCode                  uint32 `struc:"uint32,little"`
	ImageBase                   uint64 `struc:"uint64,little"`
	SectionAlignment            uint32 `struc:"uint32,little"`
	FileAlignment               uint32 `struc:"uint32,little"`
	MajorOperatingSystemVersion uint16 `struc:"uint16,little"`
	MinorOperatingSystemVersion uint16 `struc:"uint16,little"`
	MajorImageVersion           uint16 `struc:"uint16,little"`
	MinorImageVersion           uint16 `struc:"uint16,little"`
	MajorSubsystemVersion       uint16 `struc:"uint16,little"`
	MinorSubsystemVersion       uint16 `struc:"uint16,little"`
	Win32VersionValue           uint32 `struc:"uint32,little"`
	SizeOfImage                 uint32 `struc:"uint32,little"`
	SizeOfHeaders               uint32 `struc:"uint32,little"`
	CheckSum                    uint32 `struc:"uint32,little"`
	Subsystem                   uint16 `struc:"uint16,little"`
	DllCharacteristics          uint16 `struc:"uint16,little"`
	SizeOfStackReserve          uint64 `struc:"uint64,little"`
	SizeOfStackCommit           uint64 `struc:"uint64,little"`
	SizeOfHeapReserve           uint64 `struc:"uint64,little"`
	SizeOfHeapCommit            uint64 `struc:"uint64,little"`
	LoaderFlags                 uint32 `struc:"uint32,little"`
	NumberOfRvaAndSizes         uint32 `struc:"uint32,little"`
}

// OptionalHeader holds either optional header flavour. Pointer sized
// fields are widened to 64 bits and narrowed again when packed for PE32.
type OptionalHeader struct {
	Magic                       uint16
	MajorLinkerVersion          uint8
	MinorLinkerVersion          uint8
	SizeOfCode                  uint32
	SizeOfInitializedData       uint32
	SizeOfUninitializedData     uint32
	AddressOfEntryPoint         uint32
	BaseOfCode                  uint32
	BaseOfData                  uint32
	ImageBase                   uint64
	SectionAlignment            uint32
	FileAlignment               uint32
	MajorOperatingSystemVersion uint16
	MinorOperatingSystemVersion uint16
	MajorImageVersion           uint16
	MinorImageVersion           uint16
	MajorSubsystemVersion       uint16
	MinorSubsystemVersion       uint16
	Win32VersionValue           uint32
	SizeOfImage                 uint32
	SizeOfHeaders               uint32
	CheckSum                    uint32
	Subsystem                   uint16
	DllCharacteristics          uint16
	SizeOfStackReserve          uint64
	SizeOfStackCommit           uint64
	SizeOfHeapReserve           uint64
	SizeOfHeapCommit            uint64
	LoaderFlags                 uint32
	NumberOfRvaAndSizes         uint32
}

func (h *OptionalHeader) Is64() bool {
	return h.Magic == IMAGE_NT_OPTIONAL_HDR64_MAGIC
}

// WordSize is the pointer width in bits.
func (h *OptionalHeader) WordSize() int {
	if h.Is64() {
		return 64
	}
	return 32
}

// fixedSize is the length of the optional header without data directories.
func (h *OptionalHeader) fixedSize() int {
	if h.Is64() {
		return cstruct.Sizeof(&optionalHeader64{})
	}
	return cstruct.Sizeof(&optionalHeader32{})
}

func (h *OptionalHeader) unpack(b []byte, off int) (int, error) {
	if h.Is64() {
		var o optionalHeader64
		next, err := cstruct.Unpack(b, off, &o)
		if err != nil {
			return off, err
		}
		*h = OptionalHeader{
			Magic: o.Magic, MajorLinkerVersion: o.MajorLinkerVersion, MinorLinkerVersion: o.MinorLinkerVersion,
			SizeOfCode: o.SizeOfCode, SizeOfInitializedData: o.SizeOfInitializedData,
			SizeOfUninitializedData: o.SizeOfUninitializedData, AddressOfEntryPoint: o.AddressOfEntryPoint,
			BaseOfCode: o.BaseOfCode, ImageBase: o.ImageBase,
			SectionAlignment: o.SectionAlignment, FileAlignment: o.FileAlignment,
			MajorOperatingSystemVersion: o.MajorOperatingSystemVersion, MinorOperatingSystemVersion: o.MinorOperatingSystemVersion,
			MajorImageVersion: o.MajorImageVersion, MinorImageVersion: o.MinorImageVersion,
			MajorSubsystemVersion: o.MajorSubsystemVersion, MinorSubsystemVersion: o.MinorSubsystemVersion,
			Win32VersionValue: o.Win32VersionValue, SizeOfImage: o.SizeOfImage, SizeOfHeaders: o.SizeOfHeaders,
			CheckSum: o.CheckSum, Subsystem: o.Subsystem, DllCharacteristics: o.DllCharacteristics,
			SizeOfStackReserve: o.SizeOfStackReserve, SizeOfStackCommit: o.SizeOfStackCommit,
			SizeOfHeapReserve: o.SizeOfHeapReserve, SizeOfHeapCommit: o.SizeOfHeapCommit,
			LoaderFlags: o.LoaderFlags, NumberOfRvaAndSizes: o.NumberOfRvaAndSizes,
		}
		return next, nil
	}

	var o optionalHeader32
	next, err := cstruct.Unpack(b, off, &o)
	if err != nil {
		return off, err
	}
	*h = OptionalHeader{
		Magic: o.Magic, MajorLinkerVersion: o.MajorLinkerVersion, MinorLinkerVersion: o.MinorLinkerVersion,
		SizeOfCode: o.SizeOfCode, SizeOfInitializedData: o.SizeOfInitializedData,
		SizeOfUninitializedData: o.SizeOfUninitializedData, AddressOfEntryPoint: o.AddressOfEntryPoint,
		BaseOfCode: o.BaseOfCode, BaseOfData: o.BaseOfData, ImageBase: uint64(o.ImageBase),
		SectionAlignment: o.SectionAlignment, FileAlignment: o.FileAlignment,
		MajorOperatingSystemVersion: o.MajorOperatingSystemVersion, MinorOperatingSystemVersion: o.MinorOperatingSystemVersion,
		MajorImageVersion: o.MajorImageVersion, MinorImageVersion: o.MinorImageVersion,
		MajorSubsystemVersion: o.MajorSubsystemVersion, MinorSubsystemVersion: o.MinorSubsystemVersion,
		Win32VersionValue: o.Win32VersionValue, SizeOfImage: o.SizeOfImage, SizeOfHeaders: o.SizeOfHeaders,
		CheckSum: o.CheckSum, Subsystem: o.Subsystem, DllCharacteristics: o.DllCharacteristics,
		SizeOfStackReserve: uint64(o.SizeOfStackReserve), SizeOfStackCommit: uint64(o.SizeOfStackCommit),
		SizeOfHeapReserve: uint64(o.SizeOfHeapReserve), SizeOfHeapCommit: uint64(o.SizeOfHeapCommit),
		LoaderFlags: o.LoaderFlags, NumberOfRvaAndSizes: o.NumberOfRvaAndSizes,
	}
	return next, nil
}

func (h *OptionalHeader) pack() []byte {
	if h.Is64() {
		return cstruct.Pack(&optionalHeader64{
			Magic: h.Magic, MajorLinkerVersion: h.MajorLinkerVersion, MinorLinkerVersion: h.MinorLinkerVersion,
			SizeOfCode: h.SizeOfCode, SizeOfInitializedData: h.SizeOfInitializedData,
			SizeOfUninitializedData: h.SizeOfUninitializedData, AddressOfEntryPoint: h.AddressOfEntryPoint,
			BaseOfCode: h.BaseOfCode, ImageBase: h.ImageBase,
			SectionAlignment: h.SectionAlignment, FileAlignment: h.FileAlignment,
			MajorOperatingSystemVersion: h.MajorOperatingSystemVersion, MinorOperatingSystemVersion: h.MinorOperatingSystemVersion,
			MajorImageVersion: h.MajorImageVersion, MinorImageVersion: h.MinorImageVersion,
			MajorSubsystemVersion: h.MajorSubsystemVersion, MinorSubsystemVersion: h.MinorSubsystemVersion,
			Win32VersionValue: h.Win32VersionValue, SizeOfImage: h.SizeOfImage, SizeOfHeaders: h.SizeOfHeaders,
			CheckSum: h.CheckSum, Subsystem: h.Subsystem, DllCharacteristics: h.DllCharacteristics,
			SizeOfStackReserve: h.SizeOfStackReserve, SizeOfStackCommit: h.SizeOfStackCommit,
			SizeOfHeapReserve: h.SizeOfHeapReserve, SizeOfHeapCommit: h.SizeOfHeapCommit,
			LoaderFlags: h.LoaderFlags, NumberOfRvaAndSizes: h.NumberOfRvaAndSizes,
		})
	}
	return cstruct.Pack(&optionalHeader32{
		Magic: h.Magic, MajorLinkerVersion: h.MajorLinkerVersion, MinorLinkerVersion: h.MinorLinkerVersion,
		SizeOfCode: h.SizeOfCode, SizeOfInitializedData: h.SizeOfInitializedData,
		SizeOfUninitializedData: h.SizeOfUninitializedData, AddressOfEntryPoint: h.AddressOfEntryPoint,
		BaseOfCode: h.BaseOfCode, BaseOfData: h.BaseOfData, ImageBase: uint32(h.ImageBase),
		SectionAlignment: h.SectionAlignment, FileAlignment: h.FileAlignment,
		MajorOperatingSystemVersion: h.MajorOperatingSystemVersion, MinorOperatingSystemVersion: h.MinorOperatingSystemVersion,
		MajorImageVersion: h.MajorImageVersion, MinorImageVersion: h.MinorImageVersion,
		MajorSubsystemVersion: h.MajorSubsystemVersion, MinorSubsystemVersion: h.MinorSubsystemVersion,
		Win32VersionValue: h.Win32VersionValue, SizeOfImage: h.SizeOfImage, SizeOfHeaders: h.SizeOfHeaders,
		CheckSum: h.CheckSum, Subsystem: h.Subsystem, DllCharacteristics: h.DllCharacteristics,
		SizeOfStackReserve: uint32(h.SizeOfStackReserve), SizeOfStackCommit: uint32(h.SizeOfStackCommit),
		SizeOfHeapReserve: uint32(h.SizeOfHeapReserve), SizeOfHeapCommit: uint32(h.SizeOfHeapCommit),
		LoaderFlags: h.LoaderFlags, NumberOfRvaAndSizes: h.NumberOfRvaAndSizes,
	})
}

type SectionHeader struct {
	Name                 [8]byte `struc:"[8]byte"`
	VirtualSize          uint32  `struc:"uint32,little"`
	VirtualAddress       uint32  `struc:"uint32,little"`
	SizeOfRawData        uint32  `struc:"uint32,little"`
	PointerToRawData     uint32  `struc:"uint32,little"`
	PointerToRelocations uint32  `struc:"uint32,little"`
	PointerToLinenumbers uint32  `struc:"uint32,little"`
	NumberOfRelocations  uint16  `struc:"uint16,little"`
	NumberOfLinenumbers  uint16  `struc:"uint16,little"`
	Characteristics      uint32  `struc:"uint32,little"`
}

type Section struct {
	SectionHeader
}

func (s *Section) NameString() string {
	return string(bytes.TrimRight(s.Name[:], "\x00"))
}

// SetName stores at most 8 bytes of name.
func (s *Section) SetName(name string) {
	s.Name = [8]byte{}
	copy(s.Name[:], name)
}

// virtualEnd is the end of the window the section maps in memory.
func (s *Section) virtualEnd() uint32 {
	size := s.VirtualSize
	if s.SizeOfRawData > size {
		size = s.SizeOfRawData
	}
	return s.VirtualAddress + size
}

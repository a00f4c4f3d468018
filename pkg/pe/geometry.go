package pe

import "golang.org/x/exp/constraints"

// Geometry translates between RVAs, file offsets and virtual addresses using
// a section table. It holds the live section slice, so edits to a section
// are seen by the next lookup.
type Geometry struct {
	Sections  []*Section
	ImageBase uint64
}

func (g *Geometry) sectionForRVA(rva uint32) *Section {
	for _, s := range g.Sections {
		if rva >= s.VirtualAddress && rva < s.virtualEnd() {
			return s
		}
	}
	return nil
}

// RVAToOffset returns the file offset of rva, or false when no section maps it.
// Header space is never resolved here.
func (g *Geometry) RVAToOffset(rva uint32) (uint32, bool) {
	s := g.sectionForRVA(rva)
	if s == nil {
		return 0, false
	}
	return s.PointerToRawData + rva - s.VirtualAddress, true
}

func (g *Geometry) OffsetToRVA(off uint32) (uint32, bool) {
	for _, s := range g.Sections {
		if s.SizeOfRawData == 0 {
			continue
		}
		if off >= s.PointerToRawData && off < s.PointerToRawData+s.SizeOfRawData {
			return s.VirtualAddress + off - s.PointerToRawData, true
		}
	}
	return 0, false
}

func (g *Geometry) RVAToVA(rva uint32) uint64 {
	return g.ImageBase + uint64(rva)
}

func (g *Geometry) VAToRVA(va uint64) uint32 {
	return uint32(va - g.ImageBase)
}

// firstSectionRVA is the lowest section start, or 0 without sections.
func (g *Geometry) firstSectionRVA() uint32 {
	var low uint32
	for i, s := range g.Sections {
		if i == 0 || s.VirtualAddress < low {
			low = s.VirtualAddress
		}
	}
	return low
}

func align[T constraints.Unsigned](v, a T) T {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}

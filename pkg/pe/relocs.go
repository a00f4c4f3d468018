package pe

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/exp/slices"

	"pedit/pkg/cstruct"
	"pedit/pkg/log"
)

const (
	relocHeaderSize = 8
	pageMask        = 0xFFFFF000
)

// Fixup is one packed base relocation: type in the top 4 bits, page offset
// in the low 12.
type Fixup struct {
	Type   RelocType
	Offset uint16
}

type fixupField struct {
	Value uint16 `struc:"uint16,little"`
}

func (f *Fixup) Size() int { return 2 }

func (f *Fixup) Unpack(b []byte) error {
	var v fixupField
	if _, err := cstruct.Unpack(b, 0, &v); err != nil {
		return err
	}
	f.Type = RelocType(v.Value >> 12)
	f.Offset = v.Value & 0xFFF
	return nil
}

func (f *Fixup) Pack() []byte {
	return cstruct.Pack(&fixupField{Value: uint16(f.Type)<<12 | f.Offset&0xFFF})
}

func (f *Fixup) String() string {
	return fmt.Sprintf("<%s 0x%03x>", f.Type, f.Offset)
}

type relocHeader struct {
	PageRVA   uint32 `struc:"uint32,little"`
	BlockSize uint32 `struc:"uint32,little"`
}

type RelocBlock struct {
	PageRVA   uint32
	BlockSize uint32
	Fixups    *cstruct.Array[*Fixup]
}

// Pack emits exactly BlockSize bytes.
func (b *RelocBlock) Pack() []byte {
	out := make([]byte, b.BlockSize)
	copy(out, cstruct.Pack(&relocHeader{PageRVA: b.PageRVA, BlockSize: b.BlockSize}))
	if b.BlockSize > relocHeaderSize {
		copy(out[relocHeaderSize:], b.Fixups.Pack())
	}
	return out
}

type RelocDirectory struct {
	Blocks []*RelocBlock
	RVA    uint32
}

// Reloc is a fixup with its absolute RVA.
type Reloc struct {
	RVA  uint32
	Type RelocType
}

// ParseRelocs reads the blocks in the directory range. A malformed block
// ends the parse with a warning; the blocks read so far are kept.
func ParseRelocs(ctx *Context, dir DataDirectory) (*RelocDirectory, error) {
	if dir.VirtualAddress == 0 {
		return nil, nil
	}
	off, err := ctx.offset(dir.VirtualAddress)
	if err != nil {
		return nil, errors.Wrap(err, "relocation directory")
	}

	d := &RelocDirectory{RVA: dir.VirtualAddress}
	b := ctx.Buf.Bytes()
	end := off + int(dir.Size)
	for off < end {
		var h relocHeader
		if _, err := cstruct.Unpack(b, off, &h); err != nil {
			log.Warnln("relocation block at 0x%x: %v", off, err)
			break
		}
		if h.BlockSize == 0 {
			log.Warnln("null relocation block at 0x%x", off)
			break
		}
		if h.BlockSize < relocHeaderSize {
			log.Warnln("relocation block at 0x%x too small: %d", off, h.BlockSize)
			break
		}
		count := int(h.BlockSize-relocHeaderSize) / 2
		fixups, err := cstruct.ReadArray(b, off+relocHeaderSize, count, func() *Fixup { return &Fixup{} })
		d.Blocks = append(d.Blocks, &RelocBlock{PageRVA: h.PageRVA, BlockSize: h.BlockSize, Fixups: fixups})
		if err != nil {
			log.Warnln("truncated relocation block for page 0x%x: %v", h.PageRVA, err)
			break
		}
		off += int(h.BlockSize)
	}
	return d, nil
}

func (d *RelocDirectory) Size(ctx *Context) (uint32, error) {
	var n uint32
	for _, b := range d.Blocks {
		n += b.BlockSize
	}
	return n, nil
}

func (d *RelocDirectory) SetRVA(ctx *Context, rva uint32) (DataDirectory, error) {
	size, _ := d.Size(ctx)
	d.RVA = rva
	return DataDirectory{VirtualAddress: rva, Size: size}, nil
}

func (d *RelocDirectory) BuildContent(ctx *Context) error {
	if d.RVA == 0 {
		return nil
	}
	var out []byte
	for _, b := range d.Blocks {
		out = append(out, b.Pack()...)
	}
	return errors.Wrap(ctx.write(d.RVA, out), "relocations")
}

// AddReloc adds one block per page touched by rvas. Existing blocks are left
// alone, so a page may end up with several blocks.
func (d *RelocDirectory) AddReloc(rvas []uint32, typ RelocType) error {
	if typ > 0xF {
		return errors.Wrapf(ErrInvariant, "relocation type %d", typ)
	}
	if len(rvas) == 0 {
		return nil
	}

	byPage := lo.GroupBy(rvas, func(rva uint32) uint32 { return rva & pageMask })
	pages := lo.Keys(byPage)
	slices.Sort(pages)

	for _, page := range pages {
		offsets := byPage[page]
		slices.Sort(offsets)

		fixups := &cstruct.Array[*Fixup]{}
		for _, rva := range offsets {
			fixups.Append(&Fixup{Type: typ, Offset: uint16(rva - page)})
		}
		for fixups.Len()%4 != 0 {
			fixups.Append(&Fixup{Type: IMAGE_REL_BASED_ABSOLUTE})
		}
		block := &RelocBlock{
			PageRVA:   page,
			BlockSize: uint32(relocHeaderSize + fixups.ByteSize()),
			Fixups:    fixups,
		}

		i := slices.IndexFunc(d.Blocks, func(b *RelocBlock) bool { return b.PageRVA > page })
		if i < 0 {
			i = len(d.Blocks)
		}
		d.Blocks = slices.Insert(d.Blocks, i, block)
	}
	return nil
}

// DelReloc drops the non padding fixups at rvas. Blocks shrink but are not
// re-padded or merged.
func (d *RelocDirectory) DelReloc(rvas []uint32) int {
	drop := lo.SliceToMap(rvas, func(rva uint32) (uint32, struct{}) { return rva, struct{}{} })
	removed := 0
	for _, b := range d.Blocks {
		kept := b.Fixups.Items[:0]
		for _, f := range b.Fixups.Items {
			if _, ok := drop[b.PageRVA+uint32(f.Offset)]; ok && f.Type != IMAGE_REL_BASED_ABSOLUTE {
				log.Debugln("del reloc 0x%x", b.PageRVA+uint32(f.Offset))
				b.BlockSize -= 2
				removed++
				continue
			}
			kept = append(kept, f)
		}
		b.Fixups.Items = kept
	}
	return removed
}

// Entries lists every non padding fixup in block order.
func (d *RelocDirectory) Entries() []Reloc {
	var out []Reloc
	for _, b := range d.Blocks {
		for _, f := range b.Fixups.Items {
			if f.Type == IMAGE_REL_BASED_ABSOLUTE {
				continue
			}
			out = append(out, Reloc{RVA: b.PageRVA + uint32(f.Offset), Type: f.Type})
		}
	}
	return out
}

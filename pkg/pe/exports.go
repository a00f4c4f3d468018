package pe

import (
	"math"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"pedit/pkg/cstruct"
	"pedit/pkg/log"
)

type ImageExportDirectory struct {
	Characteristics       uint32 `struc:"uint32,little"`
	TimeDateStamp         uint32 `struc:"uint32,little"`
	MajorVersion          uint16 `struc:"uint16,little"`
	MinorVersion          uint16 `struc:"uint16,little"`
	Name                  uint32 `struc:"uint32,little"`
	Base                  uint32 `struc:"uint32,little"`
	NumberOfFunctions     uint32 `struc:"uint32,little"`
	NumberOfNames         uint32 `struc:"uint32,little"`
	AddressOfFunctions    uint32 `struc:"uint32,little"`
	AddressOfNames        uint32 `struc:"uint32,little"`
	AddressOfNameOrdinals uint32 `struc:"uint32,little"`
}

const exportDirectorySize = 40

type Rva32 struct {
	RVA uint32 `struc:"uint32,little"`
}

func (r *Rva32) Size() int { return 4 }

func (r *Rva32) Unpack(b []byte) error {
	_, err := cstruct.Unpack(b, 0, r)
	return err
}

func (r *Rva32) Pack() []byte { return cstruct.Pack(r) }

type Ordinal16 struct {
	Ordinal uint16 `struc:"uint16,little"`
}

func (o *Ordinal16) Size() int { return 2 }

func (o *Ordinal16) Unpack(b []byte) error {
	_, err := cstruct.Unpack(b, 0, o)
	return err
}

func (o *Ordinal16) Pack() []byte { return cstruct.Pack(o) }

// ExportName is an entry of the name pointer table together with the name
// it points to.
type ExportName struct {
	Rva32
	Name string
}

type ExportDirectory struct {
	ImageExportDirectory
	DLLName   string
	Functions *cstruct.Array[*Rva32]
	Names     *cstruct.Array[*ExportName]
	Ordinals  *cstruct.Array[*Ordinal16]
	RVA       uint32
}

func NewExportDirectory(dllName string) *ExportDirectory {
	return &ExportDirectory{
		ImageExportDirectory: ImageExportDirectory{Base: 1},
		DLLName:              dllName,
		Functions:            &cstruct.Array[*Rva32]{},
		Names:                &cstruct.Array[*ExportName]{},
		Ordinals:             &cstruct.Array[*Ordinal16]{},
	}
}

// ParseExports reads the export directory. A table that does not resolve
// makes the whole directory unusable; that is logged and nil is returned.
func ParseExports(ctx *Context, dir DataDirectory) (*ExportDirectory, error) {
	if dir.VirtualAddress == 0 {
		return nil, nil
	}
	off, err := ctx.offset(dir.VirtualAddress)
	if err != nil {
		return nil, errors.Wrap(err, "export directory")
	}

	d := &ExportDirectory{RVA: dir.VirtualAddress}
	if _, err := cstruct.Unpack(ctx.Buf.Bytes(), off, &d.ImageExportDirectory); err != nil {
		return nil, errors.Wrap(err, "export directory")
	}

	tables := []struct {
		rva   uint32
		count uint32
	}{
		{d.AddressOfFunctions, d.NumberOfFunctions},
		{d.AddressOfNames, d.NumberOfNames},
		{d.AddressOfNameOrdinals, d.NumberOfNames},
	}
	offs := make([]int, len(tables))
	for i, t := range tables {
		if t.count == 0 {
			continue
		}
		if offs[i], err = ctx.offset(t.rva); err != nil {
			log.Warnln("export directory malformed: %v", err)
			return nil, nil
		}
	}

	if d.DLLName, err = ctx.readCString(d.Name); err != nil {
		log.Warnln("export name: %v", err)
	}

	b := ctx.Buf.Bytes()
	if d.Functions, err = cstruct.ReadArray(b, offs[0], int(d.NumberOfFunctions), func() *Rva32 { return &Rva32{} }); err != nil {
		log.Warnln("export functions: %v", err)
	}
	if d.Names, err = cstruct.ReadArray(b, offs[1], int(d.NumberOfNames), func() *ExportName { return &ExportName{} }); err != nil {
		log.Warnln("export names: %v", err)
	}
	if d.Ordinals, err = cstruct.ReadArray(b, offs[2], int(d.NumberOfNames), func() *Ordinal16 { return &Ordinal16{} }); err != nil {
		log.Warnln("export ordinals: %v", err)
	}
	for _, n := range d.Names.Items {
		if n.Name, err = ctx.readCString(n.RVA); err != nil {
			log.Warnln("export name at 0x%x: %v", n.RVA, err)
		}
	}
	return d, nil
}

func compareExportNames(a, b *ExportName) int {
	return strings.Compare(a.Name, b.Name)
}

// Sorted reports whether the name table is in the order loaders binary search it.
func (d *ExportDirectory) Sorted() bool {
	return slices.IsSortedFunc(d.Names.Items, compareExportNames)
}

// AddName exports a new function at rva under name, keeping names sorted.
// The ordinal table holds 16 bit indexes, so at most 0x10000 functions fit.
func (d *ExportDirectory) AddName(name string, rva uint32) error {
	if d.Functions.Len() > math.MaxUint16 {
		return errors.Wrapf(ErrInvariant, "export %s: address table is full", name)
	}
	if !d.Sorted() {
		log.Warnln("export names were not sorted before adding %s", name)
	}
	i, _ := slices.BinarySearchFunc(d.Names.Items, name, func(n *ExportName, target string) int {
		return strings.Compare(n.Name, target)
	})

	ord := &Ordinal16{Ordinal: uint16(d.Functions.Len())}
	d.Functions.Append(&Rva32{RVA: rva})
	d.Names.Insert(i, &ExportName{Name: name})
	d.Ordinals.Insert(i, ord)
	d.NumberOfFunctions++
	d.NumberOfNames++
	return nil
}

func (d *ExportDirectory) FuncRVA(name string) (uint32, bool) {
	for i, n := range d.Names.Items {
		if n.Name != name {
			continue
		}
		if i >= d.Ordinals.Len() {
			return 0, false
		}
		ord := int(d.Ordinals.Items[i].Ordinal)
		if ord >= d.Functions.Len() {
			return 0, false
		}
		return d.Functions.Items[ord].RVA, true
	}
	return 0, false
}

// FuncRVAByOrdinal looks up a biased ordinal, as used by importers.
func (d *ExportDirectory) FuncRVAByOrdinal(ord uint32) (uint32, bool) {
	if ord < d.Base || int(ord-d.Base) >= d.Functions.Len() {
		return 0, false
	}
	return d.Functions.Items[ord-d.Base].RVA, true
}

func (d *ExportDirectory) FuncVA(g *Geometry, name string) (uint64, bool) {
	rva, ok := d.FuncRVA(name)
	if !ok {
		return 0, false
	}
	return g.RVAToVA(rva), true
}

// FunctionNames returns the names exported for each function slot.
func (d *ExportDirectory) FunctionNames() map[int][]string {
	out := make(map[int][]string)
	for i, n := range d.Names.Items {
		if i < d.Ordinals.Len() {
			ord := int(d.Ordinals.Items[i].Ordinal)
			out[ord] = append(out[ord], n.Name)
		}
	}
	return out
}

func (d *ExportDirectory) Size(ctx *Context) (uint32, error) {
	n := exportDirectorySize + len(d.DLLName) + 1
	n += d.Functions.ByteSize() + d.Names.ByteSize() + d.Ordinals.ByteSize()
	for _, name := range d.Names.Items {
		n += len(name.Name) + 1
	}
	return uint32(n), nil
}

func (d *ExportDirectory) SetRVA(ctx *Context, rva uint32) (DataDirectory, error) {
	if d.Names.Len() != d.Ordinals.Len() {
		return DataDirectory{}, errors.Wrapf(ErrInvariant, "%d export names for %d ordinals", d.Names.Len(), d.Ordinals.Len())
	}
	size, _ := d.Size(ctx)

	d.RVA = rva
	rva += exportDirectorySize
	d.Name = rva
	rva += uint32(len(d.DLLName) + 1)
	d.AddressOfFunctions = rva
	rva += uint32(d.Functions.ByteSize())
	d.AddressOfNames = rva
	rva += uint32(d.Names.ByteSize())
	d.AddressOfNameOrdinals = rva
	rva += uint32(d.Ordinals.ByteSize())
	for _, n := range d.Names.Items {
		n.RVA = rva
		rva += uint32(len(n.Name) + 1)
	}
	d.NumberOfFunctions = uint32(d.Functions.Len())
	d.NumberOfNames = uint32(d.Names.Len())
	return DataDirectory{VirtualAddress: d.RVA, Size: size}, nil
}

func (d *ExportDirectory) BuildContent(ctx *Context) error {
	if d.RVA == 0 {
		return nil
	}
	if !d.Sorted() {
		log.Warnln("unsorted export names, loaders may not find them")
	}
	if err := ctx.write(d.RVA, cstruct.Pack(&d.ImageExportDirectory)); err != nil {
		return errors.Wrap(err, "export directory")
	}
	if err := ctx.writeName(d.Name, d.DLLName); err != nil {
		return errors.Wrap(err, "export name")
	}
	if d.Functions.Len() > 0 {
		if err := ctx.write(d.AddressOfFunctions, d.Functions.Pack()); err != nil {
			return errors.Wrap(err, "export functions")
		}
	}
	if d.Names.Len() > 0 {
		if err := ctx.write(d.AddressOfNames, d.Names.Pack()); err != nil {
			return errors.Wrap(err, "export names")
		}
		if err := ctx.write(d.AddressOfNameOrdinals, d.Ordinals.Pack()); err != nil {
			return errors.Wrap(err, "export ordinals")
		}
	}
	for _, n := range d.Names.Items {
		if err := ctx.writeName(n.RVA, n.Name); err != nil {
			return errors.Wrapf(err, "export %s", n.Name)
		}
	}
	return nil
}

package pe

import (
	"github.com/pkg/errors"

	"pedit/pkg/cstruct"
	"pedit/pkg/log"
)

type ImageDelayImportDescriptor struct {
	Attributes         uint32 `struc:"uint32,little"`
	Name               uint32 `struc:"uint32,little"`
	ModuleHandle       uint32 `struc:"uint32,little"`
	FirstThunk         uint32 `struc:"uint32,little"`
	OriginalFirstThunk uint32 `struc:"uint32,little"`
	BoundIAT           uint32 `struc:"uint32,little"`
	UnloadIAT          uint32 `struc:"uint32,little"`
	TimeDateStamp      uint32 `struc:"uint32,little"`
}

const delayImportDescriptorSize = 32

type DelayImportDescriptor struct {
	ImageDelayImportDescriptor
	ImportThunks
}

func (d *DelayImportDescriptor) Size() int {
	return delayImportDescriptorSize
}

func (d *DelayImportDescriptor) Unpack(b []byte) error {
	_, err := cstruct.Unpack(b, 0, &d.ImageDelayImportDescriptor)
	return err
}

func (d *DelayImportDescriptor) Pack() []byte {
	return cstruct.Pack(&d.ImageDelayImportDescriptor)
}

// UsesRVA reports whether the descriptor fields are RVAs. Old style
// descriptors hold virtual addresses instead.
func (d *DelayImportDescriptor) UsesRVA() bool {
	return d.Attributes&DelayAttrRVA != 0
}

// addressing returns the translation for this descriptor's fields.
func (d *DelayImportDescriptor) addressing(g *Geometry) addressing {
	if d.UsesRVA() {
		return rvaAddressing
	}
	return addressing{toRVA: g.VAToRVA, fromRVA: g.RVAToVA}
}

type DelayImportDirectory struct {
	Descriptors *cstruct.Array[*DelayImportDescriptor]
	RVA         uint32
}

func NewDelayImportDirectory() *DelayImportDirectory {
	descs := &cstruct.Array[*DelayImportDescriptor]{}
	descs.Terminate(delayImportDescriptorSize)
	return &DelayImportDirectory{Descriptors: descs}
}

// ParseDelayImports reads the delay import directory with the same failure
// policy as ParseImports.
func ParseDelayImports(ctx *Context, dir DataDirectory) (*DelayImportDirectory, error) {
	if dir.VirtualAddress == 0 {
		return nil, nil
	}
	off, err := ctx.offset(dir.VirtualAddress)
	if err != nil {
		return nil, errors.Wrap(err, "delay import directory")
	}

	descs, err := cstruct.ReadArray(ctx.Buf.Bytes(), off, -1, func() *DelayImportDescriptor { return &DelayImportDescriptor{} })
	d := &DelayImportDirectory{Descriptors: descs, RVA: dir.VirtualAddress}
	if err != nil {
		log.Warnln("delay import descriptors: %v", err)
	}

	for i, desc := range descs.Items {
		a := desc.addressing(ctx.Geometry)
		if err := desc.load(ctx, a, desc.Name, desc.OriginalFirstThunk, desc.FirstThunk); err != nil {
			descs.Items = descs.Items[:i]
			descs.Terminate(delayImportDescriptorSize)
			return d, err
		}
	}
	return d, nil
}

func (d *DelayImportDirectory) Size(ctx *Context) (uint32, error) {
	n := uint32((d.Descriptors.Len() + 1) * delayImportDescriptorSize)
	for _, desc := range d.Descriptors.Items {
		n += desc.size(ctx)
	}
	return n, nil
}

func (d *DelayImportDirectory) SetRVA(ctx *Context, rva uint32) (DataDirectory, error) {
	for _, desc := range d.Descriptors.Items {
		if err := desc.validate(); err != nil {
			return DataDirectory{}, err
		}
	}

	if d.Descriptors.Terminator == nil {
		d.Descriptors.Terminate(delayImportDescriptorSize)
	}
	for _, desc := range d.Descriptors.Items {
		desc.terminate(ctx)
	}

	size, _ := d.Size(ctx)
	d.RVA = rva
	next := rva + uint32(d.Descriptors.ByteSize())
	for _, desc := range d.Descriptors.Items {
		a := desc.addressing(ctx.Geometry)
		var name, oft uint32
		name, oft, next = desc.layout(a, next)
		desc.Name = uint32(a.fromRVA(name))
		if desc.OriginalThunks != nil {
			desc.OriginalFirstThunk = uint32(a.fromRVA(oft))
		}
	}
	return DataDirectory{VirtualAddress: rva, Size: size}, nil
}

func (d *DelayImportDirectory) BuildContent(ctx *Context) error {
	if d.RVA == 0 {
		return nil
	}
	if err := ctx.write(d.RVA, d.Descriptors.Pack()); err != nil {
		return errors.Wrap(err, "delay import descriptors")
	}
	for _, desc := range d.Descriptors.Items {
		a := desc.addressing(ctx.Geometry)
		if err := desc.write(ctx, a, desc.Name, desc.OriginalFirstThunk, desc.FirstThunk); err != nil {
			return err
		}
	}
	return nil
}

// DLLs lists the descriptors. FirstThunk is always an RVA here.
func (d *DelayImportDirectory) DLLs(g *Geometry) []DLL {
	out := make([]DLL, 0, d.Descriptors.Len())
	for _, desc := range d.Descriptors.Items {
		a := desc.addressing(g)
		out = append(out, DLL{
			Name:          desc.DLLName,
			FirstThunk:    a.toRVA(uint64(desc.FirstThunk)),
			TimeDateStamp: desc.TimeDateStamp,
			Funcs:         desc.funcs(),
		})
	}
	return out
}

func (d *DelayImportDirectory) FuncRVA(ctx *Context, imp Import) (uint32, bool) {
	for _, desc := range d.Descriptors.Items {
		if j := desc.index(imp); j >= 0 {
			a := desc.addressing(ctx.Geometry)
			return a.toRVA(uint64(desc.FirstThunk)) + uint32(j)*ctx.slotSize(), true
		}
	}
	return 0, false
}

func (d *DelayImportDirectory) FuncVA(ctx *Context, imp Import) (uint64, bool) {
	rva, ok := d.FuncRVA(ctx, imp)
	if !ok {
		return 0, false
	}
	return ctx.RVAToVA(rva), true
}

// AddDLL appends descriptors with the given attributes. FirstThunk values in
// dlls are RVAs and are stored in the descriptor's own addressing mode.
func (d *DelayImportDirectory) AddDLL(ctx *Context, attrs uint32, dlls ...DLL) error {
	iats, err := firstThunks(ctx, dlls)
	if err != nil {
		return err
	}
	for i, dll := range dlls {
		desc := &DelayImportDescriptor{
			ImageDelayImportDescriptor: ImageDelayImportDescriptor{
				Attributes:    attrs,
				TimeDateStamp: dll.TimeDateStamp,
			},
			ImportThunks: newImportThunks(ctx, dll),
		}
		desc.FirstThunk = uint32(desc.addressing(ctx.Geometry).fromRVA(iats[i]))
		d.Descriptors.Append(desc)
	}
	return nil
}

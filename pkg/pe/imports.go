package pe

import (
	"fmt"

	"github.com/pkg/errors"

	"pedit/pkg/cstruct"
	"pedit/pkg/log"
)

type ImportByName struct {
	Hint uint16
	Name string
}

type hintField struct {
	Hint uint16 `struc:"uint16,little"`
}

func (n *ImportByName) Decode(b []byte, off int) (int, error) {
	var h hintField
	next, err := cstruct.Unpack(b, off, &h)
	if err != nil {
		return off, err
	}
	var s cstruct.CString
	if next, err = s.Decode(b, next); err != nil {
		return off, err
	}
	n.Hint, n.Name = h.Hint, s.Value
	return next, nil
}

// Size includes the padding byte that keeps the next record word aligned.
func (n *ImportByName) Size() int {
	l := 2 + len(n.Name) + 1
	return l + l%2
}

func (n *ImportByName) Encode() []byte {
	out := make([]byte, n.Size())
	copy(out, cstruct.Pack(&hintField{Hint: n.Hint}))
	copy(out[2:], n.Name)
	return out
}

// ImportEntry is one imported function, by name when ByName is set and by
// ordinal otherwise.
type ImportEntry struct {
	Ordinal uint64
	ByName  *ImportByName
}

func (e ImportEntry) String() string {
	if e.ByName != nil {
		return e.ByName.Name
	}
	return fmt.Sprintf("#%d", e.Ordinal)
}

// Import names a function to import or look up.
type Import struct {
	Name    string
	Ordinal uint64
}

func ImportName(name string) Import {
	return Import{Name: name}
}

func ImportOrdinal(ord uint64) Import {
	return Import{Ordinal: ord}
}

func (i Import) String() string {
	if i.Name != "" {
		return i.Name
	}
	return fmt.Sprintf("#%d", i.Ordinal)
}

func (i Import) matches(e ImportEntry) bool {
	if i.Name != "" {
		return e.ByName != nil && e.ByName.Name == i.Name
	}
	return e.ByName == nil && e.Ordinal == i.Ordinal
}

// DLL summarizes one descriptor, and describes a descriptor to add.
type DLL struct {
	Name           string
	FirstThunk     uint32
	TimeDateStamp  uint32
	ForwarderChain uint32
	Funcs          []Import
}

// addressing converts descriptor and thunk field values to RVAs and back.
type addressing struct {
	toRVA   func(v uint64) uint32
	fromRVA func(rva uint32) uint64
}

var rvaAddressing = addressing{
	toRVA:   func(v uint64) uint32 { return uint32(v) },
	fromRVA: func(rva uint32) uint64 { return uint64(rva) },
}

// ImportThunks is the data an import descriptor points to.
type ImportThunks struct {
	DLLName        string
	OriginalThunks *cstruct.Array[*Thunk]
	FirstThunks    *cstruct.Array[*Thunk]
	Entries        []ImportEntry

	// bindNames makes name record RVAs go to both thunk arrays.
	bindNames bool
}

// authoritative is the thunk array entries are derived from.
func (t *ImportThunks) authoritative() *cstruct.Array[*Thunk] {
	if t.OriginalThunks != nil {
		return t.OriginalThunks
	}
	return t.FirstThunks
}

func (t *ImportThunks) load(ctx *Context, a addressing, name, oft, ft uint32) error {
	var err error
	if t.DLLName, err = ctx.readCString(a.toRVA(uint64(name))); err != nil {
		log.Warnln("import name at 0x%x: %v", name, err)
	}
	if oft != 0 {
		if t.OriginalThunks, err = ctx.readThunks(a.toRVA(uint64(oft))); err != nil {
			log.Warnln("%s: original thunks: %v", t.DLLName, err)
			if errors.Is(err, ErrUnresolvable) {
				t.OriginalThunks = nil
			}
		}
	}
	if ft != 0 {
		if t.FirstThunks, err = ctx.readThunks(a.toRVA(uint64(ft))); err != nil {
			log.Warnln("%s: first thunks: %v", t.DLLName, err)
			if errors.Is(err, ErrUnresolvable) {
				t.FirstThunks = nil
			}
		}
	}

	thunks := t.authoritative()
	if thunks == nil {
		return errors.Wrapf(ErrMalformed, "%s: no thunk", t.DLLName)
	}

	t.Entries = make([]ImportEntry, 0, thunks.Len())
	for _, th := range thunks.Items {
		if th.Value&th.TopBit() != 0 {
			t.Entries = append(t.Entries, ImportEntry{Ordinal: th.Value &^ th.TopBit()})
			continue
		}
		ibn, err := readImportByName(ctx, a.toRVA(th.Value))
		if err != nil {
			log.Warnln("cannot import from 0x%x: %v", th.Value, err)
			t.Entries = append(t.Entries, ImportEntry{})
			continue
		}
		t.Entries = append(t.Entries, ImportEntry{ByName: ibn})
	}
	return nil
}

func readImportByName(ctx *Context, rva uint32) (*ImportByName, error) {
	off, err := ctx.offset(rva)
	if err != nil {
		return nil, err
	}
	ibn := &ImportByName{}
	if _, err := ibn.Decode(ctx.Buf.Bytes(), off); err != nil {
		return nil, err
	}
	return ibn, nil
}

func (t *ImportThunks) validate() error {
	thunks := t.authoritative()
	if thunks == nil {
		return errors.Wrapf(ErrMalformed, "%s: no thunk", t.DLLName)
	}
	if thunks.Len() != len(t.Entries) {
		return errors.Wrapf(ErrInvariant, "%s: %d thunks for %d entries", t.DLLName, thunks.Len(), len(t.Entries))
	}
	return nil
}

func (t *ImportThunks) terminate(ctx *Context) {
	for _, a := range []*cstruct.Array[*Thunk]{t.OriginalThunks, t.FirstThunks} {
		if a != nil && a.Terminator == nil {
			a.Terminate(int(ctx.slotSize()))
		}
	}
}

// size is the length of what layout places: name, original thunks and name
// records. A missing thunk terminator is counted since SetRVA adds it.
func (t *ImportThunks) size(ctx *Context) uint32 {
	n := uint32(len(t.DLLName) + 1)
	n += uint32(t.OriginalThunks.ByteSize())
	if t.OriginalThunks != nil && t.OriginalThunks.Terminator == nil {
		n += ctx.slotSize()
	}
	for _, e := range t.Entries {
		if e.ByName != nil {
			n += uint32(e.ByName.Size())
		}
	}
	return n
}

// layout places the thunk data from rva on. The first thunk array keeps its
// position, since it holds the addresses the loader resolves.
func (t *ImportThunks) layout(a addressing, rva uint32) (name, oft, next uint32) {
	name = rva
	rva += uint32(len(t.DLLName) + 1)
	if t.OriginalThunks != nil {
		oft = rva
		rva += uint32(t.OriginalThunks.ByteSize())
	}
	thunks := t.authoritative()
	for j, e := range t.Entries {
		if e.ByName == nil {
			continue
		}
		thunks.Items[j].Value = a.fromRVA(rva)
		if t.bindNames && t.FirstThunks != nil && thunks != t.FirstThunks && j < t.FirstThunks.Len() {
			t.FirstThunks.Items[j].Value = a.fromRVA(rva)
		}
		rva += uint32(e.ByName.Size())
	}
	return name, oft, rva
}

func (t *ImportThunks) write(ctx *Context, a addressing, name, oft, ft uint32) error {
	if err := ctx.writeName(a.toRVA(uint64(name)), t.DLLName); err != nil {
		return errors.Wrapf(err, "%s: name", t.DLLName)
	}
	if t.OriginalThunks != nil && oft != 0 {
		if err := ctx.write(a.toRVA(uint64(oft)), t.OriginalThunks.Pack()); err != nil {
			return errors.Wrapf(err, "%s: original thunks", t.DLLName)
		}
	}
	if t.FirstThunks != nil && ft != 0 {
		if err := ctx.write(a.toRVA(uint64(ft)), t.FirstThunks.Pack()); err != nil {
			return errors.Wrapf(err, "%s: first thunks", t.DLLName)
		}
	}
	thunks := t.authoritative()
	for j, e := range t.Entries {
		if e.ByName == nil {
			continue
		}
		if err := ctx.write(a.toRVA(thunks.Items[j].Value), e.ByName.Encode()); err != nil {
			return errors.Wrapf(err, "%s: %s", t.DLLName, e.ByName.Name)
		}
	}
	return nil
}

func (t *ImportThunks) funcs() []Import {
	out := make([]Import, 0, len(t.Entries))
	for _, e := range t.Entries {
		if e.ByName != nil {
			out = append(out, ImportName(e.ByName.Name))
		} else {
			out = append(out, ImportOrdinal(e.Ordinal))
		}
	}
	return out
}

func (t *ImportThunks) index(imp Import) int {
	for j, e := range t.Entries {
		if imp.matches(e) {
			return j
		}
	}
	return -1
}

type ImageImportDescriptor struct {
	OriginalFirstThunk uint32 `struc:"uint32,little"`
	TimeDateStamp      uint32 `struc:"uint32,little"`
	ForwarderChain     uint32 `struc:"uint32,little"`
	Name               uint32 `struc:"uint32,little"`
	FirstThunk         uint32 `struc:"uint32,little"`
}

const importDescriptorSize = 20

type ImportDescriptor struct {
	ImageImportDescriptor
	ImportThunks
}

func (d *ImportDescriptor) Size() int {
	return importDescriptorSize
}

func (d *ImportDescriptor) Unpack(b []byte) error {
	_, err := cstruct.Unpack(b, 0, &d.ImageImportDescriptor)
	return err
}

func (d *ImportDescriptor) Pack() []byte {
	return cstruct.Pack(&d.ImageImportDescriptor)
}

type ImportDirectory struct {
	Descriptors *cstruct.Array[*ImportDescriptor]
	RVA         uint32
}

func NewImportDirectory() *ImportDirectory {
	descs := &cstruct.Array[*ImportDescriptor]{}
	descs.Terminate(importDescriptorSize)
	return &ImportDirectory{Descriptors: descs}
}

// ParseImports reads the import directory. It returns nil when the directory
// is absent. A descriptor without usable thunks ends the parse: the
// descriptors before it are returned together with the error.
func ParseImports(ctx *Context, dir DataDirectory) (*ImportDirectory, error) {
	if dir.VirtualAddress == 0 {
		return nil, nil
	}
	off, err := ctx.offset(dir.VirtualAddress)
	if err != nil {
		return nil, errors.Wrap(err, "import directory")
	}

	descs, err := cstruct.ReadArray(ctx.Buf.Bytes(), off, -1, func() *ImportDescriptor { return &ImportDescriptor{} })
	d := &ImportDirectory{Descriptors: descs, RVA: dir.VirtualAddress}
	if err != nil {
		log.Warnln("import descriptors: %v", err)
	}

	for i, desc := range descs.Items {
		if err := desc.load(ctx, rvaAddressing, desc.Name, desc.OriginalFirstThunk, desc.FirstThunk); err != nil {
			descs.Items = descs.Items[:i]
			descs.Terminate(importDescriptorSize)
			return d, err
		}
	}
	return d, nil
}

func (d *ImportDirectory) Size(ctx *Context) (uint32, error) {
	n := uint32((d.Descriptors.Len() + 1) * importDescriptorSize)
	for _, desc := range d.Descriptors.Items {
		n += desc.size(ctx)
	}
	return n, nil
}

// SetRVA moves the directory to rva and rewrites every reference into it.
func (d *ImportDirectory) SetRVA(ctx *Context, rva uint32) (DataDirectory, error) {
	for _, desc := range d.Descriptors.Items {
		if err := desc.validate(); err != nil {
			return DataDirectory{}, err
		}
	}

	if d.Descriptors.Terminator == nil {
		d.Descriptors.Terminate(importDescriptorSize)
	}
	for _, desc := range d.Descriptors.Items {
		desc.terminate(ctx)
	}

	size, _ := d.Size(ctx)
	d.RVA = rva
	next := rva + uint32(d.Descriptors.ByteSize())
	for _, desc := range d.Descriptors.Items {
		var name, oft uint32
		name, oft, next = desc.layout(rvaAddressing, next)
		desc.Name = name
		if desc.OriginalThunks != nil {
			desc.OriginalFirstThunk = oft
		}
	}
	return DataDirectory{VirtualAddress: rva, Size: size}, nil
}

func (d *ImportDirectory) BuildContent(ctx *Context) error {
	if d.RVA == 0 {
		return nil
	}
	if err := ctx.write(d.RVA, d.Descriptors.Pack()); err != nil {
		return errors.Wrap(err, "import descriptors")
	}
	for _, desc := range d.Descriptors.Items {
		if err := desc.write(ctx, rvaAddressing, desc.Name, desc.OriginalFirstThunk, desc.FirstThunk); err != nil {
			return err
		}
	}
	return nil
}

// newImportThunks builds the thunk data for dll. Both thunk arrays get one
// slot per function plus the terminator; name slots are filled in by layout.
func newImportThunks(ctx *Context, dll DLL) ImportThunks {
	t := ImportThunks{
		DLLName:        dll.Name,
		OriginalThunks: &cstruct.Array[*Thunk]{},
		FirstThunks:    &cstruct.Array[*Thunk]{},
		bindNames:      true,
	}
	for _, fn := range dll.Funcs {
		oft, ft := ctx.newThunk(), ctx.newThunk()
		if fn.Name != "" {
			t.Entries = append(t.Entries, ImportEntry{ByName: &ImportByName{Name: fn.Name}})
		} else {
			oft.Value = oft.TopBit() | fn.Ordinal
			ft.Value = oft.Value
			t.Entries = append(t.Entries, ImportEntry{Ordinal: fn.Ordinal})
		}
		t.OriginalThunks.Append(oft)
		t.FirstThunks.Append(ft)
	}
	t.terminate(ctx)
	return t
}

// firstThunks yields the IAT RVA of each dll. An explicit FirstThunk starts
// a new run, otherwise the array follows the previous one.
func firstThunks(ctx *Context, dlls []DLL) ([]uint32, error) {
	if len(dlls) > 0 && dlls[0].FirstThunk == 0 {
		return nil, errors.Wrapf(ErrInvariant, "%s: no first thunk base", dlls[0].Name)
	}
	out := make([]uint32, len(dlls))
	var next uint32
	for i, dll := range dlls {
		if dll.FirstThunk != 0 {
			next = dll.FirstThunk
		}
		out[i] = next
		next += uint32(len(dll.Funcs)+1) * ctx.slotSize()
	}
	return out, nil
}

// AddDLL appends descriptors. The first thunk array of each DLL follows the
// previous one, so only the first DLL needs an explicit FirstThunk.
func (d *ImportDirectory) AddDLL(ctx *Context, dlls ...DLL) error {
	iats, err := firstThunks(ctx, dlls)
	if err != nil {
		return err
	}
	for i, dll := range dlls {
		d.Descriptors.Append(&ImportDescriptor{
			ImageImportDescriptor: ImageImportDescriptor{
				TimeDateStamp:  dll.TimeDateStamp,
				ForwarderChain: dll.ForwarderChain,
				FirstThunk:     iats[i],
			},
			ImportThunks: newImportThunks(ctx, dll),
		})
	}
	return nil
}

func (d *ImportDirectory) DLLs() []DLL {
	out := make([]DLL, 0, d.Descriptors.Len())
	for _, desc := range d.Descriptors.Items {
		out = append(out, DLL{
			Name:           desc.DLLName,
			FirstThunk:     desc.FirstThunk,
			TimeDateStamp:  desc.TimeDateStamp,
			ForwarderChain: desc.ForwarderChain,
			Funcs:          desc.funcs(),
		})
	}
	return out
}

// FuncRVA returns the RVA of the IAT slot the loader fills for imp.
func (d *ImportDirectory) FuncRVA(ctx *Context, imp Import) (uint32, bool) {
	for _, desc := range d.Descriptors.Items {
		if j := desc.index(imp); j >= 0 {
			return desc.FirstThunk + uint32(j)*ctx.slotSize(), true
		}
	}
	return 0, false
}

func (d *ImportDirectory) FuncVA(ctx *Context, imp Import) (uint64, bool) {
	rva, ok := d.FuncRVA(ctx, imp)
	if !ok {
		return 0, false
	}
	return ctx.RVAToVA(rva), true
}

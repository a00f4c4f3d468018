package recipe

import (
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"golang.org/x/exp/slices"

	"pedit/pkg/log"
	"pedit/pkg/pe"
)

const dataCharacteristics = pe.IMAGE_SCN_CNT_INITIALIZED_DATA | pe.IMAGE_SCN_MEM_READ | pe.IMAGE_SCN_MEM_WRITE

// Apply runs the edits on f and builds the image. Directories that grew are
// moved to a section of their own unless Place already says where.
func (r *Recipe) Apply(f *pe.File) ([]byte, error) {
	touched := map[int]bool{}

	for _, s := range r.Sections {
		if _, err := f.AddSection(s.Name, make([]byte, s.Size), s.Characteristics); err != nil {
			return nil, err
		}
		log.Infoln("added section %s of 0x%x bytes", s.Name, s.Size)
	}

	if len(r.Imports) > 0 {
		if err := r.applyImports(f, touched); err != nil {
			return nil, errors.Wrap(err, "imports")
		}
	}
	if len(r.DelayImports) > 0 {
		if err := r.applyDelayImports(f, touched); err != nil {
			return nil, errors.Wrap(err, "delay imports")
		}
	}
	if r.Exports != nil {
		if err := r.applyExports(f, touched); err != nil {
			return nil, errors.Wrap(err, "exports")
		}
	}
	if r.Relocs != nil {
		if err := r.applyRelocs(f, touched); err != nil {
			return nil, errors.Wrap(err, "relocations")
		}
	}
	if len(r.Resources) > 0 {
		if err := r.applyResources(f, touched); err != nil {
			return nil, errors.Wrap(err, "resources")
		}
	}

	places := slices.Clone(r.Place)
	for _, idx := range lo.Keys(touched) {
		name := pe.DirectoryName(idx)
		if !lo.ContainsBy(places, func(p Place) bool { return p.Directory == name }) {
			places = append(places, Place{Directory: name, Characteristics: dataCharacteristics})
		}
	}
	slices.SortStableFunc(places, func(a, b Place) int { return strings.Compare(a.Directory, b.Directory) })

	for _, p := range places {
		idx, ok := pe.DirectoryIndex(p.Directory)
		if !ok {
			return nil, errors.Errorf("unknown directory %q", p.Directory)
		}
		name := p.Section
		if name == "" {
			name = sectionName(p.Directory)
		}
		s, err := f.Relocate(idx, name, p.Characteristics)
		if err != nil {
			return nil, err
		}
		log.Infoln("placed %s directory in %s at 0x%x", p.Directory, name, s.VirtualAddress)
	}

	return f.Build()
}

func sectionName(dir string) string {
	name := "." + strings.ReplaceAll(dir, "_", "")
	if len(name) > 8 {
		name = name[:8]
	}
	return name
}

func parseImport(fn string) pe.Import {
	if ord, err := strconv.ParseUint(strings.TrimPrefix(fn, "#"), 0, 16); err == nil {
		return pe.ImportOrdinal(ord)
	}
	return pe.ImportName(fn)
}

func toDLL(imp Import) pe.DLL {
	return pe.DLL{
		Name:       imp.DLL,
		FirstThunk: imp.FirstThunk,
		Funcs:      lo.Map(imp.Funcs, func(fn string, _ int) pe.Import { return parseImport(fn) }),
	}
}

// allocateIAT gives dlls a fresh IAT section when the first one has no
// FirstThunk. Every DLL without a FirstThunk then follows the previous one.
func allocateIAT(f *pe.File, section string, dlls []pe.DLL) error {
	slot := f.Optional.WordSize() / 8
	if dlls[0].FirstThunk == 0 {
		slots := lo.SumBy(dlls, func(d pe.DLL) int { return len(d.Funcs) + 1 })
		s, err := f.AddSection(section, make([]byte, slots*slot), dataCharacteristics)
		if err != nil {
			return err
		}
		dlls[0].FirstThunk = s.VirtualAddress
	}
	for i := 1; i < len(dlls); i++ {
		if dlls[i].FirstThunk == 0 {
			dlls[i].FirstThunk = dlls[i-1].FirstThunk + uint32((len(dlls[i-1].Funcs)+1)*slot)
		}
	}
	return nil
}

func (r *Recipe) applyImports(f *pe.File, touched map[int]bool) error {
	dlls := lo.Map(r.Imports, func(imp Import, _ int) pe.DLL { return toDLL(imp) })
	if err := allocateIAT(f, r.IATSection, dlls); err != nil {
		return err
	}

	if f.Imports == nil {
		f.Imports = pe.NewImportDirectory()
	}
	if err := f.Imports.AddDLL(f.Context(), dlls...); err != nil {
		return err
	}
	// The descriptor table grew, so it has to move.
	touched[pe.DirectoryEntryImport] = true
	return nil
}

func (r *Recipe) applyDelayImports(f *pe.File, touched map[int]bool) error {
	dlls := lo.Map(r.DelayImports, func(imp DelayImport, _ int) pe.DLL { return toDLL(imp.Import) })
	if err := allocateIAT(f, r.DelayIATSection, dlls); err != nil {
		return err
	}

	if f.DelayImports == nil {
		f.DelayImports = pe.NewDelayImportDirectory()
	}
	ctx := f.Context()
	for i, imp := range r.DelayImports {
		var attrs uint32 = pe.DelayAttrRVA
		if imp.VA {
			attrs = 0
		}
		if err := f.DelayImports.AddDLL(ctx, attrs, dlls[i]); err != nil {
			return err
		}
	}
	touched[pe.DirectoryEntryDelayImport] = true
	return nil
}

func (r *Recipe) applyExports(f *pe.File, touched map[int]bool) error {
	if f.Exports == nil {
		f.Exports = pe.NewExportDirectory(r.Exports.DLL)
	}
	names := lo.Keys(r.Exports.Functions)
	slices.Sort(names)
	for _, name := range names {
		if err := f.Exports.AddName(name, r.Exports.Functions[name]); err != nil {
			return err
		}
	}
	touched[pe.DirectoryEntryExport] = true
	return nil
}

func (r *Recipe) applyRelocs(f *pe.File, touched map[int]bool) error {
	if f.Relocs == nil {
		f.Relocs = &pe.RelocDirectory{}
	}
	if n := f.Relocs.DelReloc(r.Relocs.Del); n > 0 {
		log.Infoln("removed %d relocations", n)
	}
	if len(r.Relocs.Add) == 0 {
		return nil
	}
	if err := f.Relocs.AddReloc(r.Relocs.Add, pe.RelocType(r.Relocs.Type)); err != nil {
		return err
	}
	touched[pe.DirectoryEntryBaseReloc] = true
	return nil
}

func resourceKey(s string) pe.ResourceKey {
	if id, err := strconv.ParseUint(strings.TrimPrefix(s, "#"), 0, 31); err == nil {
		return pe.ResourceID(uint32(id))
	}
	for id := uint32(1); id <= pe.RT_MANIFEST; id++ {
		if name, ok := pe.ResourceTypeName(id); ok && name == s {
			return pe.ResourceID(id)
		}
	}
	return pe.ResourceName(s)
}

func (r *Recipe) applyResources(f *pe.File, touched map[int]bool) error {
	if f.Resources == nil {
		f.Resources = pe.NewResourceDirectory()
	}
	res := f.Resources

	for _, spec := range r.Resources {
		if len(spec.Path) == 0 {
			return errors.New("resource without path")
		}
		content := []byte(spec.Data)
		if spec.File != "" {
			b, err := os.ReadFile(spec.File)
			if err != nil {
				return err
			}
			content = b
		}

		node := res.Root
		var keys []pe.ResourceKey
		for _, part := range spec.Path[:len(spec.Path)-1] {
			key := resourceKey(part)
			keys = append(keys, key)
			if e, ok := res.Lookup(keys...); ok && e.IsDir() {
				node = e.Subdir
				continue
			}
			child, err := res.AddSubdir(node, key)
			if err != nil {
				return err
			}
			node = child
		}
		leaf := resourceKey(spec.Path[len(spec.Path)-1])
		if _, err := res.AddData(node, leaf, content, spec.CodePage); err != nil {
			return err
		}
	}
	touched[pe.DirectoryEntryResource] = true
	return nil
}

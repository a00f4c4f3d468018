package pe

import (
	"bytes"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding/unicode"

	"pedit/pkg/cstruct"
	"pedit/pkg/log"
)

const (
	resourceNodeSize      = 16
	resourceEntrySize     = 8
	resourceDataEntrySize = 16
	resourceHighBit       = 0x80000000
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// NodeID is a handle to a node of a ResourceDirectory.
type NodeID int

const NoNode NodeID = -1

// ResourceKey identifies an entry either by a 31 bit ID or by a name. Name
// holds the raw UTF-16LE code units and is nil for ID keys.
type ResourceKey struct {
	ID   uint32
	Name []byte
}

func ResourceID(id uint32) ResourceKey {
	return ResourceKey{ID: id}
}

func ResourceName(name string) ResourceKey {
	b, err := utf16le.NewEncoder().Bytes([]byte(name))
	if err != nil || b == nil {
		b = []byte{}
	}
	return ResourceKey{Name: b}
}

func (k ResourceKey) IsNamed() bool {
	return k.Name != nil
}

func (k ResourceKey) Equal(o ResourceKey) bool {
	if k.IsNamed() != o.IsNamed() {
		return false
	}
	if k.IsNamed() {
		return bytes.Equal(k.Name, o.Name)
	}
	return k.ID == o.ID
}

func (k ResourceKey) String() string {
	if !k.IsNamed() {
		return fmt.Sprintf("#%d", k.ID)
	}
	s, err := utf16le.NewDecoder().Bytes(k.Name)
	if err != nil {
		return fmt.Sprintf("%q", k.Name)
	}
	return string(s)
}

// less orders named keys first, then IDs ascending, as the loader expects.
func (k ResourceKey) less(o ResourceKey) bool {
	switch {
	case k.IsNamed() && o.IsNamed():
		return k.String() < o.String()
	case k.IsNamed():
		return true
	case o.IsNamed():
		return false
	default:
		return k.ID < o.ID
	}
}

type ResourceData struct {
	CodePage uint32
	Reserved uint32
	Content  []byte
	// RVA of Content.
	RVA uint32

	entryRVA uint32
}

// ResourceEntry links a key to either a subdirectory or a data leaf.
type ResourceEntry struct {
	Key    ResourceKey
	Subdir NodeID
	Data   *ResourceData

	nameRVA uint32
}

func (e *ResourceEntry) IsDir() bool {
	return e.Data == nil
}

type ImageResourceDirectory struct {
	Characteristics      uint32 `struc:"uint32,little"`
	TimeDateStamp        uint32 `struc:"uint32,little"`
	MajorVersion         uint16 `struc:"uint16,little"`
	MinorVersion         uint16 `struc:"uint16,little"`
	NumberOfNamedEntries uint16 `struc:"uint16,little"`
	NumberOfIdEntries    uint16 `struc:"uint16,little"`
}

type imageResourceEntry struct {
	NameOrID     uint32 `struc:"uint32,little"`
	OffsetToData uint32 `struc:"uint32,little"`
}

func (e *imageResourceEntry) Size() int { return resourceEntrySize }

func (e *imageResourceEntry) Unpack(b []byte) error {
	_, err := cstruct.Unpack(b, 0, e)
	return err
}

func (e *imageResourceEntry) Pack() []byte { return cstruct.Pack(e) }

type imageResourceDataEntry struct {
	OffsetToData uint32 `struc:"uint32,little"`
	Size         uint32 `struc:"uint32,little"`
	CodePage     uint32 `struc:"uint32,little"`
	Reserved     uint32 `struc:"uint32,little"`
}

type nameLength struct {
	Length uint16 `struc:"uint16,little"`
}

type ResourceNode struct {
	ImageResourceDirectory
	Entries []*ResourceEntry

	rva uint32
}

// ResourceDirectory is the resource tree. Nodes live in an arena and refer
// to each other by NodeID.
type ResourceDirectory struct {
	nodes []*ResourceNode
	Root  NodeID
	RVA   uint32
}

func NewResourceDirectory() *ResourceDirectory {
	d := &ResourceDirectory{}
	d.Root = d.NewNode()
	return d
}

// NewNode adds a detached node to the arena.
func (d *ResourceDirectory) NewNode() NodeID {
	d.nodes = append(d.nodes, &ResourceNode{})
	return NodeID(len(d.nodes) - 1)
}

func (d *ResourceDirectory) Node(id NodeID) *ResourceNode {
	if id < 0 || int(id) >= len(d.nodes) {
		return nil
	}
	return d.nodes[id]
}

func (d *ResourceDirectory) Len() int {
	return len(d.nodes)
}

func (d *ResourceDirectory) insert(parent NodeID, e *ResourceEntry) error {
	p := d.Node(parent)
	if p == nil {
		return errors.Wrapf(ErrInvariant, "no resource node %d", parent)
	}
	i := 0
	for ; i < len(p.Entries); i++ {
		if p.Entries[i].Key.Equal(e.Key) {
			return errors.Wrapf(ErrInvariant, "duplicate resource key %s", e.Key)
		}
		if e.Key.less(p.Entries[i].Key) {
			break
		}
	}
	p.Entries = append(p.Entries, nil)
	copy(p.Entries[i+1:], p.Entries[i:])
	p.Entries[i] = e
	return nil
}

func (d *ResourceDirectory) AddSubdir(parent NodeID, key ResourceKey) (NodeID, error) {
	if d.Node(parent) == nil {
		return NoNode, errors.Wrapf(ErrInvariant, "no resource node %d", parent)
	}
	id := d.NewNode()
	if err := d.insert(parent, &ResourceEntry{Key: key, Subdir: id}); err != nil {
		d.nodes = d.nodes[:id]
		return NoNode, err
	}
	return id, nil
}

// AttachSubdir links an existing node under parent. Nothing stops the caller
// from creating a cycle here; layout rejects it.
func (d *ResourceDirectory) AttachSubdir(parent NodeID, key ResourceKey, child NodeID) error {
	if d.Node(child) == nil {
		return errors.Wrapf(ErrInvariant, "no resource node %d", child)
	}
	return d.insert(parent, &ResourceEntry{Key: key, Subdir: child})
}

func (d *ResourceDirectory) AddData(parent NodeID, key ResourceKey, content []byte, codePage uint32) (*ResourceData, error) {
	data := &ResourceData{CodePage: codePage, Content: content}
	if err := d.insert(parent, &ResourceEntry{Key: key, Subdir: NoNode, Data: data}); err != nil {
		return nil, err
	}
	return data, nil
}

// Lookup follows keys from the root.
func (d *ResourceDirectory) Lookup(keys ...ResourceKey) (*ResourceEntry, bool) {
	node := d.Node(d.Root)
	var found *ResourceEntry
	for depth, k := range keys {
		if node == nil {
			return nil, false
		}
		found = nil
		for _, e := range node.Entries {
			if e.Key.Equal(k) {
				found = e
				break
			}
		}
		if found == nil {
			return nil, false
		}
		if depth < len(keys)-1 {
			if found.IsDir() {
				node = d.Node(found.Subdir)
			} else {
				return nil, false
			}
		}
	}
	return found, found != nil
}

// Walk visits every entry depth first with the keys leading to it.
func (d *ResourceDirectory) Walk(fn func(path []ResourceKey, e *ResourceEntry) error) error {
	seen := make(map[NodeID]bool)
	var walk func(id NodeID, path []ResourceKey) error
	walk = func(id NodeID, path []ResourceKey) error {
		if seen[id] {
			return errors.Wrapf(ErrStructural, "resource node %d reached twice", id)
		}
		seen[id] = true
		node := d.Node(id)
		if node == nil {
			return errors.Wrapf(ErrInvariant, "no resource node %d", id)
		}
		for _, e := range node.Entries {
			p := append(path[:len(path):len(path)], e.Key)
			if err := fn(p, e); err != nil {
				return err
			}
			if e.IsDir() {
				if err := walk(e.Subdir, p); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return walk(d.Root, nil)
}

// ParseResources reads the tree breadth first. A subdirectory offset seen
// twice means the tree loops or shares nodes, which is an ErrStructural.
func ParseResources(ctx *Context, dir DataDirectory) (*ResourceDirectory, error) {
	if dir.VirtualAddress == 0 {
		return nil, nil
	}

	d := &ResourceDirectory{RVA: dir.VirtualAddress}
	root, raw, err := d.readNode(ctx, dir.VirtualAddress)
	if err != nil {
		return nil, errors.Wrap(err, "resource directory")
	}
	d.Root = root

	type pending struct {
		id  NodeID
		raw []*imageResourceEntry
	}
	visited := map[uint32]NodeID{0: root}
	queue := []pending{{root, raw}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		node := d.nodes[cur.id]

		for _, re := range cur.raw {
			e := &ResourceEntry{Subdir: NoNode}
			if re.NameOrID&resourceHighBit != 0 {
				e.nameRVA = d.RVA + re.NameOrID&^resourceHighBit
				name, err := readResourceName(ctx, e.nameRVA)
				if err != nil {
					log.Warnln("resource name at 0x%x: %v", e.nameRVA, err)
					continue
				}
				e.Key = ResourceKey{Name: name}
			} else {
				e.Key = ResourceID(re.NameOrID)
			}

			off := re.OffsetToData &^ resourceHighBit
			if re.OffsetToData&resourceHighBit != 0 {
				if _, ok := visited[off]; ok {
					return d, errors.Wrapf(ErrStructural, "resource subdirectory at +0x%x visited twice", off)
				}
				child, childRaw, err := d.readNode(ctx, d.RVA+off)
				if err != nil {
					log.Warnln("resource subdirectory %s: %v", e.Key, err)
					continue
				}
				visited[off] = child
				e.Subdir = child
				queue = append(queue, pending{child, childRaw})
			} else {
				data, err := readResourceData(ctx, d.RVA+off)
				if err != nil {
					log.Warnln("resource data %s: %v", e.Key, err)
					continue
				}
				e.Data = data
			}
			node.Entries = append(node.Entries, e)
		}
	}
	return d, nil
}

func (d *ResourceDirectory) readNode(ctx *Context, rva uint32) (NodeID, []*imageResourceEntry, error) {
	off, err := ctx.offset(rva)
	if err != nil {
		return NoNode, nil, err
	}
	node := &ResourceNode{rva: rva}
	next, err := cstruct.Unpack(ctx.Buf.Bytes(), off, &node.ImageResourceDirectory)
	if err != nil {
		return NoNode, nil, err
	}
	count := int(node.NumberOfNamedEntries) + int(node.NumberOfIdEntries)
	raw, err := cstruct.ReadArray(ctx.Buf.Bytes(), next, count, func() *imageResourceEntry { return &imageResourceEntry{} })
	if err != nil {
		log.Warnln("resource node at 0x%x: %v", rva, err)
	}
	d.nodes = append(d.nodes, node)
	return NodeID(len(d.nodes) - 1), raw.Items, nil
}

func readResourceName(ctx *Context, rva uint32) ([]byte, error) {
	off, err := ctx.offset(rva)
	if err != nil {
		return nil, err
	}
	var l nameLength
	next, err := cstruct.Unpack(ctx.Buf.Bytes(), off, &l)
	if err != nil {
		return nil, err
	}
	b, ok := ctx.Buf.Slice(next, 2*int(l.Length))
	if !ok {
		return nil, errors.Wrapf(ErrMalformed, "name of %d chars at 0x%x", l.Length, rva)
	}
	return append([]byte{}, b...), nil
}

func readResourceData(ctx *Context, rva uint32) (*ResourceData, error) {
	off, err := ctx.offset(rva)
	if err != nil {
		return nil, err
	}
	var de imageResourceDataEntry
	if _, err := cstruct.Unpack(ctx.Buf.Bytes(), off, &de); err != nil {
		return nil, err
	}
	data := &ResourceData{CodePage: de.CodePage, Reserved: de.Reserved, RVA: de.OffsetToData, entryRVA: rva}
	contentOff, err := ctx.offset(de.OffsetToData)
	if err != nil {
		return nil, err
	}
	b, ok := ctx.Buf.Slice(contentOff, int(de.Size))
	if !ok {
		return nil, errors.Wrapf(ErrMalformed, "%d bytes at 0x%x", de.Size, de.OffsetToData)
	}
	data.Content = append([]byte{}, b...)
	return data, nil
}

type resourceLayout struct {
	order   []NodeID
	nodeRVA map[NodeID]uint32
	nameRVA map[*ResourceEntry]uint32
	entry   map[*ResourceData]uint32
	content map[*ResourceData]uint32
	end     uint32
}

// plan lays the tree out at rva. The first pass places node headers and
// entry tables, the second names, data entries and raw data.
func (d *ResourceDirectory) plan(rva uint32) (*resourceLayout, error) {
	l := &resourceLayout{
		nodeRVA: make(map[NodeID]uint32),
		nameRVA: make(map[*ResourceEntry]uint32),
		entry:   make(map[*ResourceData]uint32),
		content: make(map[*ResourceData]uint32),
	}
	if d.Node(d.Root) == nil {
		return nil, errors.Wrapf(ErrInvariant, "no resource root")
	}

	seen := map[NodeID]bool{d.Root: true}
	queue := []NodeID{d.Root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node := d.nodes[id]

		l.order = append(l.order, id)
		l.nodeRVA[id] = rva
		rva += resourceNodeSize + resourceEntrySize*uint32(len(node.Entries))

		named := true
		for _, e := range node.Entries {
			if !e.Key.IsNamed() {
				named = false
			} else if !named {
				return nil, errors.Wrapf(ErrInvariant, "named resource %s after id entries", e.Key)
			}
			if !e.IsDir() {
				continue
			}
			if d.Node(e.Subdir) == nil {
				return nil, errors.Wrapf(ErrInvariant, "resource %s: no node %d", e.Key, e.Subdir)
			}
			if seen[e.Subdir] {
				return nil, errors.Wrapf(ErrStructural, "resource node %d reached twice", e.Subdir)
			}
			seen[e.Subdir] = true
			queue = append(queue, e.Subdir)
		}
	}

	for _, id := range l.order {
		for _, e := range d.nodes[id].Entries {
			if e.Key.IsNamed() {
				l.nameRVA[e] = rva
				rva += 2 + uint32(len(e.Key.Name))
			}
			if e.IsDir() {
				continue
			}
			rva = align(rva, 4)
			l.entry[e.Data] = rva
			rva += resourceDataEntrySize
			l.content[e.Data] = rva
			rva += uint32(len(e.Data.Content))
		}
	}
	l.end = rva
	return l, nil
}

// Size assumes a 4 byte aligned placement.
func (d *ResourceDirectory) Size(ctx *Context) (uint32, error) {
	l, err := d.plan(0)
	if err != nil {
		return 0, err
	}
	return l.end, nil
}

func (d *ResourceDirectory) SetRVA(ctx *Context, rva uint32) (DataDirectory, error) {
	l, err := d.plan(rva)
	if err != nil {
		return DataDirectory{}, err
	}
	d.RVA = rva
	for _, id := range l.order {
		node := d.nodes[id]
		node.rva = l.nodeRVA[id]
		for _, e := range node.Entries {
			if e.Key.IsNamed() {
				e.nameRVA = l.nameRVA[e]
			}
			if !e.IsDir() {
				e.Data.entryRVA = l.entry[e.Data]
				e.Data.RVA = l.content[e.Data]
			}
		}
	}
	return DataDirectory{VirtualAddress: rva, Size: l.end - rva}, nil
}

func (d *ResourceDirectory) BuildContent(ctx *Context) error {
	if d.RVA == 0 {
		return nil
	}
	seen := map[NodeID]bool{d.Root: true}
	queue := []NodeID{d.Root}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		node := d.Node(id)
		if node == nil {
			return errors.Wrapf(ErrInvariant, "no resource node %d", id)
		}
		if node.rva == 0 {
			return errors.Wrapf(ErrInvariant, "resource node %d has no address", id)
		}

		hdr := node.ImageResourceDirectory
		hdr.NumberOfNamedEntries, hdr.NumberOfIdEntries = 0, 0
		entries := make([]byte, 0, resourceEntrySize*len(node.Entries))
		for _, e := range node.Entries {
			var re imageResourceEntry
			if e.Key.IsNamed() {
				hdr.NumberOfNamedEntries++
				re.NameOrID = resourceHighBit | (e.nameRVA - d.RVA)
				name := append(cstruct.Pack(&nameLength{Length: uint16(len(e.Key.Name) / 2)}), e.Key.Name...)
				if err := ctx.write(e.nameRVA, name); err != nil {
					return errors.Wrapf(err, "resource name %s", e.Key)
				}
			} else {
				hdr.NumberOfIdEntries++
				re.NameOrID = e.Key.ID &^ resourceHighBit
			}

			if e.IsDir() {
				child := d.Node(e.Subdir)
				if child == nil {
					return errors.Wrapf(ErrInvariant, "resource %s: no node %d", e.Key, e.Subdir)
				}
				if seen[e.Subdir] {
					return errors.Wrapf(ErrStructural, "resource node %d reached twice", e.Subdir)
				}
				seen[e.Subdir] = true
				queue = append(queue, e.Subdir)
				re.OffsetToData = resourceHighBit | (child.rva - d.RVA)
			} else {
				if e.Data.entryRVA == 0 {
					return errors.Wrapf(ErrInvariant, "resource data %s has no address", e.Key)
				}
				re.OffsetToData = e.Data.entryRVA - d.RVA
				de := imageResourceDataEntry{
					OffsetToData: e.Data.RVA,
					Size:         uint32(len(e.Data.Content)),
					CodePage:     e.Data.CodePage,
					Reserved:     e.Data.Reserved,
				}
				if err := ctx.write(e.Data.entryRVA, cstruct.Pack(&de)); err != nil {
					return errors.Wrapf(err, "resource data entry %s", e.Key)
				}
				if len(e.Data.Content) > 0 {
					if err := ctx.write(e.Data.RVA, e.Data.Content); err != nil {
						return errors.Wrapf(err, "resource data %s", e.Key)
					}
				}
			}
			entries = append(entries, re.Pack()...)
		}

		if err := ctx.write(node.rva, append(cstruct.Pack(&hdr), entries...)); err != nil {
			return errors.Wrapf(err, "resource node %d", id)
		}
	}
	return nil
}

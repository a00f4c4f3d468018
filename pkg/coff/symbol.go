package coff

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"pedit/pkg/cstruct"
)

const SymbolSize = 18

// Storage classes with a dedicated aux record layout.
const (
	IMAGE_SYM_CLASS_EXTERNAL = 2
	IMAGE_SYM_CLASS_STATIC   = 3
	IMAGE_SYM_CLASS_FUNCTION = 101
	IMAGE_SYM_CLASS_FILE     = 103
)

var storageClassNames = map[uint8]string{
	0:                        "NULL",
	1:                        "AUTOMATIC",
	IMAGE_SYM_CLASS_EXTERNAL: "EXTERNAL",
	IMAGE_SYM_CLASS_STATIC:   "STATIC",
	6:                        "LABEL",
	100:                      "BLOCK",
	IMAGE_SYM_CLASS_FUNCTION: "FUNCTION",
	IMAGE_SYM_CLASS_FILE:     "FILE",
	104:                      "SECTION",
	105:                      "WEAK_EXTERNAL",
	107:                      "CLR_TOKEN",
}

type symbolRecord struct {
	Name               [8]byte `struc:"[8]byte"`
	Value              uint32  `struc:"uint32,little"`
	SectionNumber      int16   `struc:"int16,little"`
	Type               uint16  `struc:"uint16,little"`
	StorageClass       uint8   `struc:"uint8"`
	NumberOfAuxSymbols uint8   `struc:"uint8"`
}

// Aux is an auxiliary symbol record.
type Aux interface {
	Encode(pool StringPool) []byte
}

type AuxFunction struct {
	TagIndex              uint32 `struc:"uint32,little"`
	TotalSize             uint32 `struc:"uint32,little"`
	PointerToLinenumber   uint32 `struc:"uint32,little"`
	PointerToNextFunction uint32 `struc:"uint32,little"`
	Unused                uint16 `struc:"uint16,little"`
}

func (a *AuxFunction) Encode(StringPool) []byte { return cstruct.Pack(a) }

type AuxSection struct {
	Length              uint32  `struc:"uint32,little"`
	NumberOfRelocations uint16  `struc:"uint16,little"`
	NumberOfLinenumbers uint16  `struc:"uint16,little"`
	CheckSum            uint32  `struc:"uint32,little"`
	Number              uint16  `struc:"uint16,little"`
	Selection           uint8   `struc:"uint8"`
	Unused              [3]byte `struc:"[3]byte"`
}

func (a *AuxSection) Encode(StringPool) []byte { return cstruct.Pack(a) }

// AuxFile holds a source file name, inline or through the string table.
type AuxFile struct {
	Name string
}

type longName struct {
	Zero   uint32 `struc:"uint32,little"`
	Offset uint32 `struc:"uint32,little"`
}

func (a *AuxFile) Encode(pool StringPool) []byte {
	out := make([]byte, SymbolSize)
	if len(a.Name) > SymbolSize {
		copy(out, cstruct.Pack(&longName{Offset: pool.Add(a.Name)}))
	} else {
		copy(out, a.Name)
	}
	return out
}

// AuxRaw keeps aux records of storage classes without a known layout.
type AuxRaw [SymbolSize]byte

func (a *AuxRaw) Encode(StringPool) []byte {
	return append([]byte{}, a[:]...)
}

type Symbol struct {
	Name          string
	Value         uint32
	SectionNumber int16
	Type          uint16
	StorageClass  uint8
	Aux           []Aux
}

// Records is the number of table slots the symbol takes.
func (s *Symbol) Records() int {
	return 1 + len(s.Aux)
}

// decodeName reads an 8 or 18 byte name field.
func decodeName(field []byte, pool StringPool) (string, error) {
	if cstruct.IsZero(field[:4]) && !cstruct.IsZero(field[4:8]) {
		var ln longName
		if _, err := cstruct.Unpack(field, 0, &ln); err != nil {
			return "", err
		}
		if pool == nil {
			return "", errors.Errorf("name at string offset %d without a string table", ln.Offset)
		}
		name, ok := pool.Lookup(ln.Offset)
		if !ok {
			return "", errors.Errorf("bad string offset %d", ln.Offset)
		}
		return name, nil
	}
	return string(bytes.TrimRight(field, "\x00")), nil
}

// DecodeSymbol reads the symbol at off with its aux records and returns the
// offset following them.
func DecodeSymbol(b []byte, off int, pool StringPool) (*Symbol, int, error) {
	var rec symbolRecord
	next, err := cstruct.Unpack(b, off, &rec)
	if err != nil {
		return nil, off, err
	}
	name, err := decodeName(rec.Name[:], pool)
	if err != nil {
		return nil, off, errors.Wrapf(err, "symbol at 0x%x", off)
	}
	s := &Symbol{
		Name:          name,
		Value:         rec.Value,
		SectionNumber: rec.SectionNumber,
		Type:          rec.Type,
		StorageClass:  rec.StorageClass,
	}

	for i := 0; i < int(rec.NumberOfAuxSymbols); i++ {
		if next+SymbolSize > len(b) {
			return nil, off, errors.Wrapf(cstruct.ErrShortBuffer, "aux %d of %s", i, name)
		}
		field := b[next : next+SymbolSize]
		var aux Aux
		switch rec.StorageClass {
		case IMAGE_SYM_CLASS_EXTERNAL:
			a := &AuxFunction{}
			_, err = cstruct.Unpack(field, 0, a)
			aux = a
		case IMAGE_SYM_CLASS_STATIC:
			a := &AuxSection{}
			_, err = cstruct.Unpack(field, 0, a)
			aux = a
		case IMAGE_SYM_CLASS_FILE:
			a := &AuxFile{}
			a.Name, err = decodeName(field, pool)
			aux = a
		default:
			a := &AuxRaw{}
			copy(a[:], field)
			aux = a
		}
		if err != nil {
			return nil, off, errors.Wrapf(err, "aux %d of %s", i, name)
		}
		s.Aux = append(s.Aux, aux)
		next += SymbolSize
	}
	return s, next, nil
}

// Encode emits the symbol and its aux records. Names longer than 8 bytes go
// to pool.
func (s *Symbol) Encode(pool StringPool) []byte {
	rec := symbolRecord{
		Value:              s.Value,
		SectionNumber:      s.SectionNumber,
		Type:               s.Type,
		StorageClass:       s.StorageClass,
		NumberOfAuxSymbols: uint8(len(s.Aux)),
	}
	if len(s.Name) > 8 {
		copy(rec.Name[:], cstruct.Pack(&longName{Offset: pool.Add(s.Name)}))
	} else {
		copy(rec.Name[:], s.Name)
	}
	out := cstruct.Pack(&rec)
	for _, a := range s.Aux {
		out = append(out, a.Encode(pool)...)
	}
	return out
}

func (s *Symbol) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%q value=0x%x", s.Name, s.Value)
	fmt.Fprintf(&b, " section=%d", s.SectionNumber)
	if base := s.Type & 0xf; base != 0 {
		fmt.Fprintf(&b, " type=0x%x", base)
	} else if s.Type>>4 != 0 {
		fmt.Fprintf(&b, " dtype=0x%x", s.Type>>4)
	}
	if n, ok := storageClassNames[s.StorageClass]; ok {
		fmt.Fprintf(&b, " storage=%s", n)
	} else {
		fmt.Fprintf(&b, " storage=0x%x", s.StorageClass)
	}
	if len(s.Aux) > 0 {
		fmt.Fprintf(&b, " aux=%d", len(s.Aux))
	}
	return b.String()
}

// ReadSymbols reads count table slots at ptr; aux records count as slots.
// The string table right after the symbols is read first so that long
// names resolve. Symbols decoded before an error are returned with it.
func ReadSymbols(b []byte, ptr, count uint32) ([]*Symbol, *StringTable, error) {
	tableOff := int(ptr) + int(count)*SymbolSize
	strtab, err := ReadStringTable(b, tableOff)
	if err != nil {
		return nil, nil, err
	}

	var syms []*Symbol
	off := int(ptr)
	for off < tableOff {
		s, next, err := DecodeSymbol(b, off, strtab)
		if err != nil {
			return syms, strtab, err
		}
		if next > tableOff {
			return syms, strtab, errors.Errorf("symbol %s runs into the string table", s.Name)
		}
		syms = append(syms, s)
		off = next
	}
	return syms, strtab, nil
}

// WriteSymbols encodes the symbols followed by the string table.
func WriteSymbols(syms []*Symbol, strtab *StringTable) []byte {
	var out []byte
	for _, s := range syms {
		out = append(out, s.Encode(strtab)...)
	}
	return append(out, strtab.Bytes()...)
}

// Count is the NumberOfSymbols value for syms.
func Count(syms []*Symbol) uint32 {
	var n uint32
	for _, s := range syms {
		n += uint32(s.Records())
	}
	return n
}

package pe

import (
	"github.com/pkg/errors"

	"pedit/pkg/cstruct"
	"pedit/pkg/log"
	"pedit/pkg/patch"
)

// Context is what every directory needs to resolve and write its data: the
// section geometry, the image bytes and the pointer width.
type Context struct {
	*Geometry
	Buf      *patch.Buffer
	WordSize int
}

// Thunk is one pointer sized import slot.
type Thunk = cstruct.Word

func (c *Context) newThunk() *Thunk {
	return cstruct.NewWord(c.WordSize)
}

func (c *Context) slotSize() uint32 {
	return uint32(c.WordSize / 8)
}

func (c *Context) offset(rva uint32) (int, error) {
	off, ok := c.RVAToOffset(rva)
	if !ok {
		return 0, errors.Wrapf(ErrUnresolvable, "rva 0x%x", rva)
	}
	return int(off), nil
}

// nameOffset resolves like offset but also accepts an RVA that lies in the
// header, which is mapped at file offset 0.
func (c *Context) nameOffset(rva uint32) (int, error) {
	if off, ok := c.RVAToOffset(rva); ok {
		return int(off), nil
	}
	if rva != 0 && rva < c.firstSectionRVA() {
		log.Warnln("name at 0x%x lies in the header, used as offset", rva)
		return int(rva), nil
	}
	return 0, errors.Wrapf(ErrUnresolvable, "rva 0x%x", rva)
}

func (c *Context) readCString(rva uint32) (string, error) {
	off, err := c.nameOffset(rva)
	if err != nil {
		return "", err
	}
	var s cstruct.CString
	if _, err := s.Decode(c.Buf.Bytes(), off); err != nil {
		return "", errors.Wrapf(ErrMalformed, "string at rva 0x%x", rva)
	}
	return s.Value, nil
}

func (c *Context) write(rva uint32, b []byte) error {
	off, err := c.offset(rva)
	if err != nil {
		return err
	}
	c.Buf.Set(off, b)
	return nil
}

func (c *Context) writeName(rva uint32, name string) error {
	off, err := c.nameOffset(rva)
	if err != nil {
		return err
	}
	s := cstruct.CString{Value: name}
	c.Buf.Set(off, s.Encode())
	return nil
}

func (c *Context) readThunks(rva uint32) (*cstruct.Array[*Thunk], error) {
	off, err := c.offset(rva)
	if err != nil {
		return nil, err
	}
	return cstruct.ReadArray(c.Buf.Bytes(), off, -1, c.newThunk)
}

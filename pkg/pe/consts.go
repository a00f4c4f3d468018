package pe

import "fmt"

const (
	DirectoryEntryExport        = 0
	DirectoryEntryImport        = 1
	DirectoryEntryResource      = 2
	DirectoryEntryException     = 3
	DirectoryEntrySecurity      = 4
	DirectoryEntryBaseReloc     = 5
	DirectoryEntryDebug         = 6
	DirectoryEntryCopyright     = 7
	DirectoryEntryGlobalPtr     = 8
	DirectoryEntryTLS           = 9
	DirectoryEntryLoadConfig    = 10
	DirectoryEntryBoundImport   = 11
	DirectoryEntryIAT           = 12
	DirectoryEntryDelayImport   = 13
	DirectoryEntryComDescriptor = 14
	DirectoryEntryReserved      = 15

	NumberOfDirectoryEntries = 16
)

var directoryNames = [NumberOfDirectoryEntries]string{
	"export", "import", "resource", "exception", "security", "basereloc",
	"debug", "copyright", "globalptr", "tls", "load_config", "bound_import",
	"iat", "delay_import", "com_descriptor", "reserved",
}

// DirectoryName returns the short name of a data directory index.
func DirectoryName(i int) string {
	if i < 0 || i >= NumberOfDirectoryEntries {
		return fmt.Sprintf("dir%d", i)
	}
	return directoryNames[i]
}

// DirectoryIndex is the inverse of DirectoryName.
func DirectoryIndex(name string) (int, bool) {
	for i, n := range directoryNames {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

const (
	IMAGE_DOS_SIGNATURE = 0x5A4D
	IMAGE_NT_SIGNATURE  = 0x00004550

	IMAGE_NT_OPTIONAL_HDR32_MAGIC = 0x10b
	IMAGE_NT_OPTIONAL_HDR64_MAGIC = 0x20b
)

const (
	IMAGE_FILE_MACHINE_UNKNOWN = 0x0
	IMAGE_FILE_MACHINE_I386    = 0x14c
	IMAGE_FILE_MACHINE_ARM     = 0x1c0
	IMAGE_FILE_MACHINE_ARMNT   = 0x1c4
	IMAGE_FILE_MACHINE_IA64    = 0x200
	IMAGE_FILE_MACHINE_AMD64   = 0x8664
	IMAGE_FILE_MACHINE_ARM64   = 0xaa64
)

const (
	IMAGE_FILE_RELOCS_STRIPPED     = 0x0001
	IMAGE_FILE_EXECUTABLE_IMAGE    = 0x0002
	IMAGE_FILE_LARGE_ADDRESS_AWARE = 0x0020
	IMAGE_FILE_32BIT_MACHINE       = 0x0100
	IMAGE_FILE_DLL                 = 0x2000
)

const (
	IMAGE_SCN_CNT_CODE               = 0x00000020
	IMAGE_SCN_CNT_INITIALIZED_DATA   = 0x00000040
	IMAGE_SCN_CNT_UNINITIALIZED_DATA = 0x00000080
	IMAGE_SCN_MEM_DISCARDABLE        = 0x02000000
	IMAGE_SCN_MEM_EXECUTE            = 0x20000000
	IMAGE_SCN_MEM_READ               = 0x40000000
	IMAGE_SCN_MEM_WRITE              = 0x80000000
)

// RelocType is the 4 bit type of a base relocation fixup.
type RelocType uint8

const (
	IMAGE_REL_BASED_ABSOLUTE RelocType = 0
	IMAGE_REL_BASED_HIGH     RelocType = 1
	IMAGE_REL_BASED_LOW      RelocType = 2
	IMAGE_REL_BASED_HIGHLOW  RelocType = 3
	IMAGE_REL_BASED_HIGHADJ  RelocType = 4
	IMAGE_REL_BASED_DIR64    RelocType = 10
)

func (t RelocType) String() string {
	switch t {
	case IMAGE_REL_BASED_ABSOLUTE:
		return "ABSOLUTE"
	case IMAGE_REL_BASED_HIGH:
		return "HIGH"
	case IMAGE_REL_BASED_LOW:
		return "LOW"
	case IMAGE_REL_BASED_HIGHLOW:
		return "HIGHLOW"
	case IMAGE_REL_BASED_HIGHADJ:
		return "HIGHADJ"
	case IMAGE_REL_BASED_DIR64:
		return "DIR64"
	default:
		return fmt.Sprintf("TYPE%d", uint8(t))
	}
}

// Resource types.
const (
	RT_CURSOR       = 1
	RT_BITMAP       = 2
	RT_ICON         = 3
	RT_MENU         = 4
	RT_DIALOG       = 5
	RT_STRING       = 6
	RT_FONTDIR      = 7
	RT_FONT         = 8
	RT_ACCELERATOR  = 9
	RT_RCDATA       = 10
	RT_MESSAGETABLE = 11
	RT_GROUP_CURSOR = 12
	RT_GROUP_ICON   = 14
	RT_VERSION      = 16
	RT_DLGINCLUDE   = 17
	RT_PLUGPLAY     = 19
	RT_VXD          = 20
	RT_ANICURSOR    = 21
	RT_ANIICON      = 22
	RT_HTML         = 23
	RT_MANIFEST     = 24
)

var resourceTypeNames = map[uint32]string{
	RT_CURSOR:       "RT_CURSOR",
	RT_BITMAP:       "RT_BITMAP",
	RT_ICON:         "RT_ICON",
	RT_MENU:         "RT_MENU",
	RT_DIALOG:       "RT_DIALOG",
	RT_STRING:       "RT_STRING",
	RT_FONTDIR:      "RT_FONTDIR",
	RT_FONT:         "RT_FONT",
	RT_ACCELERATOR:  "RT_ACCELERATOR",
	RT_RCDATA:       "RT_RCDATA",
	RT_MESSAGETABLE: "RT_MESSAGETABLE",
	RT_GROUP_CURSOR: "RT_GROUP_CURSOR",
	RT_GROUP_ICON:   "RT_GROUP_ICON",
	RT_VERSION:      "RT_VERSION",
	RT_DLGINCLUDE:   "RT_DLGINCLUDE",
	RT_PLUGPLAY:     "RT_PLUGPLAY",
	RT_VXD:          "RT_VXD",
	RT_ANICURSOR:    "RT_ANICURSOR",
	RT_ANIICON:      "RT_ANIICON",
	RT_HTML:         "RT_HTML",
	RT_MANIFEST:     "RT_MANIFEST",
}

// ResourceTypeName names the well known top level resource IDs.
func ResourceTypeName(id uint32) (string, bool) {
	n, ok := resourceTypeNames[id]
	return n, ok
}

// DelayAttrRVA is set in a delay import descriptor whose fields are RVAs.
const DelayAttrRVA = 0x1

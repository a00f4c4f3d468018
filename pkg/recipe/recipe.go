// Package recipe loads a batch of image edits from a YAML or TOML file and
// applies them to a pe.File.
package recipe

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/creasty/defaults"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"pedit/pkg/log"
)

type Section struct {
	Name            string `recipe:"name"`
	Size            uint32 `recipe:"size"`
	Characteristics uint32 `recipe:"characteristics" default:"3758096416"`
}

type Import struct {
	DLL        string   `recipe:"dll"`
	FirstThunk uint32   `recipe:"first-thunk"`
	Funcs      []string `recipe:"funcs"`
}

// DelayImport is an Import resolved on first call. VA selects the old
// descriptor layout that stores virtual addresses.
type DelayImport struct {
	Import `recipe:",squash"`
	VA     bool `recipe:"va"`
}

type Export struct {
	DLL       string            `recipe:"dll" default:"default.dll"`
	Functions map[string]uint32 `recipe:"functions"`
}

type Relocs struct {
	Add  []uint32 `recipe:"add"`
	Type uint8    `recipe:"type" default:"3"`
	Del  []uint32 `recipe:"del"`
}

type Resource struct {
	Path     []string `recipe:"path"`
	Data     string   `recipe:"data"`
	File     string   `recipe:"file"`
	CodePage uint32   `recipe:"codepage"`
}

// Place moves a directory into a fresh section.
type Place struct {
	Directory       string `recipe:"directory"`
	Section         string `recipe:"section"`
	Characteristics uint32 `recipe:"characteristics" default:"3221225536"`
}

type Recipe struct {
	LogLevel        log.LogLevel  `recipe:"log-level"`
	IATSection      string        `recipe:"iat-section" default:".iat"`
	DelayIATSection string        `recipe:"delay-iat-section" default:".didat"`
	Sections        []Section     `recipe:"sections"`
	Imports         []Import      `recipe:"imports"`
	DelayImports    []DelayImport `recipe:"delay-imports"`
	Exports         *Export       `recipe:"exports"`
	Relocs          *Relocs       `recipe:"relocs"`
	Resources       []Resource    `recipe:"resources"`
	Place           []Place       `recipe:"place"`
}

// Load reads a recipe, picking the format from the file extension.
func Load(path string) (*Recipe, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	r, err := Parse(buf, filepath.Ext(path))
	return r, errors.Wrapf(err, "recipe %s", path)
}

func Parse(buf []byte, format string) (*Recipe, error) {
	raw := map[string]any{}
	switch strings.ToLower(strings.TrimPrefix(format, ".")) {
	case "toml":
		if err := toml.Unmarshal(buf, &raw); err != nil {
			return nil, err
		}
	case "yaml", "yml", "":
		if err := yaml.Unmarshal(buf, &raw); err != nil {
			return nil, err
		}
	default:
		return nil, errors.Errorf("unknown recipe format %q", format)
	}

	r := &Recipe{LogLevel: log.Level()}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "recipe",
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.TextUnmarshallerHookFunc(),
		Result:           r,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, err
	}

	if err := setDefaults(r); err != nil {
		return nil, err
	}
	return r, nil
}

func setDefaults(r *Recipe) error {
	if err := defaults.Set(r); err != nil {
		return err
	}
	for i := range r.Sections {
		if err := defaults.Set(&r.Sections[i]); err != nil {
			return err
		}
	}
	for i := range r.Place {
		if err := defaults.Set(&r.Place[i]); err != nil {
			return err
		}
	}
	if r.Exports != nil {
		if err := defaults.Set(r.Exports); err != nil {
			return err
		}
	}
	if r.Relocs != nil {
		if err := defaults.Set(r.Relocs); err != nil {
			return err
		}
	}
	return nil
}

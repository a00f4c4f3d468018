package main

import (
	"github.com/pkg/errors"
	saferwall "github.com/saferwall/pe"

	"pedit/pkg/log"
	"pedit/pkg/pe"
)

// verifyImage parses data with saferwall/pe and compares what it finds with
// our own model of the same bytes.
func verifyImage(data []byte, f *pe.File) error {
	sf, err := saferwall.NewBytes(data, &saferwall.Options{})
	if err != nil {
		return errors.Wrap(err, "verify")
	}
	defer sf.Close()

	if err := sf.Parse(); err != nil {
		return errors.Wrap(err, "verify")
	}

	mismatches := 0
	check := func(what string, ours, theirs int) {
		if ours != theirs {
			log.Warnln("verify: %s: %d here, %d in saferwall/pe", what, ours, theirs)
			mismatches++
			return
		}
		log.Debugln("verify: %s: %d", what, ours)
	}

	var imports, exports, blocks int
	if f.Imports != nil {
		imports = f.Imports.Descriptors.Len()
	}
	if f.Exports != nil {
		exports = f.Exports.Functions.Len()
	}
	if f.Relocs != nil {
		blocks = len(f.Relocs.Blocks)
	}
	check("import descriptors", imports, len(sf.Imports))
	check("exported functions", exports, len(sf.Export.Functions))
	check("relocation blocks", blocks, len(sf.Relocations))

	if mismatches > 0 {
		return errors.Errorf("verify: %d mismatches", mismatches)
	}
	log.Infoln("verify: ok")
	return nil
}

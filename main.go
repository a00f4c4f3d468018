package main

import (
	"flag"
	"fmt"
	"os"

	"pedit/pkg/log"
	"pedit/pkg/pe"
	"pedit/pkg/recipe"
)

var (
	recipePath string
	dump       bool
	diff       bool
	digest     bool
	verify     bool
	color      bool
	verbose    bool
)

func init() {
	flag.StringVar(&recipePath, "recipe", "", "apply the edits in this YAML or TOML file")
	flag.BoolVar(&dump, "dump", false, "print headers, sections and directories")
	flag.BoolVar(&diff, "diff", false, "print a unified diff of the dump before and after the recipe")
	flag.BoolVar(&digest, "digest", false, "include BLAKE2b digests of section and resource data in dumps")
	flag.BoolVar(&verify, "verify", false, "cross check the result with an independent PE parser")
	flag.BoolVar(&color, "color", false, "colour the diff")
	flag.BoolVar(&verbose, "v", false, "debug logging")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] input [output]\n", os.Args[0])
		flag.PrintDefaults()
	}
}

func main() {
	flag.Parse()
	if verbose {
		log.SetLevel(log.DEBUG)
	}

	args := flag.Args()
	if len(args) < 1 {
		flag.Usage()
		os.Exit(2)
	}
	if color {
		enableVirtualTerminal()
	}

	if err := run(args); err != nil {
		log.Fatalln("%v", err)
	}
}

func run(args []string) error {
	input := args[0]
	f, err := pe.Open(input)
	if err != nil {
		return err
	}
	log.Debugln("loaded %s: %d sections", input, len(f.Sections))

	before := Dump(f, digest)
	if dump && recipePath == "" {
		fmt.Print(before)
	}

	if recipePath == "" {
		if verify {
			return verifyImage(f.Bytes(), f)
		}
		return nil
	}

	r, err := recipe.Load(recipePath)
	if err != nil {
		return err
	}
	if !verbose {
		log.SetLevel(r.LogLevel)
	}

	out, err := r.Apply(f)
	if err != nil {
		return err
	}

	output := input + ".patched"
	if len(args) > 1 {
		output = args[1]
	}
	if err := os.WriteFile(output, out, 0o644); err != nil {
		return err
	}
	log.Infoln("wrote %s (%d bytes)", output, len(out))

	rebuilt, err := pe.NewFile(out)
	if err != nil {
		return err
	}
	after := Dump(rebuilt, digest)
	if dump {
		fmt.Print(after)
	}
	if diff {
		text, err := Diff(before, after, input, output, color)
		if err != nil {
			return err
		}
		fmt.Print(text)
	}
	if verify {
		return verifyImage(out, rebuilt)
	}
	return nil
}

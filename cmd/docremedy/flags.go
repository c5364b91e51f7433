package main

import (
	"fmt"

	flag "github.com/spf13/pflag"
)

// cliFlags holds the parsed command-line flags.
type cliFlags struct {
	config  string
	outDir  string
	folder  string
	workers int
	dpi     int
	brand   string
	update  bool
	quiet   bool
	verbose bool
	version bool

	refs []string
}

// parseFlags parses args (excluding the program name is handled by the
// FlagSet). Unknown flags and missing references are reported as errors.
func parseFlags(args []string) (*cliFlags, error) {
	f := &cliFlags{}

	fs := flag.NewFlagSet("docremedy", flag.ContinueOnError)
	fs.StringVarP(&f.config, "config", "c", "", "path to YAML config file")
	fs.StringVarP(&f.outDir, "out", "o", "", "output directory (default: alongside temp files)")
	fs.StringVarP(&f.folder, "folder", "f", "", "process every document in this provider folder")
	fs.IntVarP(&f.workers, "workers", "w", 0, "pixel-pipeline workers (0 = auto)")
	fs.IntVar(&f.dpi, "dpi", 0, "rasterization DPI (0 = config default)")
	fs.StringVar(&f.brand, "brand", "", "branding image path (overrides config)")
	fs.BoolVarP(&f.update, "update", "u", false, "overwrite the source document in place with the remediated copy")
	fs.BoolVarP(&f.quiet, "quiet", "q", false, "errors only")
	fs.BoolVarP(&f.verbose, "verbose", "v", false, "debug logging")
	fs.BoolVar(&f.version, "version", false, "print version and exit")

	if err := fs.Parse(args[1:]); err != nil {
		return nil, err
	}

	f.refs = fs.Args()
	if !f.version && f.folder == "" && len(f.refs) == 0 {
		return nil, fmt.Errorf("usage: docremedy [flags] <file-id-or-url> [...]")
	}
	return f, nil
}

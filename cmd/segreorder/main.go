// Command segreorder rewrites each named segment with its records in
// reverse order. It is used to exercise repacking on real data.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/downfa11-org/segstore/pkg/config"
	"github.com/downfa11-org/segstore/pkg/segment"
	"github.com/downfa11-org/segstore/util"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] SEGMENT...\n", os.Args[0])
		flag.PrintDefaults()
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		util.Fatal("Failed to load config: %v", err)
	}
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	opts, err := cfg.SessionOptions()
	if err != nil {
		util.Fatal("Invalid configuration: %v", err)
	}

	for _, path := range flag.Args() {
		if err := reorder(path, opts, cfg); err != nil {
			util.Fatal("%s: %v", path, err)
		}
	}
}

func reorder(path string, opts segment.Options, cfg *config.Config) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	s, err := segment.NewSession(filepath.Dir(abs), opts)
	if err != nil {
		return err
	}
	c, err := s.Checker(filepath.Base(abs))
	if err != nil {
		return err
	}
	defer c.Close()

	mds, err := c.Scan()
	if err != nil {
		return err
	}
	f, err := c.Fixer()
	if err != nil {
		return err
	}
	defer f.Close()

	res, err := f.Reorder(mds.Reversed(), cfg.RepackConfig())
	if err != nil {
		return err
	}
	util.Info("%s: reordered %d records (%d -> %d bytes)", abs, len(mds), res.SizePre, res.SizePost)
	return nil
}

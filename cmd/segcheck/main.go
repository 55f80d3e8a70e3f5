// Command segcheck checks segments and, with -fix, repairs them.
//
// Segment paths are taken relative to -root when it is set; otherwise each
// path is either a single segment or a directory holding a dataset. With no
// paths, the whole -root dataset is checked.
package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/downfa11-org/segstore/pkg/config"
	"github.com/downfa11-org/segstore/pkg/metrics"
	"github.com/downfa11-org/segstore/pkg/segment"
	"github.com/downfa11-org/segstore/pkg/types"
	"github.com/downfa11-org/segstore/util"
)

type target struct {
	root    string
	relpath string
}

func main() {
	fix := flag.Bool("fix", false, "Repair the problems found")
	quick := flag.Bool("quick", false, "Skip validating record contents")
	interval := flag.Duration("interval", 0, "Check again at this interval until interrupted (0=run once)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] [PATH...]\n", os.Args[0])
		flag.PrintDefaults()
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		util.Fatal("Failed to load config: %v", err)
	}
	if flag.NArg() == 0 && cfg.Root == "" {
		flag.Usage()
		os.Exit(2)
	}
	opts, err := cfg.SessionOptions()
	if err != nil {
		util.Fatal("Invalid configuration: %v", err)
	}
	if cfg.EnableExporter {
		metrics.StartMetricsServer(cfg.ExporterPort)
	}

	mopts := segment.MaintenanceOptions{Fix: *fix, Quick: *quick, Repack: cfg.RepackConfig()}
	run := func() bool {
		targets, err := collect(cfg.Root, flag.Args())
		if err != nil {
			util.Error("%v", err)
			return false
		}
		return checkAll(targets, opts, mopts)
	}

	if *interval <= 0 {
		if !run() {
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		run()
		select {
		case <-ctx.Done():
			util.Info("segcheck stopped")
			return
		case <-ticker.C:
		}
	}
}

// collect resolves the command line paths to segments.
func collect(root string, paths []string) ([]target, error) {
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return nil, err
		}
		if len(paths) == 0 {
			return walk(abs)
		}
		var res []target
		for _, p := range paths {
			if filepath.IsAbs(p) {
				rel, err := filepath.Rel(abs, p)
				if err != nil || strings.HasPrefix(rel, "..") {
					return nil, fmt.Errorf("%s is not inside %s", p, abs)
				}
				p = rel
			}
			res = append(res, target{root: abs, relpath: types.StripSuffixes(p)})
		}
		return res, nil
	}

	var res []target
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		if st, err := os.Stat(abs); err == nil && st.IsDir() && !isArchiveDir(abs) {
			found, err := walk(abs)
			if err != nil {
				return nil, err
			}
			res = append(res, found...)
			continue
		}
		res = append(res, target{root: filepath.Dir(abs), relpath: types.StripSuffixes(filepath.Base(abs))})
	}
	return res, nil
}

func isArchiveDir(path string) bool {
	switch filepath.Ext(path) {
	case types.SuffixGz, types.SuffixTar, types.SuffixZip:
		return true
	}
	return false
}

// walk lists the segments of a dataset, including those whose data is
// gone but whose index is still there.
func walk(root string) ([]target, error) {
	probe, err := segment.NewSession(root, segment.Options{})
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		indexed := !d.IsDir() && (strings.HasSuffix(rel, types.SuffixMetadata) || strings.HasSuffix(rel, types.SuffixIndex))
		if indexed || probe.IsDataSegment(rel) {
			seen[types.StripSuffixes(rel)] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cannot scan %s: %w", root, err)
	}

	relpaths := make([]string, 0, len(seen))
	for rel := range seen {
		relpaths = append(relpaths, rel)
	}
	slices.Sort(relpaths)
	res := make([]target, len(relpaths))
	for i, rel := range relpaths {
		res[i] = target{root: root, relpath: rel}
	}
	return res, nil
}

// checkAll runs maintenance on every target, and reports whether all of
// them ran without errors.
func checkAll(targets []target, opts segment.Options, mopts segment.MaintenanceOptions) bool {
	sessions := map[string]*segment.Session{}
	rep := &segment.MemoryReporter{}
	reporter := segment.MultiReporter{segment.LogReporter{}, rep}

	ok := true
	counts := map[string]int{}
	for _, t := range targets {
		s, found := sessions[t.root]
		if !found {
			var err error
			if s, err = segment.NewSession(t.root, opts); err != nil {
				util.Error("%s: %v", t.root, err)
				ok = false
				continue
			}
			sessions[t.root] = s
		}

		state, err := check(s, t.relpath, reporter, mopts)
		if err != nil {
			util.Error("%s: %v", filepath.Join(t.root, t.relpath), err)
			ok = false
			continue
		}
		counts[state.String()]++
	}

	states := make([]string, 0, len(counts))
	for st := range counts {
		states = append(states, st)
	}
	slices.Sort(states)
	for _, st := range states {
		fmt.Printf("%s: %d\n", st, counts[st])
	}
	if n := len(rep.Messages(segment.CategoryManualIntervention)); n > 0 {
		fmt.Printf("%d segments need manual intervention\n", n)
	}
	return ok
}

func check(s *segment.Session, relpath string, rep segment.Reporter, mopts segment.MaintenanceOptions) (types.State, error) {
	c, err := s.Checker(relpath)
	if err != nil {
		return 0, err
	}
	state, err := segment.Maintain(c, rep, mopts)
	if cerr := c.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return state, err
}

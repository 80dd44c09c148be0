// Command voxdraft-export renders a session's latest design state as a
// product requirements document without starting the server.
//
// Usage:
//
//	voxdraft-export [-config config.yaml] [-out DIR] SESSION_ID
//
// On success it prints "SUCCESS: <path>" to stdout; on failure it prints
// "ERROR: <reason>" to stderr and exits non-zero.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/voxdraft/voxdraft/internal/config"
	"github.com/voxdraft/voxdraft/internal/prd"
	"github.com/voxdraft/voxdraft/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	outDir := flag.String("out", "", "output directory (defaults to export.output_dir from the config)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] SESSION_ID\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		return 2
	}
	sessionID := flag.Arg(0)

	cfg, err := config.LoadStorage(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		return fail("loading config: %v", err)
	}

	dir := cfg.Export.OutputDir
	if *outDir != "" {
		dir = *outDir
	}

	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fail("opening database %q: %v", cfg.Database.Path, err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	path, err := prd.NewExporter(db, dir).Export(ctx, sessionID)
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		return fail("session %q not found", sessionID)
	case errors.Is(err, store.ErrNoSnapshot):
		return fail("session %q has no captured design state yet", sessionID)
	case err != nil:
		return fail("%v", err)
	}

	fmt.Printf("SUCCESS: %s\n", path)
	return 0
}

func fail(format string, args ...any) int {
	fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
	return 1
}

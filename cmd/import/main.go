// Command import loads a newline-delimited JSON file produced by
// export back into a kvdex backend, reversing an optional zstd
// compression step. main stays a two-line error/exit shim around
// run(ctx, args) error, with its own flag.FlagSet per command.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kvdexhq/kvdex/config"
	"github.com/kvdexhq/kvdex/dexutil"
	"github.com/kvdexhq/kvdex/encoding"
	"github.com/kvdexhq/kvdex/logging"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	backend := fs.String("backend", "memory", "backend: memory|redis|postgres")
	dsn := fs.String("dsn", "", "backend DSN (redis/postgres only)")
	in := fs.String("in", "", "input file path (required)")
	compressed := fs.Bool("compress", false, "treat the input file as zstd-compressed")
	if err := fs.Parse(args); err != nil {
		printUsage()
		return err
	}
	if *in == "" {
		printUsage()
		return fmt.Errorf("import: -in is required")
	}

	log := logging.NewDefault()

	cfg := config.New()
	cfg.Database.Backend = config.BackendKind(*backend)
	cfg.Database.RedisDSN = *dsn
	cfg.Database.PostgresDSN = *dsn
	store, err := dexutil.OpenBackend(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("import: open backend: %w", err)
	}
	defer store.Close()

	raw, err := os.ReadFile(*in)
	if err != nil {
		return fmt.Errorf("import: read input file: %w", err)
	}

	var n int
	if *compressed {
		plain, err := encoding.NewZstdCompressor().Decompress(raw)
		if err != nil {
			return fmt.Errorf("import: decompress: %w", err)
		}
		n, err = dexutil.LoadStore(ctx, store, bytes.NewReader(plain))
		if err != nil {
			return fmt.Errorf("import: load: %w", err)
		}
	} else {
		n, err = dexutil.LoadStore(ctx, store, bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("import: load: %w", err)
		}
	}

	log.WithField("entries", n).WithField("file", *in).Info("import: loaded")
	return nil
}

func printUsage() {
	fmt.Println(`kvdex import loads an export file into a backend.

Usage:
  import -backend=<backend> [-dsn=<dsn>] -in=<file> [-compress]

Backends: memory, redis, postgres`)
}

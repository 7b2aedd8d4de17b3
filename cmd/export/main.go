// Command export dumps a kvdex backend's full keyspace to a
// newline-delimited JSON file, optionally zstd-compressed. main stays a
// two-line error/exit shim around run(ctx, args) error, with its own
// flag.FlagSet per command.
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
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	backend := fs.String("backend", "memory", "backend: memory|redis|postgres")
	dsn := fs.String("dsn", "", "backend DSN (redis/postgres only)")
	out := fs.String("out", "", "output file path (required)")
	compress := fs.Bool("compress", false, "zstd-compress the output file")
	if err := fs.Parse(args); err != nil {
		printUsage()
		return err
	}
	if *out == "" {
		printUsage()
		return fmt.Errorf("export: -out is required")
	}

	log := logging.NewDefault()

	cfg := config.New()
	cfg.Database.Backend = config.BackendKind(*backend)
	cfg.Database.RedisDSN = *dsn
	cfg.Database.PostgresDSN = *dsn
	store, err := dexutil.OpenBackend(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("export: open backend: %w", err)
	}
	defer store.Close()

	f, err := os.Create(*out)
	if err != nil {
		return fmt.Errorf("export: create output file: %w", err)
	}
	defer f.Close()

	var n int
	if *compress {
		var buf bytes.Buffer
		n, err = dexutil.DumpStore(ctx, store, &buf)
		if err != nil {
			return fmt.Errorf("export: dump: %w", err)
		}
		compressed, err := encoding.NewZstdCompressor().Compress(buf.Bytes())
		if err != nil {
			return fmt.Errorf("export: compress: %w", err)
		}
		if _, err := f.Write(compressed); err != nil {
			return fmt.Errorf("export: write: %w", err)
		}
	} else {
		n, err = dexutil.DumpStore(ctx, store, f)
		if err != nil {
			return fmt.Errorf("export: dump: %w", err)
		}
	}

	log.WithField("entries", n).WithField("file", *out).Info("export: wrote")
	return nil
}

func printUsage() {
	fmt.Println(`kvdex export dumps a backend's full keyspace to a file.

Usage:
  export -backend=<backend> [-dsn=<dsn>] -out=<file> [-compress]

Backends: memory, redis, postgres`)
}

// Command migrate copies every entry from one kvdex backend into
// another, e.g. moving a development memory store's contents into
// Postgres or Redis ahead of a deployment. A flag.FlagSet-per-invocation
// parser feeds a run(ctx, args) error entry point so main itself stays
// a two-line error/exit shim.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/kvdexhq/kvdex/config"
	"github.com/kvdexhq/kvdex/dexutil"
	"github.com/kvdexhq/kvdex/logging"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fromBackend := fs.String("from", "", "source backend: memory|redis|postgres")
	fromDSN := fs.String("from-dsn", "", "source DSN (redis/postgres only)")
	toBackend := fs.String("to", "", "destination backend: memory|redis|postgres")
	toDSN := fs.String("to-dsn", "", "destination DSN (redis/postgres only)")
	if err := fs.Parse(args); err != nil {
		printUsage()
		return err
	}
	if *fromBackend == "" || *toBackend == "" {
		printUsage()
		return fmt.Errorf("migrate: both -from and -to are required")
	}

	log := logging.NewDefault()

	srcCfg := config.New()
	srcCfg.Database.Backend = config.BackendKind(*fromBackend)
	srcCfg.Database.RedisDSN = *fromDSN
	srcCfg.Database.PostgresDSN = *fromDSN
	src, err := dexutil.OpenBackend(ctx, srcCfg, log)
	if err != nil {
		return fmt.Errorf("migrate: open source: %w", err)
	}
	defer src.Close()

	dstCfg := config.New()
	dstCfg.Database.Backend = config.BackendKind(*toBackend)
	dstCfg.Database.RedisDSN = *toDSN
	dstCfg.Database.PostgresDSN = *toDSN
	dst, err := dexutil.OpenBackend(ctx, dstCfg, log)
	if err != nil {
		return fmt.Errorf("migrate: open destination: %w", err)
	}
	defer dst.Close()

	n, err := dexutil.CopyStore(ctx, src, dst)
	if err != nil {
		return fmt.Errorf("migrate: copy: %w", err)
	}
	log.WithField("entries", n).Info("migrate: copied")
	return nil
}

func printUsage() {
	fmt.Println(`kvdex migrate copies every entry from one backend into another.

Usage:
  migrate -from=<backend> [-from-dsn=<dsn>] -to=<backend> [-to-dsn=<dsn>]

Backends: memory, redis, postgres`)
}

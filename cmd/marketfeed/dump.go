package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"

	"marketfeed/internal/aggregate"
	"marketfeed/internal/app"
)

type dumpCmd struct {
	configFlag
	out string
}

func (*dumpCmd) Name() string     { return "dump" }
func (*dumpCmd) Synopsis() string { return "runs one full load and writes the snapshot as JSON" }
func (*dumpCmd) Usage() string {
	return `dump [-config file] [-out file]

Loads the priority set and the rest of the universe once, then writes the
aggregated snapshot. Without -out it writes to stdout.
`
}

func (c *dumpCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
	f.StringVar(&c.out, "out", "", "output file")
}

type dumpFile struct {
	aggregate.Snapshot
	Quotes []aggregate.Row `json:"quotes"`
}

func (c *dumpCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, log, err := c.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: config: %v\n", err)
		return subcommands.ExitFailure
	}
	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer a.Close()

	a.Aggregator.Restore(ctx)
	if err := a.Aggregator.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: priority load: %v\n", err)
		return subcommands.ExitFailure
	}
	if err := a.Aggregator.Wait(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: bulk load: %v\n", err)
		return subcommands.ExitFailure
	}

	snap := a.Aggregator.Snapshot()
	b, err := json.MarshalIndent(dumpFile{
		Snapshot: snap,
		Quotes:   aggregate.LatestByMarket(snap.Priority, snap.Bulk),
	}, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: encode: %v\n", err)
		return subcommands.ExitFailure
	}
	if c.out == "" {
		_, _ = os.Stdout.Write(append(b, '\n'))
		return subcommands.ExitSuccess
	}
	if err := os.WriteFile(c.out, b, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: write %s: %v\n", c.out, err)
		return subcommands.ExitFailure
	}
	fmt.Fprintf(os.Stderr, "wrote %d quotes to %s\n", len(snap.Priority)+len(snap.Bulk), c.out)
	return subcommands.ExitSuccess
}

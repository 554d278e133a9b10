package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/subcommands"

	"marketfeed/internal/app"
	"marketfeed/internal/config"
	"marketfeed/internal/provider"
)

type fetchCmd struct {
	configFlag
	market string
}

func (*fetchCmd) Name() string     { return "fetch" }
func (*fetchCmd) Synopsis() string { return "resolves symbols once and prints them as JSON" }
func (*fetchCmd) Usage() string {
	return `fetch [-config file] [-market m] SYMBOL...

Resolves each symbol through the provider chain and prints one JSON object per
line. A "market:" prefix on a symbol overrides -market.
`
}

func (c *fetchCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
	f.StringVar(&c.market, "market", string(provider.MarketUS), "market of bare symbols: us, regional, index, forex, crypto or fund")
}

type fetchLine struct {
	provider.Quote
	Fallback bool   `json:"fallback"`
	Stale    bool   `json:"stale,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (c *fetchCmd) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Error: at least one symbol is required")
		return subcommands.ExitUsageError
	}
	market, err := provider.ParseMarket(c.market)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}
	symbols, err := config.ParseSymbols(strings.Join(f.Args(), ","), market)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitUsageError
	}

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

	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	status := subcommands.ExitSuccess
	for _, s := range symbols {
		res := a.Resolver.ResolveStrict(ctx, s.Symbol, s.Market)
		line := fetchLine{Quote: res.Quote, Fallback: res.WasFallback, Stale: res.Stale}
		if res.Err != nil {
			line.Error = res.Err.Error()
			status = subcommands.ExitFailure
		}
		if err := enc.Encode(line); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return subcommands.ExitFailure
		}
	}
	return status
}

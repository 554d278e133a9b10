package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path"

	"github.com/google/subcommands"

	"marketfeed/internal/config"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(&serveCmd{}, "")
	commander.Register(&fetchCmd{}, "")
	commander.Register(&dumpCmd{}, "")

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}

// configFlag is shared by every subcommand.
type configFlag struct {
	path string
}

func (c *configFlag) register(f *flag.FlagSet) {
	f.StringVar(&c.path, "config", os.Getenv("CONFIG_FILE"), "config file (JSON or YAML); defaults to config.yaml or config.json in the working directory")
}

// load reads the config and builds the process logger from its log level.
func (c *configFlag) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.path)
	if err != nil {
		return cfg, nil, err
	}
	level, err := cfg.Level()
	if err != nil {
		return cfg, nil, fmt.Errorf("log_level: %w", err)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)
	return cfg, log, nil
}

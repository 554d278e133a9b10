package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/subcommands"

	"marketfeed/internal/app"
)

type serveCmd struct {
	configFlag
	noRefresh bool
}

func (*serveCmd) Name() string     { return "serve" }
func (*serveCmd) Synopsis() string { return "runs the aggregator and the HTTP relay" }
func (*serveCmd) Usage() string {
	return `serve [-config file] [-no-refresh]

Restores the cached snapshot, loads the priority symbols, keeps refreshing the
universe in the background and serves quotes over HTTP and websocket.
`
}

func (c *serveCmd) SetFlags(f *flag.FlagSet) {
	c.register(f)
	f.BoolVar(&c.noRefresh, "no-refresh", false, "load once and skip the auto refresh loop")
}

func (c *serveCmd) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, log, err := c.load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: config: %v\n", err)
		return subcommands.ExitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	defer func() {
		if err := a.Close(); err != nil {
			log.Error("closing", "err", err)
		}
	}()

	a.Aggregator.Restore(ctx)
	go a.Hub.Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           a.Server().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.RequestTimeoutSec+10) * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		log.Info("server listening", "addr", srv.Addr, "markets", a.MarketNames())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server", "err", err)
			stop()
		}
	}()

	go func() {
		if err := a.Aggregator.Start(ctx); err != nil {
			log.Warn("initial load interrupted", "err", err)
			return
		}
		if !c.noRefresh {
			a.Aggregator.Run(ctx)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return subcommands.ExitSuccess
}

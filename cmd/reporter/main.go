package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/astromods/modstats/internal/config"
	"github.com/astromods/modstats/internal/reporter"
	"github.com/astromods/modstats/internal/util"
)

func main() {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	rep, err := reporter.New(cfg.Reporter, util.Get())
	if err != nil {
		util.Fatal("Failed to initialize reporter", util.ErrorField(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rep.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		util.Fatal("Reporter exited with error", util.ErrorField(err))
	}
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/gwillem/skeleton/pkg/api"
	"github.com/gwillem/skeleton/pkg/skeleton"
)

type RunCommand struct{}

func (c *RunCommand) Execute(args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctrl, hub, err := skeleton.Bootstrap(ctx, cfg, logger)
	if err != nil {
		logger.Errorw("startup failed", "error", err)
		return err
	}
	defer func() {
		if err := ctrl.Close(); err != nil {
			logger.Warnw("closing failed", "error", err)
		}
	}()

	router := api.NewRouter(ctrl, hub, logger.Named("api"))
	if err := ctrl.Run(ctx, api.Serve(cfg.HTTPAddr, router, logger.Named("api"))); err != nil {
		logger.Errorw("skeleton stopped", "error", err)
		return err
	}
	return nil
}

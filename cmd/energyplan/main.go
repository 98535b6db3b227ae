package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/raterudder/energyplan/pkg/controller"
	"github.com/raterudder/energyplan/pkg/forecast"
	"github.com/raterudder/energyplan/pkg/log"
	"github.com/raterudder/energyplan/pkg/server"
	"github.com/raterudder/energyplan/pkg/storage"
	"github.com/raterudder/energyplan/pkg/supervisor"

	"github.com/levenlabs/go-lflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	// init packages
	s := storage.Configured()
	f := forecast.Configured(s)
	loop := controller.Configured(s, f)
	dashboard := supervisor.Configured()

	// init server
	srv := server.Configured(loop)

	// parse flags
	lflag.Configure()

	level, err := log.ConfigureFromLLog()
	if err != nil {
		panic(err)
	}
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	defer func() {
		if err := s.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close storage", slog.Any("error", err))
		}
	}()

	// serve the last plan until the first run finishes
	if err := loop.Restore(ctx); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to restore plan", slog.Any("error", err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	// the dashboard never fails the group
	g.Go(func() error {
		return dashboard.Run(gctx)
	})

	if err := g.Wait(); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "energyplan failed", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "energyplan exited cleanly")
}

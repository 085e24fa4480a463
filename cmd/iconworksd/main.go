// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// iconworksd is the icon generation service: it accepts icon jobs over
// HTTP, renders artwork through an external text-to-image API, stores
// results in an S3-compatible object store and re-drives failures on a
// schedule.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo/v2"
	"github.com/juju/pubsub"
	"github.com/juju/worker/v4"

	"github.com/reflectivelabs/iconworks/internal/apiserver"
	"github.com/reflectivelabs/iconworks/internal/config"
	"github.com/reflectivelabs/iconworks/internal/generator"
	"github.com/reflectivelabs/iconworks/internal/imagegen"
	"github.com/reflectivelabs/iconworks/internal/objectstore"
	"github.com/reflectivelabs/iconworks/internal/state"
	"github.com/reflectivelabs/iconworks/internal/worker/iconretrier"
)

var logger = loggo.GetLogger("iconworks")

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "iconworksd: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath string
		logConfig  string
	)
	flags := gnuflag.NewFlagSet("iconworksd", gnuflag.ContinueOnError)
	flags.StringVar(&configPath, "config", "iconworksd.yaml", "path to the service configuration")
	flags.StringVar(&logConfig, "log-config", "<root>=INFO", "loggo configuration string")
	if err := flags.Parse(true, args); err != nil {
		return errors.Trace(err)
	}

	if err := loggo.ConfigureLoggers(logConfig); err != nil {
		return errors.Annotate(err, "configuring logging")
	}

	cfg, err := config.Read(configPath)
	if err != nil {
		return errors.Trace(err)
	}

	clk := clock.WallClock

	st, err := state.Open(cfg.DBPath, clk)
	if err != nil {
		return errors.Trace(err)
	}
	defer func() { _ = st.Close() }()

	store, err := objectstore.NewStore(context.Background(), cfg.S3)
	if err != nil {
		return errors.Trace(err)
	}

	hub := pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{
		Logger: loggo.GetLogger("iconworks.hub"),
	})

	gen, err := generator.New(generator.Config{
		Jobs:       st,
		Prompts:    st,
		Renderer:   imagegen.NewClient(cfg.ImageGen, nil),
		Store:      store,
		Hub:        hub,
		Clock:      clk,
		RetryDelay: cfg.ImageGen.RetryDelay,
	})
	if err != nil {
		return errors.Trace(err)
	}

	retrier, err := iconretrier.NewWorker(iconretrier.WorkerConfig{
		Jobs:          st,
		Generator:     gen,
		Clock:         clk,
		SweepInterval: cfg.SweepInterval,
	})
	if err != nil {
		return errors.Trace(err)
	}

	runner := worker.NewRunner(worker.RunnerParams{
		IsFatal: func(err error) bool { return false },
		Clock:   clk,
	})
	if err := runner.StartWorker("retrier", func() (worker.Worker, error) {
		return retrier, nil
	}); err != nil {
		return errors.Trace(err)
	}
	if err := runner.StartWorker("apiserver", func() (worker.Worker, error) {
		return apiserver.NewServer(apiserver.Config{
			Addr:            cfg.HTTPAddr,
			Jobs:            st,
			Generator:       gen,
			Retrier:         retrier,
			Signer:          store,
			Hub:             hub,
			Clock:           clk,
			PollInterval:    cfg.ProgressPollInterval,
			SignedURLTTL:    cfg.S3.SignedURLTTL,
			ShutdownTimeout: cfg.ShutdownTimeout,
		})
	}); err != nil {
		return errors.Trace(err)
	}

	logger.Infof("iconworksd serving on %s", cfg.HTTPAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Infof("received %v, shutting down", sig)
		runner.Kill()
	}()

	return errors.Trace(runner.Wait())
}

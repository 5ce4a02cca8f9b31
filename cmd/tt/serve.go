package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/zulandar/turntable/internal/admission"
	"github.com/zulandar/turntable/internal/coord"
	"github.com/zulandar/turntable/internal/notify"
	"github.com/zulandar/turntable/internal/runlog"
	"github.com/zulandar/turntable/internal/sandbox"
	"github.com/zulandar/turntable/internal/server"
)

func newServeCmd() *cobra.Command {
	var (
		configPath   string
		sandboxImage string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Turntable API server",
		Long:  "Starts the HTTP API, the in-process event broker, and the background sandbox sweeper. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, sandboxImage)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "turntable.yaml", "path to Turntable config file")
	cmd.Flags().StringVar(&sandboxImage, "sandbox-image", "turntable/sandbox:latest", "container image for sandboxes")
	return cmd
}

func runServe(cmd *cobra.Command, configPath, sandboxImage string) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	notifier, err := notify.New(cfg.Notify)
	if err != nil {
		return err
	}
	defer notifier.Close()

	broker := coord.NewBroker()
	rlog := runlog.New(gormDB, broker)
	controller := admission.New(gormDB, cfg.Admission, notifier)

	backend := sandbox.NewDockerBackend(sandboxImage)
	manager, err := sandbox.NewManager(sandbox.ManagerOpts{
		DB:      gormDB,
		Backend: backend,
		Config:  cfg.Sandbox,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background sandbox sweeper.
	sweeper := sandbox.NewSweeper(gormDB, backend, notifier)
	scheduler := cron.New()
	if err := sweeper.Schedule(scheduler, cfg.SweepInterval()); err != nil {
		return fmt.Errorf("schedule sweeper: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()
	fmt.Fprintf(out, "Sandbox sweeper running every %s\n", cfg.SweepInterval())

	return server.Start(ctx, server.StartOpts{
		DB:        gormDB,
		Admission: controller,
		RunLog:    rlog,
		Broker:    broker,
		Sandboxes: manager,
		Sweeper:   sweeper,
		Stream:    cfg.Stream,
		Port:      cfg.Server.Port,
		Reporter:  notifier,
		Out:       out,
	})
}

package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/zulandar/turntable/internal/sandbox"
)

func newSweepCmd() *cobra.Command {
	var (
		configPath   string
		sandboxImage string
		watch        bool
		intervalSec  int
	)

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Destroy orphaned sandbox containers",
		Long:  "Destroys sandbox containers that have no backing record and no sibling for their conversation. Runs once and exits by default; with --watch it keeps sweeping on an interval. The serve command schedules the same pass internally.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd, configPath, sandboxImage, watch, intervalSec)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "turntable.yaml", "path to Turntable config file")
	cmd.Flags().StringVar(&sandboxImage, "sandbox-image", "turntable/sandbox:latest", "container image for sandboxes")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep sweeping on an interval instead of exiting")
	cmd.Flags().IntVar(&intervalSec, "interval", 0, "sweep interval in seconds for --watch (default: config sweep.interval_sec)")
	return cmd
}

func runSweep(cmd *cobra.Command, configPath, sandboxImage string, watch bool, intervalSec int) error {
	out := cmd.OutOrStdout()

	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	sweeper := sandbox.NewSweeper(gormDB, sandbox.NewDockerBackend(sandboxImage), nil)

	if !watch {
		result, err := sweeper.Sweep(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Sweep complete: %d destroyed, %d spared\n", result.Destroyed, result.Spared)
		return nil
	}

	interval := cfg.SweepInterval()
	if intervalSec > 0 {
		interval = time.Duration(intervalSec) * time.Second
	}

	scheduler := cron.New()
	if err := sweeper.Schedule(scheduler, interval); err != nil {
		return err
	}
	scheduler.Start()
	defer scheduler.Stop()
	fmt.Fprintf(out, "Sweeping every %s, Ctrl-C to stop\n", interval)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	return nil
}

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the relay until interrupted",
	Long: `Run the relay: watch the snapshot file, publish counter changes, keep the
heartbeat and (if configured) the update watcher running.

Send SIGUSR1 to publish a UI dump on the next pass.`,
	Args: cobra.NoArgs,
	RunE: runRelay,
}

func runRelay(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.relay.Start(); err != nil {
		return err
	}
	if a.updater != nil {
		a.updater.Start(ctx)
	}

	if cfg.MetricsAddr != "" {
		srv := a.serve(cfg.MetricsAddr)
		defer shutdown(srv)
	}

	go func() {
		if err := a.relay.Watch(ctx); err != nil {
			a.journal.Error("Snapshot watch stopped", map[string]interface{}{"error": err.Error()})
		}
	}()

	// First pass without waiting for a change.
	a.relay.OnTreeChanged()

	dumps := make(chan os.Signal, 1)
	signal.Notify(dumps, syscall.SIGUSR1)
	defer signal.Stop(dumps)

	for {
		select {
		case <-ctx.Done():
			a.journal.Info("Shutting down", nil)
			return nil
		case <-dumps:
			a.relay.RequestDump()
		}
	}
}

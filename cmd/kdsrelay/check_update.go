package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/st-keller/kdsrelay/updater"
)

var checkUpdateCmd = &cobra.Command{
	Use:   "check-update",
	Short: "Poll the version descriptor once and apply a newer version",
	Args:  cobra.NoArgs,
	RunE:  runCheckUpdate,
}

func runCheckUpdate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.UpdateDescriptorURL == "" {
		return fmt.Errorf("update.descriptor_url not configured")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.updater.CheckNow(ctx)
	a.runner.Wait()
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	switch res.Outcome {
	case updater.OutcomeInstalled:
		fmt.Printf("%s %s (%d bytes, %s)\n", green("installed"), res.Descriptor.Version, res.Size, res.Path)
	case updater.OutcomeUpToDate:
		fmt.Printf("%s running %s\n", dim("up to date:"), cfg.UpdateCurrentVersion)
	case updater.OutcomeAlreadyHandled:
		fmt.Printf("%s %s\n", dim("already handled:"), res.Descriptor.Version)
	default:
		fmt.Println(dim("no update published"))
	}
	return nil
}

// Command kdsrelay watches a kitchen display's UI tree and relays its order
// counter to remote stores and a push topic.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/st-keller/kdsrelay"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "kdsrelay",
	Short: "Relay a kitchen display's order counter",
	Long: `kdsrelay reads UI tree snapshots of the kitchen display app, extracts the
in-progress order counter and publishes it to a Realtime Database, a Gist
mirror and an FCM topic.

Examples:
  kdsrelay run --config /etc/kdsrelay.yaml
  kdsrelay extract /var/lib/kdsrelay/snapshot.json
  kdsrelay dump /var/lib/kdsrelay/snapshot.json
  kdsrelay check-update
  kdsrelay status`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config (env KDSRELAY_* also applies)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(extractCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(checkUpdateCmd)
	rootCmd.AddCommand(statusCmd)
}

func loadConfig() (kdsrelay.Config, error) {
	cfg, err := kdsrelay.LoadConfig(configPath)
	if err != nil {
		return cfg, err
	}
	if cfg.UpdateCurrentVersion == "" {
		cfg.UpdateCurrentVersion = version
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/st-keller/kdsrelay/dispatch"
	"github.com/st-keller/kdsrelay/settings"
	"github.com/st-keller/kdsrelay/transport"
)

var statusLines int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last published state from the settings store",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLines, "lines", "n", 10, "Number of log lines to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := settings.OpenFileStore(cfg.SettingsPath)
	if err != nil {
		return err
	}

	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	dim := color.New(color.Faint).SprintFunc()

	pkg, ok := store.Get(settings.KeyKDSPackage)
	if !ok {
		pkg = cfg.Package
	}
	fmt.Printf("%s %s\n", bold("package:"), pkg)

	count := settings.GetInt(store, settings.KeyLastCount, -1)
	if count < 0 {
		fmt.Printf("%s %s\n", bold("count:"), yellow("unknown"))
	} else {
		fmt.Printf("%s %s\n", bold("count:"), green(count))
	}

	if ms := settings.GetInt64(store, settings.KeyLastUploadTime, 0); ms > 0 {
		at := time.UnixMilli(ms)
		age := time.Since(at).Truncate(time.Second)
		line := fmt.Sprintf("%s (%s ago)", at.In(cfg.Location()).Format("2006-01-02 15:04:05"), age)
		if age > 2*cfg.HeartbeatInterval {
			line = yellow(line)
		}
		fmt.Printf("%s %s\n", bold("last publish:"), line)
	} else {
		fmt.Printf("%s %s\n", bold("last publish:"), yellow("never"))
	}

	secondary := "remote config"
	if _, ok := store.Get(settings.KeyGitHubToken); ok {
		secondary = "settings"
	} else if cfg.SecondaryConfigURL == "" {
		secondary = "disabled"
	}
	fmt.Printf("%s %s\n", bold("secondary credentials:"), secondary)

	if text, ok := store.Get(settings.KeyLog); ok && statusLines > 0 {
		fmt.Println(bold("recent log:"))
		for _, l := range tail(text, statusLines) {
			fmt.Println(dim("  " + l))
		}
	}

	fmt.Printf("%s %s\n", bold("version:"), cfg.UpdateCurrentVersion)

	if cfg.CAPath != "" {
		if certs, err := transport.InspectBundle(cfg.CAPath, time.Now()); err != nil {
			fmt.Printf("%s %s\n", bold("ca bundle:"), yellow(err.Error()))
		} else {
			for _, c := range certs {
				line := fmt.Sprintf("%s (%d days)", c.Subject, c.DaysUntilExpiry)
				if c.IsExpired || c.ExpiryWarning {
					line = yellow(line)
				}
				fmt.Printf("%s %s\n", bold("ca:"), line)
			}
		}
	}

	if cfg.MetricsAddr != "" {
		printChannels(cmd.Context(), cfg.MetricsAddr)
	}
	return nil
}

// printChannels reads channel health from a running relay.
func printChannels(ctx context.Context, addr string) {
	bold := color.New(color.Bold).SprintFunc()
	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	if ctx == nil {
		ctx = context.Background()
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/status", nil)
	if err != nil {
		return
	}
	resp, err := transport.MustBuild().Control.Do(req)
	if err != nil {
		fmt.Printf("%s %s\n", bold("channels:"), yellow("relay not reachable"))
		return
	}
	defer func() { _ = resp.Body.Close() }()

	var doc struct {
		Channels []dispatch.ChannelStatus `json:"channels"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return
	}

	fmt.Println(bold("channels:"))
	for _, ch := range doc.Channels {
		var status string
		switch ch.Status {
		case "healthy":
			status = green(ch.Status)
		case "degraded":
			status = yellow(ch.Status)
		default:
			status = red(ch.Status)
		}
		fmt.Printf("  %-10s %s  calls=%d success=%.0f%% p95=%dms\n", ch.Channel, status, ch.Total, ch.SuccessRate*100, ch.LatencyP95)
		for _, e := range ch.RecentErrors {
			fmt.Printf("    %s\n", yellow(e))
		}
	}
}

func tail(text string, n int) []string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

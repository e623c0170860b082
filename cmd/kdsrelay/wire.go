package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/afero"

	"github.com/st-keller/kdsrelay"
	"github.com/st-keller/kdsrelay/auth"
	"github.com/st-keller/kdsrelay/dispatch"
	"github.com/st-keller/kdsrelay/journal"
	"github.com/st-keller/kdsrelay/metrics"
	"github.com/st-keller/kdsrelay/settings"
	"github.com/st-keller/kdsrelay/tasks"
	"github.com/st-keller/kdsrelay/transport"
	"github.com/st-keller/kdsrelay/updater"
)

// app holds the wired process.
type app struct {
	cfg      kdsrelay.Config
	fs       afero.Fs
	store    *settings.FileStore
	journal  *journal.Journal
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	runner   *tasks.Runner
	clients  *transport.Clients
	primary  *dispatch.PrimaryStore
	relay    *kdsrelay.Relay
	updater  *updater.Updater // nil without an update source
}

func buildApp(ctx context.Context, cfg kdsrelay.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &app{cfg: cfg, fs: afero.NewOsFs()}

	store, err := settings.OpenFileStore(cfg.SettingsPath)
	if err != nil {
		return nil, err
	}
	a.store = store

	a.journal = journal.New(journal.Options{
		FS:       a.fs,
		Path:     cfg.LogPath,
		Mirror:   store,
		Location: cfg.Location(),
	})

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)

	a.runner = tasks.NewRunner(ctx, int64(cfg.DispatchConcurrency), func(name string, err error) {
		a.journal.Warn("Background task failed", map[string]interface{}{"task": name, "error": err.Error()})
	})

	clients, err := transport.Build(transport.Options{CAPath: cfg.CAPath})
	if err != nil {
		return nil, err
	}
	a.clients = clients
	a.checkCABundle()

	channels, err := a.buildChannels()
	if err != nil {
		return nil, err
	}

	a.relay, err = kdsrelay.New(cfg, kdsrelay.Deps{
		FS:       a.fs,
		Store:    store,
		Journal:  a.journal,
		Metrics:  a.metrics,
		Runner:   a.runner,
		Channels: channels,
		Primary:  a.primary,
		Info:     kdsrelay.DetectInfo(cfg.UpdateCurrentVersion, cfg.Package),
	})
	if err != nil {
		return nil, err
	}

	a.updater = a.buildUpdater()
	return a, nil
}

func (a *app) buildChannels() ([]dispatch.Channel, error) {
	cfg := a.cfg

	a.primary = dispatch.NewPrimaryStore(cfg.PrimaryBaseURL, dispatch.WithPrimaryHTTPClient(a.clients.Control))

	creds := auth.NewCredentialLoader(cfg.SecondaryConfigURL, a.store, auth.WithLoaderHTTPClient(a.clients.Control))
	secondary := dispatch.NewSecondaryStore(creds,
		dispatch.WithSecondaryBaseURL(cfg.SecondaryBaseURL),
		dispatch.WithSecondaryHTTPClient(a.clients.Control),
		dispatch.WithMinInterval(cfg.SecondaryMinInterval),
	)

	var tokens dispatch.TokenProvider
	if cfg.PushProjectID != "" {
		sa, err := auth.LoadServiceAccount(a.fs, cfg.PushServiceAccount)
		if err != nil {
			return nil, err
		}
		ts, err := auth.NewTokenSource(sa,
			auth.WithHTTPClient(a.clients.Control),
			auth.WithTokenURL(cfg.PushTokenURL),
			auth.WithMetrics(a.metrics),
		)
		if err != nil {
			return nil, err
		}
		tokens = ts
	}
	push := dispatch.NewPush(cfg.PushProjectID, tokens,
		dispatch.WithTopic(cfg.PushTopic),
		dispatch.WithPushHTTPClient(a.clients.Control),
	)

	return []dispatch.Channel{a.primary, secondary, push}, nil
}

func (a *app) buildUpdater() *updater.Updater {
	cfg := a.cfg
	if cfg.UpdateDescriptorURL == "" && cfg.UpdateStreamURL == "" {
		return nil
	}

	var installer updater.Installer
	if c := updater.ParseCommandInstaller(cfg.UpdateInstallCommand); c != nil {
		installer = c
	}

	return updater.New(updater.Options{
		CurrentVersion: cfg.UpdateCurrentVersion,
		DescriptorURL:  cfg.UpdateDescriptorURL,
		StreamURL:      cfg.UpdateStreamURL,
		PollInterval:   cfg.UpdatePollInterval,
		ReconnectDelay: cfg.UpdateReconnectDelay,
		MinSize:        cfg.UpdateMinSize,
		DownloadDir:    cfg.UpdateDownloadDir,
		FS:             a.fs,
		Installer:      installer,
		Reporter:       updater.ReporterFunc(a.reportUpdate),
		Journal:        a.journal,
		Metrics:        a.metrics,
		ControlClient:  a.clients.Control,
		DataClient:     a.clients.Data,
		StreamClient:   a.clients.Stream,
		OnStateChange: func(s updater.State) {
			a.journal.Debug("Update stream state", map[string]interface{}{"state": s.String()})
		},
	})
}

func (a *app) checkCABundle() {
	if a.cfg.CAPath == "" {
		return
	}
	certs, err := transport.InspectBundle(a.cfg.CAPath, time.Now())
	if err != nil {
		a.journal.Warn("CA bundle unreadable", map[string]interface{}{"path": a.cfg.CAPath, "error": err.Error()})
		return
	}
	for _, c := range transport.Expiring(certs) {
		a.journal.Warn("CA certificate expiring", map[string]interface{}{
			"subject":           c.Subject,
			"valid_until":       c.ValidUntil.Format(time.RFC3339),
			"days_until_expiry": c.DaysUntilExpiry,
		})
	}
}

// reportUpdate mirrors the log tail to the primary store. The updater has
// already journaled message.
func (a *app) reportUpdate(message string) {
	a.runner.Go("update-log", func(ctx context.Context) error {
		return a.primary.PublishLog(ctx, a.journal.Tail(kdsrelay.LogTailLines))
	})
}

func (a *app) close() {
	if a.updater != nil {
		a.updater.Stop()
	}
	if a.relay != nil {
		a.relay.Stop()
	}
	a.runner.Stop()
}

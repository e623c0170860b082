// Package updater watches for new releases and hands verified packages to an
// installer.
//
// Two paths feed the same pipeline: a long-lived event stream that reconnects
// after a fixed delay, and a descriptor poll (periodic or on demand). Both
// share one "last handled version" guard, so a version is downloaded at most
// once unless its download fails.
package updater

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/st-keller/kdsrelay/journal"
	"github.com/st-keller/kdsrelay/metrics"
	"github.com/st-keller/kdsrelay/tasks"
)

const (
	DefaultReconnectDelay = 10 * time.Second
	DefaultMinSize        = 100 * 1024
	MaxRedirects          = 5

	maxEventLine = 1 << 20
)

var (
	// ErrTooSmall rejects a download below the minimum plausible size.
	ErrTooSmall = errors.New("downloaded package too small")
	// ErrTooManyRedirects rejects a redirect chain longer than MaxRedirects.
	ErrTooManyRedirects = errors.New("too many redirects")
)

// State is the stream connection state.
type State int

const (
	Disconnected State = iota
	Connecting
	Streaming
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Streaming:
		return "streaming"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Reporter receives best-effort progress messages for remote logging.
type Reporter interface {
	Report(message string)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(message string)

func (f ReporterFunc) Report(message string) { f(message) }

// Options configure an Updater.
type Options struct {
	CurrentVersion string
	DescriptorURL  string
	StreamURL      string
	PollInterval   time.Duration // zero disables periodic polling
	ReconnectDelay time.Duration
	MinSize        int64
	DownloadDir    string

	FS        afero.Fs
	Installer Installer
	Reporter  Reporter
	Journal   *journal.Journal
	Metrics   *metrics.Metrics

	ControlClient *http.Client
	DataClient    *http.Client
	StreamClient  *http.Client

	OnStateChange func(State)
}

// Outcome describes the result of a CheckNow call.
type Outcome string

const (
	OutcomeNoUpdate       Outcome = "no-update"
	OutcomeUpToDate       Outcome = "up-to-date"
	OutcomeAlreadyHandled Outcome = "already-handled"
	OutcomeInstalled      Outcome = "installed"
)

// Result is returned by CheckNow.
type Result struct {
	Outcome    Outcome
	Descriptor *Descriptor
	Path       string
	Size       int64
}

// Updater runs the stream and poll paths.
type Updater struct {
	opts Options
	data *http.Client

	mu      sync.Mutex
	state   State
	handled string

	runner *tasks.Runner
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates an Updater. Missing options get defaults.
func New(opts Options) *Updater {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MinSize <= 0 {
		opts.MinSize = DefaultMinSize
	}
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.DownloadDir == "" {
		opts.DownloadDir = filepath.Join(afero.GetTempDir(opts.FS, ""), "kdsrelay-updates")
	}
	if opts.Installer == nil {
		opts.Installer = InstallerFunc(func(context.Context, string, Descriptor) error { return nil })
	}
	if opts.ControlClient == nil {
		opts.ControlClient = &http.Client{Timeout: 10 * time.Second}
	}
	if opts.DataClient == nil {
		opts.DataClient = &http.Client{Timeout: 60 * time.Second}
	}
	if opts.StreamClient == nil {
		opts.StreamClient = &http.Client{}
	}

	// Redirects are followed by hand so each hop can be bounded and checked.
	data := *opts.DataClient
	data.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Updater{
		opts:  opts,
		data:  &data,
		state: Disconnected,
	}
}

// State returns the stream connection state.
func (u *Updater) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *Updater) setState(s State) {
	u.mu.Lock()
	changed := u.state != s
	u.state = s
	u.mu.Unlock()

	if changed && u.opts.OnStateChange != nil {
		u.opts.OnStateChange(s)
	}
}

// Start launches the configured background paths.
func (u *Updater) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	u.mu.Lock()
	u.cancel = cancel
	u.runner = tasks.NewRunner(ctx, 1, func(name string, err error) {
		u.opts.Journal.Warn("update task failed", map[string]interface{}{"task": name, "error": err.Error()})
	})
	u.mu.Unlock()

	if u.opts.StreamURL != "" {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			u.runStream(ctx)
		}()
	}
	if u.opts.DescriptorURL != "" && u.opts.PollInterval > 0 {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			u.runPoll(ctx)
		}()
	}
}

// Stop cancels both paths and waits for them, including in-flight downloads.
// A stopped Updater cannot be restarted.
func (u *Updater) Stop() {
	u.mu.Lock()
	cancel, runner := u.cancel, u.runner
	u.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	u.wg.Wait()
	if runner != nil {
		runner.Stop()
	}
	u.setState(Disconnected)
}

// Wait blocks until in-flight stream-triggered downloads return.
func (u *Updater) Wait() {
	u.mu.Lock()
	runner := u.runner
	u.mu.Unlock()
	if runner != nil {
		runner.Wait()
	}
}

// claim reserves version for handling.
func (u *Updater) claim(version string) (Outcome, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	switch version {
	case u.opts.CurrentVersion:
		return OutcomeUpToDate, false
	case u.handled:
		return OutcomeAlreadyHandled, false
	}
	u.handled = version
	return "", true
}

// release clears the guard so version can be retried.
func (u *Updater) release(version string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.handled == version {
		u.handled = ""
	}
}

// Handled returns the last version claimed for download.
func (u *Updater) Handled() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.handled
}

// runStream keeps the event stream connected until ctx is done.
func (u *Updater) runStream(ctx context.Context) {
	b := backoff.WithContext(backoff.NewConstantBackOff(u.opts.ReconnectDelay), ctx)

	_ = backoff.RetryNotify(func() error {
		u.setState(Connecting)
		err := u.stream(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err == nil {
			err = errors.New("stream closed")
		}
		return err
	}, b, func(err error, wait time.Duration) {
		u.setState(Reconnecting)
		u.opts.Journal.Warn("update stream disconnected", map[string]interface{}{
			"error":    err.Error(),
			"retry_in": wait.String(),
		})
	})

	u.setState(Disconnected)
}

// stream reads one connection until it drops.
func (u *Updater) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.opts.StreamURL, nil)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("invalid stream url: %w", err))
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := u.opts.StreamClient.Do(req)
	if err != nil {
		return fmt.Errorf("stream connect failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("stream connect: HTTP %d", resp.StatusCode)
	}
	u.setState(Streaming)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLine)

	var eventType string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			eventType = ""
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			if eventType == "cancel" || eventType == "auth_revoked" {
				return fmt.Errorf("stream ended by server: %s", eventType)
			}
		case strings.HasPrefix(line, "data:"):
			if eventType != "put" && eventType != "patch" {
				continue
			}
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			d, err := DecodeDescriptor([]byte(payload))
			if err != nil {
				u.opts.Journal.Debug("ignoring update event", map[string]interface{}{"error": err.Error()})
				continue
			}
			if d != nil {
				u.offer(*d)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read failed: %w", err)
	}
	return nil
}

// offer claims d and downloads it in the background.
func (u *Updater) offer(d Descriptor) {
	if _, ok := u.claim(d.Version); !ok {
		return
	}
	u.mu.Lock()
	runner := u.runner
	u.mu.Unlock()

	started := runner != nil && runner.Go("update:"+d.Version, func(ctx context.Context) error {
		_, _, err := u.apply(ctx, d)
		return err
	})
	if !started {
		u.release(d.Version)
	}
}

func (u *Updater) runPoll(ctx context.Context) {
	ticker := time.NewTicker(u.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := u.CheckNow(ctx); err != nil && ctx.Err() == nil {
				u.opts.Journal.Warn("update check failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// CheckNow fetches the descriptor and, for a new version, downloads and
// installs it before returning.
func (u *Updater) CheckNow(ctx context.Context) (Result, error) {
	if u.opts.DescriptorURL == "" {
		return Result{Outcome: OutcomeNoUpdate}, nil
	}

	d, err := u.fetchDescriptor(ctx)
	if err != nil {
		return Result{}, err
	}
	if d == nil {
		return Result{Outcome: OutcomeNoUpdate}, nil
	}
	if outcome, ok := u.claim(d.Version); !ok {
		return Result{Outcome: outcome, Descriptor: d}, nil
	}

	path, size, err := u.apply(ctx, *d)
	if err != nil {
		return Result{Descriptor: d}, err
	}
	return Result{Outcome: OutcomeInstalled, Descriptor: d, Path: path, Size: size}, nil
}

func (u *Updater) fetchDescriptor(ctx context.Context) (*Descriptor, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.opts.DescriptorURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid descriptor url: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := u.opts.ControlClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("descriptor fetch failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("descriptor fetch: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxEventLine))
	if err != nil {
		return nil, fmt.Errorf("descriptor read failed: %w", err)
	}
	return DecodeDescriptor(data)
}

// apply runs download, verification and handoff for a claimed version. Any
// failure releases the guard.
func (u *Updater) apply(ctx context.Context, d Descriptor) (string, int64, error) {
	u.report(fmt.Sprintf("update %s: download started", d.Version))

	path, size, err := u.Download(ctx, d)
	if err != nil {
		u.release(d.Version)
		u.opts.Metrics.ObserveUpdate(metrics.OutcomeFailed)
		u.report(fmt.Sprintf("update %s: download failed: %v", d.Version, err))
		return "", 0, err
	}
	u.report(fmt.Sprintf("update %s: downloaded %d bytes", d.Version, size))

	if err := u.opts.Installer.Install(ctx, path, d); err != nil {
		_ = u.opts.FS.Remove(path)
		u.release(d.Version)
		u.opts.Metrics.ObserveUpdate(metrics.OutcomeFailed)
		u.report(fmt.Sprintf("update %s: install handoff failed: %v", d.Version, err))
		return "", 0, err
	}

	u.opts.Metrics.ObserveUpdate(metrics.OutcomeOK)
	u.report(fmt.Sprintf("update %s: handed off to installer", d.Version))
	return path, size, nil
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Download fetches d.URL into a new file under the download directory,
// following at most MaxRedirects redirects. The file is removed on failure.
func (u *Updater) Download(ctx context.Context, d Descriptor) (string, int64, error) {
	resp, err := u.follow(ctx, d.URL)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := u.opts.FS.MkdirAll(u.opts.DownloadDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create download dir: %w", err)
	}
	name := fmt.Sprintf("update-%s-%s.apk", unsafeName.ReplaceAllString(d.Version, "_"), uuid.NewString())
	path := filepath.Join(u.opts.DownloadDir, name)

	f, err := u.opts.FS.Create(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create %s: %w", path, err)
	}
	size, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()

	switch {
	case copyErr != nil:
		err = fmt.Errorf("download interrupted: %w", copyErr)
	case closeErr != nil:
		err = fmt.Errorf("failed to write %s: %w", path, closeErr)
	case size < u.opts.MinSize:
		err = fmt.Errorf("%w: %d bytes (minimum %d)", ErrTooSmall, size, u.opts.MinSize)
	}
	if err != nil {
		_ = u.opts.FS.Remove(path)
		return "", 0, err
	}
	return path, size, nil
}

// follow issues GETs until a non-redirect response arrives. The returned
// response has a 2xx status.
func (u *Updater) follow(ctx context.Context, rawURL string) (*http.Response, error) {
	current := rawURL
	for hops := 0; ; hops++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, fmt.Errorf("invalid download url: %w", err)
		}
		resp, err := u.data.Do(req)
		if err != nil {
			return nil, fmt.Errorf("download request failed: %w", err)
		}

		if isRedirect(resp.StatusCode) {
			loc := resp.Header.Get("Location")
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()

			if hops >= MaxRedirects {
				return nil, ErrTooManyRedirects
			}
			if loc == "" {
				return nil, fmt.Errorf("redirect %d without Location", resp.StatusCode)
			}
			next, err := resp.Request.URL.Parse(loc)
			if err != nil {
				return nil, fmt.Errorf("invalid redirect location %q: %w", loc, err)
			}
			current = next.String()
			continue
		}

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			_ = resp.Body.Close()
			return nil, fmt.Errorf("download: HTTP %d", resp.StatusCode)
		}
		return resp, nil
	}
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func (u *Updater) report(message string) {
	u.opts.Journal.Info(message, map[string]interface{}{"source": "updater"})
	if u.opts.Reporter != nil {
		u.opts.Reporter.Report(message)
	}
}

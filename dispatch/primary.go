package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Primary store document paths.
const (
	StatusPath  = "/kds_status.json"
	LogPath     = "/kds_log.json"
	HistoryPath = "/kds_history.json"
	DumpPath    = "/kds_dump.json"
)

type statusDocument struct {
	Count     int    `json:"count"`
	Time      string `json:"time"`
	Source    string `json:"source"`
	Orders    []int  `json:"orders"`
	Completed int    `json:"completed"`
}

// DumpDocument is the on-demand UI dump.
type DumpDocument struct {
	ID       string          `json:"id"`
	Time     string          `json:"time"`
	Package  string          `json:"package"`
	Strategy string          `json:"strategy"`
	Tree     string          `json:"tree"`
	Health   []ChannelStatus `json:"health,omitempty"`
	Relay    interface{}     `json:"relay,omitempty"`
}

// PrimaryStore overwrites documents in a Realtime Database over REST. Every
// publish replaces the status document unconditionally.
type PrimaryStore struct {
	baseURL    string
	httpClient *http.Client
}

// PrimaryOption configures a PrimaryStore.
type PrimaryOption func(*PrimaryStore)

// WithPrimaryHTTPClient sets the HTTP client.
func WithPrimaryHTTPClient(client *http.Client) PrimaryOption {
	return func(p *PrimaryStore) {
		p.httpClient = client
	}
}

// NewPrimaryStore creates a store rooted at baseURL.
func NewPrimaryStore(baseURL string, opts ...PrimaryOption) *PrimaryStore {
	p := &PrimaryStore{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *PrimaryStore) Name() string     { return "primary" }
func (p *PrimaryStore) Endpoint() string { return p.baseURL }

// Publish writes the status document, then the log mirror and history.
// Mirror failures are reported together with the status outcome.
func (p *PrimaryStore) Publish(ctx context.Context, snap Snapshot) error {
	if p.baseURL == "" {
		return ErrDisabled
	}

	status := statusDocument{
		Count:     snap.Count,
		Time:      snap.Time,
		Source:    "kds",
		Orders:    snap.OrderIDs,
		Completed: snap.completed(),
	}
	if err := p.put(ctx, StatusPath, status); err != nil {
		return err
	}

	var errs []error
	if text := snap.LogText(); text != "" {
		errs = append(errs, p.put(ctx, LogPath, text))
	}
	if snap.History != nil {
		errs = append(errs, p.put(ctx, HistoryPath, snap.History))
	}
	return errors.Join(errs...)
}

// PublishDump writes a UI dump document.
func (p *PrimaryStore) PublishDump(ctx context.Context, dump DumpDocument) error {
	if p.baseURL == "" {
		return ErrDisabled
	}
	return p.put(ctx, DumpPath, dump)
}

// PublishLog mirrors free-form log text, for components outside the pipeline.
func (p *PrimaryStore) PublishLog(ctx context.Context, lines []string) error {
	if p.baseURL == "" {
		return ErrDisabled
	}
	return p.put(ctx, LogPath, strings.Join(lines, "\n"))
}

func (p *PrimaryStore) put(ctx context.Context, path string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("PUT %s failed: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("PUT %s: HTTP %d: %s", path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

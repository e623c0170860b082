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
	"sync"
	"time"

	"github.com/st-keller/kdsrelay/auth"
)

const (
	DefaultGitHubAPI       = "https://api.github.com"
	DefaultSecondaryMinGap = 10 * time.Second

	gistStatusFile = "kds_status.json"
	gistLogFile    = "kds_log.txt"
)

// CredentialProvider resolves secondary-store credentials.
type CredentialProvider interface {
	Credentials(ctx context.Context) (auth.Credentials, error)
}

// SecondaryStore patches two files of a GitHub Gist.
//
// An unchanged count is not republished within minInterval of the channel's
// last successful publish.
type SecondaryStore struct {
	creds       CredentialProvider
	baseURL     string
	httpClient  *http.Client
	minInterval time.Duration
	now         func() time.Time

	mu          sync.Mutex
	lastCount   int
	lastPublish time.Time
}

// SecondaryOption configures a SecondaryStore.
type SecondaryOption func(*SecondaryStore)

// WithSecondaryBaseURL overrides the API base URL.
func WithSecondaryBaseURL(u string) SecondaryOption {
	return func(s *SecondaryStore) {
		s.baseURL = strings.TrimRight(u, "/")
	}
}

// WithSecondaryHTTPClient sets the HTTP client.
func WithSecondaryHTTPClient(client *http.Client) SecondaryOption {
	return func(s *SecondaryStore) {
		s.httpClient = client
	}
}

// WithMinInterval sets the unchanged-count gate.
func WithMinInterval(d time.Duration) SecondaryOption {
	return func(s *SecondaryStore) {
		s.minInterval = d
	}
}

// NewSecondaryStore creates the channel.
func NewSecondaryStore(creds CredentialProvider, opts ...SecondaryOption) *SecondaryStore {
	s := &SecondaryStore{
		creds:       creds,
		baseURL:     DefaultGitHubAPI,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		minInterval: DefaultSecondaryMinGap,
		now:         time.Now,
		lastCount:   -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *SecondaryStore) Name() string     { return "secondary" }
func (s *SecondaryStore) Endpoint() string { return s.baseURL }

func (s *SecondaryStore) gated(count int, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return count == s.lastCount && !s.lastPublish.IsZero() && now.Sub(s.lastPublish) < s.minInterval
}

func (s *SecondaryStore) Publish(ctx context.Context, snap Snapshot) error {
	now := s.now()
	if s.gated(snap.Count, now) {
		return ErrSkipped
	}

	if s.creds == nil {
		return ErrDisabled
	}
	creds, err := s.creds.Credentials(ctx)
	if err != nil {
		if errors.Is(err, auth.ErrNoCredentials) {
			return fmt.Errorf("%w: %v", ErrDisabled, err)
		}
		return err
	}

	status, err := json.Marshal(statusDocument{
		Count:     snap.Count,
		Time:      snap.Time,
		Source:    "kds",
		Orders:    snap.OrderIDs,
		Completed: snap.completed(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}

	files := map[string]interface{}{
		gistStatusFile: map[string]string{"content": string(status)},
	}
	if text := snap.LogText(); text != "" {
		files[gistLogFile] = map[string]string{"content": text}
	}
	body, err := json.Marshal(map[string]interface{}{"files": files})
	if err != nil {
		return fmt.Errorf("failed to marshal gist patch: %w", err)
	}

	url := fmt.Sprintf("%s/gists/%s", s.baseURL, creds.GistID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gist patch failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gist patch: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	s.mu.Lock()
	s.lastCount = snap.Count
	s.lastPublish = now
	s.mu.Unlock()
	return nil
}

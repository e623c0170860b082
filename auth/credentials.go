package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/st-keller/kdsrelay/settings"
)

// ErrNoCredentials means the secondary store has no usable credentials for
// the lifetime of this process.
var ErrNoCredentials = errors.New("secondary store credentials unavailable")

// Credentials address the secondary store document.
type Credentials struct {
	GistID string `json:"gist_id"`
	Token  string `json:"github_token"`
}

// Complete reports whether both fields are set.
func (c Credentials) Complete() bool {
	return strings.TrimSpace(c.GistID) != "" && strings.TrimSpace(c.Token) != ""
}

// CredentialLoader resolves secondary-store credentials. Values in the
// settings store win; otherwise the remote config document is fetched once,
// lazily. A malformed or incomplete document disables the loader for good,
// while transport failures are retried on the next call.
type CredentialLoader struct {
	configURL  string
	store      settings.Store
	httpClient *http.Client

	mu       sync.Mutex
	creds    *Credentials
	disabled bool
}

// LoaderOption configures a CredentialLoader.
type LoaderOption func(*CredentialLoader)

// WithLoaderHTTPClient sets the client used to fetch the config document.
func WithLoaderHTTPClient(client *http.Client) LoaderOption {
	return func(l *CredentialLoader) {
		l.httpClient = client
	}
}

// NewCredentialLoader creates a loader. Either source may be empty.
func NewCredentialLoader(configURL string, store settings.Store, opts ...LoaderOption) *CredentialLoader {
	l := &CredentialLoader{
		configURL:  configURL,
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Credentials returns the resolved credentials or ErrNoCredentials.
func (l *CredentialLoader) Credentials(ctx context.Context) (Credentials, error) {
	if c, ok := l.fromSettings(); ok {
		return c, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.creds != nil {
		return *l.creds, nil
	}
	if l.disabled {
		return Credentials{}, ErrNoCredentials
	}
	if l.configURL == "" {
		l.disabled = true
		return Credentials{}, ErrNoCredentials
	}

	c, err := l.fetch(ctx)
	if err != nil {
		if errors.Is(err, ErrNoCredentials) {
			l.disabled = true
		}
		return Credentials{}, err
	}
	l.creds = &c
	return c, nil
}

func (l *CredentialLoader) fromSettings() (Credentials, bool) {
	if l.store == nil {
		return Credentials{}, false
	}
	token, _ := l.store.Get(settings.KeyGitHubToken)
	gistID, _ := l.store.Get(settings.KeyGistID)
	c := Credentials{GistID: gistID, Token: token}
	return c, c.Complete()
}

func (l *CredentialLoader) fetch(ctx context.Context) (Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.configURL, nil)
	if err != nil {
		return Credentials{}, fmt.Errorf("%w: invalid config url: %v", ErrNoCredentials, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to fetch credentials config: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Credentials{}, fmt.Errorf("credentials config: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return Credentials{}, fmt.Errorf("failed to read credentials config: %w", err)
	}

	var c Credentials
	if err := json.Unmarshal(data, &c); err != nil {
		return Credentials{}, fmt.Errorf("%w: malformed config: %v", ErrNoCredentials, err)
	}
	if !c.Complete() {
		return Credentials{}, fmt.Errorf("%w: incomplete config", ErrNoCredentials)
	}
	return c, nil
}

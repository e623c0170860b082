// Package auth manages the credentials used by the remote publish channels.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/afero"

	"github.com/st-keller/kdsrelay/metrics"
)

const (
	DefaultTokenURL = "https://oauth2.googleapis.com/token"
	MessagingScope  = "https://www.googleapis.com/auth/firebase.messaging"

	grantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	assertionLifetime  = time.Hour
	defaultExpiresIn   = 3600
	expiryMargin       = 10 * time.Minute
)

// ErrUnauthorized is returned by a channel when the bearer token was rejected.
var ErrUnauthorized = errors.New("unauthorized")

// ServiceAccount is the subset of a Google service-account key file the
// token exchange needs.
type ServiceAccount struct {
	ProjectID    string `json:"project_id"`
	ClientEmail  string `json:"client_email"`
	PrivateKeyID string `json:"private_key_id"`
	PrivateKey   string `json:"private_key"`
	TokenURI     string `json:"token_uri"`
}

// ParseServiceAccount decodes a service-account key document.
func ParseServiceAccount(data []byte) (*ServiceAccount, error) {
	var sa ServiceAccount
	if err := json.Unmarshal(data, &sa); err != nil {
		return nil, fmt.Errorf("failed to parse service account: %w", err)
	}
	if sa.ClientEmail == "" {
		return nil, fmt.Errorf("service account: client_email required")
	}
	if sa.PrivateKey == "" {
		return nil, fmt.Errorf("service account: private_key required")
	}
	return &sa, nil
}

// LoadServiceAccount reads and decodes a service-account key file.
func LoadServiceAccount(fs afero.Fs, path string) (*ServiceAccount, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read service account: %w", err)
	}
	return ParseServiceAccount(data)
}

// TokenSource exchanges signed assertions for short-lived bearer tokens and
// caches them until shortly before they expire.
type TokenSource struct {
	email    string
	keyID    string
	key      *rsa.PrivateKey
	scope    string
	tokenURL string

	httpClient *http.Client
	metrics    *metrics.Metrics
	now        func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// TokenOption configures a TokenSource.
type TokenOption func(*TokenSource)

// WithHTTPClient sets the client used for the token exchange.
func WithHTTPClient(client *http.Client) TokenOption {
	return func(t *TokenSource) {
		t.httpClient = client
	}
}

// WithTokenURL overrides the token endpoint, which is also the assertion audience.
func WithTokenURL(u string) TokenOption {
	return func(t *TokenSource) {
		t.tokenURL = u
	}
}

// WithScope overrides the requested scope.
func WithScope(scope string) TokenOption {
	return func(t *TokenSource) {
		t.scope = scope
	}
}

// WithMetrics records token exchanges.
func WithMetrics(m *metrics.Metrics) TokenOption {
	return func(t *TokenSource) {
		t.metrics = m
	}
}

// NewTokenSource creates a TokenSource for sa.
func NewTokenSource(sa *ServiceAccount, opts ...TokenOption) (*TokenSource, error) {
	if sa == nil {
		return nil, fmt.Errorf("service account required")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(sa.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	t := &TokenSource{
		email:      sa.ClientEmail,
		keyID:      sa.PrivateKeyID,
		key:        key,
		scope:      MessagingScope,
		tokenURL:   DefaultTokenURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	if sa.TokenURI != "" {
		t.tokenURL = sa.TokenURI
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Token returns a cached token while it is valid, otherwise performs a new
// exchange. Concurrent callers share one exchange.
func (t *TokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.token != "" && now.Before(t.expiresAt) {
		return t.token, nil
	}

	token, expiresIn, err := t.exchange(ctx, now)
	if err != nil {
		t.metrics.ObserveTokenExchange(metrics.OutcomeFailed)
		return "", err
	}
	t.metrics.ObserveTokenExchange(metrics.OutcomeOK)

	lifetime := time.Duration(expiresIn)*time.Second - expiryMargin
	if lifetime < 0 {
		lifetime = 0
	}
	t.token = token
	t.expiresAt = now.Add(lifetime)
	return token, nil
}

// Invalidate drops the cached token.
func (t *TokenSource) Invalidate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = ""
	t.expiresAt = time.Time{}
}

// Assertion signs the RS256 grant assertion for now.
func (t *TokenSource) Assertion(now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"iss":   t.email,
		"scope": t.scope,
		"aud":   t.tokenURL,
		"iat":   now.Unix(),
		"exp":   now.Add(assertionLifetime).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if t.keyID != "" {
		token.Header["kid"] = t.keyID
	}
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return signed, nil
}

func (t *TokenSource) exchange(ctx context.Context, now time.Time) (string, int, error) {
	assertion, err := t.Assertion(now)
	if err != nil {
		return "", 0, err
	}

	form := url.Values{}
	form.Set("grant_type", grantTypeJWTBearer)
	form.Set("assertion", assertion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token exchange failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", 0, fmt.Errorf("token exchange: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", 0, fmt.Errorf("failed to decode token response: %w", err)
	}
	if result.AccessToken == "" {
		return "", 0, fmt.Errorf("token response without access_token")
	}
	if result.ExpiresIn <= 0 {
		result.ExpiresIn = defaultExpiresIn
	}
	return result.AccessToken, result.ExpiresIn, nil
}

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/st-keller/kdsrelay/auth"
)

const (
	DefaultFCMBaseURL = "https://fcm.googleapis.com"
	DefaultTopic      = "kds_push"
)

// TokenProvider supplies bearer tokens for the push channel.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Push sends FCM data messages to a topic. It is gated purely on value: a
// count equal to the last one sent is never sent again.
type Push struct {
	projectID  string
	topic      string
	baseURL    string
	tokens     TokenProvider
	httpClient *http.Client

	mu       sync.Mutex
	lastSent int
}

// PushOption configures a Push channel.
type PushOption func(*Push)

// WithPushBaseURL overrides the FCM base URL.
func WithPushBaseURL(u string) PushOption {
	return func(p *Push) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithTopic sets the destination topic.
func WithTopic(topic string) PushOption {
	return func(p *Push) {
		p.topic = topic
	}
}

// WithPushHTTPClient sets the HTTP client.
func WithPushHTTPClient(client *http.Client) PushOption {
	return func(p *Push) {
		p.httpClient = client
	}
}

// NewPush creates the push channel for projectID.
func NewPush(projectID string, tokens TokenProvider, opts ...PushOption) *Push {
	p := &Push{
		projectID:  projectID,
		topic:      DefaultTopic,
		baseURL:    DefaultFCMBaseURL,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		lastSent:   -1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Push) Name() string     { return "push" }
func (p *Push) Endpoint() string { return p.baseURL }

// reserve claims count as sent and returns the value it replaced.
func (p *Push) reserve(count int) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if count == p.lastSent {
		return 0, false
	}
	prev := p.lastSent
	p.lastSent = count
	return prev, true
}

// release undoes a reservation that failed to deliver.
func (p *Push) release(count, prev int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastSent == count {
		p.lastSent = prev
	}
}

func (p *Push) Publish(ctx context.Context, snap Snapshot) error {
	if p.projectID == "" || p.tokens == nil {
		return ErrDisabled
	}

	prev, ok := p.reserve(snap.Count)
	if !ok {
		return ErrSkipped
	}

	if err := p.send(ctx, snap); err != nil {
		p.release(snap.Count, prev)
		return err
	}
	return nil
}

func (p *Push) send(ctx context.Context, snap Snapshot) error {
	token, err := p.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to obtain push token: %w", err)
	}

	data := map[string]string{
		"count":     strconv.Itoa(snap.Count),
		"completed": strconv.Itoa(snap.completed()),
		"time":      snap.Time,
		"source":    "fcm",
	}
	body, err := json.Marshal(map[string]interface{}{
		"message": map[string]interface{}{
			"topic":   p.topic,
			"data":    data,
			"android": map[string]string{"priority": "high"},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/v1/projects/%s/messages:send", p.baseURL, p.projectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push send failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusUnauthorized {
		p.tokens.Invalidate()
		return fmt.Errorf("push send: %w", auth.ErrUnauthorized)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("push send: HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

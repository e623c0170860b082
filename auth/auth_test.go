package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/st-keller/kdsrelay/settings"
)

func testAccount(t *testing.T) (*ServiceAccount, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	return &ServiceAccount{
		ProjectID:    "kds-test",
		ClientEmail:  "relay@kds-test.iam.gserviceaccount.com",
		PrivateKeyID: "key-1",
		PrivateKey:   string(block),
	}, key
}

// tokenServer verifies the assertion and hands out numbered tokens.
func tokenServer(t *testing.T, key *rsa.PrivateKey, calls *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(calls, 1)

		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "urn:ietf:params:oauth:grant-type:jwt-bearer", r.PostForm.Get("grant_type"))

		assertion := r.PostForm.Get("assertion")
		parsed, err := jwt.Parse(assertion, func(tok *jwt.Token) (interface{}, error) {
			return &key.PublicKey, nil
		}, jwt.WithValidMethods([]string{"RS256"}))
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		claims := parsed.Claims.(jwt.MapClaims)
		assert.Equal(t, "relay@kds-test.iam.gserviceaccount.com", claims["iss"])
		assert.Equal(t, MessagingScope, claims["scope"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": fmt.Sprintf("tok-%d", n),
			"expires_in":   3600,
			"token_type":   "Bearer",
		})
	}))
}

func TestAssertionShape(t *testing.T) {
	sa, key := testAccount(t)
	ts, err := NewTokenSource(sa, WithTokenURL("https://token.example/token"))
	require.NoError(t, err)

	now := time.Unix(1_700_000_000, 0)
	signed, err := ts.Assertion(now)
	require.NoError(t, err)

	parts := strings.Split(signed, ".")
	require.Len(t, parts, 3)
	for _, p := range parts {
		assert.NotContains(t, p, "=")
	}

	parsed, err := jwt.Parse(signed, func(*jwt.Token) (interface{}, error) { return &key.PublicKey, nil },
		jwt.WithTimeFunc(func() time.Time { return now }))
	require.NoError(t, err)
	assert.Equal(t, "key-1", parsed.Header["kid"])

	claims := parsed.Claims.(jwt.MapClaims)
	assert.Equal(t, "https://token.example/token", claims["aud"])
	assert.Equal(t, float64(now.Unix()), claims["iat"])
	assert.Equal(t, float64(now.Add(time.Hour).Unix()), claims["exp"])
}

func TestTokenIsCachedUntilMargin(t *testing.T) {
	sa, key := testAccount(t)
	var calls int32
	srv := tokenServer(t, key, &calls)
	defer srv.Close()

	ts, err := NewTokenSource(sa, WithTokenURL(srv.URL))
	require.NoError(t, err)

	clock := time.Now()
	ts.now = func() time.Time { return clock }

	tok, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	clock = clock.Add(49 * time.Minute)
	tok, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	clock = clock.Add(2 * time.Minute)
	tok, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)
}

func TestInvalidateForcesExchange(t *testing.T) {
	sa, key := testAccount(t)
	var calls int32
	srv := tokenServer(t, key, &calls)
	defer srv.Close()

	ts, err := NewTokenSource(sa, WithTokenURL(srv.URL))
	require.NoError(t, err)

	_, err = ts.Token(context.Background())
	require.NoError(t, err)
	ts.Invalidate()
	tok, err := ts.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "tok-2", tok)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestExchangeFailureIsNotCached(t *testing.T) {
	sa, _ := testAccount(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	ts, err := NewTokenSource(sa, WithTokenURL(srv.URL))
	require.NoError(t, err)

	_, err = ts.Token(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 400")
}

func TestLoadServiceAccount(t *testing.T) {
	sa, _ := testAccount(t)
	fs := afero.NewMemMapFs()
	data, err := json.Marshal(sa)
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/etc/kds/sa.json", data, 0o600))

	loaded, err := LoadServiceAccount(fs, "/etc/kds/sa.json")
	require.NoError(t, err)
	assert.Equal(t, sa.ClientEmail, loaded.ClientEmail)

	_, err = ParseServiceAccount([]byte(`{"client_email":"x"}`))
	assert.Error(t, err)
}

func TestCredentialsFromRemoteConfigAreFetchedOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_, _ = w.Write([]byte(`{"gist_id":"abc123","github_token":"ghp_x"}`))
	}))
	defer srv.Close()

	l := NewCredentialLoader(srv.URL, nil)
	for i := 0; i < 3; i++ {
		c, err := l.Credentials(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "abc123", c.GistID)
	}
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestIncompleteConfigDisablesLoader(t *testing.T) {
	for name, body := range map[string]string{
		"malformed":  `{"gist_id":`,
		"incomplete": `{"gist_id":"abc"}`,
		"null":       `null`,
	} {
		t.Run(name, func(t *testing.T) {
			var calls int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				atomic.AddInt32(&calls, 1)
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			l := NewCredentialLoader(srv.URL, nil)
			_, err := l.Credentials(context.Background())
			assert.ErrorIs(t, err, ErrNoCredentials)
			_, err = l.Credentials(context.Background())
			assert.ErrorIs(t, err, ErrNoCredentials)
			assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
		})
	}
}

func TestTransientConfigFailureIsRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"gist_id":"abc","github_token":"t"}`))
	}))
	defer srv.Close()

	l := NewCredentialLoader(srv.URL, nil)
	_, err := l.Credentials(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNoCredentials)

	c, err := l.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", c.GistID)
}

func TestSettingsCredentialsWin(t *testing.T) {
	store := settings.NewMemoryStore()
	require.NoError(t, store.Set(settings.KeyGitHubToken, "local-token"))
	require.NoError(t, store.Set(settings.KeyGistID, "local-gist"))

	l := NewCredentialLoader("", store)
	c, err := l.Credentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Credentials{GistID: "local-gist", Token: "local-token"}, c)
}

func TestNoSourcesMeansDisabled(t *testing.T) {
	l := NewCredentialLoader("", settings.NewMemoryStore())
	_, err := l.Credentials(context.Background())
	assert.ErrorIs(t, err, ErrNoCredentials)
}

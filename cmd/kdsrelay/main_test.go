package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/st-keller/kdsrelay"
	"github.com/st-keller/kdsrelay/dispatch"
)

const snapshotJSON = `{
  "package": "com.foodtechkorea.mate_kds",
  "captured_at": "2026-05-01T12:00:00Z",
  "root": {"class": "ViewGroup", "children": [{"text": "조리중 4"}, {"text": "완료 2"}]}
}`

type primaryRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (p *primaryRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = io.Copy(io.Discard, r.Body)
	p.mu.Lock()
	p.paths = append(p.paths, r.URL.Path)
	p.mu.Unlock()
	_, _ = w.Write([]byte(`{}`))
}

func (p *primaryRecorder) seen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.paths...)
}

func testAppConfig(t *testing.T, primaryURL string) kdsrelay.Config {
	dir := t.TempDir()
	snapshot := filepath.Join(dir, "snapshot.json")
	require.NoError(t, os.WriteFile(snapshot, []byte(snapshotJSON), 0o600))

	return kdsrelay.Config{
		Package:              kdsrelay.DefaultPackage,
		SnapshotPath:         snapshot,
		SettingsPath:         filepath.Join(dir, "settings.json"),
		LogPath:              filepath.Join(dir, "kds_log.txt"),
		HeartbeatInterval:    time.Hour,
		TimeZone:             "UTC",
		PrimaryBaseURL:       primaryURL,
		SecondaryBaseURL:     "http://127.0.0.1:1",
		SecondaryMinInterval: 10 * time.Second,
		PushTopic:            "kds_push",
		DispatchConcurrency:  2,
	}
}

func TestAppPublishesAndServesStatus(t *testing.T) {
	rec := &primaryRecorder{}
	primary := httptest.NewServer(rec)
	defer primary.Close()

	a, err := buildApp(context.Background(), testAppConfig(t, primary.URL))
	require.NoError(t, err)
	defer a.close()
	assert.Nil(t, a.updater)

	require.NoError(t, a.relay.Start())
	_, err = a.relay.RunPass(context.Background())
	require.NoError(t, err)
	a.runner.Wait()

	assert.Contains(t, rec.seen(), "/kds_status.json")

	w := httptest.NewRecorder()
	a.handleStatus(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, float64(4), doc["count"])
	assert.Equal(t, float64(2), doc["completed"])
	assert.Equal(t, kdsrelay.DefaultPackage, doc["package"])

	channels, ok := doc["channels"].([]interface{})
	require.True(t, ok)
	assert.Len(t, channels, 1) // secondary and push are disabled, so only primary has calls

	// The settings file now carries the persisted count.
	data, err := os.ReadFile(a.cfg.SettingsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"last_count": "4"`)
}

func TestMetricsEndpoint(t *testing.T) {
	primary := httptest.NewServer(&primaryRecorder{})
	defer primary.Close()

	a, err := buildApp(context.Background(), testAppConfig(t, primary.URL))
	require.NoError(t, err)
	defer a.close()

	_, err = a.relay.RunPass(context.Background())
	require.NoError(t, err)
	a.runner.Wait()

	live := a.serve("127.0.0.1:0")
	defer shutdown(live)
	srv := httptest.NewServer(live.Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "kdsrelay_extraction_passes_total")
	assert.Contains(t, string(body), `kdsrelay_in_progress_count 4`)
}

func TestUpdaterWiredWhenConfigured(t *testing.T) {
	primary := httptest.NewServer(&primaryRecorder{})
	defer primary.Close()

	cfg := testAppConfig(t, primary.URL)
	cfg.UpdateDescriptorURL = primary.URL + "/update.json"
	cfg.UpdateCurrentVersion = "1.0"

	a, err := buildApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.close()
	require.NotNil(t, a.updater)

	// The recorder answers {} which is not a descriptor.
	res, err := a.updater.CheckNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "no-update", string(res.Outcome))
}

func TestUpdateReportsAreJournaledOnce(t *testing.T) {
	rec := &primaryRecorder{}
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("/update.json", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"version": "2.0", "url": "` + srv.URL + `/missing.apk"}`))
	})
	mux.HandleFunc("/missing.apk", http.NotFound)
	mux.Handle("/", rec)

	cfg := testAppConfig(t, srv.URL)
	cfg.UpdateDescriptorURL = srv.URL + "/update.json"
	cfg.UpdateCurrentVersion = "1.0"
	cfg.UpdateDownloadDir = t.TempDir()

	a, err := buildApp(context.Background(), cfg)
	require.NoError(t, err)
	defer a.close()
	require.NotNil(t, a.updater)

	_, err = a.updater.CheckNow(context.Background())
	require.Error(t, err)
	a.runner.Wait()

	var started, failed int
	for _, e := range a.journal.Entries() {
		switch {
		case strings.Contains(e.Message, "download started"):
			started++
		case strings.Contains(e.Message, "download failed"):
			failed++
		}
	}
	assert.Equal(t, 1, started)
	assert.Equal(t, 1, failed)
	assert.Contains(t, rec.seen(), dispatch.LogPath)
}

func TestTail(t *testing.T) {
	assert.Equal(t, []string{"b", "c"}, tail("a\nb\nc\n", 2))
	assert.Equal(t, []string{"a"}, tail("a", 5))
	assert.True(t, strings.HasPrefix(tail("x\ny", 1)[0], "y"))
}

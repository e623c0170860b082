package journal

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/st-keller/kdsrelay/settings"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestRingKeepsMostRecent(t *testing.T) {
	j := New(Options{MaxEntries: 3, Quiet: true})
	for i := 0; i < 5; i++ {
		j.Info(fmt.Sprintf("msg %d", i), nil)
	}

	entries := j.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "msg 2", entries[0].Message)
	assert.Equal(t, "msg 4", entries[2].Message)
}

func TestFormatAndSettingsMirror(t *testing.T) {
	store := settings.NewMemoryStore()
	j := New(Options{Mirror: store, Location: time.UTC, Quiet: true})
	j.now = fixedClock(time.Date(2026, 1, 2, 9, 8, 7, 0, time.UTC))

	j.Info("count changed", map[string]interface{}{"to": 3, "from": 2})
	j.Warn("push failed", map[string]interface{}{"status": 500})

	got, ok := store.Get(settings.KeyLog)
	require.True(t, ok)
	assert.Equal(t, "[09:08:07] count changed from=2 to=3\n[09:08:07] WARN push failed status=500", got)
}

func TestFileMirrorAppendsAndTails(t *testing.T) {
	fs := afero.NewMemMapFs()
	j := New(Options{FS: fs, Path: "/logs/kds.log", Location: time.UTC, Quiet: true})

	for i := 0; i < 5; i++ {
		j.Info(fmt.Sprintf("line %d", i), nil)
	}

	tail := j.Tail(2)
	require.Len(t, tail, 2)
	assert.True(t, strings.HasSuffix(tail[0], "line 3"))
	assert.True(t, strings.HasSuffix(tail[1], "line 4"))
}

func TestFileMirrorTrimsToRecentHalf(t *testing.T) {
	fs := afero.NewMemMapFs()
	j := New(Options{FS: fs, Path: "/kds.log", MaxFileSize: 200, Location: time.UTC, Quiet: true})

	for i := 0; i < 40; i++ {
		j.Info(fmt.Sprintf("entry-%02d", i), nil)
	}

	data, err := afero.ReadFile(fs, "/kds.log")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(data), 200+40, "file stays near the ceiling")
	assert.Contains(t, string(data), "entry-39")
	assert.NotContains(t, string(data), "entry-00")

	// Trimming starts on a line boundary.
	assert.True(t, strings.HasPrefix(string(data), "["), "first line is whole: %q", string(data))
}

func TestTailFallsBackToRing(t *testing.T) {
	j := New(Options{Location: time.UTC, Quiet: true})
	j.Info("only in memory", nil)
	tail := j.Tail(100)
	require.Len(t, tail, 1)
	assert.Contains(t, tail[0], "only in memory")
}

func TestFileErrorsAreSwallowed(t *testing.T) {
	j := New(Options{FS: afero.NewReadOnlyFs(afero.NewMemMapFs()), Path: "/kds.log", Quiet: true})
	assert.NotPanics(t, func() { j.Error("cannot persist", nil) })
	assert.Len(t, j.Entries(), 1)
}

func TestGetDataStats(t *testing.T) {
	j := Discard()
	j.Error("e", nil)
	j.Warn("w", nil)
	j.Info("i", nil)

	data := j.GetData().(map[string]interface{})
	stats := data["stats"].(map[string]interface{})
	assert.Equal(t, 3, stats["total_count"])
	assert.Equal(t, 1, stats["errors_count"])
	assert.Equal(t, 1, stats["warnings_count"])
}

func TestNilJournalIsSafe(t *testing.T) {
	var j *Journal
	assert.NotPanics(t, func() { j.Info("x", nil) })
}

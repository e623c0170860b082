// Package journal is the relay's single logging entry point.
//
// Every entry goes to a bounded in-memory ring, the process log, the settings
// mirror, and a size-bounded append-only file. Only the journal truncates.
package journal

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"

	"github.com/st-keller/kdsrelay/settings"
)

// Level represents the severity of a log entry.
type Level string

const (
	LevelError Level = "ERROR"
	LevelWarn  Level = "WARN"
	LevelInfo  Level = "INFO"
	LevelDebug Level = "DEBUG"
)

const (
	DefaultMaxEntries  = 50
	DefaultMaxFileSize = 500_000
)

// Entry represents a single log entry.
type Entry struct {
	Timestamp time.Time              `json:"timestamp"`
	Level     Level                  `json:"level"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context,omitempty"`
}

// Options configures a Journal. Zero values select defaults; an empty Path
// disables the file mirror and a nil Mirror disables the settings mirror.
type Options struct {
	MaxEntries  int
	FS          afero.Fs
	Path        string
	MaxFileSize int64
	Mirror      settings.Store
	Location    *time.Location
	Quiet       bool // no process-log echo
}

// Journal tracks recent log messages.
type Journal struct {
	mu         sync.Mutex
	entries    []Entry
	maxEntries int

	fs          afero.Fs
	path        string
	maxFileSize int64
	mirror      settings.Store
	loc         *time.Location
	quiet       bool

	now func() time.Time
}

// New creates a Journal.
func New(opts Options) *Journal {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Journal{
		entries:     make([]Entry, 0, opts.MaxEntries),
		maxEntries:  opts.MaxEntries,
		fs:          opts.FS,
		path:        opts.Path,
		maxFileSize: opts.MaxFileSize,
		mirror:      opts.Mirror,
		loc:         opts.Location,
		quiet:       opts.Quiet,
		now:         time.Now,
	}
}

// Discard returns a journal that only keeps the in-memory ring.
func Discard() *Journal {
	return New(Options{Quiet: true})
}

// Log adds a log entry with optional context.
func (j *Journal) Log(level Level, message string, context map[string]interface{}) {
	if j == nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := Entry{
		Timestamp: j.now(),
		Level:     level,
		Message:   message,
		Context:   context,
	}

	j.entries = append(j.entries, entry)
	if len(j.entries) > j.maxEntries {
		j.entries = j.entries[len(j.entries)-j.maxEntries:]
	}

	line := j.format(entry)
	if !j.quiet {
		log.Print(line)
	}

	if j.mirror != nil {
		_ = j.mirror.Set(settings.KeyLog, j.joinedLocked())
	}
	j.appendFileLocked(line)
}

func (j *Journal) Error(message string, context map[string]interface{}) {
	j.Log(LevelError, message, context)
}

func (j *Journal) Warn(message string, context map[string]interface{}) {
	j.Log(LevelWarn, message, context)
}

func (j *Journal) Info(message string, context map[string]interface{}) {
	j.Log(LevelInfo, message, context)
}

func (j *Journal) Debug(message string, context map[string]interface{}) {
	j.Log(LevelDebug, message, context)
}

// Entries returns a copy of the ring, oldest first.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Tail returns the last n lines of the file mirror, or of the ring when the
// file is unavailable.
func (j *Journal) Tail(n int) []string {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.path != "" {
		if data, err := afero.ReadFile(j.fs, j.path); err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
			if len(lines) > n {
				lines = lines[len(lines)-n:]
			}
			return lines
		}
	}

	lines := make([]string, 0, len(j.entries))
	for _, e := range j.entries {
		lines = append(lines, j.format(e))
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// GetData returns the ring plus per-level counts, for UI dumps and status output.
func (j *Journal) GetData() interface{} {
	j.mu.Lock()
	defer j.mu.Unlock()

	var errorCount, warnCount, infoCount, debugCount int
	for _, entry := range j.entries {
		switch entry.Level {
		case LevelError:
			errorCount++
		case LevelWarn:
			warnCount++
		case LevelInfo:
			infoCount++
		case LevelDebug:
			debugCount++
		}
	}

	entries := make([]Entry, len(j.entries))
	copy(entries, j.entries)

	return map[string]interface{}{
		"entries": entries,
		"stats": map[string]interface{}{
			"total_count":    len(j.entries),
			"errors_count":   errorCount,
			"warnings_count": warnCount,
			"info_count":     infoCount,
			"debug_count":    debugCount,
			"max_entries":    j.maxEntries,
		},
	}
}

// format renders "[15:04:05] WARN message k=v".
func (j *Journal) format(e Entry) string {
	var sb strings.Builder
	sb.WriteString("[" + e.Timestamp.In(j.loc).Format("15:04:05") + "] ")
	if e.Level == LevelWarn || e.Level == LevelError {
		sb.WriteString(string(e.Level) + " ")
	}
	sb.WriteString(e.Message)

	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, e.Context[k])
	}
	return sb.String()
}

func (j *Journal) joinedLocked() string {
	lines := make([]string, len(j.entries))
	for i, e := range j.entries {
		lines[i] = j.format(e)
	}
	return strings.Join(lines, "\n")
}

// appendFileLocked writes line to the file mirror. Failures are swallowed:
// logging must never break the pipeline it serves.
func (j *Journal) appendFileLocked(line string) {
	if j.path == "" {
		return
	}

	if info, err := j.fs.Stat(j.path); err == nil && info.Size() > j.maxFileSize {
		j.trimFileLocked()
	}

	f, err := j.fs.OpenFile(j.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	_, _ = f.WriteString(line + "\n")
	_ = f.Close()
}

// trimFileLocked keeps the most recent half of the file, from a line boundary.
func (j *Journal) trimFileLocked() {
	data, err := afero.ReadFile(j.fs, j.path)
	if err != nil {
		return
	}
	keep := j.maxFileSize / 2
	if int64(len(data)) <= keep {
		return
	}
	tail := data[int64(len(data))-keep:]
	if i := bytes.IndexByte(tail, '\n'); i >= 0 {
		tail = tail[i+1:]
	}
	_ = afero.WriteFile(j.fs, j.path, tail, 0o644)
}

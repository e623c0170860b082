package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
)

// Snapshot is the on-disk form written by the capture agent.
type Snapshot struct {
	Package    string    `json:"package"`
	CapturedAt time.Time `json:"captured_at"`
	Root       *Element  `json:"root"`
}

// FileSource reads the most recent snapshot file for one package.
type FileSource struct {
	fs      afero.Fs
	path    string
	pkgFunc func() string
}

// NewFileSource creates a source reading path. pkg returns the target package
// on every call so settings changes apply without a restart.
func NewFileSource(fs afero.Fs, path string, pkg func() string) *FileSource {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileSource{fs: fs, path: path, pkgFunc: pkg}
}

// Path returns the snapshot path being read.
func (s *FileSource) Path() string {
	return s.path
}

// Root returns the decoded tree, or ErrUnavailable if nothing usable is on disk.
func (s *FileSource) Root(ctx context.Context) (Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrUnavailable
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if len(data) == 0 {
		return nil, ErrUnavailable
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: malformed snapshot: %v", ErrUnavailable, err)
	}
	if snap.Root == nil {
		return nil, ErrUnavailable
	}
	if want := s.target(); want != "" && snap.Package != want {
		return nil, fmt.Errorf("%w: snapshot is for %q, want %q", ErrUnavailable, snap.Package, want)
	}

	return snap.Root.Link(), nil
}

func (s *FileSource) target() string {
	if s.pkgFunc == nil {
		return ""
	}
	return s.pkgFunc()
}

// Package runctx owns the per-run temporary directory: receiver log and
// anything else that must never land in the scratch or data directories.
package runctx

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// RunCtx is one run directory under the system temp dir.
type RunCtx struct {
	Dir  string
	keep bool
}

// New creates the directory. keep preserves it on Close regardless of outcome.
func New(prefix string, keep bool) (*RunCtx, error) {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	return &RunCtx{Dir: dir, keep: keep}, nil
}

// Close removes the directory after a successful run. After a failed run,
// or when keep was requested, the directory stays for inspection and
// kept is true.
func (r *RunCtx) Close(runErr error) (kept bool, err error) {
	if r.keep || runErr != nil {
		slog.Info("run directory kept", "dir", r.Dir, "failed", runErr != nil)
		return true, nil
	}
	return false, os.RemoveAll(r.Dir)
}

// Path joins run dir with subpath.
func (r *RunCtx) Path(elem ...string) string {
	return filepath.Join(append([]string{r.Dir}, elem...)...)
}

// Create opens a fresh file inside the run dir, readable by the owner only.
func (r *RunCtx) Create(name string) (*os.File, error) {
	return os.OpenFile(r.Path(name), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
}

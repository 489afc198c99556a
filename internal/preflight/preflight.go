// Package preflight runs the ordered precondition battery that must pass
// before anything is launched or written.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"

	"github.com/vbp1/pgstandby/internal/postgres"
	"github.com/vbp1/pgstandby/internal/ssh"
	"github.com/vbp1/pgstandby/internal/util/fs"
)

// Error names the violated precondition.
type Error struct {
	Check string
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("precondition %q failed: %v", e.Check, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Check is one named precondition.
type Check struct {
	Name string
	Run  func(ctx context.Context) error
}

// Run executes checks in order and stops at the first failure, which is
// returned as *Error. Each outcome is printed as one line to out.
func Run(ctx context.Context, out io.Writer, checks []Check) error {
	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			return err
		}
		slog.Debug("preflight check", "name", c.Name)
		if err := c.Run(ctx); err != nil {
			fmt.Fprintf(out, "check %-12s FAILED: %v\n", c.Name, err)
			return &Error{Check: c.Name, Err: err}
		}
		fmt.Fprintf(out, "check %-12s ok\n", c.Name)
	}
	return nil
}

// Remote runs a command on the source host.
type Remote interface {
	Run(ctx context.Context, cmd string, stdout, stderr io.Writer) error
}

// EmptyDir creates path when absent and requires it to be empty.
func EmptyDir(fsys afero.Fs, path string) error {
	return fs.EnsureEmptyDir(fsys, path, 0o700)
}

// FileExists requires path to be an existing regular file.
func FileExists(fsys afero.Fs, path string) error {
	if path == "" {
		return errors.New("no file configured")
	}
	info, err := fsys.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	return nil
}

// RemoteShell runs a no-op command on the source host.
func RemoteShell(ctx context.Context, r Remote) error {
	var stderr strings.Builder
	if err := r.Run(ctx, "true", io.Discard, &stderr); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return fmt.Errorf("remote shell: %w: %s", err, msg)
		}
		return fmt.Errorf("remote shell: %w", err)
	}
	return nil
}

// NoTablespaces fails when the source has any tablespace besides pg_default
// and pg_global; a tar stream on stdout carries only the main data directory.
func NoTablespaces(ctx context.Context, q postgres.Queryer) error {
	ts, err := postgres.ListTablespaces(ctx, q)
	if err != nil {
		return err
	}
	if len(ts) == 0 {
		return nil
	}
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = fmt.Sprintf("%s (%s)", t.Name, t.Location)
	}
	return fmt.Errorf("source has %d non-default tablespace(s): %s", len(ts), strings.Join(names, ", "))
}

// ReplicationReady checks wal_level and max_wal_senders and returns the
// settings read.
func ReplicationReady(ctx context.Context, q postgres.Queryer) (postgres.Settings, error) {
	s, err := postgres.ReplicationSettings(ctx, q)
	if err != nil {
		return s, err
	}
	if s.WALLevel == "minimal" || s.WALLevel == "" {
		return s, fmt.Errorf("wal_level is %q, streaming replication needs replica or logical", s.WALLevel)
	}
	if s.MaxWALSenders <= 0 {
		return s, fmt.Errorf("max_wal_senders is %d", s.MaxWALSenders)
	}
	return s, nil
}

// Compressor requires the compressor binary locally (when local is set) and on
// the source host.
func Compressor(ctx context.Context, lookPath func(string) (string, error), r Remote, name string, local bool) error {
	if local {
		if _, err := lookPath(name); err != nil {
			return fmt.Errorf("%s not found in local PATH: %w", name, err)
		}
	}
	if r == nil {
		return nil
	}
	if err := r.Run(ctx, "command -v "+ssh.Quote(name), io.Discard, io.Discard); err != nil {
		return fmt.Errorf("%s not found on source host: %w", name, err)
	}
	return nil
}

// Space requires free bytes on path to cover the total database size of the source.
func Space(ctx context.Context, q postgres.Queryer, free func(string) (uint64, error), path string) error {
	need, err := postgres.TotalDatabaseSize(ctx, q)
	if err != nil {
		return err
	}
	have, err := free(path)
	if err != nil {
		return err
	}
	if need > 0 && have < uint64(need) {
		return fmt.Errorf("%s has %s free, source databases take %s", path, humanize.IBytes(have), humanize.IBytes(uint64(need)))
	}
	return nil
}

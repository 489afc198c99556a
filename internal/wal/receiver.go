package wal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/vbp1/pgstandby/internal/process"
)

// DefaultStopGrace bounds how long Stop waits for pg_receivewal to exit after SIGTERM.
const DefaultStopGrace = 30 * time.Second

// ErrAlreadyExited is returned by Stop when the receiver had terminated on its own.
var ErrAlreadyExited = errors.New("pg_receivewal already exited")

// ErrStillRunning is returned by Stop when the grace period ran out.
var ErrStillRunning = errors.New("pg_receivewal still running after SIGTERM")

// Receiver wraps pg_receivewal process lifecycle.
type Receiver struct {
	Host    string
	Port    int
	User    string
	Dir     string // scratch directory for WAL segments
	Slot    string // optional; empty = no slot
	BinDir  string // empty = resolve through PATH
	Verbose bool

	AppName string    // optional application_name (sets PGAPPNAME)
	Log     io.Writer // receives pg_receivewal stdout/stderr; nil = discard
	Grace   time.Duration

	cmd     *exec.Cmd
	exited  chan struct{}
	waitErr error
	mu      sync.Mutex
	stopped bool
}

// Args returns the pg_receivewal command line (without the binary).
func (r *Receiver) Args() []string {
	args := []string{
		"--host", r.Host,
		"--port", fmt.Sprintf("%d", r.Port),
		"--username", r.User,
		"--no-password",
		"--directory", r.Dir,
	}
	if r.Slot != "" {
		args = append(args, "--slot", r.Slot)
	}
	if r.Verbose {
		args = append(args, "--verbose")
	}
	return args
}

// Start launches pg_receivewal in background. The process is deliberately not
// bound to ctx: it lives until Stop.
func (r *Receiver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd != nil {
		return fmt.Errorf("pg_receivewal already started")
	}
	if r.Dir == "" {
		return fmt.Errorf("dir not specified")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	bin, err := exec.LookPath(process.Bin(r.BinDir, "pg_receivewal"))
	if err != nil {
		return err
	}

	cmd := exec.Command(bin, r.Args()...)
	if r.AppName != "" {
		// inherit current env and add PGAPPNAME
		cmd.Env = append(os.Environ(), "PGAPPNAME="+r.AppName)
	}
	cmd.Stdout = r.Log
	cmd.Stderr = r.Log

	if err := cmd.Start(); err != nil {
		return err
	}
	slog.Debug("pg_receivewal started", "pid", cmd.Process.Pid, "args", cmd.Args)

	r.cmd = cmd
	r.exited = make(chan struct{})
	go func() {
		err := cmd.Wait()
		r.mu.Lock()
		r.waitErr = err
		stopped := r.stopped
		r.mu.Unlock()
		if err != nil && !stopped {
			slog.Warn("pg_receivewal exited", "err", err)
		}
		close(r.exited)
	}()

	return nil
}

// Running reports whether the process is still alive.
func (r *Receiver) Running() bool {
	r.mu.Lock()
	ch := r.exited
	r.mu.Unlock()
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return false
	default:
		return true
	}
}

// PID of the running process, 0 before Start.
func (r *Receiver) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cmd == nil || r.cmd.Process == nil {
		return 0
	}
	return r.cmd.Process.Pid
}

// Stop sends a single SIGTERM and waits for the process to exit. Only the first
// call acts; later calls return nil. A receiver that already exited yields
// ErrAlreadyExited, which callers treat as informational.
func (r *Receiver) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	cmd, exited := r.cmd, r.exited
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(unix.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("signal pid %d: %w", cmd.Process.Pid, ErrAlreadyExited)
		}
		return fmt.Errorf("signal pid %d: %w", cmd.Process.Pid, err)
	}

	grace := r.Grace
	if grace <= 0 {
		grace = DefaultStopGrace
	}
	select {
	case <-exited:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("pid %d, waited %s: %w", cmd.Process.Pid, grace, ErrStillRunning)
	}
}

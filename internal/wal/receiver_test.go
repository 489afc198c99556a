package wal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeReceiver writes an executable pg_receivewal into a temp bin dir.
func fakeReceiver(t *testing.T, script string) string {
	t.Helper()
	bin := t.TempDir()
	path := filepath.Join(bin, "pg_receivewal")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return bin
}

func TestReceiverStartStop(t *testing.T) {
	bin := fakeReceiver(t, `trap 'exit 0' TERM; while true; do sleep 0.05; done`)
	r := &Receiver{Host: "db1", Port: 5432, User: "repl", Dir: t.TempDir(), BinDir: bin, Grace: 5 * time.Second}

	require.NoError(t, r.Start(context.Background()))
	require.True(t, r.Running())
	require.NotZero(t, r.PID())

	require.NoError(t, r.Stop())
	require.False(t, r.Running())
	// second stop is a no-op
	require.NoError(t, r.Stop())
}

func TestReceiverStopAfterExit(t *testing.T) {
	bin := fakeReceiver(t, `exit 1`)
	r := &Receiver{Host: "db1", Port: 5432, User: "repl", Dir: t.TempDir(), BinDir: bin}

	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return !r.Running() }, 5*time.Second, 10*time.Millisecond)

	err := r.Stop()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrAlreadyExited))
}

func TestReceiverStopGraceExpires(t *testing.T) {
	bin := fakeReceiver(t, `trap '' TERM; while true; do sleep 0.05; done`)
	r := &Receiver{Host: "db1", Port: 5432, User: "repl", Dir: t.TempDir(), BinDir: bin, Grace: 100 * time.Millisecond}
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() {
		_ = r.cmd.Process.Kill()
		require.Eventually(t, func() bool { return !r.Running() }, 5*time.Second, 10*time.Millisecond)
	})

	err := r.Stop()
	require.ErrorIs(t, err, ErrStillRunning)
	require.True(t, r.Running())
}

func TestReceiverDoubleStart(t *testing.T) {
	bin := fakeReceiver(t, `trap 'exit 0' TERM; while true; do sleep 0.05; done`)
	r := &Receiver{Host: "db1", Port: 5432, User: "repl", Dir: t.TempDir(), BinDir: bin}
	require.NoError(t, r.Start(context.Background()))
	defer func() { _ = r.Stop() }()
	require.Error(t, r.Start(context.Background()))
}

func TestReceiverArgs(t *testing.T) {
	r := &Receiver{Host: "db1", Port: 5433, User: "repl", Dir: "/scratch", Slot: "standby1", Verbose: true}
	require.Equal(t, []string{
		"--host", "db1", "--port", "5433", "--username", "repl", "--no-password",
		"--directory", "/scratch", "--slot", "standby1", "--verbose",
	}, r.Args())
}

func TestReceiverMissingBinary(t *testing.T) {
	r := &Receiver{Host: "db1", Port: 5432, User: "repl", Dir: t.TempDir(), BinDir: t.TempDir()}
	require.Error(t, r.Start(context.Background()))
}

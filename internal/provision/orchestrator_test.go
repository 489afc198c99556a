package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/vbp1/pgstandby/internal/basebackup"
	"github.com/vbp1/pgstandby/internal/postgres"
	"github.com/vbp1/pgstandby/internal/preflight"
	"github.com/vbp1/pgstandby/internal/progress"
	"github.com/vbp1/pgstandby/internal/wal"
)

type fakeShell struct {
	cmds   []string
	closed bool
}

func (f *fakeShell) Run(_ context.Context, cmd string, _, _ io.Writer) error {
	f.cmds = append(f.cmds, cmd)
	return nil
}

func (f *fakeShell) Close() error { f.closed = true; return nil }

type fakeReceiver struct {
	fs      afero.Fs
	dir     string
	files   []string // written into scratch on Start; nil = one segment and one .partial
	started bool
	stops   int
	stopErr error
}

func (r *fakeReceiver) Start(context.Context) error {
	r.started = true
	files := r.files
	if files == nil {
		files = []string{"000000010000000000000002", "000000010000000000000003.partial"}
	}
	for _, name := range files {
		if err := afero.WriteFile(r.fs, filepath.Join(r.dir, name), []byte("wal"), 0o600); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeReceiver) Stop() error { r.stops++; return r.stopErr }

func (r *fakeReceiver) PID() int { return 4242 }

type fakeServer struct {
	up    bool
	calls int
}

func (s *fakeServer) StartAndCheck(context.Context, time.Duration) (bool, error) {
	s.calls++
	return s.up, nil
}

type harness struct {
	cfg      Config
	fs       afero.Fs
	mock     pgxmock.PgxPoolIface
	shell    *fakeShell
	recv     *fakeReceiver
	srv      *fakeServer
	dialed   bool
	backupFn func(ctx context.Context, o basebackup.Options) (basebackup.Stats, error)
	lookPath func(string) (string, error)
	out      bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	base := t.TempDir()
	// run dirs of failed runs are kept; keep them inside the test
	t.Setenv("TMPDIR", t.TempDir())
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	cfg := Defaults()
	cfg.SourceHost = "primary"
	cfg.SourceUser = "replicator"
	cfg.SSHUser = "postgres"
	cfg.TargetPGData = filepath.Join(base, "data")
	cfg.ScratchWALDir = filepath.Join(base, "scratch")
	cfg.CheckSpace = false
	cfg.Progress = progress.ModeNone

	h := &harness{cfg: cfg, fs: afero.NewMemMapFs(), mock: mock, shell: &fakeShell{}, srv: &fakeServer{up: true}}
	h.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	h.backupFn = func(_ context.Context, o basebackup.Options) (basebackup.Stats, error) {
		require.NoError(t, afero.WriteFile(h.fs, filepath.Join(o.TargetDir, "PG_VERSION"), []byte("16\n"), 0o600))
		auto := "# Do not edit this file manually!\nprimary_conninfo = 'user=replicator passfile=''/x'''\n"
		require.NoError(t, afero.WriteFile(h.fs, filepath.Join(o.TargetDir, "postgresql.auto.conf"), []byte(auto), 0o600))
		return basebackup.Stats{CompressedBytes: 100, UnpackedBytes: 400, Duration: time.Second}, nil
	}
	return h
}

func (h *harness) expectCatalog(tablespaces ...string) {
	rows := pgxmock.NewRows([]string{"oid", "spcname", "location"})
	for i, name := range tablespaces {
		rows.AddRow(uint32(16384+i), name, "/spc/"+name)
	}
	h.mock.ExpectQuery("FROM pg_tablespace").WillReturnRows(rows)
	if len(tablespaces) > 0 {
		return
	}
	h.mock.ExpectQuery("current_setting").
		WillReturnRows(pgxmock.NewRows([]string{"wal_level", "max_wal_senders", "server_version_num"}).AddRow("replica", 10, 160002))
}

func (h *harness) orchestrator() *Orchestrator {
	deps := Deps{
		FS: h.fs,
		DialShell: func(context.Context, *Config) (Shell, error) {
			h.dialed = true
			return h.shell, nil
		},
		ConnectDB: func(context.Context, *Config) (Source, error) { return h.mock, nil },
		LookPath:  h.lookPath,
		FreeBytes: func(string) (uint64, error) { return 1 << 40, nil },
		NewReceiver: func(cfg *Config, _ string, _ io.Writer) WALReceiver {
			if h.recv == nil {
				h.recv = &fakeReceiver{fs: h.fs, dir: cfg.ScratchWALDir}
			}
			return h.recv
		},
		WaitStreaming: func(context.Context, postgres.Queryer, string) error { return nil },
		BaseBackup: func(ctx context.Context, _ basebackup.Remote, o basebackup.Options) (basebackup.Stats, error) {
			return h.backupFn(ctx, o)
		},
		NewServer: func(*Config) Starter { return h.srv },
	}
	return New(&h.cfg, deps, &h.out)
}

func requirePreflight(t *testing.T, err error, check string) {
	t.Helper()
	var pe *preflight.Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, check, pe.Check)
}

func TestRunProvisionsReplica(t *testing.T) {
	h := newHarness(t)
	h.expectCatalog()

	require.NoError(t, h.orchestrator().Run(context.Background()))

	empty, err := afero.IsEmpty(h.fs, h.cfg.ScratchWALDir)
	require.NoError(t, err)
	require.True(t, empty, "scratch dir must be empty after merge")

	walFiles, err := afero.ReadDir(h.fs, h.cfg.WALDir())
	require.NoError(t, err)
	require.Len(t, walFiles, 1)
	require.Equal(t, "000000010000000000000002", walFiles[0].Name())

	auto, err := afero.ReadFile(h.fs, filepath.Join(h.cfg.TargetPGData, "postgresql.auto.conf"))
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(string(auto), "primary_conninfo"))
	require.Contains(t, string(auto), "primary_conninfo = 'host=primary port=5432 user=replicator sslmode=prefer sslcompression=1'")

	require.Equal(t, 1, h.recv.stops)
	require.True(t, h.shell.closed)
	require.Equal(t, []string{"true", "command -v 'pigz'"}, h.shell.cmds)
	require.Zero(t, h.srv.calls)
	require.Contains(t, h.out.String(), "replica ready")
	require.NoError(t, h.mock.ExpectationsWereMet())
}

func TestRunNonEmptyScratchAbortsBeforeAnything(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, afero.WriteFile(h.fs, filepath.Join(h.cfg.ScratchWALDir, "leftover"), []byte("x"), 0o600))

	err := h.orchestrator().Run(context.Background())
	requirePreflight(t, err, "scratch-dir")
	require.False(t, h.dialed)
	require.Nil(t, h.recv)
}

func TestRunNonEmptyTargetAbortsBeforeAnything(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, afero.WriteFile(h.fs, filepath.Join(h.cfg.TargetPGData, "PG_VERSION"), []byte("16"), 0o600))

	err := h.orchestrator().Run(context.Background())
	requirePreflight(t, err, "target-dir")
	require.False(t, h.dialed)
	require.Nil(t, h.recv)
}

func TestRunMissingExternalConfig(t *testing.T) {
	h := newHarness(t)
	h.cfg.ConfigsExternal = true
	h.cfg.ExternalConfigFile = "/etc/postgresql/16/main/postgresql.conf"

	err := h.orchestrator().Run(context.Background())
	requirePreflight(t, err, "config-file")
	require.False(t, h.dialed)
}

func TestRunTablespacesAbort(t *testing.T) {
	h := newHarness(t)
	h.expectCatalog("fast", "archive")

	err := h.orchestrator().Run(context.Background())
	requirePreflight(t, err, "tablespaces")
	require.Nil(t, h.recv)
}

func TestRunCompressorMissingAbortsBeforeReceiver(t *testing.T) {
	h := newHarness(t)
	h.expectCatalog()
	h.lookPath = func(string) (string, error) { return "", errors.New("executable file not found in $PATH") }

	err := h.orchestrator().Run(context.Background())
	requirePreflight(t, err, "compressor")
	require.Nil(t, h.recv)
}

func TestRunReceiverAlreadyExitedIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.expectCatalog()
	h.recv = &fakeReceiver{fs: h.fs, dir: h.cfg.ScratchWALDir, stopErr: fmt.Errorf("signal pid 4242: %w", wal.ErrAlreadyExited)}

	require.NoError(t, h.orchestrator().Run(context.Background()))
	require.Equal(t, 1, h.recv.stops)
	require.Contains(t, h.out.String(), "already exited")
}

func TestRunBackupFailureStopsReceiver(t *testing.T) {
	h := newHarness(t)
	h.expectCatalog()
	h.backupFn = func(context.Context, basebackup.Options) (basebackup.Stats, error) {
		return basebackup.Stats{}, &basebackup.StageError{Stage: basebackup.StageBaseBackup, Code: 1, Err: errors.New("exit status 1")}
	}

	err := h.orchestrator().Run(context.Background())
	require.Error(t, err)
	require.Len(t, basebackup.FailedStages(err), 1)
	require.Equal(t, 1, h.recv.stops)
	require.Contains(t, h.out.String(), "stage pg_basebackup failed")

	merged, _ := afero.DirExists(h.fs, h.cfg.WALDir())
	require.False(t, merged, "nothing merged after a failed backup")
}

func TestRunStartServerNotRunningIsWarning(t *testing.T) {
	h := newHarness(t)
	h.expectCatalog()
	h.cfg.StartServer = true
	h.srv.up = false

	require.NoError(t, h.orchestrator().Run(context.Background()))
	require.Equal(t, 1, h.srv.calls)
	require.Contains(t, h.out.String(), "startup.log")
}

func TestRunRecoveryConfForOldServers(t *testing.T) {
	h := newHarness(t)
	h.mock.ExpectQuery("FROM pg_tablespace").WillReturnRows(pgxmock.NewRows([]string{"oid", "spcname", "location"}))
	h.mock.ExpectQuery("current_setting").
		WillReturnRows(pgxmock.NewRows([]string{"wal_level", "max_wal_senders", "server_version_num"}).AddRow("replica", 10, 110012))

	require.NoError(t, h.orchestrator().Run(context.Background()))
	data, err := afero.ReadFile(h.fs, filepath.Join(h.cfg.TargetPGData, "recovery.conf"))
	require.NoError(t, err)
	require.Contains(t, string(data), "primary_conninfo = 'host=primary")
}

func TestRunOnlyPartialSegmentIsWarning(t *testing.T) {
	h := newHarness(t)
	h.expectCatalog()
	h.recv = &fakeReceiver{fs: h.fs, dir: h.cfg.ScratchWALDir, files: []string{"000000010000000000000003.partial"}}

	require.NoError(t, h.orchestrator().Run(context.Background()))
	require.Contains(t, h.out.String(), "warning: no completed WAL segment")

	empty, err := afero.IsEmpty(h.fs, h.cfg.ScratchWALDir)
	require.NoError(t, err)
	require.True(t, empty)
	walFiles, err := afero.ReadDir(h.fs, h.cfg.WALDir())
	require.NoError(t, err)
	require.Empty(t, walFiles)
}

func TestRunReceiverStillRunningWarnsBeforeMerge(t *testing.T) {
	h := newHarness(t)
	h.expectCatalog()
	h.recv = &fakeReceiver{fs: h.fs, dir: h.cfg.ScratchWALDir, stopErr: fmt.Errorf("pid 4242, waited 30s: %w", wal.ErrStillRunning)}

	require.NoError(t, h.orchestrator().Run(context.Background()))
	require.Equal(t, 1, h.recv.stops)
	out := h.out.String()
	require.Contains(t, out, "warning: merging WAL while pg_receivewal may still write to "+h.cfg.ScratchWALDir)
	require.Less(t, strings.Index(out, "may still write"), strings.Index(out, "merge-wal"))
}

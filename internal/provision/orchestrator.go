// Package provision turns an empty directory into a streaming replica of a
// running PostgreSQL server.
package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/vbp1/pgstandby/internal/basebackup"
	"github.com/vbp1/pgstandby/internal/debug"
	"github.com/vbp1/pgstandby/internal/lock"
	"github.com/vbp1/pgstandby/internal/metrics"
	"github.com/vbp1/pgstandby/internal/postgres"
	"github.com/vbp1/pgstandby/internal/preflight"
	"github.com/vbp1/pgstandby/internal/progress"
	"github.com/vbp1/pgstandby/internal/recovery"
	"github.com/vbp1/pgstandby/internal/runctx"
	"github.com/vbp1/pgstandby/internal/server"
	"github.com/vbp1/pgstandby/internal/ssh"
	"github.com/vbp1/pgstandby/internal/util/disk"
	"github.com/vbp1/pgstandby/internal/wal"
)

// StreamingTimeout bounds the wait for pg_receivewal to show up in pg_stat_replication.
const StreamingTimeout = 60 * time.Second

// Shell runs commands on the source host.
type Shell interface {
	Run(ctx context.Context, cmd string, stdout, stderr io.Writer) error
	Close() error
}

// Source is the catalog connection to the source server.
type Source interface {
	postgres.Queryer
	Close()
}

// WALReceiver streams segments into the scratch directory in the background.
type WALReceiver interface {
	Start(ctx context.Context) error
	Stop() error
	PID() int
}

// Starter brings the new replica up.
type Starter interface {
	StartAndCheck(ctx context.Context, delay time.Duration) (bool, error)
}

// Deps are the collaborators of the orchestrator. DefaultDeps wires the real ones.
type Deps struct {
	FS            afero.Fs
	DialShell     func(ctx context.Context, cfg *Config) (Shell, error)
	ConnectDB     func(ctx context.Context, cfg *Config) (Source, error)
	LookPath      func(file string) (string, error)
	FreeBytes     func(path string) (uint64, error)
	NewReceiver   func(cfg *Config, appName string, log io.Writer) WALReceiver
	WaitStreaming func(ctx context.Context, q postgres.Queryer, appName string) error
	BaseBackup    func(ctx context.Context, remote basebackup.Remote, o basebackup.Options) (basebackup.Stats, error)
	NewServer     func(cfg *Config) Starter
}

// DefaultDeps returns production dependencies.
func DefaultDeps() Deps {
	return Deps{
		FS: afero.NewOsFs(),
		DialShell: func(ctx context.Context, cfg *Config) (Shell, error) {
			c, err := ssh.Dial(ctx, ssh.Config{
				User:       cfg.SSHUser,
				Host:       cfg.SSHTarget(),
				KeyPath:    cfg.SSHKey,
				KnownHosts: cfg.SSHKnownHosts,
				Insecure:   cfg.InsecureSSH,
			})
			if err != nil {
				return nil, err
			}
			return c, nil
		},
		ConnectDB: func(ctx context.Context, cfg *Config) (Source, error) {
			pool, err := postgres.Connect(ctx, postgres.DSN(cfg.SourceHost, cfg.SourcePort, cfg.SourceUser, cfg.SourceDBName), 2)
			if err != nil {
				return nil, err
			}
			return pool, nil
		},
		LookPath:  exec.LookPath,
		FreeBytes: disk.FreeBytes,
		NewReceiver: func(cfg *Config, appName string, log io.Writer) WALReceiver {
			return &wal.Receiver{
				Host:    cfg.SourceHost,
				Port:    cfg.SourcePort,
				User:    cfg.SourceUser,
				Dir:     cfg.ScratchWALDir,
				Slot:    cfg.ReplicationSlot,
				BinDir:  cfg.TargetBinDir,
				Verbose: cfg.Verbose,
				AppName: appName,
				Log:     log,
			}
		},
		WaitStreaming: func(ctx context.Context, q postgres.Queryer, appName string) error {
			return postgres.WaitReplicationStarted(ctx, q, appName, StreamingTimeout, time.Second)
		},
		BaseBackup: basebackup.Run,
		NewServer: func(cfg *Config) Starter {
			c := server.Controller{
				BinDir:  cfg.TargetBinDir,
				DataDir: cfg.TargetPGData,
				LogFile: cfg.ServerLogFile(),
			}
			if cfg.ConfigsExternal {
				c.ConfigFile = cfg.ExternalConfigFile
			}
			return c
		},
	}
}

// Orchestrator keeps state across provisioning steps.
type Orchestrator struct {
	cfg  *Config
	deps Deps
	out  io.Writer

	run      *runctx.RunCtx
	shell    Shell
	db       Source
	settings postgres.Settings

	appName string
	recv    WALReceiver
	recvLog *os.File

	metrics *metrics.Run
}

type step struct {
	name string
	fn   func(ctx context.Context) error
}

// New prepares an orchestrator; out receives the human-readable step log.
func New(cfg *Config, deps Deps, out io.Writer) *Orchestrator {
	if out == nil {
		out = io.Discard
	}
	return &Orchestrator{cfg: cfg, deps: deps, out: out, metrics: metrics.New(cfg.TargetPGData)}
}

// Run provisions a replica with the production dependencies.
func Run(ctx context.Context, cfg *Config, out io.Writer) error {
	return New(cfg, DefaultDeps(), out).Run(ctx)
}

// Run executes all steps in order and returns the first fatal error. Whatever
// happens, the receiver is stopped before Run returns.
func (o *Orchestrator) Run(ctx context.Context) (err error) {
	lk := lock.New(o.cfg.ScratchWALDir)
	if err := lk.Acquire(); err != nil {
		return err
	}
	defer func() { _ = lk.Release() }()

	o.run, err = runctx.New("pgstandby_run_", o.cfg.KeepRunTmp)
	if err != nil {
		return err
	}
	slog.Info("provisioning replica", "source", fmt.Sprintf("%s:%d", o.cfg.SourceHost, o.cfg.SourcePort),
		"target", o.cfg.TargetPGData, "run_dir", o.run.Dir)

	started := time.Now()
	defer func() {
		o.Close()
		o.closeRunDir(err)
		o.writeMetrics(err)
	}()

	steps := []step{
		{"preflight", o.stepPreflight},
		{"start-receiver", o.stepStartReceiver},
		{"basebackup", o.stepBaseBackup},
		{"stop-receiver", o.stepStopReceiver},
		{"merge-wal", o.stepMergeWAL},
		{"final-checks", o.stepFinalChecks},
		{"primary-conninfo", o.stepRecovery},
	}
	if o.cfg.StartServer {
		steps = append(steps, step{"start-server", o.stepStartServer})
	}

	for i, s := range steps {
		fmt.Fprintf(o.out, "[%d/%d] %s\n", i+1, len(steps), s.name)
		t0 := time.Now()
		serr := s.fn(ctx)
		o.metrics.ObserveStep(s.name, time.Since(t0), serr)
		if serr != nil {
			fmt.Fprintf(o.out, "ERROR in %s: %v\n", s.name, serr)
			slog.Error("step failed", "step", s.name, "err", serr)
			return fmt.Errorf("%s: %w", s.name, serr)
		}
		debug.StopIf(s.name)
	}

	fmt.Fprintf(o.out, "replica ready in %s (%s)\n", o.cfg.TargetPGData, time.Since(started).Round(time.Second))
	return nil
}

// Close stops the receiver and releases connections; safe to call multiple times.
func (o *Orchestrator) Close() {
	_ = o.stopReceiver()
	if o.recvLog != nil {
		_ = o.recvLog.Close()
		o.recvLog = nil
	}
	if o.db != nil {
		o.db.Close()
		o.db = nil
	}
	if o.shell != nil {
		_ = o.shell.Close()
		o.shell = nil
	}
}

// closeRunDir keeps the run directory (receiver log) after a failure.
func (o *Orchestrator) closeRunDir(runErr error) {
	if o.run == nil {
		return
	}
	kept, err := o.run.Close(runErr)
	if err != nil {
		slog.Warn("remove run dir", "dir", o.run.Dir, "err", err)
	}
	if kept && runErr != nil {
		fmt.Fprintf(o.out, "run files kept in %s\n", o.run.Dir)
	}
	o.run = nil
}

func (o *Orchestrator) writeMetrics(runErr error) {
	o.metrics.Finish(runErr, time.Now())
	if o.cfg.MetricsFile == "" {
		return
	}
	if err := o.metrics.WriteFile(o.cfg.MetricsFile); err != nil {
		slog.Warn("metrics not written", "file", o.cfg.MetricsFile, "err", err)
	}
}

// stepPreflight runs the precondition battery. Directory creation is the only
// side effect; the remote shell and catalog connection are opened lazily and
// kept for the later steps.
func (o *Orchestrator) stepPreflight(ctx context.Context) error {
	cfg, fsys := o.cfg, o.deps.FS

	checks := []preflight.Check{
		{Name: "scratch-dir", Run: func(context.Context) error {
			return preflight.EmptyDir(fsys, cfg.ScratchWALDir)
		}},
		{Name: "target-dir", Run: func(context.Context) error {
			return preflight.EmptyDir(fsys, cfg.TargetPGData)
		}},
	}
	if cfg.ConfigsExternal {
		checks = append(checks, preflight.Check{Name: "config-file", Run: func(context.Context) error {
			return preflight.FileExists(fsys, cfg.ExternalConfigFile)
		}})
	}
	checks = append(checks,
		preflight.Check{Name: "remote-shell", Run: func(ctx context.Context) error {
			sh, err := o.deps.DialShell(ctx, cfg)
			if err != nil {
				return fmt.Errorf("ssh %s@%s: %w", cfg.SSHUser, cfg.SSHTarget(), err)
			}
			o.shell = sh
			return preflight.RemoteShell(ctx, sh)
		}},
		preflight.Check{Name: "tablespaces", Run: func(ctx context.Context) error {
			db, err := o.deps.ConnectDB(ctx, cfg)
			if err != nil {
				return fmt.Errorf("connect to %s:%d: %w", cfg.SourceHost, cfg.SourcePort, err)
			}
			o.db = db
			return preflight.NoTablespaces(ctx, db)
		}},
		preflight.Check{Name: "replication", Run: func(ctx context.Context) error {
			s, err := preflight.ReplicationReady(ctx, o.db)
			o.settings = s
			return err
		}},
		preflight.Check{Name: "compressor", Run: func(ctx context.Context) error {
			return preflight.Compressor(ctx, o.deps.LookPath, o.shell, cfg.Compressor, cfg.Decompress == basebackup.DecompressExternal)
		}},
	)
	if cfg.CheckSpace {
		checks = append(checks, preflight.Check{Name: "disk-space", Run: func(ctx context.Context) error {
			return preflight.Space(ctx, o.db, o.deps.FreeBytes, cfg.TargetPGData)
		}})
	}
	return preflight.Run(ctx, o.out, checks)
}

// stepStartReceiver launches pg_receivewal and waits until the source reports it streaming.
func (o *Orchestrator) stepStartReceiver(ctx context.Context) error {
	logf, err := o.run.Create("pg_receivewal.log")
	if err != nil {
		return fmt.Errorf("create receiver log: %w", err)
	}
	o.recvLog = logf

	o.appName = fmt.Sprintf("pgstandby_%d", os.Getpid())
	o.recv = o.deps.NewReceiver(o.cfg, o.appName, logf)
	if err := o.recv.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(o.out, "pg_receivewal started (pid %d), log %s\n", o.recv.PID(), logf.Name())

	if err := o.deps.WaitStreaming(ctx, o.db, o.appName); err != nil {
		return err
	}
	slog.Info("receiver streaming", "application_name", o.appName)
	return nil
}

// stepBaseBackup streams the base backup into the target directory.
func (o *Orchestrator) stepBaseBackup(ctx context.Context) error {
	var estimate int64
	mode := progress.Resolve(o.cfg.Progress)
	if mode != progress.ModeNone {
		size, err := postgres.TotalDatabaseSize(ctx, o.db)
		if err != nil {
			slog.Debug("no size estimate for progress", "err", err)
		}
		estimate = size
	}
	tracker := progress.New(ctx, "basebackup", mode, estimate, time.Duration(o.cfg.ProgressInterval)*time.Second)

	opts := basebackup.Options{
		SourceBinDir: o.cfg.SourceBinDir,
		BackupHost:   o.cfg.BackupHost,
		Port:         o.cfg.SourcePort,
		User:         o.cfg.SourceUser,
		Label:        "pgstandby",
		Compressor:   o.cfg.Compressor,
		Threads:      o.cfg.CompressThreads,
		Decompress:   o.cfg.Decompress,
		TargetDir:    o.cfg.TargetPGData,
		Progress:     tracker,
	}
	stats, err := o.deps.BaseBackup(ctx, o.shell, opts)
	tracker.Finish()
	if err != nil {
		for _, se := range basebackup.FailedStages(err) {
			fmt.Fprintf(o.out, "  stage %s failed: %v\n", se.Stage, se.Err)
		}
		return err
	}
	o.metrics.SetTransfer(stats.CompressedBytes, stats.UnpackedBytes)
	fmt.Fprintln(o.out, stats.Summary())
	return nil
}

// stepStopReceiver never fails the run.
func (o *Orchestrator) stepStopReceiver(context.Context) error {
	if errors.Is(o.stopReceiver(), wal.ErrStillRunning) {
		fmt.Fprintf(o.out, "warning: merging WAL while pg_receivewal may still write to %s\n", o.cfg.ScratchWALDir)
	}
	return nil
}

// stopReceiver stops the receiver once. Failures are reported as warnings and
// returned for the caller to inspect.
func (o *Orchestrator) stopReceiver() error {
	if o.recv == nil {
		return nil
	}
	r := o.recv
	o.recv = nil
	if err := r.Stop(); err != nil {
		if errors.Is(err, wal.ErrAlreadyExited) {
			fmt.Fprintf(o.out, "warning: %v\n", err)
		} else {
			fmt.Fprintf(o.out, "warning: stopping pg_receivewal: %v\n", err)
		}
		slog.Warn("pg_receivewal stop", "err", err)
		return err
	}
	slog.Info("pg_receivewal stopped")
	return nil
}

func (o *Orchestrator) stepMergeWAL(context.Context) error {
	res, err := wal.Merge(o.deps.FS, o.cfg.ScratchWALDir, o.cfg.WALDir())
	if err != nil {
		return err
	}
	o.metrics.SetWAL(len(res.Moved), len(res.Discarded))
	fmt.Fprintf(o.out, "moved %d WAL file(s) to %s, discarded %d partial\n", len(res.Moved), o.cfg.WALDir(), len(res.Discarded))
	return nil
}

// stepFinalChecks validates the resulting directory and fixes permissions.
func (o *Orchestrator) stepFinalChecks(context.Context) error {
	fsys := o.deps.FS
	pgdata, walDir := o.cfg.TargetPGData, o.cfg.WALDir()

	if ok, err := afero.Exists(fsys, filepath.Join(pgdata, "PG_VERSION")); err != nil || !ok {
		return fmt.Errorf("PG_VERSION missing in %s", pgdata)
	}
	files, err := afero.Glob(fsys, filepath.Join(walDir, "[0-9A-F]*"))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		// only a .partial segment was captured; the replica streams it from the primary
		fmt.Fprintf(o.out, "warning: no completed WAL segment in %s\n", walDir)
		slog.Warn("no completed WAL segment", "dir", walDir)
	}
	for _, d := range []string{pgdata, walDir} {
		if err := fsys.Chmod(d, 0o700); err != nil {
			return fmt.Errorf("chmod %s: %w", d, err)
		}
	}
	slog.Info("final validation ok", "wal_files", len(files))
	return nil
}

func (o *Orchestrator) stepRecovery(context.Context) error {
	path := o.cfg.RecoveryFile(o.settings.VersionNum)
	ci := o.cfg.ConnInfo()
	if err := recovery.Patch(o.deps.FS, path, ci); err != nil {
		return err
	}
	fmt.Fprintf(o.out, "primary_conninfo set in %s\n", path)
	return nil
}

func (o *Orchestrator) stepStartServer(ctx context.Context) error {
	up, err := o.deps.NewServer(o.cfg).StartAndCheck(ctx, o.cfg.StartDelay)
	if err != nil {
		return err
	}
	if !up {
		fmt.Fprintf(o.out, "warning: server is not running, see %s\n", o.cfg.ServerLogFile())
		return nil
	}
	fmt.Fprintln(o.out, "server is running")
	return nil
}

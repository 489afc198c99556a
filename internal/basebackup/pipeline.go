// Package basebackup streams a pg_basebackup tar archive from the source host
// into the replica data directory: pg_basebackup | compressor on the source,
// ssh as transport, decompression and tar locally. Every stage runs
// concurrently and reports its own status.
package basebackup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"golang.org/x/sync/errgroup"

	"github.com/vbp1/pgstandby/internal/process"
	"github.com/vbp1/pgstandby/internal/progress"
	"github.com/vbp1/pgstandby/internal/ssh"
)

// Remote runs a command on the source host, streaming its output.
type Remote interface {
	Run(ctx context.Context, cmd string, stdout, stderr io.Writer) error
}

// Options configures one pipeline run.
type Options struct {
	SourceBinDir string // pg_basebackup location on the source; PATH if empty
	BackupHost   string // -h for pg_basebackup; local socket if empty
	Port         int
	User         string
	Label        string

	Compressor string // pigz or zstd
	Threads    int
	Decompress string // external or builtin

	TargetDir string

	// Progress counts unpacked bytes; optional.
	Progress *progress.Tracker
}

func (o Options) withDefaults() Options {
	if o.Compressor == "" {
		o.Compressor = CompressorPigz
	}
	if o.Threads <= 0 {
		o.Threads = 1
	}
	if o.Decompress == "" {
		o.Decompress = DecompressExternal
	}
	return o
}

// Stats describes a finished transfer.
type Stats struct {
	CompressedBytes int64
	UnpackedBytes   int64
	Duration        time.Duration
}

// Summary returns a one-line human readable report.
func (s Stats) Summary() string {
	elapsed := s.Duration
	if elapsed <= 0 {
		elapsed = time.Second
	}
	rate := uint64(float64(s.CompressedBytes) / elapsed.Seconds())
	ratio := 0.0
	if s.CompressedBytes > 0 {
		ratio = float64(s.UnpackedBytes) / float64(s.CompressedBytes)
	}
	return fmt.Sprintf("base backup: received %s compressed (%s/s), unpacked %s, ratio %.2f, took %s",
		humanize.IBytes(uint64(s.CompressedBytes)), humanize.IBytes(rate),
		humanize.IBytes(uint64(s.UnpackedBytes)), ratio, s.Duration.Round(time.Second))
}

type countReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// killed reports a process terminated by a signal, which is how the group
// stops the stages that are still running after a failure.
func killed(err error) bool {
	var ee *exec.ExitError
	return errors.As(err, &ee) && ee.ExitCode() == -1
}

// Run executes the pipeline and blocks until every stage has finished. The
// returned error aggregates all failed stages as *StageError values.
func Run(ctx context.Context, remote Remote, o Options) (Stats, error) {
	o = o.withDefaults()
	if !ValidCompressor(o.Compressor) {
		return Stats{}, fmt.Errorf("unknown compressor %q", o.Compressor)
	}
	if !ValidDecompress(o.Decompress) {
		return Stats{}, fmt.Errorf("unknown decompress mode %q", o.Decompress)
	}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	var stages stageSet
	stderr := &stderrCapture{}

	netR, netW := io.Pipe()
	compressed := &countReader{r: netR}

	tarCmd := exec.CommandContext(gctx, "tar", "-x", "-f", "-", "-C", o.TargetDir)
	tarIn, err := tarCmd.StdinPipe()
	if err != nil {
		return Stats{}, err
	}
	tarOut := &stderrCapture{}
	tarCmd.Stderr = tarOut
	if err := tarCmd.Start(); err != nil {
		return Stats{}, &StageError{Stage: StageUnpack, Code: -1, Err: err}
	}

	// source host stages + transport
	var remoteErr error
	g.Go(func() error {
		cmd := o.RemoteCommand()
		slog.Info("remote pipeline start", "cmd", cmd)
		remoteErr = remote.Run(gctx, cmd, netW, stderr)
		stderr.flush()
		netW.CloseWithError(remoteErr)
		return remoteErr
	})

	// local decompression feeding tar
	var unpacked int64
	g.Go(func() error {
		defer func() { _ = netR.Close() }()
		n, err := decompress(gctx, o, compressed, tarIn)
		unpacked = n
		if cerr := tarIn.Close(); err == nil && cerr != nil {
			err = cerr
		}
		if err != nil {
			stages.fail(StageDecompress, process.ExitCode(err), err)
		}
		return err
	})

	g.Go(func() error {
		err := tarCmd.Wait()
		tarOut.flush()
		if err != nil {
			if tail := tarOut.Tail(); tail != "" {
				err = fmt.Errorf("%w: %s", err, tail)
			}
			stages.fail(StageUnpack, process.ExitCode(err), err)
		}
		return err
	})

	_ = g.Wait()
	stats := Stats{CompressedBytes: compressed.n.Load(), UnpackedBytes: unpacked, Duration: time.Since(start)}

	recordRemote(&stages, stderr, remoteErr)

	induced := func(err error) bool {
		return ctx.Err() == nil && (errors.Is(err, context.Canceled) || errors.Is(err, io.ErrClosedPipe) || killed(err))
	}
	if err := stages.result(induced); err != nil {
		if tail := stderr.Tail(); tail != "" {
			slog.Error("remote stderr", "tail", tail)
		}
		return stats, err
	}
	return stats, nil
}

// recordRemote turns the remote status marker and the session result into
// stage failures.
func recordRemote(stages *stageSet, stderr *stderrCapture, remoteErr error) {
	codes, ok := stderr.status()
	if !ok {
		err, code := errStatusMissing, -1
		if remoteErr != nil {
			err, code = fmt.Errorf("%w: %w", errStatusMissing, remoteErr), ssh.ExitStatus(remoteErr)
		}
		stages.fail(StageTransport, code, err)
		return
	}
	tail := stderr.Tail()
	if codes[0] != 0 {
		stages.fail(StageBaseBackup, codes[0], fmt.Errorf("pg_basebackup failed: %s", tail))
	}
	if codes[1] != 0 {
		stages.fail(StageCompress, codes[1], fmt.Errorf("compressor failed: %s", tail))
	}
	// an exit status is explained by the marker; anything else is transport
	if remoteErr != nil && ssh.ExitStatus(remoteErr) == -1 {
		stages.fail(StageTransport, -1, remoteErr)
	}
}

// decompress copies the decompressed form of src into dst and returns the
// number of bytes written.
func decompress(ctx context.Context, o Options, src io.Reader, dst io.Writer) (int64, error) {
	if o.Decompress == DecompressBuiltin {
		return decompressBuiltin(o, src, dst)
	}
	args := o.DecompressArgs()
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdin = src
	// stdin is copied by exec; do not hang on it once the process is gone
	cmd.WaitDelay = 5 * time.Second
	errOut := &stderrCapture{}
	cmd.Stderr = errOut
	out, err := cmd.StdoutPipe()
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(dst, track(o, out))
	if copyErr != nil {
		// unblock the decompressor before waiting on it
		_ = cmd.Process.Kill()
	}
	waitErr := cmd.Wait()
	if copyErr != nil {
		return n, fmt.Errorf("write to tar: %w", copyErr)
	}
	if waitErr != nil {
		errOut.flush()
		if tail := errOut.Tail(); tail != "" {
			return n, fmt.Errorf("%w: %s", waitErr, tail)
		}
		return n, waitErr
	}
	return n, nil
}

func decompressBuiltin(o Options, src io.Reader, dst io.Writer) (int64, error) {
	var r io.Reader
	switch o.Compressor {
	case CompressorZstd:
		dec, err := zstd.NewReader(src, zstd.WithDecoderConcurrency(o.Threads))
		if err != nil {
			return 0, err
		}
		defer dec.Close()
		r = dec
	default:
		gz, err := pgzip.NewReaderN(src, 1<<20, max(o.Threads, 2))
		if err != nil {
			return 0, fmt.Errorf("gzip header: %w", err)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}
	n, err := io.Copy(dst, track(o, r))
	if err != nil {
		return n, err
	}
	return n, nil
}

func track(o Options, r io.Reader) io.Reader {
	if o.Progress == nil {
		return r
	}
	return o.Progress.Reader(r)
}

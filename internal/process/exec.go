package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Result содержит данные о выполненной команде.
type Result struct {
	Cmd      string
	Args     []string
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
	Err      error
}

// Error returns nil for a zero exit, otherwise an error carrying the exit
// code and the trimmed stderr of the command.
func (r Result) Error() error {
	if r.Err == nil {
		return nil
	}
	msg := strings.TrimSpace(string(r.Stderr))
	if msg == "" {
		msg = strings.TrimSpace(string(r.Stdout))
	}
	if msg == "" {
		return fmt.Errorf("%s: exit %d: %w", r.Cmd, r.ExitCode, r.Err)
	}
	return fmt.Errorf("%s: exit %d: %s: %w", r.Cmd, r.ExitCode, msg, r.Err)
}

// RunLogged выполняет внешний процесс, логируя начало/конец и собирая вывод.
func RunLogged(ctx context.Context, bin string, args ...string) Result {
	cmd := exec.CommandContext(ctx, bin, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf

	slog.Info("exec start", "cmd", bin, "args", args)
	start := time.Now()

	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	} else if err != nil {
		exitCode = -1
	}

	slog.Info("exec done", "cmd", bin, "code", exitCode, "dur", duration, "err", err)

	return Result{
		Cmd:      bin,
		Args:     args,
		Stdout:   outBuf.Bytes(),
		Stderr:   errBuf.Bytes(),
		ExitCode: exitCode,
		Duration: duration,
		Err:      err,
	}
}

// ExitCode extracts the process exit status from err; -1 when err does not
// come from a finished process.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// Bin resolves name inside dir, or returns name as-is when dir is empty so that
// exec resolves it through PATH.
func Bin(dir, name string) string {
	if dir == "" {
		return name
	}
	return strings.TrimRight(dir, "/") + "/" + name
}

package process

import (
	"context"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// KillChildrenOnCancel запускает горутину: при отмене ctx отправляет SIGTERM всем дочерним процессам текущего PID,
// а через grace SIGKILL тем, кто ещё жив. Возвращаемая функция снимает watchdog при штатном завершении.
func KillChildrenOnCancel(ctx context.Context, grace time.Duration) (disarm func()) {
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
		}
		pid := unix.Getpid()
		slog.Warn("watchdog: context canceled, terminating children", "pid", pid)

		children := childPIDs(pid)
		for _, child := range children {
			slog.Info("watchdog: sending SIGTERM", "child", child)
			if err := unix.Kill(child, unix.SIGTERM); err != nil {
				slog.Warn("watchdog: SIGTERM failed", "pid", child, "err", err)
			}
		}
		time.Sleep(grace)
		for _, child := range children {
			if unix.Kill(child, 0) != nil {
				continue
			}
			if err := unix.Kill(child, unix.SIGKILL); err != nil {
				slog.Warn("watchdog: SIGKILL failed", "pid", child, "err", err)
			}
		}
	}()
	return func() { close(done) }
}

func childPIDs(pid int) []int {
	out, err := exec.Command("pgrep", "-P", strconv.Itoa(pid)).Output()
	if err != nil {
		// pgrep exits 1 when nothing matches
		slog.Debug("watchdog: pgrep", "err", err)
		return nil
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if child, err := strconv.Atoi(strings.TrimSpace(line)); err == nil {
			pids = append(pids, child)
		}
	}
	return pids
}

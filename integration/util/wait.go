//go:build integration

package util

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WaitPostgresReady polls pg_isready inside container until it returns 0.
func WaitPostgresReady(ctx context.Context, container string, timeout time.Duration) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(2*time.Second), ctx)
	deadline := time.Now().Add(timeout)
	return backoff.Retry(func() error {
		err := exec.CommandContext(ctx, "docker", "exec", container, "pg_isready", "-U", "postgres").Run()
		if err != nil && time.Now().After(deadline) {
			return backoff.Permanent(fmt.Errorf("%s did not become ready: %w", container, err))
		}
		return err
	}, b)
}

// Exec runs a command in container as user and returns combined output.
func Exec(ctx context.Context, container, user string, args ...string) (string, error) {
	full := append([]string{"exec", "-u", user, "-e", "PGPASSWORD=postgres", container}, args...)
	out, err := exec.CommandContext(ctx, "docker", full...).CombinedOutput()
	return string(out), err
}

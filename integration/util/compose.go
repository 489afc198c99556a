//go:build integration

package util

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// StartCompose builds and starts the stack described by composeFile under
// project name and returns a teardown that removes containers and volumes.
// PGSTANDBY_KEEP_STACK=1 leaves the stack running for inspection.
func StartCompose(ctx context.Context, composeFile, project string) (func() error, error) {
	abs, err := filepath.Abs(composeFile)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	compose := func(ctx context.Context, args ...string) *exec.Cmd {
		return exec.CommandContext(ctx, "docker", append([]string{"compose", "-f", abs, "-p", project}, args...)...)
	}

	if out, err := compose(ctx, "up", "-d", "--build", "--wait").CombinedOutput(); err != nil {
		return nil, fmt.Errorf("docker compose up: %w\n%s", err, out)
	}

	return func() error {
		if os.Getenv("PGSTANDBY_KEEP_STACK") == "1" {
			return nil
		}
		downCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return compose(downCtx, "down", "-v", "--remove-orphans").Run()
	}, nil
}

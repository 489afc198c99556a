// Package server starts a provisioned replica through pg_ctl and checks whether it came up.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vbp1/pgstandby/internal/process"
)

// pg_ctl status exit code for "no server running".
const statusNotRunning = 3

// Controller drives pg_ctl for one data directory.
type Controller struct {
	BinDir     string
	DataDir    string
	LogFile    string // pg_ctl -l
	ConfigFile string // optional external postgresql.conf
}

// StartArgs returns the pg_ctl start command line.
func (c Controller) StartArgs() []string {
	args := []string{"start", "-D", c.DataDir}
	if c.LogFile != "" {
		args = append(args, "-l", c.LogFile)
	}
	if c.ConfigFile != "" {
		args = append(args, "-o", "-c config_file="+shellQuote(c.ConfigFile))
	}
	return args
}

// shellQuote quotes v for the /bin/sh command line pg_ctl builds from -o.
func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'\''`) + "'"
}

// Start runs pg_ctl start without waiting for the server to accept connections.
func (c Controller) Start(ctx context.Context) error {
	res := process.RunLogged(ctx, process.Bin(c.BinDir, "pg_ctl"), c.StartArgs()...)
	if err := res.Error(); err != nil {
		return fmt.Errorf("pg_ctl start: %w", err)
	}
	return nil
}

// Running asks pg_ctl status. Exit 0 means running, 3 means stopped; any other
// outcome is returned as error.
func (c Controller) Running(ctx context.Context) (bool, error) {
	res := process.RunLogged(ctx, process.Bin(c.BinDir, "pg_ctl"), "status", "-D", c.DataDir)
	switch {
	case res.Err == nil:
		return true, nil
	case res.ExitCode == statusNotRunning:
		return false, nil
	default:
		return false, fmt.Errorf("pg_ctl status: %w", res.Error())
	}
}

// StartAndCheck starts the server, waits delay, then polls status once.
// Only a failed start is returned; a server that is not up afterwards is
// reported through the returned bool and a warning.
func (c Controller) StartAndCheck(ctx context.Context, delay time.Duration) (bool, error) {
	if err := c.Start(ctx); err != nil {
		return false, err
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(delay):
	}
	up, err := c.Running(ctx)
	if err != nil {
		slog.Warn("server status check failed", "err", err, "log", c.LogFile)
		return false, nil
	}
	if !up {
		slog.Warn("server is not running after start; check the server log", "log", c.LogFile)
	}
	return up, nil
}

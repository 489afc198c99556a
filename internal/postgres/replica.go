package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errNotStreaming = errors.New("not streaming yet")

// WaitReplicationStarted waits until an application_name appears in pg_stat_replication or timeout.
// interval is the poll period; 0 means one second.
func WaitReplicationStarted(ctx context.Context, q Queryer, appName string, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(timeout/interval)), ctx)

	op := func() error {
		var exists bool
		err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_stat_replication WHERE application_name=$1)`, appName).Scan(&exists)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("query pg_stat_replication: %w", err))
		}
		if !exists {
			return errNotStreaming
		}
		return nil
	}
	err := backoff.Retry(op, b)
	if errors.Is(err, errNotStreaming) {
		return fmt.Errorf("replication did not start within %s", timeout)
	}
	return err
}

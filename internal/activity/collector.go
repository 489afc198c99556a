// Package activity samples pg_stat_activity into a table and summarizes the samples.
package activity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vbp1/pgstandby/internal/postgres"
)

// DefaultErrorLimit is the number of failed snapshots after which Collect gives up.
const DefaultErrorLimit = 10

// duplicate_table
const sqlstateDuplicateTable = "42P07"

// ErrNotSuperuser is returned when the session user lacks rolsuper.
var ErrNotSuperuser = errors.New("snapshot collection requires a superuser")

const createSQL = `create %s table %s as
select now() as snap_time, pid, usename, application_name, client_addr, client_port,
       backend_start, xact_start, query_start, state_change, wait_event_type, wait_event, state,
       ltrim(regexp_replace(query, E'[ \t\n\r]+', ' ', 'g'))::varchar(500) as query
from pg_stat_activity
where false`

const insertSQL = `insert into %s
select now(), pid, usename, application_name, client_addr, client_port,
       backend_start, xact_start, query_start, state_change, wait_event_type, wait_event, state,
       case when state != 'idle'
            then ltrim(regexp_replace(query, E'[ \t\n\r]+', ' ', 'g'))::varchar(500)
       end
from pg_stat_activity
where datname = current_database()
  and pid != pg_backend_pid()
  and backend_type = 'client backend'`

// Collector stores snapshots of pg_stat_activity into Table every Interval
// until Duration elapses.
type Collector struct {
	DB         postgres.DB
	Table      string // optionally schema-qualified
	Unlogged   bool
	Truncate   bool // reuse an existing table after truncating it
	Interval   time.Duration
	Duration   time.Duration
	ErrorLimit int
}

// Result summarizes a collection run.
type Result struct {
	Snapshots int
	Errors    int
}

// Ident quotes a possibly schema-qualified table name.
func Ident(table string) string {
	return pgx.Identifier(strings.Split(table, ".")).Sanitize()
}

// Prepare checks privileges and creates (or truncates) the storage table.
func (c *Collector) Prepare(ctx context.Context) error {
	super, err := postgres.IsSuperuser(ctx, c.DB)
	if err != nil {
		return err
	}
	if !super {
		return ErrNotSuperuser
	}

	unlogged := ""
	if c.Unlogged {
		unlogged = "unlogged"
	}
	_, err = c.DB.Exec(ctx, fmt.Sprintf(createSQL, unlogged, Ident(c.Table)))
	if err == nil {
		slog.Info("snapshot table created", "table", c.Table, "unlogged", c.Unlogged)
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != sqlstateDuplicateTable {
		return fmt.Errorf("create %s: %w", c.Table, err)
	}
	if !c.Truncate {
		return fmt.Errorf("table %s already exists; use --truncate to reuse it", c.Table)
	}
	slog.Info("snapshot table exists, truncating", "table", c.Table)
	if _, err := c.DB.Exec(ctx, "truncate table "+Ident(c.Table)); err != nil {
		return fmt.Errorf("truncate %s: %w", c.Table, err)
	}
	return nil
}

// Collect inserts snapshots until Duration is over. Failed inserts are counted;
// reaching ErrorLimit aborts with the last error.
func (c *Collector) Collect(ctx context.Context) (Result, error) {
	var res Result
	limit := c.ErrorLimit
	if limit <= 0 {
		limit = DefaultErrorLimit
	}
	stmt := fmt.Sprintf(insertSQL, Ident(c.Table))
	deadline := time.Now().Add(c.Duration)

	for time.Now().Before(deadline) {
		if _, err := c.DB.Exec(ctx, stmt); err != nil {
			res.Errors++
			slog.Warn("snapshot failed", "err", err, "errors", res.Errors)
			if res.Errors >= limit {
				return res, fmt.Errorf("error limit of %d reached, last error: %w", limit, err)
			}
		} else {
			res.Snapshots++
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(c.Interval):
		}
	}
	slog.Info("snapshot duration reached", "snapshots", res.Snapshots, "errors", res.Errors)
	return res, nil
}

// Run is Prepare followed by Collect.
func (c *Collector) Run(ctx context.Context) (Result, error) {
	if err := c.Prepare(ctx); err != nil {
		return Result{}, err
	}
	return c.Collect(ctx)
}

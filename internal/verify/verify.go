// Package verify reads every table of a (freshly provisioned) cluster through
// pg_dump to surface unreadable data files.
//
// It does not take a snapshot and does not validate constraints or indexes;
// a clean run only means every heap page could be read.
package verify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vbp1/pgstandby/internal/postgres"
	"github.com/vbp1/pgstandby/internal/process"
)

// ErrNoTables is returned when none of the selected databases has a table.
var ErrNoTables = errors.New("no tables found to be dumped")

// pg_dump message for a table dropped between listing and dumping.
const noMatchingTables = "No matching tables were found"

const listDatabasesSQL = `select datname from pg_database
where not datistemplate and datallowconn
order by datname`

const listTablesSQL = `select quote_ident(nspname) || '.' || quote_ident(relname)
from pg_class c
join pg_namespace n on n.oid = c.relnamespace
where relkind = 'r'
  and relpersistence = 'p'
  and not nspname like any (array['information_schema', E'pg\\_%'])
order by relpages desc`

// Conn is a catalog connection to one database.
type Conn interface {
	postgres.Queryer
	Close()
}

// Verifier holds connection settings and parallelism.
type Verifier struct {
	Host   string
	Port   int
	User   string
	BinDir string
	DBName string // verify only this database
	Jobs   int

	Out io.Writer

	// Connect opens a catalog connection to dbname. Defaults to a pgx pool.
	Connect func(ctx context.Context, dbname string) (Conn, error)
	// Exec runs pg_dump. Defaults to process.RunLogged.
	Exec func(ctx context.Context, bin string, args ...string) process.Result
	// LookPath checks pg_dump is runnable. Defaults to exec.LookPath.
	LookPath func(string) (string, error)
}

// Summary reports what was verified.
type Summary struct {
	Databases int
	Tables    int
	Skipped   []string // tables dropped while verification ran
	Duration  time.Duration
}

type task struct {
	db, table string
}

// DefaultJobs is half of the available CPUs, at least one.
func DefaultJobs() int { return max(runtime.NumCPU()/2, 1) }

func (v *Verifier) defaults() {
	if v.Jobs <= 0 {
		v.Jobs = DefaultJobs()
	}
	if v.Out == nil {
		v.Out = io.Discard
	}
	if v.Exec == nil {
		v.Exec = process.RunLogged
	}
	if v.LookPath == nil {
		v.LookPath = exec.LookPath
	}
	if v.Connect == nil {
		v.Connect = func(ctx context.Context, dbname string) (Conn, error) {
			pool, err := postgres.Connect(ctx, postgres.DSN(v.Host, v.Port, v.User, dbname), 1)
			if err != nil {
				return nil, err
			}
			return pool, nil
		}
	}
}

func (v *Verifier) pgDump() string { return process.Bin(v.BinDir, "pg_dump") }

func (v *Verifier) connArgs() []string {
	var args []string
	if v.Host != "" {
		args = append(args, "-h", v.Host)
	}
	if v.Port > 0 {
		args = append(args, "-p", strconv.Itoa(v.Port))
	}
	if v.User != "" {
		args = append(args, "-U", v.User)
	}
	return append(args, "-w", "-f", os.DevNull)
}

// SchemaArgs is the pg_dump command line checking the catalog of db.
func (v *Verifier) SchemaArgs(db string) []string {
	return append(v.connArgs(), "--schema-only", db)
}

// TableArgs is the pg_dump command line reading one table.
func (v *Verifier) TableArgs(db, table string) []string {
	return append(v.connArgs(), "-t", table, db)
}

// Run dumps the schema of every selected database, then every permanent
// table with Jobs workers. The first real failure cancels the rest.
func (v *Verifier) Run(ctx context.Context) (Summary, error) {
	v.defaults()
	start := time.Now()
	var sum Summary

	if _, err := v.LookPath(v.pgDump()); err != nil {
		return sum, fmt.Errorf("pg_dump not found: %w", err)
	}

	dbs, err := v.databases(ctx)
	if err != nil {
		return sum, err
	}
	sum.Databases = len(dbs)
	fmt.Fprintf(v.Out, "databases: %s\n", strings.Join(dbs, ", "))

	var tasks []task
	for _, db := range dbs {
		if res := v.Exec(ctx, v.pgDump(), v.SchemaArgs(db)...); res.Err != nil {
			return sum, fmt.Errorf("schema of %s: %w", db, res.Error())
		}
		tables, err := v.tables(ctx, db)
		if err != nil {
			return sum, err
		}
		fmt.Fprintf(v.Out, "%s: schema ok, %d table(s) queued\n", db, len(tables))
		for _, t := range tables {
			tasks = append(tasks, task{db: db, table: t})
		}
	}
	if len(tasks) == 0 {
		return sum, ErrNoTables
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.Jobs)
	for _, t := range tasks {
		g.Go(func() error {
			res := v.Exec(gctx, v.pgDump(), v.TableArgs(t.db, t.table)...)
			if res.Err == nil {
				return nil
			}
			if strings.Contains(string(res.Stderr), noMatchingTables) {
				slog.Warn("table vanished before dump", "db", t.db, "table", t.table)
				mu.Lock()
				sum.Skipped = append(sum.Skipped, t.db+"/"+t.table)
				mu.Unlock()
				return nil
			}
			return fmt.Errorf("table %s [%s]: %w", t.table, t.db, res.Error())
		})
	}
	if err := g.Wait(); err != nil {
		return sum, err
	}

	sum.Tables = len(tasks) - len(sum.Skipped)
	sum.Duration = time.Since(start)
	fmt.Fprintf(v.Out, "done: %d table(s) in %d database(s) read in %s, %d skipped\n",
		sum.Tables, sum.Databases, sum.Duration.Round(time.Second), len(sum.Skipped))
	return sum, nil
}

func (v *Verifier) databases(ctx context.Context) ([]string, error) {
	conn, err := v.Connect(ctx, "template1")
	if err != nil {
		return nil, fmt.Errorf("connect template1: %w", err)
	}
	defer conn.Close()

	all, err := postgres.Strings(ctx, conn, listDatabasesSQL)
	if err != nil {
		return nil, fmt.Errorf("list databases: %w", err)
	}
	if v.DBName == "" {
		return all, nil
	}
	for _, db := range all {
		if db == v.DBName {
			return []string{db}, nil
		}
	}
	return nil, fmt.Errorf("database %q not found", v.DBName)
}

func (v *Verifier) tables(ctx context.Context, db string) ([]string, error) {
	conn, err := v.Connect(ctx, db)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", db, err)
	}
	defer conn.Close()

	tables, err := postgres.Strings(ctx, conn, listTablesSQL)
	if err != nil {
		return nil, fmt.Errorf("list tables of %s: %w", db, err)
	}
	return tables, nil
}

package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queryer is the read subset of *pgxpool.Pool used across the tool; pgxmock
// pools satisfy it in tests.
type Queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// DB adds statement execution to Queryer.
type DB interface {
	Queryer
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// DSN builds a libpq keyword/value connection string. Empty values are
// omitted so libpq defaults (PGHOST, .pgpass, ...) keep working.
func DSN(host string, port int, user, dbname string) string {
	var parts []string
	add := func(k, v string) {
		if v == "" {
			return
		}
		parts = append(parts, k+"="+quoteValue(v))
	}
	add("host", host)
	if port > 0 {
		add("port", fmt.Sprintf("%d", port))
	}
	add("user", user)
	add("dbname", dbname)
	return strings.Join(parts, " ")
}

func quoteValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}

// AppName is reported as application_name unless the DSN sets one.
const AppName = "pgstandby"

// Connect opens a pgx pool and pings it. Values missing from dsn come from
// the libpq environment (PGHOST, PGPORT, PGUSER, PGPASSWORD, PGDATABASE) and
// ~/.pgpass, as pgx resolves them. maxConns=0 keeps the pgx default.
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MaxConnLifetime = time.Hour
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = AppName
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect %s@%s:%d: %w", cfg.ConnConfig.User, cfg.ConnConfig.Host, cfg.ConnConfig.Port, err)
	}
	return pool, nil
}

// Settings are the source server values the replica provisioning depends on.
type Settings struct {
	WALLevel      string
	MaxWALSenders int
	VersionNum    int
}

// ReplicationSettings reads wal_level, max_wal_senders and server_version_num.
func ReplicationSettings(ctx context.Context, q Queryer) (Settings, error) {
	var s Settings
	err := q.QueryRow(ctx, `SELECT current_setting('wal_level'),
                                   current_setting('max_wal_senders')::int,
                                   current_setting('server_version_num')::int`).Scan(&s.WALLevel, &s.MaxWALSenders, &s.VersionNum)
	if err != nil {
		return Settings{}, fmt.Errorf("query replication settings: %w", err)
	}
	return s, nil
}

// Tablespace represents a user tablespace.
type Tablespace struct {
	Oid      uint32
	Name     string
	Location string
}

// ListTablespaces returns each user tablespace (excluding pg_default/pg_global).
func ListTablespaces(ctx context.Context, q Queryer) ([]Tablespace, error) {
	const sql = `SELECT oid, spcname, pg_tablespace_location(oid)
              FROM pg_tablespace
              WHERE spcname NOT IN ('pg_default','pg_global')
              ORDER BY spcname`
	rows, err := q.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Tablespace
	for rows.Next() {
		var t Tablespace
		if err := rows.Scan(&t.Oid, &t.Name, &t.Location); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TotalDatabaseSize sums pg_database_size over all databases; it approximates
// the size of a base backup.
func TotalDatabaseSize(ctx context.Context, q Queryer) (int64, error) {
	var total int64
	if err := q.QueryRow(ctx, `SELECT coalesce(sum(pg_database_size(oid)), 0)::bigint FROM pg_database`).Scan(&total); err != nil {
		return 0, fmt.Errorf("query database size: %w", err)
	}
	return total, nil
}

// IsSuperuser reports whether the session user has rolsuper.
func IsSuperuser(ctx context.Context, q Queryer) (bool, error) {
	var super bool
	err := q.QueryRow(ctx, `SELECT rolsuper FROM pg_roles WHERE rolname = session_user`).Scan(&super)
	if err != nil {
		return false, fmt.Errorf("query rolsuper: %w", err)
	}
	return super, nil
}

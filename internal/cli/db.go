package cli

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/pflag"

	"github.com/vbp1/pgstandby/internal/postgres"
)

// dbFlags are libpq connection settings; the password comes from .pgpass or PGPASSWORD.
type dbFlags struct {
	Host   string
	Port   int
	User   string
	DBName string
}

// register binds the flags; suffix distinguishes the two sides of rowdiff.
func (d *dbFlags) register(f *pflag.FlagSet, suffix string) {
	f.StringVar(&d.Host, "host"+suffix, "localhost", "Database host or socket directory")
	f.IntVar(&d.Port, "port"+suffix, 5432, "Database port")
	f.StringVar(&d.User, "username"+suffix, envUser(), "Database user")
	f.StringVar(&d.DBName, "dbname"+suffix, "postgres", "Database name")
}

func (d *dbFlags) connect(ctx context.Context, maxConns int32) (*pgxpool.Pool, error) {
	pool, err := postgres.Connect(ctx, postgres.DSN(d.Host, d.Port, d.User, d.DBName), maxConns)
	if err != nil {
		return nil, fmt.Errorf("connect %s@%s:%d/%s: %w", d.User, d.Host, d.Port, d.DBName, err)
	}
	return pool, nil
}

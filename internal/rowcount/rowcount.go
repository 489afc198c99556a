// Package rowcount compares the user tables of two databases and their row counts.
package rowcount

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/vbp1/pgstandby/internal/postgres"
	"github.com/vbp1/pgstandby/internal/util/tabular"
)

const listTablesSQL = `select quote_ident(nspname) || '.' || quote_ident(relname)
from pg_class c
join pg_namespace n on n.oid = c.relnamespace
where relkind = 'r'
  and not nspname like any (array[E'pg\\_%', 'information_schema'])
order by 1`

// Mismatch is a table whose row counts differ.
type Mismatch struct {
	Table  string
	Count1 int64
	Count2 int64
}

// Diff is the outcome of Compare.
type Diff struct {
	OnlyIn1    []string
	OnlyIn2    []string
	Mismatches []Mismatch
	Compared   int
}

// Empty reports whether both databases matched.
func (d Diff) Empty() bool {
	return len(d.OnlyIn1) == 0 && len(d.OnlyIn2) == 0 && len(d.Mismatches) == 0
}

// Tables lists user tables as schema-qualified, quoted names.
func Tables(ctx context.Context, q postgres.Queryer) ([]string, error) {
	out, err := postgres.Strings(ctx, q, listTablesSQL)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	return out, nil
}

// Count returns count(*) of table without its children. table must already be quoted.
func Count(ctx context.Context, q postgres.Queryer, table string) (int64, error) {
	var n int64
	if err := q.QueryRow(ctx, "select count(*) from only "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Compare lists tables on both sides and counts rows of the common ones,
// running up to jobs counts at a time.
func Compare(ctx context.Context, db1, db2 postgres.Queryer, jobs int) (Diff, error) {
	var d Diff
	t1, err := Tables(ctx, db1)
	if err != nil {
		return d, fmt.Errorf("db1: %w", err)
	}
	t2, err := Tables(ctx, db2)
	if err != nil {
		return d, fmt.Errorf("db2: %w", err)
	}
	slog.Info("tables found", "db1", len(t1), "db2", len(t2))

	in2 := make(map[string]bool, len(t2))
	for _, t := range t2 {
		in2[t] = true
	}
	var common []string
	for _, t := range t1 {
		if in2[t] {
			common = append(common, t)
			delete(in2, t)
		} else {
			d.OnlyIn1 = append(d.OnlyIn1, t)
		}
	}
	for t := range in2 {
		d.OnlyIn2 = append(d.OnlyIn2, t)
	}
	sort.Strings(d.OnlyIn2)

	counts := make([]Mismatch, len(common))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(jobs, 1))
	for i, t := range common {
		g.Go(func() error {
			c1, err := Count(gctx, db1, t)
			if err != nil {
				return fmt.Errorf("db1: %w", err)
			}
			c2, err := Count(gctx, db2, t)
			if err != nil {
				return fmt.Errorf("db2: %w", err)
			}
			counts[i] = Mismatch{Table: t, Count1: c1, Count2: c2}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return d, err
	}
	for _, c := range counts {
		if c.Count1 != c.Count2 {
			d.Mismatches = append(d.Mismatches, c)
		}
	}
	d.Compared = len(common)
	return d, nil
}

// Render prints the differences as a table.
func Render(w io.Writer, d Diff) error {
	if d.Empty() {
		_, err := fmt.Fprintf(w, "no differences in %d table(s)\n", d.Compared)
		return err
	}
	var rows [][]string
	for _, t := range d.OnlyIn1 {
		rows = append(rows, []string{t, "only in db1", "", ""})
	}
	for _, t := range d.OnlyIn2 {
		rows = append(rows, []string{t, "only in db2", "", ""})
	}
	for _, m := range d.Mismatches {
		rows = append(rows, []string{m.Table, "row count", strconv.FormatInt(m.Count1, 10), strconv.FormatInt(m.Count2, 10)})
	}
	return tabular.Render(w, []string{"table", "difference", "db1", "db2"}, rows)
}

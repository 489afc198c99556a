package activity

import (
	"context"
	"embed"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/vbp1/pgstandby/internal/postgres"
	"github.com/vbp1/pgstandby/internal/util/tabular"
)

//go:embed sql/*.sql
var reportSQL embed.FS

// Report is a canned query over a snapshot table.
type Report struct {
	Name        string
	Description string
	file        string
}

var reports = []Report{
	{"states", "sessions per state per snapshot", "states.sql"},
	{"waits", "wait events of active sessions", "waits.sql"},
	{"long-xacts", "longest transactions", "long_xacts.sql"},
	{"long-queries", "longest running queries", "long_queries.sql"},
	{"idle-in-xact", "sessions idle inside a transaction", "idle_in_xact.sql"},
}

// Reports lists the available reports.
func Reports() []Report { return append([]Report(nil), reports...) }

// ReportNames returns the sorted report names.
func ReportNames() []string {
	names := make([]string, len(reports))
	for i, r := range reports {
		names[i] = r.Name
	}
	sort.Strings(names)
	return names
}

// Lookup finds a report by name.
func Lookup(name string) (Report, bool) {
	for _, r := range reports {
		if r.Name == name {
			return r, true
		}
	}
	return Report{}, false
}

// SQL returns the query text for table.
func (r Report) SQL(table string) (string, error) {
	b, err := reportSQL.ReadFile("sql/" + r.file)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(string(b), "{{table}}", Ident(table)), nil
}

// Limited reports whether the query takes a row limit.
func (r Report) Limited(sql string) bool { return strings.Contains(sql, "$1") }

// Run executes the report and renders it as a table on w.
func (r Report) Run(ctx context.Context, q postgres.Queryer, table string, limit int, w io.Writer) (int, error) {
	sql, err := r.SQL(table)
	if err != nil {
		return 0, err
	}
	var args []any
	if r.Limited(sql) {
		args = []any{limit}
	}
	var rows [][]string
	cols, err := postgres.StreamRows(ctx, q, sql, args, 0, func(vals []any) error {
		row := make([]string, len(vals))
		for i, v := range vals {
			row[i] = tabular.Cell(v)
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("report %s: %w", r.Name, err)
	}
	if err := tabular.Render(w, cols, rows); err != nil {
		return 0, err
	}
	return len(rows), nil
}

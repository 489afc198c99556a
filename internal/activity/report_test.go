package activity

import (
	"bytes"
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestReportSQL(t *testing.T) {
	for _, r := range Reports() {
		sql, err := r.SQL("mon.snap")
		require.NoError(t, err, r.Name)
		require.Contains(t, sql, `from "mon"."snap"`, r.Name)
		require.NotContains(t, sql, "{{table}}", r.Name)
	}
	_, ok := Lookup("nope")
	require.False(t, ok)
	require.Equal(t, []string{"idle-in-xact", "long-queries", "long-xacts", "states", "waits"}, ReportNames())
}

func TestReportRun(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r, ok := Lookup("waits")
	require.True(t, ok)
	mock.ExpectQuery("wait_event_type").WithArgs(20).
		WillReturnRows(pgxmock.NewRows([]string{"wait_event_type", "wait_event", "samples", "pct"}).
			AddRow("Lock", "transactionid", int64(40), "80.0").
			AddRow("CPU", "", int64(10), "20.0"))

	var buf bytes.Buffer
	n, err := r.Run(context.Background(), mock, "snap", 20, &buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Contains(t, buf.String(), "transactionid")
	require.Contains(t, buf.String(), "80.0")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportRunWithoutLimit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	r, _ := Lookup("states")
	snap := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	mock.ExpectQuery("coalesce\\(state").
		WillReturnRows(pgxmock.NewRows([]string{"snap_time", "state", "sessions"}).AddRow(snap, "active", int64(3)))

	var buf bytes.Buffer
	_, err = r.Run(context.Background(), mock, "snap", 20, &buf)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "2024-05-01 10:00:00")
}

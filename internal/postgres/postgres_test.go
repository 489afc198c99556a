package postgres

import (
	"context"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func TestStreamRows_HandlerCalled(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	rows := pgxmock.NewRows([]string{"id"}).AddRow(1).AddRow(2).AddRow(3)
	mock.ExpectQuery("SELECT id FROM test").WillReturnRows(rows)

	var count int
	h := func(_ []any) error { count++; return nil }

	cols, err := StreamRows(ctx, mock, "SELECT id FROM test", nil, 1, h)
	require.NoError(t, err)
	require.Equal(t, 3, count)
	require.Equal(t, []string{"id"}, cols)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStrings(t *testing.T) {
	ctx := context.Background()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("SELECT datname").
		WillReturnRows(pgxmock.NewRows([]string{"datname"}).AddRow("app").AddRow("postgres"))
	got, err := Strings(ctx, mock, "SELECT datname FROM pg_database")
	require.NoError(t, err)
	require.Equal(t, []string{"app", "postgres"}, got)

	mock.ExpectQuery("SELECT oid").
		WillReturnRows(pgxmock.NewRows([]string{"oid"}).AddRow(int64(5)))
	_, err = Strings(ctx, mock, "SELECT oid FROM pg_database")
	require.ErrorContains(t, err, "unexpected int64")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplicationSettings(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("current_setting").
		WillReturnRows(pgxmock.NewRows([]string{"wal_level", "max_wal_senders", "server_version_num"}).AddRow("replica", 3, 160002))

	s, err := ReplicationSettings(context.Background(), mock)
	require.NoError(t, err)
	require.Equal(t, Settings{WALLevel: "replica", MaxWALSenders: 3, VersionNum: 160002}, s)
}

func TestListTablespaces(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("FROM pg_tablespace").
		WillReturnRows(pgxmock.NewRows([]string{"oid", "spcname", "location"}).
			AddRow(uint32(16384), "fast", "/ssd/pg").
			AddRow(uint32(16385), "slow", "/hdd/pg"))

	ts, err := ListTablespaces(context.Background(), mock)
	require.NoError(t, err)
	require.Len(t, ts, 2)
	require.Equal(t, "fast", ts[0].Name)
	require.Equal(t, "/hdd/pg", ts[1].Location)
}

func TestTotalDatabaseSize(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectQuery("pg_database_size").WillReturnRows(pgxmock.NewRows([]string{"sum"}).AddRow(int64(1 << 30)))
	n, err := TotalDatabaseSize(context.Background(), mock)
	require.NoError(t, err)
	require.Equal(t, int64(1<<30), n)
}

func TestDSN(t *testing.T) {
	require.Equal(t, "host=db1 port=5432 user=repl dbname=postgres", DSN("db1", 5432, "repl", "postgres"))
	require.Equal(t, "host=db1 user='o\\'brien'", DSN("db1", 0, "o'brien", ""))
}

package activity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func superuser(mock pgxmock.PgxPoolIface, yes bool) {
	mock.ExpectQuery("select rolsuper|SELECT rolsuper").
		WillReturnRows(pgxmock.NewRows([]string{"rolsuper"}).AddRow(yes))
}

func TestIdent(t *testing.T) {
	require.Equal(t, `"snap"`, Ident("snap"))
	require.Equal(t, `"monitoring"."snap"`, Ident("monitoring.snap"))
}

func TestPrepareCreatesTable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	superuser(mock, true)
	mock.ExpectExec(`create unlogged table "snap"`).WillReturnResult(pgxmock.NewResult("SELECT", 0))

	c := &Collector{DB: mock, Table: "snap", Unlogged: true}
	require.NoError(t, c.Prepare(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPrepareRequiresSuperuser(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	superuser(mock, false)
	c := &Collector{DB: mock, Table: "snap"}
	require.ErrorIs(t, c.Prepare(context.Background()), ErrNotSuperuser)
}

func TestPrepareExistingTable(t *testing.T) {
	exists := &pgconn.PgError{Code: sqlstateDuplicateTable, Message: `relation "snap" already exists`}

	t.Run("without truncate", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		superuser(mock, true)
		mock.ExpectExec("create  table").WillReturnError(exists)

		c := &Collector{DB: mock, Table: "snap"}
		require.ErrorContains(t, c.Prepare(context.Background()), "--truncate")
	})

	t.Run("with truncate", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()
		superuser(mock, true)
		mock.ExpectExec("create  table").WillReturnError(exists)
		mock.ExpectExec(`truncate table "snap"`).WillReturnResult(pgxmock.NewResult("TRUNCATE", 0))

		c := &Collector{DB: mock, Table: "snap", Truncate: true}
		require.NoError(t, c.Prepare(context.Background()))
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCollectErrorLimit(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	for i := 0; i < 3; i++ {
		mock.ExpectExec(`insert into "snap"`).WillReturnError(errors.New("permission denied"))
	}
	c := &Collector{DB: mock, Table: "snap", Interval: time.Millisecond, Duration: time.Minute, ErrorLimit: 3}
	res, err := c.Collect(context.Background())
	require.ErrorContains(t, err, "error limit of 3 reached")
	require.Equal(t, 3, res.Errors)
	require.Zero(t, res.Snapshots)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCollectStopsOnContext(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`insert into "snap"`).WillReturnResult(pgxmock.NewResult("INSERT", 5))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	c := &Collector{DB: mock, Table: "snap", Interval: time.Hour, Duration: time.Hour}
	res, err := c.Collect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, 1, res.Snapshots)
}

func TestCollectZeroDuration(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c := &Collector{DB: mock, Table: "snap", Interval: time.Second}
	res, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, Result{}, res)
}

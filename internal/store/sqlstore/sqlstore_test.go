package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
	"github.com/drblury/orderflow/internal/store"
)

var (
	createdAt = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	columns   = []string{"stage", "order_id", "user_id", "status", "data", "created_at"}
)

func newMock(t *testing.T, dialect Dialect) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, dialect), mock
}

func shipment() store.Record {
	return store.Record{
		Stage:     "shipping",
		OrderID:   "o-1",
		UserID:    "u-1",
		Status:    store.StatusReady,
		Data:      []byte(`{"tracking_number":"SHIP-0A1B2C3D"}`),
		CreatedAt: createdAt,
	}
}

func TestPersistApplied(t *testing.T) {
	for _, dialect := range []Dialect{Postgres, MySQL} {
		t.Run(dialect.Name, func(t *testing.T) {
			s, mock := newMock(t, dialect)
			r := shipment()

			mock.ExpectExec("INSERT INTO stage_records").
				WithArgs("shipping", "o-1", "u-1", "READY", []byte(r.Data), createdAt).
				WillReturnResult(sqlmock.NewResult(1, 1))

			got, res, err := s.Persist(context.Background(), r)
			require.NoError(t, err)
			assert.Equal(t, store.Applied, res)
			assert.Equal(t, r, got)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPersistDuplicateReturnsStoredRecord(t *testing.T) {
	tests := []struct {
		dialect Dialect
		dupErr  error
	}{
		{Postgres, &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}},
		{MySQL, &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}},
	}
	for _, tt := range tests {
		t.Run(tt.dialect.Name, func(t *testing.T) {
			s, mock := newMock(t, tt.dialect)

			mock.ExpectExec("INSERT INTO stage_records").WillReturnError(tt.dupErr)
			mock.ExpectQuery("SELECT (.+) FROM stage_records WHERE").
				WithArgs("shipping", "o-1").
				WillReturnRows(sqlmock.NewRows(columns).
					AddRow("shipping", "o-1", "u-1", "READY", []byte(`{"tracking_number":"SHIP-FFFFFFFF"}`), createdAt))

			retry := shipment()
			retry.Data = []byte(`{"tracking_number":"SHIP-00000000"}`)

			got, res, err := s.Persist(context.Background(), retry)
			require.NoError(t, err)
			assert.Equal(t, store.AlreadyApplied, res)
			assert.JSONEq(t, `{"tracking_number":"SHIP-FFFFFFFF"}`, string(got.Data))
			assert.Equal(t, createdAt, got.CreatedAt)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestPersistFailure(t *testing.T) {
	s, mock := newMock(t, Postgres)
	mock.ExpectExec("INSERT INTO stage_records").WillReturnError(errors.New("connection refused"))

	_, _, err := s.Persist(context.Background(), shipment())
	assert.ErrorIs(t, err, errspkg.ErrPersistence)
	assert.Contains(t, err.Error(), "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistDuplicateReadFailure(t *testing.T) {
	s, mock := newMock(t, MySQL)
	mock.ExpectExec("INSERT").WillReturnError(&mysql.MySQLError{Number: 1062})
	mock.ExpectQuery("SELECT").WillReturnError(errors.New("timeout"))

	_, _, err := s.Persist(context.Background(), shipment())
	assert.ErrorIs(t, err, errspkg.ErrPersistence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistRejectsMissingKey(t *testing.T) {
	s, mock := newMock(t, Postgres)
	_, _, err := s.Persist(context.Background(), store.Record{Stage: "payment"})
	assert.ErrorIs(t, err, errspkg.ErrPersistence)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	s, mock := newMock(t, Postgres)
	mock.ExpectQuery("SELECT").WithArgs("payment", "o-404").WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), "payment", "o-404")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDialectQueries(t *testing.T) {
	pg := New(nil, Postgres)
	assert.Regexp(t, regexp.MustCompile(`VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\)`), pg.insert)
	assert.Contains(t, pg.query, "WHERE stage = $1 AND order_id = $2")

	my := New(nil, MySQL)
	assert.Contains(t, my.insert, "VALUES (?, ?, ?, ?, ?, ?)")
	assert.Contains(t, my.query, "WHERE stage = ? AND order_id = ?")

	assert.False(t, Postgres.IsDuplicate(&mysql.MySQLError{Number: 1062}))
	assert.False(t, MySQL.IsDuplicate(&pgconn.PgError{Code: "23505"}))
	assert.False(t, Postgres.IsDuplicate(&pgconn.PgError{Code: "23503"}))
}

func TestOpenPingFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	orig := SQLOpen
	t.Cleanup(func() { SQLOpen = orig })
	SQLOpen = func(driver, dsn string) (*sql.DB, error) {
		assert.Equal(t, "pgx", driver)
		return db, nil
	}

	mock.ExpectPing().WillReturnError(errors.New("no route to host"))
	mock.ExpectClose()

	_, err = Open(context.Background(), Postgres, "postgres://localhost/orders")
	assert.ErrorContains(t, err, "postgres: ping: no route to host")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpen(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)

	orig := SQLOpen
	t.Cleanup(func() { SQLOpen = orig })
	var opened string
	SQLOpen = func(driver, dsn string) (*sql.DB, error) {
		assert.Equal(t, "mysql", driver)
		opened = dsn
		return db, nil
	}

	mock.ExpectPing()
	s, err := Open(context.Background(), MySQL, "root@tcp(localhost:3306)/orders?parseTime=false")
	require.NoError(t, err)

	cfg, err := mysql.ParseDSN(opened)
	require.NoError(t, err)
	assert.True(t, cfg.ParseTime)
	assert.Equal(t, "orders", cfg.DBName)

	mock.ExpectClose()
	require.NoError(t, s.Close())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRejectsMalformedMySQLDSN(t *testing.T) {
	orig := SQLOpen
	t.Cleanup(func() { SQLOpen = orig })
	SQLOpen = func(string, string) (*sql.DB, error) {
		t.Fatal("driver must not be opened with a malformed dsn")
		return nil, nil
	}

	_, err := Open(context.Background(), MySQL, "root@tcp(localhost:3306")
	assert.ErrorContains(t, err, "mysql: parse dsn")
}

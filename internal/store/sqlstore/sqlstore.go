// Package sqlstore persists stage records in a relational table through
// database/sql, over the pgx driver for Postgres or go-sql-driver for MySQL.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/drblury/orderflow/internal/store"
)

const table = "stage_records"

const (
	insertQuery = `
		INSERT INTO %s (stage, order_id, user_id, status, data, created_at)
		VALUES (%s, %s, %s, %s, %s, %s)`

	selectQuery = `
		SELECT stage, order_id, user_id, status, data, created_at
		FROM %s
		WHERE stage = %s AND order_id = %s`
)

// Dialect captures the differences between the supported databases.
type Dialect struct {
	Name   string
	Driver string

	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string

	// IsDuplicate reports a primary key violation.
	IsDuplicate func(err error) bool

	// NormalizeDSN, when set, rewrites the DSN before it reaches the driver.
	NormalizeDSN func(dsn string) (string, error)
}

var (
	Postgres = Dialect{
		Name:        "postgres",
		Driver:      "pgx",
		Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
		IsDuplicate: func(err error) bool {
			var pgErr *pgconn.PgError
			return errors.As(err, &pgErr) && pgErr.Code == "23505"
		},
	}
	MySQL = Dialect{
		Name:        "mysql",
		Driver:      "mysql",
		Placeholder: func(int) string { return "?" },
		IsDuplicate: func(err error) bool {
			var mysqlErr *mysql.MySQLError
			return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
		},
		NormalizeDSN: mysqlParseTime,
	}
)

// mysqlParseTime forces parseTime so DATETIME columns scan into time.Time.
func mysqlParseTime(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", err
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

// SQLOpen is overridden in tests.
var SQLOpen = sql.Open

// Store writes records with a plain INSERT and relies on the (stage, order_id)
// primary key for idempotency.
type Store struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time

	insert string
	query  string
}

// New wraps an open database handle.
func New(db *sql.DB, dialect Dialect) *Store {
	p := dialect.Placeholder
	return &Store{
		db:      db,
		dialect: dialect,
		now:     time.Now,
		insert:  fmt.Sprintf(insertQuery, table, p(1), p(2), p(3), p(4), p(5), p(6)),
		query:   fmt.Sprintf(selectQuery, table, p(1), p(2)),
	}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	if dialect.NormalizeDSN != nil {
		normalized, err := dialect.NormalizeDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("%s: parse dsn: %w", dialect.Name, err)
		}
		dsn = normalized
	}
	db, err := SQLOpen(dialect.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: open: %w", dialect.Name, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%s: ping: %w", dialect.Name, err)
	}
	return New(db, dialect), nil
}

func (s *Store) Persist(ctx context.Context, r store.Record) (store.Record, store.Result, error) {
	r, err := store.Prepare(r, s.now())
	if err != nil {
		return store.Record{}, 0, err
	}

	_, err = s.db.ExecContext(ctx, s.insert,
		r.Stage,
		r.OrderID,
		r.UserID,
		string(r.Status),
		[]byte(r.Data),
		r.CreatedAt,
	)
	if err == nil {
		return r, store.Applied, nil
	}
	if !s.dialect.IsDuplicate(err) {
		return store.Record{}, 0, store.Fail(fmt.Sprintf("insert into %s", table), err)
	}

	existing, err := s.Get(ctx, r.Stage, r.OrderID)
	if err != nil {
		return store.Record{}, 0, store.Fail("read existing record", err)
	}
	return existing, store.AlreadyApplied, nil
}

func (s *Store) Get(ctx context.Context, stage, orderID string) (store.Record, error) {
	var (
		r      store.Record
		status string
		data   []byte
	)
	err := s.db.QueryRowContext(ctx, s.query, stage, orderID).Scan(
		&r.Stage,
		&r.OrderID,
		&r.UserID,
		&status,
		&data,
		&r.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Record{}, store.ErrNotFound
	}
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to scan record row: %w", err)
	}
	r.Status = store.Status(status)
	r.Data = data
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Package store defines the idempotent persistence contract each stage writes
// its record through. A record is keyed by (stage, order id) and written at
// most once.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
)

// Result tells whether Persist wrote the record or found an earlier one.
type Result int

const (
	Applied Result = iota + 1
	AlreadyApplied
)

func (r Result) String() string {
	switch r {
	case Applied:
		return "applied"
	case AlreadyApplied:
		return "already_applied"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Status is the logical status of a stage record.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAuthorized Status = "AUTHORIZED"
	StatusReserved   Status = "RESERVED"
	StatusReady      Status = "READY"
)

// StageOrder keys the record written by the intake endpoint.
const StageOrder = "order"

// ErrNotFound is returned by Get when no record exists.
var ErrNotFound = errors.New("store: record not found")

// Record is one stage's state for one order. Data holds the stage-specific
// derived fields as a JSON object.
type Record struct {
	Stage     string          `json:"stage"`
	OrderID   string          `json:"order_id"`
	UserID    string          `json:"user_id"`
	Status    Status          `json:"status"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Key returns the record's identity as "stage/order_id".
func (r Record) Key() string {
	return r.Stage + "/" + r.OrderID
}

// Store persists stage records.
type Store interface {
	// Persist writes r unless a record with the same key exists. On
	// AlreadyApplied the stored record is returned unchanged. Failures wrap
	// errors.ErrPersistence.
	Persist(ctx context.Context, r Record) (Record, Result, error)

	// Get returns the record for (stage, orderID) or ErrNotFound.
	Get(ctx context.Context, stage, orderID string) (Record, error)

	Close() error
}

// Prepare validates r and fills in defaults shared by every backend.
func Prepare(r Record, now time.Time) (Record, error) {
	if strings.TrimSpace(r.Stage) == "" || strings.TrimSpace(r.OrderID) == "" {
		return Record{}, fmt.Errorf("%w: stage and order_id are required", errspkg.ErrPersistence)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.CreatedAt = r.CreatedAt.UTC()
	if len(r.Data) == 0 {
		r.Data = json.RawMessage(`{}`)
	}
	return r, nil
}

// Fail wraps err as a persistence failure.
func Fail(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", errspkg.ErrPersistence, op, err)
}

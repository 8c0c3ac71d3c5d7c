package store

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/orderflow/internal/runtime/errors"
)

func TestPrepare(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

	r, err := Prepare(Record{Stage: "payment", OrderID: "o-1"}, now)
	require.NoError(t, err)
	assert.Equal(t, now.UTC(), r.CreatedAt)
	assert.Equal(t, time.UTC, r.CreatedAt.Location())
	assert.JSONEq(t, `{}`, string(r.Data))

	kept := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r, err = Prepare(Record{Stage: "payment", OrderID: "o-1", CreatedAt: kept, Data: []byte(`{"a":1}`)}, now)
	require.NoError(t, err)
	assert.Equal(t, kept, r.CreatedAt)
	assert.JSONEq(t, `{"a":1}`, string(r.Data))
}

func TestPrepareRequiresKey(t *testing.T) {
	for _, r := range []Record{{Stage: "payment"}, {OrderID: "o-1"}, {Stage: " ", OrderID: "o-1"}} {
		_, err := Prepare(r, time.Now())
		assert.ErrorIs(t, err, errspkg.ErrPersistence)
	}
}

func TestFailWrapsPersistence(t *testing.T) {
	cause := errors.New("disk full")
	err := Fail("insert", cause)
	assert.ErrorIs(t, err, errspkg.ErrPersistence)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, errspkg.KindPersistence, errspkg.Classify(err))
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "applied", Applied.String())
	assert.Equal(t, "already_applied", AlreadyApplied.String())
	assert.Equal(t, "Result(0)", Result(0).String())
	assert.Equal(t, "payment/o-1", Record{Stage: "payment", OrderID: "o-1"}.Key())
}

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedWrite struct {
	col    string
	fields Fields
}

// recorder fails writes that use any column in missing with SQLSTATE 42703.
func recorder(missing ...string) (*[]recordedWrite, func(ctx context.Context, col string, f Fields) error) {
	var calls []recordedWrite
	return &calls, func(ctx context.Context, col string, f Fields) error {
		calls = append(calls, recordedWrite{col: col, fields: f})
		for _, m := range missing {
			if m == col {
				return &pgconn.PgError{Code: "42703", Message: `column "` + col + `" of relation "jobs" does not exist`}
			}
		}
		return nil
	}
}

func TestWriteLeaseField_FallsBackToLegacyColumn(t *testing.T) {
	q := New(nil, Options{LeaseDuration: time.Minute})
	deadline := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	base := Fields{"status": "processing"}

	calls, write := recorder(LeaseColumn)
	require.NoError(t, q.writeLeaseField(context.Background(), base, deadline, write))

	require.Len(t, *calls, 2)
	assert.Equal(t, Fields{"status": "processing", "visibility_timeout_at": deadline}, (*calls)[0].fields)
	assert.Equal(t, Fields{"status": "processing", "visibility_timeout": deadline}, (*calls)[1].fields)
	assert.Equal(t, LegacyLeaseColumn, (*calls)[1].col)

	// base payload is untouched
	assert.Equal(t, Fields{"status": "processing"}, base)
}

func TestWriteLeaseField_FallbackIsSticky(t *testing.T) {
	q := New(nil, Options{})
	calls, write := recorder(LeaseColumn)

	require.NoError(t, q.writeLeaseField(context.Background(), Fields{}, nil, write))
	require.NoError(t, q.writeLeaseField(context.Background(), Fields{}, nil, write))

	require.Len(t, *calls, 3)
	assert.Equal(t, LegacyLeaseColumn, (*calls)[2].col)
}

func TestWriteLeaseField_PrimaryColumnNeedsOneAttempt(t *testing.T) {
	q := New(nil, Options{})
	calls, write := recorder()

	require.NoError(t, q.writeLeaseField(context.Background(), Fields{"status": "failed"}, nil, write))
	require.Len(t, *calls, 1)
	assert.Equal(t, Fields{"status": "failed", "visibility_timeout_at": nil}, (*calls)[0].fields)
}

func TestWriteLeaseField_NoColumnLeft(t *testing.T) {
	q := New(nil, Options{})
	_, write := recorder(LeaseColumn, LegacyLeaseColumn)

	err := q.writeLeaseField(context.Background(), Fields{}, nil, write)
	assert.ErrorIs(t, err, ErrNoLeaseColumn)
}

func TestWriteLeaseField_OtherErrorsPassThrough(t *testing.T) {
	q := New(nil, Options{})
	boom := errors.New("connection refused")
	calls := 0
	err := q.writeLeaseField(context.Background(), Fields{}, nil, func(ctx context.Context, col string, f Fields) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	col, _ := q.leaseColumn()
	assert.Equal(t, LeaseColumn, col)
}

func TestArgs_SetIsSortedAndNumbered(t *testing.T) {
	var a args
	set := a.set(Fields{"status": "pending", "retry_count": 2, "error_message": nil})
	where := a.add("some-id")

	assert.Equal(t, `"error_message" = $1, "retry_count" = $2, "status" = $3`, set)
	assert.Equal(t, "$4", where)
	assert.Equal(t, []any{nil, 2, "pending", "some-id"}, a.values)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, isTransient(nil))
	assert.False(t, isTransient(ErrNotProcessing))
	assert.False(t, isTransient(context.Canceled))
	assert.False(t, isTransient(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isTransient(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isTransient(errors.New("read: connection reset by peer")))
}

func TestIsClaimRetryable_NotOnConnectionLoss(t *testing.T) {
	assert.True(t, isClaimRetryable(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isClaimRetryable(&pgconn.PgError{Code: "40P01"}))

	for _, code := range []string{"08006", "08003", "57P01"} {
		assert.True(t, isTransient(&pgconn.PgError{Code: code}), code)
		assert.False(t, isClaimRetryable(&pgconn.PgError{Code: code}), code)
	}
	assert.False(t, isClaimRetryable(errors.New("read: connection reset by peer")))
	assert.False(t, isClaimRetryable(context.Canceled))
	assert.False(t, isClaimRetryable(nil))
}

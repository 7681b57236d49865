package queue

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Lease column names, in probe order. Older deployments carry the second one.
const (
	LeaseColumn       = "visibility_timeout_at"
	LegacyLeaseColumn = "visibility_timeout"
)

// sqlStateUndefinedColumn is raised when a statement names a column the table lacks.
const sqlStateUndefinedColumn = "42703"

// Fields is a column -> value set for an UPDATE. A nil value writes NULL.
type Fields map[string]any

// with returns a copy of f with one extra column. f itself is never modified.
func (f Fields) with(col string, value any) Fields {
	out := make(Fields, len(f)+1)
	for k, v := range f {
		out[k] = v
	}
	out[col] = value
	return out
}

// args numbers positional parameters as they are added.
type args struct {
	values []any
}

func (a *args) add(v any) string {
	a.values = append(a.values, v)
	return "$" + strconv.Itoa(len(a.values))
}

// set renders "col = $n, ..." in column order so statements are stable.
func (a *args) set(f Fields) string {
	cols := make([]string, 0, len(f))
	for col := range f {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	parts := make([]string, 0, len(cols))
	for _, col := range cols {
		parts = append(parts, pgx.Identifier{col}.Sanitize()+" = "+a.add(f[col]))
	}
	return strings.Join(parts, ", ")
}

func isUndefinedColumn(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == sqlStateUndefinedColumn
}

// leaseColumns tracks which lease column name this deployment uses. Once a
// fallback happens it sticks for the life of the process.
type leaseColumns struct {
	candidates []string
	current    int
}

func (q *Queue) leaseColumn() (string, int) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.lease.candidates[q.lease.current], q.lease.current
}

// advance moves past the column at idx. It reports false when there is no
// candidate left.
func (q *Queue) advance(idx int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lease.current != idx {
		// another goroutine already moved on
		return true
	}
	if idx+1 >= len(q.lease.candidates) {
		return false
	}
	q.lease.current = idx + 1
	slog.Warn("queue.lease_column_fallback",
		"from", q.lease.candidates[idx],
		"to", q.lease.candidates[idx+1],
	)
	return true
}

// withLeaseColumn runs fn with the current lease column name and, if the
// database rejects that name as undefined, once more with each remaining
// candidate. Only the column name changes between attempts.
func (q *Queue) withLeaseColumn(ctx context.Context, fn func(ctx context.Context, col string) error) error {
	for {
		col, idx := q.leaseColumn()
		err := fn(ctx, col)
		if err == nil || !isUndefinedColumn(err) {
			return err
		}
		if !q.advance(idx) {
			return errors.Join(ErrNoLeaseColumn, err)
		}
	}
}

// writeLeaseField performs a write of base plus the lease column set to value.
// On an undefined-column error the same base payload is retried under the
// next column name.
func (q *Queue) writeLeaseField(ctx context.Context, base Fields, value any, write func(ctx context.Context, col string, fields Fields) error) error {
	return q.withLeaseColumn(ctx, func(ctx context.Context, col string) error {
		return write(ctx, col, base.with(col, value))
	})
}

// Probe finds the lease column by selecting each candidate from an empty
// result set. Run it once at startup.
func (q *Queue) Probe(ctx context.Context) (string, error) {
	for i, col := range q.lease.candidates {
		_, err := q.pool.Exec(ctx, "SELECT "+pgx.Identifier{col}.Sanitize()+" FROM jobs LIMIT 0")
		if err == nil {
			q.mu.Lock()
			q.lease.current = i
			q.mu.Unlock()
			slog.Info("queue.probe", "lease_column", col)
			return col, nil
		}
		if !isUndefinedColumn(err) {
			return "", err
		}
	}
	return "", ErrNoLeaseColumn
}

// Package queue is the durable job lease queue. Every transition is a
// conditional UPDATE on the jobs row; the row lock taken by a claim is the
// only mutual exclusion between workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/cardscan/internal/retry"
	"github.com/kiranshivaraju/cardscan/pkg/models"
)

var (
	// ErrNotProcessing means the job was no longer in the state the caller
	// held: it finished, or was requeued and possibly re-claimed elsewhere.
	ErrNotProcessing = errors.New("job is not processing under this lease")

	// ErrNoLeaseColumn means neither lease column name exists on jobs.
	ErrNoLeaseColumn = errors.New("jobs table has no visibility timeout column")
)

// ExceededRetryLimit is the error message stored on jobs failed by the monitor.
const ExceededRetryLimit = "exceeded retry limit"

// Options configures a Queue.
type Options struct {
	LeaseDuration time.Duration
	MaxRetries    int
	Retry         retry.Policy
	Now           func() time.Time
}

// Queue implements claim, complete, fail, extend, and requeue over Postgres.
type Queue struct {
	pool          *pgxpool.Pool
	leaseDuration time.Duration
	maxRetries    int
	policy        retry.Policy
	now           func() time.Time

	mu    sync.RWMutex
	lease leaseColumns
}

// New creates a Queue. Call Probe before first use to pick the lease column.
func New(pool *pgxpool.Pool, opts Options) *Queue {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.Default()
	}
	opts.Retry.Retryable = isTransient
	return &Queue{
		pool:          pool,
		leaseDuration: opts.LeaseDuration,
		maxRetries:    opts.MaxRetries,
		policy:        opts.Retry,
		now:           opts.Now,
		lease:         leaseColumns{candidates: []string{LeaseColumn, LegacyLeaseColumn}},
	}
}

// MaxRetries is the requeue cap.
func (q *Queue) MaxRetries() int { return q.maxRetries }

// LeaseDuration is the lease granted by ClaimNext.
func (q *Queue) LeaseDuration() time.Duration { return q.leaseDuration }

// Cutoffs decides which processing jobs count as stuck: the lease ended
// before Lease, or the job started before Started.
type Cutoffs struct {
	Lease   time.Time
	Started time.Time
}

// CutoffsAt returns the cutoffs for a sweep at now.
func CutoffsAt(now time.Time, grace, hardTimeout time.Duration) Cutoffs {
	return Cutoffs{Lease: now.Add(-grace), Started: now.Add(-hardTimeout)}
}

func jobColumns(leaseCol string) string {
	return "id, scan_id, payload, status, created_at, started_at, " + pgx.Identifier{leaseCol}.Sanitize() +
		", retry_count, finished_at, error_message, results"
}

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	var payload, results []byte
	if err := row.Scan(&j.ID, &j.ScanID, &payload, &j.Status, &j.CreatedAt, &j.StartedAt,
		&j.VisibilityDeadline, &j.RetryCount, &j.FinishedAt, &j.ErrorMessage, &results); err != nil {
		return nil, err
	}
	j.Payload = payload
	j.Results = results
	return &j, nil
}

// ClaimNext leases the oldest pending job to the caller, or returns nil when
// nothing is pending. Rows locked by concurrent claimers are skipped.
func (q *Queue) ClaimNext(ctx context.Context) (*models.Job, error) {
	var claimed *models.Job
	policy := q.policy
	policy.Retryable = isClaimRetryable
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		now := q.now().UTC()
		base := Fields{
			"status":        models.JobStatusProcessing,
			"started_at":    now,
			"error_message": nil,
		}
		return q.writeLeaseField(ctx, base, now.Add(q.leaseDuration), func(ctx context.Context, col string, f Fields) error {
			job, err := q.claimTx(ctx, col, f)
			claimed = job
			return err
		})
	})
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return claimed, nil
}

func (q *Queue) claimTx(ctx context.Context, leaseCol string, f Fields) (*models.Job, error) {
	tx, err := q.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var a args
	sql := `UPDATE jobs SET ` + a.set(f) + `
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ` + a.add(models.JobStatusPending) + `
			ORDER BY created_at, id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns(leaseCol)

	job, err := scanJob(tx.QueryRow(ctx, sql, a.values...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := mirrorScan(ctx, tx, job.ScanID, models.ScanStatusProcessing, nil, nil, false); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete marks the caller's leased job completed and publishes results to
// its ScanUpload.
func (q *Queue) Complete(ctx context.Context, job *models.Job, results []byte) error {
	now := q.now().UTC()
	base := Fields{
		"status":        models.JobStatusCompleted,
		"finished_at":   now,
		"error_message": nil,
		"results":       jsonParam(results),
	}
	err := q.transition(ctx, job, base, nil, nil, func(ctx context.Context, tx pgx.Tx) error {
		return mirrorScan(ctx, tx, job.ScanID, models.ScanStatusReady, results, nil, true)
	})
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	return nil
}

// Fail marks the caller's leased job failed with msg.
func (q *Queue) Fail(ctx context.Context, job *models.Job, msg string) error {
	now := q.now().UTC()
	base := Fields{
		"status":        models.JobStatusFailed,
		"finished_at":   now,
		"error_message": msg,
	}
	err := q.transition(ctx, job, base, nil, nil, func(ctx context.Context, tx pgx.Tx) error {
		return mirrorScan(ctx, tx, job.ScanID, models.ScanStatusFailed, nil, &msg, true)
	})
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	return nil
}

// ExtendLease moves the lease deadline of a job still held by the caller.
// Repeating it with the same deadline is harmless.
func (q *Queue) ExtendLease(ctx context.Context, job *models.Job, deadline time.Time) error {
	deadline = deadline.UTC()
	err := q.transition(ctx, job, Fields{}, deadline, nil, nil)
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", job.ID, err)
	}
	job.VisibilityDeadline = &deadline
	return nil
}

// ListExpired returns processing jobs whose lease or start time is past the cutoffs.
func (q *Queue) ListExpired(ctx context.Context, c Cutoffs) ([]*models.Job, error) {
	var jobs []*models.Job
	err := retry.Do(ctx, q.policy, func(ctx context.Context) error {
		return q.withLeaseColumn(ctx, func(ctx context.Context, col string) error {
			var a args
			sql := `SELECT ` + jobColumns(col) + ` FROM jobs
				WHERE status = ` + a.add(models.JobStatusProcessing) + `
				AND (` + pgx.Identifier{col}.Sanitize() + ` < ` + a.add(c.Lease.UTC()) +
				` OR started_at < ` + a.add(c.Started.UTC()) + `)
				ORDER BY started_at`
			rows, err := q.pool.Query(ctx, sql, a.values...)
			if err != nil {
				return err
			}
			defer rows.Close()

			jobs = jobs[:0]
			for rows.Next() {
				job, err := scanJob(rows)
				if err != nil {
					return err
				}
				jobs = append(jobs, job)
			}
			return rows.Err()
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list expired jobs: %w", err)
	}
	return jobs, nil
}

// Requeue puts a stuck job back to pending and bumps retry_count. It only
// applies if the job is still stuck under the same attempt and below the cap.
func (q *Queue) Requeue(ctx context.Context, job *models.Job, c Cutoffs) error {
	if job.RetryCount >= q.maxRetries {
		return fmt.Errorf("requeue job %s: retry count %d at cap %d", job.ID, job.RetryCount, q.maxRetries)
	}
	base := Fields{
		"status":        models.JobStatusPending,
		"started_at":    nil,
		"retry_count":   job.RetryCount + 1,
		"error_message": nil,
	}
	err := q.transition(ctx, job, base, nil, &c, func(ctx context.Context, tx pgx.Tx) error {
		return mirrorScan(ctx, tx, job.ScanID, models.ScanStatusQueued, nil, nil, true)
	})
	if err != nil {
		return fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	return nil
}

// FailExhausted terminally fails a stuck job that has used all its retries.
func (q *Queue) FailExhausted(ctx context.Context, job *models.Job, c Cutoffs) error {
	msg := ExceededRetryLimit
	base := Fields{
		"status":        models.JobStatusFailed,
		"finished_at":   q.now().UTC(),
		"error_message": msg,
	}
	err := q.transition(ctx, job, base, nil, &c, func(ctx context.Context, tx pgx.Tx) error {
		return mirrorScan(ctx, tx, job.ScanID, models.ScanStatusFailed, nil, &msg, true)
	})
	if err != nil {
		return fmt.Errorf("fail exhausted job %s: %w", job.ID, err)
	}
	return nil
}

// transition applies base plus the lease column (set to lease, nil clears it)
// to the job row, guarded by status = processing and the caller's
// retry_count. With stuck set, the row must also still be past the cutoffs.
// after runs in the same transaction.
func (q *Queue) transition(ctx context.Context, job *models.Job, base Fields, lease any, stuck *Cutoffs, after func(ctx context.Context, tx pgx.Tx) error) error {
	return retry.Do(ctx, q.policy, func(ctx context.Context) error {
		return q.writeLeaseField(ctx, base, lease, func(ctx context.Context, col string, f Fields) error {
			tx, err := q.pool.Begin(ctx)
			if err != nil {
				return err
			}
			defer tx.Rollback(ctx)

			var a args
			sql := `UPDATE jobs SET ` + a.set(f) + `
				WHERE id = ` + a.add(job.ID) + `
				AND status = ` + a.add(models.JobStatusProcessing) + `
				AND retry_count = ` + a.add(job.RetryCount)
			if stuck != nil {
				sql += ` AND (` + pgx.Identifier{col}.Sanitize() + ` < ` + a.add(stuck.Lease.UTC()) +
					` OR started_at < ` + a.add(stuck.Started.UTC()) + `)`
			}
			tag, err := tx.Exec(ctx, sql, a.values...)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return ErrNotProcessing
			}
			if after != nil {
				if err := after(ctx, tx); err != nil {
					return err
				}
			}
			return tx.Commit(ctx)
		})
	})
}

// mirrorScan copies a job transition onto its ScanUpload.
func mirrorScan(ctx context.Context, tx pgx.Tx, scanID uuid.UUID, status string, results []byte, errMsg *string, setOutcome bool) error {
	var sql string
	var a args
	if setOutcome {
		sql = `UPDATE scan_uploads SET processing_status = ` + a.add(status) +
			`, results = ` + a.add(jsonParam(results)) +
			`, error_message = ` + a.add(errMsg) +
			`, updated_at = NOW() WHERE id = ` + a.add(scanID)
	} else {
		sql = `UPDATE scan_uploads SET processing_status = ` + a.add(status) +
			`, updated_at = NOW() WHERE id = ` + a.add(scanID)
	}
	if _, err := tx.Exec(ctx, sql, a.values...); err != nil {
		return fmt.Errorf("mirror scan status: %w", err)
	}
	return nil
}

func jsonParam(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// isTransient decides which queue errors are worth retrying: connection
// trouble and serialization conflicts, not lost transitions or SQL errors.
func isTransient(err error) bool {
	if err == nil || errors.Is(err, ErrNotProcessing) || errors.Is(err, ErrNoLeaseColumn) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "57P01", "08006", "08003":
			return true
		}
		return false
	}
	return retry.IsRetryable(err)
}

// isClaimRetryable is isTransient minus connection loss: a claim whose commit
// reached the server but whose reply was lost must not claim a second job.
func isClaimRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	return pgconn.SafeToRetry(err)
}

// Package queue is a job source backed by the job_queue table of a named
// SQLite connection.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/jobd/internal/job"
)

const DefaultBatchSize = 100

// Fixed width so timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// DB leases the current handle for a named connection. The handle may
// change between calls when connections are renewed, but a leased one stays
// open until released.
type DB interface {
	Acquire(ctx context.Context, name string) (*sql.DB, func(), error)
}

type Queue struct {
	conns DB
	name  string
	batch int
	pid   func() int
	now   func() time.Time
}

// New returns a queue reading from connection name. A batch below 1 uses
// DefaultBatchSize.
func New(conns DB, name string, batch int) *Queue {
	if batch < 1 {
		batch = DefaultBatchSize
	}
	return &Queue{
		conns: conns,
		name:  name,
		batch: batch,
		pid:   os.Getpid,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (q *Queue) db(ctx context.Context) (*sql.DB, func(), error) {
	db, release, err := q.conns.Acquire(ctx, q.name)
	if err != nil {
		return nil, nil, fmt.Errorf("queue connection: %w", err)
	}
	return db, release, nil
}

// Enqueue inserts a queued job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload json.RawMessage) (string, error) {
	if kind == "" {
		return "", fmt.Errorf("kind is empty")
	}
	db, release, err := q.db(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	id := uuid.NewString()
	var p any
	if len(payload) > 0 {
		p = string(payload)
	}
	_, err = db.ExecContext(ctx, `
INSERT INTO job_queue(id, kind, payload, status, created_at)
VALUES(?, ?, ?, ?, ?);
`, id, kind, p, StatusQueued, q.now().Format(timeLayout))
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// ListPending claims up to one batch of queued jobs, oldest first, and marks
// them running so the next call does not return them again.
func (q *Queue) ListPending(ctx context.Context) ([]job.Job, error) {
	db, release, err := q.db(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := db.QueryContext(ctx, `
WITH next AS (
  SELECT id
  FROM job_queue
  WHERE status = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT ?
)
UPDATE job_queue
SET status = ?, claimed_at = ?, claimed_by = ?
WHERE id IN (SELECT id FROM next)
RETURNING rowid, id, kind, payload, created_at;
`, StatusQueued, q.batch, StatusRunning, q.now().Format(timeLayout), q.pid())
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		rowid     int64
		createdAt string
		job       job.Job
	}
	var batch []claimed
	for rows.Next() {
		var (
			c       claimed
			payload sql.NullString
		)
		if err := rows.Scan(&c.rowid, &c.job.ID, &c.job.Kind, &payload, &c.createdAt); err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		if payload.Valid {
			c.job.Payload = json.RawMessage(payload.String)
		}
		batch = append(batch, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}

	// RETURNING order is unspecified.
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].createdAt != batch[j].createdAt {
			return batch[i].createdAt < batch[j].createdAt
		}
		return batch[i].rowid < batch[j].rowid
	})
	out := make([]job.Job, 0, len(batch))
	for _, c := range batch {
		out = append(out, c.job)
	}
	return out, nil
}

// Complete records the outcome of a claimed job in job_queue and job_log.
func (q *Queue) Complete(ctx context.Context, j job.Job, ok bool) error {
	if j.ID == "" {
		return fmt.Errorf("job id is empty")
	}
	db, release, err := q.db(ctx)
	if err != nil {
		return err
	}
	defer release()

	status := StatusFailed
	if ok {
		status = StatusSucceeded
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var kind, createdAt string
	if err := tx.QueryRowContext(ctx, `SELECT kind, created_at FROM job_queue WHERE id = ?;`, j.ID).Scan(&kind, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, j.ID)
		}
		return fmt.Errorf("load job for completion: %w", err)
	}

	completedAt := q.now().Format(timeLayout)
	if _, err := tx.ExecContext(ctx, `
UPDATE job_queue
SET status = ?, completed_at = ?
WHERE id = ?;
`, status, completedAt, j.ID); err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT OR REPLACE INTO job_log(id, kind, status, created_at, completed_at, worker_pid)
VALUES(?, ?, ?, ?, ?, ?);
`, j.ID, kind, status, createdAt, completedAt, q.pid()); err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Release puts claimed jobs back in the queued state.
func (q *Queue) Release(ctx context.Context, jobs []job.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	db, release, err := q.db(ctx)
	if err != nil {
		return err
	}
	defer release()

	args := []any{StatusQueued, StatusRunning}
	marks := make([]string, 0, len(jobs))
	for _, j := range jobs {
		marks = append(marks, "?")
		args = append(args, j.ID)
	}
	query := fmt.Sprintf(`
UPDATE job_queue
SET status = ?, claimed_at = NULL, claimed_by = NULL
WHERE status = ? AND id IN (%s);
`, strings.Join(marks, ", "))
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("release jobs: %w", err)
	}
	return nil
}

// Get loads a single job_queue row.
func (q *Queue) Get(ctx context.Context, id string) (*Record, error) {
	db, release, err := q.db(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var (
		r           Record
		payload     sql.NullString
		createdAt   string
		claimedAt   sql.NullString
		claimedBy   sql.NullInt64
		completedAt sql.NullString
	)
	err = db.QueryRowContext(ctx, `
SELECT id, kind, payload, status, created_at, claimed_at, claimed_by, completed_at
FROM job_queue
WHERE id = ?;
`, id).Scan(&r.ID, &r.Kind, &payload, &r.Status, &createdAt, &claimedAt, &claimedBy, &completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}
		return nil, fmt.Errorf("get job: %w", err)
	}

	if payload.Valid {
		r.Payload = json.RawMessage(payload.String)
	}
	if r.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if r.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return nil, fmt.Errorf("parse claimed_at: %w", err)
	}
	if r.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, fmt.Errorf("parse completed_at: %w", err)
	}
	if claimedBy.Valid {
		pid := int(claimedBy.Int64)
		r.ClaimedBy = &pid
	}
	return &r, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package queue is the durable Postgres job queue and the worker runtime
// that drains it. Claims use FOR UPDATE SKIP LOCKED so concurrent workers
// never double-claim; a partial unique index keeps at most one active job
// per document.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

const (
	KindIngestDocument  = "ingest_document"
	KindReindexDocument = "reindex_document"
	KindKeyRotation     = "key_rotation"
	KindRetentionRun    = "retention_run"
	KindDSARRun         = "dsar_run"
	KindBackupRun       = "backup_run"

	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusDead       = "dead"

	DefaultMaxAttempts = 3
)

// ErrDocumentBusy is returned when a document already has an active job.
var ErrDocumentBusy = apierrors.New(apierrors.CodeConflict, "document already has an active job")

type Job struct {
	ID          string          `db:"id" json:"id"`
	Kind        string          `db:"kind" json:"kind"`
	TenantID    *string         `db:"tenant_id" json:"tenant_id,omitempty"`
	DocumentID  *string         `db:"document_id" json:"document_id,omitempty"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	Status      string          `db:"status" json:"status"`
	Priority    int             `db:"priority" json:"priority"`
	Attempts    int             `db:"attempts" json:"attempts"`
	MaxAttempts int             `db:"max_attempts" json:"max_attempts"`
	WorkerID    *string         `db:"worker_id" json:"worker_id,omitempty"`
	Error       *string         `db:"error" json:"error,omitempty"`
	RunAfter    time.Time       `db:"run_after" json:"run_after"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	StartedAt   *time.Time      `db:"started_at" json:"started_at,omitempty"`
	FinishedAt  *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
}

// Enqueue describes one job submission.
type Enqueue struct {
	Kind       string
	TenantID   string
	DocumentID string
	Payload    any
	Priority   int
}

type Queue struct {
	store *storage.Store
}

func NewQueue(store *storage.Store) *Queue {
	return &Queue{store: store}
}

func (q *Queue) db() *sqlx.DB { return q.store.DB() }

// Push inserts a queued job. Document-bound kinds conflict with any active
// job on the same document.
func (q *Queue) Push(ctx context.Context, req Enqueue) (*Job, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding job payload, %w", err)
	}
	if req.Payload == nil {
		payload = json.RawMessage(`{}`)
	}
	job := Job{
		ID:          uuid.NewString(),
		Kind:        req.Kind,
		TenantID:    nilIfEmpty(req.TenantID),
		DocumentID:  nilIfEmpty(req.DocumentID),
		Payload:     payload,
		Status:      StatusQueued,
		Priority:    req.Priority,
		MaxAttempts: DefaultMaxAttempts,
		RunAfter:    time.Now().UTC(),
	}
	_, err = q.db().ExecContext(ctx, `
		INSERT INTO jobs (id, kind, tenant_id, document_id, payload, status, priority, max_attempts, run_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.Kind, job.TenantID, job.DocumentID, job.Payload, job.Status,
		job.Priority, job.MaxAttempts, job.RunAfter)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDocumentBusy
		}
		return nil, fmt.Errorf("inserting %s job, %w", req.Kind, err)
	}
	return &job, nil
}

// PushTx inserts a queued job inside the caller's transaction, so a
// document row and its ingestion job commit or roll back together.
func (q *Queue) PushTx(ctx context.Context, tx *sqlx.Tx, req Enqueue) (*Job, error) {
	payload, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("encoding job payload, %w", err)
	}
	if req.Payload == nil {
		payload = json.RawMessage(`{}`)
	}
	job := Job{
		ID:          uuid.NewString(),
		Kind:        req.Kind,
		TenantID:    nilIfEmpty(req.TenantID),
		DocumentID:  nilIfEmpty(req.DocumentID),
		Payload:     payload,
		Status:      StatusQueued,
		Priority:    req.Priority,
		MaxAttempts: DefaultMaxAttempts,
		RunAfter:    time.Now().UTC(),
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO jobs (id, kind, tenant_id, document_id, payload, status, priority, max_attempts, run_after)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		job.ID, job.Kind, job.TenantID, job.DocumentID, job.Payload, job.Status,
		job.Priority, job.MaxAttempts, job.RunAfter)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDocumentBusy
		}
		return nil, fmt.Errorf("inserting %s job, %w", req.Kind, err)
	}
	return &job, nil
}

// Claim atomically takes the next runnable job for this worker, or returns
// nil when the queue is empty.
func (q *Queue) Claim(ctx context.Context, workerID string, kinds []string) (*Job, error) {
	var job Job
	err := q.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		query, args, err := sqlx.In(`
			SELECT * FROM jobs
			WHERE status = ? AND run_after <= now() AND kind IN (?)
			ORDER BY priority DESC, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED`, StatusQueued, kinds)
		if err != nil {
			return fmt.Errorf("building claim query, %w", err)
		}
		if err := tx.GetContext(ctx, &job, tx.Rebind(query), args...); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE jobs
			SET status = $2, worker_id = $3, attempts = attempts + 1, started_at = now()
			WHERE id = $1`, job.ID, StatusProcessing, workerID)
		if err != nil {
			return fmt.Errorf("claiming job %s, %w", job.ID, err)
		}
		job.Status = StatusProcessing
		job.Attempts++
		return nil
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &job, nil
}

func (q *Queue) Succeed(ctx context.Context, jobID string) error {
	_, err := q.db().ExecContext(ctx, `
		UPDATE jobs SET status = $2, finished_at = now(), error = NULL
		WHERE id = $1`, jobID, StatusSucceeded)
	if err != nil {
		return fmt.Errorf("marking job %s succeeded, %w", jobID, err)
	}
	return nil
}

// Fail records the error and either requeues with backoff or moves the job
// to dead once attempts are exhausted.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	message := cause.Error()
	if job.Attempts >= job.MaxAttempts {
		_, err := q.db().ExecContext(ctx, `
			UPDATE jobs SET status = $2, error = $3, finished_at = now()
			WHERE id = $1`, job.ID, StatusDead, message)
		if err != nil {
			return fmt.Errorf("marking job %s dead, %w", job.ID, err)
		}
		return nil
	}
	backoff := time.Duration(job.Attempts*job.Attempts) * 15 * time.Second
	_, err := q.db().ExecContext(ctx, `
		UPDATE jobs SET status = $2, error = $3, run_after = now() + $4::interval, worker_id = NULL
		WHERE id = $1`, job.ID, StatusQueued, message, fmt.Sprintf("%d seconds", int(backoff.Seconds())))
	if err != nil {
		return fmt.Errorf("requeueing job %s, %w", job.ID, err)
	}
	return nil
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	var job Job
	err := q.db().GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeNotFound, "job %s not found", id)
		}
		return nil, fmt.Errorf("selecting job %s, %w", id, err)
	}
	return &job, nil
}

// ActiveForDocument returns the queued or processing job bound to the
// document, if any.
func (q *Queue) ActiveForDocument(ctx context.Context, documentID string) (*Job, error) {
	var job Job
	err := q.db().GetContext(ctx, &job, `
		SELECT * FROM jobs WHERE document_id = $1 AND status IN ($2, $3)`,
		documentID, StatusQueued, StatusProcessing)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("selecting active job for document %s, %w", documentID, err)
	}
	return &job, nil
}

func (q *Queue) Depth(ctx context.Context) (int, error) {
	var depth int
	err := q.db().GetContext(ctx, &depth, `
		SELECT count(*) FROM jobs WHERE status IN ($1, $2)`, StatusQueued, StatusProcessing)
	if err != nil {
		return 0, fmt.Errorf("counting queue depth, %w", err)
	}
	return depth, nil
}

// DeadJobs lists exhausted jobs for the ops surface.
func (q *Queue) DeadJobs(ctx context.Context, limit int) ([]Job, error) {
	var jobs []Job
	err := q.db().SelectContext(ctx, &jobs, `
		SELECT * FROM jobs WHERE status = $1 ORDER BY finished_at DESC LIMIT $2`, StatusDead, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead jobs, %w", err)
	}
	return jobs, nil
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

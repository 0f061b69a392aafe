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

package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
)

const (
	DocumentStatusQueued     = "queued"
	DocumentStatusProcessing = "processing"
	DocumentStatusSucceeded  = "succeeded"
	DocumentStatusFailed     = "failed"
)

type Document struct {
	ID                  string          `db:"id"`
	TenantID            string          `db:"tenant_id"`
	CorpusID            string          `db:"corpus_id"`
	Filename            *string         `db:"filename"`
	ContentType         string          `db:"content_type"`
	Status              string          `db:"status"`
	FailureReason       *string         `db:"failure_reason"`
	IngestSource        string          `db:"ingest_source"`
	Metadata            json.RawMessage `db:"metadata"`
	Content             *string         `db:"content"`
	QueuedAt            *time.Time      `db:"queued_at"`
	ProcessingStartedAt *time.Time      `db:"processing_started_at"`
	CompletedAt         *time.Time      `db:"completed_at"`
	LastReindexedAt     *time.Time      `db:"last_reindexed_at"`
	LastJobID           *string         `db:"last_job_id"`
	Anonymized          bool            `db:"anonymized"`
	CreatedAt           time.Time       `db:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at"`
}

// InFlight reports whether the document has an active ingestion lifecycle.
// In-flight documents refuse deletion.
func (d Document) InFlight() bool {
	return d.Status == DocumentStatusQueued || d.Status == DocumentStatusProcessing
}

type DocumentFilter struct {
	CorpusID string
	Status   string
	Offset   int
	Limit    int
}

type DocumentRepository struct {
	db *sqlx.DB
}

func NewDocumentRepository(store *Store) *DocumentRepository {
	return &DocumentRepository{db: store.db}
}

// CreateTx inserts the document inside an enqueue transaction so the row and
// its ingestion job land atomically.
func (r *DocumentRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, doc Document) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO documents (id, tenant_id, corpus_id, filename, content_type, status, ingest_source,
		                       metadata, content, queued_at, last_job_id)
		VALUES (:id, :tenant_id, :corpus_id, :filename, :content_type, :status, :ingest_source,
		        :metadata, :content, :queued_at, :last_job_id)`, doc)
	if err != nil {
		return fmt.Errorf("inserting document %s, %w", doc.ID, err)
	}
	return nil
}

// RequeueTx resets a terminal document back to queued for overwrite and
// reindex flows.
func (r *DocumentRepository) RequeueTx(ctx context.Context, tx *sqlx.Tx, tenantID, id, jobID string, content *string) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET status = 'queued', failure_reason = NULL, queued_at = now(), last_job_id = $3,
		    content = COALESCE($4, content), updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status IN ('succeeded', 'failed')`,
		tenantID, id, jobID, content)
	if err != nil {
		return fmt.Errorf("requeueing document %s, %w", id, err)
	}
	return requireOneRow(res, func() error {
		return apierrors.Newf(apierrors.CodeConflict, "document %s is not in a terminal state", id)
	})
}

func (r *DocumentRepository) Get(ctx context.Context, tenantID, id string) (*Document, error) {
	var doc Document
	err := r.db.GetContext(ctx, &doc, `SELECT * FROM documents WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeNotFound, "document %s not found", id)
		}
		return nil, fmt.Errorf("selecting document %s, %w", id, err)
	}
	return &doc, nil
}

func (r *DocumentRepository) List(ctx context.Context, tenantID string, filter DocumentFilter) ([]Document, int, error) {
	where := `WHERE tenant_id = $1`
	args := []any{tenantID}
	if filter.CorpusID != "" {
		args = append(args, filter.CorpusID)
		where += fmt.Sprintf(" AND corpus_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where += fmt.Sprintf(" AND status = $%d", len(args))
	}
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT count(*) FROM documents `+where, args...); err != nil {
		return nil, 0, fmt.Errorf("counting documents, %w", err)
	}
	args = append(args, filter.Offset, filter.Limit)
	var docs []Document
	query := fmt.Sprintf(`SELECT * FROM documents %s ORDER BY created_at DESC OFFSET $%d LIMIT $%d`,
		where, len(args)-1, len(args))
	if err := r.db.SelectContext(ctx, &docs, query, args...); err != nil {
		return nil, 0, fmt.Errorf("listing documents, %w", err)
	}
	return docs, total, nil
}

func (r *DocumentRepository) MarkProcessing(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE documents
		SET status = 'processing', processing_started_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'queued'`, id)
	if err != nil {
		return fmt.Errorf("marking document %s processing, %w", id, err)
	}
	return requireOneRow(res, func() error {
		return apierrors.Newf(apierrors.CodeConflict, "document %s is not queued", id)
	})
}

func (r *DocumentRepository) MarkSucceededTx(ctx context.Context, tx *sqlx.Tx, id string, reindex bool) error {
	reindexExpr := "last_reindexed_at"
	if reindex {
		reindexExpr = "now()"
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE documents
		SET status = 'succeeded', failure_reason = NULL, completed_at = now(),
		    last_reindexed_at = %s, updated_at = now()
		WHERE id = $1`, reindexExpr), id)
	if err != nil {
		return fmt.Errorf("marking document %s succeeded, %w", id, err)
	}
	return requireOneRow(res, func() error {
		return apierrors.Newf(apierrors.CodeNotFound, "document %s not found", id)
	})
}

// ResetToQueued puts a processing document back in line after a transient
// worker failure, keeping the failure reason visible until the retry runs.
func (r *DocumentRepository) ResetToQueued(ctx context.Context, id string, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE documents
		SET status = 'queued', failure_reason = $2, updated_at = now()
		WHERE id = $1 AND status = 'processing'`, id, reason)
	if err != nil {
		return fmt.Errorf("requeueing document %s after failure, %w", id, err)
	}
	return nil
}

func (r *DocumentRepository) MarkFailed(ctx context.Context, id string, reason string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE documents
		SET status = 'failed', failure_reason = $2, completed_at = now(), updated_at = now()
		WHERE id = $1`, id, reason)
	if err != nil {
		return fmt.Errorf("marking document %s failed, %w", id, err)
	}
	return nil
}

// Delete removes the document and its chunks. Callers must have already
// refused in-flight documents; the status guard here closes the race with a
// concurrently starting job.
func (r *DocumentRepository) Delete(ctx context.Context, tenantID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM documents
		WHERE tenant_id = $1 AND id = $2 AND status NOT IN ('queued', 'processing')`, tenantID, id)
	if err != nil {
		return fmt.Errorf("deleting document %s, %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected, %w", err)
	}
	if n == 0 {
		doc, getErr := r.Get(ctx, tenantID, id)
		if getErr != nil {
			return getErr
		}
		if doc.InFlight() {
			return apierrors.Newf(apierrors.CodeConflict, "document %s has an active ingestion job", id)
		}
		return apierrors.Newf(apierrors.CodeNotFound, "document %s not found", id)
	}
	return nil
}

func (r *DocumentRepository) Anonymize(ctx context.Context, tenantID, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE documents
		SET filename = NULL, content = NULL, metadata = '{}'::jsonb, anonymized = TRUE, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND anonymized = FALSE`, tenantID, id)
	if err != nil {
		return fmt.Errorf("anonymizing document %s, %w", id, err)
	}
	return nil
}

func (r *DocumentRepository) ChunkCount(ctx context.Context, id string) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT count(*) FROM chunks WHERE document_id = $1`, id); err != nil {
		return 0, fmt.Errorf("counting chunks for document %s, %w", id, err)
	}
	return count, nil
}

// OlderThan returns ids of terminal documents past the cutoff, for retention.
func (r *DocumentRepository) OlderThan(ctx context.Context, tenantID string, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM documents
		WHERE tenant_id = $1 AND created_at < $2 AND status NOT IN ('queued', 'processing') AND anonymized = FALSE
		ORDER BY created_at LIMIT $3`, tenantID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting documents older than cutoff, %w", err)
	}
	return ids, nil
}

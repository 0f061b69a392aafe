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

package crypto

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/audit"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
)

const (
	RotationQueued    = "queued"
	RotationRunning   = "running"
	RotationCompleted = "completed"
	RotationFailed    = "failed"

	rotationBatchSize = 200
)

type RotationJob struct {
	ID          string    `db:"id" json:"id"`
	TenantID    string    `db:"tenant_id" json:"tenant_id"`
	FromVersion int32     `db:"from_version" json:"from_version"`
	ToVersion   int32     `db:"to_version" json:"to_version"`
	Status      string    `db:"status" json:"status"`
	Cursor      string    `db:"cursor" json:"-"`
	Rewrapped   int64     `db:"rewrapped" json:"rewrapped"`
	Error       *string   `db:"error" json:"error,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// StartRotation mints the next key version, retires the current one, and
// records a rotation job to re-encrypt existing rows. The partial unique
// index on active jobs rejects a second rotation with 409.
func (r *Registry) StartRotation(ctx context.Context, tenantID string, auditor audit.Emitter) (*RotationJob, error) {
	current, err := r.ActiveKey(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	next := current.Version + 1
	var job RotationJob
	err = r.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE crypto_keys SET state = $3, retired_at = now()
			WHERE tenant_id = $1 AND version = $2`, tenantID, current.Version, KeyStateRetired); err != nil {
			return fmt.Errorf("retiring key version %d, %w", current.Version, err)
		}
		dek, err := NewDEK()
		if err != nil {
			return err
		}
		wrapped, err := r.provider.Wrap(ctx, dek)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO crypto_keys (tenant_id, version, alias, state, wrapped_dek)
			VALUES ($1, $2, $3, $4, $5)`, tenantID, next, current.Alias, KeyStateActive, wrapped); err != nil {
			return fmt.Errorf("inserting key version %d, %w", next, err)
		}
		jobID := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO key_rotation_jobs (id, tenant_id, from_version, to_version, status)
			VALUES ($1, $2, $3, $4, $5)`, jobID, tenantID, current.Version, next, RotationQueued); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return apierrors.Newf(apierrors.CodeKeyRotationInProgress, "a key rotation is already running")
			}
			return fmt.Errorf("inserting rotation job, %w", err)
		}
		job = RotationJob{ID: jobID, TenantID: tenantID, FromVersion: current.Version, ToVersion: next, Status: RotationQueued}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.deks.Delete(dekCacheKey(tenantID, current.Version))
	auditor.Emit(ctx, audit.Event{
		TenantID:  tenantID,
		EventType: audit.EventCryptoRotationStarted,
		Metadata:  map[string]any{"from_version": current.Version, "to_version": next, "job_id": job.ID},
	})
	return &job, nil
}

func (r *Registry) RotationJob(ctx context.Context, tenantID, jobID string) (*RotationJob, error) {
	var job RotationJob
	err := r.db().GetContext(ctx, &job, `
		SELECT * FROM key_rotation_jobs WHERE tenant_id = $1 AND id = $2`, tenantID, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeNotFound, "rotation job not found")
		}
		return nil, fmt.Errorf("selecting rotation job, %w", err)
	}
	return &job, nil
}

// RunRotation re-encrypts message ciphertexts from the retired version to
// the new one in id-ordered batches. The cursor persists after every batch,
// so a crashed worker resumes where it stopped instead of starting over.
func (r *Registry) RunRotation(ctx context.Context, tenantID, jobID string) error {
	job, err := r.RotationJob(ctx, tenantID, jobID)
	if err != nil {
		return err
	}
	if job.Status == RotationCompleted {
		return nil
	}
	if _, err := r.db().ExecContext(ctx, `
		UPDATE key_rotation_jobs SET status = $3, updated_at = now()
		WHERE id = $1 AND tenant_id = $2`, jobID, tenantID, RotationRunning); err != nil {
		return fmt.Errorf("marking rotation running, %w", err)
	}

	oldDEK, err := r.dek(ctx, tenantID, job.FromVersion)
	if err != nil {
		return r.failRotation(ctx, tenantID, jobID, err)
	}
	newDEK, err := r.dek(ctx, tenantID, job.ToVersion)
	if err != nil {
		return r.failRotation(ctx, tenantID, jobID, err)
	}

	cursor := job.Cursor
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		type row struct {
			ID     string `db:"id"`
			Cipher []byte `db:"content_cipher"`
		}
		var rows []row
		err := r.db().SelectContext(ctx, &rows, `
			SELECT id, content_cipher FROM messages
			WHERE tenant_id = $1 AND key_version = $2 AND content_cipher IS NOT NULL AND id > $3
			ORDER BY id LIMIT $4`, tenantID, job.FromVersion, cursor, rotationBatchSize)
		if err != nil {
			return r.failRotation(ctx, tenantID, jobID, fmt.Errorf("selecting rotation batch, %w", err))
		}
		if len(rows) == 0 {
			break
		}
		for _, msg := range rows {
			plaintext, err := Open(oldDEK, msg.Cipher)
			if err != nil {
				return r.failRotation(ctx, tenantID, jobID, err)
			}
			resealed, err := Seal(newDEK, job.ToVersion, plaintext)
			if err != nil {
				return r.failRotation(ctx, tenantID, jobID, err)
			}
			if _, err := r.db().ExecContext(ctx, `
				UPDATE messages SET content_cipher = $3, key_version = $4
				WHERE tenant_id = $1 AND id = $2`, tenantID, msg.ID, resealed, job.ToVersion); err != nil {
				return r.failRotation(ctx, tenantID, jobID, fmt.Errorf("rewriting message ciphertext, %w", err))
			}
		}
		cursor = rows[len(rows)-1].ID
		if _, err := r.db().ExecContext(ctx, `
			UPDATE key_rotation_jobs SET cursor = $3, rewrapped = rewrapped + $4, updated_at = now()
			WHERE id = $1 AND tenant_id = $2`, jobID, tenantID, cursor, len(rows)); err != nil {
			return fmt.Errorf("persisting rotation cursor, %w", err)
		}
	}

	if _, err := r.db().ExecContext(ctx, `
		UPDATE key_rotation_jobs SET status = $3, updated_at = now()
		WHERE id = $1 AND tenant_id = $2`, jobID, tenantID, RotationCompleted); err != nil {
		return fmt.Errorf("marking rotation completed, %w", err)
	}
	r.logger.Info("key rotation completed",
		zap.String("tenant-id", tenantID), zap.String("job-id", jobID),
		zap.Int32("to-version", job.ToVersion))
	return nil
}

func (r *Registry) failRotation(ctx context.Context, tenantID, jobID string, cause error) error {
	message := cause.Error()
	if _, err := r.db().ExecContext(ctx, `
		UPDATE key_rotation_jobs SET status = $3, error = $4, updated_at = now()
		WHERE id = $1 AND tenant_id = $2`, jobID, tenantID, RotationFailed, message); err != nil {
		r.logger.Error("marking rotation failed", zap.Error(err))
	}
	return apierrors.Wrap(apierrors.CodeKeyRotationFailed, "key rotation failed", cause)
}

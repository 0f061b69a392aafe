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
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
)

type IdempotencyRecord struct {
	TenantID     string     `db:"tenant_id"`
	IdemKey      string     `db:"idem_key"`
	PayloadHash  string     `db:"payload_hash"`
	Status       string     `db:"status"`
	StatusCode   *int       `db:"status_code"`
	ResponseBody []byte     `db:"response_body"`
	CreatedAt    time.Time  `db:"created_at"`
	ExpiresAt    time.Time  `db:"expires_at"`
	CompletedAt  *time.Time `db:"completed_at"`
}

const (
	IdempotencyStatusPending   = "pending"
	IdempotencyStatusCompleted = "completed"
)

type IdempotencyRepository struct {
	db *sqlx.DB
}

func NewIdempotencyRepository(store *Store) *IdempotencyRepository {
	return &IdempotencyRepository{db: store.db}
}

// Reserve claims the key for this request. It returns (nil, true) when this
// caller won the reservation, and the existing record with false when a prior
// request already holds it. Expired rows are overwritten in place so the 24h
// window restarts cleanly.
func (r *IdempotencyRepository) Reserve(ctx context.Context, tenantID, idemKey, payloadHash string, ttl time.Duration) (*IdempotencyRecord, bool, error) {
	var record IdempotencyRecord
	err := r.db.GetContext(ctx, &record, `
		INSERT INTO idempotency_keys (tenant_id, idem_key, payload_hash, status, expires_at)
		VALUES ($1, $2, $3, $4, now() + $5::interval)
		ON CONFLICT (tenant_id, idem_key) DO UPDATE
		SET payload_hash = EXCLUDED.payload_hash,
		    status = EXCLUDED.status,
		    status_code = NULL,
		    response_body = NULL,
		    created_at = now(),
		    expires_at = EXCLUDED.expires_at,
		    completed_at = NULL
		WHERE idempotency_keys.expires_at <= now()
		RETURNING *`,
		tenantID, idemKey, payloadHash, IdempotencyStatusPending, fmt.Sprintf("%d seconds", int(ttl.Seconds())))
	if err == nil {
		return &record, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("reserving idempotency key, %w", err)
	}
	existing, err := r.Get(ctx, tenantID, idemKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *IdempotencyRepository) Get(ctx context.Context, tenantID, idemKey string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	err := r.db.GetContext(ctx, &record, `
		SELECT * FROM idempotency_keys WHERE tenant_id = $1 AND idem_key = $2`, tenantID, idemKey)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeNotFound, "idempotency key not found")
		}
		return nil, fmt.Errorf("selecting idempotency key, %w", err)
	}
	return &record, nil
}

// Complete stores the response to replay for duplicate submissions.
func (r *IdempotencyRepository) Complete(ctx context.Context, tenantID, idemKey string, statusCode int, body []byte) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $3, status_code = $4, response_body = $5, completed_at = now()
		WHERE tenant_id = $1 AND idem_key = $2`,
		tenantID, idemKey, IdempotencyStatusCompleted, statusCode, body)
	if err != nil {
		return fmt.Errorf("completing idempotency key, %w", err)
	}
	return requireOneRow(res, func() error {
		return apierrors.Newf(apierrors.CodeNotFound, "idempotency key not found")
	})
}

// Release drops a reservation whose request failed before producing a
// replayable response, so the client can retry with the same key.
func (r *IdempotencyRepository) Release(ctx context.Context, tenantID, idemKey string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE tenant_id = $1 AND idem_key = $2 AND status = $3`,
		tenantID, idemKey, IdempotencyStatusPending)
	if err != nil {
		return fmt.Errorf("releasing idempotency key, %w", err)
	}
	return nil
}

func (r *IdempotencyRepository) PurgeExpired(ctx context.Context, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_keys WHERE (tenant_id, idem_key) IN (
			SELECT tenant_id, idem_key FROM idempotency_keys
			WHERE expires_at <= now() LIMIT $1)`, limit)
	if err != nil {
		return 0, fmt.Errorf("purging expired idempotency keys, %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

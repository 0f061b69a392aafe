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

type APIKey struct {
	KeyID      string     `db:"key_id"`
	TenantID   string     `db:"tenant_id"`
	Role       string     `db:"role"`
	SecretHash string     `db:"secret_hash"`
	Prefix     string     `db:"prefix"`
	CreatedAt  time.Time  `db:"created_at"`
	LastUsedAt *time.Time `db:"last_used_at"`
	RevokedAt  *time.Time `db:"revoked_at"`
}

func (k APIKey) Revoked() bool { return k.RevokedAt != nil }

type APIKeyRepository struct {
	db *sqlx.DB
}

func NewAPIKeyRepository(store *Store) *APIKeyRepository {
	return &APIKeyRepository{db: store.db}
}

func (r *APIKeyRepository) Insert(ctx context.Context, key APIKey) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO api_keys (key_id, tenant_id, role, secret_hash, prefix)
		VALUES (:key_id, :tenant_id, :role, :secret_hash, :prefix)`, key)
	if err != nil {
		return fmt.Errorf("inserting api key %s, %w", key.KeyID, err)
	}
	return nil
}

func (r *APIKeyRepository) Get(ctx context.Context, keyID string) (*APIKey, error) {
	var key APIKey
	if err := r.db.GetContext(ctx, &key, `SELECT * FROM api_keys WHERE key_id = $1`, keyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeNotFound, "api key not found")
		}
		return nil, fmt.Errorf("selecting api key, %w", err)
	}
	return &key, nil
}

func (r *APIKeyRepository) ListByTenant(ctx context.Context, tenantID string) ([]APIKey, error) {
	var keys []APIKey
	err := r.db.SelectContext(ctx, &keys, `
		SELECT * FROM api_keys WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing api keys for tenant %s, %w", tenantID, err)
	}
	return keys, nil
}

// Revoke is idempotent; revoking an already revoked key preserves the
// original revocation time.
func (r *APIKeyRepository) Revoke(ctx context.Context, tenantID, keyID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE api_keys SET revoked_at = COALESCE(revoked_at, now())
		WHERE key_id = $1 AND tenant_id = $2`, keyID, tenantID)
	if err != nil {
		return fmt.Errorf("revoking api key, %w", err)
	}
	return requireOneRow(res, func() error {
		return apierrors.Newf(apierrors.CodeNotFound, "api key not found")
	})
}

// TouchLastUsed is best-effort bookkeeping; callers ignore the error.
func (r *APIKeyRepository) TouchLastUsed(ctx context.Context, keyID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE key_id = $1`, keyID, at)
	if err != nil {
		return fmt.Errorf("touching api key last_used_at, %w", err)
	}
	return nil
}

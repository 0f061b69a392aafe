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

	"github.com/jmoiron/sqlx"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/crypto/kms"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

const (
	KeyStateActive  = "active"
	KeyStateRetired = "retired"

	dekCacheTTL = 5 * time.Minute
)

type Key struct {
	TenantID   string     `db:"tenant_id" json:"tenant_id"`
	Version    int32      `db:"version" json:"version"`
	Alias      string     `db:"alias" json:"alias"`
	State      string     `db:"state" json:"state"`
	WrappedDEK []byte     `db:"wrapped_dek" json:"-"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	RetiredAt  *time.Time `db:"retired_at" json:"retired_at,omitempty"`
}

// Registry owns the per-tenant key versions. One active version per tenant
// is enforced by a partial unique index; retired versions stay decryptable.
type Registry struct {
	store    *storage.Store
	provider kms.Provider
	deks     *gocache.Cache
	logger   *zap.Logger
}

func NewRegistry(store *storage.Store, provider kms.Provider, logger *zap.Logger) *Registry {
	return &Registry{
		store:    store,
		provider: provider,
		deks:     gocache.New(dekCacheTTL, 2*dekCacheTTL),
		logger:   logger,
	}
}

func (r *Registry) db() *sqlx.DB { return r.store.DB() }

// EnableTenant creates version 1 for a tenant with no keys and flips
// crypto_enabled. Calling it again is a no-op returning the active key.
func (r *Registry) EnableTenant(ctx context.Context, tenantID, alias string) (*Key, error) {
	if active, err := r.ActiveKey(ctx, tenantID); err == nil {
		return active, nil
	} else if !apierrors.IsCode(err, apierrors.CodeKeyNotActive) {
		return nil, err
	}
	key, err := r.mintKey(ctx, tenantID, alias, 1)
	if err != nil {
		return nil, err
	}
	if _, err := r.db().ExecContext(ctx,
		`UPDATE tenants SET crypto_enabled = TRUE, updated_at = now() WHERE id = $1`, tenantID); err != nil {
		return nil, fmt.Errorf("enabling tenant crypto, %w", err)
	}
	return key, nil
}

func (r *Registry) mintKey(ctx context.Context, tenantID, alias string, version int32) (*Key, error) {
	dek, err := NewDEK()
	if err != nil {
		return nil, err
	}
	wrapped, err := r.provider.Wrap(ctx, dek)
	if err != nil {
		return nil, err
	}
	var key Key
	err = r.db().GetContext(ctx, &key, `
		INSERT INTO crypto_keys (tenant_id, version, alias, state, wrapped_dek)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING *`, tenantID, version, alias, KeyStateActive, wrapped)
	if err != nil {
		return nil, fmt.Errorf("inserting crypto key version %d, %w", version, err)
	}
	r.deks.SetDefault(dekCacheKey(tenantID, version), dek)
	return &key, nil
}

func (r *Registry) ActiveKey(ctx context.Context, tenantID string) (*Key, error) {
	var key Key
	err := r.db().GetContext(ctx, &key, `
		SELECT * FROM crypto_keys WHERE tenant_id = $1 AND state = $2`, tenantID, KeyStateActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeKeyNotActive, "tenant has no active key")
		}
		return nil, fmt.Errorf("selecting active crypto key, %w", err)
	}
	return &key, nil
}

func (r *Registry) KeyByVersion(ctx context.Context, tenantID string, version int32) (*Key, error) {
	var key Key
	err := r.db().GetContext(ctx, &key, `
		SELECT * FROM crypto_keys WHERE tenant_id = $1 AND version = $2`, tenantID, version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeKeyNotActive, "key version %d not found", version)
		}
		return nil, fmt.Errorf("selecting crypto key version %d, %w", version, err)
	}
	return &key, nil
}

func (r *Registry) ListKeys(ctx context.Context, tenantID string) ([]Key, error) {
	var keys []Key
	err := r.db().SelectContext(ctx, &keys, `
		SELECT * FROM crypto_keys WHERE tenant_id = $1 ORDER BY version`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing crypto keys, %w", err)
	}
	return keys, nil
}

func dekCacheKey(tenantID string, version int32) string {
	return fmt.Sprintf("%s:%d", tenantID, version)
}

// dek unwraps the data key for a version, memoized so steady-state decrypt
// traffic does not hit the KMS provider per row.
func (r *Registry) dek(ctx context.Context, tenantID string, version int32) ([]byte, error) {
	if cached, ok := r.deks.Get(dekCacheKey(tenantID, version)); ok {
		return cached.([]byte), nil
	}
	key, err := r.KeyByVersion(ctx, tenantID, version)
	if err != nil {
		return nil, err
	}
	dek, err := r.provider.Unwrap(ctx, key.WrappedDEK)
	if err != nil {
		return nil, err
	}
	r.deks.SetDefault(dekCacheKey(tenantID, version), dek)
	return dek, nil
}

// Encrypt seals plaintext under the tenant's active key.
func (r *Registry) Encrypt(ctx context.Context, tenantID string, plaintext []byte) ([]byte, int32, error) {
	key, err := r.ActiveKey(ctx, tenantID)
	if err != nil {
		if apierrors.IsCode(err, apierrors.CodeKeyNotActive) {
			return nil, 0, apierrors.Newf(apierrors.CodeEncryptionRequired,
				"tenant crypto enabled but no active key")
		}
		return nil, 0, err
	}
	dek, err := r.dek(ctx, tenantID, key.Version)
	if err != nil {
		return nil, 0, err
	}
	ciphertext, err := Seal(dek, key.Version, plaintext)
	if err != nil {
		return nil, 0, err
	}
	return ciphertext, key.Version, nil
}

// Decrypt opens a sealed record using the key version embedded in it.
func (r *Registry) Decrypt(ctx context.Context, tenantID string, ciphertext []byte) ([]byte, error) {
	version, err := ParseVersion(ciphertext)
	if err != nil {
		return nil, err
	}
	dek, err := r.dek(ctx, tenantID, version)
	if err != nil {
		return nil, err
	}
	return Open(dek, ciphertext)
}

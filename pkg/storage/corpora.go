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

type Corpus struct {
	ID             string          `db:"id"`
	TenantID       string          `db:"tenant_id"`
	Name           string          `db:"name"`
	ProviderConfig json.RawMessage `db:"provider_config"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

type CorpusRepository struct {
	db *sqlx.DB
}

func NewCorpusRepository(store *Store) *CorpusRepository {
	return &CorpusRepository{db: store.db}
}

func (r *CorpusRepository) Create(ctx context.Context, corpus Corpus) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO corpora (id, tenant_id, name, provider_config)
		VALUES (:id, :tenant_id, :name, :provider_config)`, corpus)
	if err != nil {
		return fmt.Errorf("inserting corpus %s, %w", corpus.ID, err)
	}
	return nil
}

func (r *CorpusRepository) Get(ctx context.Context, tenantID, id string) (*Corpus, error) {
	var corpus Corpus
	err := r.db.GetContext(ctx, &corpus, `SELECT * FROM corpora WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeNotFound, "corpus %s not found", id)
		}
		return nil, fmt.Errorf("selecting corpus %s, %w", id, err)
	}
	return &corpus, nil
}

func (r *CorpusRepository) List(ctx context.Context, tenantID string) ([]Corpus, error) {
	var corpora []Corpus
	err := r.db.SelectContext(ctx, &corpora, `
		SELECT * FROM corpora WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing corpora, %w", err)
	}
	return corpora, nil
}

func (r *CorpusRepository) Patch(ctx context.Context, tenantID, id string, name *string, providerConfig json.RawMessage) (*Corpus, error) {
	var corpus Corpus
	err := r.db.GetContext(ctx, &corpus, `
		UPDATE corpora
		SET name = COALESCE($3, name),
		    provider_config = COALESCE($4, provider_config),
		    updated_at = now()
		WHERE tenant_id = $1 AND id = $2
		RETURNING *`,
		tenantID, id, name, providerConfig)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeNotFound, "corpus %s not found", id)
		}
		return nil, fmt.Errorf("patching corpus %s, %w", id, err)
	}
	return &corpus, nil
}

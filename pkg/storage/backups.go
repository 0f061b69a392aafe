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
	BackupStatusRunning   = "running"
	BackupStatusCompleted = "completed"
	BackupStatusFailed    = "failed"
)

type BackupSet struct {
	ID        string          `db:"id"`
	CreatedAt time.Time       `db:"created_at"`
	Status    string          `db:"status"`
	Location  string          `db:"location"`
	Manifest  json.RawMessage `db:"manifest"`
	PrunedAt  *time.Time      `db:"pruned_at"`
}

type BackupRepository struct {
	db *sqlx.DB
}

func NewBackupRepository(store *Store) *BackupRepository {
	return &BackupRepository{db: store.db}
}

func (r *BackupRepository) Create(ctx context.Context, set BackupSet) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO backup_sets (id, status, location) VALUES ($1, 'running', $2)`,
		set.ID, set.Location)
	if err != nil {
		return fmt.Errorf("inserting backup set, %w", err)
	}
	return nil
}

func (r *BackupRepository) Finish(ctx context.Context, id, status string, manifest json.RawMessage) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE backup_sets SET status = $2, manifest = $3 WHERE id = $1`, id, status, manifest)
	if err != nil {
		return fmt.Errorf("finishing backup set %s, %w", id, err)
	}
	return nil
}

func (r *BackupRepository) Get(ctx context.Context, id string) (*BackupSet, error) {
	var set BackupSet
	err := r.db.GetContext(ctx, &set, `SELECT * FROM backup_sets WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeNotFound, "backup set %s not found", id)
		}
		return nil, fmt.Errorf("selecting backup set %s, %w", id, err)
	}
	return &set, nil
}

func (r *BackupRepository) List(ctx context.Context, limit int) ([]BackupSet, error) {
	var sets []BackupSet
	err := r.db.SelectContext(ctx, &sets, `
		SELECT * FROM backup_sets ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing backup sets, %w", err)
	}
	return sets, nil
}

// Latest returns the newest completed, unpruned set, or nil.
func (r *BackupRepository) Latest(ctx context.Context) (*BackupSet, error) {
	var set BackupSet
	err := r.db.GetContext(ctx, &set, `
		SELECT * FROM backup_sets
		WHERE status = 'completed' AND pruned_at IS NULL
		ORDER BY created_at DESC LIMIT 1`)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("selecting latest backup set, %w", err)
	}
	return &set, nil
}

// PruneCandidates returns completed sets older than the cutoff that have
// not yet been pruned.
func (r *BackupRepository) PruneCandidates(ctx context.Context, cutoff time.Time) ([]BackupSet, error) {
	var sets []BackupSet
	err := r.db.SelectContext(ctx, &sets, `
		SELECT * FROM backup_sets
		WHERE status = 'completed' AND pruned_at IS NULL AND created_at < $1
		ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("selecting backup prune candidates, %w", err)
	}
	return sets, nil
}

func (r *BackupRepository) MarkPruned(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE backup_sets SET pruned_at = now() WHERE id = $1 AND pruned_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("marking backup set %s pruned, %w", id, err)
	}
	return nil
}

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

// Subject is a provisioned human identity (SCIM user or SSO login), distinct
// from API keys which identify workloads.
type Subject struct {
	ID          string    `db:"id"`
	TenantID    string    `db:"tenant_id"`
	UserName    string    `db:"user_name"`
	DisplayName *string   `db:"display_name"`
	Email       *string   `db:"email"`
	ExternalID  *string   `db:"external_id"`
	Origin      string    `db:"origin"`
	Active      bool      `db:"active"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

type SubjectRepository struct {
	db *sqlx.DB
}

func NewSubjectRepository(store *Store) *SubjectRepository {
	return &SubjectRepository{db: store.db}
}

func (r *SubjectRepository) Create(ctx context.Context, subject Subject) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO subjects (id, tenant_id, user_name, display_name, email, external_id, origin, active)
		VALUES (:id, :tenant_id, :user_name, :display_name, :email, :external_id, :origin, :active)`, subject)
	if err != nil {
		return fmt.Errorf("inserting subject %s, %w", subject.ID, err)
	}
	return nil
}

func (r *SubjectRepository) Get(ctx context.Context, tenantID, id string) (*Subject, error) {
	var subject Subject
	err := r.db.GetContext(ctx, &subject, `SELECT * FROM subjects WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeNotFound, "subject %s not found", id)
		}
		return nil, fmt.Errorf("selecting subject %s, %w", id, err)
	}
	return &subject, nil
}

func (r *SubjectRepository) GetByUserName(ctx context.Context, tenantID, userName string) (*Subject, error) {
	var subject Subject
	err := r.db.GetContext(ctx, &subject, `
		SELECT * FROM subjects WHERE tenant_id = $1 AND user_name = $2`, tenantID, userName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeNotFound, "subject %s not found", userName)
		}
		return nil, fmt.Errorf("selecting subject by user name, %w", err)
	}
	return &subject, nil
}

func (r *SubjectRepository) List(ctx context.Context, tenantID string, offset, limit int) ([]Subject, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT count(*) FROM subjects WHERE tenant_id = $1`, tenantID); err != nil {
		return nil, 0, fmt.Errorf("counting subjects, %w", err)
	}
	var subjects []Subject
	err := r.db.SelectContext(ctx, &subjects, `
		SELECT * FROM subjects WHERE tenant_id = $1 ORDER BY user_name OFFSET $2 LIMIT $3`,
		tenantID, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("listing subjects, %w", err)
	}
	return subjects, total, nil
}

func (r *SubjectRepository) Update(ctx context.Context, subject Subject) error {
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE subjects
		SET user_name = :user_name, display_name = :display_name, email = :email,
		    external_id = :external_id, active = :active, updated_at = now()
		WHERE tenant_id = :tenant_id AND id = :id`, subject)
	if err != nil {
		return fmt.Errorf("updating subject %s, %w", subject.ID, err)
	}
	return requireOneRow(res, func() error {
		return apierrors.Newf(apierrors.CodeNotFound, "subject %s not found", subject.ID)
	})
}

func (r *SubjectRepository) Delete(ctx context.Context, tenantID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM subjects WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("deleting subject %s, %w", id, err)
	}
	return requireOneRow(res, func() error {
		return apierrors.Newf(apierrors.CodeNotFound, "subject %s not found", id)
	})
}

// UpsertSSOIdentity links an OIDC issuer subject to a local subject row,
// creating the subject on first login.
func (r *SubjectRepository) UpsertSSOIdentity(ctx context.Context, providerID, issuer, sub, tenantID, subjectID string) (string, error) {
	var existing string
	err := r.db.GetContext(ctx, &existing, `
		SELECT subject_id FROM sso_identities
		WHERE provider_id = $1 AND subject_iss = $2 AND subject_sub = $3`, providerID, issuer, sub)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("selecting sso identity, %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sso_identities (provider_id, subject_iss, subject_sub, tenant_id, subject_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_id, subject_iss, subject_sub) DO NOTHING`,
		providerID, issuer, sub, tenantID, subjectID)
	if err != nil {
		return "", fmt.Errorf("inserting sso identity, %w", err)
	}
	return subjectID, nil
}

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
	HoldScopeTenant    = "tenant"
	HoldScopeDocument  = "document"
	HoldScopeSession   = "session"
	HoldScopeUserKey   = "user_key"
	HoldScopeBackupSet = "backup_set"

	DSARTypeExport    = "export"
	DSARTypeDelete    = "delete"
	DSARTypeAnonymize = "anonymize"

	DSARStatusPending   = "pending"
	DSARStatusRunning   = "running"
	DSARStatusCompleted = "completed"
	DSARStatusFailed    = "failed"
	DSARStatusRejected  = "rejected"
)

// RetentionPolicy holds per-tenant TTLs. A nil TTL disables retention for
// that category.
type RetentionPolicy struct {
	TenantID                 string    `db:"tenant_id"`
	DocumentsTTLDays         *int      `db:"documents_ttl_days"`
	SessionsTTLDays          *int      `db:"sessions_ttl_days"`
	AuditTTLDays             *int      `db:"audit_ttl_days"`
	DSARArtifactsTTLDays     *int      `db:"dsar_artifacts_ttl_days"`
	HardDeleteEnabled        bool      `db:"hard_delete_enabled"`
	AnonymizeInsteadOfDelete bool      `db:"anonymize_instead_of_delete"`
	UpdatedAt                time.Time `db:"updated_at"`
}

type RetentionRun struct {
	ID         string          `db:"id"`
	TenantID   string          `db:"tenant_id"`
	StartedAt  time.Time       `db:"started_at"`
	FinishedAt *time.Time      `db:"finished_at"`
	Status     string          `db:"status"`
	Counters   json.RawMessage `db:"counters"`
}

type LegalHold struct {
	ID         string     `db:"id"`
	TenantID   string     `db:"tenant_id"`
	ScopeType  string     `db:"scope_type"`
	ScopeID    *string    `db:"scope_id"`
	Reason     string     `db:"reason"`
	CreatedAt  time.Time  `db:"created_at"`
	ExpiresAt  *time.Time `db:"expires_at"`
	ReleasedAt *time.Time `db:"released_at"`
}

// Active reports whether the hold still binds at the given instant.
func (h LegalHold) Active(now time.Time) bool {
	if h.ReleasedAt != nil {
		return false
	}
	return h.ExpiresAt == nil || h.ExpiresAt.After(now)
}

type DSARRequest struct {
	ID         string     `db:"id"`
	TenantID   string     `db:"tenant_id"`
	Type       string     `db:"type"`
	Subject    string     `db:"subject"`
	Status     string     `db:"status"`
	ApprovedAt *time.Time `db:"approved_at"`
	ApprovedBy *string    `db:"approved_by"`
	ArtifactID *string    `db:"artifact_id"`
	ErrorCode  *string    `db:"error_code"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
}

// Destructive reports whether running the request mutates subject data.
func (d DSARRequest) Destructive() bool {
	return d.Type == DSARTypeDelete || d.Type == DSARTypeAnonymize
}

type DSARArtifact struct {
	ID        string    `db:"id"`
	TenantID  string    `db:"tenant_id"`
	DSARID    string    `db:"dsar_id"`
	Content   []byte    `db:"content"`
	SHA256    string    `db:"sha256"`
	CreatedAt time.Time `db:"created_at"`
}

type GovernanceRepository struct {
	db *sqlx.DB
}

func NewGovernanceRepository(store *Store) *GovernanceRepository {
	return &GovernanceRepository{db: store.db}
}

// Policy returns the tenant's retention policy, or the zero policy (all
// categories disabled, anonymize preferred) when none is configured.
func (r *GovernanceRepository) Policy(ctx context.Context, tenantID string) (*RetentionPolicy, error) {
	var policy RetentionPolicy
	err := r.db.GetContext(ctx, &policy, `SELECT * FROM retention_policies WHERE tenant_id = $1`, tenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &RetentionPolicy{TenantID: tenantID, AnonymizeInsteadOfDelete: true}, nil
		}
		return nil, fmt.Errorf("selecting retention policy, %w", err)
	}
	return &policy, nil
}

func (r *GovernanceRepository) UpsertPolicy(ctx context.Context, policy RetentionPolicy) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO retention_policies (tenant_id, documents_ttl_days, sessions_ttl_days, audit_ttl_days,
		                                dsar_artifacts_ttl_days, hard_delete_enabled, anonymize_instead_of_delete)
		VALUES (:tenant_id, :documents_ttl_days, :sessions_ttl_days, :audit_ttl_days,
		        :dsar_artifacts_ttl_days, :hard_delete_enabled, :anonymize_instead_of_delete)
		ON CONFLICT (tenant_id) DO UPDATE
		SET documents_ttl_days = EXCLUDED.documents_ttl_days,
		    sessions_ttl_days = EXCLUDED.sessions_ttl_days,
		    audit_ttl_days = EXCLUDED.audit_ttl_days,
		    dsar_artifacts_ttl_days = EXCLUDED.dsar_artifacts_ttl_days,
		    hard_delete_enabled = EXCLUDED.hard_delete_enabled,
		    anonymize_instead_of_delete = EXCLUDED.anonymize_instead_of_delete,
		    updated_at = now()`, policy)
	if err != nil {
		return fmt.Errorf("upserting retention policy, %w", err)
	}
	return nil
}

func (r *GovernanceRepository) CreateRun(ctx context.Context, run RetentionRun) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO retention_runs (id, tenant_id, status) VALUES ($1, $2, 'running')`,
		run.ID, run.TenantID)
	if err != nil {
		return fmt.Errorf("inserting retention run, %w", err)
	}
	return nil
}

func (r *GovernanceRepository) FinishRun(ctx context.Context, id, status string, counters json.RawMessage) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE retention_runs SET status = $2, counters = $3, finished_at = now() WHERE id = $1`,
		id, status, counters)
	if err != nil {
		return fmt.Errorf("finishing retention run %s, %w", id, err)
	}
	return nil
}

func (r *GovernanceRepository) LatestRun(ctx context.Context, tenantID string) (*RetentionRun, error) {
	var run RetentionRun
	err := r.db.GetContext(ctx, &run, `
		SELECT * FROM retention_runs WHERE tenant_id = $1 ORDER BY started_at DESC LIMIT 1`, tenantID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("selecting latest retention run, %w", err)
	}
	return &run, nil
}

func (r *GovernanceRepository) CreateHold(ctx context.Context, hold LegalHold) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO legal_holds (id, tenant_id, scope_type, scope_id, reason, expires_at)
		VALUES (:id, :tenant_id, :scope_type, :scope_id, :reason, :expires_at)`, hold)
	if err != nil {
		return fmt.Errorf("inserting legal hold, %w", err)
	}
	return nil
}

func (r *GovernanceRepository) ReleaseHold(ctx context.Context, tenantID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE legal_holds SET released_at = now()
		WHERE tenant_id = $1 AND id = $2 AND released_at IS NULL`, tenantID, id)
	if err != nil {
		return fmt.Errorf("releasing legal hold %s, %w", id, err)
	}
	return requireOneRow(res, func() error {
		return apierrors.Newf(apierrors.CodeNotFound, "active legal hold %s not found", id)
	})
}

func (r *GovernanceRepository) ListHolds(ctx context.Context, tenantID string, includeReleased bool) ([]LegalHold, error) {
	query := `SELECT * FROM legal_holds WHERE tenant_id = $1`
	if !includeReleased {
		query += ` AND released_at IS NULL`
	}
	var holds []LegalHold
	if err := r.db.SelectContext(ctx, &holds, query+` ORDER BY created_at DESC`, tenantID); err != nil {
		return nil, fmt.Errorf("listing legal holds, %w", err)
	}
	return holds, nil
}

// ActiveHolds returns unexpired, unreleased holds for the tenant.
func (r *GovernanceRepository) ActiveHolds(ctx context.Context, tenantID string) ([]LegalHold, error) {
	var holds []LegalHold
	err := r.db.SelectContext(ctx, &holds, `
		SELECT * FROM legal_holds
		WHERE tenant_id = $1 AND released_at IS NULL AND (expires_at IS NULL OR expires_at > now())`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("selecting active legal holds, %w", err)
	}
	return holds, nil
}

func (r *GovernanceRepository) CountActiveHolds(ctx context.Context, tenantID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT count(*) FROM legal_holds
		WHERE tenant_id = $1 AND released_at IS NULL AND (expires_at IS NULL OR expires_at > now())`,
		tenantID)
	if err != nil {
		return 0, fmt.Errorf("counting active legal holds, %w", err)
	}
	return count, nil
}

// BackupSetHeld reports whether any tenant holds an active backup_set hold
// for the given set, or a global one with no scope id.
func (r *GovernanceRepository) BackupSetHeld(ctx context.Context, backupSetID string) (bool, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT count(*) FROM legal_holds
		WHERE scope_type = 'backup_set' AND (scope_id = $1 OR scope_id IS NULL)
		  AND released_at IS NULL AND (expires_at IS NULL OR expires_at > now())`, backupSetID)
	if err != nil {
		return false, fmt.Errorf("checking backup set holds, %w", err)
	}
	return count > 0, nil
}

func (r *GovernanceRepository) CreateDSAR(ctx context.Context, req DSARRequest) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO dsar_requests (id, tenant_id, type, subject, status)
		VALUES (:id, :tenant_id, :type, :subject, :status)`, req)
	if err != nil {
		return fmt.Errorf("inserting dsar request, %w", err)
	}
	return nil
}

func (r *GovernanceRepository) GetDSAR(ctx context.Context, tenantID, id string) (*DSARRequest, error) {
	var req DSARRequest
	err := r.db.GetContext(ctx, &req, `SELECT * FROM dsar_requests WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeDSARNotFound, "dsar request %s not found", id)
		}
		return nil, fmt.Errorf("selecting dsar request %s, %w", id, err)
	}
	return &req, nil
}

func (r *GovernanceRepository) ListDSARs(ctx context.Context, tenantID string, offset, limit int) ([]DSARRequest, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT count(*) FROM dsar_requests WHERE tenant_id = $1`, tenantID); err != nil {
		return nil, 0, fmt.Errorf("counting dsar requests, %w", err)
	}
	var reqs []DSARRequest
	err := r.db.SelectContext(ctx, &reqs, `
		SELECT * FROM dsar_requests WHERE tenant_id = $1
		ORDER BY created_at DESC OFFSET $2 LIMIT $3`, tenantID, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("listing dsar requests, %w", err)
	}
	return reqs, total, nil
}

func (r *GovernanceRepository) ApproveDSAR(ctx context.Context, tenantID, id, approver string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dsar_requests SET approved_at = now(), approved_by = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending' AND approved_at IS NULL`,
		tenantID, id, approver)
	if err != nil {
		return fmt.Errorf("approving dsar request %s, %w", id, err)
	}
	return requireOneRow(res, func() error {
		return apierrors.Newf(apierrors.CodeConflict, "dsar request %s is not pending approval", id)
	})
}

func (r *GovernanceRepository) RejectDSAR(ctx context.Context, tenantID, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dsar_requests SET status = 'rejected', updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND status = 'pending'`, tenantID, id)
	if err != nil {
		return fmt.Errorf("rejecting dsar request %s, %w", id, err)
	}
	return requireOneRow(res, func() error {
		return apierrors.Newf(apierrors.CodeConflict, "dsar request %s is not pending", id)
	})
}

// MarkDSARRunning claims the request for a worker. Running is accepted so a
// retried job after a transient failure can re-claim.
func (r *GovernanceRepository) MarkDSARRunning(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE dsar_requests SET status = 'running', updated_at = now()
		WHERE id = $1 AND status IN ('pending', 'running')`, id)
	if err != nil {
		return fmt.Errorf("marking dsar request %s running, %w", id, err)
	}
	return requireOneRow(res, func() error {
		return apierrors.Newf(apierrors.CodeConflict, "dsar request %s is not runnable", id)
	})
}

func (r *GovernanceRepository) CompleteDSAR(ctx context.Context, id string, artifactID *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dsar_requests SET status = 'completed', artifact_id = $2, updated_at = now()
		WHERE id = $1`, id, artifactID)
	if err != nil {
		return fmt.Errorf("completing dsar request %s, %w", id, err)
	}
	return nil
}

func (r *GovernanceRepository) FailDSAR(ctx context.Context, id, errorCode string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE dsar_requests SET status = 'failed', error_code = $2, updated_at = now()
		WHERE id = $1`, id, errorCode)
	if err != nil {
		return fmt.Errorf("failing dsar request %s, %w", id, err)
	}
	return nil
}

func (r *GovernanceRepository) InsertArtifact(ctx context.Context, artifact DSARArtifact) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO dsar_artifacts (id, tenant_id, dsar_id, content, sha256)
		VALUES (:id, :tenant_id, :dsar_id, :content, :sha256)`, artifact)
	if err != nil {
		return fmt.Errorf("inserting dsar artifact, %w", err)
	}
	return nil
}

func (r *GovernanceRepository) GetArtifact(ctx context.Context, tenantID, id string) (*DSARArtifact, error) {
	var artifact DSARArtifact
	err := r.db.GetContext(ctx, &artifact, `
		SELECT * FROM dsar_artifacts WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeNotFound, "dsar artifact %s not found", id)
		}
		return nil, fmt.Errorf("selecting dsar artifact %s, %w", id, err)
	}
	return &artifact, nil
}

// ArtifactsOlderThan returns artifact ids past the cutoff, for retention.
func (r *GovernanceRepository) ArtifactsOlderThan(ctx context.Context, tenantID string, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM dsar_artifacts WHERE tenant_id = $1 AND created_at < $2
		ORDER BY created_at LIMIT $3`, tenantID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting dsar artifacts older than cutoff, %w", err)
	}
	return ids, nil
}

func (r *GovernanceRepository) DeleteArtifact(ctx context.Context, tenantID, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM dsar_artifacts WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("deleting dsar artifact %s, %w", id, err)
	}
	return nil
}

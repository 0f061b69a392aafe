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

package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/logging"
	"github.com/nexusrag/nexusrag/pkg/queue"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

const (
	CategoryDocuments     = "documents"
	CategorySessions      = "sessions"
	CategoryAuditEvents   = "audit_events"
	CategoryDSARArtifacts = "dsar_artifacts"

	// retentionMaxRows bounds one category within one run; the next
	// scheduled run picks up the remainder.
	retentionMaxRows = 5000
)

// CategoryCounters reports what one retention category did in a run.
type CategoryCounters struct {
	Deleted     int64 `json:"deleted"`
	Anonymized  int64 `json:"anonymized"`
	SkippedHold int64 `json:"skipped_hold"`
}

type Retention struct {
	repo      *storage.GovernanceRepository
	documents *storage.DocumentRepository
	sessions  *storage.SessionRepository
	auditLog  *audit.Query
	holds     *Holds
	auditor   audit.Emitter
	logger    *zap.Logger
}

func NewRetention(repo *storage.GovernanceRepository, documents *storage.DocumentRepository,
	sessions *storage.SessionRepository, auditLog *audit.Query, holds *Holds,
	auditor audit.Emitter, logger *zap.Logger) *Retention {
	return &Retention{
		repo:      repo,
		documents: documents,
		sessions:  sessions,
		auditLog:  auditLog,
		holds:     holds,
		auditor:   auditor,
		logger:    logger,
	}
}

func (r *Retention) Policy(ctx context.Context, tenantID string) (*storage.RetentionPolicy, error) {
	return r.repo.Policy(ctx, tenantID)
}

func (r *Retention) SetPolicy(ctx context.Context, policy storage.RetentionPolicy) error {
	return r.repo.UpsertPolicy(ctx, policy)
}

func (r *Retention) LatestRun(ctx context.Context, tenantID string) (*storage.RetentionRun, error) {
	return r.repo.LatestRun(ctx, tenantID)
}

// Run executes one retention pass for the tenant. Rows under an active
// legal hold are always skipped and counted; anonymized rows fall out of
// the candidate set, so re-running a stable policy changes nothing.
func (r *Retention) Run(ctx context.Context, tenantID string) (map[string]CategoryCounters, error) {
	policy, err := r.repo.Policy(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	holdIndex, err := r.holds.Index(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	runID := "ret_" + uuid.NewString()
	if err := r.repo.CreateRun(ctx, storage.RetentionRun{ID: runID, TenantID: tenantID}); err != nil {
		return nil, err
	}

	counters := map[string]CategoryCounters{}
	now := time.Now().UTC()
	runErr := func() error {
		if policy.DocumentsTTLDays != nil {
			c, err := r.sweepDocuments(ctx, tenantID, policy, holdIndex, cutoff(now, *policy.DocumentsTTLDays))
			if err != nil {
				return fmt.Errorf("sweeping documents, %w", err)
			}
			counters[CategoryDocuments] = c
		}
		if policy.SessionsTTLDays != nil {
			c, err := r.sweepSessions(ctx, tenantID, policy, holdIndex, cutoff(now, *policy.SessionsTTLDays))
			if err != nil {
				return fmt.Errorf("sweeping sessions, %w", err)
			}
			counters[CategorySessions] = c
		}
		if policy.AuditTTLDays != nil {
			c, err := r.sweepAuditEvents(ctx, tenantID, holdIndex, cutoff(now, *policy.AuditTTLDays))
			if err != nil {
				return fmt.Errorf("sweeping audit events, %w", err)
			}
			counters[CategoryAuditEvents] = c
		}
		if policy.DSARArtifactsTTLDays != nil {
			c, err := r.sweepArtifacts(ctx, tenantID, holdIndex, cutoff(now, *policy.DSARArtifactsTTLDays))
			if err != nil {
				return fmt.Errorf("sweeping dsar artifacts, %w", err)
			}
			counters[CategoryDSARArtifacts] = c
		}
		return nil
	}()

	status := "completed"
	if runErr != nil {
		status = "failed"
	}
	encoded, _ := json.Marshal(counters)
	if err := r.repo.FinishRun(ctx, runID, status, encoded); err != nil {
		r.logger.Error("recording retention run outcome", zap.Error(err))
	}
	outcome := audit.OutcomeSuccess
	if runErr != nil {
		outcome = audit.OutcomeFailure
	}
	r.auditor.Emit(ctx, audit.Event{
		TenantID:     tenantID,
		ActorType:    "system",
		EventType:    audit.EventGovernanceRetentionRun,
		Outcome:      outcome,
		ResourceType: "retention_run",
		ResourceID:   runID,
		Metadata:     map[string]any{"counters": counters},
	})
	if runErr != nil {
		return counters, runErr
	}
	return counters, nil
}

// HandleJob is the queue handler for scheduled retention runs.
func (r *Retention) HandleJob(ctx context.Context, job *queue.Job) error {
	if job.TenantID == nil {
		return fmt.Errorf("retention job %s has no tenant", job.ID)
	}
	counters, err := r.Run(ctx, *job.TenantID)
	if err != nil {
		return err
	}
	logging.FromContext(ctx).Info("retention run finished",
		zap.String("tenant-id", *job.TenantID), zap.Any("counters", counters))
	return nil
}

func (r *Retention) sweepDocuments(ctx context.Context, tenantID string, policy *storage.RetentionPolicy,
	holds *HoldIndex, cutoff time.Time) (CategoryCounters, error) {
	var c CategoryCounters
	ids, err := r.documents.OlderThan(ctx, tenantID, cutoff, retentionMaxRows)
	if err != nil {
		return c, err
	}
	for _, id := range ids {
		if holds.Blocks(storage.HoldScopeDocument, id) {
			c.SkippedHold++
			continue
		}
		if policy.AnonymizeInsteadOfDelete || !policy.HardDeleteEnabled {
			if err := r.documents.Anonymize(ctx, tenantID, id); err != nil {
				return c, err
			}
			c.Anonymized++
			continue
		}
		if err := r.documents.Delete(ctx, tenantID, id); err != nil {
			return c, err
		}
		c.Deleted++
	}
	return c, nil
}

func (r *Retention) sweepSessions(ctx context.Context, tenantID string, policy *storage.RetentionPolicy,
	holds *HoldIndex, cutoff time.Time) (CategoryCounters, error) {
	var c CategoryCounters
	ids, err := r.sessions.OlderThan(ctx, tenantID, cutoff, retentionMaxRows)
	if err != nil {
		return c, err
	}
	for _, id := range ids {
		if holds.Blocks(storage.HoldScopeSession, id) {
			c.SkippedHold++
			continue
		}
		if policy.AnonymizeInsteadOfDelete || !policy.HardDeleteEnabled {
			if err := r.sessions.Anonymize(ctx, tenantID, id); err != nil {
				return c, err
			}
			c.Anonymized++
			continue
		}
		if err := r.sessions.Delete(ctx, tenantID, id); err != nil {
			return c, err
		}
		c.Deleted++
	}
	return c, nil
}

// Audit events are deleted, never anonymized; a tenant-wide hold blocks the
// whole category.
func (r *Retention) sweepAuditEvents(ctx context.Context, tenantID string, holds *HoldIndex, cutoff time.Time) (CategoryCounters, error) {
	var c CategoryCounters
	ids, err := r.auditLog.OlderThan(ctx, tenantID, cutoff, retentionMaxRows)
	if err != nil {
		return c, err
	}
	if len(ids) == 0 {
		return c, nil
	}
	if holds.Blocks(storage.HoldScopeTenant, "") {
		c.SkippedHold = int64(len(ids))
		return c, nil
	}
	deleted, err := r.auditLog.DeleteByIDs(ctx, tenantID, ids)
	if err != nil {
		return c, err
	}
	c.Deleted = deleted
	return c, nil
}

func (r *Retention) sweepArtifacts(ctx context.Context, tenantID string, holds *HoldIndex, cutoff time.Time) (CategoryCounters, error) {
	var c CategoryCounters
	ids, err := r.repo.ArtifactsOlderThan(ctx, tenantID, cutoff, retentionMaxRows)
	if err != nil {
		return c, err
	}
	for _, id := range ids {
		if holds.Blocks(storage.HoldScopeTenant, "") {
			c.SkippedHold++
			continue
		}
		if err := r.repo.DeleteArtifact(ctx, tenantID, id); err != nil {
			return c, err
		}
		c.Deleted++
	}
	return c, nil
}

func cutoff(now time.Time, ttlDays int) time.Time {
	return now.Add(-time.Duration(ttlDays) * 24 * time.Hour)
}

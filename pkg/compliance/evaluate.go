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

package compliance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/coordination"
	"github.com/nexusrag/nexusrag/pkg/queue"
	"github.com/nexusrag/nexusrag/pkg/rollout"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

const (
	backupFreshPass     = 26 * time.Hour
	backupFreshDegraded = 7 * 24 * time.Hour
	queueDepthDegraded  = 1000
)

type ControlResult struct {
	Control
	Status   string   `json:"status"`
	Evidence []string `json:"evidence"`
}

type Snapshot struct {
	ID          string          `json:"id"`
	GeneratedAt time.Time       `json:"generated_at"`
	RegionID    string          `json:"region_id"`
	Results     []ControlResult `json:"results"`
	Summary     map[string]int  `json:"summary"`
}

type EvaluatorConfig struct {
	RegionID  string
	DevBypass bool
}

// Evaluator runs every catalog control against live state. The most recent
// snapshot is kept in memory for the ops surface; bundles are generated on
// demand from it.
type Evaluator struct {
	store    *storage.Store
	coord    *coordination.Client
	jobs     *queue.Queue
	backups  *storage.BackupRepository
	failover *storage.FailoverRepository
	gov      *storage.GovernanceRepository
	tenants  *storage.TenantRepository
	rollout  *rollout.Controller
	auditLog *audit.Query
	auditor  audit.Emitter
	config   EvaluatorConfig
	logger   *zap.Logger

	mu     sync.Mutex
	latest *Snapshot
}

func NewEvaluator(store *storage.Store, coord *coordination.Client, jobs *queue.Queue,
	backups *storage.BackupRepository, failoverRepo *storage.FailoverRepository,
	gov *storage.GovernanceRepository, tenants *storage.TenantRepository,
	rolloutCtl *rollout.Controller, auditLog *audit.Query, auditor audit.Emitter,
	config EvaluatorConfig, logger *zap.Logger) *Evaluator {
	return &Evaluator{
		store:    store,
		coord:    coord,
		jobs:     jobs,
		backups:  backups,
		failover: failoverRepo,
		gov:      gov,
		tenants:  tenants,
		rollout:  rolloutCtl,
		auditLog: auditLog,
		auditor:  auditor,
		config:   config,
		logger:   logger,
	}
}

// Latest returns the most recent snapshot, or nil before the first run.
func (e *Evaluator) Latest() *Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest
}

// Evaluate runs the full catalog and records the snapshot.
func (e *Evaluator) Evaluate(ctx context.Context) (*Snapshot, error) {
	controls, err := Catalog()
	if err != nil {
		return nil, err
	}
	snapshot := &Snapshot{
		ID:          "snap_" + uuid.NewString(),
		GeneratedAt: time.Now().UTC(),
		RegionID:    e.config.RegionID,
		Results:     make([]ControlResult, 0, len(controls)),
		Summary:     map[string]int{},
	}
	for _, control := range controls {
		status, evidence := e.check(ctx, control.ID)
		snapshot.Results = append(snapshot.Results, ControlResult{
			Control:  control,
			Status:   status,
			Evidence: evidence,
		})
		snapshot.Summary[status]++
	}

	e.mu.Lock()
	e.latest = snapshot
	e.mu.Unlock()

	e.auditor.Emit(ctx, audit.Event{
		ActorType:    "system",
		EventType:    audit.EventComplianceSnapshot,
		Outcome:      audit.OutcomeSuccess,
		ResourceType: "compliance_snapshot",
		ResourceID:   snapshot.ID,
		Metadata:     map[string]any{"summary": snapshot.Summary},
	})
	e.logger.Info("compliance snapshot generated",
		zap.String("snapshot-id", snapshot.ID), zap.Any("summary", snapshot.Summary))
	return snapshot, nil
}

// check evaluates a single control. Evaluation failures degrade the control
// rather than aborting the snapshot.
func (e *Evaluator) check(ctx context.Context, controlID string) (string, []string) {
	switch controlID {
	case "CC6.1":
		if e.config.DevBypass {
			return StatusDegraded, []string{"dev auth bypass is enabled"}
		}
		return StatusPass, []string{"bcrypt-hashed API keys with tenant-scoped RBAC on every route"}
	case "CC6.6":
		tenants, err := e.tenants.List(ctx)
		if err != nil {
			return StatusDegraded, []string{fmt.Sprintf("tenant listing failed: %v", err)}
		}
		enabled := lo.CountBy(tenants, func(t storage.Tenant) bool { return t.CryptoEnabled })
		evidence := []string{fmt.Sprintf("%d/%d tenants have envelope encryption enabled", enabled, len(tenants))}
		if len(tenants) > 0 && enabled == 0 {
			return StatusDegraded, evidence
		}
		return StatusPass, evidence
	case "CC7.2":
		since := time.Now().UTC().Add(-24 * time.Hour)
		var count int
		err := e.store.DB().GetContext(ctx, &count,
			`SELECT count(*) FROM audit_events WHERE occurred_at >= $1`, since)
		if err != nil {
			return StatusDegraded, []string{fmt.Sprintf("audit store query failed: %v", err)}
		}
		evidence := []string{fmt.Sprintf("%d audit events written in the last 24h", count)}
		if count == 0 {
			return StatusDegraded, evidence
		}
		return StatusPass, evidence
	case "CC7.3":
		switches, err := e.rollout.ListKillSwitches(ctx)
		if err != nil {
			return StatusFail, []string{fmt.Sprintf("kill switch store unreachable: %v", err)}
		}
		return StatusPass, []string{fmt.Sprintf("%d kill switches registered and queryable", len(switches))}
	case "CC7.4":
		latest, err := e.backups.Latest(ctx)
		if err != nil {
			return StatusFail, []string{fmt.Sprintf("backup store unreachable: %v", err)}
		}
		if latest == nil {
			return StatusFail, []string{"no completed backup set exists"}
		}
		age := time.Since(latest.CreatedAt)
		evidence := []string{fmt.Sprintf("latest backup %s is %s old", latest.ID, age.Round(time.Minute))}
		switch {
		case age <= backupFreshPass:
			return StatusPass, evidence
		case age <= backupFreshDegraded:
			return StatusDegraded, evidence
		default:
			return StatusFail, evidence
		}
	case "A1.1":
		depth, err := e.jobs.Depth(ctx)
		if err != nil {
			return StatusDegraded, []string{fmt.Sprintf("queue depth query failed: %v", err)}
		}
		evidence := []string{fmt.Sprintf("queue depth %d (degraded threshold %d)", depth, queueDepthDegraded)}
		if depth > queueDepthDegraded {
			return StatusDegraded, evidence
		}
		return StatusPass, evidence
	case "A1.2":
		var evidence []string
		status := StatusPass
		if err := e.store.Ping(ctx); err != nil {
			status = StatusFail
			evidence = append(evidence, fmt.Sprintf("postgres ping failed: %v", err))
		} else {
			evidence = append(evidence, "postgres reachable")
		}
		if err := e.coord.Ping(ctx); err != nil {
			status = StatusFail
			evidence = append(evidence, fmt.Sprintf("redis ping failed: %v", err))
		} else {
			evidence = append(evidence, "redis reachable")
		}
		return status, evidence
	case "P4.1":
		var policies int
		err := e.store.DB().GetContext(ctx, &policies, `SELECT count(*) FROM retention_policies`)
		if err != nil {
			return StatusDegraded, []string{fmt.Sprintf("retention policy query failed: %v", err)}
		}
		evidence := []string{fmt.Sprintf("%d tenants carry a retention policy", policies)}
		if policies == 0 {
			return StatusDegraded, evidence
		}
		return StatusPass, evidence
	case "SYSTEM.INGEST":
		dead, err := e.jobs.DeadJobs(ctx, 100)
		if err != nil {
			return StatusDegraded, []string{fmt.Sprintf("dead job query failed: %v", err)}
		}
		evidence := []string{fmt.Sprintf("%d dead jobs", len(dead))}
		if len(dead) > 0 {
			return StatusDegraded, evidence
		}
		return StatusPass, evidence
	case "SYSTEM.RUNTIME":
		state, err := e.failover.State(ctx)
		if err != nil {
			return StatusDegraded, []string{fmt.Sprintf("failover state query failed: %v", err)}
		}
		evidence := []string{fmt.Sprintf("state %s, freeze_writes %t, active primary %s",
			state.State, state.FreezeWrites, state.ActivePrimaryRegion)}
		if state.FreezeWrites || state.ActivePrimaryRegion != e.config.RegionID {
			return StatusDegraded, evidence
		}
		return StatusPass, evidence
	default:
		return StatusDegraded, []string{"no evaluator bound to this control"}
	}
}

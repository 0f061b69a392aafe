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

// Package failover is the token-gated multi-region promotion control plane.
// A single failover is in flight at any time, guarded by a Redis lock plus
// a row lock over the singleton state, and every promote or rollback burns
// a one-time purpose-bound token.
package failover

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/coordination"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

const (
	StateIdle            = "idle"
	StateFreezeWrites    = "freeze_writes"
	StatePrecheck        = "precheck"
	StatePromoting       = "promoting"
	StateVerification    = "verification"
	StateCompleted       = "completed"
	StateFailed          = "failed"
	StateRollbackPending = "rollback_pending"
	StateRolledBack      = "rolled_back"

	RolePrimary = "primary"
	RoleReplica = "replica"

	PurposePromote  = "promote"
	PurposeRollback = "rollback"

	BlockerSplitBrain     = "SPLIT_BRAIN_RISK"
	BlockerReplicationLag = "REPLICATION_LAG_EXCEEDED"
	BlockerCooldown       = "COOLDOWN_ACTIVE"
	BlockerInProgress     = "FAILOVER_IN_PROGRESS"

	RecommendPromote  = "promote_candidate"
	RecommendHold     = "hold"
	RecommendNotReady = "not_ready"

	lockKey = "failover:lock"
	lockTTL = 2 * time.Minute
)

// Probe reports replica health facts used by readiness and prechecks. The
// production probe queries replication views; tests and single-region
// deployments use a StaticProbe.
type Probe interface {
	ReplicationLag(ctx context.Context) (time.Duration, error)
	SplitBrainRisk(ctx context.Context) (bool, error)
}

// StaticProbe returns fixed answers.
type StaticProbe struct {
	Lag       time.Duration
	SplitRisk bool
	Err       error
}

func (p StaticProbe) ReplicationLag(context.Context) (time.Duration, error) { return p.Lag, p.Err }
func (p StaticProbe) SplitBrainRisk(context.Context) (bool, error)          { return p.SplitRisk, p.Err }

type Config struct {
	RegionID          string
	Cooldown          time.Duration
	TokenTTL          time.Duration
	MaxReplicationLag time.Duration
}

type Readiness struct {
	State          string   `json:"state"`
	Role           string   `json:"role"`
	Epoch          int64    `json:"epoch"`
	Blockers       []string `json:"blockers"`
	Recommendation string   `json:"recommendation"`
}

type Manager struct {
	store   *storage.Store
	repo    *storage.FailoverRepository
	coord   *coordination.Client
	probe   Probe
	config  Config
	auditor audit.Emitter
	logger  *zap.Logger
}

func NewManager(store *storage.Store, repo *storage.FailoverRepository, coord *coordination.Client,
	probe Probe, config Config, auditor audit.Emitter, logger *zap.Logger) *Manager {
	return &Manager{
		store:   store,
		repo:    repo,
		coord:   coord,
		probe:   probe,
		config:  config,
		auditor: auditor,
		logger:  logger,
	}
}

func (m *Manager) State(ctx context.Context) (*storage.FailoverState, error) {
	return m.repo.State(ctx)
}

func (m *Manager) Events(ctx context.Context, limit int) ([]storage.FailoverEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return m.repo.Events(ctx, limit)
}

// WritesFrozen implements the rollout freeze source. Writes freeze while an
// operation holds the freeze flag and whenever this region is not the
// active primary.
func (m *Manager) WritesFrozen(ctx context.Context) (bool, error) {
	state, err := m.repo.State(ctx)
	if err != nil {
		return false, err
	}
	return state.FreezeWrites || state.ActivePrimaryRegion != m.config.RegionID, nil
}

func inFlight(state string) bool {
	switch state {
	case StateFreezeWrites, StatePrecheck, StatePromoting, StateVerification, StateRollbackPending:
		return true
	}
	return false
}

// Readiness evaluates blockers without mutating anything.
func (m *Manager) Readiness(ctx context.Context) (*Readiness, error) {
	state, err := m.repo.State(ctx)
	if err != nil {
		return nil, err
	}
	blockers := []string{}
	notReady := false
	if inFlight(state.State) {
		blockers = append(blockers, BlockerInProgress)
		notReady = true
	}
	if state.CooldownUntil != nil && state.CooldownUntil.After(time.Now().UTC()) {
		blockers = append(blockers, BlockerCooldown)
	}
	if risk, probeErr := m.probe.SplitBrainRisk(ctx); probeErr != nil || risk {
		blockers = append(blockers, BlockerSplitBrain)
		notReady = true
	}
	if lag, probeErr := m.probe.ReplicationLag(ctx); probeErr == nil && lag > m.config.MaxReplicationLag {
		blockers = append(blockers, BlockerReplicationLag)
	}

	recommendation := RecommendPromote
	switch {
	case notReady:
		recommendation = RecommendNotReady
	case len(blockers) > 0:
		recommendation = RecommendHold
	}
	return &Readiness{
		State:          state.State,
		Role:           state.Role,
		Epoch:          state.Epoch,
		Blockers:       blockers,
		Recommendation: recommendation,
	}, nil
}

// MintToken issues a one-time token for the given purpose.
func (m *Manager) MintToken(ctx context.Context, purpose, actor string) (*storage.FailoverToken, error) {
	if purpose != PurposePromote && purpose != PurposeRollback {
		return nil, apierrors.Newf(apierrors.CodeValidationFailed, "unknown failover token purpose %q", purpose)
	}
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generating failover token, %w", err)
	}
	token := storage.FailoverToken{
		Token:     hex.EncodeToString(raw),
		Purpose:   purpose,
		ExpiresAt: time.Now().UTC().Add(m.config.TokenTTL),
	}
	if err := m.repo.InsertToken(ctx, token); err != nil {
		return nil, err
	}
	m.auditor.Emit(ctx, audit.Event{
		ActorType:    "subject",
		ActorID:      actor,
		EventType:    audit.EventFailoverTokenIssued,
		Outcome:      audit.OutcomeSuccess,
		ResourceType: "failover_token",
		Metadata:     map[string]any{"purpose": purpose},
	})
	return &token, nil
}

// Promote drives the full promotion sequence. The sequence is synchronous;
// a precheck or verification failure lands in rollback_pending with writes
// still frozen, waiting for an explicit rollback.
func (m *Manager) Promote(ctx context.Context, token, actor string) (*storage.FailoverState, error) {
	lock, err := m.coord.AcquireLock(ctx, lockKey, lockTTL)
	if err != nil {
		if errors.Is(err, coordination.ErrLockHeld) {
			return nil, apierrors.New(apierrors.CodeFailoverInProgress, "another failover operation holds the lock")
		}
		return nil, err
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()

	if err := m.repo.ConsumeToken(ctx, token, PurposePromote); err != nil {
		return nil, err
	}
	m.auditor.Emit(ctx, audit.Event{
		ActorType: "subject", ActorID: actor,
		EventType: audit.EventFailoverTokenConsumed,
		Outcome:   audit.OutcomeSuccess,
		Metadata:  map[string]any{"purpose": PurposePromote},
	})

	var final *storage.FailoverState
	var precheckErr error
	err = m.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		state, err := m.repo.StateForUpdate(ctx, tx)
		if err != nil {
			return err
		}
		if inFlight(state.State) {
			return apierrors.Newf(apierrors.CodeFailoverInProgress, "failover already in state %s", state.State)
		}
		if state.CooldownUntil != nil && state.CooldownUntil.After(time.Now().UTC()) {
			return apierrors.Newf(apierrors.CodeFailoverCooldown,
				"cooldown active until %s", state.CooldownUntil.UTC().Format(time.RFC3339))
		}

		if err := m.transition(ctx, tx, state, StateFreezeWrites, actor, "operator promote"); err != nil {
			return err
		}
		state.FreezeWrites = true
		if err := m.transition(ctx, tx, state, StatePrecheck, actor, ""); err != nil {
			return err
		}
		if reason := m.precheckFailure(ctx); reason != "" {
			// Commit rollback_pending with writes frozen; the failure
			// surfaces after the transaction lands.
			if err := m.transition(ctx, tx, state, StateRollbackPending, actor, reason); err != nil {
				return err
			}
			final = state
			precheckErr = apierrors.Newf(apierrors.CodeFailoverInProgress, "precheck failed: %s", reason)
			return nil
		}
		if err := m.transition(ctx, tx, state, StatePromoting, actor, ""); err != nil {
			return err
		}
		if err := m.transition(ctx, tx, state, StateVerification, actor, ""); err != nil {
			return err
		}
		state.Role = RolePrimary
		state.ActivePrimaryRegion = m.config.RegionID
		state.Epoch++
		state.FreezeWrites = false
		cooldown := time.Now().UTC().Add(m.config.Cooldown)
		state.CooldownUntil = &cooldown
		if err := m.transition(ctx, tx, state, StateCompleted, actor, ""); err != nil {
			return err
		}
		final = state
		return nil
	})
	if err != nil {
		return final, err
	}
	if precheckErr != nil {
		return final, precheckErr
	}
	m.logger.Info("failover promotion completed",
		zap.String("region-id", m.config.RegionID), zap.Int64("epoch", final.Epoch))
	return final, nil
}

// Rollback restores the prior primary from rollback_pending or failed.
func (m *Manager) Rollback(ctx context.Context, token, actor string) (*storage.FailoverState, error) {
	lock, err := m.coord.AcquireLock(ctx, lockKey, lockTTL)
	if err != nil {
		if errors.Is(err, coordination.ErrLockHeld) {
			return nil, apierrors.New(apierrors.CodeFailoverInProgress, "another failover operation holds the lock")
		}
		return nil, err
	}
	defer func() { _ = lock.Release(context.WithoutCancel(ctx)) }()

	if err := m.repo.ConsumeToken(ctx, token, PurposeRollback); err != nil {
		return nil, err
	}
	m.auditor.Emit(ctx, audit.Event{
		ActorType: "subject", ActorID: actor,
		EventType: audit.EventFailoverTokenConsumed,
		Outcome:   audit.OutcomeSuccess,
		Metadata:  map[string]any{"purpose": PurposeRollback},
	})

	var final *storage.FailoverState
	err = m.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		state, err := m.repo.StateForUpdate(ctx, tx)
		if err != nil {
			return err
		}
		if state.State != StateRollbackPending && state.State != StateFailed {
			return apierrors.Newf(apierrors.CodeConflict,
				"rollback requires rollback_pending or failed, state is %s", state.State)
		}
		state.Role = RoleReplica
		state.FreezeWrites = false
		cooldown := time.Now().UTC().Add(m.config.Cooldown)
		state.CooldownUntil = &cooldown
		if err := m.transition(ctx, tx, state, StateRolledBack, actor, "operator rollback"); err != nil {
			return err
		}
		final = state
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("failover rolled back", zap.String("region-id", m.config.RegionID))
	return final, nil
}

// SetFreeze is the operator write-freeze toggle outside a failover.
func (m *Manager) SetFreeze(ctx context.Context, frozen bool, actor string) error {
	if err := m.repo.SetFreeze(ctx, frozen); err != nil {
		return err
	}
	m.auditor.Emit(ctx, audit.Event{
		ActorType: "subject", ActorID: actor,
		EventType: audit.EventFailoverTransition,
		Outcome:   audit.OutcomeSuccess,
		Metadata:  map[string]any{"freeze_writes": frozen},
	})
	return nil
}

func (m *Manager) precheckFailure(ctx context.Context) string {
	if risk, err := m.probe.SplitBrainRisk(ctx); err != nil {
		return fmt.Sprintf("split brain probe failed: %v", err)
	} else if risk {
		return BlockerSplitBrain
	}
	lag, err := m.probe.ReplicationLag(ctx)
	if err != nil {
		return fmt.Sprintf("replication probe failed: %v", err)
	}
	if lag > m.config.MaxReplicationLag {
		return BlockerReplicationLag
	}
	return ""
}

// transition persists the state change, records the event row, and emits
// the audit event. The caller mutates role/epoch/freeze fields first.
func (m *Manager) transition(ctx context.Context, tx *sqlx.Tx, state *storage.FailoverState, to, actor, reason string) error {
	from := state.State
	state.State = to
	if err := m.repo.UpdateStateTx(ctx, tx, *state); err != nil {
		return err
	}
	event := storage.FailoverEvent{FromState: from, ToState: to, Epoch: state.Epoch}
	if actor != "" {
		event.Actor = &actor
	}
	if reason != "" {
		event.Reason = &reason
	}
	if err := m.repo.InsertEventTx(ctx, tx, event); err != nil {
		return err
	}
	m.auditor.Emit(ctx, audit.Event{
		ActorType: "subject", ActorID: actor,
		EventType:    audit.EventFailoverTransition,
		Outcome:      audit.OutcomeSuccess,
		ResourceType: "failover_state",
		Metadata:     map[string]any{"from": from, "to": to, "epoch": state.Epoch, "reason": reason},
	})
	return nil
}

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

// Package governance covers the data-lifecycle control plane: retention
// runs, legal holds, and DSAR requests. Active legal holds supersede every
// destructive workflow within their scope.
package governance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/audit"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

var holdScopes = []string{
	storage.HoldScopeTenant,
	storage.HoldScopeDocument,
	storage.HoldScopeSession,
	storage.HoldScopeUserKey,
	storage.HoldScopeBackupSet,
}

type CreateHold struct {
	ScopeType string
	ScopeID   string
	Reason    string
	ExpiresAt *time.Time
}

type Holds struct {
	repo    *storage.GovernanceRepository
	auditor audit.Emitter
	logger  *zap.Logger
}

func NewHolds(repo *storage.GovernanceRepository, auditor audit.Emitter, logger *zap.Logger) *Holds {
	return &Holds{repo: repo, auditor: auditor, logger: logger}
}

func (h *Holds) Create(ctx context.Context, tenantID string, req CreateHold) (*storage.LegalHold, error) {
	if !lo.Contains(holdScopes, req.ScopeType) {
		return nil, apierrors.Newf(apierrors.CodeValidationFailed, "unknown hold scope type %q", req.ScopeType)
	}
	if req.Reason == "" {
		return nil, apierrors.New(apierrors.CodeValidationFailed, "a legal hold requires a reason")
	}
	if req.ScopeType != storage.HoldScopeTenant && req.ScopeID == "" {
		return nil, apierrors.Newf(apierrors.CodeValidationFailed, "scope type %q requires a scope id", req.ScopeType)
	}
	hold := storage.LegalHold{
		ID:        "hold_" + uuid.NewString(),
		TenantID:  tenantID,
		ScopeType: req.ScopeType,
		Reason:    req.Reason,
		ExpiresAt: req.ExpiresAt,
	}
	if req.ScopeID != "" {
		hold.ScopeID = &req.ScopeID
	}
	if err := h.repo.CreateHold(ctx, hold); err != nil {
		return nil, err
	}
	h.auditor.Emit(ctx, audit.Event{
		TenantID:     tenantID,
		EventType:    audit.EventGovernanceHoldCreated,
		Outcome:      audit.OutcomeSuccess,
		ResourceType: "legal_hold",
		ResourceID:   hold.ID,
		Metadata:     map[string]any{"scope_type": hold.ScopeType, "scope_id": req.ScopeID},
	})
	return &hold, nil
}

func (h *Holds) Release(ctx context.Context, tenantID, id string) error {
	if err := h.repo.ReleaseHold(ctx, tenantID, id); err != nil {
		return err
	}
	h.auditor.Emit(ctx, audit.Event{
		TenantID:     tenantID,
		EventType:    audit.EventGovernanceHoldReleased,
		Outcome:      audit.OutcomeSuccess,
		ResourceType: "legal_hold",
		ResourceID:   id,
	})
	return nil
}

func (h *Holds) List(ctx context.Context, tenantID string, includeReleased bool) ([]storage.LegalHold, error) {
	return h.repo.ListHolds(ctx, tenantID, includeReleased)
}

// Index loads the tenant's active holds into a lookup usable for batch skip
// checks without a query per row.
func (h *Holds) Index(ctx context.Context, tenantID string) (*HoldIndex, error) {
	holds, err := h.repo.ActiveHolds(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	index := &HoldIndex{scoped: map[string]map[string]struct{}{}}
	now := time.Now().UTC()
	for _, hold := range holds {
		if !hold.Active(now) {
			continue
		}
		if hold.ScopeType == storage.HoldScopeTenant {
			index.tenantWide = true
			continue
		}
		if hold.ScopeID == nil {
			// A scoped hold without an id binds the whole scope type.
			index.scoped[hold.ScopeType] = nil
			continue
		}
		ids, bound := index.scoped[hold.ScopeType]
		if bound && ids == nil {
			continue
		}
		if ids == nil {
			ids = map[string]struct{}{}
			index.scoped[hold.ScopeType] = ids
		}
		ids[*hold.ScopeID] = struct{}{}
	}
	return index, nil
}

// HoldIndex answers "is this record under hold" for one tenant.
type HoldIndex struct {
	tenantWide bool
	scoped     map[string]map[string]struct{}
}

func (i *HoldIndex) Blocks(scopeType, scopeID string) bool {
	if i.tenantWide {
		return true
	}
	ids, bound := i.scoped[scopeType]
	if !bound {
		return false
	}
	if ids == nil {
		return true
	}
	_, held := ids[scopeID]
	return held
}

// Require returns 409 LEGAL_HOLD_ACTIVE when the record is under hold.
func (i *HoldIndex) Require(scopeType, scopeID string) error {
	if i.Blocks(scopeType, scopeID) {
		return apierrors.Newf(apierrors.CodeLegalHoldActive,
			"an active legal hold covers %s %s", scopeType, scopeID).
			WithDetails(map[string]any{"scope_type": scopeType, "scope_id": scopeID})
	}
	return nil
}

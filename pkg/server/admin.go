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

package server

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	v1 "github.com/nexusrag/nexusrag/pkg/apis/v1"
	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/auth"
	"github.com/nexusrag/nexusrag/pkg/compliance"
	"github.com/nexusrag/nexusrag/pkg/entitlement"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/queue"
	"github.com/nexusrag/nexusrag/pkg/ratelimit"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

// adminRoutes is the operator surface: platform-level state that spans
// tenants. Everything requires an admin principal; tenant-scoped admin
// operations live under /self-serve instead.
func (s *Server) adminRoutes(r chi.Router) {
	r.Use(s.accessLog(ratelimit.ClassOps), s.authenticate,
		s.requireRole(auth.RoleAdmin), s.rateLimit(ratelimit.ClassOps),
		s.requireFeature(entitlement.FeatureOpsAPI))

	r.Route("/tenants", func(r chi.Router) {
		r.Get("/", s.handleListTenants)
		r.Post("/", s.handleCreateTenant)
		r.Get("/{tenantID}", s.handleGetTenant)
		r.Put("/{tenantID}/plan", s.handleSetTenantPlan)
		r.Put("/{tenantID}/quota-limits", s.handleSetQuotaLimits)
		r.Put("/{tenantID}/overrides/{featureKey}", s.handleSetOverride)
		r.Delete("/{tenantID}/overrides/{featureKey}", s.handleDeleteOverride)
		r.Post("/{tenantID}/crypto/enable", s.handleEnableCrypto)
		r.Get("/{tenantID}/crypto/keys", s.handleListCryptoKeys)
		r.Post("/{tenantID}/crypto/rotate", s.handleStartRotation)
		r.Get("/{tenantID}/crypto/rotations/{jobID}", s.handleGetRotation)
	})

	r.Route("/plans", func(r chi.Router) {
		r.Get("/", s.handleListPlans)
		r.Put("/{planID}/features/{featureKey}", s.handleSetPlanFeature)
	})

	r.Route("/rollouts", func(r chi.Router) {
		r.Get("/kill-switches", s.handleListKillSwitches)
		r.Put("/kill-switches/{key}", s.handleSetKillSwitch)
		r.Get("/canaries", s.handleListCanaries)
		r.Put("/canaries/{feature}", s.handleSetCanary)
	})

	r.Route("/compliance", func(r chi.Router) {
		r.Get("/controls", s.handleComplianceCatalog)
		r.Post("/evaluate", s.handleComplianceEvaluate)
		r.Get("/snapshot", s.handleComplianceSnapshot)
		r.Get("/bundle", s.handleComplianceBundle)
		r.Post("/bundle/verify", s.handleComplianceVerify)
	})

	r.Route("/failover", func(r chi.Router) {
		r.Get("/state", s.handleFailoverState)
		r.Get("/events", s.handleFailoverEvents)
		r.Get("/readiness", s.handleFailoverReadiness)
		r.Post("/token", s.handleFailoverToken)
		r.Post("/promote", s.handleFailoverPromote)
		r.Post("/rollback", s.handleFailoverRollback)
		r.Put("/freeze", s.handleFailoverFreeze)
	})

	r.Route("/backups", func(r chi.Router) {
		r.Get("/", s.handleListBackups)
		r.Post("/run", s.handleRunBackup)
		r.Get("/latest", s.handleLatestBackup)
	})

	r.Get("/identity/subjects", s.handleListSubjects)
}

func tenantToAPI(tenant storage.Tenant) v1.Tenant {
	return v1.Tenant{
		ID:            tenant.ID,
		Name:          tenant.Name,
		PlanID:        tenant.PlanID,
		DayLimit:      tenant.DayLimit,
		MonthLimit:    tenant.MonthLimit,
		CryptoEnabled: tenant.CryptoEnabled,
		CreatedAt:     tenant.CreatedAt,
		UpdatedAt:     tenant.UpdatedAt,
	}
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := s.tenants.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]v1.Tenant, 0, len(tenants))
	for _, tenant := range tenants {
		out = append(out, tenantToAPI(tenant))
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"tenants": out})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var request v1.TenantCreateRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.entitlements.GetPlan(r.Context(), request.PlanID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.tenants.Create(r.Context(), storage.Tenant{
		ID:     request.ID,
		Name:   request.Name,
		PlanID: request.PlanID,
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenant, err := s.tenants.Get(r.Context(), request.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, tenantToAPI(*tenant))
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.tenants.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, tenantToAPI(*tenant))
}

func (s *Server) handleSetTenantPlan(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	var request v1.PlanChangeRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	if _, err := s.entitlements.GetPlan(r.Context(), request.PlanID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.tenants.SetPlan(r.Context(), tenantID, request.PlanID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.entitlements.Invalidate(tenantID)
	s.auditor.Emit(r.Context(), audit.Event{
		TenantID:   tenantID,
		ActorType:  "api_key",
		ActorID:    principal.ActorID(),
		ActorRole:  string(principal.Role),
		EventType:  audit.EventPlanChanged,
		Outcome:    audit.OutcomeSuccess,
		ResourceID: request.PlanID,
		RequestID:  requestIDFrom(r.Context()),
	})
	tenant, err := s.tenants.Get(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, tenantToAPI(*tenant))
}

func (s *Server) handleSetQuotaLimits(w http.ResponseWriter, r *http.Request) {
	var request v1.QuotaLimitsRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	if err := s.tenants.SetQuotaLimits(r.Context(), tenantID, request.DayLimit, request.MonthLimit); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenant, err := s.tenants.Get(r.Context(), tenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, tenantToAPI(*tenant))
}

func (s *Server) handleSetOverride(w http.ResponseWriter, r *http.Request) {
	var request v1.OverrideRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	tenantID := chi.URLParam(r, "tenantID")
	featureKey := chi.URLParam(r, "featureKey")
	if err := s.entitlements.SetOverride(r.Context(), tenantID, featureKey, request.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{
		"tenant_id":   tenantID,
		"feature_key": featureKey,
		"enabled":     request.Enabled,
	})
}

func (s *Server) handleDeleteOverride(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	featureKey := chi.URLParam(r, "featureKey")
	if err := s.entitlements.DeleteOverride(r.Context(), tenantID, featureKey); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Request-Id", requestIDFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.entitlements.ListPlans(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"plans": plans})
}

func (s *Server) handleSetPlanFeature(w http.ResponseWriter, r *http.Request) {
	var request v1.PlanFeatureRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	planID := chi.URLParam(r, "planID")
	featureKey := chi.URLParam(r, "featureKey")
	if err := s.entitlements.SetPlanFeature(r.Context(), planID, featureKey, request.Enabled, request.Config); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{
		"plan_id":     planID,
		"feature_key": featureKey,
		"enabled":     request.Enabled,
	})
}

func (s *Server) handleListKillSwitches(w http.ResponseWriter, r *http.Request) {
	switches, err := s.rollout.ListKillSwitches(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"kill_switches": switches})
}

func (s *Server) handleSetKillSwitch(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	var request v1.KillSwitchRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.rollout.SetKillSwitch(r.Context(), key, request.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.auditor.Emit(r.Context(), audit.Event{
		ActorType:  "api_key",
		ActorID:    principal.ActorID(),
		ActorRole:  string(principal.Role),
		EventType:  audit.EventSystemKillSwitch,
		Outcome:    audit.OutcomeSuccess,
		ResourceID: key,
		RequestID:  requestIDFrom(r.Context()),
		Metadata:   map[string]any{"enabled": request.Enabled},
	})
	s.writeData(w, r, http.StatusOK, map[string]any{"key": key, "enabled": request.Enabled})
}

func (s *Server) handleListCanaries(w http.ResponseWriter, r *http.Request) {
	canaries, err := s.rollout.ListCanaryPercentages(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"canaries": canaries})
}

func (s *Server) handleSetCanary(w http.ResponseWriter, r *http.Request) {
	var request v1.CanaryRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	feature := chi.URLParam(r, "feature")
	if err := s.rollout.SetCanaryPercent(r.Context(), feature, request.Pct); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"feature": feature, "pct": request.Pct})
}

func (s *Server) handleEnableCrypto(w http.ResponseWriter, r *http.Request) {
	var request v1.CryptoEnableRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	key, err := s.registry.EnableTenant(r.Context(), chi.URLParam(r, "tenantID"), request.Alias)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, key)
}

func (s *Server) handleListCryptoKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.registry.ListKeys(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"keys": keys})
}

// handleStartRotation mints the next key version and enqueues the re-wrap
// job; rotation progress is resumable and visible via the job endpoint.
func (s *Server) handleStartRotation(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	job, err := s.registry.StartRotation(r.Context(), tenantID, s.auditor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if _, err := s.jobs.Push(r.Context(), queue.Enqueue{
		Kind:     queue.KindKeyRotation,
		TenantID: tenantID,
		Payload:  map[string]string{"rotation_job_id": job.ID},
	}); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusAccepted, job)
}

func (s *Server) handleGetRotation(w http.ResponseWriter, r *http.Request) {
	job, err := s.registry.RotationJob(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, job)
}

func (s *Server) handleComplianceCatalog(w http.ResponseWriter, r *http.Request) {
	controls, err := compliance.Catalog()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"controls": controls})
}

func (s *Server) handleComplianceEvaluate(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.evaluator.Evaluate(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, snapshot)
}

func (s *Server) handleComplianceSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := s.evaluator.Latest()
	if snapshot == nil {
		s.writeError(w, r, apierrors.New(apierrors.CodeNotFound, "no compliance snapshot evaluated yet"))
		return
	}
	s.writeData(w, r, http.StatusOK, snapshot)
}

// handleComplianceBundle builds the signed evidence archive from the latest
// snapshot, evaluating one on demand if none exists yet.
func (s *Server) handleComplianceBundle(w http.ResponseWriter, r *http.Request) {
	snapshot := s.evaluator.Latest()
	if snapshot == nil {
		fresh, err := s.evaluator.Evaluate(r.Context())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		snapshot = fresh
	}
	data, err := s.bundler.Build(r.Context(), snapshot, s.config.SanitizedConfig)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	header := w.Header()
	header.Set("Content-Type", "application/zip")
	header.Set("Content-Disposition", `attachment; filename="compliance-bundle-`+snapshot.ID+`.zip"`)
	header.Set("X-Request-Id", requestIDFrom(r.Context()))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleComplianceVerify(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		s.writeError(w, r, apierrors.Wrap(apierrors.CodeValidationFailed, "reading bundle body failed", err))
		return
	}
	if len(data) > maxBodyBytes {
		s.writeError(w, r, apierrors.Newf(apierrors.CodeValidationFailed, "bundle exceeds %d bytes", maxBodyBytes))
		return
	}
	result, err := s.bundler.Verify(data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, result)
}

func failoverStateToAPI(state storage.FailoverState) v1.FailoverState {
	return v1.FailoverState{
		RegionID:            state.RegionID,
		Role:                state.Role,
		State:               state.State,
		Epoch:               state.Epoch,
		ActivePrimaryRegion: state.ActivePrimaryRegion,
		FreezeWrites:        state.FreezeWrites,
		LastTransitionAt:    state.LastTransitionAt,
		CooldownUntil:       state.CooldownUntil,
	}
}

func (s *Server) handleFailoverState(w http.ResponseWriter, r *http.Request) {
	state, err := s.failover.State(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, failoverStateToAPI(*state))
}

func (s *Server) handleFailoverEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.failover.Events(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]v1.FailoverEvent, 0, len(events))
	for _, event := range events {
		converted := v1.FailoverEvent{
			ID:         event.ID,
			OccurredAt: event.OccurredAt,
			FromState:  event.FromState,
			ToState:    event.ToState,
			Epoch:      event.Epoch,
		}
		if event.Actor != nil {
			converted.Actor = *event.Actor
		}
		if event.Reason != nil {
			converted.Reason = *event.Reason
		}
		out = append(out, converted)
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) handleFailoverReadiness(w http.ResponseWriter, r *http.Request) {
	readiness, err := s.failover.Readiness(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, readiness)
}

func (s *Server) handleFailoverToken(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	var request v1.FailoverTokenRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	token, err := s.failover.MintToken(r.Context(), request.Purpose, principal.ActorID())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, v1.FailoverToken{
		Token:     token.Token,
		Purpose:   token.Purpose,
		ExpiresAt: token.ExpiresAt,
		CreatedAt: token.CreatedAt,
	})
}

func (s *Server) handleFailoverPromote(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	var request v1.FailoverPromoteRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.failover.Promote(r.Context(), request.Token, principal.ActorID())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, failoverStateToAPI(*state))
}

func (s *Server) handleFailoverRollback(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	var request v1.FailoverRollbackRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.failover.Rollback(r.Context(), request.Token, principal.ActorID())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, failoverStateToAPI(*state))
}

func (s *Server) handleFailoverFreeze(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	var request v1.FreezeRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.failover.SetFreeze(r.Context(), request.Frozen, principal.ActorID()); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.rollout.InvalidateFreeze()
	state, err := s.failover.State(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, failoverStateToAPI(*state))
}

func backupToAPI(set storage.BackupSet) v1.BackupSet {
	return v1.BackupSet{
		ID:        set.ID,
		CreatedAt: set.CreatedAt,
		Status:    set.Status,
		Location:  set.Location,
		Manifest:  set.Manifest,
		PrunedAt:  set.PrunedAt,
	}
}

func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	sets, err := s.backups.List(r.Context(), queryInt(r, "limit", 50))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]v1.BackupSet, 0, len(sets))
	for _, set := range sets {
		out = append(out, backupToAPI(set))
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"backups": out})
}

func (s *Server) handleRunBackup(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.Push(r.Context(), queue.Enqueue{Kind: queue.KindBackupRun})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusAccepted, map[string]any{"job_id": job.ID, "status": "queued"})
}

func (s *Server) handleLatestBackup(w http.ResponseWriter, r *http.Request) {
	set, err := s.backups.Latest(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if set == nil {
		s.writeError(w, r, apierrors.New(apierrors.CodeNotFound, "no backups recorded"))
		return
	}
	s.writeData(w, r, http.StatusOK, backupToAPI(*set))
}

func (s *Server) handleListSubjects(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		tenantID = principal.TenantID
	}
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 50)
	subjects, total, err := s.subjects.List(r.Context(), tenantID, offset, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]map[string]any, 0, len(subjects))
	for _, subject := range subjects {
		entry := map[string]any{
			"id":        subject.ID,
			"tenant_id": subject.TenantID,
			"user_name": subject.UserName,
			"origin":    subject.Origin,
			"active":    subject.Active,
		}
		if subject.DisplayName != nil {
			entry["display_name"] = *subject.DisplayName
		}
		if subject.Email != nil {
			entry["email"] = *subject.Email
		}
		out = append(out, entry)
	}
	s.writeData(w, r, http.StatusOK, map[string]any{
		"subjects": out,
		"total":    total,
		"offset":   offset,
		"limit":    limit,
	})
}

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
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	v1 "github.com/nexusrag/nexusrag/pkg/apis/v1"
	"github.com/nexusrag/nexusrag/pkg/auth"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/governance"
	"github.com/nexusrag/nexusrag/pkg/queue"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

func retentionPolicyToAPI(policy storage.RetentionPolicy) v1.RetentionPolicy {
	return v1.RetentionPolicy{
		DocumentsTTLDays:         policy.DocumentsTTLDays,
		SessionsTTLDays:          policy.SessionsTTLDays,
		AuditTTLDays:             policy.AuditTTLDays,
		DSARArtifactsTTLDays:     policy.DSARArtifactsTTLDays,
		HardDeleteEnabled:        policy.HardDeleteEnabled,
		AnonymizeInsteadOfDelete: policy.AnonymizeInsteadOfDelete,
		UpdatedAt:                policy.UpdatedAt,
	}
}

func (s *Server) handleGetRetentionPolicy(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	policy, err := s.retention.Policy(r.Context(), principal.TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, retentionPolicyToAPI(*policy))
}

func (s *Server) handleSetRetentionPolicy(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	var request v1.RetentionPolicyRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	current, err := s.retention.Policy(r.Context(), principal.TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	policy := *current
	policy.TenantID = principal.TenantID
	policy.DocumentsTTLDays = request.DocumentsTTLDays
	policy.SessionsTTLDays = request.SessionsTTLDays
	policy.AuditTTLDays = request.AuditTTLDays
	policy.DSARArtifactsTTLDays = request.DSARArtifactsTTLDays
	if request.HardDeleteEnabled != nil {
		policy.HardDeleteEnabled = *request.HardDeleteEnabled
	}
	if request.AnonymizeInsteadOfDelete != nil {
		policy.AnonymizeInsteadOfDelete = *request.AnonymizeInsteadOfDelete
	}
	if err := s.retention.SetPolicy(r.Context(), policy); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.retention.Policy(r.Context(), principal.TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, retentionPolicyToAPI(*updated))
}

// handleRunRetention enqueues a sweep instead of running it inline; the
// worker picks it up so a long sweep cannot hold an API connection open.
func (s *Server) handleRunRetention(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	job, err := s.jobs.Push(r.Context(), queue.Enqueue{
		Kind:     queue.KindRetentionRun,
		TenantID: principal.TenantID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": "queued",
	})
}

func (s *Server) handleLatestRetentionRun(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	run, err := s.retention.LatestRun(r.Context(), principal.TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if run == nil {
		s.writeError(w, r, apierrors.New(apierrors.CodeNotFound, "no retention runs recorded"))
		return
	}
	s.writeData(w, r, http.StatusOK, v1.RetentionRun{
		ID:         run.ID,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Status:     run.Status,
		Counters:   run.Counters,
	})
}

func holdToAPI(hold storage.LegalHold) v1.LegalHold {
	out := v1.LegalHold{
		ID:         hold.ID,
		ScopeType:  hold.ScopeType,
		Reason:     hold.Reason,
		CreatedAt:  hold.CreatedAt,
		ExpiresAt:  hold.ExpiresAt,
		ReleasedAt: hold.ReleasedAt,
	}
	if hold.ScopeID != nil {
		out.ScopeID = *hold.ScopeID
	}
	return out
}

func (s *Server) handleListHolds(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	includeReleased, _ := strconv.ParseBool(r.URL.Query().Get("include_released"))
	holds, err := s.holds.List(r.Context(), principal.TenantID, includeReleased)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]v1.LegalHold, 0, len(holds))
	for _, hold := range holds {
		out = append(out, holdToAPI(hold))
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"holds": out})
}

func (s *Server) handleCreateHold(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	var request v1.LegalHoldCreateRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	hold, err := s.holds.Create(r.Context(), principal.TenantID, governance.CreateHold{
		ScopeType: request.ScopeType,
		ScopeID:   request.ScopeID,
		Reason:    request.Reason,
		ExpiresAt: request.ExpiresAt,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, holdToAPI(*hold))
}

func (s *Server) handleReleaseHold(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	if err := s.holds.Release(r.Context(), principal.TenantID, chi.URLParam(r, "holdID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Request-Id", requestIDFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

func dsarToAPI(request storage.DSARRequest) v1.DSAR {
	out := v1.DSAR{
		ID:         request.ID,
		Type:       request.Type,
		Subject:    request.Subject,
		Status:     request.Status,
		ApprovedAt: request.ApprovedAt,
		CreatedAt:  request.CreatedAt,
		UpdatedAt:  request.UpdatedAt,
	}
	if request.ApprovedBy != nil {
		out.ApprovedBy = *request.ApprovedBy
	}
	if request.ArtifactID != nil {
		out.ArtifactID = *request.ArtifactID
	}
	if request.ErrorCode != nil {
		out.ErrorCode = *request.ErrorCode
	}
	return out
}

func (s *Server) handleListDSARs(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 50)
	requests, total, err := s.dsar.List(r.Context(), principal.TenantID, offset, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := v1.DSARList{
		Requests: make([]v1.DSAR, 0, len(requests)),
		Total:    total,
		Offset:   offset,
		Limit:    limit,
	}
	for _, request := range requests {
		out.Requests = append(out.Requests, dsarToAPI(request))
	}
	s.writeData(w, r, http.StatusOK, out)
}

func (s *Server) handleCreateDSAR(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	var request v1.DSARCreateRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.dsar.Create(r.Context(), principal.TenantID, request.Type, request.Subject)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, dsarToAPI(*created))
}

func (s *Server) handleGetDSAR(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	request, err := s.dsar.Get(r.Context(), principal.TenantID, chi.URLParam(r, "dsarID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, dsarToAPI(*request))
}

// handleApproveDSAR records the second pair of eyes for destructive requests.
func (s *Server) handleApproveDSAR(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	var request v1.DSARApproveRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	approver := request.Approver
	if approver == "" {
		approver = principal.ActorID()
	}
	dsarID := chi.URLParam(r, "dsarID")
	if err := s.dsar.Approve(r.Context(), principal.TenantID, dsarID, approver); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.dsar.Get(r.Context(), principal.TenantID, dsarID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, dsarToAPI(*updated))
}

func (s *Server) handleRejectDSAR(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	dsarID := chi.URLParam(r, "dsarID")
	if err := s.dsar.Reject(r.Context(), principal.TenantID, dsarID); err != nil {
		s.writeError(w, r, err)
		return
	}
	updated, err := s.dsar.Get(r.Context(), principal.TenantID, dsarID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, dsarToAPI(*updated))
}

func (s *Server) handleStartDSAR(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	job, err := s.dsar.Start(r.Context(), principal.TenantID, chi.URLParam(r, "dsarID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusAccepted, map[string]any{
		"job_id": job.ID,
		"status": "queued",
	})
}

// handleDSARArtifact serves the export artifact bytes with their digest. The
// artifact never embeds in a JSON envelope; exports can be large.
func (s *Server) handleDSARArtifact(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	artifact, err := s.dsar.Artifact(r.Context(), principal.TenantID, chi.URLParam(r, "dsarID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if artifact == nil {
		s.writeError(w, r, apierrors.New(apierrors.CodeNotFound, "artifact not available"))
		return
	}
	header := w.Header()
	header.Set("Content-Type", "application/json")
	header.Set("X-Request-Id", requestIDFrom(r.Context()))
	header.Set("X-Content-SHA256", artifact.SHA256)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Content)
}

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
	"time"

	"github.com/go-chi/chi/v5"

	v1 "github.com/nexusrag/nexusrag/pkg/apis/v1"
	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/auth"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/quota"
	"github.com/nexusrag/nexusrag/pkg/ratelimit"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

// selfServeRoutes is the tenant-admin surface: key lifecycle, usage, plan.
func (s *Server) selfServeRoutes(r chi.Router) {
	r.Use(s.accessLog(ratelimit.ClassOps), s.authenticate,
		s.requireRole(auth.RoleAdmin), s.rateLimit(ratelimit.ClassOps))
	r.Post("/keys", s.handleCreateKey)
	r.Get("/keys", s.handleListKeys)
	r.Delete("/keys/{keyID}", s.handleRevokeKey)
	r.Post("/keys/{keyID}/rotate", s.handleRotateKey)
	r.Get("/usage", s.handleUsage)
	r.Get("/plan", s.handlePlan)
}

func apiKeyToAPI(key storage.APIKey) v1.APIKey {
	return v1.APIKey{
		KeyID:      key.KeyID,
		Prefix:     key.Prefix,
		Role:       key.Role,
		CreatedAt:  key.CreatedAt,
		LastUsedAt: key.LastUsedAt,
		RevokedAt:  key.RevokedAt,
	}
}

func (s *Server) mintKey(r *http.Request, tenantID, role string) (*v1.APIKeyCreated, error) {
	minted, err := auth.MintKey()
	if err != nil {
		return nil, err
	}
	if err := s.apikeys.Insert(r.Context(), storage.APIKey{
		KeyID:      minted.KeyID,
		TenantID:   tenantID,
		Role:       role,
		SecretHash: minted.SecretHash,
		Prefix:     minted.Prefix,
	}); err != nil {
		return nil, err
	}
	principal, _ := auth.FromContext(r.Context())
	s.auditor.Emit(r.Context(), audit.Event{
		TenantID:   tenantID,
		ActorType:  "api_key",
		ActorID:    principal.ActorID(),
		ActorRole:  string(principal.Role),
		EventType:  audit.EventAuthKeyCreated,
		Outcome:    audit.OutcomeSuccess,
		ResourceID: minted.KeyID,
		RequestID:  requestIDFrom(r.Context()),
	})
	return &v1.APIKeyCreated{
		KeyID:     minted.KeyID,
		Key:       minted.Plaintext,
		Prefix:    minted.Prefix,
		Role:      role,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	var request v1.APIKeyCreateRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.mintKey(r, principal.TenantID, request.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, created)
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	keys, err := s.apikeys.ListByTenant(r.Context(), principal.TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]v1.APIKey, 0, len(keys))
	for _, key := range keys {
		out = append(out, apiKeyToAPI(key))
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"keys": out})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	keyID := chi.URLParam(r, "keyID")
	if keyID == principal.APIKeyID {
		s.writeError(w, r, apierrors.New(apierrors.CodeConflict,
			"a key cannot revoke itself"))
		return
	}
	if err := s.apikeys.Revoke(r.Context(), principal.TenantID, keyID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.auditor.Emit(r.Context(), audit.Event{
		TenantID:   principal.TenantID,
		ActorType:  "api_key",
		ActorID:    principal.ActorID(),
		ActorRole:  string(principal.Role),
		EventType:  audit.EventAuthKeyRevoked,
		Outcome:    audit.OutcomeSuccess,
		ResourceID: keyID,
		RequestID:  requestIDFrom(r.Context()),
	})
	w.Header().Set("X-Request-Id", requestIDFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// handleRotateKey revokes the old key and mints a replacement with the same
// role in one response, so automation never holds zero valid keys.
func (s *Server) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	keyID := chi.URLParam(r, "keyID")
	existing, err := s.apikeys.Get(r.Context(), keyID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if existing.TenantID != principal.TenantID {
		s.writeError(w, r, apierrors.New(apierrors.CodeNotFound, "api key not found"))
		return
	}
	if existing.Revoked() {
		s.writeError(w, r, apierrors.New(apierrors.CodeConflict, "api key already revoked"))
		return
	}
	created, err := s.mintKey(r, principal.TenantID, existing.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.apikeys.Revoke(r.Context(), principal.TenantID, keyID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, created)
}

func windowToAPI(window quota.Window) v1.QuotaWindow {
	return v1.QuotaWindow{
		BucketStart: window.BucketStart.UTC().Format(time.RFC3339),
		Limit:       window.Limit,
		Used:        window.Used,
		Remaining:   window.Remaining(),
	}
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	summary, err := s.quotas.Summary(r.Context(), principal.TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, v1.UsageSummary{
		Day:   windowToAPI(summary.Day),
		Month: windowToAPI(summary.Month),
	})
}

func (s *Server) handlePlan(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	tenant, err := s.tenants.Get(r.Context(), principal.TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	features, err := s.entitlements.Resolve(r.Context(), principal.TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{
		"plan_id":  tenant.PlanID,
		"features": features.Features,
	})
}

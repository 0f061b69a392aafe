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

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	v1 "github.com/nexusrag/nexusrag/pkg/apis/v1"
	"github.com/nexusrag/nexusrag/pkg/auth"
	"github.com/nexusrag/nexusrag/pkg/authz"
)

func policyToAPI(policy authz.Policy) v1.Policy {
	return v1.Policy{
		ID:             policy.ID,
		Name:           policy.Name,
		Effect:         policy.Effect,
		ResourceType:   policy.ResourceType,
		Action:         policy.Action,
		Priority:       policy.Priority,
		Condition:      policy.Condition,
		Enabled:        policy.Enabled,
		AllowWildcards: policy.AllowWildcards,
		CreatedAt:      policy.CreatedAt,
		UpdatedAt:      policy.UpdatedAt,
	}
}

func (s *Server) handleListPolicies(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	policies, err := s.policies.List(r.Context(), principal.TenantID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]v1.Policy, 0, len(policies))
	for _, policy := range policies {
		out = append(out, policyToAPI(policy))
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"policies": out})
}

func (s *Server) handleCreatePolicy(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	var request v1.PolicyCreateRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	enabled := true
	if request.Enabled != nil {
		enabled = *request.Enabled
	}
	policy := authz.Policy{
		ID:             uuid.NewString(),
		TenantID:       principal.TenantID,
		Name:           request.Name,
		Effect:         request.Effect,
		ResourceType:   request.ResourceType,
		Action:         request.Action,
		Priority:       request.Priority,
		Condition:      request.Condition,
		Enabled:        enabled,
		AllowWildcards: request.AllowWildcards,
	}
	if err := s.authz.ValidatePolicyInput(policy); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.policies.Create(r.Context(), policy); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.policies.Get(r.Context(), principal.TenantID, policy.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, policyToAPI(*created))
}

func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	policy, err := s.policies.Get(r.Context(), principal.TenantID, chi.URLParam(r, "policyID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, policyToAPI(*policy))
}

func (s *Server) handleSetPolicyEnabled(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	var request v1.PolicyEnabledRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	policyID := chi.URLParam(r, "policyID")
	if err := s.policies.SetEnabled(r.Context(), principal.TenantID, policyID, request.Enabled); err != nil {
		s.writeError(w, r, err)
		return
	}
	policy, err := s.policies.Get(r.Context(), principal.TenantID, policyID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, policyToAPI(*policy))
}

func (s *Server) handleDeletePolicy(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	if err := s.policies.Delete(r.Context(), principal.TenantID, chi.URLParam(r, "policyID")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("X-Request-Id", requestIDFrom(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}

// handleSimulate evaluates a hypothetical principal against the live policy
// set and returns the full trace. Nothing is mutated and nothing is audited
// as a real decision.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	var request v1.SimulateRequest
	if err := s.decode(r, &request); err != nil {
		s.writeError(w, r, err)
		return
	}
	hypothetical := auth.Principal{
		TenantID:  principal.TenantID,
		Role:      auth.Role(request.PrincipalRole),
		SubjectID: request.SubjectID,
	}
	resource := authz.Resource{
		Type:     request.ResourceType,
		ID:       request.ResourceID,
		TenantID: principal.TenantID,
		Labels:   request.ResourceLabels,
	}
	if request.ResourceType == "document" {
		resource.DocumentID = request.ResourceID
	}
	decision, err := s.authz.Decide(r.Context(), hypothetical, resource, request.Action)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	outcome := "deny"
	if decision.Allowed {
		outcome = "allow"
	}
	s.writeData(w, r, http.StatusOK, v1.SimulateResponse{
		Decision:        outcome,
		MatchedPolicyID: decision.MatchedPolicyID,
		Trace:           decision.Trace,
	})
}

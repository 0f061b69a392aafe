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
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	v1 "github.com/nexusrag/nexusrag/pkg/apis/v1"
	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/auth"
	"github.com/nexusrag/nexusrag/pkg/entitlement"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
)

func auditFilterFromQuery(r *http.Request) (audit.QueryFilter, error) {
	query := r.URL.Query()
	filter := audit.QueryFilter{
		EventTypePrefix: query.Get("event_type"),
		ActorID:         query.Get("actor_id"),
		Outcome:         query.Get("outcome"),
		ResourceID:      query.Get("resource_id"),
		Offset:          queryInt(r, "offset", 0),
		Limit:           queryInt(r, "limit", audit.DefaultQueryLimit),
	}
	for name, dst := range map[string]**time.Time{"since": &filter.Since, "until": &filter.Until} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, apierrors.Newf(apierrors.CodeValidationFailed,
				"%s must be RFC 3339", name)
		}
		*dst = &parsed
	}
	return filter, nil
}

func auditEventToAPI(event audit.StoredEvent) v1.AuditEvent {
	out := v1.AuditEvent{
		ID:         event.ID,
		OccurredAt: event.OccurredAt,
		TenantID:   event.TenantID,
		ActorType:  event.ActorType,
		EventType:  event.EventType,
		Outcome:    event.Outcome,
	}
	deref := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	deref(&out.ActorID, event.ActorID)
	deref(&out.ActorRole, event.ActorRole)
	deref(&out.ResourceType, event.ResourceType)
	deref(&out.ResourceID, event.ResourceID)
	deref(&out.RequestID, event.RequestID)
	deref(&out.IPAddress, event.IPAddress)
	deref(&out.UserAgent, event.UserAgent)
	deref(&out.ErrorCode, event.ErrorCode)
	if len(event.Metadata) > 0 {
		metadata := map[string]any{}
		if err := json.Unmarshal(event.Metadata, &metadata); err == nil && len(metadata) > 0 {
			out.Metadata = metadata
		}
	}
	return out
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	events, total, err := s.auditQuery.Events(r.Context(), principal.TenantID, filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := v1.AuditEventList{
		Events: make([]v1.AuditEvent, 0, len(events)),
		Total:  total,
		Offset: filter.Offset,
		Limit:  filter.Limit,
	}
	for _, event := range events {
		out.Events = append(out.Events, auditEventToAPI(event))
	}
	s.writeData(w, r, http.StatusOK, out)
}

// handleAuditExport streams signed NDJSON. Integrity travels in headers so
// the body stays line-oriented for offline verification.
func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.FromContext(r.Context())
	if err := s.entitlements.Require(r.Context(), principal.TenantID, entitlement.FeatureComplianceExport); err != nil {
		s.writeError(w, r, err)
		return
	}
	filter, err := auditFilterFromQuery(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	export, err := s.auditQuery.BuildExport(r.Context(), principal.TenantID, filter, s.config.AuditExportSecret)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	header := w.Header()
	header.Set("Content-Type", "application/x-ndjson")
	header.Set("X-Request-Id", requestIDFrom(r.Context()))
	header.Set("X-Content-SHA256", export.SHA256)
	header.Set("X-Signature", export.Signature)
	header.Set("X-Event-Count", strconv.Itoa(export.Count))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(export.NDJSON)
}

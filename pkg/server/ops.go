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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nexusrag/nexusrag/pkg/auth"
	"github.com/nexusrag/nexusrag/pkg/ratelimit"
)

// opsRoutes is the operator observability surface. Status endpoints always
// answer 200; trouble is reported in the body as degraded components, so a
// half-broken platform still describes itself.
func (s *Server) opsRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(s.accessLog(ratelimit.ClassOps))
		r.Get("/healthz", s.handleHealthz)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.accessLog(ratelimit.ClassOps), s.authenticate, s.requireRole(auth.RoleAdmin))
		r.Get("/health", s.handleOpsHealth)
		r.Get("/ingestion", s.handleOpsIngestion)
		r.Get("/dr", s.handleOpsDR)
		r.Get("/governance", s.handleOpsGovernance)
		r.Get("/compliance", s.handleOpsCompliance)
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}))
	})
}

// handleHealthz is the unauthenticated liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type componentStatus struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func probe(err error) componentStatus {
	if err != nil {
		return componentStatus{Status: "degraded", Detail: err.Error()}
	}
	return componentStatus{Status: "ok"}
}

func (s *Server) handleOpsHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	components := map[string]componentStatus{
		"database": probe(s.store.Ping(ctx)),
		"redis":    probe(s.coord.Ping(ctx)),
	}
	overall := "ok"
	for _, component := range components {
		if component.Status != "ok" {
			overall = "degraded"
		}
	}
	s.writeData(w, r, http.StatusOK, map[string]any{
		"status":     overall,
		"components": components,
		"checked_at": time.Now().UTC(),
	})
}

func (s *Server) handleOpsIngestion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]any{"status": "ok"}

	depth, err := s.jobs.Depth(ctx)
	if err != nil {
		out["status"] = "degraded"
		out["queue"] = componentStatus{Status: "degraded", Detail: err.Error()}
	} else {
		out["queue_depth"] = depth
	}

	dead, err := s.jobs.DeadJobs(ctx, 20)
	if err == nil {
		out["dead_jobs"] = len(dead)
	}

	beats, err := s.coord.WorkerHeartbeats(ctx)
	if err != nil {
		out["status"] = "degraded"
		out["workers"] = componentStatus{Status: "degraded", Detail: err.Error()}
	} else {
		out["workers"] = beats
		if len(beats) == 0 {
			out["status"] = "degraded"
		}
	}
	s.writeData(w, r, http.StatusOK, out)
}

// handleOpsDR reports disaster-recovery posture: last backup age and the
// current failover state.
func (s *Server) handleOpsDR(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	out := map[string]any{"status": "ok"}

	latest, err := s.backups.Latest(ctx)
	switch {
	case err != nil:
		out["status"] = "degraded"
		out["backup"] = componentStatus{Status: "degraded", Detail: err.Error()}
	case latest == nil:
		out["status"] = "degraded"
		out["backup"] = componentStatus{Status: "degraded", Detail: "no backups recorded"}
	default:
		out["backup"] = map[string]any{
			"id":         latest.ID,
			"created_at": latest.CreatedAt,
			"status":     latest.Status,
			"age_s":      time.Since(latest.CreatedAt).Seconds(),
		}
	}

	state, err := s.failover.State(ctx)
	if err != nil {
		out["status"] = "degraded"
		out["failover"] = componentStatus{Status: "degraded", Detail: err.Error()}
	} else {
		out["failover"] = failoverStateToAPI(*state)
	}

	readiness, err := s.failover.Readiness(ctx)
	if err == nil {
		out["readiness"] = readiness
	}
	s.writeData(w, r, http.StatusOK, out)
}

func (s *Server) handleOpsGovernance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	principal, _ := auth.FromContext(ctx)
	out := map[string]any{"status": "ok"}

	holds, err := s.holds.List(ctx, principal.TenantID, false)
	if err != nil {
		out["status"] = "degraded"
		out["holds"] = componentStatus{Status: "degraded", Detail: err.Error()}
	} else {
		out["active_holds"] = len(holds)
	}

	_, pending, err := s.dsar.List(ctx, principal.TenantID, 0, 1)
	if err != nil {
		out["status"] = "degraded"
		out["dsar"] = componentStatus{Status: "degraded", Detail: err.Error()}
	} else {
		out["dsar_requests"] = pending
	}

	run, err := s.retention.LatestRun(ctx, principal.TenantID)
	if err == nil && run != nil {
		out["last_retention_run"] = map[string]any{
			"id":         run.ID,
			"started_at": run.StartedAt,
			"status":     run.Status,
		}
	}
	s.writeData(w, r, http.StatusOK, out)
}

func (s *Server) handleOpsCompliance(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{"status": "ok"}
	snapshot := s.evaluator.Latest()
	if snapshot == nil {
		out["status"] = "degraded"
		out["snapshot"] = componentStatus{Status: "degraded", Detail: "no snapshot evaluated yet"}
	} else {
		out["snapshot_id"] = snapshot.ID
		out["generated_at"] = snapshot.GeneratedAt
		out["summary"] = snapshot.Summary
	}
	s.writeData(w, r, http.StatusOK, out)
}

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
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/auth"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/logging"
	"github.com/nexusrag/nexusrag/pkg/quota"
	"github.com/nexusrag/nexusrag/pkg/queue"
	"github.com/nexusrag/nexusrag/pkg/ratelimit"
)

// Admission order per route: request id, access log, auth, role gate,
// entitlement, rate limit, quota, idempotency, kill switch, write freeze,
// bulkhead. Handlers run authorization engine checks on concrete resources.

// requestID assigns or propagates X-Request-Id and binds the request logger.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		ctx := withRequestID(r.Context(), id)
		ctx = logging.ToContext(ctx, s.logger.With(zap.String("request_id", id)))
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the status code for access logs and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// accessLog times the request and books HTTP metrics per route class.
func (s *Server) accessLog(class ratelimit.RouteClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(recorder, r)
			elapsed := time.Since(started)
			s.metrics.HTTPRequestsTotal.WithLabelValues(
				string(class), r.Method, strconv.Itoa(recorder.status)).Inc()
			s.metrics.HTTPRequestDuration.WithLabelValues(string(class), r.Method).
				Observe(elapsed.Seconds())
			logging.FromContext(r.Context()).Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", recorder.status),
				zap.Duration("elapsed", elapsed))
		})
	}
}

// authenticate resolves the principal from the bearer token or, when the dev
// flag is set, from the X-Tenant-Id / X-Role headers.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if principal, ok := s.authenticator.DevBypass(r.Header.Get("X-Tenant-Id"), r.Header.Get("X-Role")); ok {
			next.ServeHTTP(w, r.WithContext(auth.ToContext(r.Context(), principal)))
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			s.auditAuthFailure(r, "missing bearer token")
			s.writeError(w, r, apierrors.New(apierrors.CodeUnauthorized, "missing bearer token"))
			return
		}
		principal, err := s.authenticator.Authenticate(r.Context(), token)
		if err != nil {
			s.auditAuthFailure(r, "invalid api key")
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.ToContext(r.Context(), principal)))
	})
}

func (s *Server) auditAuthFailure(r *http.Request, detail string) {
	s.auditor.Emit(r.Context(), audit.Event{
		ActorType: "api_key",
		EventType: audit.EventAuthLoginFailed,
		Outcome:   audit.OutcomeDenied,
		RequestID: requestIDFrom(r.Context()),
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
		ErrorCode: string(apierrors.CodeUnauthorized),
		Metadata:  map[string]any{"detail": detail},
	})
}

// auditRateLimitDegraded records the fail-open event at most once per
// minute; a Redis outage degrades every request and would otherwise flood
// the audit log.
func (s *Server) auditRateLimitDegraded(r *http.Request, class ratelimit.RouteClass, cause error) {
	now := time.Now().Unix()
	last := s.rlDegradedAt.Load()
	if now-last < 60 || !s.rlDegradedAt.CompareAndSwap(last, now) {
		return
	}
	s.auditor.Emit(r.Context(), audit.Event{
		ActorType: "system",
		EventType: audit.EventSystemRateLimitDegraded,
		Outcome:   audit.OutcomeSuccess,
		RequestID: requestIDFrom(r.Context()),
		Metadata:  map[string]any{"route_class": string(class), "error": cause.Error()},
	})
}

// requireRole is the coarse RBAC gate for a whole route group. Fine-grained
// decisions on concrete resources happen in handlers via the authz engine.
func (s *Server) requireRole(required auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.FromContext(r.Context())
			if !ok {
				s.writeError(w, r, apierrors.New(apierrors.CodeUnauthorized, "no principal"))
				return
			}
			if !principal.Role.AtLeast(required) {
				s.writeError(w, r, apierrors.Newf(apierrors.CodeForbidden,
					"role %s required", required))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireFeature gates a route group on a tenant entitlement.
func (s *Server) requireFeature(featureKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.FromContext(r.Context())
			if err := s.entitlements.Require(r.Context(), principal.TenantID, featureKey); err != nil {
				s.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit admits through the key and tenant buckets for the route class.
// A Redis outage applies the configured fail mode: open serves with the
// degraded header, closed rejects 503.
func (s *Server) rateLimit(class ratelimit.RouteClass) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.FromContext(r.Context())
			decision, err := s.limiter.Allow(r.Context(), class, principal.APIKeyID, principal.TenantID)
			if err != nil {
				if s.config.RLFailOpen {
					w.Header().Set("X-RateLimit-Status", "degraded")
					logging.FromContext(r.Context()).Warn("rate limiter unavailable, failing open", zap.Error(err))
					s.auditRateLimitDegraded(r, class, err)
					next.ServeHTTP(w, r)
					return
				}
				s.writeError(w, r, apierrors.Wrap(apierrors.CodeRateLimitUnavailable,
					"rate limiter unavailable", err))
				return
			}
			if !decision.Allowed {
				retryAfter := (decision.RetryAfterMS + 999) / 1000
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
				w.Header().Set("X-RateLimit-Scope", string(decision.Scope))
				w.Header().Set("X-RateLimit-Route-Class", string(class))
				w.Header().Set("X-RateLimit-Retry-After-Ms", strconv.FormatInt(decision.RetryAfterMS, 10))
				s.writeError(w, r, apierrors.Newf(apierrors.CodeRateLimited,
					"%s rate limit exceeded", decision.Scope).
					WithDetails(map[string]any{
						"scope":          string(decision.Scope),
						"route_class":    string(class),
						"retry_after_ms": decision.RetryAfterMS,
					}))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// quotaCharge books request units and stamps the X-Quota-* headers.
func (s *Server) quotaCharge(units int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, _ := auth.FromContext(r.Context())
			charge, err := s.quotas.Admit(r.Context(), principal.TenantID, units, requestIDFrom(r.Context()))
			if charge != nil {
				setQuotaHeaders(w, charge)
			}
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setQuotaHeaders(w http.ResponseWriter, charge *quota.Charge) {
	w.Header().Set("X-Quota-Day-Limit", strconv.FormatInt(charge.Day.Limit, 10))
	w.Header().Set("X-Quota-Day-Used", strconv.FormatInt(charge.Day.Used, 10))
	w.Header().Set("X-Quota-Day-Remaining", strconv.FormatInt(charge.Day.Remaining(), 10))
	w.Header().Set("X-Quota-Month-Limit", strconv.FormatInt(charge.Month.Limit, 10))
	w.Header().Set("X-Quota-Month-Used", strconv.FormatInt(charge.Month.Used, 10))
	w.Header().Set("X-Quota-Month-Remaining", strconv.FormatInt(charge.Month.Remaining(), 10))
	w.Header().Set("X-Quota-HardCap-Mode", string(charge.HardCapMode))
	if charge.SoftCapReached {
		w.Header().Set("X-Quota-SoftCap-Reached", "true")
	}
}

// killSwitch rejects the group while the operator switch is on.
func (s *Server) killSwitch(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := s.rollout.Gate(r.Context(), key); err != nil {
				s.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writable rejects mutations during an operator or failover write freeze.
func (s *Server) writable(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.rollout.RequireWritable(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// guarded caps concurrency for the group, rejecting 503 when saturated.
func (s *Server) guarded(b *queue.Bulkhead) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, err := b.Acquire(r.Context())
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			defer release()
			next.ServeHTTP(w, r)
		})
	}
}

// responseBuffer captures the full response for idempotent replay.
type responseBuffer struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: http.Header{}, status: http.StatusOK}
}

func (b *responseBuffer) Header() http.Header        { return b.header }
func (b *responseBuffer) WriteHeader(status int)     { b.status = status }
func (b *responseBuffer) Write(p []byte) (int, error) { return b.body.Write(p) }

// idempotent deduplicates mutations carrying an Idempotency-Key. The payload
// hash covers the decoded JSON body, so formatting differences still replay.
func (s *Server) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idemKey := r.Header.Get("Idempotency-Key")
		if idemKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		principal, _ := auth.FromContext(r.Context())

		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			s.writeError(w, r, apierrors.Wrap(apierrors.CodeValidationFailed, "reading request body failed", err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		var payload any
		if len(body) > 0 {
			if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
				// Multipart uploads hash raw bytes; boundaries differ per
				// client, so retries must resend the identical body.
				payload = body
			} else if err := json.Unmarshal(body, &payload); err != nil {
				s.writeError(w, r, apierrors.Wrap(apierrors.CodeValidationFailed, "request body is not valid JSON", err))
				return
			}
		}

		outcome, err := s.idemGuard.Begin(r.Context(), principal.TenantID, idemKey, payload)
		if err != nil {
			if apierrors.IsCode(err, apierrors.CodeIdempotencyKeyConflict) {
				s.metrics.IdempotencyHits.WithLabelValues("conflict").Inc()
			}
			s.writeError(w, r, err)
			return
		}
		if outcome != nil {
			s.metrics.IdempotencyHits.WithLabelValues("replay").Inc()
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replay", "true")
			w.WriteHeader(outcome.StatusCode)
			_, _ = w.Write(outcome.Body)
			return
		}
		s.metrics.IdempotencyHits.WithLabelValues("miss").Inc()

		buffer := newResponseBuffer()
		defer func() {
			if p := recover(); p != nil {
				s.idemGuard.Abandon(r.Context(), principal.TenantID, idemKey)
				panic(p)
			}
		}()
		next.ServeHTTP(buffer, r)

		if err := s.idemGuard.Finish(r.Context(), principal.TenantID, idemKey, buffer.status, buffer.body.Bytes()); err != nil {
			logging.FromContext(r.Context()).Warn("storing idempotent response failed", zap.Error(err))
		}
		copyHeader(w.Header(), buffer.header)
		w.WriteHeader(buffer.status)
		_, _ = w.Write(buffer.body.Bytes())
	})
}

func copyHeader(dst, src http.Header) {
	for key, values := range src {
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// deprecated stamps the legacy unversioned mirror headers.
func (s *Server) deprecated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Deprecation", "true")
		w.Header().Set("Sunset", s.config.LegacySunset.UTC().Format(http.TimeFormat))
		w.Header().Set("Link", `</v1/docs>; rel="successor-version"`)
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		return strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
	}
	// RealIP may have already stripped the port from RemoteAddr.
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

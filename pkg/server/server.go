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

// Package server is the HTTP surface: the chi route tree, the admission
// middleware chain, the SSE writer, and the handlers that translate between
// the wire types and the domain services.
package server

import (
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/auth"
	"github.com/nexusrag/nexusrag/pkg/authz"
	"github.com/nexusrag/nexusrag/pkg/backup"
	"github.com/nexusrag/nexusrag/pkg/compliance"
	"github.com/nexusrag/nexusrag/pkg/coordination"
	"github.com/nexusrag/nexusrag/pkg/crypto"
	"github.com/nexusrag/nexusrag/pkg/entitlement"
	"github.com/nexusrag/nexusrag/pkg/failover"
	"github.com/nexusrag/nexusrag/pkg/governance"
	"github.com/nexusrag/nexusrag/pkg/idempotency"
	"github.com/nexusrag/nexusrag/pkg/ingest"
	"github.com/nexusrag/nexusrag/pkg/metrics"
	"github.com/nexusrag/nexusrag/pkg/quota"
	"github.com/nexusrag/nexusrag/pkg/queue"
	"github.com/nexusrag/nexusrag/pkg/ratelimit"
	"github.com/nexusrag/nexusrag/pkg/rollout"
	"github.com/nexusrag/nexusrag/pkg/run"
	"github.com/nexusrag/nexusrag/pkg/sso"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

type Config struct {
	CORSOrigins       []string
	RLFailOpen        bool
	RunConcurrency    int64
	IngestConcurrency int64
	AuditExportSecret string
	SCIMBearerToken   string
	SCIMTenantID      string
	LegacySunset      time.Time
	// SanitizedConfig is the redacted startup configuration included in
	// compliance bundles.
	SanitizedConfig map[string]string
}

// Deps carries every service the HTTP surface fronts. Construction wires
// them once in the operator; handlers never build dependencies.
type Deps struct {
	Store         *storage.Store
	Coord         *coordination.Client
	Authenticator *auth.Authenticator
	Authz         *authz.Engine
	Policies      *authz.PolicyRepository
	ACLs          *authz.ACLRepository
	Entitlements  *entitlement.Resolver
	Limiter       *ratelimit.Limiter
	Quotas        *quota.Engine
	IdemGuard     *idempotency.Guard
	Rollout       *rollout.Controller
	RunEngine     *run.Engine
	Ingest        *ingest.Service
	Documents     *storage.DocumentRepository
	Corpora       *storage.CorpusRepository
	Sessions      *storage.SessionRepository
	Tenants       *storage.TenantRepository
	APIKeys       *storage.APIKeyRepository
	Subjects      *storage.SubjectRepository
	AuditQuery    *audit.Query
	Auditor       audit.Emitter
	Registry      *crypto.Registry
	Retention     *governance.Retention
	Holds         *governance.Holds
	DSAR          *governance.DSAR
	Failover      *failover.Manager
	Evaluator     *compliance.Evaluator
	Bundler       *compliance.Bundler
	Backups       *storage.BackupRepository
	BackupSvc     *backup.Service
	Jobs          *queue.Queue
	OIDC          *sso.OIDC
	SCIM          *sso.SCIM
	Metrics       *metrics.Metrics
	Logger        *zap.Logger
}

type Server struct {
	config Config

	store         *storage.Store
	coord         *coordination.Client
	authenticator *auth.Authenticator
	authz         *authz.Engine
	policies      *authz.PolicyRepository
	acls          *authz.ACLRepository
	entitlements  *entitlement.Resolver
	limiter       *ratelimit.Limiter
	quotas        *quota.Engine
	idemGuard     *idempotency.Guard
	rollout       *rollout.Controller
	runEngine     *run.Engine
	ingest        *ingest.Service
	documents     *storage.DocumentRepository
	corpora       *storage.CorpusRepository
	sessions      *storage.SessionRepository
	tenants       *storage.TenantRepository
	apikeys       *storage.APIKeyRepository
	subjects      *storage.SubjectRepository
	auditQuery    *audit.Query
	auditor       audit.Emitter
	registry      *crypto.Registry
	retention     *governance.Retention
	holds         *governance.Holds
	dsar          *governance.DSAR
	failover      *failover.Manager
	evaluator     *compliance.Evaluator
	bundler       *compliance.Bundler
	backups       *storage.BackupRepository
	backupSvc     *backup.Service
	jobs          *queue.Queue
	oidc          *sso.OIDC
	scim          *sso.SCIM

	runBulkhead    *queue.Bulkhead
	ingestBulkhead *queue.Bulkhead

	// rlDegradedAt throttles the fail-open audit event to once per minute.
	rlDegradedAt atomic.Int64

	validate *validator.Validate
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func New(config Config, deps Deps) *Server {
	return &Server{
		config:         config,
		store:          deps.Store,
		coord:          deps.Coord,
		authenticator:  deps.Authenticator,
		authz:          deps.Authz,
		policies:       deps.Policies,
		acls:           deps.ACLs,
		entitlements:   deps.Entitlements,
		limiter:        deps.Limiter,
		quotas:         deps.Quotas,
		idemGuard:      deps.IdemGuard,
		rollout:        deps.Rollout,
		runEngine:      deps.RunEngine,
		ingest:         deps.Ingest,
		documents:      deps.Documents,
		corpora:        deps.Corpora,
		sessions:       deps.Sessions,
		tenants:        deps.Tenants,
		apikeys:        deps.APIKeys,
		subjects:       deps.Subjects,
		auditQuery:     deps.AuditQuery,
		auditor:        deps.Auditor,
		registry:       deps.Registry,
		retention:      deps.Retention,
		holds:          deps.Holds,
		dsar:           deps.DSAR,
		failover:       deps.Failover,
		evaluator:      deps.Evaluator,
		bundler:        deps.Bundler,
		backups:        deps.Backups,
		backupSvc:      deps.BackupSvc,
		jobs:           deps.Jobs,
		oidc:           deps.OIDC,
		scim:           deps.SCIM,
		runBulkhead:    queue.NewBulkhead("run", config.RunConcurrency, deps.Metrics),
		ingestBulkhead: queue.NewBulkhead("ingest", config.IngestConcurrency, deps.Metrics),
		validate:       validator.New(),
		metrics:        deps.Metrics,
		logger:         deps.Logger,
	}
}

// Router builds the full route tree. Versioned routes live under /v1; the
// unversioned mirrors serve the same handlers with deprecation headers.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.requestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Idempotency-Key", "Last-Event-ID", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id", "X-Idempotency-Replay", "Retry-After"},
		MaxAge:         300,
	}))

	// Identity surfaces sit outside the API-key chain.
	r.Route("/auth/sso/oidc/{providerID}", func(r chi.Router) {
		r.Use(s.accessLog(ratelimit.ClassRead))
		r.Get("/start", s.handleSSOStart)
		r.Get("/callback", s.handleSSOCallback)
	})
	r.Route("/scim/v2", s.scimRoutes)

	r.Route("/ops", s.opsRoutes)
	r.Route("/v1", s.v1Routes)
	r.Route("/admin", s.adminRoutes)
	r.Route("/self-serve", s.selfServeRoutes)

	// Legacy unversioned mirrors of the public data-plane routes.
	r.Group(func(r chi.Router) {
		r.Use(s.deprecated)
		r.Route("/run", func(r chi.Router) { s.runRoutes(r) })
		r.Route("/documents", func(r chi.Router) { s.documentRoutes(r) })
		r.Route("/corpora", func(r chi.Router) { s.corpusRoutes(r) })
		r.Route("/audit", func(r chi.Router) { s.auditRoutes(r) })
	})
	return r
}

func (s *Server) v1Routes(r chi.Router) {
	r.Route("/run", func(r chi.Router) { s.runRoutes(r) })
	r.Route("/documents", func(r chi.Router) { s.documentRoutes(r) })
	r.Route("/corpora", func(r chi.Router) { s.corpusRoutes(r) })
	r.Route("/sessions", func(r chi.Router) {
		r.Use(s.accessLog(ratelimit.ClassRead), s.authenticate,
			s.requireRole(auth.RoleReader), s.rateLimit(ratelimit.ClassRead))
		r.Get("/{sessionID}", s.handleGetSession)
	})
	r.Route("/audit", func(r chi.Router) { s.auditRoutes(r) })
	r.Route("/authz", func(r chi.Router) { s.authzRoutes(r) })
	r.Route("/governance", func(r chi.Router) { s.governanceRoutes(r) })
}

// runRoutes is the full admission chain for streaming runs.
func (s *Server) runRoutes(r chi.Router) {
	r.Use(s.accessLog(ratelimit.ClassRun), s.authenticate,
		s.requireRole(auth.RoleEditor), s.rateLimit(ratelimit.ClassRun),
		s.quotaCharge(quota.CostRun), s.killSwitch(rollout.KillRun),
		s.writable, s.guarded(s.runBulkhead))
	r.Post("/", s.handleRun)
}

func (s *Server) documentRoutes(r chi.Router) {
	// Reads.
	r.Group(func(r chi.Router) {
		r.Use(s.accessLog(ratelimit.ClassRead), s.authenticate,
			s.requireRole(auth.RoleReader), s.rateLimit(ratelimit.ClassRead))
		r.Get("/", s.handleListDocuments)
		r.Get("/{documentID}", s.handleGetDocument)
		r.Get("/{documentID}/acl", s.handleListACL)
	})
	// Mutations.
	r.Group(func(r chi.Router) {
		r.Use(s.accessLog(ratelimit.ClassMutation), s.authenticate,
			s.requireRole(auth.RoleEditor), s.rateLimit(ratelimit.ClassMutation),
			s.quotaCharge(quota.CostMutation), s.idempotent,
			s.killSwitch(rollout.KillIngest), s.writable, s.guarded(s.ingestBulkhead))
		r.Post("/", s.handleUploadDocument)
		r.Post("/text", s.handleIngestText)
		r.Post("/{documentID}/reindex", s.handleReindexDocument)
		r.Delete("/{documentID}", s.handleDeleteDocument)
		r.Post("/{documentID}/acl", s.handleGrantACL)
		r.Delete("/{documentID}/acl", s.handleRevokeACL)
	})
}

func (s *Server) corpusRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(s.accessLog(ratelimit.ClassRead), s.authenticate,
			s.requireRole(auth.RoleReader), s.rateLimit(ratelimit.ClassRead))
		r.Get("/", s.handleListCorpora)
		r.Get("/{corpusID}", s.handleGetCorpus)
	})
	r.Group(func(r chi.Router) {
		r.Use(s.accessLog(ratelimit.ClassMutation), s.authenticate,
			s.requireRole(auth.RoleEditor), s.rateLimit(ratelimit.ClassMutation),
			s.quotaCharge(quota.CostMutation), s.idempotent, s.writable)
		r.Post("/", s.handleCreateCorpus)
		r.Patch("/{corpusID}", s.handlePatchCorpus)
	})
}

func (s *Server) auditRoutes(r chi.Router) {
	r.Use(s.accessLog(ratelimit.ClassRead), s.authenticate,
		s.requireRole(auth.RoleAdmin), s.rateLimit(ratelimit.ClassRead),
		s.requireFeature(entitlement.FeatureAuditQuery))
	r.Get("/events", s.handleAuditEvents)
	r.Get("/export", s.handleAuditExport)
}

func (s *Server) authzRoutes(r chi.Router) {
	r.Use(s.accessLog(ratelimit.ClassOps), s.authenticate,
		s.requireRole(auth.RoleAdmin), s.rateLimit(ratelimit.ClassOps))
	r.Get("/policies", s.handleListPolicies)
	r.Post("/policies", s.handleCreatePolicy)
	r.Get("/policies/{policyID}", s.handleGetPolicy)
	r.Put("/policies/{policyID}/enabled", s.handleSetPolicyEnabled)
	r.Delete("/policies/{policyID}", s.handleDeletePolicy)
	r.Post("/simulate", s.handleSimulate)
}

func (s *Server) governanceRoutes(r chi.Router) {
	r.Use(s.accessLog(ratelimit.ClassOps), s.authenticate,
		s.requireRole(auth.RoleAdmin), s.rateLimit(ratelimit.ClassOps),
		s.requireFeature(entitlement.FeatureGovernanceControl))
	r.Get("/retention", s.handleGetRetentionPolicy)
	r.Put("/retention", s.handleSetRetentionPolicy)
	r.Post("/retention/run", s.handleRunRetention)
	r.Get("/retention/runs/latest", s.handleLatestRetentionRun)
	r.Get("/holds", s.handleListHolds)
	r.Post("/holds", s.handleCreateHold)
	r.Delete("/holds/{holdID}", s.handleReleaseHold)
	r.Get("/dsar", s.handleListDSARs)
	r.Post("/dsar", s.handleCreateDSAR)
	r.Get("/dsar/{dsarID}", s.handleGetDSAR)
	r.Post("/dsar/{dsarID}/approve", s.handleApproveDSAR)
	r.Post("/dsar/{dsarID}/reject", s.handleRejectDSAR)
	r.Post("/dsar/{dsarID}/start", s.handleStartDSAR)
	r.Get("/dsar/{dsarID}/artifact", s.handleDSARArtifact)
}

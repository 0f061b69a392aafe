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

// Package operator wires the process. Construction order matters: storage
// and coordination come up first, then the audit pipeline, then every
// service that emits into it. Handlers never build dependencies.
package operator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"gopkg.in/yaml.v3"

	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/auth"
	"github.com/nexusrag/nexusrag/pkg/authz"
	"github.com/nexusrag/nexusrag/pkg/backup"
	"github.com/nexusrag/nexusrag/pkg/compliance"
	"github.com/nexusrag/nexusrag/pkg/coordination"
	"github.com/nexusrag/nexusrag/pkg/crypto"
	"github.com/nexusrag/nexusrag/pkg/crypto/kms"
	"github.com/nexusrag/nexusrag/pkg/embedding"
	"github.com/nexusrag/nexusrag/pkg/entitlement"
	"github.com/nexusrag/nexusrag/pkg/failover"
	"github.com/nexusrag/nexusrag/pkg/governance"
	"github.com/nexusrag/nexusrag/pkg/idempotency"
	"github.com/nexusrag/nexusrag/pkg/ingest"
	"github.com/nexusrag/nexusrag/pkg/llm"
	"github.com/nexusrag/nexusrag/pkg/logging"
	"github.com/nexusrag/nexusrag/pkg/metrics"
	"github.com/nexusrag/nexusrag/pkg/operator/options"
	"github.com/nexusrag/nexusrag/pkg/quota"
	"github.com/nexusrag/nexusrag/pkg/queue"
	"github.com/nexusrag/nexusrag/pkg/ratelimit"
	"github.com/nexusrag/nexusrag/pkg/retrieval"
	"github.com/nexusrag/nexusrag/pkg/rollout"
	"github.com/nexusrag/nexusrag/pkg/run"
	"github.com/nexusrag/nexusrag/pkg/server"
	"github.com/nexusrag/nexusrag/pkg/sso"
	"github.com/nexusrag/nexusrag/pkg/storage"
	"github.com/nexusrag/nexusrag/pkg/tts"
	"github.com/nexusrag/nexusrag/pkg/utils/extcall"
)

// Operator holds every constructed service. Both binaries build one; the
// server wires it into the HTTP surface, the worker registers job handlers.
type Operator struct {
	Options *options.Options
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	Store *storage.Store
	Coord *coordination.Client

	Tenants   *storage.TenantRepository
	Corpora   *storage.CorpusRepository
	Documents *storage.DocumentRepository
	Chunks    *storage.ChunkRepository
	Sessions  *storage.SessionRepository
	Subjects  *storage.SubjectRepository
	APIKeys   *storage.APIKeyRepository
	Backups   *storage.BackupRepository
	Failovers *storage.FailoverRepository
	Gov       *storage.GovernanceRepository

	AuditWriter *audit.Writer
	AuditQuery  *audit.Query

	Authenticator *auth.Authenticator
	Authz         *authz.Engine
	Policies      *authz.PolicyRepository
	ACLs          *authz.ACLRepository
	Entitlements  *entitlement.Resolver
	Limiter       *ratelimit.Limiter
	Quotas        *quota.Engine
	IdemGuard     *idempotency.Guard
	Rollout       *rollout.Controller
	Failover      *failover.Manager
	Registry      *crypto.Registry
	Jobs          *queue.Queue
	Ingest        *ingest.Service
	RunEngine     *run.Engine
	Holds         *governance.Holds
	Retention     *governance.Retention
	DSAR          *governance.DSAR
	Evaluator     *compliance.Evaluator
	Bundler       *compliance.Bundler
	BackupSvc     *backup.Service
	OIDC          *sso.OIDC
	SCIM          *sso.SCIM
}

// New constructs the full dependency graph from parsed options. The
// database is migrated before anything else touches it.
func New(ctx context.Context, opts *options.Options) (*Operator, error) {
	logger, err := logging.NewLogger(opts.LogLevel, opts.LogFormat)
	if err != nil {
		return nil, err
	}
	extcall.Configure(time.Duration(opts.CBOpenSeconds)*time.Second,
		opts.CBFailureThreshold, opts.ExtRetryMaxAttempts)

	store, err := storage.New(ctx, opts.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	coord, err := coordination.New(ctx, opts.RedisURL, logger)
	if err != nil {
		return nil, err
	}
	m := metrics.NewMetrics()

	o := &Operator{
		Options: opts,
		Logger:  logger,
		Metrics: m,
		Store:   store,
		Coord:   coord,

		Tenants:   storage.NewTenantRepository(store),
		Corpora:   storage.NewCorpusRepository(store),
		Documents: storage.NewDocumentRepository(store),
		Chunks:    storage.NewChunkRepository(store),
		Sessions:  storage.NewSessionRepository(store),
		Subjects:  storage.NewSubjectRepository(store),
		APIKeys:   storage.NewAPIKeyRepository(store),
		Backups:   storage.NewBackupRepository(store),
		Failovers: storage.NewFailoverRepository(store),
		Gov:       storage.NewGovernanceRepository(store),
	}

	o.AuditWriter = audit.NewWriter(store, audit.WriterConfig{
		BufferSize:    opts.AuditBufferSize,
		FlushBatch:    opts.AuditFlushBatch,
		FlushInterval: time.Duration(opts.AuditFlushMS) * time.Millisecond,
	}, m, logger)
	o.AuditQuery = audit.NewQuery(store)

	o.Authenticator, err = auth.NewAuthenticator(o.APIKeys, opts.AuthDevBypass)
	if err != nil {
		return nil, err
	}
	o.Policies = authz.NewPolicyRepository(store)
	o.ACLs = authz.NewACLRepository(store)
	o.Authz = authz.NewEngine(o.Policies, o.ACLs, authz.Config{
		ABACEnabled:    opts.AuthzABACEnabled,
		DefaultDeny:    opts.AuthzDefaultDeny,
		AllowWildcards: opts.AuthzAllowWildcards,
		AdminBypassACL: opts.AdminBypassACL,
	}, logger)
	o.Entitlements = entitlement.NewResolver(store, o.Tenants,
		time.Duration(opts.EntitlementCacheTTL)*time.Second)
	o.Limiter = ratelimit.NewLimiter(coord, map[ratelimit.RouteClass]ratelimit.Limit{
		ratelimit.ClassRun:      {RPS: opts.RLRunRPS, Burst: opts.RLRunBurst},
		ratelimit.ClassMutation: {RPS: opts.RLMutationRPS, Burst: opts.RLMutationBurst},
		ratelimit.ClassRead:     {RPS: opts.RLReadRPS, Burst: opts.RLReadBurst},
		ratelimit.ClassOps:      {RPS: opts.RLOpsRPS, Burst: opts.RLOpsBurst},
	}, m, logger)
	o.Quotas = quota.NewEngine(storage.NewQuotaRepository(store), o.Tenants, quota.Config{
		DefaultDayLimit:   opts.QuotaDayLimit,
		DefaultMonthLimit: opts.QuotaMonthLimit,
		SoftCapRatio:      opts.QuotaSoftCapRatio,
		HardCapMode:       quota.HardCapMode(opts.QuotaHardCapMode),
	}, o.AuditWriter, m, logger)
	o.IdemGuard = idempotency.NewGuard(storage.NewIdempotencyRepository(store), coord)

	if err := o.Failovers.EnsureState(ctx, opts.FailoverRegionID, opts.FailoverRole); err != nil {
		return nil, err
	}
	o.Failover = failover.NewManager(store, o.Failovers, coord, failover.StaticProbe{}, failover.Config{
		RegionID:          opts.FailoverRegionID,
		Cooldown:          time.Duration(opts.FailoverCooldownSeconds) * time.Second,
		TokenTTL:          time.Duration(opts.FailoverTokenTTLSeconds) * time.Second,
		MaxReplicationLag: time.Duration(opts.FailoverMaxReplicationLag) * time.Second,
	}, o.AuditWriter, logger)
	o.Rollout = rollout.NewController(store, o.Failover, logger)

	provider, err := buildKMS(ctx, opts, logger)
	if err != nil {
		return nil, err
	}
	o.Registry = crypto.NewRegistry(store, provider, logger)

	o.Jobs = queue.NewQueue(store)
	embedder := embedding.NewDeterministic()
	o.Ingest = ingest.NewService(store, o.Documents, o.Corpora, o.Chunks, o.Jobs,
		embedder, o.AuditWriter, ingest.Config{
			ChunkSize:    opts.IngestChunkSize,
			ChunkOverlap: opts.IngestChunkOverlap,
		}, m, logger)

	router := retrieval.NewRouter(o.Entitlements, o.Rollout, opts.ExtCallTimeout(), m, logger,
		retrieval.NewLocalVec(o.Chunks, embedder),
		retrieval.NewBedrockKB(bedrockKBClient(ctx, logger)),
		retrieval.NewVertexRAG(nil, vertexTokenSource(ctx, logger)))

	adapter, err := buildLLM(ctx, opts)
	if err != nil {
		return nil, err
	}
	o.RunEngine = run.NewEngine(store, o.Sessions, o.Corpora, o.Tenants, o.Registry, router,
		adapter, tts.NewLocal(), o.Entitlements, o.Rollout, o.Quotas, o.AuditWriter, run.Config{
			HeartbeatInterval: time.Duration(opts.SSEHeartbeatMS) * time.Millisecond,
		}, m, logger)

	o.Holds = governance.NewHolds(o.Gov, o.AuditWriter, logger)
	o.Retention = governance.NewRetention(o.Gov, o.Documents, o.Sessions, o.AuditQuery,
		o.Holds, o.AuditWriter, logger)
	o.DSAR = governance.NewDSAR(o.Gov, o.Subjects, o.Sessions, o.Registry, o.AuditQuery,
		o.Holds, o.Jobs, o.AuditWriter, logger)

	o.Evaluator = compliance.NewEvaluator(store, coord, o.Jobs, o.Backups, o.Failovers,
		o.Gov, o.Tenants, o.Rollout, o.AuditQuery, o.AuditWriter, compliance.EvaluatorConfig{
			RegionID:  opts.FailoverRegionID,
			DevBypass: opts.AuthDevBypass,
		}, logger)
	o.Bundler = compliance.NewBundler([]byte(opts.ComplianceHMACSecret), m.Registry, o.AuditWriter)

	s3Client, err := backupS3Client(ctx, opts)
	if err != nil {
		return nil, err
	}
	o.BackupSvc = backup.NewService(store, o.Backups, o.Gov, s3Client, o.AuditWriter, backup.Config{
		Dir:           opts.BackupDir,
		S3Bucket:      opts.BackupS3Bucket,
		HMACSecret:    []byte(opts.BackupHMACSecret),
		RetentionDays: opts.BackupRetentionDays,
	}, logger)

	providers, err := loadSSOProviders(opts)
	if err != nil {
		return nil, err
	}
	o.OIDC = sso.NewOIDC(providers, coord, o.Subjects, o.AuditWriter,
		time.Duration(opts.SSOStateTTLSeconds)*time.Second, logger)
	o.SCIM = sso.NewSCIM(o.Subjects, o.AuditWriter, logger)

	return o, nil
}

// NewServer assembles the HTTP surface from the constructed graph.
func (o *Operator) NewServer() *server.Server {
	opts := o.Options
	scimToken := ""
	if opts.SCIMEnabled {
		scimToken = opts.SCIMBearerToken
	}
	return server.New(server.Config{
		CORSOrigins:       opts.CORSOriginList(),
		RLFailOpen:        opts.GetRLFailMode() == options.FailOpen,
		RunConcurrency:    opts.RunMaxConcurrency,
		IngestConcurrency: opts.IngestMaxConcurrency,
		AuditExportSecret: opts.ComplianceHMACSecret,
		SCIMBearerToken:   scimToken,
		SCIMTenantID:      opts.SCIMTenantID,
		LegacySunset:      opts.LegacySunsetTime(),
		SanitizedConfig:   sanitizedConfig(opts),
	}, server.Deps{
		Store:         o.Store,
		Coord:         o.Coord,
		Authenticator: o.Authenticator,
		Authz:         o.Authz,
		Policies:      o.Policies,
		ACLs:          o.ACLs,
		Entitlements:  o.Entitlements,
		Limiter:       o.Limiter,
		Quotas:        o.Quotas,
		IdemGuard:     o.IdemGuard,
		Rollout:       o.Rollout,
		RunEngine:     o.RunEngine,
		Ingest:        o.Ingest,
		Documents:     o.Documents,
		Corpora:       o.Corpora,
		Sessions:      o.Sessions,
		Tenants:       o.Tenants,
		APIKeys:       o.APIKeys,
		Subjects:      o.Subjects,
		AuditQuery:    o.AuditQuery,
		Auditor:       o.AuditWriter,
		Registry:      o.Registry,
		Retention:     o.Retention,
		Holds:         o.Holds,
		DSAR:          o.DSAR,
		Failover:      o.Failover,
		Evaluator:     o.Evaluator,
		Bundler:       o.Bundler,
		Backups:       o.Backups,
		BackupSvc:     o.BackupSvc,
		Jobs:          o.Jobs,
		OIDC:          o.OIDC,
		SCIM:          o.SCIM,
		Metrics:       o.Metrics,
		Logger:        o.Logger,
	})
}

// NewWorker builds the queue worker with every job kind registered.
func (o *Operator) NewWorker() *queue.Worker {
	opts := o.Options
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	w := queue.NewWorker(o.Jobs, o.Coord, queue.WorkerConfig{
		WorkerID:          fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		PollInterval:      time.Duration(opts.WorkerPollMS) * time.Millisecond,
		HeartbeatInterval: time.Duration(opts.WorkerHeartbeatSec) * time.Second,
		Concurrency:       int(opts.IngestMaxConcurrency),
	}, o.Metrics, o.Logger)
	w.Handle(queue.KindIngestDocument, o.Ingest.Process)
	w.Handle(queue.KindReindexDocument, o.Ingest.Process)
	w.Handle(queue.KindKeyRotation, o.handleKeyRotation)
	w.Handle(queue.KindRetentionRun, o.Retention.HandleJob)
	w.Handle(queue.KindDSARRun, o.DSAR.HandleJob)
	w.Handle(queue.KindBackupRun, o.BackupSvc.HandleJob)
	return w
}

func (o *Operator) handleKeyRotation(ctx context.Context, job *queue.Job) error {
	if job.TenantID == nil {
		return fmt.Errorf("key rotation job %s has no tenant", job.ID)
	}
	var payload struct {
		RotationJobID string `json:"rotation_job_id"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding key rotation payload, %w", err)
	}
	return o.Registry.RunRotation(ctx, *job.TenantID, payload.RotationJobID)
}

// Close flushes the audit pipeline and releases connections.
func (o *Operator) Close(ctx context.Context) error {
	err := o.AuditWriter.Close(ctx)
	err = multierr.Append(err, o.Coord.Close())
	return multierr.Append(err, o.Store.Close())
}

func buildKMS(ctx context.Context, opts *options.Options, logger *zap.Logger) (kms.Provider, error) {
	switch opts.CryptoKMSProvider {
	case kms.ProviderAWS:
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS configuration for KMS, %w", err)
		}
		return kms.NewAWS(awskms.NewFromConfig(cfg), opts.CryptoAWSKMSKeyID), nil
	default:
		key := opts.CryptoLocalMasterKey
		if key == "" {
			// Without a configured master key we generate one per process;
			// encrypted data will not survive a restart.
			raw := make([]byte, 32)
			if _, err := rand.Read(raw); err != nil {
				return nil, fmt.Errorf("generating ephemeral master key, %w", err)
			}
			key = hex.EncodeToString(raw)
			logger.Warn("no local master key configured, using an ephemeral key; encrypted data will not survive restarts")
		}
		return kms.NewLocal(key)
	}
}

func buildLLM(ctx context.Context, opts *options.Options) (llm.Adapter, error) {
	switch opts.LLMProvider {
	case llm.AdapterAnthropic:
		return llm.NewAnthropic(anthropic.NewClient(), opts.LLMModel, opts.LLMMaxTokens), nil
	case llm.AdapterBedrock:
		cfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading AWS configuration for Bedrock, %w", err)
		}
		return llm.NewBedrock(bedrockruntime.NewFromConfig(cfg), opts.LLMModel, int(opts.LLMMaxTokens)), nil
	default:
		return llm.NewLocal(), nil
	}
}

// bedrockKBClient returns a nil interface when AWS credentials cannot be
// resolved; the provider then fails fast with AWS_CONFIG_MISSING instead of
// at call time. The concrete *Client must not escape here when nil, or the
// provider's nil check would see a non-nil interface.
func bedrockKBClient(ctx context.Context, logger *zap.Logger) retrieval.BedrockAgentAPI {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Debug("AWS configuration unavailable, bedrock knowledge base retrieval disabled", zap.Error(err))
		return nil
	}
	if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
		logger.Debug("AWS credentials unavailable, bedrock knowledge base retrieval disabled", zap.Error(err))
		return nil
	}
	return bedrockagentruntime.NewFromConfig(cfg)
}

// vertexTokenSource returns nil when application default credentials are
// absent; vertex retrieval then reports GCP as unconfigured.
func vertexTokenSource(ctx context.Context, logger *zap.Logger) oauth2.TokenSource {
	ts, err := google.DefaultTokenSource(ctx, "https://www.googleapis.com/auth/cloud-platform")
	if err != nil {
		logger.Debug("GCP credentials unavailable, vertex retrieval disabled", zap.Error(err))
		return nil
	}
	return ts
}

func backupS3Client(ctx context.Context, opts *options.Options) (*s3.Client, error) {
	if opts.BackupS3Bucket == "" {
		return nil, nil
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS configuration for backup mirroring, %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// ssoProvidersFile is the on-disk shape of --sso-providers-file.
type ssoProvidersFile struct {
	Providers []sso.Provider `yaml:"providers"`
}

func loadSSOProviders(opts *options.Options) ([]sso.Provider, error) {
	if !opts.SSOEnabled || opts.SSOProvidersFile == "" {
		return nil, nil
	}
	content, err := os.ReadFile(opts.SSOProvidersFile)
	if err != nil {
		return nil, fmt.Errorf("reading sso providers file, %w", err)
	}
	var file ssoProvidersFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parsing sso providers file, %w", err)
	}
	for i, p := range file.Providers {
		if p.ID == "" || p.TenantID == "" || p.Issuer == "" {
			return nil, fmt.Errorf("sso provider %d is missing id, tenant, or issuer", i)
		}
	}
	return file.Providers, nil
}

// sanitizedConfig is the redacted startup configuration carried into
// compliance bundles. Secrets and credentialed URLs never appear.
func sanitizedConfig(opts *options.Options) map[string]string {
	redacted := func(set bool) string {
		if set {
			return "[set]"
		}
		return "[unset]"
	}
	return map[string]string{
		"listen_addr":            opts.ListenAddr,
		"log_level":              opts.LogLevel,
		"log_format":             opts.LogFormat,
		"database_url":           redacted(opts.DatabaseURL != ""),
		"redis_url":              redacted(opts.RedisURL != ""),
		"auth_dev_bypass":        fmt.Sprintf("%t", opts.AuthDevBypass),
		"authz_default_deny":     fmt.Sprintf("%t", opts.AuthzDefaultDeny),
		"authz_abac_enabled":     fmt.Sprintf("%t", opts.AuthzABACEnabled),
		"rate_limit_fail_mode":   opts.RLFailMode,
		"quota_hard_cap_mode":    opts.QuotaHardCapMode,
		"llm_provider":           opts.LLMProvider,
		"llm_model":              opts.LLMModel,
		"crypto_kms_provider":    opts.CryptoKMSProvider,
		"crypto_master_key":      redacted(opts.CryptoLocalMasterKey != ""),
		"failover_region_id":     opts.FailoverRegionID,
		"failover_role":          opts.FailoverRole,
		"backup_s3_bucket":       opts.BackupS3Bucket,
		"backup_retention_days":  fmt.Sprintf("%d", opts.BackupRetentionDays),
		"compliance_hmac_secret": redacted(opts.ComplianceHMACSecret != ""),
		"sso_enabled":            fmt.Sprintf("%t", opts.SSOEnabled),
		"scim_enabled":           fmt.Sprintf("%t", opts.SCIMEnabled),
		"scim_bearer_token":      redacted(opts.SCIMBearerToken != ""),
	}
}

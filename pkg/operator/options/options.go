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

package options

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"

	"github.com/nexusrag/nexusrag/pkg/utils/env"
)

type RateLimitFailMode string

const (
	FailOpen   RateLimitFailMode = "open"
	FailClosed RateLimitFailMode = "closed"
)

type QuotaHardCapMode string

const (
	QuotaEnforce QuotaHardCapMode = "enforce"
	QuotaObserve QuotaHardCapMode = "observe"
)

type optionsKey struct{}

// Options for running this binary
type Options struct {
	*flag.FlagSet
	// Service
	ListenAddr       string
	WorkerListenAddr string
	DatabaseURL      string
	RedisURL         string
	LogLevel         string
	LogFormat        string
	LegacySunset     string
	CORSOrigins      string
	// Authn / authz
	AuthDevBypass       bool
	AuthzDefaultDeny    bool
	AuthzABACEnabled    bool
	AuthzAllowWildcards bool
	AdminBypassACL      bool
	// Rate limiting
	RLFailMode      string
	RLRunRPS        float64
	RLRunBurst      int
	RLMutationRPS   float64
	RLMutationBurst int
	RLReadRPS       float64
	RLReadBurst     int
	RLOpsRPS        float64
	RLOpsBurst      int
	// Quotas
	QuotaDayLimit     int64
	QuotaMonthLimit   int64
	QuotaSoftCapRatio float64
	QuotaHardCapMode  string
	// Concurrency & timeouts
	RunMaxConcurrency    int64
	IngestMaxConcurrency int64
	ExtCallTimeoutMS     int
	ExtRetryMaxAttempts  int
	CBOpenSeconds        int
	CBFailureThreshold   int
	// Streaming
	SSEHeartbeatMS int
	// Ingestion
	IngestChunkSize    int
	IngestChunkOverlap int
	WorkerPollMS       int
	WorkerHeartbeatSec int
	// Adapters
	LLMProvider  string
	LLMModel     string
	LLMMaxTokens int64
	// Crypto
	CryptoKMSProvider       string
	CryptoLocalMasterKey    string
	CryptoAWSKMSKeyID       string
	// Failover
	FailoverRegionID          string
	FailoverRole              string
	FailoverCooldownSeconds   int
	FailoverTokenTTLSeconds   int
	FailoverMaxReplicationLag int
	// Governance / compliance / backup
	ComplianceHMACSecret string
	BackupDir            string
	BackupS3Bucket       string
	BackupHMACSecret     string
	BackupRetentionDays  int
	// Identity
	SSOEnabled          bool
	SSOStateTTLSeconds  int
	SSOProvidersFile    string
	SCIMEnabled         bool
	SCIMBearerToken     string
	SCIMTenantID        string
	AuditBufferSize     int
	AuditFlushBatch     int
	AuditFlushMS        int
	EntitlementCacheTTL int
}

// New creates an Options struct and registers CLI flags and environment variables to fill-in the Options struct fields
func New() *Options {
	opts := &Options{}
	f := flag.NewFlagSet("nexusrag", flag.ContinueOnError)
	opts.FlagSet = f

	// Service
	f.StringVar(&opts.ListenAddr, "listen-addr", env.WithDefaultString("LISTEN_ADDR", ":8080"), "The address the API server binds to")
	f.StringVar(&opts.WorkerListenAddr, "worker-listen-addr", env.WithDefaultString("WORKER_LISTEN_ADDR", ":8081"), "The address the worker health/metrics endpoint binds to")
	f.StringVar(&opts.DatabaseURL, "database-url", env.WithDefaultString("DATABASE_URL", ""), "Postgres connection string; the pgvector extension must be available")
	f.StringVar(&opts.RedisURL, "redis-url", env.WithDefaultString("REDIS_URL", "redis://localhost:6379/0"), "Redis connection URL for rate limits, locks, and heartbeats")
	f.StringVar(&opts.LogLevel, "log-level", env.WithDefaultString("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	f.StringVar(&opts.LogFormat, "log-format", env.WithDefaultString("LOG_FORMAT", "json"), "Log encoding (json or console)")
	f.StringVar(&opts.LegacySunset, "legacy-sunset", env.WithDefaultString("LEGACY_SUNSET", "Thu, 31 Dec 2026 23:59:59 GMT"), "RFC1123 Sunset header value for legacy unversioned routes")
	f.StringVar(&opts.CORSOrigins, "cors-origins", env.WithDefaultString("CORS_ORIGINS", ""), "Comma-separated browser origins allowed by CORS")

	// Authn / authz
	f.BoolVar(&opts.AuthDevBypass, "auth-dev-bypass", env.WithDefaultBool("AUTH_DEV_BYPASS", false), "Accept X-Tenant-Id/X-Role headers in place of API keys. Never enable outside development")
	f.BoolVar(&opts.AuthzDefaultDeny, "authz-default-deny", env.WithDefaultBool("AUTHZ_DEFAULT_DENY", false), "Require a matching allow policy when ABAC is enabled and no policy matched")
	f.BoolVar(&opts.AuthzABACEnabled, "authz-abac-enabled", env.WithDefaultBool("AUTHZ_ABAC_ENABLED", true), "Evaluate ABAC policies after the RBAC and ACL gates")
	f.BoolVar(&opts.AuthzAllowWildcards, "authz-allow-wildcards", env.WithDefaultBool("AUTHZ_ALLOW_WILDCARDS", false), "Permit policies that wildcard both resource_type and action")
	f.BoolVar(&opts.AdminBypassACL, "admin-bypass-acl", env.WithDefaultBool("ADMIN_BYPASS_ACL", false), "Let tenant admins bypass document ACLs")

	// Rate limiting
	f.StringVar(&opts.RLFailMode, "rl-fail-mode", env.WithDefaultString("RL_FAIL_MODE", "open"), "Behavior when Redis is unreachable: open (allow, degraded) or closed (503)")
	f.Float64Var(&opts.RLRunRPS, "rl-run-rps", env.WithDefaultFloat64("RL_RUN_RPS", 1), "Sustained requests per second for the run route class")
	f.IntVar(&opts.RLRunBurst, "rl-run-burst", env.WithDefaultInt("RL_RUN_BURST", 5), "Burst capacity for the run route class")
	f.Float64Var(&opts.RLMutationRPS, "rl-mutation-rps", env.WithDefaultFloat64("RL_MUTATION_RPS", 5), "Sustained requests per second for the mutation route class")
	f.IntVar(&opts.RLMutationBurst, "rl-mutation-burst", env.WithDefaultInt("RL_MUTATION_BURST", 20), "Burst capacity for the mutation route class")
	f.Float64Var(&opts.RLReadRPS, "rl-read-rps", env.WithDefaultFloat64("RL_READ_RPS", 20), "Sustained requests per second for the read route class")
	f.IntVar(&opts.RLReadBurst, "rl-read-burst", env.WithDefaultInt("RL_READ_BURST", 50), "Burst capacity for the read route class")
	f.Float64Var(&opts.RLOpsRPS, "rl-ops-rps", env.WithDefaultFloat64("RL_OPS_RPS", 5), "Sustained requests per second for the ops route class")
	f.IntVar(&opts.RLOpsBurst, "rl-ops-burst", env.WithDefaultInt("RL_OPS_BURST", 10), "Burst capacity for the ops route class")

	// Quotas
	f.Int64Var(&opts.QuotaDayLimit, "quota-day-limit", env.WithDefaultInt64("QUOTA_DAY_LIMIT", 1000), "Default per-tenant daily request-unit limit")
	f.Int64Var(&opts.QuotaMonthLimit, "quota-month-limit", env.WithDefaultInt64("QUOTA_MONTH_LIMIT", 10000), "Default per-tenant monthly request-unit limit")
	f.Float64Var(&opts.QuotaSoftCapRatio, "quota-soft-cap-ratio", env.WithDefaultFloat64("QUOTA_SOFT_CAP_RATIO", 0.8), "Fraction of the hard cap that triggers the soft-cap warning")
	f.StringVar(&opts.QuotaHardCapMode, "quota-hard-cap-mode", env.WithDefaultString("QUOTA_HARD_CAP_MODE", "enforce"), "Hard cap behavior: enforce (402) or observe (allow and audit)")

	// Concurrency & timeouts
	f.Int64Var(&opts.RunMaxConcurrency, "run-max-concurrency", env.WithDefaultInt64("RUN_MAX_CONCURRENCY", 16), "Bulkhead size for concurrent /run streams")
	f.Int64Var(&opts.IngestMaxConcurrency, "ingest-max-concurrency", env.WithDefaultInt64("INGEST_MAX_CONCURRENCY", 8), "Bulkhead size for concurrent ingestion jobs per worker")
	f.IntVar(&opts.ExtCallTimeoutMS, "ext-call-timeout-ms", env.WithDefaultInt("EXT_CALL_TIMEOUT_MS", 10000), "Timeout applied to every external provider call")
	f.IntVar(&opts.ExtRetryMaxAttempts, "ext-retry-max-attempts", env.WithDefaultInt("EXT_RETRY_MAX_ATTEMPTS", 3), "Bounded retry attempts for transient integration errors")
	f.IntVar(&opts.CBOpenSeconds, "cb-open-seconds", env.WithDefaultInt("CB_OPEN_SECONDS", 30), "Circuit breaker open-state cooldown before trial calls")
	f.IntVar(&opts.CBFailureThreshold, "cb-failure-threshold", env.WithDefaultInt("CB_FAILURE_THRESHOLD", 5), "Consecutive failures that trip an integration circuit breaker")

	// Streaming
	f.IntVar(&opts.SSEHeartbeatMS, "sse-heartbeat-ms", env.WithDefaultInt("SSE_HEARTBEAT_MS", 15000), "Interval between SSE heartbeat events during stream gaps")

	// Ingestion
	f.IntVar(&opts.IngestChunkSize, "ingest-chunk-size", env.WithDefaultInt("INGEST_CHUNK_SIZE", 800), "Chunk size in runes")
	f.IntVar(&opts.IngestChunkOverlap, "ingest-chunk-overlap", env.WithDefaultInt("INGEST_CHUNK_OVERLAP", 160), "Chunk overlap in runes")
	f.IntVar(&opts.WorkerPollMS, "worker-poll-ms", env.WithDefaultInt("WORKER_POLL_MS", 500), "Queue poll interval for idle workers")
	f.IntVar(&opts.WorkerHeartbeatSec, "worker-heartbeat-seconds", env.WithDefaultInt("WORKER_HEARTBEAT_SECONDS", 10), "Worker heartbeat publish interval")

	// Adapters
	f.StringVar(&opts.LLMProvider, "llm-provider", env.WithDefaultString("LLM_PROVIDER", "local"), "LLM adapter: local, anthropic, or bedrock")
	f.StringVar(&opts.LLMModel, "llm-model", env.WithDefaultString("LLM_MODEL", "claude-sonnet-4-5"), "Model identifier passed to the LLM adapter")
	f.Int64Var(&opts.LLMMaxTokens, "llm-max-tokens", env.WithDefaultInt64("LLM_MAX_TOKENS", 1024), "Maximum completion tokens per run")

	// Crypto
	f.StringVar(&opts.CryptoKMSProvider, "crypto-kms-provider", env.WithDefaultString("CRYPTO_KMS_PROVIDER", "local"), "KMS provider wrapping tenant KEKs: local or aws")
	f.StringVar(&opts.CryptoLocalMasterKey, "crypto-local-master-key", env.WithDefaultString("CRYPTO_LOCAL_MASTER_KEY", ""), "Hex-encoded 32-byte master key for the local KMS provider")
	f.StringVar(&opts.CryptoAWSKMSKeyID, "crypto-aws-kms-key-id", env.WithDefaultString("CRYPTO_AWS_KMS_KEY_ID", ""), "KMS key id or ARN for the aws KMS provider")

	// Failover
	f.StringVar(&opts.FailoverRegionID, "failover-region-id", env.WithDefaultString("FAILOVER_REGION_ID", "local-1"), "Identifier of the region this process serves")
	f.StringVar(&opts.FailoverRole, "failover-role", env.WithDefaultString("FAILOVER_ROLE", "primary"), "Bootstrap role when no failover state exists: primary or replica")
	f.IntVar(&opts.FailoverCooldownSeconds, "failover-cooldown-seconds", env.WithDefaultInt("FAILOVER_COOLDOWN_SECONDS", 300), "Enforced cooldown between failover operations")
	f.IntVar(&opts.FailoverTokenTTLSeconds, "failover-token-ttl-seconds", env.WithDefaultInt("FAILOVER_TOKEN_TTL_SECONDS", 300), "Lifetime of promote/rollback tokens")
	f.IntVar(&opts.FailoverMaxReplicationLag, "failover-max-replication-lag-seconds", env.WithDefaultInt("FAILOVER_MAX_REPLICATION_LAG_SECONDS", 30), "Replication lag above which readiness reports a blocker")

	// Governance / compliance / backup
	f.StringVar(&opts.ComplianceHMACSecret, "compliance-hmac-secret", env.WithDefaultString("COMPLIANCE_HMAC_SECRET", ""), "Secret signing compliance evidence bundles")
	f.StringVar(&opts.BackupDir, "backup-dir", env.WithDefaultString("BACKUP_DIR", "/var/lib/nexusrag/backups"), "Directory receiving backup artifacts")
	f.StringVar(&opts.BackupS3Bucket, "backup-s3-bucket", env.WithDefaultString("BACKUP_S3_BUCKET", ""), "Optional S3 bucket receiving backup artifacts")
	f.StringVar(&opts.BackupHMACSecret, "backup-hmac-secret", env.WithDefaultString("BACKUP_HMAC_SECRET", ""), "Optional secret signing backup manifests")
	f.IntVar(&opts.BackupRetentionDays, "backup-retention-days", env.WithDefaultInt("BACKUP_RETENTION_DAYS", 30), "Days before completed backup sets become prune candidates")

	// Identity
	f.BoolVar(&opts.SSOEnabled, "sso-enabled", env.WithDefaultBool("SSO_ENABLED", false), "Serve the OIDC start/callback endpoints")
	f.IntVar(&opts.SSOStateTTLSeconds, "sso-state-ttl-seconds", env.WithDefaultInt("SSO_REDIS_STATE_TTL_SECONDS", 600), "Lifetime of SSO state/nonce entries in Redis")
	f.StringVar(&opts.SSOProvidersFile, "sso-providers-file", env.WithDefaultString("SSO_PROVIDERS_FILE", ""), "Path to the YAML OIDC provider registry")
	f.BoolVar(&opts.SCIMEnabled, "scim-enabled", env.WithDefaultBool("SCIM_ENABLED", false), "Serve the SCIM v2 provisioning endpoints")
	f.StringVar(&opts.SCIMBearerToken, "scim-bearer-token", env.WithDefaultString("SCIM_BEARER_TOKEN", ""), "Static bearer token guarding /scim/v2")
	f.StringVar(&opts.SCIMTenantID, "scim-tenant-id", env.WithDefaultString("SCIM_TENANT_ID", ""), "Tenant the SCIM surface provisions users into")

	// Audit & caches
	f.IntVar(&opts.AuditBufferSize, "audit-buffer-size", env.WithDefaultInt("AUDIT_BUFFER_SIZE", 1024), "Capacity of the async audit buffer")
	f.IntVar(&opts.AuditFlushBatch, "audit-flush-batch", env.WithDefaultInt("AUDIT_FLUSH_BATCH", 64), "Audit events per batched insert")
	f.IntVar(&opts.AuditFlushMS, "audit-flush-ms", env.WithDefaultInt("AUDIT_FLUSH_MS", 2000), "Maximum time an audit event waits in the buffer")
	f.IntVar(&opts.EntitlementCacheTTL, "entitlement-cache-ttl-seconds", env.WithDefaultInt("ENTITLEMENT_CACHE_TTL_SECONDS", 30), "TTL for resolved entitlement sets")
	return opts
}

// MustParse reads the user passed flags, environment variables, and default values.
// Options are validated and panics if an error is returned
func (o *Options) MustParse() *Options {
	err := o.Parse(os.Args[1:])

	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		panic(err)
	}
	if err := o.Validate(); err != nil {
		panic(err)
	}
	return o
}

func (o Options) Validate() (err error) {
	if o.DatabaseURL == "" {
		err = multierr.Append(err, fmt.Errorf("DATABASE_URL is required"))
	}
	if o.RedisURL == "" {
		err = multierr.Append(err, fmt.Errorf("REDIS_URL is required"))
	}
	if mode := RateLimitFailMode(o.RLFailMode); mode != FailOpen && mode != FailClosed {
		err = multierr.Append(err, fmt.Errorf("rl-fail-mode may only be either open or closed"))
	}
	if mode := QuotaHardCapMode(o.QuotaHardCapMode); mode != QuotaEnforce && mode != QuotaObserve {
		err = multierr.Append(err, fmt.Errorf("quota-hard-cap-mode may only be either enforce or observe"))
	}
	if o.QuotaSoftCapRatio < 0 || o.QuotaSoftCapRatio > 1 {
		err = multierr.Append(err, fmt.Errorf("quota-soft-cap-ratio must be within [0, 1]"))
	}
	if o.RunMaxConcurrency < 1 {
		err = multierr.Append(err, fmt.Errorf("run-max-concurrency must be positive"))
	}
	if o.IngestMaxConcurrency < 1 {
		err = multierr.Append(err, fmt.Errorf("ingest-max-concurrency must be positive"))
	}
	if o.IngestChunkOverlap >= o.IngestChunkSize {
		err = multierr.Append(err, fmt.Errorf("ingest-chunk-overlap must be smaller than ingest-chunk-size"))
	}
	switch o.LLMProvider {
	case "local", "anthropic", "bedrock":
	default:
		err = multierr.Append(err, fmt.Errorf("llm-provider may only be local, anthropic, or bedrock"))
	}
	switch o.CryptoKMSProvider {
	case "local", "aws":
	default:
		err = multierr.Append(err, fmt.Errorf("crypto-kms-provider may only be local or aws"))
	}
	if o.FailoverRole != "primary" && o.FailoverRole != "replica" {
		err = multierr.Append(err, fmt.Errorf("failover-role may only be primary or replica"))
	}
	if o.SCIMEnabled && o.SCIMBearerToken == "" {
		err = multierr.Append(err, fmt.Errorf("SCIM_BEARER_TOKEN is required when SCIM is enabled"))
	}
	if o.SCIMEnabled && o.SCIMTenantID == "" {
		err = multierr.Append(err, fmt.Errorf("SCIM_TENANT_ID is required when SCIM is enabled"))
	}
	if o.SSOEnabled && o.SSOProvidersFile == "" {
		err = multierr.Append(err, fmt.Errorf("SSO_PROVIDERS_FILE is required when SSO is enabled"))
	}
	if _, parseErr := time.Parse(time.RFC1123, o.LegacySunset); parseErr != nil {
		err = multierr.Append(err, fmt.Errorf("legacy-sunset must be a valid RFC1123 timestamp"))
	}
	return err
}

// CORSOriginList splits the comma-separated origins flag.
func (o Options) CORSOriginList() []string {
	if o.CORSOrigins == "" {
		return nil
	}
	parts := strings.Split(o.CORSOrigins, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// LegacySunsetTime parses the validated sunset flag.
func (o Options) LegacySunsetTime() time.Time {
	t, _ := time.Parse(time.RFC1123, o.LegacySunset)
	return t
}

func (o Options) ExtCallTimeout() time.Duration {
	return time.Duration(o.ExtCallTimeoutMS) * time.Millisecond
}

func (o Options) GetRLFailMode() RateLimitFailMode {
	return RateLimitFailMode(o.RLFailMode)
}

func (o Options) GetQuotaHardCapMode() QuotaHardCapMode {
	return QuotaHardCapMode(o.QuotaHardCapMode)
}

func ToContext(ctx context.Context, opts *Options) context.Context {
	return context.WithValue(ctx, optionsKey{}, opts)
}

func FromContext(ctx context.Context) *Options {
	retval := ctx.Value(optionsKey{})
	if retval == nil {
		return nil
	}
	return retval.(*Options)
}

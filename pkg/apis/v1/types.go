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

package v1

import (
	"encoding/json"
	"time"
)

// RunRequest starts a streaming run against a corpus-scoped session.
type RunRequest struct {
	SessionID string `json:"session_id" validate:"required,max=128"`
	CorpusID  string `json:"corpus_id" validate:"required,max=128"`
	Message   string `json:"message" validate:"required,max=32768"`
	TopK      *int   `json:"top_k,omitempty" validate:"omitempty,min=1,max=50"`
	Audio     bool   `json:"audio,omitempty"`
	Voice     string `json:"voice,omitempty" validate:"omitempty,max=64"`
	Debug     bool   `json:"debug,omitempty"`
}

// IngestTextRequest submits raw text for asynchronous ingestion. Supplying a
// document id makes the call idempotent for terminal documents unless
// overwrite is set.
type IngestTextRequest struct {
	CorpusID    string            `json:"corpus_id" validate:"required,max=128"`
	Text        string            `json:"text" validate:"required"`
	DocumentID  string            `json:"document_id,omitempty" validate:"omitempty,max=128"`
	Filename    string            `json:"filename,omitempty" validate:"omitempty,max=255"`
	ContentType string            `json:"content_type,omitempty" validate:"omitempty,oneof='text/plain' 'text/markdown' 'application/json-text'"`
	Overwrite   bool              `json:"overwrite,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// IngestAccepted is the 202 body for every enqueue-style document operation.
type IngestAccepted struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	JobID      string `json:"job_id"`
	StatusURL  string `json:"status_url"`
}

type Document struct {
	ID                  string            `json:"id"`
	CorpusID            string            `json:"corpus_id"`
	Filename            string            `json:"filename,omitempty"`
	ContentType         string            `json:"content_type"`
	Status              string            `json:"status"`
	FailureReason       string            `json:"failure_reason,omitempty"`
	IngestSource        string            `json:"ingest_source"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	QueuedAt            *time.Time        `json:"queued_at,omitempty"`
	ProcessingStartedAt *time.Time        `json:"processing_started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	LastReindexedAt     *time.Time        `json:"last_reindexed_at,omitempty"`
	LastJobID           string            `json:"last_job_id,omitempty"`
	ChunkCount          int               `json:"chunk_count"`
}

type DocumentList struct {
	Documents []Document `json:"documents"`
	Total     int        `json:"total"`
	Offset    int        `json:"offset"`
	Limit     int        `json:"limit"`
}

type Corpus struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	ProviderConfig json.RawMessage `json:"provider_config"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type CorpusCreateRequest struct {
	Name           string          `json:"name" validate:"required,max=128"`
	ProviderConfig json.RawMessage `json:"provider_config,omitempty"`
}

type CorpusPatchRequest struct {
	Name           *string         `json:"name,omitempty" validate:"omitempty,max=128"`
	ProviderConfig json.RawMessage `json:"provider_config,omitempty"`
}

type Session struct {
	ID           string    `json:"id"`
	CorpusID     string    `json:"corpus_id"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type AuditEvent struct {
	ID           int64          `json:"id"`
	OccurredAt   time.Time      `json:"occurred_at"`
	TenantID     string         `json:"tenant_id"`
	ActorType    string         `json:"actor_type"`
	ActorID      string         `json:"actor_id"`
	ActorRole    string         `json:"actor_role,omitempty"`
	EventType    string         `json:"event_type"`
	Outcome      string         `json:"outcome"`
	ResourceType string         `json:"resource_type,omitempty"`
	ResourceID   string         `json:"resource_id,omitempty"`
	RequestID    string         `json:"request_id,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	ErrorCode    string         `json:"error_code,omitempty"`
}

type AuditEventList struct {
	Events []AuditEvent `json:"events"`
	Total  int          `json:"total"`
	Offset int          `json:"offset"`
	Limit  int          `json:"limit"`
}

// APIKeyCreated is returned exactly once at creation; the plaintext key is
// never retrievable again.
type APIKeyCreated struct {
	KeyID     string    `json:"key_id"`
	Key       string    `json:"key"`
	Prefix    string    `json:"prefix"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type APIKey struct {
	KeyID      string     `json:"key_id"`
	Prefix     string     `json:"prefix"`
	Role       string     `json:"role"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

type APIKeyCreateRequest struct {
	Role string `json:"role" validate:"required,oneof=reader editor admin"`
}

type UsageSummary struct {
	Day   QuotaWindow `json:"day"`
	Month QuotaWindow `json:"month"`
}

type QuotaWindow struct {
	BucketStart string `json:"bucket_start"`
	Limit       int64  `json:"limit"`
	Used        int64  `json:"used"`
	Remaining   int64  `json:"remaining"`
}

type PolicyCreateRequest struct {
	Name           string          `json:"name" validate:"required,max=128"`
	Effect         string          `json:"effect" validate:"required,oneof=allow deny"`
	ResourceType   string          `json:"resource_type" validate:"required,max=64"`
	Action         string          `json:"action" validate:"required,max=64"`
	Priority       int             `json:"priority"`
	Condition      json.RawMessage `json:"condition,omitempty"`
	Enabled        *bool           `json:"enabled,omitempty"`
	AllowWildcards bool            `json:"allow_wildcards,omitempty"`
}

type SimulateRequest struct {
	PrincipalRole  string            `json:"principal_role" validate:"required,oneof=reader editor admin"`
	SubjectID      string            `json:"subject_id,omitempty"`
	ResourceType   string            `json:"resource_type" validate:"required,max=64"`
	ResourceID     string            `json:"resource_id,omitempty"`
	Action         string            `json:"action" validate:"required,max=64"`
	ResourceLabels map[string]string `json:"resource_labels,omitempty"`
}

type SimulateResponse struct {
	Decision        string   `json:"decision"`
	MatchedPolicyID string   `json:"matched_policy_id,omitempty"`
	Trace           []string `json:"trace"`
}

type RetentionPolicyRequest struct {
	DocumentsTTLDays         *int  `json:"documents_ttl_days,omitempty" validate:"omitempty,min=0"`
	SessionsTTLDays          *int  `json:"sessions_ttl_days,omitempty" validate:"omitempty,min=0"`
	AuditTTLDays             *int  `json:"audit_ttl_days,omitempty" validate:"omitempty,min=0"`
	DSARArtifactsTTLDays     *int  `json:"dsar_artifacts_ttl_days,omitempty" validate:"omitempty,min=0"`
	HardDeleteEnabled        *bool `json:"hard_delete_enabled,omitempty"`
	AnonymizeInsteadOfDelete *bool `json:"anonymize_instead_of_delete,omitempty"`
}

type LegalHoldCreateRequest struct {
	ScopeType string     `json:"scope_type" validate:"required,oneof=tenant document session user_key backup_set"`
	ScopeID   string     `json:"scope_id,omitempty" validate:"omitempty,max=128"`
	Reason    string     `json:"reason" validate:"required,max=1024"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type DSARCreateRequest struct {
	Type    string `json:"type" validate:"required,oneof=export delete anonymize"`
	Subject string `json:"subject" validate:"required,max=256"`
}

type FailoverTokenRequest struct {
	Purpose string `json:"purpose" validate:"required,oneof=promote rollback"`
}

type FailoverPromoteRequest struct {
	Token        string `json:"token" validate:"required"`
	TargetRegion string `json:"target_region" validate:"required,max=64"`
	Reason       string `json:"reason,omitempty" validate:"omitempty,max=1024"`
}

type FailoverRollbackRequest struct {
	Token  string `json:"token" validate:"required"`
	Reason string `json:"reason,omitempty" validate:"omitempty,max=1024"`
}

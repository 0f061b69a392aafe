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

// Admin and self-serve request bodies. Everything here rides the same
// validator tags as the public surface.

type QuotaLimitsRequest struct {
	DayLimit   *int64 `json:"day_limit,omitempty" validate:"omitempty,min=0"`
	MonthLimit *int64 `json:"month_limit,omitempty" validate:"omitempty,min=0"`
}

type KillSwitchRequest struct {
	Enabled bool `json:"enabled"`
}

type CanaryRequest struct {
	Pct int `json:"pct" validate:"min=0,max=100"`
}

type PlanFeatureRequest struct {
	Enabled bool            `json:"enabled"`
	Config  json.RawMessage `json:"config,omitempty"`
}

type OverrideRequest struct {
	Enabled bool `json:"enabled"`
}

type ACLGrantRequest struct {
	PrincipalType string `json:"principal_type" validate:"required,oneof=api_key subject role"`
	PrincipalID   string `json:"principal_id" validate:"required,max=128"`
	Permission    string `json:"permission" validate:"required,oneof=read write delete owner"`
}

type PolicyEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

type CryptoEnableRequest struct {
	Alias string `json:"alias,omitempty" validate:"omitempty,max=128"`
}

type FreezeRequest struct {
	Frozen bool `json:"frozen"`
}

type DSARApproveRequest struct {
	Approver string `json:"approver,omitempty" validate:"omitempty,max=128"`
}

type Policy struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Effect         string          `json:"effect"`
	ResourceType   string          `json:"resource_type"`
	Action         string          `json:"action"`
	Priority       int             `json:"priority"`
	Condition      json.RawMessage `json:"condition,omitempty"`
	Enabled        bool            `json:"enabled"`
	AllowWildcards bool            `json:"allow_wildcards"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type ACLGrantList struct {
	Grants []ACLGrant `json:"grants"`
}

type ACLGrant struct {
	DocumentID    string     `json:"document_id"`
	PrincipalType string     `json:"principal_type"`
	PrincipalID   string     `json:"principal_id"`
	Permission    string     `json:"permission"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type RetentionPolicy struct {
	DocumentsTTLDays         *int      `json:"documents_ttl_days,omitempty"`
	SessionsTTLDays          *int      `json:"sessions_ttl_days,omitempty"`
	AuditTTLDays             *int      `json:"audit_ttl_days,omitempty"`
	DSARArtifactsTTLDays     *int      `json:"dsar_artifacts_ttl_days,omitempty"`
	HardDeleteEnabled        bool      `json:"hard_delete_enabled"`
	AnonymizeInsteadOfDelete bool      `json:"anonymize_instead_of_delete"`
	UpdatedAt                time.Time `json:"updated_at"`
}

type LegalHold struct {
	ID         string     `json:"id"`
	ScopeType  string     `json:"scope_type"`
	ScopeID    string     `json:"scope_id,omitempty"`
	Reason     string     `json:"reason"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

type DSAR struct {
	ID         string     `json:"id"`
	Type       string     `json:"type"`
	Subject    string     `json:"subject"`
	Status     string     `json:"status"`
	ApprovedAt *time.Time `json:"approved_at,omitempty"`
	ApprovedBy string     `json:"approved_by,omitempty"`
	ArtifactID string     `json:"artifact_id,omitempty"`
	ErrorCode  string     `json:"error_code,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

type DSARList struct {
	Requests []DSAR `json:"requests"`
	Total    int    `json:"total"`
	Offset   int    `json:"offset"`
	Limit    int    `json:"limit"`
}

type TenantCreateRequest struct {
	ID     string `json:"id" validate:"required,max=64"`
	Name   string `json:"name" validate:"required,max=128"`
	PlanID string `json:"plan_id" validate:"required,max=64"`
}

type PlanChangeRequest struct {
	PlanID string `json:"plan_id" validate:"required,max=64"`
}

type Tenant struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	PlanID        string    `json:"plan_id"`
	DayLimit      *int64    `json:"day_limit,omitempty"`
	MonthLimit    *int64    `json:"month_limit,omitempty"`
	CryptoEnabled bool      `json:"crypto_enabled"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type FailoverState struct {
	RegionID            string     `json:"region_id"`
	Role                string     `json:"role"`
	State               string     `json:"state"`
	Epoch               int64      `json:"epoch"`
	ActivePrimaryRegion string     `json:"active_primary_region"`
	FreezeWrites        bool       `json:"freeze_writes"`
	LastTransitionAt    time.Time  `json:"last_transition_at"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
}

type FailoverToken struct {
	Token     string    `json:"token"`
	Purpose   string    `json:"purpose"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

type FailoverEvent struct {
	ID         int64     `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	FromState  string    `json:"from_state"`
	ToState    string    `json:"to_state"`
	Actor      string    `json:"actor,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Epoch      int64     `json:"epoch"`
}

type BackupSet struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Status    string          `json:"status"`
	Location  string          `json:"location"`
	Manifest  json.RawMessage `json:"manifest,omitempty"`
	PrunedAt  *time.Time      `json:"pruned_at,omitempty"`
}

type RetentionRun struct {
	ID         string          `json:"id"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Status     string          `json:"status"`
	Counters   json.RawMessage `json:"counters,omitempty"`
}

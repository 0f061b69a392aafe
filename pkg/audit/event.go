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

package audit

import "time"

// Event types, grouped by family. The set grows; names never change.
const (
	// auth
	EventAuthKeyCreated  = "auth.key.created"
	EventAuthKeyRevoked  = "auth.key.revoked"
	EventAuthKeyRotated  = "auth.key.rotated"
	EventAuthLoginFailed = "auth.login.failed"

	// data
	EventRunCompleted     = "data.run.completed"
	EventRunFailed        = "data.run.failed"
	EventRunCancelled     = "data.run.cancelled"
	EventDocumentQueued   = "data.document.queued"
	EventDocumentDeleted  = "data.document.deleted"
	EventDocumentIngested = "data.document.ingested"
	EventDocumentFailed   = "data.document.failed"
	EventCorpusCreated    = "data.corpus.created"
	EventCorpusPatched    = "data.corpus.patched"

	// security
	EventSecurityAuthzDenied  = "security.authz.denied"
	EventSecurityPolicyChange = "security.policy.changed"
	EventSecurityACLChange    = "security.acl.changed"

	// system
	EventSystemRateLimitDegraded = "system.rate_limit.degraded"
	EventSystemKillSwitch        = "system.kill_switch.changed"
	EventSystemWriteFreeze       = "system.write_freeze.changed"
	EventSystemBackupCompleted   = "system.backup.completed"

	// quota
	EventQuotaSoftCapReached  = "quota.soft_cap_reached"
	EventQuotaOverageObserved = "quota.overage_observed"
	EventQuotaExceeded        = "quota.exceeded"

	// plan / self-serve
	EventPlanChanged       = "plan.changed"
	EventSelfServeKeyIssue = "self_serve.key.issued"

	// governance
	EventGovernanceRetentionRun = "governance.retention.run"
	EventGovernanceHoldCreated  = "governance.hold.created"
	EventGovernanceHoldReleased = "governance.hold.released"
	EventGovernanceDSARCreated  = "governance.dsar.created"
	EventGovernanceDSARRunning  = "governance.dsar.running"
	EventGovernanceDSARDone     = "governance.dsar.completed"
	EventGovernanceDSARFailed   = "governance.dsar.failed"

	// compliance
	EventComplianceSnapshot = "compliance.snapshot.created"
	EventComplianceExport   = "compliance.bundle.exported"

	// identity
	EventIdentitySSOLogin    = "identity.sso.login"
	EventIdentitySCIMCreated = "identity.scim.user.created"
	EventIdentitySCIMUpdated = "identity.scim.user.updated"
	EventIdentitySCIMDeleted = "identity.scim.user.deleted"

	// crypto
	EventCryptoKeyCreated      = "crypto.key.created"
	EventCryptoRotationStarted = "crypto.rotation.started"
	EventCryptoRotationDone    = "crypto.rotation.completed"
	EventCryptoRotationFailed  = "crypto.rotation.failed"

	// failover
	EventFailoverTransition    = "failover.transition"
	EventFailoverTokenIssued   = "failover.token.issued"
	EventFailoverTokenConsumed = "failover.token.consumed"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// Event is one audit record. Metadata is redacted before the event enters
// the buffer, so sensitive values never sit in memory longer than the
// request that produced them.
type Event struct {
	OccurredAt   time.Time
	TenantID     string
	ActorType    string
	ActorID      string
	ActorRole    string
	EventType    string
	Outcome      string
	ResourceType string
	ResourceID   string
	RequestID    string
	IPAddress    string
	UserAgent    string
	Metadata     map[string]any
	ErrorCode    string
}

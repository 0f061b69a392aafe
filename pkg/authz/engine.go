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

package authz

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/auth"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
)

// Actions are coarse verbs shared by the RBAC matrix and ABAC policies.
const (
	ActionRead   = "read"
	ActionWrite  = "write"
	ActionDelete = "delete"
	ActionRun    = "run"
	ActionAdmin  = "admin"
)

// rbacMinimumRole is the role gate evaluated before ACLs and policies.
// run is an editor action because it persists session state.
var rbacMinimumRole = map[string]auth.Role{
	ActionRead:   auth.RoleReader,
	ActionWrite:  auth.RoleEditor,
	ActionDelete: auth.RoleEditor,
	ActionRun:    auth.RoleEditor,
	ActionAdmin:  auth.RoleAdmin,
}

// Resource describes the object of an authorization decision. TenantID is
// the owner; Labels feed ABAC conditions; DocumentID triggers the ACL gate.
type Resource struct {
	Type       string
	ID         string
	TenantID   string
	DocumentID string
	Labels     map[string]string
}

// Decision records the outcome and the evaluation trace for simulate.
type Decision struct {
	Allowed         bool
	Code            apierrors.Code
	MatchedPolicyID string
	Trace           []string
}

func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return apierrors.New(d.Code, "access denied")
}

type Config struct {
	ABACEnabled    bool
	DefaultDeny    bool
	AllowWildcards bool
	AdminBypassACL bool
}

// Engine evaluates the layered authorization decision in strict order:
// tenant boundary, RBAC role gate, document ACL, ABAC policies. The
// kill-switch gate runs in middleware before the engine is consulted.
type Engine struct {
	policies *PolicyRepository
	acls     *ACLRepository
	config   Config
	logger   *zap.Logger
	now      func() time.Time
}

func NewEngine(policies *PolicyRepository, acls *ACLRepository, config Config, logger *zap.Logger) *Engine {
	return &Engine{policies: policies, acls: acls, config: config, logger: logger, now: time.Now}
}

func (e *Engine) Decide(ctx context.Context, principal auth.Principal, resource Resource, action string) (Decision, error) {
	trace := []string{}

	// 1. Tenant boundary. A principal never acts across tenants.
	if resource.TenantID != "" && resource.TenantID != principal.TenantID {
		trace = append(trace, "tenant boundary: resource owned by another tenant")
		return Decision{Allowed: false, Code: apierrors.CodeForbidden, Trace: trace}, nil
	}
	trace = append(trace, "tenant boundary: ok")

	// 2. RBAC role gate.
	required, known := rbacMinimumRole[action]
	if !known {
		required = auth.RoleAdmin
	}
	if !principal.Role.AtLeast(required) {
		trace = append(trace, fmt.Sprintf("rbac: role %s below required %s", principal.Role, required))
		return Decision{Allowed: false, Code: apierrors.CodeForbidden, Trace: trace}, nil
	}
	trace = append(trace, fmt.Sprintf("rbac: role %s meets %s", principal.Role, required))

	// 3. Document ACL. Admins do not bypass unless the flag says so.
	if resource.DocumentID != "" {
		if principal.Role == auth.RoleAdmin && e.config.AdminBypassACL {
			trace = append(trace, "acl: admin bypass enabled")
		} else {
			permission := aclPermissionFor(action)
			granted, err := e.acls.HasPermission(ctx, principal.TenantID, resource.DocumentID,
				principal.APIKeyID, principal.SubjectID, string(principal.Role), permission)
			if err != nil {
				return Decision{}, err
			}
			if !granted {
				trace = append(trace, fmt.Sprintf("acl: no %s grant on document %s", permission, resource.DocumentID))
				return Decision{Allowed: false, Code: apierrors.CodeAuthzDenied, Trace: trace}, nil
			}
			trace = append(trace, fmt.Sprintf("acl: %s grant present", permission))
		}
	}

	// 4. ABAC policies. Any deny match wins; on no match the default-deny
	// flag decides.
	if !e.config.ABACEnabled {
		trace = append(trace, "abac: disabled")
		return Decision{Allowed: true, Trace: trace}, nil
	}
	policies, err := e.policies.ListEnabled(ctx, principal.TenantID)
	if err != nil {
		return Decision{}, err
	}
	evalCtx := EvalContext{
		PrincipalRole:     string(principal.Role),
		PrincipalTenantID: principal.TenantID,
		PrincipalSubject:  principal.SubjectID,
		ResourceLabels:    resource.Labels,
		Action:            action,
		RequestTime:       e.now(),
	}
	var allowMatch *Policy
	for i := range policies {
		policy := policies[i]
		if policy.ResourceType == Wildcard && policy.Action == Wildcard {
			if !e.config.AllowWildcards || !policy.AllowWildcards {
				trace = append(trace, fmt.Sprintf("abac: policy %s skipped, double wildcard not permitted", policy.ID))
				continue
			}
		}
		if !policy.Matches(resource.Type, action) {
			continue
		}
		condition, err := ParseCondition(policy.Condition)
		if err != nil {
			e.logger.Warn("skipping malformed policy condition",
				zap.String("policy_id", policy.ID), zap.Error(err))
			continue
		}
		if !condition.Eval(evalCtx) {
			trace = append(trace, fmt.Sprintf("abac: policy %s condition not met", policy.ID))
			continue
		}
		if policy.Effect == EffectDeny {
			trace = append(trace, fmt.Sprintf("abac: policy %s (priority %d) denies", policy.ID, policy.Priority))
			return Decision{Allowed: false, Code: apierrors.CodeAuthzDenied, MatchedPolicyID: policy.ID, Trace: trace}, nil
		}
		if allowMatch == nil {
			allowMatch = &policy
			trace = append(trace, fmt.Sprintf("abac: policy %s (priority %d) allows", policy.ID, policy.Priority))
		}
	}
	if allowMatch != nil {
		return Decision{Allowed: true, MatchedPolicyID: allowMatch.ID, Trace: trace}, nil
	}
	if e.config.DefaultDeny {
		trace = append(trace, "abac: no match, default deny")
		return Decision{Allowed: false, Code: apierrors.CodeAuthzDenied, Trace: trace}, nil
	}
	trace = append(trace, "abac: no match, default allow")
	return Decision{Allowed: true, Trace: trace}, nil
}

// aclPermissionFor maps decision actions onto ACL permissions.
func aclPermissionFor(action string) string {
	switch action {
	case ActionRead, ActionRun:
		return PermissionRead
	case ActionDelete:
		return PermissionOwner
	default:
		return PermissionWrite
	}
}

// ValidatePolicyInput guards policy writes: effect, wildcard rules, and the
// condition AST are all checked before the row lands.
func (e *Engine) ValidatePolicyInput(policy Policy) error {
	if policy.Effect != EffectAllow && policy.Effect != EffectDeny {
		return apierrors.Newf(apierrors.CodeValidationFailed, "effect must be allow or deny")
	}
	if policy.ResourceType == Wildcard && policy.Action == Wildcard {
		if !e.config.AllowWildcards {
			return apierrors.New(apierrors.CodeValidationFailed, "wildcard policies are disabled")
		}
		if !policy.AllowWildcards {
			return apierrors.New(apierrors.CodeValidationFailed, "double-wildcard policies require the allow_wildcards flag")
		}
	}
	if _, err := ParseCondition(policy.Condition); err != nil {
		return apierrors.Wrap(apierrors.CodeValidationFailed, "invalid condition", err)
	}
	return nil
}

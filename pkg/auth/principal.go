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

package auth

import "context"

type Role string

const (
	RoleReader Role = "reader"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleReader, RoleEditor, RoleAdmin:
		return Role(s), true
	}
	return "", false
}

// AtLeast reports whether the role grants everything the required role does.
// reader < editor < admin.
func (r Role) AtLeast(required Role) bool {
	rank := map[Role]int{RoleReader: 1, RoleEditor: 2, RoleAdmin: 3}
	return rank[r] >= rank[required]
}

// Principal is the authenticated caller attached to every request. SubjectID
// is set for human identities (SSO); APIKeyID for workload keys.
type Principal struct {
	TenantID  string
	Role      Role
	APIKeyID  string
	SubjectID string
	DevBypass bool
}

// ActorID returns the audit actor identifier.
func (p Principal) ActorID() string {
	if p.APIKeyID != "" {
		return p.APIKeyID
	}
	return p.SubjectID
}

// ActorType returns the audit actor type.
func (p Principal) ActorType() string {
	if p.DevBypass {
		return "dev_bypass"
	}
	if p.SubjectID != "" && p.APIKeyID == "" {
		return "subject"
	}
	return "api_key"
}

type principalKey struct{}

func ToContext(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

func FromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(Principal)
	return principal, ok
}

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

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	"github.com/nexusrag/nexusrag/pkg/storage"
)

const (
	PermissionRead  = "read"
	PermissionWrite = "write"
	PermissionOwner = "owner"

	PrincipalAPIKey  = "api_key"
	PrincipalSubject = "subject"
	PrincipalRole    = "role"
)

// permissionImplies maps a held permission to everything it covers.
var permissionImplies = map[string][]string{
	PermissionRead:  {PermissionRead},
	PermissionWrite: {PermissionRead, PermissionWrite},
	PermissionOwner: {PermissionRead, PermissionWrite, PermissionOwner},
}

type ACLGrant struct {
	DocumentID    string     `db:"document_id"`
	TenantID      string     `db:"tenant_id"`
	PrincipalType string     `db:"principal_type"`
	PrincipalID   string     `db:"principal_id"`
	Permission    string     `db:"permission"`
	ExpiresAt     *time.Time `db:"expires_at"`
	CreatedAt     time.Time  `db:"created_at"`
}

func (g ACLGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && !g.ExpiresAt.After(now)
}

type ACLRepository struct {
	db *sqlx.DB
}

func NewACLRepository(store *storage.Store) *ACLRepository {
	return &ACLRepository{db: store.DB()}
}

func (r *ACLRepository) Grant(ctx context.Context, grant ACLGrant) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO document_acls (document_id, tenant_id, principal_type, principal_id, permission, expires_at)
		VALUES (:document_id, :tenant_id, :principal_type, :principal_id, :permission, :expires_at)
		ON CONFLICT (document_id, principal_type, principal_id, permission)
		DO UPDATE SET expires_at = EXCLUDED.expires_at`, grant)
	if err != nil {
		return fmt.Errorf("granting acl on document %s, %w", grant.DocumentID, err)
	}
	return nil
}

// GrantOwnerTx attaches the creator's owner grant inside the document insert
// transaction.
func (r *ACLRepository) GrantOwnerTx(ctx context.Context, tx *sqlx.Tx, tenantID, documentID, principalType, principalID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO document_acls (document_id, tenant_id, principal_type, principal_id, permission)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (document_id, principal_type, principal_id, permission) DO NOTHING`,
		documentID, tenantID, principalType, principalID, PermissionOwner)
	if err != nil {
		return fmt.Errorf("granting owner acl on document %s, %w", documentID, err)
	}
	return nil
}

func (r *ACLRepository) Revoke(ctx context.Context, tenantID, documentID, principalType, principalID, permission string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM document_acls
		WHERE tenant_id = $1 AND document_id = $2 AND principal_type = $3 AND principal_id = $4 AND permission = $5`,
		tenantID, documentID, principalType, principalID, permission)
	if err != nil {
		return fmt.Errorf("revoking acl on document %s, %w", documentID, err)
	}
	return nil
}

func (r *ACLRepository) ListForDocument(ctx context.Context, tenantID, documentID string) ([]ACLGrant, error) {
	var grants []ACLGrant
	err := r.db.SelectContext(ctx, &grants, `
		SELECT * FROM document_acls WHERE tenant_id = $1 AND document_id = $2
		ORDER BY principal_type, principal_id, permission`, tenantID, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing acls for document %s, %w", documentID, err)
	}
	return grants, nil
}

// HasPermission reports whether any unexpired grant covers the requested
// permission for the caller's api key, subject, or role.
func (r *ACLRepository) HasPermission(ctx context.Context, tenantID, documentID string, apiKeyID, subjectID, role, permission string) (bool, error) {
	grants, err := r.ListForDocument(ctx, tenantID, documentID)
	if err != nil {
		return false, err
	}
	now := time.Now()
	for _, grant := range grants {
		if grant.Expired(now) {
			continue
		}
		switch grant.PrincipalType {
		case PrincipalAPIKey:
			if grant.PrincipalID != apiKeyID {
				continue
			}
		case PrincipalSubject:
			if subjectID == "" || grant.PrincipalID != subjectID {
				continue
			}
		case PrincipalRole:
			if grant.PrincipalID != role {
				continue
			}
		default:
			continue
		}
		if lo.Contains(permissionImplies[grant.Permission], permission) {
			return true, nil
		}
	}
	return false, nil
}

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
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

const (
	EffectAllow = "allow"
	EffectDeny  = "deny"

	// Wildcard matches any resource type or action, but a policy carrying it
	// on both fields is only valid when wildcards are explicitly enabled.
	Wildcard = "*"
)

type Policy struct {
	ID             string          `db:"id"`
	TenantID       string          `db:"tenant_id"`
	Name           string          `db:"name"`
	Effect         string          `db:"effect"`
	ResourceType   string          `db:"resource_type"`
	Action         string          `db:"action"`
	Priority       int             `db:"priority"`
	Condition      json.RawMessage `db:"condition"`
	Enabled        bool            `db:"enabled"`
	AllowWildcards bool            `db:"allow_wildcards"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
}

// Matches reports whether the policy's resource/action selectors cover the
// request. Condition evaluation happens separately.
func (p Policy) Matches(resourceType, action string) bool {
	if p.ResourceType != Wildcard && p.ResourceType != resourceType {
		return false
	}
	if p.Action != Wildcard && p.Action != action {
		return false
	}
	return true
}

type PolicyRepository struct {
	db *sqlx.DB
}

func NewPolicyRepository(store *storage.Store) *PolicyRepository {
	return &PolicyRepository{db: store.DB()}
}

func (r *PolicyRepository) Create(ctx context.Context, policy Policy) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO authz_policies (id, tenant_id, name, effect, resource_type, action, priority,
		                            condition, enabled, allow_wildcards)
		VALUES (:id, :tenant_id, :name, :effect, :resource_type, :action, :priority,
		        :condition, :enabled, :allow_wildcards)`, policy)
	if err != nil {
		return fmt.Errorf("inserting policy %s, %w", policy.ID, err)
	}
	return nil
}

func (r *PolicyRepository) Get(ctx context.Context, tenantID, id string) (*Policy, error) {
	var policy Policy
	err := r.db.GetContext(ctx, &policy, `SELECT * FROM authz_policies WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeNotFound, "policy %s not found", id)
		}
		return nil, fmt.Errorf("selecting policy %s, %w", id, err)
	}
	return &policy, nil
}

// ListEnabled returns enabled policies ordered for evaluation: priority
// descending, id ascending on ties. The engine walks them in order.
func (r *PolicyRepository) ListEnabled(ctx context.Context, tenantID string) ([]Policy, error) {
	var policies []Policy
	err := r.db.SelectContext(ctx, &policies, `
		SELECT * FROM authz_policies
		WHERE tenant_id = $1 AND enabled = TRUE
		ORDER BY priority DESC, id ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing enabled policies, %w", err)
	}
	return policies, nil
}

func (r *PolicyRepository) List(ctx context.Context, tenantID string) ([]Policy, error) {
	var policies []Policy
	err := r.db.SelectContext(ctx, &policies, `
		SELECT * FROM authz_policies WHERE tenant_id = $1 ORDER BY priority DESC, id ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing policies, %w", err)
	}
	return policies, nil
}

func (r *PolicyRepository) SetEnabled(ctx context.Context, tenantID, id string, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE authz_policies SET enabled = $3, updated_at = now()
		WHERE tenant_id = $1 AND id = $2`, tenantID, id, enabled)
	if err != nil {
		return fmt.Errorf("updating policy %s, %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierrors.Newf(apierrors.CodeNotFound, "policy %s not found", id)
	}
	return nil
}

func (r *PolicyRepository) Delete(ctx context.Context, tenantID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM authz_policies WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("deleting policy %s, %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierrors.Newf(apierrors.CodeNotFound, "policy %s not found", id)
	}
	return nil
}

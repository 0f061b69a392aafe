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

// Package entitlement resolves a tenant's effective feature set: the plan's
// features overlaid with per-tenant overrides. An override can disable a
// plan feature or force-enable one the plan lacks.
package entitlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/patrickmn/go-cache"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

// Feature keys gating optional behavior. Stable, referenced by plans and
// overrides.
const (
	FeatureTTS               = "feature.tts"
	FeatureRetrievalBedrock  = "feature.retrieval.aws_bedrock_kb"
	FeatureRetrievalVertex   = "feature.retrieval.gcp_vertex"
	FeatureAuditQuery        = "feature.audit_query"
	FeatureOpsAPI            = "feature.ops_api"
	FeatureBYOK              = "feature.byok"
	FeatureComplianceExport  = "feature.compliance_export"
	FeatureDebugRetrieval    = "feature.debug_retrieval"
	FeatureGovernanceControl = "feature.governance"
)

type Plan struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

type PlanFeature struct {
	PlanID     string          `db:"plan_id" json:"plan_id"`
	FeatureKey string          `db:"feature_key" json:"feature_key"`
	Enabled    bool            `db:"enabled" json:"enabled"`
	Config     json.RawMessage `db:"config" json:"config,omitempty"`
}

type Override struct {
	TenantID   string    `db:"tenant_id"`
	FeatureKey string    `db:"feature_key"`
	Enabled    bool      `db:"enabled"`
	CreatedAt  time.Time `db:"created_at"`
}

// FeatureSet is a tenant's resolved entitlements.
type FeatureSet struct {
	PlanID   string
	Features map[string]PlanFeature
}

func (s FeatureSet) Enabled(featureKey string) bool {
	feature, ok := s.Features[featureKey]
	return ok && feature.Enabled
}

type Resolver struct {
	db      *sqlx.DB
	tenants *storage.TenantRepository
	cache   *cache.Cache
}

func NewResolver(store *storage.Store, tenants *storage.TenantRepository, ttl time.Duration) *Resolver {
	return &Resolver{
		db:      store.DB(),
		tenants: tenants,
		cache:   cache.New(ttl, 2*ttl),
	}
}

// Resolve returns the tenant's effective feature set, cached briefly.
func (r *Resolver) Resolve(ctx context.Context, tenantID string) (*FeatureSet, error) {
	if cached, ok := r.cache.Get(tenantID); ok {
		return cached.(*FeatureSet), nil
	}
	tenant, err := r.tenants.Get(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var planFeatures []PlanFeature
	err = r.db.SelectContext(ctx, &planFeatures, `
		SELECT * FROM plan_features WHERE plan_id = $1`, tenant.PlanID)
	if err != nil {
		return nil, fmt.Errorf("selecting plan features, %w", err)
	}
	var overrides []Override
	err = r.db.SelectContext(ctx, &overrides, `
		SELECT * FROM tenant_overrides WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("selecting tenant overrides, %w", err)
	}

	set := &FeatureSet{PlanID: tenant.PlanID, Features: map[string]PlanFeature{}}
	for _, feature := range planFeatures {
		set.Features[feature.FeatureKey] = feature
	}
	for _, override := range overrides {
		feature := set.Features[override.FeatureKey]
		feature.FeatureKey = override.FeatureKey
		feature.Enabled = override.Enabled
		set.Features[override.FeatureKey] = feature
	}
	r.cache.SetDefault(tenantID, set)
	return set, nil
}

// Require returns FEATURE_NOT_ENABLED when the tenant lacks the feature.
func (r *Resolver) Require(ctx context.Context, tenantID, featureKey string) error {
	set, err := r.Resolve(ctx, tenantID)
	if err != nil {
		return err
	}
	if !set.Enabled(featureKey) {
		return apierrors.Newf(apierrors.CodeFeatureNotEnabled, "feature %s is not enabled for this tenant", featureKey).
			WithDetails(map[string]any{"feature_key": featureKey})
	}
	return nil
}

// Invalidate drops the cached set after admin writes so changes take effect
// on the next request.
func (r *Resolver) Invalidate(tenantID string) {
	r.cache.Delete(tenantID)
}

func (r *Resolver) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	var plan Plan
	err := r.db.GetContext(ctx, &plan, `SELECT * FROM plans WHERE id = $1`, planID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeNotFound, "plan %s not found", planID)
		}
		return nil, fmt.Errorf("selecting plan %s, %w", planID, err)
	}
	return &plan, nil
}

func (r *Resolver) ListPlans(ctx context.Context) ([]Plan, error) {
	var plans []Plan
	if err := r.db.SelectContext(ctx, &plans, `SELECT * FROM plans ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing plans, %w", err)
	}
	return plans, nil
}

func (r *Resolver) SetPlanFeature(ctx context.Context, planID, featureKey string, enabled bool, config json.RawMessage) error {
	if config == nil {
		config = json.RawMessage(`{}`)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO plan_features (plan_id, feature_key, enabled, config)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (plan_id, feature_key) DO UPDATE
		SET enabled = EXCLUDED.enabled, config = EXCLUDED.config`,
		planID, featureKey, enabled, config)
	if err != nil {
		return fmt.Errorf("upserting plan feature, %w", err)
	}
	return nil
}

// SetOverride force-enables or disables one feature for one tenant.
func (r *Resolver) SetOverride(ctx context.Context, tenantID, featureKey string, enabled bool) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenant_overrides (tenant_id, feature_key, enabled)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, feature_key) DO UPDATE SET enabled = EXCLUDED.enabled`,
		tenantID, featureKey, enabled)
	if err != nil {
		return fmt.Errorf("upserting tenant override, %w", err)
	}
	r.Invalidate(tenantID)
	return nil
}

func (r *Resolver) DeleteOverride(ctx context.Context, tenantID, featureKey string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM tenant_overrides WHERE tenant_id = $1 AND feature_key = $2`, tenantID, featureKey)
	if err != nil {
		return fmt.Errorf("deleting tenant override, %w", err)
	}
	r.Invalidate(tenantID)
	return nil
}

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

// Package rollout serves the operator control surface: kill switches,
// canary percentages, and the write-freeze view. Reads go through a short
// cache so the admission path never adds a database round trip per request.
package rollout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

// Kill switch keys. Enabling one rejects the matching operations with 503
// SERVICE_DISABLED until it is cleared.
const (
	KillRun                = "kill.run"
	KillIngest             = "kill.ingest"
	KillTTS                = "kill.tts"
	KillExternalRetrieval  = "kill.external_retrieval"
	cacheTTL               = 5 * time.Second
	freezeCacheKey         = "freeze_writes"
	killSwitchKeyPrefix    = "kill:"
	canaryPercentKeyPrefix = "canary:"
)

var knownSwitches = map[string]bool{
	KillRun:               true,
	KillIngest:            true,
	KillTTS:               true,
	KillExternalRetrieval: true,
}

type KillSwitch struct {
	Key       string    `db:"key" json:"key"`
	Enabled   bool      `db:"enabled" json:"enabled"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

type CanaryPercentage struct {
	Key       string    `db:"key" json:"key"`
	Pct       int       `db:"pct" json:"pct"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// FreezeSource reports whether the failover control plane requires writes to
// be frozen, independent of the operator toggle.
type FreezeSource interface {
	WritesFrozen(ctx context.Context) (bool, error)
}

type Controller struct {
	store  *storage.Store
	cache  *gocache.Cache
	freeze FreezeSource
	logger *zap.Logger
}

func NewController(store *storage.Store, freeze FreezeSource, logger *zap.Logger) *Controller {
	return &Controller{
		store:  store,
		cache:  gocache.New(cacheTTL, 2*cacheTTL),
		freeze: freeze,
		logger: logger,
	}
}

// KillSwitchEnabled reads the switch through the cache. An unknown key reads
// as disabled; a storage failure fails open so a flaky database cannot take
// down serving by itself.
func (c *Controller) KillSwitchEnabled(ctx context.Context, key string) bool {
	if cached, ok := c.cache.Get(killSwitchKeyPrefix + key); ok {
		return cached.(bool)
	}
	var enabled bool
	err := c.store.DB().GetContext(ctx, &enabled, `SELECT enabled FROM kill_switches WHERE key = $1`, key)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		c.logger.Warn("reading kill switch failed", zap.String("key", key), zap.Error(err))
		return false
	}
	c.cache.SetDefault(killSwitchKeyPrefix+key, enabled)
	return enabled
}

// Gate rejects the request when the kill switch is on.
func (c *Controller) Gate(ctx context.Context, key string) error {
	if c.KillSwitchEnabled(ctx, key) {
		return apierrors.Newf(apierrors.CodeServiceDisabled, "operation disabled by operator").
			WithDetails(map[string]any{"switch": key})
	}
	return nil
}

// SetKillSwitch flips the switch and invalidates the cached value so the
// change takes effect immediately on this instance.
func (c *Controller) SetKillSwitch(ctx context.Context, key string, enabled bool) error {
	if !knownSwitches[key] {
		return apierrors.Newf(apierrors.CodeValidationFailed, "unknown kill switch %q", key)
	}
	_, err := c.store.DB().ExecContext(ctx, `
		INSERT INTO kill_switches (key, enabled) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET enabled = EXCLUDED.enabled, updated_at = now()`, key, enabled)
	if err != nil {
		return fmt.Errorf("setting kill switch %s, %w", key, err)
	}
	c.cache.Delete(killSwitchKeyPrefix + key)
	return nil
}

func (c *Controller) ListKillSwitches(ctx context.Context) ([]KillSwitch, error) {
	var switches []KillSwitch
	if err := c.store.DB().SelectContext(ctx, &switches, `SELECT * FROM kill_switches ORDER BY key`); err != nil {
		return nil, fmt.Errorf("listing kill switches, %w", err)
	}
	return switches, nil
}

// CanaryEnabled buckets the tenant into [0,100) with FNV-1a over
// "tenant:feature". The same tenant lands in the same bucket for the life of
// the rollout, so a tenant does not flap in and out of a canary.
func (c *Controller) CanaryEnabled(ctx context.Context, tenantID, feature string) bool {
	pct := c.canaryPercent(ctx, feature)
	if pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tenantID + ":" + feature))
	return int(h.Sum64()%100) < pct
}

func (c *Controller) canaryPercent(ctx context.Context, feature string) int {
	if cached, ok := c.cache.Get(canaryPercentKeyPrefix + feature); ok {
		return cached.(int)
	}
	var pct int
	err := c.store.DB().GetContext(ctx, &pct, `SELECT pct FROM canary_percentages WHERE key = $1`, feature)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		c.logger.Warn("reading canary percentage failed", zap.String("feature", feature), zap.Error(err))
		return 0
	}
	c.cache.SetDefault(canaryPercentKeyPrefix+feature, pct)
	return pct
}

func (c *Controller) SetCanaryPercent(ctx context.Context, feature string, pct int) error {
	if pct < 0 || pct > 100 {
		return apierrors.Newf(apierrors.CodeValidationFailed, "canary percentage must be within [0,100]")
	}
	_, err := c.store.DB().ExecContext(ctx, `
		INSERT INTO canary_percentages (key, pct) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET pct = EXCLUDED.pct, updated_at = now()`, feature, pct)
	if err != nil {
		return fmt.Errorf("setting canary percentage for %s, %w", feature, err)
	}
	c.cache.Delete(canaryPercentKeyPrefix + feature)
	return nil
}

func (c *Controller) ListCanaryPercentages(ctx context.Context) ([]CanaryPercentage, error) {
	var rows []CanaryPercentage
	if err := c.store.DB().SelectContext(ctx, &rows, `SELECT * FROM canary_percentages ORDER BY key`); err != nil {
		return nil, fmt.Errorf("listing canary percentages, %w", err)
	}
	return rows, nil
}

// RequireWritable rejects mutations while writes are frozen, either by the
// operator toggle or because this region is not the active primary. The
// freeze view is cached like the switches; a freeze can take up to the cache
// TTL to propagate to every instance.
func (c *Controller) RequireWritable(ctx context.Context) error {
	if cached, ok := c.cache.Get(freezeCacheKey); ok {
		if cached.(bool) {
			return apierrors.Newf(apierrors.CodeWriteFrozen, "writes are frozen")
		}
		return nil
	}
	frozen, err := c.freeze.WritesFrozen(ctx)
	if err != nil {
		c.logger.Warn("reading write freeze state failed", zap.Error(err))
		return nil
	}
	c.cache.SetDefault(freezeCacheKey, frozen)
	if frozen {
		return apierrors.Newf(apierrors.CodeWriteFrozen, "writes are frozen")
	}
	return nil
}

// InvalidateFreeze drops the cached freeze view. Failover transitions call
// this so a freeze lands without waiting out the TTL.
func (c *Controller) InvalidateFreeze() {
	c.cache.Delete(freezeCacheKey)
}

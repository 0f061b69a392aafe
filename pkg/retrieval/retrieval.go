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

// Package retrieval routes run-time context retrieval to the corpus's
// configured provider: the local pgvector index or an external knowledge
// base. External calls sit behind entitlements, the external-retrieval kill
// switch, a per-provider circuit breaker, and a call timeout.
package retrieval

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/entitlement"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/metrics"
	"github.com/nexusrag/nexusrag/pkg/rollout"
)

// Hit is one retrieved context passage.
type Hit struct {
	ChunkID     string  `json:"chunk_id"`
	DocumentID  string  `json:"document_id,omitempty"`
	DocumentURI string  `json:"document_uri,omitempty"`
	Text        string  `json:"text"`
	Score       float64 `json:"score"`
}

// Result carries the hits plus the routing facts the run engine reports in
// debug.retrieval.
type Result struct {
	Provider string
	TopK     int
	Elapsed  time.Duration
	Hits     []Hit
}

// Provider retrieves passages for a query under one corpus configuration.
type Provider interface {
	Name() string
	Retrieve(ctx context.Context, tenantID string, config *Config, query string) ([]Hit, error)
}

type Router struct {
	providers    map[string]Provider
	entitlements *entitlement.Resolver
	rollout      *rollout.Controller
	callTimeout  time.Duration
	metrics      *metrics.Metrics
	logger       *zap.Logger
}

func NewRouter(entitlements *entitlement.Resolver, rolloutCtl *rollout.Controller,
	callTimeout time.Duration, m *metrics.Metrics, logger *zap.Logger, providers ...Provider) *Router {
	byName := map[string]Provider{}
	for _, p := range providers {
		byName[p.Name()] = p
	}
	return &Router{
		providers:    byName,
		entitlements: entitlements,
		rollout:      rolloutCtl,
		callTimeout:  callTimeout,
		metrics:      m,
		logger:       logger,
	}
}

// FeatureForProvider maps an external provider to its gating entitlement.
// Local retrieval needs no feature and returns "".
func FeatureForProvider(provider string) string {
	switch provider {
	case ProviderAWSBedrockKB:
		return entitlement.FeatureRetrievalBedrock
	case ProviderGCPVertex:
		return entitlement.FeatureRetrievalVertex
	default:
		return ""
	}
}

// Retrieve resolves the corpus config, applies the external gates, and runs
// the provider. Hits come back sorted score descending with chunk id
// ascending tie-break, truncated to top_k.
func (r *Router) Retrieve(ctx context.Context, tenantID string, config *Config, query string) (*Result, error) {
	provider, ok := r.providers[config.Provider]
	if !ok {
		return nil, apierrors.Newf(apierrors.CodeValidationFailed, "no provider registered for %q", config.Provider)
	}
	if config.External() {
		if feature := FeatureForProvider(config.Provider); feature != "" {
			if err := r.entitlements.Require(ctx, tenantID, feature); err != nil {
				return nil, err
			}
		}
		if err := r.rollout.Gate(ctx, rollout.KillExternalRetrieval); err != nil {
			return nil, err
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}

	start := time.Now()
	hits, err := provider.Retrieve(ctx, tenantID, config, query)
	elapsed := time.Since(start)
	r.metrics.RetrievalDuration.WithLabelValues(config.Provider).Observe(elapsed.Seconds())
	if err != nil {
		r.metrics.RetrievalErrors.WithLabelValues(config.Provider, string(apierrors.AsError(err).Code)).Inc()
		return nil, err
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ChunkID < hits[j].ChunkID
	})
	if len(hits) > config.TopK {
		hits = hits[:config.TopK]
	}
	return &Result{Provider: config.Provider, TopK: config.TopK, Elapsed: elapsed, Hits: hits}, nil
}

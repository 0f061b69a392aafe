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

// Package ratelimit implements Redis-backed token buckets keyed by
// (scope, route class, id). Both the API-key bucket and the tenant bucket
// must admit a request. Refill is continuous by elapsed wall time with
// millisecond granularity.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/coordination"
	"github.com/nexusrag/nexusrag/pkg/metrics"
)

type Scope string

const (
	ScopeKey    Scope = "key"
	ScopeTenant Scope = "tenant"
)

type RouteClass string

const (
	ClassRun      RouteClass = "run"
	ClassMutation RouteClass = "mutation"
	ClassRead     RouteClass = "read"
	ClassOps      RouteClass = "ops"
)

// Limit is the sustained rate and burst capacity for one route class.
type Limit struct {
	RPS   float64
	Burst int
}

// bucketScript performs the atomic read-refill-consume. KEYS[1] is the
// bucket hash; ARGV: rps, capacity, now_ms, cost. Returns {allowed,
// retry_after_ms}. The key expires after the bucket would refill completely,
// so idle buckets cost nothing.
var bucketScript = redis.NewScript(`
local rps = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local cost = tonumber(ARGV[4])

local state = redis.call("HMGET", KEYS[1], "tokens", "last_refill_ts")
local tokens = tonumber(state[1])
local last = tonumber(state[2])
if tokens == nil then
	tokens = capacity
	last = now
end
local elapsed = math.max(0, now - last)
tokens = math.min(capacity, tokens + elapsed / 1000.0 * rps)

local allowed = 0
local retry_after = 0
if tokens >= cost then
	tokens = tokens - cost
	allowed = 1
else
	retry_after = math.ceil((cost - tokens) / rps * 1000.0)
end

redis.call("HSET", KEYS[1], "tokens", tokens, "last_refill_ts", now)
redis.call("PEXPIRE", KEYS[1], math.ceil(capacity / rps * 1000.0) + 1000)
return {allowed, retry_after}`)

// Decision is the admission outcome for one request.
type Decision struct {
	Allowed      bool
	Degraded     bool
	Scope        Scope
	RouteClass   RouteClass
	RetryAfterMS int64
}

type Limiter struct {
	coord   *coordination.Client
	limits  map[RouteClass]Limit
	metrics *metrics.Metrics
	logger  *zap.Logger
}

func NewLimiter(coord *coordination.Client, limits map[RouteClass]Limit, m *metrics.Metrics, logger *zap.Logger) *Limiter {
	return &Limiter{coord: coord, limits: limits, metrics: m, logger: logger}
}

func bucketKey(scope Scope, class RouteClass, id string) string {
	return fmt.Sprintf("rl:%s:%s:%s", scope, class, id)
}

// Allow admits the request only if both the key-scoped and tenant-scoped
// buckets have a token. A Redis failure returns an error; the caller applies
// the configured fail mode.
func (l *Limiter) Allow(ctx context.Context, class RouteClass, keyID, tenantID string) (Decision, error) {
	limit, ok := l.limits[class]
	if !ok || limit.RPS <= 0 {
		return Decision{Allowed: true, RouteClass: class}, nil
	}
	now := time.Now().UnixMilli()
	for _, bucket := range []struct {
		scope Scope
		id    string
	}{
		{ScopeKey, keyID},
		{ScopeTenant, tenantID},
	} {
		if bucket.id == "" {
			continue
		}
		res, err := bucketScript.Run(ctx, l.coord.Redis(),
			[]string{bucketKey(bucket.scope, class, bucket.id)},
			limit.RPS, limit.Burst, now, 1).Int64Slice()
		if err != nil {
			return Decision{RouteClass: class}, fmt.Errorf("evaluating %s bucket, %w", bucket.scope, err)
		}
		if len(res) != 2 {
			return Decision{RouteClass: class}, fmt.Errorf("unexpected bucket script reply length %d", len(res))
		}
		if res[0] == 0 {
			l.metrics.RateLimitDecisions.WithLabelValues(string(bucket.scope), string(class), "limited").Inc()
			return Decision{
				Allowed:      false,
				Scope:        bucket.scope,
				RouteClass:   class,
				RetryAfterMS: res[1],
			}, nil
		}
	}
	l.metrics.RateLimitDecisions.WithLabelValues(string(ScopeKey), string(class), "allowed").Inc()
	return Decision{Allowed: true, RouteClass: class}, nil
}

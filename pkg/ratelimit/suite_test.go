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

package ratelimit_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/coordination"
	"github.com/nexusrag/nexusrag/pkg/metrics"
	"github.com/nexusrag/nexusrag/pkg/ratelimit"
)

func TestRateLimit(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "RateLimit")
}

var _ = Describe("Limiter", func() {
	var (
		mini    *miniredis.Miniredis
		limiter *ratelimit.Limiter
	)
	ctx := context.Background()

	limits := map[ratelimit.RouteClass]ratelimit.Limit{
		ratelimit.ClassRun:  {RPS: 1, Burst: 2},
		ratelimit.ClassRead: {RPS: 100, Burst: 100},
	}

	BeforeEach(func() {
		var err error
		mini, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		coord := coordination.NewFromRedis(redis.NewClient(&redis.Options{Addr: mini.Addr()}), zap.NewNop())
		limiter = ratelimit.NewLimiter(coord, limits, metrics.NewMetrics(), zap.NewNop())
	})
	AfterEach(func() {
		mini.Close()
	})

	It("should admit up to the burst and then limit", func() {
		for i := 0; i < 2; i++ {
			decision, err := limiter.Allow(ctx, ratelimit.ClassRun, "key_1", "t_1")
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeTrue())
		}
		decision, err := limiter.Allow(ctx, ratelimit.ClassRun, "key_1", "t_1")
		Expect(err).ToNot(HaveOccurred())
		Expect(decision.Allowed).To(BeFalse())
		Expect(decision.RetryAfterMS).To(BeNumerically(">", 0))
	})

	It("should isolate buckets per key", func() {
		for i := 0; i < 2; i++ {
			_, err := limiter.Allow(ctx, ratelimit.ClassRun, "key_1", "t_1")
			Expect(err).ToNot(HaveOccurred())
		}
		// Fresh key, same class. The shared tenant bucket is keyed by
		// tenant id, so use a fresh tenant too.
		decision, err := limiter.Allow(ctx, ratelimit.ClassRun, "key_2", "t_2")
		Expect(err).ToNot(HaveOccurred())
		Expect(decision.Allowed).To(BeTrue())
	})

	It("should limit on the shared tenant bucket across keys", func() {
		for i := 0; i < 2; i++ {
			decision, err := limiter.Allow(ctx, ratelimit.ClassRun, "key_1", "t_1")
			Expect(err).ToNot(HaveOccurred())
			Expect(decision.Allowed).To(BeTrue())
		}
		decision, err := limiter.Allow(ctx, ratelimit.ClassRun, "key_2", "t_1")
		Expect(err).ToNot(HaveOccurred())
		Expect(decision.Allowed).To(BeFalse())
		Expect(decision.Scope).To(Equal(ratelimit.ScopeTenant))
	})

	It("should isolate buckets per route class", func() {
		for i := 0; i < 2; i++ {
			_, err := limiter.Allow(ctx, ratelimit.ClassRun, "key_1", "t_1")
			Expect(err).ToNot(HaveOccurred())
		}
		decision, err := limiter.Allow(ctx, ratelimit.ClassRead, "key_1", "t_1")
		Expect(err).ToNot(HaveOccurred())
		Expect(decision.Allowed).To(BeTrue())
	})

	It("should admit classes with no configured limit", func() {
		decision, err := limiter.Allow(ctx, ratelimit.ClassOps, "key_1", "t_1")
		Expect(err).ToNot(HaveOccurred())
		Expect(decision.Allowed).To(BeTrue())
	})

	It("should return an error when Redis is down", func() {
		mini.Close()
		_, err := limiter.Allow(ctx, ratelimit.ClassRun, "key_1", "t_1")
		Expect(err).To(HaveOccurred())
	})
})

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

package coordination_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/coordination"
)

func TestCoordination(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Coordination")
}

var _ = Describe("Coordination", func() {
	var (
		mini   *miniredis.Miniredis
		client *coordination.Client
	)
	ctx := context.Background()

	BeforeEach(func() {
		var err error
		mini, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		client = coordination.NewFromRedis(redis.NewClient(&redis.Options{Addr: mini.Addr()}), zap.NewNop())
	})
	AfterEach(func() {
		Expect(client.Close()).To(Succeed())
		mini.Close()
	})

	Context("Locks", func() {
		It("should grant a free lock and reject a second holder", func() {
			lock, err := client.AcquireLock(ctx, "lock:test", time.Minute)
			Expect(err).ToNot(HaveOccurred())

			_, err = client.AcquireLock(ctx, "lock:test", time.Minute)
			Expect(err).To(MatchError(coordination.ErrLockHeld))

			Expect(lock.Release(ctx)).To(Succeed())
			_, err = client.AcquireLock(ctx, "lock:test", time.Minute)
			Expect(err).ToNot(HaveOccurred())
		})

		It("should not let an expired holder release the new holder's lock", func() {
			stale, err := client.AcquireLock(ctx, "lock:test", 50*time.Millisecond)
			Expect(err).ToNot(HaveOccurred())
			mini.FastForward(time.Second)

			fresh, err := client.AcquireLock(ctx, "lock:test", time.Minute)
			Expect(err).ToNot(HaveOccurred())

			Expect(stale.Release(ctx)).To(Succeed())
			_, err = client.AcquireLock(ctx, "lock:test", time.Minute)
			Expect(err).To(MatchError(coordination.ErrLockHeld))
			Expect(fresh.Release(ctx)).To(Succeed())
		})

		It("should extend a held lock and refuse to extend a lost one", func() {
			lock, err := client.AcquireLock(ctx, "lock:test", 100*time.Millisecond)
			Expect(err).ToNot(HaveOccurred())
			Expect(lock.Extend(ctx)).To(Succeed())

			mini.FastForward(time.Second)
			_, err = client.AcquireLock(ctx, "lock:test", time.Minute)
			Expect(err).ToNot(HaveOccurred())
			Expect(lock.Extend(ctx)).To(MatchError(coordination.ErrLockHeld))
		})

		It("should wait for a lock to free up", func() {
			lock, err := client.AcquireLock(ctx, "lock:test", 100*time.Millisecond)
			Expect(err).ToNot(HaveOccurred())
			Expect(lock.Release(ctx)).To(Succeed())

			waitCtx, cancel := context.WithTimeout(ctx, time.Second)
			defer cancel()
			waited, err := client.WaitLock(waitCtx, "lock:test", time.Minute, 10*time.Millisecond)
			Expect(err).ToNot(HaveOccurred())
			Expect(waited.Release(ctx)).To(Succeed())
		})
	})

	Context("Heartbeats", func() {
		It("should report published heartbeats with ages", func() {
			Expect(client.PublishHeartbeat(ctx, "worker-a", time.Second)).To(Succeed())
			Expect(client.PublishHeartbeat(ctx, "worker-b", time.Second)).To(Succeed())

			beats, err := client.WorkerHeartbeats(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(beats).To(HaveLen(2))
			ids := []string{beats[0].WorkerID, beats[1].WorkerID}
			Expect(ids).To(ConsistOf("worker-a", "worker-b"))
		})

		It("should expire heartbeats after three missed intervals", func() {
			Expect(client.PublishHeartbeat(ctx, "worker-a", time.Second)).To(Succeed())
			mini.FastForward(4 * time.Second)
			beats, err := client.WorkerHeartbeats(ctx)
			Expect(err).ToNot(HaveOccurred())
			Expect(beats).To(BeEmpty())
		})
	})

	Context("SSO State", func() {
		It("should consume state exactly once", func() {
			value := coordination.SSOState{ProviderID: "okta", TenantID: "t_1", Nonce: "n"}
			Expect(client.PutSSOState(ctx, "abc", value, time.Minute)).To(Succeed())

			got, err := client.TakeSSOState(ctx, "abc")
			Expect(err).ToNot(HaveOccurred())
			Expect(*got).To(Equal(value))

			_, err = client.TakeSSOState(ctx, "abc")
			Expect(err).To(MatchError(coordination.ErrStateNotFound))
		})

		It("should expire state at the TTL", func() {
			Expect(client.PutSSOState(ctx, "abc", coordination.SSOState{}, 100*time.Millisecond)).To(Succeed())
			mini.FastForward(time.Second)
			_, err := client.TakeSSOState(ctx, "abc")
			Expect(err).To(MatchError(coordination.ErrStateNotFound))
		})
	})
})

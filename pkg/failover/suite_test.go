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

package failover_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/coordination"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/failover"
	"github.com/nexusrag/nexusrag/pkg/fake"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

func TestFailover(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Failover")
}

var stateColumns = []string{
	"singleton", "region_id", "role", "state", "epoch",
	"active_primary_region", "freeze_writes", "last_transition_at", "cooldown_until",
}

var _ = Describe("Failover", func() {
	var (
		mock    sqlmock.Sqlmock
		mini    *miniredis.Miniredis
		store   *storage.Store
		repo    *storage.FailoverRepository
		coord   *coordination.Client
		emitter *fake.Emitter
		manager *failover.Manager
		config  failover.Config
	)
	ctx := context.Background()

	BeforeEach(func() {
		raw, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		mock = m
		mini, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())

		store = storage.NewFromDB(raw, zap.NewNop())
		repo = storage.NewFailoverRepository(store)
		coord = coordination.NewFromRedis(redis.NewClient(&redis.Options{Addr: mini.Addr()}), zap.NewNop())
		emitter = &fake.Emitter{}
		config = failover.Config{
			RegionID:          "eu-west-1",
			Cooldown:          time.Hour,
			TokenTTL:          15 * time.Minute,
			MaxReplicationLag: time.Minute,
		}
		manager = failover.NewManager(store, repo, coord, failover.StaticProbe{}, config, emitter, zap.NewNop())
	})

	AfterEach(func() {
		mini.Close()
	})

	stateRow := func(state string, epoch int64, freeze bool, cooldownUntil *time.Time) *sqlmock.Rows {
		return sqlmock.NewRows(stateColumns).
			AddRow(true, "eu-west-1", failover.RoleReplica, state, epoch, "us-east-1", freeze, time.Now(), cooldownUntil)
	}

	Describe("Tokens", func() {
		It("should mint a purpose-bound token with an expiry", func() {
			mock.ExpectExec(`INSERT INTO failover_tokens`).WillReturnResult(sqlmock.NewResult(1, 1))
			token, err := manager.MintToken(ctx, failover.PurposePromote, "ops@example.com")
			Expect(err).ToNot(HaveOccurred())
			Expect(token.Token).To(HaveLen(64))
			Expect(token.ExpiresAt).To(BeTemporally("~", time.Now().UTC().Add(15*time.Minute), time.Minute))
			Expect(emitter.EventsOfType(audit.EventFailoverTokenIssued)).To(HaveLen(1))
		})

		It("should reject unknown purposes", func() {
			_, err := manager.MintToken(ctx, "destroy", "ops@example.com")
			Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeValidationFailed))
		})

		It("should burn a token exactly once", func() {
			mock.ExpectExec(`UPDATE failover_tokens`).WillReturnResult(sqlmock.NewResult(0, 1))
			Expect(repo.ConsumeToken(ctx, "tok_1", failover.PurposePromote)).To(Succeed())

			mock.ExpectExec(`UPDATE failover_tokens`).WillReturnResult(sqlmock.NewResult(0, 0))
			err := repo.ConsumeToken(ctx, "tok_1", failover.PurposePromote)
			Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeFailoverTokenInvalid))
		})

		It("should refuse promotion on a consumed token before touching state", func() {
			mock.ExpectExec(`UPDATE failover_tokens`).WillReturnResult(sqlmock.NewResult(0, 0))
			_, err := manager.Promote(ctx, "stale", "ops@example.com")
			Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeFailoverTokenInvalid))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})

	Describe("Promote", func() {
		expectTransitions := func(n int) {
			for i := 0; i < n; i++ {
				mock.ExpectExec(`UPDATE failover_state`).WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(`INSERT INTO failover_events`).WillReturnResult(sqlmock.NewResult(1, 1))
			}
		}

		It("should walk the full sequence and promote the region", func() {
			mock.ExpectExec(`UPDATE failover_tokens`).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT \* FROM failover_state`).
				WillReturnRows(stateRow(failover.StateIdle, 3, false, nil))
			// freeze_writes, precheck, promoting, verification, completed
			expectTransitions(5)
			mock.ExpectCommit()

			final, err := manager.Promote(ctx, "tok_promote", "ops@example.com")
			Expect(err).ToNot(HaveOccurred())
			Expect(final.State).To(Equal(failover.StateCompleted))
			Expect(final.Role).To(Equal(failover.RolePrimary))
			Expect(final.Epoch).To(Equal(int64(4)))
			Expect(final.ActivePrimaryRegion).To(Equal("eu-west-1"))
			Expect(final.FreezeWrites).To(BeFalse())
			Expect(final.CooldownUntil).ToNot(BeNil())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
			Expect(emitter.EventsOfType(audit.EventFailoverTokenConsumed)).To(HaveLen(1))
		})

		It("should land in rollback_pending with writes frozen when the precheck fails", func() {
			risky := failover.NewManager(store, repo, coord,
				failover.StaticProbe{SplitRisk: true}, config, emitter, zap.NewNop())

			mock.ExpectExec(`UPDATE failover_tokens`).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT \* FROM failover_state`).
				WillReturnRows(stateRow(failover.StateIdle, 3, false, nil))
			// freeze_writes, precheck, rollback_pending
			expectTransitions(3)
			mock.ExpectCommit()

			final, err := risky.Promote(ctx, "tok_promote", "ops@example.com")
			Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeFailoverInProgress))
			Expect(final.State).To(Equal(failover.StateRollbackPending))
			Expect(final.FreezeWrites).To(BeTrue())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("should hold during cooldown", func() {
			until := time.Now().UTC().Add(30 * time.Minute)
			mock.ExpectExec(`UPDATE failover_tokens`).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT \* FROM failover_state`).
				WillReturnRows(stateRow(failover.StateCompleted, 4, false, &until))
			mock.ExpectRollback()

			_, err := manager.Promote(ctx, "tok_promote", "ops@example.com")
			Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeFailoverCooldown))
		})
	})
})

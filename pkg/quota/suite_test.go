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

package quota_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/audit"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/fake"
	"github.com/nexusrag/nexusrag/pkg/metrics"
	"github.com/nexusrag/nexusrag/pkg/quota"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

func TestQuota(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Quota")
}

var tenantColumns = []string{
	"id", "name", "plan_id", "day_limit", "month_limit", "crypto_enabled",
	"created_at", "updated_at",
}

var _ = Describe("Engine", func() {
	var (
		mock    sqlmock.Sqlmock
		auditor *fake.Emitter
		engine  *quota.Engine
	)
	ctx := context.Background()

	config := quota.Config{
		DefaultDayLimit:   100,
		DefaultMonthLimit: 1000,
		SoftCapRatio:      0.8,
		HardCapMode:       quota.Enforce,
	}

	newEngine := func(config quota.Config) {
		raw, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		mock = m
		store := storage.NewFromDB(raw, zap.NewNop())
		auditor = &fake.Emitter{}
		engine = quota.NewEngine(storage.NewQuotaRepository(store), storage.NewTenantRepository(store),
			config, auditor, metrics.NewMetrics(), zap.NewNop())
	}

	// expectTenant answers the limits lookup with no per-tenant overrides
	// unless day or month is non-nil.
	expectTenant := func(day, month *int64) {
		now := time.Now()
		mock.ExpectQuery(`SELECT \* FROM tenants`).
			WillReturnRows(sqlmock.NewRows(tenantColumns).
				AddRow("t_1", "Acme", "pro", day, month, false, now, now))
	}

	expectAdd := func(newTotal int64) {
		mock.ExpectQuery(`INSERT INTO quota_counters`).
			WillReturnRows(sqlmock.NewRows([]string{"used"}).AddRow(newTotal))
	}

	BeforeEach(func() {
		newEngine(config)
	})

	It("should charge both windows and report remaining budget", func() {
		expectTenant(nil, nil)
		expectAdd(3)   // day
		expectAdd(53)  // month

		charge, err := engine.Admit(ctx, "t_1", quota.CostRun, "req_1")
		Expect(err).ToNot(HaveOccurred())
		Expect(charge.SoftCapReached).To(BeFalse())
		Expect(charge.Day.Used).To(Equal(int64(3)))
		Expect(charge.Day.Remaining()).To(Equal(int64(97)))
		Expect(charge.Month.Used).To(Equal(int64(53)))
		Expect(charge.Month.Remaining()).To(Equal(int64(947)))
		Expect(auditor.Events.All()).To(BeEmpty())
	})

	It("should flag the soft cap and notify once per bucket", func() {
		expectTenant(nil, nil)
		expectAdd(80) // crosses 0.8 * 100
		expectAdd(80)
		mock.ExpectExec(`INSERT INTO quota_state`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		charge, err := engine.Admit(ctx, "t_1", quota.CostMutation, "req_1")
		Expect(err).ToNot(HaveOccurred())
		Expect(charge.SoftCapReached).To(BeTrue())
		Expect(auditor.EventsOfType(audit.EventQuotaSoftCapReached)).To(HaveLen(1))
	})

	It("should not re-notify a soft cap already marked for the bucket", func() {
		expectTenant(nil, nil)
		expectAdd(81)
		expectAdd(81)
		mock.ExpectExec(`INSERT INTO quota_state`).
			WillReturnResult(sqlmock.NewResult(0, 0)) // conflict, already notified

		charge, err := engine.Admit(ctx, "t_1", quota.CostMutation, "req_1")
		Expect(err).ToNot(HaveOccurred())
		Expect(charge.SoftCapReached).To(BeTrue())
		Expect(auditor.EventsOfType(audit.EventQuotaSoftCapReached)).To(BeEmpty())
	})

	It("should reject an overage in enforce mode", func() {
		expectTenant(nil, nil)
		expectAdd(101)
		expectAdd(101)
		mock.ExpectExec(`INSERT INTO quota_state`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		charge, err := engine.Admit(ctx, "t_1", quota.CostMutation, "req_1")
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeQuotaExceeded))
		Expect(charge).ToNot(BeNil())
		Expect(charge.Day.Remaining()).To(BeZero())

		denied := auditor.EventsOfType(audit.EventQuotaExceeded)
		Expect(denied).To(HaveLen(1))
		Expect(denied[0].Outcome).To(Equal(audit.OutcomeDenied))
	})

	It("should admit and audit an overage in observe mode", func() {
		observe := config
		observe.HardCapMode = quota.Observe
		newEngine(observe)

		expectTenant(nil, nil)
		expectAdd(101)
		expectAdd(101)
		mock.ExpectExec(`INSERT INTO quota_state`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := engine.Admit(ctx, "t_1", quota.CostMutation, "req_1")
		Expect(err).ToNot(HaveOccurred())
		Expect(auditor.EventsOfType(audit.EventQuotaOverageObserved)).ToNot(BeEmpty())
	})

	It("should prefer per-tenant limits over defaults", func() {
		dayLimit := int64(10)
		expectTenant(&dayLimit, nil)
		expectAdd(11)
		expectAdd(11)
		mock.ExpectExec(`INSERT INTO quota_state`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := engine.Admit(ctx, "t_1", quota.CostMutation, "req_1")
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeQuotaExceeded))
	})

	It("should read current windows without charging", func() {
		expectTenant(nil, nil)
		now := time.Now()
		mock.ExpectQuery(`SELECT \* FROM quota_counters`).
			WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "period", "bucket_start", "used", "used_tokens", "updated_at"}).
				AddRow("t_1", storage.QuotaPeriodDay, storage.DayBucket(now), int64(7), int64(0), now).
				AddRow("t_1", storage.QuotaPeriodMonth, storage.MonthBucket(now), int64(70), int64(0), now))

		charge, err := engine.Summary(ctx, "t_1")
		Expect(err).ToNot(HaveOccurred())
		Expect(charge.Day.Used).To(Equal(int64(7)))
		Expect(charge.Month.Used).To(Equal(int64(70)))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("should fail admission for an unknown tenant", func() {
		mock.ExpectQuery(`SELECT \* FROM tenants`).
			WillReturnRows(sqlmock.NewRows(tenantColumns))
		_, err := engine.Admit(ctx, "t_missing", quota.CostMutation, "req_1")
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeNotFound))
	})
})

var _ = Describe("Buckets", func() {
	It("should truncate to UTC period boundaries", func() {
		at := time.Date(2026, 7, 14, 23, 45, 0, 0, time.FixedZone("JST", 9*3600))
		Expect(storage.DayBucket(at)).To(Equal(time.Date(2026, 7, 14, 0, 0, 0, 0, time.UTC)))
		Expect(storage.MonthBucket(at)).To(Equal(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)))
	})
})

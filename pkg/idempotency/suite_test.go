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

package idempotency_test

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/coordination"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/idempotency"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

func TestIdempotency(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Idempotency")
}

var recordColumns = []string{
	"tenant_id", "idem_key", "payload_hash", "status", "status_code",
	"response_body", "created_at", "expires_at", "completed_at",
}

var _ = Describe("Keys", func() {
	It("should reject empty and oversized keys", func() {
		Expect(apierrors.CodeOf(idempotency.ValidateKey(""))).To(Equal(apierrors.CodeValidationFailed))
		Expect(apierrors.CodeOf(idempotency.ValidateKey(strings.Repeat("k", idempotency.MaxKeyLength+1)))).
			To(Equal(apierrors.CodeValidationFailed))
		Expect(idempotency.ValidateKey("create-doc-2026-07-01")).To(Succeed())
	})
})

var _ = Describe("Payload Hashing", func() {
	It("should be stable for equal decoded payloads", func() {
		first, err := idempotency.HashPayload(map[string]any{"title": "a", "uri": "s3://b"})
		Expect(err).ToNot(HaveOccurred())
		second, err := idempotency.HashPayload(map[string]any{"uri": "s3://b", "title": "a"})
		Expect(err).ToNot(HaveOccurred())
		Expect(second).To(Equal(first))
	})

	It("should change when the payload changes", func() {
		first, err := idempotency.HashPayload(map[string]any{"title": "a"})
		Expect(err).ToNot(HaveOccurred())
		second, err := idempotency.HashPayload(map[string]any{"title": "b"})
		Expect(err).ToNot(HaveOccurred())
		Expect(second).ToNot(Equal(first))
	})
})

var _ = Describe("Guard", func() {
	var (
		mini  *miniredis.Miniredis
		mock  sqlmock.Sqlmock
		guard *idempotency.Guard
	)
	ctx := context.Background()
	payload := map[string]any{"title": "Q3 report"}

	BeforeEach(func() {
		var err error
		mini, err = miniredis.Run()
		Expect(err).ToNot(HaveOccurred())
		coord := coordination.NewFromRedis(redis.NewClient(&redis.Options{Addr: mini.Addr()}), zap.NewNop())

		raw, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		mock = m
		guard = idempotency.NewGuard(storage.NewIdempotencyRepository(storage.NewFromDB(raw, zap.NewNop())), coord)
	})
	AfterEach(func() {
		mini.Close()
	})

	recordRow := func(payloadHash, status string, statusCode *int, body []byte) *sqlmock.Rows {
		now := time.Now()
		return sqlmock.NewRows(recordColumns).
			AddRow("t_1", "key_1", payloadHash, status, statusCode, body, now, now.Add(time.Hour), nil)
	}

	It("should hand a fresh key to the caller", func() {
		hash, err := idempotency.HashPayload(payload)
		Expect(err).ToNot(HaveOccurred())
		mock.ExpectQuery(`INSERT INTO idempotency_keys`).
			WillReturnRows(recordRow(hash, storage.IdempotencyStatusPending, nil, nil))

		outcome, err := guard.Begin(ctx, "t_1", "key_1", payload)
		Expect(err).ToNot(HaveOccurred())
		Expect(outcome).To(BeNil())
	})

	It("should replay a completed response byte-for-byte", func() {
		hash, err := idempotency.HashPayload(payload)
		Expect(err).ToNot(HaveOccurred())
		created := 201
		body := []byte(`{"id":"doc_1"}`)
		mock.ExpectQuery(`INSERT INTO idempotency_keys`).WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(`SELECT \* FROM idempotency_keys`).
			WillReturnRows(recordRow(hash, storage.IdempotencyStatusCompleted, &created, body))

		outcome, err := guard.Begin(ctx, "t_1", "key_1", payload)
		Expect(err).ToNot(HaveOccurred())
		Expect(outcome.Replay).To(BeTrue())
		Expect(outcome.StatusCode).To(Equal(201))
		Expect(outcome.Body).To(Equal(body))
	})

	It("should conflict when the key is reused with a different body", func() {
		mock.ExpectQuery(`INSERT INTO idempotency_keys`).WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(`SELECT \* FROM idempotency_keys`).
			WillReturnRows(recordRow("some-other-hash", storage.IdempotencyStatusCompleted, nil, nil))

		_, err := guard.Begin(ctx, "t_1", "key_1", payload)
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeIdempotencyKeyConflict))
	})

	It("should wait out a pending duplicate and replay its response", func() {
		hash, err := idempotency.HashPayload(payload)
		Expect(err).ToNot(HaveOccurred())
		ok := 200
		mock.ExpectQuery(`INSERT INTO idempotency_keys`).WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(`SELECT \* FROM idempotency_keys`).
			WillReturnRows(recordRow(hash, storage.IdempotencyStatusPending, nil, nil))
		mock.ExpectQuery(`SELECT \* FROM idempotency_keys`).
			WillReturnRows(recordRow(hash, storage.IdempotencyStatusCompleted, &ok, []byte(`{}`)))

		outcome, err := guard.Begin(ctx, "t_1", "key_1", payload)
		Expect(err).ToNot(HaveOccurred())
		Expect(outcome.Replay).To(BeTrue())
		Expect(outcome.StatusCode).To(Equal(200))
	})

	It("should conflict when the original request failed mid-wait", func() {
		hash, err := idempotency.HashPayload(payload)
		Expect(err).ToNot(HaveOccurred())
		mock.ExpectQuery(`INSERT INTO idempotency_keys`).WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery(`SELECT \* FROM idempotency_keys`).
			WillReturnRows(recordRow(hash, storage.IdempotencyStatusPending, nil, nil))
		// Released by the failing original; the duplicate may retry.
		mock.ExpectQuery(`SELECT \* FROM idempotency_keys`).
			WillReturnRows(sqlmock.NewRows(recordColumns))

		_, err = guard.Begin(ctx, "t_1", "key_1", payload)
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeIdempotencyKeyConflict))
	})

	It("should store successful responses and release failures", func() {
		mock.ExpectExec(`UPDATE idempotency_keys`).WillReturnResult(sqlmock.NewResult(0, 1))
		Expect(guard.Finish(ctx, "t_1", "key_1", 201, []byte(`{}`))).To(Succeed())

		mock.ExpectExec(`DELETE FROM idempotency_keys`).WillReturnResult(sqlmock.NewResult(0, 1))
		Expect(guard.Finish(ctx, "t_1", "key_1", 500, nil)).To(Succeed())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("should purge expired keys in batches until drained", func() {
		mock.ExpectExec(`DELETE FROM idempotency_keys`).WillReturnResult(sqlmock.NewResult(0, 500))
		mock.ExpectExec(`DELETE FROM idempotency_keys`).WillReturnResult(sqlmock.NewResult(0, 120))

		purged, err := guard.PurgeExpired(ctx, 500)
		Expect(err).ToNot(HaveOccurred())
		Expect(purged).To(Equal(int64(620)))
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})
})

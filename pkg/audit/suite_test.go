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

package audit_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/metrics"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

func TestAudit(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Audit")
}

var eventColumns = []string{
	"id", "occurred_at", "tenant_id", "actor_type", "actor_id", "actor_role",
	"event_type", "outcome", "resource_type", "resource_id", "request_id",
	"ip_address", "user_agent", "metadata", "error_code",
}

var _ = Describe("Redaction", func() {
	It("should redact sensitive keys at every depth", func() {
		out := audit.RedactMetadata(map[string]any{
			"api_key":  "sk-live-123",
			"document": map[string]any{"content": "body text", "size": 42},
			"items":    []any{map[string]any{"token": "abc"}, "plain"},
			"outcome":  "success",
		})
		Expect(out["api_key"]).To(Equal(audit.Redacted))
		Expect(out["document"].(map[string]any)["content"]).To(Equal(audit.Redacted))
		Expect(out["document"].(map[string]any)["size"]).To(Equal(42))
		Expect(out["items"].([]any)[0].(map[string]any)["token"]).To(Equal(audit.Redacted))
		Expect(out["items"].([]any)[1]).To(Equal("plain"))
		Expect(out["outcome"]).To(Equal("success"))
	})

	It("should match key substrings case-insensitively", func() {
		out := audit.RedactMetadata(map[string]any{
			"Authorization": "Bearer x",
			"api_key_id":    "key_1",
			"SECRET_NAME":   "hush",
		})
		for _, key := range []string{"Authorization", "api_key_id", "SECRET_NAME"} {
			Expect(out[key]).To(Equal(audit.Redacted))
		}
	})

	It("should not mutate the input", func() {
		in := map[string]any{"token": "abc"}
		_ = audit.RedactMetadata(in)
		Expect(in["token"]).To(Equal("abc"))
	})

	It("should pass nil through", func() {
		Expect(audit.RedactMetadata(nil)).To(BeNil())
	})
})

var _ = Describe("Writer", func() {
	var (
		mock sqlmock.Sqlmock
		w    *audit.Writer
		ctx  context.Context
		stop func()
	)

	BeforeEach(func() {
		raw, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		mock = m
		store := storage.NewFromDB(raw, zap.NewNop())
		w = audit.NewWriter(store, audit.WriterConfig{
			BufferSize:    16,
			FlushBatch:    2,
			FlushInterval: time.Hour, // flush on batch size or Close only
		}, metrics.NewMetrics(), zap.NewNop())
		ctx, stop = context.WithTimeout(context.Background(), 5*time.Second)
	})
	AfterEach(func() {
		stop()
	})

	It("should batch-insert once the flush batch fills", func() {
		mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(sqlmock.NewResult(0, 2))
		w.Emit(ctx, audit.Event{TenantID: "t_1", EventType: "auth.key.used"})
		w.Emit(ctx, audit.Event{TenantID: "t_1", EventType: "auth.key.used"})
		Eventually(mock.ExpectationsWereMet, "2s", "10ms").Should(Succeed())
		Expect(w.Close(ctx)).To(Succeed())
	})

	It("should flush the remainder on Close", func() {
		mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(sqlmock.NewResult(0, 1))
		w.Emit(ctx, audit.Event{TenantID: "t_1", EventType: "documents.deleted"})
		Expect(w.Close(ctx)).To(Succeed())
		Expect(mock.ExpectationsWereMet()).To(Succeed())
	})

	It("should drop events after Close instead of blocking", func() {
		Expect(w.Close(ctx)).To(Succeed())
		w.Emit(ctx, audit.Event{TenantID: "t_1", EventType: "late.event"})
	})
})

var _ = Describe("Export", func() {
	var (
		mock  sqlmock.Sqlmock
		query *audit.Query
	)
	ctx := context.Background()

	BeforeEach(func() {
		raw, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		mock = m
		query = audit.NewQuery(storage.NewFromDB(raw, zap.NewNop()))
	})

	It("should produce a signed digest over the NDJSON payload", func() {
		occurred := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		mock.ExpectQuery(`SELECT count\(\*\) FROM audit_events`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectQuery(`SELECT \* FROM audit_events`).
			WillReturnRows(sqlmock.NewRows(eventColumns).
				AddRow(int64(1), occurred, "t_1", "api_key", nil, nil,
					"documents.deleted", "success", nil, nil, nil, nil, nil, []byte(`{}`), nil))

		export, err := query.BuildExport(ctx, "t_1", audit.QueryFilter{}, "export-secret")
		Expect(err).ToNot(HaveOccurred())
		Expect(export.Count).To(Equal(1))

		digest := sha256.Sum256(export.NDJSON)
		Expect(export.SHA256).To(Equal(hex.EncodeToString(digest[:])))
		mac := hmac.New(sha256.New, []byte("export-secret"))
		mac.Write(digest[:])
		Expect(export.Signature).To(Equal(hex.EncodeToString(mac.Sum(nil))))
	})

	It("should omit the signature without a secret", func() {
		mock.ExpectQuery(`SELECT count\(\*\) FROM audit_events`).
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectQuery(`SELECT \* FROM audit_events`).
			WillReturnRows(sqlmock.NewRows(eventColumns))

		export, err := query.BuildExport(ctx, "t_1", audit.QueryFilter{}, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(export.Count).To(BeZero())
		Expect(export.Signature).To(BeEmpty())
	})
})

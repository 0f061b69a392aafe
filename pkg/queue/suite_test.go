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

package queue_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/metrics"
	"github.com/nexusrag/nexusrag/pkg/queue"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

func TestQueue(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Queue")
}

var jobColumns = []string{
	"id", "kind", "tenant_id", "document_id", "payload", "status", "priority",
	"attempts", "max_attempts", "worker_id", "error", "run_after",
	"created_at", "started_at", "finished_at",
}

var _ = Describe("Bulkhead", func() {
	ctx := context.Background()

	It("should admit up to capacity and reject the overflow fast", func() {
		bulkhead := queue.NewBulkhead("run", 2, metrics.NewMetrics())

		releaseA, err := bulkhead.Acquire(ctx)
		Expect(err).ToNot(HaveOccurred())
		releaseB, err := bulkhead.Acquire(ctx)
		Expect(err).ToNot(HaveOccurred())

		_, err = bulkhead.Acquire(ctx)
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeServiceBusy))

		releaseA()
		releaseC, err := bulkhead.Acquire(ctx)
		Expect(err).ToNot(HaveOccurred())
		releaseB()
		releaseC()
	})
})

var _ = Describe("Queue", func() {
	var (
		mock sqlmock.Sqlmock
		q    *queue.Queue
	)
	ctx := context.Background()

	BeforeEach(func() {
		raw, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		mock = m
		q = queue.NewQueue(storage.NewFromDB(raw, zap.NewNop()))
	})

	Context("Push", func() {
		It("should insert a queued job with defaults", func() {
			mock.ExpectExec(`INSERT INTO jobs`).WillReturnResult(sqlmock.NewResult(0, 1))

			job, err := q.Push(ctx, queue.Enqueue{
				Kind:       queue.KindIngestDocument,
				TenantID:   "t_1",
				DocumentID: "doc_1",
				Payload:    map[string]string{"chunk_size": "800"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(job.ID).ToNot(BeEmpty())
			Expect(job.Status).To(Equal(queue.StatusQueued))
			Expect(job.MaxAttempts).To(Equal(queue.DefaultMaxAttempts))
			Expect(*job.TenantID).To(Equal("t_1"))
			Expect(*job.DocumentID).To(Equal("doc_1"))
		})

		It("should default a nil payload to an empty object", func() {
			mock.ExpectExec(`INSERT INTO jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
			job, err := q.Push(ctx, queue.Enqueue{Kind: queue.KindRetentionRun, TenantID: "t_1"})
			Expect(err).ToNot(HaveOccurred())
			Expect(string(job.Payload)).To(Equal(`{}`))
			Expect(job.DocumentID).To(BeNil())
		})

		It("should report a busy document on the unique-active-job constraint", func() {
			mock.ExpectExec(`INSERT INTO jobs`).
				WillReturnError(&pgconn.PgError{Code: "23505"})
			_, err := q.Push(ctx, queue.Enqueue{Kind: queue.KindIngestDocument, DocumentID: "doc_1"})
			Expect(errors.Is(err, queue.ErrDocumentBusy)).To(BeTrue())
			Expect(apierrors.IsConflict(err)).To(BeTrue())
		})
	})

	Context("Claim", func() {
		It("should take the next runnable job inside a transaction", func() {
			now := time.Now()
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT \* FROM jobs`).
				WillReturnRows(sqlmock.NewRows(jobColumns).
					AddRow("job_1", queue.KindIngestDocument, "t_1", "doc_1", []byte(`{}`),
						queue.StatusQueued, 0, 0, 3, nil, nil, now, now, nil, nil))
			mock.ExpectExec(`UPDATE jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
			mock.ExpectCommit()

			job, err := q.Claim(ctx, "worker-1", []string{queue.KindIngestDocument})
			Expect(err).ToNot(HaveOccurred())
			Expect(job.ID).To(Equal("job_1"))
			Expect(job.Status).To(Equal(queue.StatusProcessing))
			Expect(job.Attempts).To(Equal(1))
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("should return nil on an empty queue", func() {
			mock.ExpectBegin()
			mock.ExpectQuery(`SELECT \* FROM jobs`).
				WillReturnRows(sqlmock.NewRows(jobColumns))
			mock.ExpectRollback()

			job, err := q.Claim(ctx, "worker-1", []string{queue.KindIngestDocument})
			Expect(err).ToNot(HaveOccurred())
			Expect(job).To(BeNil())
		})
	})

	Context("Fail", func() {
		It("should requeue with backoff while attempts remain", func() {
			mock.ExpectExec(`UPDATE jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
			job := &queue.Job{ID: "job_1", Attempts: 1, MaxAttempts: 3}
			Expect(q.Fail(ctx, job, errors.New("embedding timeout"))).To(Succeed())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})

		It("should move the job to dead once attempts are exhausted", func() {
			mock.ExpectExec(`UPDATE jobs`).WillReturnResult(sqlmock.NewResult(0, 1))
			job := &queue.Job{ID: "job_1", Attempts: 3, MaxAttempts: 3}
			Expect(q.Fail(ctx, job, errors.New("embedding timeout"))).To(Succeed())
			Expect(mock.ExpectationsWereMet()).To(Succeed())
		})
	})
})

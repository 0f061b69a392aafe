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

// Package ingest owns the document lifecycle: submission, chunking,
// embedding, and status transitions. Submissions enqueue durable jobs; the
// worker runs the pipeline and writes chunks and the final status in one
// transaction.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/embedding"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/logging"
	"github.com/nexusrag/nexusrag/pkg/metrics"
	"github.com/nexusrag/nexusrag/pkg/queue"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

const (
	SourceUpload = "upload"
	SourceText   = "text"

	MaxContentBytes = 10 << 20
)

// Submission is the accepted-for-processing response body.
type Submission struct {
	DocumentID string `json:"document_id"`
	Status     string `json:"status"`
	JobID      string `json:"job_id"`
	StatusURL  string `json:"status_url"`
}

type jobPayload struct {
	ChunkSize    int  `json:"chunk_size,omitempty"`
	ChunkOverlap int  `json:"chunk_overlap,omitempty"`
	Reindex      bool `json:"reindex,omitempty"`
}

// Config carries the chunking defaults stamped into every queued job.
// Zero values fall back to the package defaults at processing time.
type Config struct {
	ChunkSize    int
	ChunkOverlap int
}

type Service struct {
	store     *storage.Store
	documents *storage.DocumentRepository
	corpora   *storage.CorpusRepository
	chunks    *storage.ChunkRepository
	queue     *queue.Queue
	embedder  embedding.Embedder
	auditor   audit.Emitter
	config    Config
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

func NewService(store *storage.Store, documents *storage.DocumentRepository,
	corpora *storage.CorpusRepository, chunks *storage.ChunkRepository, q *queue.Queue,
	embedder embedding.Embedder, auditor audit.Emitter, config Config, m *metrics.Metrics, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		documents: documents,
		corpora:   corpora,
		chunks:    chunks,
		queue:     q,
		embedder:  embedder,
		auditor:   auditor,
		config:    config,
		metrics:   m,
		logger:    logger,
	}
}

func submission(documentID, jobID string) *Submission {
	return &Submission{
		DocumentID: documentID,
		Status:     storage.DocumentStatusQueued,
		JobID:      jobID,
		StatusURL:  fmt.Sprintf("/v1/documents/%s", documentID),
	}
}

// SubmitUpload accepts a file body, sniffs its content type, and queues
// ingestion. The document row and job commit atomically.
func (s *Service) SubmitUpload(ctx context.Context, tenantID, corpusID, filename, declaredType string,
	content []byte, metadata json.RawMessage) (*Submission, error) {
	if len(content) == 0 {
		return nil, apierrors.Newf(apierrors.CodeValidationFailed, "document body must not be empty")
	}
	if len(content) > MaxContentBytes {
		return nil, apierrors.Newf(apierrors.CodeValidationFailed, "document exceeds %d bytes", MaxContentBytes)
	}
	contentType, err := SniffContentType(declaredType, content)
	if err != nil {
		return nil, err
	}
	if _, err := s.corpora.Get(ctx, tenantID, corpusID); err != nil {
		return nil, err
	}

	documentID := uuid.NewString()
	text := string(content)
	now := time.Now().UTC()
	var jobID string
	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		job, err := s.queue.PushTx(ctx, tx, queue.Enqueue{
			Kind:       queue.KindIngestDocument,
			TenantID:   tenantID,
			DocumentID: documentID,
			Payload:    jobPayload{ChunkSize: s.config.ChunkSize, ChunkOverlap: s.config.ChunkOverlap},
		})
		if err != nil {
			return err
		}
		jobID = job.ID
		return s.documents.CreateTx(ctx, tx, storage.Document{
			ID:           documentID,
			TenantID:     tenantID,
			CorpusID:     corpusID,
			Filename:     nilIfEmpty(filename),
			ContentType:  contentType,
			Status:       storage.DocumentStatusQueued,
			IngestSource: SourceUpload,
			Metadata:     orEmptyJSON(metadata),
			Content:      &text,
			QueuedAt:     &now,
			LastJobID:    &jobID,
		})
	})
	if err != nil {
		return nil, err
	}
	s.auditDocumentQueued(ctx, tenantID, documentID, jobID)
	return submission(documentID, jobID), nil
}

// SubmitText ingests raw text under a caller-chosen document id. Resubmitting
// the same id is idempotent: an in-flight or succeeded document returns its
// current state, and overwrite requeues a terminal one.
func (s *Service) SubmitText(ctx context.Context, tenantID, corpusID, documentID, text string,
	overwrite bool, metadata json.RawMessage) (*Submission, error) {
	if text == "" {
		return nil, apierrors.Newf(apierrors.CodeValidationFailed, "text must not be empty")
	}
	if len(text) > MaxContentBytes {
		return nil, apierrors.Newf(apierrors.CodeValidationFailed, "text exceeds %d bytes", MaxContentBytes)
	}
	if _, err := s.corpora.Get(ctx, tenantID, corpusID); err != nil {
		return nil, err
	}
	if documentID == "" {
		documentID = uuid.NewString()
	}

	existing, err := s.documents.Get(ctx, tenantID, documentID)
	if err != nil && !apierrors.IsCode(err, apierrors.CodeNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.InFlight() {
			out := submission(documentID, deref(existing.LastJobID))
			out.Status = existing.Status
			return out, nil
		}
		if !overwrite {
			out := submission(documentID, deref(existing.LastJobID))
			out.Status = existing.Status
			return out, nil
		}
		var jobID string
		err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
			job, err := s.queue.PushTx(ctx, tx, queue.Enqueue{
				Kind:       queue.KindIngestDocument,
				TenantID:   tenantID,
				DocumentID: documentID,
				Payload:    jobPayload{ChunkSize: s.config.ChunkSize, ChunkOverlap: s.config.ChunkOverlap},
			})
			if err != nil {
				return err
			}
			jobID = job.ID
			return s.documents.RequeueTx(ctx, tx, tenantID, documentID, jobID, &text)
		})
		if err != nil {
			return nil, err
		}
		s.auditDocumentQueued(ctx, tenantID, documentID, jobID)
		return submission(documentID, jobID), nil
	}

	now := time.Now().UTC()
	var jobID string
	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		job, err := s.queue.PushTx(ctx, tx, queue.Enqueue{
			Kind:       queue.KindIngestDocument,
			TenantID:   tenantID,
			DocumentID: documentID,
			Payload:    jobPayload{ChunkSize: s.config.ChunkSize, ChunkOverlap: s.config.ChunkOverlap},
		})
		if err != nil {
			return err
		}
		jobID = job.ID
		return s.documents.CreateTx(ctx, tx, storage.Document{
			ID:           documentID,
			TenantID:     tenantID,
			CorpusID:     corpusID,
			ContentType:  ContentTypePlain,
			Status:       storage.DocumentStatusQueued,
			IngestSource: SourceText,
			Metadata:     orEmptyJSON(metadata),
			Content:      &text,
			QueuedAt:     &now,
			LastJobID:    &jobID,
		})
	})
	if err != nil {
		return nil, err
	}
	s.auditDocumentQueued(ctx, tenantID, documentID, jobID)
	return submission(documentID, jobID), nil
}

// Reindex requeues a terminal document to rebuild its chunks from stored
// content.
func (s *Service) Reindex(ctx context.Context, tenantID, documentID string) (*Submission, error) {
	doc, err := s.documents.Get(ctx, tenantID, documentID)
	if err != nil {
		return nil, err
	}
	if doc.InFlight() {
		return nil, apierrors.Newf(apierrors.CodeConflict, "document %s has an active ingestion job", documentID)
	}
	if doc.Content == nil {
		return nil, apierrors.Newf(apierrors.CodeConflict, "document %s has no stored content to reindex", documentID)
	}
	var jobID string
	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		job, err := s.queue.PushTx(ctx, tx, queue.Enqueue{
			Kind:       queue.KindReindexDocument,
			TenantID:   tenantID,
			DocumentID: documentID,
			Payload:    jobPayload{ChunkSize: s.config.ChunkSize, ChunkOverlap: s.config.ChunkOverlap, Reindex: true},
		})
		if err != nil {
			return err
		}
		jobID = job.ID
		return s.documents.RequeueTx(ctx, tx, tenantID, documentID, jobID, nil)
	})
	if err != nil {
		return nil, err
	}
	s.auditDocumentQueued(ctx, tenantID, documentID, jobID)
	return submission(documentID, jobID), nil
}

// Delete removes a terminal document and its chunks. In-flight documents
// refuse with 409.
func (s *Service) Delete(ctx context.Context, tenantID, documentID string) error {
	if err := s.documents.Delete(ctx, tenantID, documentID); err != nil {
		return err
	}
	s.auditor.Emit(ctx, audit.Event{
		TenantID:     tenantID,
		EventType:    audit.EventDocumentDeleted,
		ResourceType: "document",
		ResourceID:   documentID,
	})
	return nil
}

// Process is the worker handler for ingest_document and reindex_document.
func (s *Service) Process(ctx context.Context, job *queue.Job) error {
	logger := logging.FromContext(ctx)
	if job.TenantID == nil || job.DocumentID == nil {
		return fmt.Errorf("job %s is missing tenant or document binding", job.ID)
	}
	tenantID, documentID := *job.TenantID, *job.DocumentID

	var payload jobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("decoding job payload, %w", err)
	}

	if err := s.documents.MarkProcessing(ctx, documentID); err != nil {
		return err
	}
	doc, err := s.documents.Get(ctx, tenantID, documentID)
	if err != nil {
		return err
	}
	if doc.Content == nil {
		return s.fail(ctx, job, fmt.Errorf("document has no content"))
	}

	normalized := Normalize(doc.ContentType, []byte(*doc.Content))
	pieces := Chunk(normalized, payload.ChunkSize, payload.ChunkOverlap)
	if len(pieces) == 0 {
		return s.fail(ctx, job, fmt.Errorf("document produced no chunks"))
	}

	chunks := make([]storage.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		vector, err := s.embedder.Embed(ctx, piece)
		if err != nil {
			return s.fail(ctx, job, fmt.Errorf("embedding chunk %d, %w", i, err))
		}
		chunks = append(chunks, storage.Chunk{
			ID:          uuid.NewString(),
			CorpusID:    doc.CorpusID,
			DocumentID:  documentID,
			DocumentURI: documentURI(doc),
			ChunkIndex:  i,
			Text:        piece,
			Embedding:   vector,
			Metadata:    json.RawMessage(`{}`),
		})
	}

	err = s.store.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.chunks.ReplaceForDocumentTx(ctx, tx, documentID, chunks); err != nil {
			return err
		}
		return s.documents.MarkSucceededTx(ctx, tx, documentID, payload.Reindex)
	})
	if err != nil {
		return s.fail(ctx, job, err)
	}

	s.metrics.ChunksTotal.Add(float64(len(chunks)))
	s.auditor.Emit(ctx, audit.Event{
		TenantID:     tenantID,
		EventType:    audit.EventDocumentIngested,
		ResourceType: "document",
		ResourceID:   documentID,
		Metadata:     map[string]any{"chunks": len(chunks), "reindex": payload.Reindex},
	})
	logger.Info("document ingested",
		zap.String("document-id", documentID), zap.Int("chunks", len(chunks)))
	return nil
}

// fail records the failure on the document and returns the cause so the
// queue applies its retry budget. While retries remain the document goes
// back to queued; the last attempt marks it failed for good.
func (s *Service) fail(ctx context.Context, job *queue.Job, cause error) error {
	tenantID, documentID := *job.TenantID, *job.DocumentID
	var err error
	if job.Attempts < job.MaxAttempts {
		err = s.documents.ResetToQueued(ctx, documentID, cause.Error())
	} else {
		err = s.documents.MarkFailed(ctx, documentID, cause.Error())
	}
	if err != nil {
		logging.FromContext(ctx).Error("recording document failure", zap.Error(err))
	}
	s.auditor.Emit(ctx, audit.Event{
		TenantID:     tenantID,
		EventType:    audit.EventDocumentFailed,
		Outcome:      audit.OutcomeFailure,
		ResourceType: "document",
		ResourceID:   documentID,
		Metadata:     map[string]any{"reason": cause.Error(), "attempt": job.Attempts},
	})
	return cause
}

func (s *Service) auditDocumentQueued(ctx context.Context, tenantID, documentID, jobID string) {
	s.auditor.Emit(ctx, audit.Event{
		TenantID:     tenantID,
		EventType:    audit.EventDocumentQueued,
		ResourceType: "document",
		ResourceID:   documentID,
		Metadata:     map[string]any{"job_id": jobID},
	})
}

func documentURI(doc *storage.Document) string {
	if doc.Filename != nil && *doc.Filename != "" {
		return *doc.Filename
	}
	return "doc://" + doc.ID
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func orEmptyJSON(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	return raw
}

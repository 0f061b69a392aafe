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

package audit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/metrics"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

// Emitter is the write side every component sees. Emit never blocks the
// request path.
type Emitter interface {
	Emit(ctx context.Context, event Event)
}

type WriterConfig struct {
	BufferSize    int
	FlushBatch    int
	FlushInterval time.Duration
}

// Writer is the central audit pipeline: redact, buffer, batch-insert. When
// the buffer is full the newest event is dropped and counted; audit loss is
// visible in metrics but never stalls serving.
type Writer struct {
	db      *sqlx.DB
	config  WriterConfig
	events  chan Event
	metrics *metrics.Metrics
	logger  *zap.Logger

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

func NewWriter(store *storage.Store, config WriterConfig, m *metrics.Metrics, logger *zap.Logger) *Writer {
	w := &Writer{
		db:      store.DB(),
		config:  config,
		events:  make(chan Event, config.BufferSize),
		metrics: m,
		logger:  logger,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Emit redacts and enqueues the event. Drops when the buffer is full.
func (w *Writer) Emit(_ context.Context, event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	event.Metadata = RedactMetadata(event.Metadata)
	select {
	case <-w.stopped:
		w.metrics.AuditEventsDropped.Inc()
	case w.events <- event:
	default:
		w.metrics.AuditEventsDropped.Inc()
	}
}

// Close flushes remaining events and stops the flusher.
func (w *Writer) Close(ctx context.Context) error {
	w.stopOnce.Do(func() {
		close(w.stopped)
		close(w.events)
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()
	batch := make([]Event, 0, w.config.FlushBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.insert(batch)
		batch = batch[:0]
	}
	for {
		select {
		case event, ok := <-w.events:
			if !ok {
				flush()
				return
			}
			batch = append(batch, event)
			if len(batch) >= w.config.FlushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

type eventRow struct {
	OccurredAt   time.Time       `db:"occurred_at"`
	TenantID     string          `db:"tenant_id"`
	ActorType    string          `db:"actor_type"`
	ActorID      *string         `db:"actor_id"`
	ActorRole    *string         `db:"actor_role"`
	EventType    string          `db:"event_type"`
	Outcome      string          `db:"outcome"`
	ResourceType *string         `db:"resource_type"`
	ResourceID   *string         `db:"resource_id"`
	RequestID    *string         `db:"request_id"`
	IPAddress    *string         `db:"ip_address"`
	UserAgent    *string         `db:"user_agent"`
	Metadata     json.RawMessage `db:"metadata"`
	ErrorCode    *string         `db:"error_code"`
}

func (w *Writer) insert(batch []Event) {
	rows := make([]eventRow, 0, len(batch))
	for _, event := range batch {
		metadata, err := json.Marshal(event.Metadata)
		if err != nil || event.Metadata == nil {
			metadata = json.RawMessage(`{}`)
		}
		rows = append(rows, eventRow{
			OccurredAt:   event.OccurredAt,
			TenantID:     event.TenantID,
			ActorType:    orDefault(event.ActorType, "system"),
			ActorID:      nilIfEmpty(event.ActorID),
			ActorRole:    nilIfEmpty(event.ActorRole),
			EventType:    event.EventType,
			Outcome:      orDefault(event.Outcome, OutcomeSuccess),
			ResourceType: nilIfEmpty(event.ResourceType),
			ResourceID:   nilIfEmpty(event.ResourceID),
			RequestID:    nilIfEmpty(event.RequestID),
			IPAddress:    nilIfEmpty(event.IPAddress),
			UserAgent:    nilIfEmpty(event.UserAgent),
			Metadata:     metadata,
			ErrorCode:    nilIfEmpty(event.ErrorCode),
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_, err := w.db.NamedExecContext(ctx, `
		INSERT INTO audit_events (occurred_at, tenant_id, actor_type, actor_id, actor_role, event_type,
		                          outcome, resource_type, resource_id, request_id, ip_address, user_agent,
		                          metadata, error_code)
		VALUES (:occurred_at, :tenant_id, :actor_type, :actor_id, :actor_role, :event_type,
		        :outcome, :resource_type, :resource_id, :request_id, :ip_address, :user_agent,
		        :metadata, :error_code)`, rows)
	if err != nil {
		w.logger.Error("audit batch insert failed", zap.Int("events", len(rows)), zap.Error(err))
		w.metrics.AuditEventsDropped.Add(float64(len(rows)))
		return
	}
	w.metrics.AuditEventsWritten.Add(float64(len(rows)))
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// NopEmitter discards events. Used by tests that do not assert on audit.
type NopEmitter struct{}

func (NopEmitter) Emit(context.Context, Event) {}

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

package run

import (
	"context"
	"errors"
	"sync"
	"time"

	v1 "github.com/nexusrag/nexusrag/pkg/apis/v1"
	"github.com/nexusrag/nexusrag/pkg/metrics"
)

// ErrClientGone reports that the SSE sink failed, usually because the
// client disconnected.
var ErrClientGone = errors.New("client disconnected")

// Sink delivers one framed SSE event to the client. Implementations flush
// after every call; Send errors mean the connection is unusable.
type Sink interface {
	Send(event v1.StreamEvent) error
}

// stream serializes event delivery through a single writer goroutine that
// also owns heartbeats. The writer assigns seq, so the sequence is monotonic
// and gap-free regardless of which stage produced the event.
type stream struct {
	sink      Sink
	requestID string
	events    chan v1.StreamEvent
	closed    chan struct{}
	metrics   *metrics.Metrics

	mu      sync.Mutex
	sendErr error
	done    bool
}

func newStream(ctx context.Context, sink Sink, requestID string, heartbeatEvery time.Duration, m *metrics.Metrics) *stream {
	s := &stream{
		sink:      sink,
		requestID: requestID,
		events:    make(chan v1.StreamEvent, 16),
		closed:    make(chan struct{}),
		metrics:   m,
	}
	go s.writerLoop(ctx, heartbeatEvery)
	return s
}

func (s *stream) writerLoop(ctx context.Context, heartbeatEvery time.Duration) {
	defer close(s.closed)
	ticker := time.NewTicker(heartbeatEvery)
	defer ticker.Stop()
	var seq int64
	write := func(event v1.StreamEvent) bool {
		seq++
		meta := event.Meta()
		meta.Seq = seq
		meta.RequestID = s.requestID
		if err := s.sink.Send(event); err != nil {
			s.fail(ErrClientGone)
			return false
		}
		s.metrics.RunEventsTotal.WithLabelValues(event.EventName()).Inc()
		return true
	}
	for {
		select {
		case event, ok := <-s.events:
			if !ok {
				return
			}
			if !write(event) {
				return
			}
		case <-ticker.C:
			if !write(&v1.Heartbeat{TS: time.Now().UTC().Format(time.RFC3339)}) {
				return
			}
		case <-ctx.Done():
			s.fail(ctx.Err())
			return
		}
	}
}

func (s *stream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr == nil {
		s.sendErr = err
	}
}

func (s *stream) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendErr
}

// push queues one event for the writer. It returns ErrClientGone (or the
// context error) once the writer has stopped.
func (s *stream) push(event v1.StreamEvent) error {
	select {
	case <-s.closed:
		if err := s.failure(); err != nil {
			return err
		}
		return ErrClientGone
	case s.events <- event:
		return nil
	}
}

// finish stops the writer after draining queued events. Safe to call once.
func (s *stream) finish() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()
	close(s.events)
	<-s.closed
}

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
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	v1 "github.com/nexusrag/nexusrag/pkg/apis/v1"
	"github.com/nexusrag/nexusrag/pkg/metrics"
)

func TestRun(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Run")
}

// captureSink records framed events in delivery order.
type captureSink struct {
	mu      sync.Mutex
	events  []v1.StreamEvent
	sendErr error
}

func (s *captureSink) Send(event v1.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) all() []v1.StreamEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]v1.StreamEvent(nil), s.events...)
}

var _ = Describe("Stream", func() {
	ctx := context.Background()

	It("should assign seq starting at 1 with no gaps and stamp the request id", func() {
		sink := &captureSink{}
		s := newStream(ctx, sink, "req_1", time.Hour, metrics.NewMetrics())
		Expect(s.push(&v1.RequestAccepted{SessionID: "ses_1", Provider: "local_pgvector"})).To(Succeed())
		for i := 0; i < 5; i++ {
			Expect(s.push(&v1.TokenDelta{Text: "word "})).To(Succeed())
		}
		Expect(s.push(&v1.MessageFinal{MessageID: "msg_1", Text: "answer", FinishReason: "stop"})).To(Succeed())
		Expect(s.push(&v1.Done{Status: "completed"})).To(Succeed())
		s.finish()

		events := sink.all()
		Expect(events).To(HaveLen(8))
		for i, event := range events {
			Expect(event.Meta().Seq).To(Equal(int64(i+1)), event.EventName())
			Expect(event.Meta().RequestID).To(Equal("req_1"))
		}
		Expect(events[0].EventName()).To(Equal(v1.EventRequestAccepted))
		Expect(events[len(events)-1].EventName()).To(Equal(v1.EventDone))
	})

	It("should keep the sequence gap-free while heartbeats interleave", func() {
		sink := &captureSink{}
		s := newStream(ctx, sink, "req_2", 5*time.Millisecond, metrics.NewMetrics())
		Eventually(func() int { return len(sink.all()) }).Should(BeNumerically(">=", 2))
		Expect(s.push(&v1.Done{Status: "completed"})).To(Succeed())
		s.finish()

		events := sink.all()
		heartbeats := 0
		for i, event := range events {
			Expect(event.Meta().Seq).To(Equal(int64(i + 1)))
			if event.EventName() == v1.EventHeartbeat {
				heartbeats++
			}
		}
		Expect(heartbeats).To(BeNumerically(">=", 2))
	})

	It("should surface the client disconnect to producers", func() {
		sink := &captureSink{sendErr: errors.New("broken pipe")}
		s := newStream(ctx, sink, "req_3", time.Hour, metrics.NewMetrics())
		// The first push reaches the failing sink; later pushes observe the
		// stopped writer.
		Eventually(func() error {
			return s.push(&v1.TokenDelta{Text: "x"})
		}).Should(MatchError(ErrClientGone))
		s.finish()
	})
})

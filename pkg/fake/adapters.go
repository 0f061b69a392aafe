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

package fake

import (
	"context"
	"strings"

	"github.com/nexusrag/nexusrag/pkg/audit"
	"github.com/nexusrag/nexusrag/pkg/llm"
	"github.com/nexusrag/nexusrag/pkg/retrieval"
)

// LLM streams scripted deltas. With no script it echoes the last user
// message one word at a time.
type LLM struct {
	Deltas    []string
	NextError AtomicError
	Requests  calls[llm.Request]
}

func NewLLM() *LLM { return &LLM{} }

func (l *LLM) Name() string { return "fake" }

func (l *LLM) Stream(ctx context.Context, request llm.Request, emit func(delta string) error) (*llm.Completion, error) {
	l.Requests.add(request)
	if err := l.NextError.Get(); err != nil {
		return nil, err
	}
	deltas := l.Deltas
	if len(deltas) == 0 && len(request.Messages) > 0 {
		for _, word := range strings.Fields(request.Messages[len(request.Messages)-1].Text) {
			deltas = append(deltas, word+" ")
		}
	}
	var text strings.Builder
	for _, delta := range deltas {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := emit(delta); err != nil {
			return nil, err
		}
		text.WriteString(delta)
	}
	return &llm.Completion{
		Text:         text.String(),
		FinishReason: "stop",
		Usage:        llm.Usage{InputTokens: 1, OutputTokens: int64(len(deltas))},
	}, nil
}

// Retriever returns scripted hits for any query.
type Retriever struct {
	ProviderName string
	Hits         []retrieval.Hit
	NextError    AtomicError
	Queries      calls[string]
}

func NewRetriever(name string, hits ...retrieval.Hit) *Retriever {
	return &Retriever{ProviderName: name, Hits: hits}
}

func (r *Retriever) Name() string { return r.ProviderName }

func (r *Retriever) Retrieve(_ context.Context, _ string, _ *retrieval.Config, query string) ([]retrieval.Hit, error) {
	r.Queries.add(query)
	if err := r.NextError.Get(); err != nil {
		return nil, err
	}
	return r.Hits, nil
}

// KMS wraps keys by reversing the bytes. Unwrap of a tampered blob still
// succeeds, so tests asserting decrypt failures inject NextError instead.
type KMS struct {
	NextError AtomicError
	Wraps     calls[int]
}

func NewKMS() *KMS { return &KMS{} }

func (k *KMS) Name() string { return "fake" }

func (k *KMS) Wrap(_ context.Context, plaintext []byte) ([]byte, error) {
	k.Wraps.add(len(plaintext))
	if err := k.NextError.Get(); err != nil {
		return nil, err
	}
	return reverse(plaintext), nil
}

func (k *KMS) Unwrap(_ context.Context, wrapped []byte) ([]byte, error) {
	if err := k.NextError.Get(); err != nil {
		return nil, err
	}
	return reverse(wrapped), nil
}

func reverse(in []byte) []byte {
	out := make([]byte, len(in))
	for i, b := range in {
		out[len(in)-1-i] = b
	}
	return out
}

// Emitter records audit events synchronously.
type Emitter struct {
	Events calls[audit.Event]
}

func NewEmitter() *Emitter { return &Emitter{} }

func (e *Emitter) Emit(_ context.Context, event audit.Event) {
	e.Events.add(event)
}

// EventsOfType filters the recorded events.
func (e *Emitter) EventsOfType(eventType string) []audit.Event {
	var out []audit.Event
	for _, event := range e.Events.All() {
		if event.EventType == eventType {
			out = append(out, event)
		}
	}
	return out
}

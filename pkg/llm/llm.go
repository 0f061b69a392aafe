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

// Package llm defines the streaming model adapter contract and its
// implementations. Adapters push token deltas through a callback as they
// arrive; the run engine owns sequencing and framing.
package llm

import (
	"context"
)

const (
	AdapterLocal     = "local"
	AdapterAnthropic = "anthropic"
	AdapterBedrock   = "bedrock"

	FinishStop      = "stop"
	FinishMaxTokens = "max_tokens"
	FinishCancelled = "cancelled"
)

type Message struct {
	Role string
	Text string
}

// Request is one generation call. ContextPassages are the retrieval hits
// already ordered by relevance; adapters fold them into the system prompt.
type Request struct {
	System          string
	ContextPassages []string
	Messages        []Message
	MaxTokens       int
}

type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Completion is the final assembled answer. Text equals the concatenation
// of every delta passed to emit.
type Completion struct {
	Text         string
	FinishReason string
	Usage        Usage
}

// Adapter streams a completion. emit is called from the adapter's goroutine
// in delta order; an emit error (client gone) must abort the stream and
// surface as a cancelled completion or error.
type Adapter interface {
	Name() string
	Stream(ctx context.Context, request Request, emit func(delta string) error) (*Completion, error)
}

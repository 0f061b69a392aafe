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

package llm

import (
	"context"
	"fmt"
	"strings"
)

// Local is a deterministic adapter with no external dependency: it answers
// from the retrieved passages alone. The same request always produces the
// same token stream, which the run-engine tests rely on.
type Local struct{}

func NewLocal() *Local { return &Local{} }

func (l *Local) Name() string { return AdapterLocal }

func (l *Local) Stream(ctx context.Context, request Request, emit func(delta string) error) (*Completion, error) {
	question := ""
	for i := len(request.Messages) - 1; i >= 0; i-- {
		if request.Messages[i].Role == "user" {
			question = request.Messages[i].Text
			break
		}
	}

	var answer strings.Builder
	if len(request.ContextPassages) == 0 {
		answer.WriteString(fmt.Sprintf("No indexed context matched %q.", question))
	} else {
		answer.WriteString(fmt.Sprintf("Based on %d retrieved passages: ", len(request.ContextPassages)))
		for i, passage := range request.ContextPassages {
			if i > 0 {
				answer.WriteString(" ")
			}
			answer.WriteString(fmt.Sprintf("[%d] %s", i+1, firstSentence(passage)))
		}
	}

	words := strings.Fields(answer.String())
	finish := FinishStop
	if request.MaxTokens > 0 && len(words) > request.MaxTokens {
		words = words[:request.MaxTokens]
		finish = FinishMaxTokens
	}

	var streamed strings.Builder
	for i, word := range words {
		if err := ctx.Err(); err != nil {
			return &Completion{Text: streamed.String(), FinishReason: FinishCancelled}, err
		}
		delta := word
		if i < len(words)-1 {
			delta += " "
		}
		if err := emit(delta); err != nil {
			return &Completion{Text: streamed.String(), FinishReason: FinishCancelled}, err
		}
		streamed.WriteString(delta)
	}

	text := streamed.String()
	return &Completion{
		Text:         text,
		FinishReason: finish,
		Usage: Usage{
			InputTokens:  int64(len(strings.Fields(question)) + len(request.ContextPassages)),
			OutputTokens: int64(len(words)),
		},
	}, nil
}

func firstSentence(passage string) string {
	passage = strings.TrimSpace(passage)
	if idx := strings.IndexAny(passage, ".!?"); idx >= 0 {
		return passage[:idx+1]
	}
	if len(passage) > 160 {
		return passage[:160]
	}
	return passage
}

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

	"github.com/anthropics/anthropic-sdk-go"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
)

// Anthropic streams completions from the Anthropic Messages API.
type Anthropic struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
}

func NewAnthropic(client anthropic.Client, model string, maxTokens int64) *Anthropic {
	return &Anthropic{client: client, model: anthropic.Model(model), maxTokens: maxTokens}
}

func (a *Anthropic) Name() string { return AdapterAnthropic }

func (a *Anthropic) Stream(ctx context.Context, request Request, emit func(delta string) error) (*Completion, error) {
	maxTokens := a.maxTokens
	if request.MaxTokens > 0 {
		maxTokens = int64(request.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: maxTokens,
		Messages:  buildMessages(request.Messages),
	}
	if system := buildSystem(request); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	accumulated := anthropic.Message{}
	var text strings.Builder
	for stream.Next() {
		event := stream.Current()
		if err := accumulated.Accumulate(event); err != nil {
			return nil, fmt.Errorf("accumulating stream event, %w", err)
		}
		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch deltaVariant := eventVariant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if deltaVariant.Text == "" {
					continue
				}
				if err := emit(deltaVariant.Text); err != nil {
					return &Completion{Text: text.String(), FinishReason: FinishCancelled}, err
				}
				text.WriteString(deltaVariant.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return &Completion{Text: text.String(), FinishReason: FinishCancelled}, ctx.Err()
		}
		return nil, apierrors.Wrap(apierrors.CodeIntegrationUnavailable, "anthropic stream failed", err)
	}

	return &Completion{
		Text:         text.String(),
		FinishReason: mapStopReason(string(accumulated.StopReason)),
		Usage: Usage{
			InputTokens:  accumulated.Usage.InputTokens,
			OutputTokens: accumulated.Usage.OutputTokens,
		},
	}, nil
}

func buildMessages(messages []Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropic.NewTextBlock(msg.Text)
		if msg.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

// buildSystem folds the retrieved passages into the system prompt, numbered
// so the model can cite them.
func buildSystem(request Request) string {
	if len(request.ContextPassages) == 0 {
		return request.System
	}
	var sb strings.Builder
	sb.WriteString(request.System)
	sb.WriteString("\n\nRetrieved context:\n")
	for i, passage := range request.ContextPassages {
		sb.WriteString(fmt.Sprintf("[%d] %s\n", i+1, passage))
	}
	return sb.String()
}

func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return FinishMaxTokens
	default:
		return FinishStop
	}
}

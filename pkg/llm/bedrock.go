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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
)

type bedrockAPI interface {
	InvokeModelWithResponseStream(ctx context.Context, params *bedrockruntime.InvokeModelWithResponseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelWithResponseStreamOutput, error)
}

// Bedrock streams Anthropic-format completions through AWS Bedrock.
type Bedrock struct {
	client    bedrockAPI
	modelID   string
	maxTokens int
}

func NewBedrock(client bedrockAPI, modelID string, maxTokens int) *Bedrock {
	return &Bedrock{client: client, modelID: modelID, maxTokens: maxTokens}
}

func (b *Bedrock) Name() string { return AdapterBedrock }

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// bedrockEvent is the union of chunk payloads in the response stream; only
// the fields the adapter consumes are decoded.
type bedrockEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta"`
	Message struct {
		Usage struct {
			InputTokens int64 `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	Usage struct {
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (b *Bedrock) Stream(ctx context.Context, request Request, emit func(delta string) error) (*Completion, error) {
	if b.client == nil {
		return nil, apierrors.Newf(apierrors.CodeAWSConfigMissing, "AWS credentials are not configured")
	}
	maxTokens := b.maxTokens
	if request.MaxTokens > 0 {
		maxTokens = request.MaxTokens
	}
	payload := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		System:           buildSystem(request),
	}
	for _, msg := range request.Messages {
		role := "user"
		if msg.Role == "assistant" {
			role = "assistant"
		}
		payload.Messages = append(payload.Messages, bedrockMessage{Role: role, Content: msg.Text})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding bedrock request, %w", err)
	}

	out, err := b.client.InvokeModelWithResponseStream(ctx, &bedrockruntime.InvokeModelWithResponseStreamInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeIntegrationUnavailable, "invoking bedrock model", err)
	}
	stream := out.GetStream()
	defer stream.Close()

	var text strings.Builder
	completion := &Completion{FinishReason: FinishStop}
	for event := range stream.Events() {
		chunk, ok := event.(*brtypes.ResponseStreamMemberChunk)
		if !ok {
			continue
		}
		var decoded bedrockEvent
		if err := json.Unmarshal(chunk.Value.Bytes, &decoded); err != nil {
			return nil, fmt.Errorf("decoding bedrock chunk, %w", err)
		}
		switch decoded.Type {
		case "message_start":
			completion.Usage.InputTokens = decoded.Message.Usage.InputTokens
		case "content_block_delta":
			if decoded.Delta.Text == "" {
				continue
			}
			if err := emit(decoded.Delta.Text); err != nil {
				completion.Text = text.String()
				completion.FinishReason = FinishCancelled
				return completion, err
			}
			text.WriteString(decoded.Delta.Text)
		case "message_delta":
			completion.FinishReason = mapStopReason(decoded.Delta.StopReason)
			completion.Usage.OutputTokens = decoded.Usage.OutputTokens
		}
	}
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			completion.Text = text.String()
			completion.FinishReason = FinishCancelled
			return completion, ctx.Err()
		}
		return nil, apierrors.Wrap(apierrors.CodeIntegrationUnavailable, "bedrock stream failed", err)
	}
	completion.Text = text.String()
	return completion, nil
}

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

package retrieval

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	agenttypes "github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/utils/extcall"
)

// BedrockAgentAPI is the slice of the bedrockagentruntime client the
// provider calls. Callers without AWS configured pass a nil interface, never
// a typed-nil *bedrockagentruntime.Client.
type BedrockAgentAPI interface {
	Retrieve(ctx context.Context, params *bedrockagentruntime.RetrieveInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.RetrieveOutput, error)
}

// BedrockKB retrieves from an AWS Bedrock knowledge base. A nil client means
// AWS was never configured for this deployment; requests fail fast with
// AWS_CONFIG_MISSING instead of timing out against nothing.
type BedrockKB struct {
	client  BedrockAgentAPI
	breaker *gobreaker.CircuitBreaker
}

func NewBedrockKB(client BedrockAgentAPI) *BedrockKB {
	return &BedrockKB{
		client: client,
		breaker: extcall.NewBreaker("bedrock-kb"),
	}
}

func (b *BedrockKB) Name() string { return ProviderAWSBedrockKB }

func (b *BedrockKB) Retrieve(ctx context.Context, _ string, config *Config, query string) ([]Hit, error) {
	if b.client == nil {
		return nil, apierrors.Newf(apierrors.CodeAWSConfigMissing, "AWS credentials are not configured")
	}
	out, err := b.breaker.Execute(func() (any, error) {
		return b.client.Retrieve(ctx, &bedrockagentruntime.RetrieveInput{
			KnowledgeBaseId: aws.String(config.KnowledgeBaseID),
			RetrievalQuery:  &agenttypes.KnowledgeBaseQuery{Text: aws.String(query)},
			RetrievalConfiguration: &agenttypes.KnowledgeBaseRetrievalConfiguration{
				VectorSearchConfiguration: &agenttypes.KnowledgeBaseVectorSearchConfiguration{
					NumberOfResults: aws.Int32(int32(config.TopK)),
				},
			},
		})
	})
	if err != nil {
		return nil, classifyAWSError(err)
	}

	result := out.(*bedrockagentruntime.RetrieveOutput)
	hits := make([]Hit, 0, len(result.RetrievalResults))
	for i, item := range result.RetrievalResults {
		hit := Hit{ChunkID: fmt.Sprintf("bedrock-%d", i)}
		if item.Content != nil && item.Content.Text != nil {
			hit.Text = *item.Content.Text
		}
		if item.Score != nil {
			hit.Score = *item.Score
		}
		if item.Location != nil && item.Location.S3Location != nil && item.Location.S3Location.Uri != nil {
			hit.DocumentURI = *item.Location.S3Location.Uri
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// classifyAWSError maps SDK failures onto the stable code taxonomy so the
// run stream and API responses stay consistent across SDK upgrades.
func classifyAWSError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apierrors.Wrap(apierrors.CodeIntegrationUnavailable, "bedrock circuit open", err)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDeniedException", "UnrecognizedClientException", "InvalidSignatureException", "ExpiredTokenException":
			return apierrors.Wrap(apierrors.CodeAWSAuthError, "AWS rejected the credentials", err)
		case "ResourceNotFoundException", "ValidationException":
			return apierrors.Wrap(apierrors.CodeAWSConfigMissing, "knowledge base configuration rejected", err)
		}
	}
	return apierrors.Wrap(apierrors.CodeAWSRetrievalError, "bedrock retrieval failed", err)
}

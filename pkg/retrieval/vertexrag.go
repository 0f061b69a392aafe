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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/utils/extcall"
)

// VertexRAG retrieves from a GCP Vertex AI RAG corpus via the
// :retrieveContexts REST endpoint, authenticated with an oauth2 token
// source. A nil token source means GCP is not configured.
type VertexRAG struct {
	httpClient  *http.Client
	tokenSource oauth2.TokenSource
	breaker     *gobreaker.CircuitBreaker
}

func NewVertexRAG(httpClient *http.Client, tokenSource oauth2.TokenSource) *VertexRAG {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &VertexRAG{
		httpClient:  httpClient,
		tokenSource: tokenSource,
		breaker: extcall.NewBreaker("vertex-rag"),
	}
}

func (v *VertexRAG) Name() string { return ProviderGCPVertex }

type vertexQuery struct {
	Text           string `json:"text"`
	SimilarityTopK int    `json:"similarity_top_k"`
}

type vertexRequest struct {
	VertexRagStore struct {
		RagResources []struct {
			RagCorpus string `json:"rag_corpus"`
		} `json:"rag_resources"`
	} `json:"vertex_rag_store"`
	Query vertexQuery `json:"query"`
}

type vertexResponse struct {
	Contexts struct {
		Contexts []struct {
			SourceURI string  `json:"sourceUri"`
			Text      string  `json:"text"`
			Distance  float64 `json:"distance"`
		} `json:"contexts"`
	} `json:"contexts"`
}

func (v *VertexRAG) Retrieve(ctx context.Context, _ string, config *Config, query string) ([]Hit, error) {
	if v.tokenSource == nil {
		return nil, apierrors.Newf(apierrors.CodeVertexConfigMissing, "GCP credentials are not configured")
	}
	token, err := v.tokenSource.Token()
	if err != nil {
		return nil, apierrors.Wrap(apierrors.CodeVertexAuthError, "obtaining GCP access token", err)
	}

	endpoint := fmt.Sprintf(
		"https://%s-aiplatform.googleapis.com/v1/projects/%s/locations/%s:retrieveContexts",
		config.Location, config.ProjectID, config.Location)
	ragCorpus := fmt.Sprintf("projects/%s/locations/%s/ragCorpora/%s",
		config.ProjectID, config.Location, config.RagCorpus)

	var request vertexRequest
	request.VertexRagStore.RagResources = []struct {
		RagCorpus string `json:"rag_corpus"`
	}{{RagCorpus: ragCorpus}}
	request.Query = vertexQuery{Text: query, SimilarityTopK: config.TopK}
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("encoding vertex request, %w", err)
	}

	body, err := v.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("building vertex request, %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		token.SetAuthHeader(req)
		resp, err := v.httpClient.Do(req)
		if err != nil {
			return nil, apierrors.Wrap(apierrors.CodeVertexRetrievalError, "calling vertex retrieveContexts", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if err != nil {
			return nil, apierrors.Wrap(apierrors.CodeVertexRetrievalError, "reading vertex response", err)
		}
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, apierrors.Newf(apierrors.CodeVertexAuthError, "vertex rejected the credentials")
		case resp.StatusCode == http.StatusNotFound:
			return nil, apierrors.Newf(apierrors.CodeVertexConfigMissing, "rag corpus %s not found", config.RagCorpus)
		case resp.StatusCode != http.StatusOK:
			return nil, apierrors.Newf(apierrors.CodeVertexRetrievalError, "vertex returned status %d", resp.StatusCode)
		}
		return data, nil
	})
	if err != nil {
		if apierrors.AsError(err).Code == apierrors.CodeInternal {
			return nil, apierrors.Wrap(apierrors.CodeVertexRetrievalError, "vertex retrieval failed", err)
		}
		return nil, err
	}

	var decoded vertexResponse
	if err := json.Unmarshal(body.([]byte), &decoded); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeVertexRetrievalError, "decoding vertex response", err)
	}
	hits := make([]Hit, 0, len(decoded.Contexts.Contexts))
	for i, item := range decoded.Contexts.Contexts {
		hits = append(hits, Hit{
			ChunkID:     fmt.Sprintf("vertex-%d", i),
			DocumentURI: item.SourceURI,
			Text:        item.Text,
			// Vertex reports distance; flip it so all providers rank on
			// similarity.
			Score: 1 - item.Distance,
		})
	}
	return hits, nil
}

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

	"github.com/samber/lo"

	"github.com/nexusrag/nexusrag/pkg/embedding"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

// LocalVec retrieves from the tenant's own pgvector index. It embeds the
// query with the same deterministic embedder used at ingest, so query and
// chunk vectors live in the same space.
type LocalVec struct {
	chunks   *storage.ChunkRepository
	embedder embedding.Embedder
}

func NewLocalVec(chunks *storage.ChunkRepository, embedder embedding.Embedder) *LocalVec {
	return &LocalVec{chunks: chunks, embedder: embedder}
}

func (l *LocalVec) Name() string { return ProviderLocalPgvector }

func (l *LocalVec) Retrieve(ctx context.Context, tenantID string, config *Config, query string) ([]Hit, error) {
	vector, err := l.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := l.chunks.Search(ctx, tenantID, config.CorpusID, vector, config.TopK)
	if err != nil {
		return nil, err
	}
	return lo.Map(hits, func(hit storage.SearchHit, _ int) Hit {
		return Hit{
			ChunkID:     hit.ChunkID,
			DocumentID:  hit.DocumentID,
			DocumentURI: hit.DocumentURI,
			Text:        hit.Text,
			Score:       hit.Score,
		}
	}), nil
}

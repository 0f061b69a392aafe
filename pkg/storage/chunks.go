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

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

type Chunk struct {
	ID          string          `db:"id"`
	CorpusID    string          `db:"corpus_id"`
	DocumentID  string          `db:"document_id"`
	DocumentURI string          `db:"document_uri"`
	ChunkIndex  int             `db:"chunk_index"`
	Text        string          `db:"text"`
	Embedding   []float32       `db:"-"`
	Metadata    json.RawMessage `db:"metadata"`
	CreatedAt   time.Time       `db:"created_at"`
}

// SearchHit is one vector-search result. Score is cosine similarity in
// [-1, 1]; ordering is score descending with chunk id ascending tie-break.
type SearchHit struct {
	ChunkID     string          `db:"id"`
	DocumentID  string          `db:"document_id"`
	DocumentURI string          `db:"document_uri"`
	ChunkIndex  int             `db:"chunk_index"`
	Text        string          `db:"text"`
	Metadata    json.RawMessage `db:"metadata"`
	Score       float64         `db:"score"`
}

type ChunkRepository struct {
	db *sqlx.DB
}

func NewChunkRepository(store *Store) *ChunkRepository {
	return &ChunkRepository{db: store.db}
}

// VectorLiteral renders an embedding in the pgvector input format.
func VectorLiteral(embedding []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range embedding {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String()
}

// ReplaceForDocumentTx swaps a document's chunks atomically within the
// caller's transaction. Ingestion and reindex both route through here.
func (r *ChunkRepository) ReplaceForDocumentTx(ctx context.Context, tx *sqlx.Tx, documentID string, chunks []Chunk) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("deleting chunks for document %s, %w", documentID, err)
	}
	for _, chunk := range chunks {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (id, corpus_id, document_id, document_uri, chunk_index, text, embedding, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7::vector, $8)`,
			chunk.ID, chunk.CorpusID, chunk.DocumentID, chunk.DocumentURI, chunk.ChunkIndex,
			chunk.Text, VectorLiteral(chunk.Embedding), chunk.Metadata)
		if err != nil {
			return fmt.Errorf("inserting chunk %d for document %s, %w", chunk.ChunkIndex, documentID, err)
		}
	}
	return nil
}

// Search runs cosine similarity over succeeded documents in the corpus.
// Ordering by raw distance ascending is equivalent to score descending and
// keeps the tie-break on chunk id deterministic.
func (r *ChunkRepository) Search(ctx context.Context, tenantID, corpusID string, embedding []float32, topK int) ([]SearchHit, error) {
	var hits []SearchHit
	err := r.db.SelectContext(ctx, &hits, `
		SELECT c.id, c.document_id, c.document_uri, c.chunk_index, c.text, c.metadata,
		       1 - (c.embedding <=> $3::vector) AS score
		FROM chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.tenant_id = $1 AND c.corpus_id = $2 AND d.status = 'succeeded'
		ORDER BY c.embedding <=> $3::vector ASC, c.id ASC
		LIMIT $4`,
		tenantID, corpusID, VectorLiteral(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("searching chunks in corpus %s, %w", corpusID, err)
	}
	return hits, nil
}

func (r *ChunkRepository) DeleteForDocument(ctx context.Context, documentID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return fmt.Errorf("deleting chunks for document %s, %w", documentID, err)
	}
	return nil
}

func (r *ChunkRepository) CountForCorpus(ctx context.Context, corpusID string) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT count(*) FROM chunks WHERE corpus_id = $1`, corpusID); err != nil {
		return 0, fmt.Errorf("counting chunks for corpus %s, %w", corpusID, err)
	}
	return count, nil
}

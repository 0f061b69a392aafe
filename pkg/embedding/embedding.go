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

// Package embedding produces deterministic fixed-dimension embeddings.
// The same text always maps to the same unit vector, which keeps ingestion
// reproducible and lets tests assert on retrieval ordering.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"unicode"
)

const Dimensions = 256

// Embedder converts text to a vector. The local implementation is pure
// computation; the interface keeps room for remote models.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Deterministic hashes each token into buckets of a fixed-width vector and
// L2-normalizes the result. Tokens are lowercased and split on non-letters,
// so formatting noise does not move the vector.
type Deterministic struct{}

func NewDeterministic() *Deterministic { return &Deterministic{} }

func (d *Deterministic) Embed(_ context.Context, text string) ([]float32, error) {
	vector := make([]float32, Dimensions)
	for _, token := range tokenize(text) {
		sum := sha256.Sum256([]byte(token))
		bucket := binary.BigEndian.Uint32(sum[:4]) % Dimensions
		// Second hash word picks the sign so buckets do not only accumulate.
		if binary.BigEndian.Uint32(sum[4:8])%2 == 0 {
			vector[bucket]++
		} else {
			vector[bucket]--
		}
	}
	normalize(vector)
	return vector, nil
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}

func normalize(vector []float32) {
	var sum float64
	for _, v := range vector {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		// Empty input embeds to a fixed basis vector rather than the zero
		// vector, which cosine distance cannot rank.
		vector[0] = 1
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range vector {
		vector[i] /= norm
	}
}

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

package embedding_test

import (
	"context"
	"math"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nexusrag/nexusrag/pkg/embedding"
)

func TestEmbedding(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Embedding")
}

var _ = Describe("Deterministic Embedder", func() {
	var embedder *embedding.Deterministic
	ctx := context.Background()

	BeforeEach(func() {
		embedder = embedding.NewDeterministic()
	})

	norm := func(v []float32) float64 {
		var sum float64
		for _, x := range v {
			sum += float64(x) * float64(x)
		}
		return math.Sqrt(sum)
	}
	dot := func(a, b []float32) float64 {
		var sum float64
		for i := range a {
			sum += float64(a[i]) * float64(b[i])
		}
		return sum
	}

	It("should be stable for identical text", func() {
		first, err := embedder.Embed(ctx, "failover runbook for the primary region")
		Expect(err).ToNot(HaveOccurred())
		second, err := embedder.Embed(ctx, "failover runbook for the primary region")
		Expect(err).ToNot(HaveOccurred())
		Expect(second).To(Equal(first))
	})

	It("should emit unit vectors of the fixed dimension", func() {
		vector, err := embedder.Embed(ctx, "some document text")
		Expect(err).ToNot(HaveOccurred())
		Expect(vector).To(HaveLen(embedding.Dimensions))
		Expect(norm(vector)).To(BeNumerically("~", 1, 1e-5))
	})

	It("should ignore case and punctuation", func() {
		a, _ := embedder.Embed(ctx, "Hello, World!")
		b, _ := embedder.Embed(ctx, "hello world")
		Expect(b).To(Equal(a))
	})

	It("should rank related text above unrelated text", func() {
		query, _ := embedder.Embed(ctx, "database backup retention policy")
		related, _ := embedder.Embed(ctx, "the backup retention policy for the database keeps thirty days")
		unrelated, _ := embedder.Embed(ctx, "grilled cheese sandwich recipe with tomato soup")
		Expect(dot(query, related)).To(BeNumerically(">", dot(query, unrelated)))
	})

	It("should map empty text to a fixed basis vector", func() {
		vector, err := embedder.Embed(ctx, "")
		Expect(err).ToNot(HaveOccurred())
		Expect(vector[0]).To(Equal(float32(1)))
		Expect(norm(vector)).To(BeNumerically("~", 1, 1e-5))
	})
})

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

package retrieval_test

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/entitlement"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/fake"
	"github.com/nexusrag/nexusrag/pkg/metrics"
	"github.com/nexusrag/nexusrag/pkg/retrieval"
	"github.com/nexusrag/nexusrag/pkg/rollout"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

func TestRetrieval(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Retrieval")
}

var _ = Describe("Config", func() {
	It("should default an empty object to local retrieval", func() {
		config, err := retrieval.ParseConfig(nil)
		Expect(err).ToNot(HaveOccurred())
		Expect(config.Provider).To(Equal(retrieval.ProviderLocalPgvector))
		Expect(config.TopK).To(Equal(retrieval.DefaultTopK))
		Expect(config.External()).To(BeFalse())
	})

	It("should require provider-specific fields", func() {
		bedrock := retrieval.Config{Provider: retrieval.ProviderAWSBedrockKB}
		Expect(bedrock.Validate()).To(MatchError(ContainSubstring("knowledge_base_id")))

		vertex := retrieval.Config{Provider: retrieval.ProviderGCPVertex, ProjectID: "p", Location: "us-central1"}
		Expect(vertex.Validate()).To(MatchError(ContainSubstring("rag_corpus")))

		Expect((&retrieval.Config{Provider: "duckdb"}).Validate()).
			To(MatchError(ContainSubstring("unknown provider")))
	})
})

var _ = Describe("BedrockKB", func() {
	It("should fail fast with a config error when AWS is not wired", func() {
		provider := retrieval.NewBedrockKB(nil)
		_, err := provider.Retrieve(context.Background(), "t_1", &retrieval.Config{
			Provider:        retrieval.ProviderAWSBedrockKB,
			TopK:            5,
			KnowledgeBaseID: "KB123",
			Region:          "us-east-1",
		}, "q")
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeAWSConfigMissing))
	})
})

var _ = Describe("Router", func() {
	var (
		mock     sqlmock.Sqlmock
		provider *fake.Retriever
		router   *retrieval.Router
	)
	ctx := context.Background()

	// The database only backs the external gates; local routing never
	// touches it.
	newRouter := func(providers ...retrieval.Provider) {
		raw, m, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
		Expect(err).ToNot(HaveOccurred())
		mock = m
		store := storage.NewFromDB(raw, zap.NewNop())
		router = retrieval.NewRouter(
			entitlement.NewResolver(store, storage.NewTenantRepository(store), time.Minute),
			rollout.NewController(store, nil, zap.NewNop()),
			time.Second, metrics.NewMetrics(), zap.NewNop(), providers...)
	}

	localConfig := &retrieval.Config{Provider: retrieval.ProviderLocalPgvector, TopK: 2}

	BeforeEach(func() {
		provider = fake.NewRetriever(retrieval.ProviderLocalPgvector,
			retrieval.Hit{ChunkID: "chk_b", Score: 0.5},
			retrieval.Hit{ChunkID: "chk_a", Score: 0.9},
			retrieval.Hit{ChunkID: "chk_c", Score: 0.9},
			retrieval.Hit{ChunkID: "chk_d", Score: 0.1},
		)
		newRouter(provider)
	})

	It("should sort by score with chunk id tie-break and truncate to top_k", func() {
		result, err := router.Retrieve(ctx, "t_1", localConfig, "what changed?")
		Expect(err).ToNot(HaveOccurred())
		Expect(result.Provider).To(Equal(retrieval.ProviderLocalPgvector))
		Expect(result.Hits).To(HaveLen(2))
		Expect(result.Hits[0].ChunkID).To(Equal("chk_a"))
		Expect(result.Hits[1].ChunkID).To(Equal("chk_c"))
		Expect(provider.Queries.All()).To(ConsistOf("what changed?"))
	})

	It("should reject a provider nobody registered", func() {
		_, err := router.Retrieve(ctx, "t_1", &retrieval.Config{Provider: "duckdb", TopK: 5}, "q")
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeValidationFailed))
	})

	It("should propagate provider failures", func() {
		provider.NextError.Set(apierrors.New(apierrors.CodeAWSRetrievalError, "kb unreachable"))
		_, err := router.Retrieve(ctx, "t_1", localConfig, "q")
		Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeAWSRetrievalError))
	})

	Context("external gates", func() {
		bedrockConfig := &retrieval.Config{
			Provider:        retrieval.ProviderAWSBedrockKB,
			TopK:            5,
			KnowledgeBaseID: "KB123",
			Region:          "us-east-1",
		}

		expectTenant := func() {
			now := time.Now()
			mock.ExpectQuery(`SELECT \* FROM tenants`).
				WillReturnRows(sqlmock.NewRows([]string{
					"id", "name", "plan_id", "day_limit", "month_limit",
					"crypto_enabled", "created_at", "updated_at",
				}).AddRow("t_1", "Acme", "pro", nil, nil, false, now, now))
		}

		BeforeEach(func() {
			provider = fake.NewRetriever(retrieval.ProviderAWSBedrockKB,
				retrieval.Hit{ChunkID: "chk_kb", Score: 0.7})
			newRouter(provider)
		})

		It("should refuse tenants whose plan lacks the feature", func() {
			expectTenant()
			mock.ExpectQuery(`SELECT \* FROM plan_features`).
				WillReturnRows(sqlmock.NewRows([]string{"plan_id", "feature_key", "enabled", "config"}))
			mock.ExpectQuery(`SELECT \* FROM tenant_overrides`).
				WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "feature_key", "enabled", "created_at"}))

			_, err := router.Retrieve(ctx, "t_1", bedrockConfig, "q")
			Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeFeatureNotEnabled))
			Expect(provider.Queries.Len()).To(BeZero())
		})

		It("should honor the external-retrieval kill switch", func() {
			expectTenant()
			// config is JSONB NOT NULL; a nil cell would not scan into
			// json.RawMessage.
			mock.ExpectQuery(`SELECT \* FROM plan_features`).
				WillReturnRows(sqlmock.NewRows([]string{"plan_id", "feature_key", "enabled", "config"}).
					AddRow("pro", entitlement.FeatureRetrievalBedrock, true, []byte("{}")))
			mock.ExpectQuery(`SELECT \* FROM tenant_overrides`).
				WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "feature_key", "enabled", "created_at"}))
			mock.ExpectQuery(`SELECT enabled FROM kill_switches`).
				WillReturnRows(sqlmock.NewRows([]string{"enabled"}).AddRow(true))

			_, err := router.Retrieve(ctx, "t_1", bedrockConfig, "q")
			Expect(apierrors.CodeOf(err)).To(Equal(apierrors.CodeServiceDisabled))
		})

		It("should run the provider once both gates pass", func() {
			expectTenant()
			mock.ExpectQuery(`SELECT \* FROM plan_features`).
				WillReturnRows(sqlmock.NewRows([]string{"plan_id", "feature_key", "enabled", "config"}).
					AddRow("pro", entitlement.FeatureRetrievalBedrock, true, []byte("{}")))
			mock.ExpectQuery(`SELECT \* FROM tenant_overrides`).
				WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "feature_key", "enabled", "created_at"}))
			mock.ExpectQuery(`SELECT enabled FROM kill_switches`).
				WillReturnRows(sqlmock.NewRows([]string{"enabled"}).AddRow(false))

			result, err := router.Retrieve(ctx, "t_1", bedrockConfig, "q")
			Expect(err).ToNot(HaveOccurred())
			Expect(result.Hits).To(HaveLen(1))
			Expect(result.Hits[0].ChunkID).To(Equal("chk_kb"))
		})
	})
})

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

package options_test

import (
	"os"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/nexusrag/nexusrag/pkg/operator/options"
)

func TestOptions(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Options")
}

var _ = Describe("Options", func() {
	var envState map[string]string
	var environmentVariables = []string{
		"LISTEN_ADDR",
		"DATABASE_URL",
		"REDIS_URL",
		"AUTH_DEV_BYPASS",
		"AUTHZ_DEFAULT_DENY",
		"RL_FAIL_MODE",
		"RUN_MAX_CONCURRENCY",
		"INGEST_MAX_CONCURRENCY",
		"EXT_CALL_TIMEOUT_MS",
		"LLM_PROVIDER",
		"CRYPTO_KMS_PROVIDER",
		"FAILOVER_REGION_ID",
		"SCIM_ENABLED",
		"SCIM_BEARER_TOKEN",
		"SCIM_TENANT_ID",
		"SSO_ENABLED",
		"SSO_PROVIDERS_FILE",
		"LEGACY_SUNSET",
		"CORS_ORIGINS",
	}

	var opts *options.Options

	BeforeEach(func() {
		envState = map[string]string{}
		for _, ev := range environmentVariables {
			val, ok := os.LookupEnv(ev)
			if ok {
				envState[ev] = val
			}
			os.Unsetenv(ev)
		}
		opts = options.New()
	})

	AfterEach(func() {
		for _, ev := range environmentVariables {
			os.Unsetenv(ev)
		}
		for ev, val := range envState {
			os.Setenv(ev, val)
		}
	})

	Context("Defaults", func() {
		It("should apply defaults when nothing is set", func() {
			Expect(opts.Parse(nil)).To(Succeed())
			Expect(opts.ListenAddr).To(Equal(":8080"))
			Expect(opts.RLFailMode).To(Equal("open"))
			Expect(opts.QuotaHardCapMode).To(Equal("enforce"))
			Expect(opts.RunMaxConcurrency).To(Equal(int64(16)))
			Expect(opts.LLMProvider).To(Equal("local"))
			Expect(opts.CryptoKMSProvider).To(Equal("local"))
			Expect(opts.ExtCallTimeout()).To(Equal(10 * time.Second))
		})
	})

	Context("Precedence", func() {
		It("should prefer CLI flags over environment variables", func() {
			os.Setenv("LISTEN_ADDR", ":9999")
			os.Setenv("RL_FAIL_MODE", "closed")
			opts = options.New()
			Expect(opts.Parse([]string{"--listen-addr", ":7777"})).To(Succeed())
			Expect(opts.ListenAddr).To(Equal(":7777"))
			Expect(opts.RLFailMode).To(Equal("closed"))
		})
		It("should fall back to environment variables when flags are unset", func() {
			os.Setenv("DATABASE_URL", "postgres://env-host/nexusrag")
			os.Setenv("RUN_MAX_CONCURRENCY", "4")
			opts = options.New()
			Expect(opts.Parse(nil)).To(Succeed())
			Expect(opts.DatabaseURL).To(Equal("postgres://env-host/nexusrag"))
			Expect(opts.RunMaxConcurrency).To(Equal(int64(4)))
		})
	})

	Context("Validation", func() {
		beforeValid := func() {
			opts.DatabaseURL = "postgres://localhost/nexusrag"
		}
		It("should fail when the database URL is missing", func() {
			Expect(opts.Parse(nil)).To(Succeed())
			Expect(opts.Validate()).To(MatchError(ContainSubstring("DATABASE_URL")))
		})
		It("should fail on an unknown rate-limit fail mode", func() {
			Expect(opts.Parse([]string{"--rl-fail-mode", "sideways"})).To(Succeed())
			beforeValid()
			Expect(opts.Validate()).To(MatchError(ContainSubstring("rl-fail-mode")))
		})
		It("should fail on an unknown quota hard-cap mode", func() {
			Expect(opts.Parse([]string{"--quota-hard-cap-mode", "maybe"})).To(Succeed())
			beforeValid()
			Expect(opts.Validate()).To(MatchError(ContainSubstring("quota-hard-cap-mode")))
		})
		It("should fail when the soft cap ratio leaves [0, 1]", func() {
			Expect(opts.Parse([]string{"--quota-soft-cap-ratio", "1.5"})).To(Succeed())
			beforeValid()
			Expect(opts.Validate()).To(MatchError(ContainSubstring("quota-soft-cap-ratio")))
		})
		It("should fail when chunk overlap is not smaller than chunk size", func() {
			Expect(opts.Parse([]string{"--ingest-chunk-size", "100", "--ingest-chunk-overlap", "100"})).To(Succeed())
			beforeValid()
			Expect(opts.Validate()).To(MatchError(ContainSubstring("ingest-chunk-overlap")))
		})
		It("should fail on an unknown LLM provider", func() {
			Expect(opts.Parse([]string{"--llm-provider", "gpt"})).To(Succeed())
			beforeValid()
			Expect(opts.Validate()).To(MatchError(ContainSubstring("llm-provider")))
		})
		It("should require the SCIM token and tenant when SCIM is enabled", func() {
			Expect(opts.Parse([]string{"--scim-enabled"})).To(Succeed())
			beforeValid()
			err := opts.Validate()
			Expect(err).To(MatchError(ContainSubstring("SCIM_BEARER_TOKEN")))
			Expect(err).To(MatchError(ContainSubstring("SCIM_TENANT_ID")))
		})
		It("should require a provider registry when SSO is enabled", func() {
			Expect(opts.Parse([]string{"--sso-enabled"})).To(Succeed())
			beforeValid()
			Expect(opts.Validate()).To(MatchError(ContainSubstring("SSO_PROVIDERS_FILE")))
		})
		It("should fail on a malformed legacy sunset timestamp", func() {
			Expect(opts.Parse([]string{"--legacy-sunset", "2026-12-31"})).To(Succeed())
			beforeValid()
			Expect(opts.Validate()).To(MatchError(ContainSubstring("legacy-sunset")))
		})
		It("should aggregate multiple failures", func() {
			Expect(opts.Parse([]string{"--rl-fail-mode", "sideways", "--llm-provider", "gpt"})).To(Succeed())
			err := opts.Validate()
			Expect(err).To(MatchError(ContainSubstring("DATABASE_URL")))
			Expect(err).To(MatchError(ContainSubstring("rl-fail-mode")))
			Expect(err).To(MatchError(ContainSubstring("llm-provider")))
		})
		It("should split and trim CORS origins", func() {
			Expect(opts.Parse([]string{"--cors-origins", "https://a.example.com, https://b.example.com"})).To(Succeed())
			Expect(opts.CORSOriginList()).To(Equal([]string{"https://a.example.com", "https://b.example.com"}))
		})
	})
})

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
	"encoding/json"
	"fmt"

	"go.uber.org/multierr"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
)

const (
	ProviderLocalPgvector = "local_pgvector"
	ProviderAWSBedrockKB  = "aws_bedrock_kb"
	ProviderGCPVertex     = "gcp_vertex"

	DefaultTopK = 5
	MaxTopK     = 50
)

// Config is the tagged provider union stored in corpora.provider_config.
// An empty object selects local_pgvector with defaults. The same validation
// runs on corpus PATCH and again at run time, so a corpus written before a
// validation tightening still fails loudly instead of quietly misrouting.
type Config struct {
	Provider string `json:"provider,omitempty"`
	TopK     int    `json:"top_k,omitempty"`

	// CorpusID is filled in by the caller after parsing; it is not part of
	// the stored configuration.
	CorpusID string `json:"-"`

	// aws_bedrock_kb
	KnowledgeBaseID string `json:"knowledge_base_id,omitempty"`
	Region          string `json:"region,omitempty"`

	// gcp_vertex
	ProjectID string `json:"project_id,omitempty"`
	Location  string `json:"location,omitempty"`
	RagCorpus string `json:"rag_corpus,omitempty"`
}

// ParseConfig decodes and validates provider_config. nil, empty, and `{}`
// all mean the local provider with default top_k.
func ParseConfig(raw json.RawMessage) (*Config, error) {
	config := &Config{}
	if len(raw) > 0 {
		decoded := json.NewDecoder(bytes.NewReader(raw))
		decoded.DisallowUnknownFields()
		if err := decoded.Decode(config); err != nil {
			return nil, apierrors.Wrap(apierrors.CodeValidationFailed,
				"provider_config is not valid", fmt.Errorf("decoding provider config, %w", err))
		}
	}
	if config.Provider == "" {
		config.Provider = ProviderLocalPgvector
	}
	if config.TopK == 0 {
		config.TopK = DefaultTopK
	}
	if err := config.Validate(); err != nil {
		return nil, apierrors.Wrap(apierrors.CodeValidationFailed, "provider_config is not valid", err)
	}
	return config, nil
}

func (c *Config) Validate() error {
	var errs error
	if c.TopK < 1 || c.TopK > MaxTopK {
		errs = multierr.Append(errs, fmt.Errorf("top_k must be within [1,%d]", MaxTopK))
	}
	switch c.Provider {
	case ProviderLocalPgvector:
	case ProviderAWSBedrockKB:
		if c.KnowledgeBaseID == "" {
			errs = multierr.Append(errs, fmt.Errorf("knowledge_base_id is required for %s", c.Provider))
		}
		if c.Region == "" {
			errs = multierr.Append(errs, fmt.Errorf("region is required for %s", c.Provider))
		}
	case ProviderGCPVertex:
		if c.ProjectID == "" {
			errs = multierr.Append(errs, fmt.Errorf("project_id is required for %s", c.Provider))
		}
		if c.Location == "" {
			errs = multierr.Append(errs, fmt.Errorf("location is required for %s", c.Provider))
		}
		if c.RagCorpus == "" {
			errs = multierr.Append(errs, fmt.Errorf("rag_corpus is required for %s", c.Provider))
		}
	default:
		errs = multierr.Append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}
	return errs
}

// External reports whether the provider leaves the cluster, which gates
// entitlements, the external-retrieval kill switch, and the breaker.
func (c *Config) External() bool {
	return c.Provider != ProviderLocalPgvector
}

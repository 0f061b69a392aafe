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

package audit

import (
	"regexp"
)

const Redacted = "[REDACTED]"

// sensitiveKey matches metadata keys whose values must never be persisted.
// The match is a substring test, so "api_key_id" is also redacted; losing a
// little context beats leaking a secret.
var sensitiveKey = regexp.MustCompile(`(?i)api_key|authorization|token|secret|password|text|content`)

// RedactMetadata returns a deep copy with sensitive values replaced.
// Idempotent: redacting redacted metadata is a no-op.
func RedactMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for key, value := range metadata {
		if sensitiveKey.MatchString(key) {
			out[key] = Redacted
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return RedactMetadata(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	default:
		return value
	}
}

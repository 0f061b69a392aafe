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

package v1

// APIVersion is stamped on every envelope meta block.
const APIVersion = "v1"

// Meta accompanies every versioned JSON response.
type Meta struct {
	RequestID  string `json:"request_id"`
	APIVersion string `json:"api_version"`
}

func NewMeta(requestID string) Meta {
	return Meta{RequestID: requestID, APIVersion: APIVersion}
}

// Envelope is the success wrapper for all /v1 JSON responses. SSE streams
// are not wrapped.
type Envelope struct {
	Data any  `json:"data"`
	Meta Meta `json:"meta"`
}

// ErrorDetail is the public error body. Code values are stable; Details is a
// bounded map and never carries secret material or stack traces.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// ErrorEnvelope is the error wrapper for all /v1 JSON responses.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
	Meta  Meta        `json:"meta"`
}

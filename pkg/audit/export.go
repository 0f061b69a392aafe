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
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Export is a signed NDJSON bundle of audit events. The digest covers the
// NDJSON bytes; the signature covers the digest, so verification can check
// integrity without the signing secret and authenticity with it.
type Export struct {
	NDJSON    []byte `json:"-"`
	Count     int    `json:"count"`
	SHA256    string `json:"sha256"`
	Signature string `json:"signature,omitempty"`
}

// BuildExport serializes the filtered events deterministically (ascending
// id) and signs the digest with the supplied HMAC secret when present.
func (q *Query) BuildExport(ctx context.Context, tenantID string, filter QueryFilter, hmacSecret string) (*Export, error) {
	filter.Limit = MaxQueryLimit
	var all []StoredEvent
	for offset := 0; ; offset += filter.Limit {
		filter.Offset = offset
		page, _, err := q.Events(ctx, tenantID, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < filter.Limit {
			break
		}
	}
	// Events queries return newest first; exports read oldest first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}

	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	for _, event := range all {
		if err := encoder.Encode(event); err != nil {
			return nil, fmt.Errorf("encoding audit event %d, %w", event.ID, err)
		}
	}
	digest := sha256.Sum256(buf.Bytes())
	export := &Export{
		NDJSON: buf.Bytes(),
		Count:  len(all),
		SHA256: hex.EncodeToString(digest[:]),
	}
	if hmacSecret != "" {
		mac := hmac.New(sha256.New, []byte(hmacSecret))
		mac.Write(digest[:])
		export.Signature = hex.EncodeToString(mac.Sum(nil))
	}
	return export, nil
}

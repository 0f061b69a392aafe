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

package coordination

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrStateNotFound is returned for unknown, expired, or replayed SSO state.
var ErrStateNotFound = errors.New("sso state not found")

// SSOState binds one OIDC authorization round-trip. The nonce is checked
// against the ID token; the state key is single-use.
type SSOState struct {
	ProviderID string `json:"provider_id"`
	TenantID   string `json:"tenant_id"`
	Nonce      string `json:"nonce"`
	Redirect   string `json:"redirect,omitempty"`
}

func (c *Client) PutSSOState(ctx context.Context, state string, value SSOState, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding sso state, %w", err)
	}
	if err := c.redis.Set(ctx, "sso:state:"+state, raw, ttl).Err(); err != nil {
		return fmt.Errorf("storing sso state, %w", err)
	}
	return nil
}

// TakeSSOState consumes the state atomically so a replayed callback fails.
func (c *Client) TakeSSOState(ctx context.Context, state string) (*SSOState, error) {
	raw, err := c.redis.GetDel(ctx, "sso:state:"+state).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("consuming sso state, %w", err)
	}
	var value SSOState
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return nil, fmt.Errorf("decoding sso state, %w", err)
	}
	return &value, nil
}

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

// Package coordination owns the Redis handle and every ephemeral
// cross-process primitive built on it: distributed locks, worker heartbeats,
// and SSO state. Postgres remains the source of truth; nothing here survives
// a Redis flush beyond a temporary loss of coordination.
package coordination

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Client struct {
	redis  *redis.Client
	logger *zap.Logger
}

func New(ctx context.Context, redisURL string, logger *zap.Logger) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url, %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("pinging redis, %w", err)
	}
	return &Client{redis: client, logger: logger}, nil
}

// NewFromRedis wraps an existing client. Used by tests with miniredis.
func NewFromRedis(client *redis.Client, logger *zap.Logger) *Client {
	return &Client{redis: client, logger: logger}
}

func (c *Client) Redis() *redis.Client { return c.redis }

func (c *Client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.redis.Close()
}

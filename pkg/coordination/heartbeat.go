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
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const workerHeartbeatPrefix = "worker:heartbeat:"

// PublishHeartbeat records that the worker is alive. The TTL is three
// publish intervals so one missed beat does not flap ops reporting.
func (c *Client) PublishHeartbeat(ctx context.Context, workerID string, interval time.Duration) error {
	key := workerHeartbeatPrefix + workerID
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := c.redis.Set(ctx, key, now, 3*interval).Err(); err != nil {
		return fmt.Errorf("publishing worker heartbeat, %w", err)
	}
	return nil
}

// WorkerHeartbeat is the ops view of one worker's last beat.
type WorkerHeartbeat struct {
	WorkerID string  `json:"worker_id"`
	AgeS     float64 `json:"age_s"`
}

// WorkerHeartbeats scans live heartbeat keys and reports their ages.
func (c *Client) WorkerHeartbeats(ctx context.Context) ([]WorkerHeartbeat, error) {
	var beats []WorkerHeartbeat
	iter := c.redis.Scan(ctx, 0, workerHeartbeatPrefix+"*", 100).Iterator()
	now := time.Now()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := c.redis.Get(ctx, key).Result()
		if err != nil {
			continue // expired between scan and get
		}
		millis, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.logger.Warn("malformed heartbeat value", zap.String("key", key))
			continue
		}
		beats = append(beats, WorkerHeartbeat{
			WorkerID: key[len(workerHeartbeatPrefix):],
			AgeS:     now.Sub(time.UnixMilli(millis)).Seconds(),
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning worker heartbeats, %w", err)
	}
	return beats, nil
}

// HeartbeatLoop publishes until the context ends, then deletes the key so ops
// does not report a stale worker during clean shutdowns.
func (c *Client) HeartbeatLoop(ctx context.Context, workerID string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	if err := c.PublishHeartbeat(ctx, workerID, interval); err != nil {
		c.logger.Warn("heartbeat publish failed", zap.Error(err))
	}
	for {
		select {
		case <-ctx.Done():
			cleanupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = c.redis.Del(cleanupCtx, workerHeartbeatPrefix+workerID).Err()
			return
		case <-ticker.C:
			if err := c.PublishHeartbeat(ctx, workerID, interval); err != nil {
				c.logger.Warn("heartbeat publish failed", zap.Error(err))
			}
		}
	}
}

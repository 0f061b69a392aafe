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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("lock already held")

// releaseScript deletes the lock only if this holder still owns it, so an
// expired-and-reacquired lock is never released by the previous holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// Lock is a single-holder TTL-bound lock. It guards short critical sections
// (idempotency first-writes, failover transitions); callers must finish or
// extend before the TTL lapses.
type Lock struct {
	client *Client
	key    string
	value  string
	ttl    time.Duration
}

// AcquireLock attempts a SET NX PX on the key. It does not block.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	value := uuid.NewString()
	ok, err := c.redis.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s, %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{client: c, key: key, value: value, ttl: ttl}, nil
}

// WaitLock polls for the lock until it is acquired or the context ends.
func (c *Client) WaitLock(ctx context.Context, key string, ttl, pollEvery time.Duration) (*Lock, error) {
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()
	for {
		lock, err := c.AcquireLock(ctx, key, ttl)
		if err == nil {
			return lock, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client.redis, []string{l.key}, l.value).Err(); err != nil {
		return fmt.Errorf("releasing lock %s, %w", l.key, err)
	}
	return nil
}

// Extend pushes the expiry out by the original TTL if this holder still owns
// the lock.
func (l *Lock) Extend(ctx context.Context) error {
	extendScript := redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
	res, err := extendScript.Run(ctx, l.client.redis, []string{l.key}, l.value, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extending lock %s, %w", l.key, err)
	}
	if res == 0 {
		return ErrLockHeld
	}
	return nil
}

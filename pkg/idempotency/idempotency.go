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

// Package idempotency deduplicates mutating requests keyed by the
// Idempotency-Key header. Completed responses replay byte-for-byte for 24h;
// concurrent duplicates serialize on a short Redis lock so only one executes.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/nexusrag/nexusrag/pkg/coordination"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

const (
	MaxKeyLength = 128
	DefaultTTL   = 24 * time.Hour

	lockTTL      = 10 * time.Second
	lockPollWait = 25 * time.Millisecond
	pendingWait  = 5 * time.Second
)

// Outcome tells the HTTP layer how to proceed: execute the request fresh, or
// replay the stored response with X-Idempotency-Replay set.
type Outcome struct {
	Replay     bool
	StatusCode int
	Body       []byte
}

type Guard struct {
	records *storage.IdempotencyRepository
	coord   *coordination.Client
	ttl     time.Duration
}

func NewGuard(records *storage.IdempotencyRepository, coord *coordination.Client) *Guard {
	return &Guard{records: records, coord: coord, ttl: DefaultTTL}
}

// ValidateKey rejects keys longer than 128 characters or empty.
func ValidateKey(key string) error {
	if key == "" {
		return apierrors.Newf(apierrors.CodeValidationFailed, "idempotency key must not be empty")
	}
	if len(key) > MaxKeyLength {
		return apierrors.Newf(apierrors.CodeValidationFailed, "idempotency key exceeds %d characters", MaxKeyLength)
	}
	return nil
}

// HashPayload derives a canonical fingerprint of the decoded request body.
// Hashing the decoded form means key order and whitespace differences in the
// raw JSON do not defeat replay.
func HashPayload(body any) (string, error) {
	h, err := hashstructure.Hash(body, hashstructure.FormatV2, nil)
	if err != nil {
		return "", fmt.Errorf("hashing request payload, %w", err)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d", h)))
	return hex.EncodeToString(sum[:]), nil
}

func lockKey(tenantID, idemKey string) string {
	return fmt.Sprintf("idem:lock:%s:%s", tenantID, idemKey)
}

// Begin resolves the key before the handler runs. Exactly one of the returns
// holds: a replay outcome, a nil outcome meaning this caller owns the key and
// must call Finish or Abandon, or an error (409 on payload mismatch).
func (g *Guard) Begin(ctx context.Context, tenantID, idemKey string, payload any) (*Outcome, error) {
	if err := ValidateKey(idemKey); err != nil {
		return nil, err
	}
	payloadHash, err := HashPayload(payload)
	if err != nil {
		return nil, err
	}

	lock, err := g.coord.WaitLock(ctx, lockKey(tenantID, idemKey), lockTTL, lockPollWait)
	if err != nil {
		return nil, fmt.Errorf("serializing idempotent request, %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}()

	record, reserved, err := g.records.Reserve(ctx, tenantID, idemKey, payloadHash, g.ttl)
	if err != nil {
		return nil, err
	}
	if reserved {
		return nil, nil
	}
	if record.PayloadHash != payloadHash {
		return nil, apierrors.Newf(apierrors.CodeIdempotencyKeyConflict,
			"idempotency key reused with a different request body")
	}
	switch record.Status {
	case storage.IdempotencyStatusCompleted:
		return &Outcome{Replay: true, StatusCode: derefStatus(record.StatusCode), Body: record.ResponseBody}, nil
	case storage.IdempotencyStatusPending:
		return g.awaitCompletion(ctx, tenantID, idemKey)
	default:
		return nil, fmt.Errorf("idempotency key in unexpected status %q", record.Status)
	}
}

// awaitCompletion polls briefly for an in-flight duplicate to finish. If the
// original request is still running after the wait, the duplicate gets a
// conflict rather than executing twice.
func (g *Guard) awaitCompletion(ctx context.Context, tenantID, idemKey string) (*Outcome, error) {
	deadline := time.Now().Add(pendingWait)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		record, err := g.records.Get(ctx, tenantID, idemKey)
		if err != nil {
			if apierrors.IsCode(err, apierrors.CodeNotFound) {
				// Original request failed and released; caller may retry.
				return nil, apierrors.Newf(apierrors.CodeIdempotencyKeyConflict,
					"original request failed, retry with the same key")
			}
			return nil, err
		}
		if record.Status == storage.IdempotencyStatusCompleted {
			return &Outcome{Replay: true, StatusCode: derefStatus(record.StatusCode), Body: record.ResponseBody}, nil
		}
	}
	return nil, apierrors.Newf(apierrors.CodeIdempotencyKeyConflict,
		"request with this idempotency key is still in progress")
}

// Finish stores the response for replay. Only 2xx responses are replayable;
// failures release the key so the client can retry.
func (g *Guard) Finish(ctx context.Context, tenantID, idemKey string, statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return g.records.Complete(ctx, tenantID, idemKey, statusCode, body)
	}
	return g.records.Release(ctx, tenantID, idemKey)
}

// Abandon releases a reservation whose handler panicked or never produced a
// response.
func (g *Guard) Abandon(ctx context.Context, tenantID, idemKey string) {
	_ = g.records.Release(ctx, tenantID, idemKey)
}

// PurgeExpired removes lapsed keys in batches. Run from the worker sweep.
func (g *Guard) PurgeExpired(ctx context.Context, batch int) (int64, error) {
	var total int64
	for {
		n, err := g.records.PurgeExpired(ctx, batch)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(batch) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func derefStatus(code *int) int {
	if code == nil {
		return 200
	}
	return *code
}

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

// Package extcall holds process-wide tuning for calls to external
// integrations: circuit breaker thresholds and bounded retry attempts.
// Configure runs once at startup, before any adapter is constructed.
package extcall

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

var (
	mu               sync.RWMutex
	openTimeout      = 30 * time.Second
	failureThreshold = uint32(5)
	retryAttempts    = uint(3)
)

// Configure sets the shared integration tuning. Non-positive values keep
// the current setting.
func Configure(timeout time.Duration, threshold int, attempts int) {
	mu.Lock()
	defer mu.Unlock()
	if timeout > 0 {
		openTimeout = timeout
	}
	if threshold > 0 {
		failureThreshold = uint32(threshold)
	}
	if attempts > 0 {
		retryAttempts = uint(attempts)
	}
}

// NewBreaker builds a circuit breaker for one named integration using the
// configured open timeout and consecutive-failure threshold.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	mu.RLock()
	timeout, threshold := openTimeout, failureThreshold
	mu.RUnlock()
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
}

// RetryAttempts returns the configured bounded retry budget for transient
// integration errors.
func RetryAttempts() uint {
	mu.RLock()
	defer mu.RUnlock()
	return retryAttempts
}

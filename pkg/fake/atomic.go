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

// Package fake provides scripted doubles for the external integration
// points: the LLM adapter, retrieval providers, the KMS provider, and the
// audit emitter. All fakes are race free.
package fake

import (
	"math"
	"sync"
)

// AtomicError injects a failure for the next N calls. Get consumes one
// call; once the budget is spent the error clears.
type AtomicError struct {
	mu  sync.Mutex
	err error

	calls    int
	maxCalls int
}

func (e *AtomicError) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = nil
	e.calls = 0
	e.maxCalls = 0
}

func (e *AtomicError) IsNil() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err == nil
}

// Get consumes one call from the injected error budget.
func (e *AtomicError) Get() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.calls >= e.maxCalls {
		return nil
	}
	e.calls++
	return e.err
}

func (e *AtomicError) Set(err error, opts ...AtomicErrorOption) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
	for _, opt := range opts {
		opt(e)
	}
	if e.maxCalls == 0 {
		e.maxCalls = 1
	}
}

type AtomicErrorOption func(*AtomicError)

// MaxCalls limits how many calls fail before the error clears.
func MaxCalls(n int) AtomicErrorOption {
	return func(e *AtomicError) { e.maxCalls = n }
}

// Forever keeps the error in place for every subsequent call.
func Forever() AtomicErrorOption {
	return func(e *AtomicError) { e.maxCalls = math.MaxInt64 }
}

// calls is a race-free invocation log shared by the fakes.
type calls[T any] struct {
	mu    sync.Mutex
	items []T
}

func (c *calls[T]) add(item T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = append(c.items, item)
}

func (c *calls[T]) All() []T {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]T, len(c.items))
	copy(out, c.items)
	return out
}

func (c *calls[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *calls[T]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = nil
}

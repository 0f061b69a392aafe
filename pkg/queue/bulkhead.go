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

package queue

import (
	"context"

	"golang.org/x/sync/semaphore"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/metrics"
)

// Bulkhead caps concurrent work for one route class. Acquisition never
// queues: a full bulkhead rejects immediately with 503 SERVICE_BUSY so
// saturation stays visible instead of turning into latency.
type Bulkhead struct {
	name    string
	sem     *semaphore.Weighted
	metrics *metrics.Metrics
}

func NewBulkhead(name string, capacity int64, m *metrics.Metrics) *Bulkhead {
	return &Bulkhead{name: name, sem: semaphore.NewWeighted(capacity), metrics: m}
}

// Acquire takes a slot or fails fast. The returned release function must be
// called exactly once.
func (b *Bulkhead) Acquire(_ context.Context) (func(), error) {
	if !b.sem.TryAcquire(1) {
		b.metrics.BulkheadRejections.WithLabelValues(b.name).Inc()
		return nil, apierrors.Newf(apierrors.CodeServiceBusy, "%s capacity exhausted, retry shortly", b.name)
	}
	return func() { b.sem.Release(1) }, nil
}

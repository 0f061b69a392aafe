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
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nexusrag/nexusrag/pkg/coordination"
	"github.com/nexusrag/nexusrag/pkg/logging"
	"github.com/nexusrag/nexusrag/pkg/metrics"
)

// Handler processes one claimed job. Returning an error requeues or kills
// the job per its attempt budget.
type Handler func(ctx context.Context, job *Job) error

type WorkerConfig struct {
	WorkerID          string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	Concurrency       int
}

// Worker drains the queue. Each worker claims jobs for the kinds it has
// handlers for and publishes a Redis heartbeat so ops can see worker age.
type Worker struct {
	queue    *Queue
	coord    *coordination.Client
	config   WorkerConfig
	handlers map[string]Handler
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

func NewWorker(queue *Queue, coord *coordination.Client, config WorkerConfig,
	m *metrics.Metrics, logger *zap.Logger) *Worker {
	return &Worker{
		queue:    queue,
		coord:    coord,
		config:   config,
		handlers: map[string]Handler{},
		metrics:  m,
		logger:   logger.With(zap.String("worker-id", config.WorkerID)),
	}
}

func (w *Worker) Handle(kind string, handler Handler) {
	w.handlers[kind] = handler
}

func (w *Worker) kinds() []string {
	kinds := make([]string, 0, len(w.handlers))
	for kind := range w.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Run blocks until the context ends. Claim slots are bounded by the
// configured concurrency; the heartbeat loop runs alongside the pollers.
func (w *Worker) Run(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		w.coord.HeartbeatLoop(ctx, w.config.WorkerID, w.config.HeartbeatInterval)
		return nil
	})
	group.Go(func() error {
		w.gaugeLoop(ctx)
		return nil
	})
	for i := 0; i < w.config.Concurrency; i++ {
		group.Go(func() error {
			w.pollLoop(ctx)
			return nil
		})
	}
	return group.Wait()
}

func (w *Worker) pollLoop(ctx context.Context) {
	for {
		job, err := w.queue.Claim(ctx, w.config.WorkerID, w.kinds())
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("claiming job failed", zap.Error(err))
		}
		if job != nil {
			w.process(ctx, job)
			continue
		}
		// Jittered sleep keeps a fleet of idle workers from polling in
		// lockstep.
		wait := w.config.PollInterval + time.Duration(rand.Int63n(int64(w.config.PollInterval/2)+1))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	logger := w.logger.With(zap.String("job-id", job.ID), zap.String("kind", job.Kind))
	handler, ok := w.handlers[job.Kind]
	if !ok {
		w.finishJob(ctx, job, fmt.Errorf("no handler registered for kind %s", job.Kind))
		return
	}
	start := time.Now()
	err := handler(logging.ToContext(ctx, logger), job)
	w.metrics.JobDuration.WithLabelValues(job.Kind).Observe(time.Since(start).Seconds())
	w.finishJob(ctx, job, err)
	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
		logger.Warn("job failed", zap.Int("attempt", job.Attempts), zap.Error(err))
	} else {
		logger.Info("job completed", zap.Duration("elapsed", time.Since(start)))
	}
	w.metrics.JobsTotal.WithLabelValues(job.Kind, outcome).Inc()
}

// finishJob records the outcome on a fresh context so a cancelled worker
// still persists the state transition during shutdown.
func (w *Worker) finishJob(_ context.Context, job *Job, jobErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var err error
	if jobErr != nil {
		err = w.queue.Fail(ctx, job, jobErr)
	} else {
		err = w.queue.Succeed(ctx, job.ID)
	}
	if err != nil {
		w.logger.Error("persisting job outcome failed", zap.String("job-id", job.ID), zap.Error(err))
	}
}

func (w *Worker) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := w.queue.Depth(ctx)
			if err != nil {
				continue
			}
			w.metrics.QueueDepth.Set(float64(depth))
		}
	}
}

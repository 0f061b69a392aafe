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

package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nexusrag/nexusrag/pkg/operator"
	"github.com/nexusrag/nexusrag/pkg/operator/options"
)

const (
	shutdownGrace  = 15 * time.Second
	idemPurgeEvery = 5 * time.Minute
	idemPurgeBatch = 500
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := options.New().MustParse()
	ctx = options.ToContext(ctx, opts)

	op, err := operator.New(ctx, opts)
	if err != nil {
		log.Fatalf("constructing operator: %v", err)
	}
	logger := op.Logger

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := op.Store.Ping(r.Context()); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(op.Metrics.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              opts.WorkerListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return op.NewWorker().Run(gctx)
	})
	group.Go(func() error {
		logger.Info("worker health endpoint listening", zap.String("addr", opts.WorkerListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		ticker := time.NewTicker(idemPurgeEvery)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				purged, err := op.IdemGuard.PurgeExpired(gctx, idemPurgeBatch)
				if err != nil {
					logger.Warn("purging expired idempotency records", zap.Error(err))
					continue
				}
				if purged > 0 {
					logger.Info("purged expired idempotency records", zap.Int64("count", purged))
				}
			}
		}
	})
	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil {
		logger.Error("worker exited", zap.Error(err))
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := op.Close(closeCtx); err != nil {
		logger.Error("closing operator", zap.Error(err))
	}
	_ = logger.Sync()
}

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

	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/operator"
	"github.com/nexusrag/nexusrag/pkg/operator/options"
)

const shutdownGrace = 15 * time.Second

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

	srv := &http.Server{
		Addr:              opts.ListenAddr,
		Handler:           op.NewServer().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server listening", zap.String("addr", opts.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("api server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutting down api server", zap.Error(err))
	}
	if err := op.Close(shutdownCtx); err != nil {
		logger.Error("closing operator", zap.Error(err))
	}
	_ = logger.Sync()
}

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

// Package quota enforces per-tenant day and month request-unit budgets.
// /run costs 3 units, mutations 1, reads 0.
package quota

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nexusrag/nexusrag/pkg/audit"
	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
	"github.com/nexusrag/nexusrag/pkg/metrics"
	"github.com/nexusrag/nexusrag/pkg/storage"
)

const (
	CostRun      = 3
	CostMutation = 1
	CostRead     = 0
)

type HardCapMode string

const (
	Enforce HardCapMode = "enforce"
	Observe HardCapMode = "observe"
)

type Config struct {
	DefaultDayLimit   int64
	DefaultMonthLimit int64
	SoftCapRatio      float64
	HardCapMode       HardCapMode
}

// Window is the post-charge view of one period, rendered into the
// X-Quota-* headers.
type Window struct {
	Period      string
	BucketStart time.Time
	Limit       int64
	Used        int64
}

func (w Window) Remaining() int64 {
	if remaining := w.Limit - w.Used; remaining > 0 {
		return remaining
	}
	return 0
}

// Charge is the admission outcome. SoftCapReached reflects this period's
// state regardless of which request crossed it. HardCapMode echoes the
// engine configuration so the X-Quota-HardCap-Mode header needs no second
// lookup.
type Charge struct {
	Day            Window
	Month          Window
	SoftCapReached bool
	HardCapMode    HardCapMode
}

type Engine struct {
	counters *storage.QuotaRepository
	tenants  *storage.TenantRepository
	config   Config
	auditor  audit.Emitter
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewEngine(counters *storage.QuotaRepository, tenants *storage.TenantRepository, config Config,
	auditor audit.Emitter, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		counters: counters,
		tenants:  tenants,
		config:   config,
		auditor:  auditor,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// limits resolves per-tenant overrides over the configured defaults.
func (e *Engine) limits(ctx context.Context, tenantID string) (day, month int64, err error) {
	tenant, err := e.tenants.Get(ctx, tenantID)
	if err != nil {
		return 0, 0, err
	}
	day, month = e.config.DefaultDayLimit, e.config.DefaultMonthLimit
	if tenant.DayLimit != nil {
		day = *tenant.DayLimit
	}
	if tenant.MonthLimit != nil {
		month = *tenant.MonthLimit
	}
	return day, month, nil
}

// Admit charges units against both period counters atomically and applies
// soft and hard caps. Zero-cost requests still report current windows for
// headers. In observe mode an overage is allowed and audited instead of
// rejected with 402.
func (e *Engine) Admit(ctx context.Context, tenantID string, units int64, requestID string) (*Charge, error) {
	now := e.now()
	dayLimit, monthLimit, err := e.limits(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	dayBucket, monthBucket := storage.DayBucket(now), storage.MonthBucket(now)

	var dayUsed, monthUsed int64
	if units == 0 {
		dayUsed, monthUsed, err = e.counters.Summary(ctx, tenantID, now)
		if err != nil {
			return nil, err
		}
	} else {
		if dayUsed, err = e.counters.Add(ctx, tenantID, storage.QuotaPeriodDay, dayBucket, units); err != nil {
			return nil, err
		}
		if monthUsed, err = e.counters.Add(ctx, tenantID, storage.QuotaPeriodMonth, monthBucket, units); err != nil {
			return nil, err
		}
	}

	charge := &Charge{
		Day:         Window{Period: storage.QuotaPeriodDay, BucketStart: dayBucket, Limit: dayLimit, Used: dayUsed},
		Month:       Window{Period: storage.QuotaPeriodMonth, BucketStart: monthBucket, Limit: monthLimit, Used: monthUsed},
		HardCapMode: e.config.HardCapMode,
	}

	for _, window := range []Window{charge.Day, charge.Month} {
		if window.Limit <= 0 {
			continue
		}
		if float64(window.Used) >= e.config.SoftCapRatio*float64(window.Limit) {
			charge.SoftCapReached = true
			if units > 0 {
				e.notifySoftCap(ctx, tenantID, window, requestID)
			}
		}
		if window.Used > window.Limit {
			if e.config.HardCapMode == Observe {
				e.metrics.QuotaDecisions.WithLabelValues(window.Period, "overage_observed").Inc()
				e.auditor.Emit(ctx, audit.Event{
					TenantID:  tenantID,
					EventType: audit.EventQuotaOverageObserved,
					RequestID: requestID,
					Metadata: map[string]any{
						"period": window.Period,
						"limit":  window.Limit,
						"used":   window.Used,
					},
				})
				continue
			}
			e.metrics.QuotaDecisions.WithLabelValues(window.Period, "exceeded").Inc()
			e.auditor.Emit(ctx, audit.Event{
				TenantID:  tenantID,
				EventType: audit.EventQuotaExceeded,
				Outcome:   audit.OutcomeDenied,
				RequestID: requestID,
				ErrorCode: string(apierrors.CodeQuotaExceeded),
				Metadata: map[string]any{
					"period": window.Period,
					"limit":  window.Limit,
					"used":   window.Used,
				},
			})
			return charge, apierrors.Newf(apierrors.CodeQuotaExceeded, "%s quota exceeded", window.Period).
				WithDetails(map[string]any{
					"period":    window.Period,
					"limit":     window.Limit,
					"used":      window.Used,
					"remaining": int64(0),
				})
		}
		e.metrics.QuotaDecisions.WithLabelValues(window.Period, "allowed").Inc()
	}
	return charge, nil
}

// notifySoftCap emits quota.soft_cap_reached at most once per period bucket.
func (e *Engine) notifySoftCap(ctx context.Context, tenantID string, window Window, requestID string) {
	first, err := e.counters.MarkSoftCapNotified(ctx, tenantID, window.Period, window.BucketStart)
	if err != nil {
		e.logger.Warn("marking soft cap notified failed", zap.Error(err))
		return
	}
	if !first {
		return
	}
	e.auditor.Emit(ctx, audit.Event{
		TenantID:  tenantID,
		EventType: audit.EventQuotaSoftCapReached,
		RequestID: requestID,
		Metadata: map[string]any{
			"period": window.Period,
			"limit":  window.Limit,
			"used":   window.Used,
		},
	})
}

// RecordTokens books LLM token usage after a run completes. Never gates.
func (e *Engine) RecordTokens(ctx context.Context, tenantID string, tokens int64) {
	if tokens <= 0 {
		return
	}
	if err := e.counters.AddTokens(ctx, tenantID, e.now(), tokens); err != nil {
		e.logger.Warn("recording token usage failed", zap.Error(err))
	}
}

// Summary reads current windows without charging.
func (e *Engine) Summary(ctx context.Context, tenantID string) (*Charge, error) {
	return e.Admit(ctx, tenantID, 0, "")
}

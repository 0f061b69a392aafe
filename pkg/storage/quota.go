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

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	QuotaPeriodDay   = "day"
	QuotaPeriodMonth = "month"
)

type QuotaCounter struct {
	TenantID    string    `db:"tenant_id"`
	Period      string    `db:"period"`
	BucketStart time.Time `db:"bucket_start"`
	Used        int64     `db:"used"`
	UsedTokens  int64     `db:"used_tokens"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// DayBucket and MonthBucket truncate to UTC period boundaries. All quota
// accounting uses UTC so a tenant's day does not drift with server timezones.
func DayBucket(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func MonthBucket(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

type QuotaRepository struct {
	db *sqlx.DB
}

func NewQuotaRepository(store *Store) *QuotaRepository {
	return &QuotaRepository{db: store.db}
}

// Add atomically increments the counter for one period bucket and returns the
// new total. The upsert makes concurrent requests serialize on the row, so
// totals never lose increments.
func (r *QuotaRepository) Add(ctx context.Context, tenantID, period string, bucketStart time.Time, units int64) (int64, error) {
	var used int64
	err := r.db.GetContext(ctx, &used, `
		INSERT INTO quota_counters (tenant_id, period, bucket_start, used)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, period, bucket_start) DO UPDATE
		SET used = quota_counters.used + EXCLUDED.used, updated_at = now()
		RETURNING used`,
		tenantID, period, bucketStart, units)
	if err != nil {
		return 0, fmt.Errorf("incrementing %s quota counter, %w", period, err)
	}
	return used, nil
}

func (r *QuotaRepository) Used(ctx context.Context, tenantID, period string, bucketStart time.Time) (int64, error) {
	var used int64
	err := r.db.GetContext(ctx, &used, `
		SELECT used FROM quota_counters
		WHERE tenant_id = $1 AND period = $2 AND bucket_start = $3`,
		tenantID, period, bucketStart)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("selecting %s quota counter, %w", period, err)
	}
	return used, nil
}

// MarkSoftCapNotified records that the soft-cap warning fired for this bucket.
// It returns true only for the caller that inserted the row, so the warning
// audit event is emitted exactly once per period.
func (r *QuotaRepository) MarkSoftCapNotified(ctx context.Context, tenantID, period string, bucketStart time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO quota_state (tenant_id, period, bucket_start)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id, period, bucket_start) DO NOTHING`,
		tenantID, period, bucketStart)
	if err != nil {
		return false, fmt.Errorf("marking soft cap notified, %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

type UsageWindow struct {
	Period      string    `json:"period"`
	BucketStart time.Time `json:"bucket_start"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
}

// Summary reads the current day and month windows in one round trip.
func (r *QuotaRepository) Summary(ctx context.Context, tenantID string, now time.Time) (day, month int64, err error) {
	rows := []QuotaCounter{}
	err = r.db.SelectContext(ctx, &rows, `
		SELECT * FROM quota_counters
		WHERE tenant_id = $1 AND (
			(period = $2 AND bucket_start = $3) OR
			(period = $4 AND bucket_start = $5))`,
		tenantID, QuotaPeriodDay, DayBucket(now), QuotaPeriodMonth, MonthBucket(now))
	if err != nil {
		return 0, 0, fmt.Errorf("selecting quota summary, %w", err)
	}
	for _, row := range rows {
		switch row.Period {
		case QuotaPeriodDay:
			day = row.Used
		case QuotaPeriodMonth:
			month = row.Used
		}
	}
	return day, month, nil
}

// AddTokens records LLM token usage against both period buckets. Token usage
// is informational and never gates admission.
func (r *QuotaRepository) AddTokens(ctx context.Context, tenantID string, now time.Time, tokens int64) error {
	for _, window := range []struct {
		period string
		bucket time.Time
	}{
		{QuotaPeriodDay, DayBucket(now)},
		{QuotaPeriodMonth, MonthBucket(now)},
	} {
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO quota_counters (tenant_id, period, bucket_start, used_tokens)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (tenant_id, period, bucket_start) DO UPDATE
			SET used_tokens = quota_counters.used_tokens + EXCLUDED.used_tokens, updated_at = now()`,
			tenantID, window.period, window.bucket, tokens)
		if err != nil {
			return fmt.Errorf("incrementing %s token counter, %w", window.period, err)
		}
	}
	return nil
}

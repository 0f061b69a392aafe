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

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
)

type Tenant struct {
	ID            string     `db:"id"`
	Name          string     `db:"name"`
	PlanID        string     `db:"plan_id"`
	DayLimit      *int64     `db:"day_limit"`
	MonthLimit    *int64     `db:"month_limit"`
	CryptoEnabled bool       `db:"crypto_enabled"`
	CreatedAt     time.Time  `db:"created_at"`
	UpdatedAt     time.Time  `db:"updated_at"`
}

type TenantRepository struct {
	db *sqlx.DB
}

func NewTenantRepository(store *Store) *TenantRepository {
	return &TenantRepository{db: store.db}
}

func (r *TenantRepository) Create(ctx context.Context, tenant Tenant) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO tenants (id, name, plan_id, day_limit, month_limit, crypto_enabled)
		VALUES (:id, :name, :plan_id, :day_limit, :month_limit, :crypto_enabled)`, tenant)
	if err != nil {
		return fmt.Errorf("inserting tenant %s, %w", tenant.ID, err)
	}
	return nil
}

func (r *TenantRepository) Get(ctx context.Context, id string) (*Tenant, error) {
	var tenant Tenant
	if err := r.db.GetContext(ctx, &tenant, `SELECT * FROM tenants WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeNotFound, "tenant %s not found", id)
		}
		return nil, fmt.Errorf("selecting tenant %s, %w", id, err)
	}
	return &tenant, nil
}

func (r *TenantRepository) List(ctx context.Context) ([]Tenant, error) {
	var tenants []Tenant
	if err := r.db.SelectContext(ctx, &tenants, `SELECT * FROM tenants ORDER BY id`); err != nil {
		return nil, fmt.Errorf("listing tenants, %w", err)
	}
	return tenants, nil
}

func (r *TenantRepository) SetPlan(ctx context.Context, id string, planID string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE tenants SET plan_id = $2, updated_at = now() WHERE id = $1`, id, planID)
	if err != nil {
		return fmt.Errorf("updating tenant %s plan, %w", id, err)
	}
	return requireOneRow(res, func() error {
		return apierrors.Newf(apierrors.CodeNotFound, "tenant %s not found", id)
	})
}

func (r *TenantRepository) SetQuotaLimits(ctx context.Context, id string, dayLimit, monthLimit *int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET day_limit = $2, month_limit = $3, updated_at = now() WHERE id = $1`,
		id, dayLimit, monthLimit)
	if err != nil {
		return fmt.Errorf("updating tenant %s quota limits, %w", id, err)
	}
	return requireOneRow(res, func() error {
		return apierrors.Newf(apierrors.CodeNotFound, "tenant %s not found", id)
	})
}

func (r *TenantRepository) SetCryptoEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := r.db.ExecContext(ctx, `UPDATE tenants SET crypto_enabled = $2, updated_at = now() WHERE id = $1`, id, enabled)
	if err != nil {
		return fmt.Errorf("updating tenant %s crypto flag, %w", id, err)
	}
	return requireOneRow(res, func() error {
		return apierrors.Newf(apierrors.CodeNotFound, "tenant %s not found", id)
	})
}

func requireOneRow(res sql.Result, notFound func() error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected, %w", err)
	}
	if n == 0 {
		return notFound()
	}
	return nil
}

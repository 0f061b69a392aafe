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
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apierrors "github.com/nexusrag/nexusrag/pkg/errors"
)

// FailoverState is the singleton control row for the region.
type FailoverState struct {
	Singleton           bool       `db:"singleton"`
	RegionID            string     `db:"region_id"`
	Role                string     `db:"role"`
	State               string     `db:"state"`
	Epoch               int64      `db:"epoch"`
	ActivePrimaryRegion string     `db:"active_primary_region"`
	FreezeWrites        bool       `db:"freeze_writes"`
	LastTransitionAt    time.Time  `db:"last_transition_at"`
	CooldownUntil       *time.Time `db:"cooldown_until"`
}

type FailoverToken struct {
	Token      string     `db:"token"`
	Purpose    string     `db:"purpose"`
	ExpiresAt  time.Time  `db:"expires_at"`
	ConsumedAt *time.Time `db:"consumed_at"`
	CreatedAt  time.Time  `db:"created_at"`
}

type FailoverEvent struct {
	ID         int64     `db:"id"`
	OccurredAt time.Time `db:"occurred_at"`
	FromState  string    `db:"from_state"`
	ToState    string    `db:"to_state"`
	Actor      *string   `db:"actor"`
	Reason     *string   `db:"reason"`
	Epoch      int64     `db:"epoch"`
}

type FailoverRepository struct {
	db *sqlx.DB
}

func NewFailoverRepository(store *Store) *FailoverRepository {
	return &FailoverRepository{db: store.db}
}

// EnsureState seeds the singleton row on first boot. An existing row wins;
// the region id and role are only defaults.
func (r *FailoverRepository) EnsureState(ctx context.Context, regionID, role string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO failover_state (singleton, region_id, role, state, active_primary_region)
		VALUES (TRUE, $1, $2, 'idle', $3)
		ON CONFLICT (singleton) DO NOTHING`,
		regionID, role, regionID)
	if err != nil {
		return fmt.Errorf("seeding failover state, %w", err)
	}
	return nil
}

func (r *FailoverRepository) State(ctx context.Context) (*FailoverState, error) {
	var state FailoverState
	if err := r.db.GetContext(ctx, &state, `SELECT * FROM failover_state WHERE singleton`); err != nil {
		return nil, fmt.Errorf("selecting failover state, %w", err)
	}
	return &state, nil
}

// StateForUpdate locks the singleton row for the duration of the
// transaction. Combined with the Redis lock this keeps a single failover in
// flight.
func (r *FailoverRepository) StateForUpdate(ctx context.Context, tx *sqlx.Tx) (*FailoverState, error) {
	var state FailoverState
	if err := tx.GetContext(ctx, &state, `SELECT * FROM failover_state WHERE singleton FOR UPDATE`); err != nil {
		return nil, fmt.Errorf("locking failover state, %w", err)
	}
	return &state, nil
}

func (r *FailoverRepository) UpdateStateTx(ctx context.Context, tx *sqlx.Tx, state FailoverState) error {
	_, err := tx.NamedExecContext(ctx, `
		UPDATE failover_state
		SET region_id = :region_id, role = :role, state = :state, epoch = :epoch,
		    active_primary_region = :active_primary_region, freeze_writes = :freeze_writes,
		    last_transition_at = now(), cooldown_until = :cooldown_until
		WHERE singleton`, state)
	if err != nil {
		return fmt.Errorf("updating failover state, %w", err)
	}
	return nil
}

func (r *FailoverRepository) SetFreeze(ctx context.Context, frozen bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE failover_state SET freeze_writes = $1 WHERE singleton`, frozen)
	if err != nil {
		return fmt.Errorf("setting write freeze, %w", err)
	}
	return nil
}

func (r *FailoverRepository) InsertEventTx(ctx context.Context, tx *sqlx.Tx, event FailoverEvent) error {
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO failover_events (from_state, to_state, actor, reason, epoch)
		VALUES (:from_state, :to_state, :actor, :reason, :epoch)`, event)
	if err != nil {
		return fmt.Errorf("inserting failover event, %w", err)
	}
	return nil
}

func (r *FailoverRepository) Events(ctx context.Context, limit int) ([]FailoverEvent, error) {
	var events []FailoverEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT * FROM failover_events ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing failover events, %w", err)
	}
	return events, nil
}

func (r *FailoverRepository) InsertToken(ctx context.Context, token FailoverToken) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO failover_tokens (token, purpose, expires_at)
		VALUES (:token, :purpose, :expires_at)`, token)
	if err != nil {
		return fmt.Errorf("inserting failover token, %w", err)
	}
	return nil
}

// ConsumeToken burns the token atomically. Expired, consumed, unknown, or
// wrong-purpose tokens all map to the same stable error.
func (r *FailoverRepository) ConsumeToken(ctx context.Context, token, purpose string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE failover_tokens SET consumed_at = now()
		WHERE token = $1 AND purpose = $2 AND consumed_at IS NULL AND expires_at > now()`,
		token, purpose)
	if err != nil {
		return fmt.Errorf("consuming failover token, %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading rows affected, %w", err)
	}
	if n == 0 {
		return apierrors.New(apierrors.CodeFailoverTokenInvalid,
			"failover token is invalid, expired, or already consumed")
	}
	return nil
}

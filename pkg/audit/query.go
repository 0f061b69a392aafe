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

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/nexusrag/nexusrag/pkg/storage"
)

const (
	MaxQueryLimit     = 200
	DefaultQueryLimit = 50
)

type StoredEvent struct {
	ID           int64           `db:"id"`
	OccurredAt   time.Time       `db:"occurred_at"`
	TenantID     string          `db:"tenant_id"`
	ActorType    string          `db:"actor_type"`
	ActorID      *string         `db:"actor_id"`
	ActorRole    *string         `db:"actor_role"`
	EventType    string          `db:"event_type"`
	Outcome      string          `db:"outcome"`
	ResourceType *string         `db:"resource_type"`
	ResourceID   *string         `db:"resource_id"`
	RequestID    *string         `db:"request_id"`
	IPAddress    *string         `db:"ip_address"`
	UserAgent    *string         `db:"user_agent"`
	Metadata     json.RawMessage `db:"metadata"`
	ErrorCode    *string         `db:"error_code"`
}

type QueryFilter struct {
	EventTypePrefix string
	ActorID         string
	Outcome         string
	ResourceID      string
	Since           *time.Time
	Until           *time.Time
	Offset          int
	Limit           int
}

type Query struct {
	db *sqlx.DB
}

func NewQuery(store *storage.Store) *Query {
	return &Query{db: store.DB()}
}

// Events returns tenant-scoped audit events, newest first, with the total
// matching count for pagination.
func (q *Query) Events(ctx context.Context, tenantID string, filter QueryFilter) ([]StoredEvent, int, error) {
	if filter.Limit <= 0 {
		filter.Limit = DefaultQueryLimit
	}
	if filter.Limit > MaxQueryLimit {
		filter.Limit = MaxQueryLimit
	}
	where := `WHERE tenant_id = $1`
	args := []any{tenantID}
	appendClause := func(clause string, value any) {
		args = append(args, value)
		where += fmt.Sprintf(" AND "+clause, len(args))
	}
	if filter.EventTypePrefix != "" {
		appendClause("event_type LIKE $%d", filter.EventTypePrefix+"%")
	}
	if filter.ActorID != "" {
		appendClause("actor_id = $%d", filter.ActorID)
	}
	if filter.Outcome != "" {
		appendClause("outcome = $%d", filter.Outcome)
	}
	if filter.ResourceID != "" {
		appendClause("resource_id = $%d", filter.ResourceID)
	}
	if filter.Since != nil {
		appendClause("occurred_at >= $%d", *filter.Since)
	}
	if filter.Until != nil {
		appendClause("occurred_at < $%d", *filter.Until)
	}

	var total int
	if err := q.db.GetContext(ctx, &total, `SELECT count(*) FROM audit_events `+where, args...); err != nil {
		return nil, 0, fmt.Errorf("counting audit events, %w", err)
	}
	args = append(args, filter.Offset, filter.Limit)
	var events []StoredEvent
	query := fmt.Sprintf(`SELECT * FROM audit_events %s ORDER BY id DESC OFFSET $%d LIMIT $%d`,
		where, len(args)-1, len(args))
	if err := q.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, 0, fmt.Errorf("listing audit events, %w", err)
	}
	return events, total, nil
}

// OlderThan returns ids of audit events past the cutoff, for retention.
func (q *Query) OlderThan(ctx context.Context, tenantID string, cutoff time.Time, limit int) ([]int64, error) {
	var ids []int64
	err := q.db.SelectContext(ctx, &ids, `
		SELECT id FROM audit_events WHERE tenant_id = $1 AND occurred_at < $2
		ORDER BY id LIMIT $3`, tenantID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting audit events older than cutoff, %w", err)
	}
	return ids, nil
}

func (q *Query) DeleteByIDs(ctx context.Context, tenantID string, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`DELETE FROM audit_events WHERE tenant_id = ? AND id IN (?)`, tenantID, ids)
	if err != nil {
		return 0, fmt.Errorf("building audit delete query, %w", err)
	}
	res, err := q.db.ExecContext(ctx, q.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("deleting audit events, %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

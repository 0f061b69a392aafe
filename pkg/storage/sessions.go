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

type Session struct {
	ID           string    `db:"id"`
	TenantID     string    `db:"tenant_id"`
	CorpusID     string    `db:"corpus_id"`
	MessageCount int       `db:"message_count"`
	Anonymized   bool      `db:"anonymized"`
	CreatedAt    time.Time `db:"created_at"`
	UpdatedAt    time.Time `db:"updated_at"`
}

type Message struct {
	ID            string    `db:"id"`
	TenantID      string    `db:"tenant_id"`
	SessionID     string    `db:"session_id"`
	Role          string    `db:"role"`
	ContentPlain  *string   `db:"content_plain"`
	ContentCipher []byte    `db:"content_cipher"`
	KeyVersion    *int      `db:"key_version"`
	RequestID     *string   `db:"request_id"`
	CreatedAt     time.Time `db:"created_at"`
}

type SessionRepository struct {
	db *sqlx.DB
}

func NewSessionRepository(store *Store) *SessionRepository {
	return &SessionRepository{db: store.db}
}

// Upsert creates or touches the session. Session ids are client-chosen and
// globally unique; an id already owned by another tenant is a hard error, and
// the conditional update keeps the check race-safe under concurrent upserts.
func (r *SessionRepository) Upsert(ctx context.Context, tenantID, sessionID, corpusID string) (*Session, error) {
	var session Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions (id, tenant_id, corpus_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET updated_at = now()
		WHERE sessions.tenant_id = EXCLUDED.tenant_id
		RETURNING *`,
		sessionID, tenantID, corpusID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeTenantMismatch, "session %s belongs to another tenant", sessionID)
		}
		return nil, fmt.Errorf("upserting session %s, %w", sessionID, err)
	}
	return &session, nil
}

func (r *SessionRepository) Get(ctx context.Context, tenantID, sessionID string) (*Session, error) {
	var session Session
	err := r.db.GetContext(ctx, &session, `SELECT * FROM sessions WHERE tenant_id = $1 AND id = $2`, tenantID, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apierrors.Newf(apierrors.CodeNotFound, "session %s not found", sessionID)
		}
		return nil, fmt.Errorf("selecting session %s, %w", sessionID, err)
	}
	return &session, nil
}

// AppendMessagesTx persists the user/assistant exchange and advances the
// session checkpoint in one transaction.
func (r *SessionRepository) AppendMessagesTx(ctx context.Context, tx *sqlx.Tx, messages ...Message) error {
	for _, msg := range messages {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO messages (id, tenant_id, session_id, role, content_plain, content_cipher, key_version, request_id)
			VALUES (:id, :tenant_id, :session_id, :role, :content_plain, :content_cipher, :key_version, :request_id)`, msg)
		if err != nil {
			return fmt.Errorf("inserting message %s, %w", msg.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE sessions SET message_count = message_count + 1, updated_at = now() WHERE id = $1`, msg.SessionID)
		if err != nil {
			return fmt.Errorf("bumping session message count, %w", err)
		}
	}
	if len(messages) > 0 {
		last := messages[len(messages)-1]
		_, err := tx.ExecContext(ctx, `
			INSERT INTO checkpoints (session_id, tenant_id, last_message_id, last_request_id, updated_at)
			VALUES ($1, $2, $3, $4, now())
			ON CONFLICT (session_id) DO UPDATE
			SET last_message_id = EXCLUDED.last_message_id,
			    last_request_id = EXCLUDED.last_request_id,
			    updated_at = now()`,
			last.SessionID, last.TenantID, last.ID, last.RequestID)
		if err != nil {
			return fmt.Errorf("upserting checkpoint for session %s, %w", last.SessionID, err)
		}
	}
	return nil
}

func (r *SessionRepository) History(ctx context.Context, tenantID, sessionID string, limit int) ([]Message, error) {
	var messages []Message
	err := r.db.SelectContext(ctx, &messages, `
		SELECT * FROM (
			SELECT * FROM messages
			WHERE tenant_id = $1 AND session_id = $2
			ORDER BY created_at DESC LIMIT $3
		) recent ORDER BY created_at ASC`,
		tenantID, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting session history, %w", err)
	}
	return messages, nil
}

// MessagesByKeyVersion pages through encrypted messages for key rotation.
// The cursor is the last message id of the prior batch.
func (r *SessionRepository) MessagesByKeyVersion(ctx context.Context, tenantID string, keyVersion int, cursor string, limit int) ([]Message, error) {
	var messages []Message
	err := r.db.SelectContext(ctx, &messages, `
		SELECT * FROM messages
		WHERE tenant_id = $1 AND key_version = $2 AND id > $3
		ORDER BY id LIMIT $4`,
		tenantID, keyVersion, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting messages for rewrap, %w", err)
	}
	return messages, nil
}

func (r *SessionRepository) UpdateMessageCipher(ctx context.Context, id string, cipher []byte, keyVersion int) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages SET content_cipher = $2, key_version = $3 WHERE id = $1`, id, cipher, keyVersion)
	if err != nil {
		return fmt.Errorf("updating message %s ciphertext, %w", id, err)
	}
	return requireOneRow(res, func() error {
		return apierrors.Newf(apierrors.CodeNotFound, "message %s not found", id)
	})
}

// OlderThan returns ids of sessions idle past the cutoff, for retention.
func (r *SessionRepository) OlderThan(ctx context.Context, tenantID string, cutoff time.Time, limit int) ([]string, error) {
	var ids []string
	err := r.db.SelectContext(ctx, &ids, `
		SELECT id FROM sessions
		WHERE tenant_id = $1 AND updated_at < $2 AND anonymized = FALSE
		ORDER BY updated_at LIMIT $3`, tenantID, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting sessions older than cutoff, %w", err)
	}
	return ids, nil
}

func (r *SessionRepository) Delete(ctx context.Context, tenantID, sessionID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE tenant_id = $1 AND id = $2`, tenantID, sessionID)
	if err != nil {
		return fmt.Errorf("deleting session %s, %w", sessionID, err)
	}
	return nil
}

// Anonymize scrubs message bodies but keeps the session skeleton so quota
// accounting and audit references stay intact. Running it twice is a no-op.
func (r *SessionRepository) Anonymize(ctx context.Context, tenantID, sessionID string) error {
	return r.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET content_plain = NULL, content_cipher = NULL
			WHERE tenant_id = $1 AND session_id = $2`, tenantID, sessionID); err != nil {
			return fmt.Errorf("scrubbing messages for session %s, %w", sessionID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET anonymized = TRUE, updated_at = now()
			WHERE tenant_id = $1 AND id = $2 AND anonymized = FALSE`, tenantID, sessionID); err != nil {
			return fmt.Errorf("marking session %s anonymized, %w", sessionID, err)
		}
		return nil
	})
}

func (r *SessionRepository) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction, %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

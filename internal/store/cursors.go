package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/postgres"
)

// CursorRepo maintains per-user read cursors.
type CursorRepo struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewCursorRepo creates a new PostgreSQL-backed read-cursor repository.
func NewCursorRepo(db *pgxpool.Pool, logger zerolog.Logger) *CursorRepo {
	return &CursorRepo{db: db, log: logger}
}

// MarkRead advances the user's cursor in the conversation. The cursor only
// moves forward: a request at or below the stored value reports false and
// leaves the row and the change log untouched.
func (r *CursorRepo) MarkRead(ctx context.Context, conversationID int64, userID string, lastReadMsgID int64) (bool, error) {
	updated := false
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var stored int64
		err := tx.QueryRow(ctx,
			`INSERT INTO read_cursors (conversation_id, user_id, last_read_msg_id)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (conversation_id, user_id) DO UPDATE
			     SET last_read_msg_id = EXCLUDED.last_read_msg_id, updated_at = now()
			     WHERE read_cursors.last_read_msg_id < EXCLUDED.last_read_msg_id
			 RETURNING last_read_msg_id`,
			conversationID, userID, lastReadMsgID,
		).Scan(&stored)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("advance read cursor: %w", err)
		}

		updated = true
		_, err = tx.Exec(ctx,
			`INSERT INTO change_log (conversation_id, kind, actor_id, last_read_msg_id)
			 VALUES ($1, $2, $3, $4)`,
			conversationID, kindRead, userID, lastReadMsgID,
		)
		if err != nil {
			return fmt.Errorf("append read change: %w", err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

// Get returns the user's cursor in the conversation, or zero when unset.
func (r *CursorRepo) Get(ctx context.Context, conversationID int64, userID string) (int64, error) {
	var cursor int64
	err := r.db.QueryRow(ctx,
		"SELECT last_read_msg_id FROM read_cursors WHERE conversation_id = $1 AND user_id = $2",
		conversationID, userID,
	).Scan(&cursor)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query read cursor: %w", err)
	}
	return cursor, nil
}

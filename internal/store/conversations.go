package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// ConversationRepo reads conversation membership.
type ConversationRepo struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewConversationRepo creates a new PostgreSQL-backed conversation repository.
func NewConversationRepo(db *pgxpool.Pool, logger zerolog.Logger) *ConversationRepo {
	return &ConversationRepo{db: db, log: logger}
}

// Participants returns the user ids of everyone in the conversation. A
// conversation without participants does not exist as far as routing is
// concerned, so an empty result maps to ErrNotFound.
func (r *ConversationRepo) Participants(ctx context.Context, conversationID int64) ([]string, error) {
	rows, err := r.db.Query(ctx,
		"SELECT user_id FROM conversation_participants WHERE conversation_id = $1 ORDER BY user_id",
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("query participants: %w", err)
	}
	defer rows.Close()

	var userIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		userIDs = append(userIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	if len(userIDs) == 0 {
		return nil, ErrNotFound
	}
	return userIDs, nil
}

// IsParticipant reports whether the user belongs to the conversation.
func (r *ConversationRepo) IsParticipant(ctx context.Context, conversationID int64, userID string) (bool, error) {
	var ok bool
	err := r.db.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2)",
		conversationID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("check participant: %w", err)
	}
	return ok, nil
}

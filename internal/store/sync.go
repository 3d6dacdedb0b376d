package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
)

// change_log kinds. Every mutation that a client can observe appends one row
// in the same transaction, which makes the log id a total order usable as a
// sync cursor.
const (
	kindMessage = "message"
	kindRecall  = "recall"
	kindRead    = "read"
)

// changeRow is one change_log row scoped to a conversation the syncing user
// participates in.
type changeRow struct {
	ID             int64
	Kind           string
	ConversationID int64
	MessageID      *int64
	MsgUID         *string
	ActorID        string
	LastReadMsgID  *int64
	CreatedAt      time.Time
}

// SyncRepo computes client sync deltas from the change log.
type SyncRepo struct {
	db       *pgxpool.Pool
	messages *MessageRepo
	log      zerolog.Logger
}

// NewSyncRepo creates a new PostgreSQL-backed sync repository.
func NewSyncRepo(db *pgxpool.Pool, messages *MessageRepo, logger zerolog.Logger) *SyncRepo {
	return &SyncRepo{db: db, messages: messages, log: logger}
}

// Since returns everything the user has not seen past the cursor: new
// messages, recalls, and read-cursor moves, bounded at limit changes.
func (r *SyncRepo) Since(ctx context.Context, userID string, cursor int64, limit int) (*protocol.SyncResponseData, error) {
	limit = ClampLimit(limit)

	rows, err := r.db.Query(ctx,
		`SELECT c.id, c.kind, c.conversation_id, c.message_id, c.msg_uid, c.actor_id, c.last_read_msg_id, c.created_at
		 FROM change_log c
		 JOIN conversation_participants p
		   ON p.conversation_id = c.conversation_id AND p.user_id = $1
		 WHERE c.id > $2
		 ORDER BY c.id
		 LIMIT $3`,
		userID, cursor, limit+1,
	)
	if err != nil {
		return nil, fmt.Errorf("query change log: %w", err)
	}
	defer rows.Close()

	var changes []changeRow
	for rows.Next() {
		var ch changeRow
		err := rows.Scan(&ch.ID, &ch.Kind, &ch.ConversationID, &ch.MessageID, &ch.MsgUID,
			&ch.ActorID, &ch.LastReadMsgID, &ch.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan change row: %w", err)
		}
		changes = append(changes, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate change log: %w", err)
	}

	hasMore := len(changes) > limit
	if hasMore {
		changes = changes[:limit]
	}

	var msgIDs []int64
	for _, ch := range changes {
		if ch.Kind == kindMessage && ch.MessageID != nil {
			msgIDs = append(msgIDs, *ch.MessageID)
		}
	}
	loaded, err := r.messages.ByIDs(ctx, msgIDs)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]protocol.Message, len(loaded))
	for _, m := range loaded {
		byID[m.ID] = m
	}

	delta := buildDelta(changes, byID, cursor)
	delta.HasMore = hasMore
	return delta, nil
}

// buildDelta folds change rows into the wire-level sync payload, preserving
// change-log order within each category.
func buildDelta(changes []changeRow, byID map[int64]protocol.Message, cursor int64) *protocol.SyncResponseData {
	delta := &protocol.SyncResponseData{
		NewMessages:       []protocol.Message{},
		RecalledMessages:  []protocol.RecallNotifyData{},
		ReadStatusUpdates: []protocol.ReadStatusUpdate{},
		SyncCursor:        cursor,
	}
	for _, ch := range changes {
		switch ch.Kind {
		case kindMessage:
			if ch.MessageID == nil {
				continue
			}
			if msg, ok := byID[*ch.MessageID]; ok {
				delta.NewMessages = append(delta.NewMessages, msg)
			}
		case kindRecall:
			if ch.MsgUID == nil {
				continue
			}
			delta.RecalledMessages = append(delta.RecalledMessages, protocol.RecallNotifyData{
				MsgID:      *ch.MsgUID,
				RecalledAt: ch.CreatedAt.UnixMilli(),
				RecalledBy: ch.ActorID,
			})
		case kindRead:
			if ch.LastReadMsgID == nil {
				continue
			}
			delta.ReadStatusUpdates = append(delta.ReadStatusUpdates, protocol.ReadStatusUpdate{
				ConversationID: ch.ConversationID,
				UserID:         ch.ActorID,
				LastReadMsgID:  *ch.LastReadMsgID,
			})
		}
		delta.SyncCursor = ch.ID
	}
	return delta
}

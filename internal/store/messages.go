package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/postgres"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
)

const messageColumns = `id, msg_id, conversation_id, sender_id, sender_device_id, msg_type, content,
metadata, quote_msg_id, at_user_ids, client_created_at, server_created_at, recalled_at`

// MessageRepo persists chat messages.
type MessageRepo struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewMessageRepo creates a new PostgreSQL-backed message repository.
func NewMessageRepo(db *pgxpool.Pool, logger zerolog.Logger) *MessageRepo {
	return &MessageRepo{db: db, log: logger}
}

// SaveParams groups the inputs for persisting a new message.
type SaveParams struct {
	MsgID           string
	ConversationID  int64
	SenderID        string
	SenderDeviceID  string
	MsgType         string
	Content         string
	Metadata        map[string]any
	QuoteMsgID      string
	AtUserIDs       []string
	ClientCreatedAt int64
}

// Save inserts a message and appends a change-log entry. The insert is
// idempotent on msgId: a replay returns the originally stored record and
// created=false without touching the change log.
func (r *MessageRepo) Save(ctx context.Context, p SaveParams) (*protocol.Message, bool, error) {
	var meta []byte
	if len(p.Metadata) > 0 {
		var err error
		if meta, err = json.Marshal(p.Metadata); err != nil {
			return nil, false, fmt.Errorf("encode message metadata: %w", err)
		}
	}
	atUsers := p.AtUserIDs
	if atUsers == nil {
		atUsers = []string{}
	}

	var msg *protocol.Message
	created := false
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`INSERT INTO messages (msg_id, conversation_id, sender_id, sender_device_id, msg_type, content,
			                       metadata, quote_msg_id, at_user_ids, client_created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			 ON CONFLICT (msg_id) DO NOTHING
			 RETURNING id, server_created_at`,
			p.MsgID, p.ConversationID, p.SenderID, p.SenderDeviceID, p.MsgType, p.Content,
			meta, p.QuoteMsgID, atUsers, p.ClientCreatedAt,
		)

		var id int64
		var createdAt time.Time
		switch err := row.Scan(&id, &createdAt); {
		case err == nil:
			created = true
			msg = &protocol.Message{
				ID:              id,
				MsgID:           p.MsgID,
				ConversationID:  p.ConversationID,
				SenderID:        p.SenderID,
				SenderDeviceID:  p.SenderDeviceID,
				MsgType:         p.MsgType,
				Content:         p.Content,
				Metadata:        p.Metadata,
				QuoteMsgID:      p.QuoteMsgID,
				AtUserIDs:       p.AtUserIDs,
				ClientCreatedAt: p.ClientCreatedAt,
				ServerCreatedAt: createdAt.UnixMilli(),
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO change_log (conversation_id, kind, message_id, msg_uid, actor_id)
				 VALUES ($1, $2, $3, $4, $5)`,
				p.ConversationID, kindMessage, id, p.MsgID, p.SenderID,
			)
			if err != nil {
				return fmt.Errorf("append message change: %w", err)
			}
			return nil
		case errors.Is(err, pgx.ErrNoRows):
			// Replay of an already persisted msgId.
			stored, err := getByMsgID(ctx, tx, p.MsgID)
			if err != nil {
				return fmt.Errorf("load replayed message: %w", err)
			}
			msg = stored
			return nil
		default:
			return fmt.Errorf("insert message: %w", err)
		}
	})
	if err != nil {
		return nil, false, err
	}
	return msg, created, nil
}

// Recall marks a message recalled and appends a change-log entry. Only the
// sender may recall, and only within the given window of the server receive
// time. Recalling an already recalled message is a no-op success.
func (r *MessageRepo) Recall(ctx context.Context, msgID, senderID string, window time.Duration) (*protocol.Message, error) {
	var msg *protocol.Message
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		existing, err := getByMsgID(ctx, tx, msgID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("load message for recall: %w", err)
		}
		if existing.SenderID != senderID {
			return ErrNotSender
		}
		if existing.RecalledAt != nil {
			msg = existing
			return nil
		}
		if time.Since(time.UnixMilli(existing.ServerCreatedAt)) > window {
			return ErrRecallWindow
		}

		var recalledAt time.Time
		err = tx.QueryRow(ctx,
			"UPDATE messages SET recalled_at = now() WHERE id = $1 RETURNING recalled_at",
			existing.ID,
		).Scan(&recalledAt)
		if err != nil {
			return fmt.Errorf("mark message recalled: %w", err)
		}
		ms := recalledAt.UnixMilli()
		existing.RecalledAt = &ms

		_, err = tx.Exec(ctx,
			`INSERT INTO change_log (conversation_id, kind, message_id, msg_uid, actor_id)
			 VALUES ($1, $2, $3, $4, $5)`,
			existing.ConversationID, kindRecall, existing.ID, msgID, senderID,
		)
		if err != nil {
			return fmt.Errorf("append recall change: %w", err)
		}
		msg = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// ListAfter returns messages in a conversation with id greater than afterID,
// oldest first.
func (r *MessageRepo) ListAfter(ctx context.Context, conversationID, afterID int64, limit int) ([]protocol.Message, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM messages
		 WHERE conversation_id = $1 AND id > $2
		 ORDER BY id
		 LIMIT $3`, messageColumns),
		conversationID, afterID, ClampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

// ByIDs loads messages by internal id in ascending id order.
func (r *MessageRepo) ByIDs(ctx context.Context, ids []int64) ([]protocol.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM messages WHERE id = ANY($1) ORDER BY id", messageColumns), ids,
	)
	if err != nil {
		return nil, fmt.Errorf("query messages by id: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows pgx.Rows) ([]protocol.Message, error) {
	var messages []protocol.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func getByMsgID(ctx context.Context, tx pgx.Tx, msgID string) (*protocol.Message, error) {
	row := tx.QueryRow(ctx, fmt.Sprintf(
		"SELECT %s FROM messages WHERE msg_id = $1", messageColumns), msgID,
	)
	return scanMessage(row)
}

// messageRow buffers the raw column values of one messages row until the
// nullable and encoded columns are converted.
type messageRow struct {
	msg        protocol.Message
	meta       []byte
	createdAt  time.Time
	recalledAt *time.Time
}

// dests returns scan destinations in messageColumns order.
func (m *messageRow) dests() []any {
	return []any{
		&m.msg.ID, &m.msg.MsgID, &m.msg.ConversationID, &m.msg.SenderID, &m.msg.SenderDeviceID,
		&m.msg.MsgType, &m.msg.Content, &m.meta, &m.msg.QuoteMsgID, &m.msg.AtUserIDs,
		&m.msg.ClientCreatedAt, &m.createdAt, &m.recalledAt,
	}
}

func (m *messageRow) finish() (*protocol.Message, error) {
	if len(m.meta) > 0 {
		if err := json.Unmarshal(m.meta, &m.msg.Metadata); err != nil {
			return nil, fmt.Errorf("decode message metadata: %w", err)
		}
	}
	if len(m.msg.AtUserIDs) == 0 {
		m.msg.AtUserIDs = nil
	}
	m.msg.ServerCreatedAt = m.createdAt.UnixMilli()
	if m.recalledAt != nil {
		ms := m.recalledAt.UnixMilli()
		m.msg.RecalledAt = &ms
	}
	return &m.msg, nil
}

// scanMessage scans one row into the wire-level message record.
func scanMessage(row pgx.Row) (*protocol.Message, error) {
	var m messageRow
	if err := row.Scan(m.dests()...); err != nil {
		return nil, err
	}
	return m.finish()
}

// prefixColumns qualifies each column in the comma-separated list with a
// table alias for use in join queries.
func prefixColumns(alias, list string) string {
	cols := strings.Split(list, ",")
	for i, col := range cols {
		cols[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(cols, ", ")
}

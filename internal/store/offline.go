package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/postgres"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
)

// QueueEntry targets one message at one absent device. DeviceID may be empty
// to cover every device the user logs in from later.
type QueueEntry struct {
	UserID    string
	DeviceID  string
	MessageID int64
}

// OfflineRepo manages the offline delivery queue. Entries older than ttl are
// expired: the background reaper removes them eventually, and the read paths
// exclude them in the meantime so an expired entry is never delivered.
type OfflineRepo struct {
	db  *pgxpool.Pool
	ttl time.Duration
	log zerolog.Logger
}

// NewOfflineRepo creates a new PostgreSQL-backed offline queue repository.
func NewOfflineRepo(db *pgxpool.Pool, ttl time.Duration, logger zerolog.Logger) *OfflineRepo {
	return &OfflineRepo{db: db, ttl: ttl, log: logger}
}

// Enqueue buffers entries for later delivery. Duplicate
// (user, message, device) triples are absorbed.
func (r *OfflineRepo) Enqueue(ctx context.Context, entries []QueueEntry) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(
			`INSERT INTO offline_queue (user_id, device_id, message_id)
			 VALUES ($1, NULLIF($2, ''), $3)
			 ON CONFLICT (user_id, message_id, COALESCE(device_id, '')) DO NOTHING`,
			e.UserID, e.DeviceID, e.MessageID,
		)
	}
	br := r.db.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()
	for range entries {
		if _, err := br.Exec(); err != nil {
			if postgres.IsForeignKeyViolation(err) {
				return fmt.Errorf("enqueue offline entry: %w", ErrNotFound)
			}
			return fmt.Errorf("enqueue offline entry: %w", err)
		}
	}
	return nil
}

// Pending returns up to limit undelivered, unexpired entries for the device
// in ascending message-id order, each joined with its message record.
// Wildcard entries (NULL device) are included.
func (r *OfflineRepo) Pending(ctx context.Context, userID, deviceID string, limit int) ([]protocol.OfflineMessage, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		`SELECT q.id, %s FROM offline_queue q
		 JOIN messages m ON m.id = q.message_id
		 WHERE q.user_id = $1 AND q.delivered_at IS NULL
		   AND (q.device_id = $2 OR q.device_id IS NULL)
		   AND q.created_at > now() - make_interval(secs => $4)
		 ORDER BY q.message_id, q.id
		 LIMIT $3`, prefixColumns("m", messageColumns)),
		userID, deviceID, ClampLimit(limit), r.ttl.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("query pending offline entries: %w", err)
	}
	defer rows.Close()

	var pending []protocol.OfflineMessage
	for rows.Next() {
		var entry protocol.OfflineMessage
		var m messageRow
		if err := rows.Scan(append([]any{&entry.EntryID}, m.dests()...)...); err != nil {
			return nil, fmt.Errorf("scan offline entry: %w", err)
		}
		msg, err := m.finish()
		if err != nil {
			return nil, err
		}
		entry.Message = *msg
		pending = append(pending, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate offline entries: %w", err)
	}
	return pending, nil
}

// Ack marks the given entries delivered. Returns the number of entries that
// transitioned.
func (r *OfflineRepo) Ack(ctx context.Context, userID string, entryIDs []int64) (int64, error) {
	if len(entryIDs) == 0 {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE offline_queue SET delivered_at = now()
		 WHERE user_id = $1 AND id = ANY($2) AND delivered_at IS NULL`,
		userID, entryIDs,
	)
	if err != nil {
		return 0, fmt.Errorf("ack offline entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AckAll marks every pending entry for the device delivered.
func (r *OfflineRepo) AckAll(ctx context.Context, userID, deviceID string) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE offline_queue SET delivered_at = now()
		 WHERE user_id = $1 AND delivered_at IS NULL
		   AND (device_id = $2 OR device_id IS NULL)`,
		userID, deviceID,
	)
	if err != nil {
		return 0, fmt.Errorf("ack all offline entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AckThrough marks every pending entry for the device whose message id is at
// or below lastMessageID delivered.
func (r *OfflineRepo) AckThrough(ctx context.Context, userID, deviceID string, lastMessageID int64) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE offline_queue SET delivered_at = now()
		 WHERE user_id = $1 AND delivered_at IS NULL
		   AND (device_id = $2 OR device_id IS NULL)
		   AND message_id <= $3`,
		userID, deviceID, lastMessageID,
	)
	if err != nil {
		return 0, fmt.Errorf("ack offline entries through message: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountPending returns the number of undelivered, unexpired entries for the
// device.
func (r *OfflineRepo) CountPending(ctx context.Context, userID, deviceID string) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx,
		`SELECT count(*) FROM offline_queue
		 WHERE user_id = $1 AND delivered_at IS NULL
		   AND (device_id = $2 OR device_id IS NULL)
		   AND created_at > now() - make_interval(secs => $3)`,
		userID, deviceID, r.ttl.Seconds(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending offline entries: %w", err)
	}
	return n, nil
}

// LastDelivered returns the highest delivered message id for the device, or
// zero when nothing has been delivered yet.
func (r *OfflineRepo) LastDelivered(ctx context.Context, userID, deviceID string) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(MAX(message_id), 0) FROM offline_queue
		 WHERE user_id = $1 AND delivered_at IS NOT NULL
		   AND (device_id = $2 OR device_id IS NULL)`,
		userID, deviceID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("query last delivered message: %w", err)
	}
	return id, nil
}

// Reap deletes entries older than ttl regardless of delivery state. Returns
// the number of rows removed.
func (r *OfflineRepo) Reap(ctx context.Context, ttl time.Duration) (int64, error) {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM offline_queue WHERE created_at < now() - make_interval(secs => $1)",
		ttl.Seconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("reap offline queue: %w", err)
	}
	return tag.RowsAffected(), nil
}

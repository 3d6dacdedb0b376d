// Package presence maintains the shared presence set in the coordination
// store: one hash per user mapping each live deviceId to the gateway node
// that owns its session, plus a last-seen timestamp. Session hashes expire
// after 120 seconds unless refreshed by heartbeats, so entries orphaned by a
// crashed node age out on their own.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// sessionTTL is the lifetime of a user's session hash. Heartbeats refresh
// this TTL so the hash expires only when every device stops heartbeating.
const sessionTTL = 120 * time.Second

// Status summarises a user's presence as derived from the session set.
type Status struct {
	UserID   string
	Online   bool
	LastSeen int64 // unix ms, zero when never seen offline
	Devices  []string
}

// Store reads and writes the shared presence set.
type Store struct {
	rdb *redis.Client
}

// NewStore creates a presence store backed by the given coordination client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// AddSession records that nodeID now owns the session of (userID, deviceID).
// The returned flag is true when this was the user's first live session
// anywhere, i.e. the user just transitioned from offline to online.
func (s *Store) AddSession(ctx context.Context, userID, deviceID, nodeID string) (bool, error) {
	key := sessionsKey(userID)
	pipe := s.rdb.Pipeline()
	existed := pipe.Exists(ctx, key)
	pipe.HSet(ctx, key, deviceID, nodeID)
	pipe.Expire(ctx, key, sessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("add session for %s/%s: %w", userID, deviceID, err)
	}
	return existed.Val() == 0, nil
}

// RemoveSession drops the (userID, deviceID) binding and returns the number
// of sessions the user still has anywhere. When it reaches zero the caller
// publishes presence-offline and the last-seen timestamp is recorded.
func (s *Store) RemoveSession(ctx context.Context, userID, deviceID string) (int64, error) {
	key := sessionsKey(userID)
	pipe := s.rdb.Pipeline()
	pipe.HDel(ctx, key, deviceID)
	remaining := pipe.HLen(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("remove session for %s/%s: %w", userID, deviceID, err)
	}

	n := remaining.Val()
	if n == 0 {
		if err := s.rdb.Set(ctx, lastSeenKey(userID), time.Now().UnixMilli(), 0).Err(); err != nil {
			return 0, fmt.Errorf("record last seen for %s: %w", userID, err)
		}
	}
	return n, nil
}

// Sessions returns the user's live sessions as a deviceID → nodeID map. An
// absent hash means the user is offline.
func (s *Store) Sessions(ctx context.Context, userID string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, sessionsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get sessions for %s: %w", userID, err)
	}
	return m, nil
}

// Refresh extends the TTL of the user's session hash without changing it.
// Called on every heartbeat.
func (s *Store) Refresh(ctx context.Context, userID string) error {
	if err := s.rdb.Expire(ctx, sessionsKey(userID), sessionTTL).Err(); err != nil {
		return fmt.Errorf("refresh sessions for %s: %w", userID, err)
	}
	return nil
}

// GetMany returns the presence status for each user in one round trip per
// user pair of keys.
func (s *Store) GetMany(ctx context.Context, userIDs []string) ([]Status, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	sessionCmds := make([]*redis.MapStringStringCmd, len(userIDs))
	lastSeenCmds := make([]*redis.StringCmd, len(userIDs))
	for i, id := range userIDs {
		sessionCmds[i] = pipe.HGetAll(ctx, sessionsKey(id))
		lastSeenCmds[i] = pipe.Get(ctx, lastSeenKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("mget presence: %w", err)
	}

	result := make([]Status, 0, len(userIDs))
	for i, id := range userIDs {
		sessions := sessionCmds[i].Val()
		st := Status{UserID: id, Online: len(sessions) > 0}
		for device := range sessions {
			st.Devices = append(st.Devices, device)
		}
		if ms, err := lastSeenCmds[i].Int64(); err == nil {
			st.LastSeen = ms
		}
		result = append(result, st)
	}
	return result, nil
}

// Delete removes the user's whole session hash. Used during node shutdown.
func (s *Store) Delete(ctx context.Context, userID string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, sessionsKey(userID))
	pipe.Set(ctx, lastSeenKey(userID), time.Now().UnixMilli(), 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete sessions for %s: %w", userID, err)
	}
	return nil
}

func sessionsKey(userID string) string { return "sessions:" + userID }
func lastSeenKey(userID string) string { return "lastseen:" + userID }

package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*miniredis.Miniredis, *Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, NewStore(rdb)
}

func TestAddAndListSessions(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()

	first, err := store.AddSession(ctx, "u1", "d1", "node-a")
	if err != nil {
		t.Fatalf("AddSession() error = %v", err)
	}
	if !first {
		t.Error("first = false for the initial session, want true")
	}
	first, err = store.AddSession(ctx, "u1", "d2", "node-b")
	if err != nil {
		t.Fatalf("AddSession() error = %v", err)
	}
	if first {
		t.Error("first = true for the second session, want false")
	}

	sessions, err := store.Sessions(ctx, "u1")
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("len(sessions) = %d, want 2", len(sessions))
	}
	if sessions["d1"] != "node-a" || sessions["d2"] != "node-b" {
		t.Errorf("sessions = %v, want d1→node-a d2→node-b", sessions)
	}
}

func TestRemoveSessionCountsRemaining(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()

	_, _ = store.AddSession(ctx, "u1", "d1", "node-a")
	_, _ = store.AddSession(ctx, "u1", "d2", "node-a")

	remaining, err := store.RemoveSession(ctx, "u1", "d1")
	if err != nil {
		t.Fatalf("RemoveSession() error = %v", err)
	}
	if remaining != 1 {
		t.Errorf("remaining = %d, want 1", remaining)
	}

	remaining, err = store.RemoveSession(ctx, "u1", "d2")
	if err != nil {
		t.Fatalf("RemoveSession() error = %v", err)
	}
	if remaining != 0 {
		t.Errorf("remaining = %d, want 0", remaining)
	}

	// Last removal records a last-seen timestamp.
	statuses, err := store.GetMany(ctx, []string{"u1"})
	if err != nil {
		t.Fatalf("GetMany() error = %v", err)
	}
	if statuses[0].Online {
		t.Error("Online = true after last removal, want false")
	}
	if statuses[0].LastSeen == 0 {
		t.Error("LastSeen = 0 after last removal, want a timestamp")
	}
}

func TestSessionsExpireWithoutRefresh(t *testing.T) {
	t.Parallel()
	mr, store := newTestStore(t)
	ctx := context.Background()

	_, _ = store.AddSession(ctx, "u1", "d1", "node-a")
	mr.FastForward(3 * time.Minute)

	sessions, err := store.Sessions(ctx, "u1")
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("len(sessions) = %d after TTL, want 0", len(sessions))
	}
}

func TestRefreshExtendsTTL(t *testing.T) {
	t.Parallel()
	mr, store := newTestStore(t)
	ctx := context.Background()

	_, _ = store.AddSession(ctx, "u1", "d1", "node-a")
	mr.FastForward(90 * time.Second)
	if err := store.Refresh(ctx, "u1"); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	mr.FastForward(90 * time.Second)

	sessions, _ := store.Sessions(ctx, "u1")
	if len(sessions) != 1 {
		t.Errorf("len(sessions) = %d after refresh, want 1", len(sessions))
	}
}

func TestGetManyMixedStates(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()

	_, _ = store.AddSession(ctx, "online-user", "d1", "node-a")

	statuses, err := store.GetMany(ctx, []string{"online-user", "offline-user"})
	if err != nil {
		t.Fatalf("GetMany() error = %v", err)
	}
	if len(statuses) != 2 {
		t.Fatalf("len(statuses) = %d, want 2", len(statuses))
	}
	if !statuses[0].Online || len(statuses[0].Devices) != 1 {
		t.Errorf("statuses[0] = %+v, want online with one device", statuses[0])
	}
	if statuses[1].Online {
		t.Errorf("statuses[1] = %+v, want offline", statuses[1])
	}
}

func TestGetManyEmpty(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)

	statuses, err := store.GetMany(context.Background(), nil)
	if err != nil {
		t.Fatalf("GetMany() error = %v", err)
	}
	if statuses != nil {
		t.Errorf("GetMany(nil) = %v, want nil", statuses)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	_, store := newTestStore(t)
	ctx := context.Background()

	_, _ = store.AddSession(ctx, "u1", "d1", "node-a")
	if err := store.Delete(ctx, "u1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	sessions, _ := store.Sessions(ctx, "u1")
	if len(sessions) != 0 {
		t.Errorf("len(sessions) = %d after delete, want 0", len(sessions))
	}
}

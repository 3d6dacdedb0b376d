package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
)

func newTestPubSub(t *testing.T) (*redis.Client, *PubSub) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb, NewPubSub(context.Background(), rdb, zerolog.Nop())
}

func TestPubSubDeliversUserEvents(t *testing.T) {
	t.Parallel()
	_, ps := newTestPubSub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := make(chan Event, 1)
	go func() {
		_ = ps.Run(ctx, func(ev Event) { events <- ev }, func(protocol.OnlineStatusChangeData) {})
	}()

	ps.Retain(ctx, "u1")
	payload, _ := json.Marshal(protocol.ServerErrorData{Error: "x"})
	if err := ps.Publish(ctx, Event{
		TargetUserID: "u1",
		PacketType:   protocol.OpReceiveMessage,
		Payload:      payload,
		OriginNode:   "node-b",
	}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case ev := <-events:
		if ev.TargetUserID != "u1" || ev.PacketType != protocol.OpReceiveMessage || ev.OriginNode != "node-b" {
			t.Errorf("event = %+v, want u1/RECEIVE_MESSAGE from node-b", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fan-out event")
	}
}

func TestPubSubRefCounting(t *testing.T) {
	t.Parallel()
	_, ps := newTestPubSub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delivered := make(chan Event, 4)
	go func() {
		_ = ps.Run(ctx, func(ev Event) { delivered <- ev }, func(protocol.OnlineStatusChangeData) {})
	}()

	// Two sessions retain, one releases: still subscribed.
	ps.Retain(ctx, "u1")
	ps.Retain(ctx, "u1")
	ps.Release(ctx, "u1")

	if err := ps.Publish(ctx, Event{TargetUserID: "u1", PacketType: protocol.OpTypingNotify, OriginNode: "n2"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered while a session reference remains")
	}

	// Last release unsubscribes. The unsubscribe command travels on the
	// subscription connection while publishes use another, so probe until a
	// publish goes unseen rather than assuming the very next one will.
	ps.Release(ctx, "u1")
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := ps.Publish(ctx, Event{TargetUserID: "u1", PacketType: protocol.OpTypingNotify, OriginNode: "n2"}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		select {
		case ev := <-delivered:
			if time.Now().After(deadline) {
				t.Fatalf("still receiving %+v after the last release", ev)
			}
			time.Sleep(20 * time.Millisecond)
		case <-time.After(150 * time.Millisecond):
			return
		}
	}
}

func TestPubSubDeliversPresenceChanges(t *testing.T) {
	t.Parallel()
	_, ps := newTestPubSub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan protocol.OnlineStatusChangeData, 1)
	go func() {
		_ = ps.Run(ctx, func(Event) {}, func(c protocol.OnlineStatusChangeData) { changes <- c })
	}()

	if err := ps.PublishPresence(ctx, protocol.OnlineStatusChangeData{UserID: "u1", Online: true}); err != nil {
		t.Fatalf("PublishPresence() error = %v", err)
	}

	select {
	case change := <-changes:
		if change.UserID != "u1" || !change.Online {
			t.Errorf("change = %+v, want u1 online", change)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for presence change")
	}
}

func TestReleaseWithoutRetainIsSafe(t *testing.T) {
	t.Parallel()
	_, ps := newTestPubSub(t)
	ps.Release(context.Background(), "nobody")
}

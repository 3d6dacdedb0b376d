package redisconn

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestConnect(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), "redis://"+mr.Addr(), time.Second)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
}

func TestConnectBadURL(t *testing.T) {
	t.Parallel()

	if _, err := Connect(context.Background(), "://bad", time.Second); err == nil {
		t.Error("Connect() error = nil, want parse error")
	}
}

func TestConnectUnreachable(t *testing.T) {
	t.Parallel()

	if _, err := Connect(context.Background(), "redis://127.0.0.1:1", 100*time.Millisecond); err == nil {
		t.Error("Connect() error = nil, want ping failure")
	}
}

// Package redisconn connects to the coordination store (any Redis-compatible
// server) used for cross-node presence and pub/sub.
package redisconn

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect parses the coordination store URL, connects, and pings to verify
// the connection. The dialTimeout parameter controls how long the client
// waits when establishing new connections.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse coordination URL: %w", err)
	}
	opts.DialTimeout = dialTimeout

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping coordination store: %w", err)
	}

	return client, nil
}

package gateway

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Reaper closes sessions whose clients stopped heartbeating. The read
// deadline catches most dead connections; the reaper is the backstop for
// peers that keep the TCP stream alive without sending anything.
type Reaper struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	log      zerolog.Logger
}

// NewReaper creates a reaper that scans every interval and evicts sessions
// silent for longer than timeout.
func NewReaper(registry *Registry, interval, timeout time.Duration, logger zerolog.Logger) *Reaper {
	return &Reaper{
		registry: registry,
		interval: interval,
		timeout:  timeout,
		log:      logger.With().Str("component", "reaper").Logger(),
	}
}

// Run scans until the context is cancelled. Closing a session unblocks its
// read loop, which runs the normal teardown and presence propagation.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	reaped := 0
	r.registry.Each(func(s *Session) {
		if s.heartbeatAge() <= r.timeout {
			return
		}
		r.log.Info().Str("user_id", s.userID).Str("device_id", s.deviceID).
			Dur("silent_for", s.heartbeatAge()).Msg("reaping dead session")
		s.closeWithCode(CloseHeartbeatExpired, "heartbeat timeout")
		reaped++
	})
	if reaped > 0 {
		r.log.Debug().Int("reaped", reaped).Msg("reaper sweep complete")
	}
}

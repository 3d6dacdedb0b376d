package gateway

import "errors"

// Application WebSocket close codes. Standard codes (1000, 1001) are defined
// by RFC 6455; the 4000 range is reserved for application use.
const (
	CloseProtocolError    = 4002
	CloseNotAuthenticated = 4003
	CloseAuthFailed       = 4004
	CloseDisplaced        = 4006
	CloseSlowConsumer     = 4008
	CloseHeartbeatExpired = 4009
)

// Sentinel errors for gateway failure modes.
var (
	ErrSessionClosed = errors.New("session is closed")
	ErrSlowConsumer  = errors.New("session outbound queue stayed full past the grace period")
	ErrLoginTimeout  = errors.New("client did not log in before the handshake deadline")
)

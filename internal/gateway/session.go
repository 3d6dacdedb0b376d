package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
)

// writeWait is the time allowed to write a single frame to the peer.
const writeWait = 10 * time.Second

// Session is the in-memory binding of one authenticated device to one live
// WebSocket connection. Each session runs a write pump goroutine; the read
// loop is driven by the hub. All outbound traffic goes through enqueue so a
// single destination sees packets in enqueue order.
type Session struct {
	id         string
	userID     string
	deviceID   string
	deviceType string

	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	connectedAt   time.Time
	lastHeartbeat atomic.Int64 // unix ms

	// grace is how long enqueue may wait on a full queue before the
	// session is closed as a slow consumer.
	grace time.Duration

	// replaced is set when a same-device login displaces this session, so
	// teardown skips the shared presence removal that would otherwise
	// clobber the successor's binding.
	replaced atomic.Bool

	closeOnce   sync.Once
	done        chan struct{}
	closeMu     sync.Mutex
	closeCode   int
	closeReason string

	// watched is the set of user ids this session subscribed to for
	// online-status change pushes.
	watchMu sync.RWMutex
	watched map[string]struct{}
}

func newSession(conn *websocket.Conn, userID, deviceID, deviceType string, queueCap int, grace time.Duration, logger zerolog.Logger) *Session {
	s := &Session{
		id:          uuid.NewString(),
		userID:      userID,
		deviceID:    deviceID,
		deviceType:  deviceType,
		conn:        conn,
		send:        make(chan []byte, queueCap),
		grace:       grace,
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
	s.log = logger.With().Str("user_id", userID).Str("device_id", deviceID).Logger()
	s.touchHeartbeat()
	return s
}

// UserID returns the authenticated user id.
func (s *Session) UserID() string { return s.userID }

// DeviceID returns the device this session is bound to.
func (s *Session) DeviceID() string { return s.deviceID }

// touchHeartbeat records that the client showed signs of life.
func (s *Session) touchHeartbeat() {
	s.lastHeartbeat.Store(time.Now().UnixMilli())
}

// heartbeatAge returns how long the client has been silent.
func (s *Session) heartbeatAge() time.Duration {
	return time.Since(time.UnixMilli(s.lastHeartbeat.Load()))
}

// markReplaced flags the session as displaced by a newer same-device login.
func (s *Session) markReplaced() { s.replaced.Store(true) }

func (s *Session) isReplaced() bool { return s.replaced.Load() }

// watch replaces the session's online-status subscription set.
func (s *Session) watch(userIDs []string) {
	set := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		set[id] = struct{}{}
	}
	s.watchMu.Lock()
	s.watched = set
	s.watchMu.Unlock()
}

// watching reports whether the session subscribed to the user's presence.
func (s *Session) watching(userID string) bool {
	s.watchMu.RLock()
	defer s.watchMu.RUnlock()
	_, ok := s.watched[userID]
	return ok
}

// sendPacket encodes and enqueues one packet. seq may be empty for pushes;
// the codec allocates one.
func (s *Session) sendPacket(op protocol.Opcode, seq string, data any) error {
	if seq == "" {
		seq = protocol.NewSeq()
	}
	frame, err := protocol.Encode(op, seq, data)
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

// enqueue hands a frame to the write pump. A full queue is tolerated for the
// grace period; past it the session is closed as a slow consumer and the
// caller is expected to fall back to the offline queue.
func (s *Session) enqueue(frame []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	case s.send <- frame:
		return nil
	default:
	}

	timer := time.NewTimer(s.grace)
	defer timer.Stop()
	select {
	case s.send <- frame:
		return nil
	case <-s.done:
		return ErrSessionClosed
	case <-timer.C:
		s.log.Warn().Msg("outbound queue full past grace period, closing slow consumer")
		s.closeWithCode(CloseSlowConsumer, "slow consumer")
		return ErrSlowConsumer
	}
}

// writePump writes queued frames to the connection. It owns the connection
// teardown: on close it flushes whatever was queued, sends the close frame,
// and only then closes the socket, so a final KICKED_OFFLINE or SERVER_ERROR
// still reaches the client.
func (s *Session) writePump() {
	defer func() { _ = s.conn.Close() }()

	for {
		select {
		case frame := <-s.send:
			if !s.writeFrame(frame) {
				return
			}
		case <-s.done:
			for {
				select {
				case frame := <-s.send:
					if !s.writeFrame(frame) {
						return
					}
				default:
					code, reason := s.closeStatus()
					msg := websocket.FormatCloseMessage(code, reason)
					_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
					return
				}
			}
		}
	}
}

func (s *Session) writeFrame(frame []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.log.Debug().Err(err).Msg("websocket write error")
		s.close()
		return false
	}
	return true
}

// close signals teardown exactly once. The write pump flushes and closes the
// socket; the read loop then observes the dead connection and runs hub
// teardown.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// closeWithCode records the application close code to put on the close
// frame, then tears the session down.
func (s *Session) closeWithCode(code int, reason string) {
	s.closeMu.Lock()
	if s.closeCode == 0 {
		s.closeCode = code
		s.closeReason = reason
	}
	s.closeMu.Unlock()
	s.close()
}

// closeStatus returns the close frame code and reason, defaulting to a
// normal closure.
func (s *Session) closeStatus() (int, string) {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closeCode == 0 {
		return websocket.CloseNormalClosure, ""
	}
	return s.closeCode, s.closeReason
}

// Package gateway is the WebSocket fabric: it authenticates connections,
// tracks (user, device) session bindings, routes chat traffic between
// participants, drains the offline queue on login, and bridges nodes through
// the coordination store's pub/sub channels.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/auth"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/config"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/persist"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/presence"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
)

// authFailureGrace is how long a rejected connection stays open so the
// client can read the failure reason before the close frame.
const authFailureGrace = time.Second

// kickReason is the KICKED_OFFLINE reason for same-device displacement.
const kickReason = "Another device logged in"

// Hub owns the node's sessions: handshake, dispatch, presence transitions,
// and delivery of cross-node events to local sessions.
type Hub struct {
	cfg      *config.Config
	registry *Registry
	presence *presence.Store
	persist  PersistenceClient
	pubsub   *PubSub
	router   *Router
	nodeID   string
	log      zerolog.Logger
}

// NewHub creates a gateway hub for this node.
func NewHub(cfg *config.Config, registry *Registry, presenceStore *presence.Store, persistClient PersistenceClient, pubsub *PubSub, router *Router, nodeID string, logger zerolog.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		registry: registry,
		presence: presenceStore,
		persist:  persistClient,
		pubsub:   pubsub,
		router:   router,
		nodeID:   nodeID,
		log:      logger.With().Str("component", "gateway").Logger(),
	}
}

// Run consumes the node's pub/sub subscription until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	return h.pubsub.Run(ctx, h.deliverEvent, h.deliverPresence)
}

// ServeWebSocket drives one upgraded connection: login handshake, then the
// write pump, the offline drain, and the read loop until disconnect.
func (h *Hub) ServeWebSocket(conn *websocket.Conn) {
	conn.SetReadLimit(int64(h.cfg.MaxFrameBytes))

	s, ok := h.handshake(conn)
	if !ok {
		return
	}
	go s.writePump()
	go h.drainOffline(s)
	h.readLoop(s)
}

// handshake waits for LOGIN, validates the token, upserts the device
// directory entry, and binds the session. Any failure writes a LOGIN_RESPONSE
// with the reason and closes after a short grace.
func (h *Hub) handshake(conn *websocket.Conn) (*Session, bool) {
	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.LoginTimeout))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		// Deadline expiry or an early hangup. Report why before closing;
		// the write is best-effort since the peer may already be gone.
		h.closeWithError(conn, CloseNotAuthenticated, ErrLoginTimeout.Error())
		return nil, false
	}

	pkt, err := protocol.Decode(raw, h.cfg.MaxFrameBytes)
	if err != nil || pkt.Type != protocol.OpLogin {
		h.rejectLogin(conn, "", "Authentication required")
		return nil, false
	}

	var login protocol.LoginData
	if err := pkt.DecodeData(&login); err != nil || login.DeviceID == "" || !protocol.ValidDeviceType(login.DeviceType) {
		h.rejectLogin(conn, pkt.Seq, "Invalid login payload")
		return nil, false
	}

	userID, err := auth.ValidateAccessToken(login.Token, h.cfg.JWTSecret, h.cfg.JWTIssuer)
	if err != nil {
		h.log.Debug().Err(err).Msg("login token validation failed")
		h.rejectLogin(conn, pkt.Seq, "Invalid or expired token")
		return nil, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.LoginTimeout)
	defer cancel()

	if err := h.persist.UpsertDevice(ctx, persist.Device{
		UserID:     userID,
		DeviceID:   login.DeviceID,
		DeviceType: login.DeviceType,
		DeviceName: login.DeviceName,
	}); err != nil {
		h.log.Warn().Err(err).Str("user_id", userID).Msg("device upsert failed during login")
		h.rejectLogin(conn, pkt.Seq, "Service temporarily unavailable")
		return nil, false
	}

	s := newSession(conn, userID, login.DeviceID, login.DeviceType, h.cfg.OutboundQueueCap, h.cfg.SlowConsumerGrace, h.log)
	h.register(ctx, s)

	frame, err := protocol.Encode(protocol.OpLoginResponse, pkt.Seq, protocol.LoginResponseData{Success: true, UserID: userID})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err = conn.WriteMessage(websocket.TextMessage, frame)
	}
	if err != nil {
		h.log.Debug().Err(err).Msg("failed to send login response")
		s.close()
		_ = conn.Close() // write pump not started yet, close directly
		h.unregister(s)
		return nil, false
	}

	h.log.Info().Str("user_id", userID).Str("device_id", login.DeviceID).Str("device_type", login.DeviceType).Msg("session logged in")
	return s, true
}

// closeWithError sends a SERVER_ERROR packet and a close frame carrying the
// reason, then closes the connection. Used before a session exists; live
// sessions go through closeWithCode instead.
func (h *Hub) closeWithError(conn *websocket.Conn, code int, reason string) {
	if frame, err := protocol.Encode(protocol.OpServerError, protocol.NewSeq(), protocol.ServerErrorData{Error: reason}); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// rejectLogin reports an authentication failure and closes the connection
// after a grace period so the client sees the reason.
func (h *Hub) rejectLogin(conn *websocket.Conn, seq, reason string) {
	if seq == "" {
		seq = protocol.NewSeq()
	}
	if frame, err := protocol.Encode(protocol.OpLoginResponse, seq, protocol.LoginResponseData{Success: false, Error: reason}); err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	time.Sleep(authFailureGrace)
	msg := websocket.FormatCloseMessage(CloseAuthFailed, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = conn.Close()
}

// register binds the session, displacing any prior same-device session on
// this node or, via pub/sub, on another node. The offline to online
// transition is broadcast for status watchers.
func (h *Hub) register(ctx context.Context, s *Session) {
	if displaced := h.registry.Bind(s); displaced != nil {
		h.kick(displaced, kickReason)
		h.pubsub.Release(ctx, s.userID)
	}
	h.pubsub.Retain(ctx, s.userID)

	remoteOwner := false
	if owners, err := h.presence.Sessions(ctx, s.userID); err == nil {
		node, ok := owners[s.deviceID]
		remoteOwner = ok && node != h.nodeID
	}

	first, err := h.presence.AddSession(ctx, s.userID, s.deviceID, h.nodeID)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", s.userID).Msg("failed to record presence session")
	}

	if remoteOwner {
		payload, _ := json.Marshal(protocol.KickedOfflineData{Reason: kickReason})
		if err := h.pubsub.Publish(ctx, Event{
			TargetUserID:   s.userID,
			TargetDeviceID: s.deviceID,
			PacketType:     protocol.OpKickedOffline,
			Payload:        payload,
			OriginNode:     h.nodeID,
		}); err != nil {
			h.log.Warn().Err(err).Str("device_id", s.deviceID).Msg("failed to publish cross-node kick")
		}
	}

	if first {
		if err := h.pubsub.PublishPresence(ctx, protocol.OnlineStatusChangeData{UserID: s.userID, Online: true}); err != nil {
			h.log.Warn().Err(err).Str("user_id", s.userID).Msg("failed to publish online transition")
		}
	}
}

// kick displaces a session: best-effort KICKED_OFFLINE, then close. The
// replaced flag keeps teardown from clobbering the successor's presence.
func (h *Hub) kick(s *Session, reason string) {
	s.markReplaced()
	if err := s.sendPacket(protocol.OpKickedOffline, "", protocol.KickedOfflineData{Reason: reason}); err != nil {
		s.log.Debug().Err(err).Msg("failed to deliver kick notification")
	}
	s.closeWithCode(CloseDisplaced, reason)
}

// unregister releases the session's registry slot and shared state. A
// session that was displaced is no longer current and leaves the successor's
// state alone.
func (h *Hub) unregister(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if !h.registry.Unbind(s) {
		return
	}
	h.pubsub.Release(ctx, s.userID)

	if s.isReplaced() {
		return
	}

	remaining, err := h.presence.RemoveSession(ctx, s.userID, s.deviceID)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", s.userID).Msg("failed to remove presence session")
		return
	}
	if remaining == 0 && len(h.registry.SessionsFor(s.userID)) == 0 {
		if err := h.pubsub.PublishPresence(ctx, protocol.OnlineStatusChangeData{
			UserID:   s.userID,
			Online:   false,
			LastSeen: time.Now().UnixMilli(),
		}); err != nil {
			h.log.Warn().Err(err).Str("user_id", s.userID).Msg("failed to publish offline transition")
		}
	}
	h.log.Info().Str("user_id", s.userID).Str("device_id", s.deviceID).Msg("session disconnected")
}

// readLoop reads and dispatches frames until the connection dies. Oversize
// and malformed frames close the connection; unknown opcodes are dropped.
func (h *Hub) readLoop(s *Session) {
	defer func() {
		s.close()
		h.unregister(s)
	}()

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(h.cfg.HeartbeatTimeout))
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				h.sendError(s, "", "Frame too large")
				s.closeWithCode(CloseProtocolError, "frame too large")
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}

		pkt, err := protocol.Decode(raw, h.cfg.MaxFrameBytes)
		switch {
		case errors.Is(err, protocol.ErrUnknownOpcode):
			s.log.Debug().Int("type", int(pkt.Type)).Msg("dropping unknown opcode")
			continue
		case errors.Is(err, protocol.ErrFrameTooLarge):
			h.sendError(s, "", "Frame too large")
			s.closeWithCode(CloseProtocolError, "frame too large")
			return
		case err != nil:
			h.sendError(s, "", "Malformed packet")
			s.closeWithCode(CloseProtocolError, "malformed packet")
			return
		}

		h.dispatch(s, pkt)
	}
}

// dispatch routes one authenticated packet to its handler. Handlers run on
// the session's read goroutine, so a sender's packets are handled in order.
func (h *Hub) dispatch(s *Session, pkt *protocol.Packet) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.RequestTimeout)
	defer cancel()

	switch pkt.Type {
	case protocol.OpHeartbeat:
		h.handleHeartbeat(ctx, s, pkt)
	case protocol.OpLogout:
		h.handleLogout(ctx, s, pkt)
	case protocol.OpChatMessage:
		h.router.HandleChat(ctx, s, pkt)
	case protocol.OpTyping:
		h.router.HandleTyping(ctx, s, pkt)
	case protocol.OpReadAck:
		h.router.HandleReadAck(ctx, s, pkt)
	case protocol.OpRecallMessage:
		h.router.HandleRecall(ctx, s, pkt)
	case protocol.OpSyncRequest:
		h.handleSyncRequest(ctx, s, pkt)
	case protocol.OpOfflineSyncAck:
		h.handleOfflineAck(ctx, s, pkt)
	case protocol.OpOnlineStatusRequest:
		h.handleOnlineStatus(ctx, s, pkt)
	case protocol.OpOnlineStatusSubscribe:
		h.handleStatusSubscribe(s, pkt)
	case protocol.OpLogin:
		s.log.Debug().Msg("ignoring login on an authenticated session")
	default:
		s.log.Debug().Int("type", int(pkt.Type)).Msg("dropping unroutable opcode")
	}
}

// handleHeartbeat records liveness, refreshes the shared presence TTL, and
// echoes a HEARTBEAT_RESPONSE.
func (h *Hub) handleHeartbeat(ctx context.Context, s *Session, pkt *protocol.Packet) {
	s.touchHeartbeat()
	if err := h.presence.Refresh(ctx, s.userID); err != nil {
		s.log.Debug().Err(err).Msg("failed to refresh presence TTL")
	}
	if err := s.sendPacket(protocol.OpHeartbeatResponse, pkt.Seq, nil); err != nil {
		s.log.Debug().Err(err).Msg("failed to send heartbeat response")
	}
}

// handleLogout acknowledges, removes the device-directory entry, and closes.
func (h *Hub) handleLogout(ctx context.Context, s *Session, pkt *protocol.Packet) {
	if err := s.sendPacket(protocol.OpLogoutResponse, pkt.Seq, protocol.LogoutResponseData{Success: true}); err != nil {
		s.log.Debug().Err(err).Msg("failed to send logout response")
	}
	if err := h.persist.DeleteDevice(ctx, persist.Identity{UserID: s.userID, DeviceID: s.deviceID}); err != nil {
		h.log.Warn().Err(err).Str("device_id", s.deviceID).Msg("failed to remove device on logout")
	}
	s.close()
}

// handleOnlineStatus answers a presence query from the shared presence set.
func (h *Hub) handleOnlineStatus(ctx context.Context, s *Session, pkt *protocol.Packet) {
	var req protocol.OnlineStatusRequestData
	if err := pkt.DecodeData(&req); err != nil {
		h.sendError(s, pkt.Seq, "Invalid status request")
		return
	}

	statuses, err := h.presence.GetMany(ctx, req.UserIDs)
	if err != nil {
		h.log.Warn().Err(err).Msg("presence query failed")
		h.sendError(s, pkt.Seq, "Service temporarily unavailable")
		return
	}

	resp := protocol.OnlineStatusResponseData{Statuses: make([]protocol.OnlineStatus, 0, len(statuses))}
	for _, st := range statuses {
		resp.Statuses = append(resp.Statuses, protocol.OnlineStatus{
			UserID:        st.UserID,
			Online:        st.Online,
			LastSeen:      st.LastSeen,
			ActiveDevices: st.Devices,
		})
	}
	if err := s.sendPacket(protocol.OpOnlineStatusResponse, pkt.Seq, resp); err != nil {
		s.log.Debug().Err(err).Msg("failed to send status response")
	}
}

// handleStatusSubscribe replaces the session's presence watch set.
func (h *Hub) handleStatusSubscribe(s *Session, pkt *protocol.Packet) {
	var req protocol.OnlineStatusSubscribeData
	if err := pkt.DecodeData(&req); err != nil {
		return
	}
	s.watch(req.UserIDs)
}

// deliverEvent translates a cross-node fan-out event to local session sends.
// Events published by this node were already delivered directly.
func (h *Hub) deliverEvent(ev Event) {
	if ev.OriginNode == h.nodeID {
		return
	}

	if ev.PacketType == protocol.OpKickedOffline {
		s, ok := h.registry.Get(ev.TargetUserID, ev.TargetDeviceID)
		if !ok {
			return
		}
		var kick protocol.KickedOfflineData
		if err := json.Unmarshal(ev.Payload, &kick); err != nil || kick.Reason == "" {
			kick.Reason = kickReason
		}
		h.kick(s, kick.Reason)
		return
	}

	frame, err := protocol.Encode(ev.PacketType, protocol.NewSeq(), ev.Payload)
	if err != nil {
		h.log.Warn().Err(err).Msg("failed to encode cross-node event")
		return
	}
	for _, s := range h.registry.SessionsFor(ev.TargetUserID) {
		if ev.TargetDeviceID != "" && s.deviceID != ev.TargetDeviceID {
			continue
		}
		if err := s.enqueue(frame); err != nil {
			s.log.Debug().Err(err).Msg("failed to deliver cross-node event")
		}
	}
}

// deliverPresence pushes an online-status transition to every local session
// that subscribed to the subject user.
func (h *Hub) deliverPresence(change protocol.OnlineStatusChangeData) {
	h.registry.Each(func(s *Session) {
		if !s.watching(change.UserID) {
			return
		}
		if err := s.sendPacket(protocol.OpOnlineStatusChange, "", change); err != nil {
			s.log.Debug().Err(err).Msg("failed to deliver status change")
		}
	})
}

// sendError pushes a SERVER_ERROR packet. seq may be empty for unsolicited
// errors; a request's seq ties the error back to the failed call.
func (h *Hub) sendError(s *Session, seq, reason string) {
	if err := s.sendPacket(protocol.OpServerError, seq, protocol.ServerErrorData{Error: reason}); err != nil {
		s.log.Debug().Err(err).Msg("failed to send server error")
	}
}

// Shutdown closes every session and removes this node's presence records.
// Read loops still run their registry teardown; the replaced flag keeps them
// from repeating the presence removal done here.
func (h *Hub) Shutdown(ctx context.Context) {
	h.registry.Each(func(s *Session) {
		s.markReplaced()
		if _, err := h.presence.RemoveSession(ctx, s.userID, s.deviceID); err != nil {
			h.log.Warn().Err(err).Str("user_id", s.userID).Msg("failed to remove presence during shutdown")
		}
		s.closeWithCode(websocket.CloseGoingAway, "server shutting down")
	})
	h.log.Info().Msg("gateway hub shut down")
}

// SessionCount reports the number of live sessions on this node.
func (h *Hub) SessionCount() int {
	return h.registry.Count()
}

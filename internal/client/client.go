// Package client is the connector embedded in end-user applications. It
// owns the WebSocket to a gateway node, performs the login handshake,
// correlates requests with responses by seq, dispatches server pushes to
// registered handlers, and reconnects with exponential backoff when the
// connection drops.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultRequestTimeout       = 10 * time.Second
	DefaultReconnectBase        = time.Second
	DefaultReconnectCap         = 30 * time.Second
	DefaultMaxReconnectAttempts = 10
)

// Sentinel errors. ErrRequestTimeout and ErrConnectionClosed carry the
// rejection reasons surfaced to application code verbatim.
var (
	ErrRequestTimeout   = errors.New("Request timeout")
	ErrConnectionClosed = errors.New("Connection closed")
	ErrNotConnected     = errors.New("client is not connected")
	ErrAlreadyConnected = errors.New("client is already connected")
)

// State is the connector lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// PushHandler receives one server-initiated push packet. Handlers run on the
// read loop goroutine and must not block.
type PushHandler func(pkt *protocol.Packet)

// Options configures a Client. URL, Token, DeviceID and DeviceType are
// required; everything else has a default.
type Options struct {
	URL        string
	Token      string
	DeviceID   string
	DeviceType string
	DeviceName string

	HeartbeatInterval    time.Duration
	RequestTimeout       time.Duration
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int

	// Dialer overrides websocket.DefaultDialer, mainly for tests.
	Dialer *websocket.Dialer
	Logger zerolog.Logger

	// OnConnected fires after every successful login, including the ones
	// performed by the reconnect loop.
	OnConnected func(userID string)
	// OnReconnecting fires before each reconnect attempt.
	OnReconnecting func(attempt int)
	// OnDisconnected fires when the connector gives up: explicit disconnect,
	// kicked offline, or reconnect attempts exhausted.
	OnDisconnected func(err error)
}

// Client is an instantiable connector; one value per logical device.
type Client struct {
	opts    Options
	log     zerolog.Logger
	dialer  *websocket.Dialer
	pending *pendingTable

	handlerMu sync.RWMutex
	handlers  map[protocol.Opcode]PushHandler

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	token    string
	userID   string
	attempts int
	closed   bool

	writeMu sync.Mutex
}

// New creates a Client. It does not open the connection; call Connect.
func New(opts Options) *Client {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = DefaultReconnectBase
	}
	if opts.ReconnectCap <= 0 {
		opts.ReconnectCap = DefaultReconnectCap
	}
	if opts.MaxReconnectAttempts <= 0 {
		opts.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	return &Client{
		opts:     opts,
		log:      opts.Logger,
		dialer:   dialer,
		pending:  newPendingTable(opts.RequestTimeout),
		handlers: make(map[protocol.Opcode]PushHandler),
	}
}

// reconnectDelay computes the backoff before reconnect attempt n, doubling
// from base and saturating at ceiling.
func reconnectDelay(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// Handle registers the push handler for op, replacing any previous one.
// Registration is only effective before Connect or from a handler.
func (c *Client) Handle(op protocol.Opcode, fn PushHandler) {
	c.handlerMu.Lock()
	c.handlers[op] = fn
	c.handlerMu.Unlock()
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the identity confirmed by the last successful login, or ""
// before the first login.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Connect dials the gateway and performs the login handshake. On success the
// client is connected, the heartbeat is running, and socket loss triggers
// automatic reconnection until Disconnect is called or the server kicks this
// device.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.closed = false
	c.token = c.opts.Token
	c.mu.Unlock()

	return c.connect(ctx)
}

// connect is the single attempt shared by Connect and the reconnect loop.
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.token == "" {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	c.state = StateConnecting
	token := c.token
	c.mu.Unlock()

	conn, resp, err := c.dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		c.settle(StateDisconnected)
		return fmt.Errorf("dial %s: %w", c.opts.URL, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	go c.readLoop(conn)

	loginCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()
	pkt, err := c.roundTrip(loginCtx, conn, protocol.OpLogin, protocol.LoginData{
		Token:      token,
		DeviceID:   c.opts.DeviceID,
		DeviceType: c.opts.DeviceType,
		DeviceName: c.opts.DeviceName,
	})
	if err != nil {
		c.dropConn(conn)
		c.settle(StateDisconnected)
		return fmt.Errorf("login: %w", err)
	}

	var login protocol.LoginResponseData
	if err := pkt.DecodeData(&login); err != nil {
		c.dropConn(conn)
		c.settle(StateDisconnected)
		return fmt.Errorf("login response: %w", err)
	}
	if !login.Success {
		c.dropConn(conn)
		c.settle(StateDisconnected)
		return fmt.Errorf("login rejected: %s", login.Error)
	}

	c.mu.Lock()
	c.state = StateConnected
	c.userID = login.UserID
	c.attempts = 0
	c.mu.Unlock()

	c.log.Info().Str("user_id", login.UserID).Msg("Connected")
	go c.heartbeatLoop(conn)
	if cb := c.opts.OnConnected; cb != nil {
		cb(login.UserID)
	}
	return nil
}

// Disconnect sends a best-effort LOGOUT, closes the socket, and rejects all
// pending requests. It is synchronous from the caller's view; pushes
// arriving afterwards are discarded.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.token = ""
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if conn != nil {
		_ = c.write(conn, protocol.OpLogout, protocol.NewSeq(), nil)
		_ = conn.Close()
	}
	c.pending.failAll(ErrConnectionClosed)
	if cb := c.opts.OnDisconnected; cb != nil {
		cb(nil)
	}
}

// Request sends op with data and waits for the response packet echoing its
// seq. It fails with ErrRequestTimeout after the configured timeout and with
// ErrConnectionClosed if the socket drops while waiting.
func (c *Client) Request(ctx context.Context, op protocol.Opcode, data any) (*protocol.Packet, error) {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return nil, ErrNotConnected
	}
	return c.roundTrip(ctx, conn, op, data)
}

// Send writes op with data without registering for a response, for
// fire-and-forget packets such as TYPING and READ_ACK.
func (c *Client) Send(op protocol.Opcode, data any) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, op, protocol.NewSeq(), data)
}

// SendMessage submits a chat message and returns the server's ack. The
// server deduplicates on MsgID, so retrying with the same id is safe.
func (c *Client) SendMessage(ctx context.Context, msg protocol.ChatMessageData) (*protocol.ChatMessageAckData, error) {
	pkt, err := c.Request(ctx, protocol.OpChatMessage, msg)
	if err != nil {
		return nil, err
	}
	var ack protocol.ChatMessageAckData
	if err := pkt.DecodeData(&ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// RecallMessage asks the server to recall a previously sent message.
func (c *Client) RecallMessage(ctx context.Context, msgID string) (*protocol.RecallAckData, error) {
	pkt, err := c.Request(ctx, protocol.OpRecallMessage, protocol.RecallMessageData{MsgID: msgID})
	if err != nil {
		return nil, err
	}
	var ack protocol.RecallAckData
	if err := pkt.DecodeData(&ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// SendTyping notifies the conversation that this user is typing.
func (c *Client) SendTyping(conversationID int64) error {
	return c.Send(protocol.OpTyping, protocol.TypingData{ConversationID: conversationID})
}

// MarkRead advances this user's read cursor for a conversation. The server
// ignores non-monotone updates.
func (c *Client) MarkRead(conversationID, lastReadMsgID int64) error {
	return c.Send(protocol.OpReadAck, protocol.ReadAckData{
		ConversationID: conversationID,
		LastReadMsgID:  lastReadMsgID,
	})
}

// Sync requests the delta of changes since cursor.
func (c *Client) Sync(ctx context.Context, cursor int64) (*protocol.SyncResponseData, error) {
	pkt, err := c.Request(ctx, protocol.OpSyncRequest, protocol.SyncRequestData{LastSyncCursor: cursor})
	if err != nil {
		return nil, err
	}
	var delta protocol.SyncResponseData
	if err := pkt.DecodeData(&delta); err != nil {
		return nil, err
	}
	return &delta, nil
}

// AckOffline acknowledges delivered offline-queue entries.
func (c *Client) AckOffline(entryIDs []int64, markAllDelivered bool) error {
	return c.Send(protocol.OpOfflineSyncAck, protocol.OfflineSyncAckData{
		OfflineMessageIDs: entryIDs,
		MarkAllDelivered:  markAllDelivered,
	})
}

// OnlineStatus queries presence for the given users.
func (c *Client) OnlineStatus(ctx context.Context, userIDs []string) (*protocol.OnlineStatusResponseData, error) {
	pkt, err := c.Request(ctx, protocol.OpOnlineStatusRequest, protocol.OnlineStatusRequestData{UserIDs: userIDs})
	if err != nil {
		return nil, err
	}
	var statuses protocol.OnlineStatusResponseData
	if err := pkt.DecodeData(&statuses); err != nil {
		return nil, err
	}
	return &statuses, nil
}

func (c *Client) roundTrip(ctx context.Context, conn *websocket.Conn, op protocol.Opcode, data any) (*protocol.Packet, error) {
	seq := protocol.NewSeq()
	ch := c.pending.add(seq)

	if err := c.write(conn, op, seq, data); err != nil {
		c.pending.fail(seq, err)
		<-ch
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.pending.fail(seq, ctx.Err())
		return nil, ctx.Err()
	case res := <-ch:
		return res.pkt, res.err
	}
}

func (c *Client) write(conn *websocket.Conn, op protocol.Opcode, seq string, data any) error {
	raw, err := protocol.Encode(op, seq, data)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, raw)
}

// readLoop owns inbound frames for one connection. Responses resolve the
// pending table; pushes go to handlers. It exits when the socket closes.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.connLost(conn)
			return
		}

		pkt, err := protocol.Decode(raw, 0)
		if err != nil {
			c.log.Warn().Err(err).Msg("Dropping bad inbound frame")
			continue
		}

		if c.pending.resolve(pkt.Seq, pkt) {
			continue
		}
		c.dispatch(pkt)
	}
}

func (c *Client) dispatch(pkt *protocol.Packet) {
	if pkt.Type == protocol.OpKickedOffline {
		// The server is about to close this socket in favour of another
		// device. Clearing the token suppresses reconnection.
		c.mu.Lock()
		c.token = ""
		c.userID = ""
		c.mu.Unlock()
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	c.handlerMu.RLock()
	fn := c.handlers[pkt.Type]
	c.handlerMu.RUnlock()
	if fn == nil {
		c.log.Debug().Int("type", int(pkt.Type)).Msg("No handler for push")
		return
	}
	fn(pkt)
}

// connLost runs when readLoop observes socket closure. It rejects in-flight
// requests and, for an established connection that still holds a token,
// hands off to the reconnect loop.
func (c *Client) connLost(conn *websocket.Conn) {
	c.pending.failAll(ErrConnectionClosed)

	c.mu.Lock()
	if c.conn != conn {
		// A newer connection took over; nothing to do.
		c.mu.Unlock()
		return
	}
	c.conn = nil
	wasConnected := c.state == StateConnected
	shouldReconnect := wasConnected && !c.closed && c.token != ""
	if wasConnected {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if shouldReconnect {
		go c.reconnectLoop()
		return
	}
	if wasConnected {
		if cb := c.opts.OnDisconnected; cb != nil {
			cb(ErrConnectionClosed)
		}
	}
}

// reconnectLoop retries connect with exponential backoff until it succeeds,
// the attempt limit is reached, or the client is no longer allowed to
// reconnect.
func (c *Client) reconnectLoop() {
	for {
		c.mu.Lock()
		if c.closed || c.token == "" {
			c.mu.Unlock()
			return
		}
		if c.attempts >= c.opts.MaxReconnectAttempts {
			c.state = StateDisconnected
			c.mu.Unlock()
			c.log.Error().Int("attempts", c.opts.MaxReconnectAttempts).Msg("Reconnect attempts exhausted")
			if cb := c.opts.OnDisconnected; cb != nil {
				cb(ErrConnectionClosed)
			}
			return
		}
		c.attempts++
		attempt := c.attempts
		c.state = StateReconnecting
		c.mu.Unlock()

		if cb := c.opts.OnReconnecting; cb != nil {
			cb(attempt)
		}
		delay := reconnectDelay(attempt, c.opts.ReconnectBase, c.opts.ReconnectCap)
		c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting")
		time.Sleep(delay)

		err := c.connect(context.Background())
		if err == nil {
			return
		}
		if errors.Is(err, ErrConnectionClosed) {
			// Disconnected or kicked while waiting.
			return
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect attempt failed")
	}
}

// heartbeatLoop sends HEARTBEAT on the configured interval for one
// connection. A failed heartbeat closes the socket; the read loop then
// drives reconnection.
func (c *Client) heartbeatLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		current, state := c.conn, c.state
		c.mu.Unlock()
		if current != conn || state != StateConnected {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
		_, err := c.roundTrip(ctx, conn, protocol.OpHeartbeat, nil)
		cancel()
		if err != nil {
			c.log.Warn().Err(err).Msg("Heartbeat failed, closing connection")
			_ = conn.Close()
			return
		}
	}
}

// settle resets the state unless a newer transition already happened.
func (c *Client) settle(s State) {
	c.mu.Lock()
	if !c.closed && c.state == StateConnecting {
		c.state = s
	}
	c.mu.Unlock()
}

// dropConn closes conn and clears it if it is still current.
func (c *Client) dropConn(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}

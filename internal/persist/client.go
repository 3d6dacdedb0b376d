// Package persist is the gateway-side client for the persistence service's
// internal HTTP API. Transport failures and 5xx responses are retried with
// exponential backoff behind a circuit breaker; 4xx responses are surfaced
// to the originating request as fatal sentinel errors and never retried.
package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/httputil"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
)

// Sentinel errors for the persist package.
var (
	ErrUnavailable = errors.New("persistence service is unavailable")
	ErrNotFound    = errors.New("resource not found")
	ErrForbidden   = errors.New("operation not permitted")
	ErrConflict    = errors.New("operation conflicts with stored state")
	ErrInvalid     = errors.New("persistence rejected the request")
)

// Retry and breaker tuning. maxAttempts counts the initial try, so a dead
// persistence service is given up on after three HTTP calls.
const (
	attemptTimeout      = 5 * time.Second
	maxAttempts         = 3
	breakerCooldown     = 15 * time.Second
	consecutiveFailures = 5
)

// Request identity headers recognised by the persistence service.
const (
	headerServiceToken = "X-Service-Token"
	headerUserID       = "X-Internal-User-Id"
	headerDeviceID     = "X-Internal-Device-Id"
)

// Client calls the persistence service on behalf of gateway sessions.
type Client struct {
	baseURL   string
	token     string
	http      *http.Client
	cb        *gobreaker.CircuitBreaker[json.RawMessage]
	log       zerolog.Logger
	retryBase time.Duration
}

// NewClient creates a persistence client. baseURL is the service root
// without a trailing slash; serviceToken authenticates this gateway node.
func NewClient(baseURL, serviceToken string, logger zerolog.Logger) *Client {
	c := &Client{
		baseURL:   baseURL,
		token:     serviceToken,
		http:      &http.Client{},
		log:       logger.With().Str("component", "persist").Logger(),
		retryBase: 200 * time.Millisecond,
	}
	c.cb = gobreaker.NewCircuitBreaker[json.RawMessage](gobreaker.Settings{
		Name:    "persistence",
		Timeout: breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= consecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			// Caller mistakes (4xx) must not starve healthy traffic.
			return err == nil || !errors.Is(err, ErrUnavailable)
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.log.Warn().Stringer("from", from).Stringer("to", to).Msg("circuit breaker state changed")
		},
	})
	return c
}

// SaveMessage persists an inbound chat message. The call is idempotent on
// msgId: a replayed message returns the originally stored record.
func (c *Client) SaveMessage(ctx context.Context, sender Identity, msg protocol.ChatMessageData) (*protocol.Message, error) {
	var stored protocol.Message
	if err := c.do(ctx, http.MethodPost, "/internal/messages", &sender, msg, &stored); err != nil {
		return nil, err
	}
	return &stored, nil
}

// RecallMessage retracts a previously sent message. The persistence service
// enforces sender ownership (ErrForbidden) and the recall window
// (ErrConflict) and returns the updated record on success.
func (c *Client) RecallMessage(ctx context.Context, sender Identity, msgID string) (*protocol.Message, error) {
	var updated protocol.Message
	path := "/internal/messages/" + url.PathEscape(msgID) + "/recall"
	if err := c.do(ctx, http.MethodPut, path, &sender, nil, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

// Participants returns the user ids of everyone in the conversation.
func (c *Client) Participants(ctx context.Context, conversationID int64) ([]string, error) {
	var resp participantsResponse
	path := fmt.Sprintf("/internal/conversations/%d/participants", conversationID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.UserIDs, nil
}

// MarkRead advances the reader's cursor in the conversation. The cursor only
// moves forward; a stale acknowledgement reports Updated=false.
func (c *Client) MarkRead(ctx context.Context, reader Identity, conversationID, lastReadMsgID int64) (*ReadCursor, error) {
	var cursor ReadCursor
	path := fmt.Sprintf("/internal/conversations/%d/read", conversationID)
	if err := c.do(ctx, http.MethodPost, path, &reader, readRequest{LastReadMsgID: lastReadMsgID}, &cursor); err != nil {
		return nil, err
	}
	return &cursor, nil
}

// UpsertDevice records or refreshes a device-directory entry at login.
func (c *Client) UpsertDevice(ctx context.Context, dev Device) error {
	return c.do(ctx, http.MethodPut, "/internal/devices", nil, dev, nil)
}

// DeleteDevice removes a device-directory entry on explicit logout.
func (c *Client) DeleteDevice(ctx context.Context, target Identity) error {
	path := "/internal/users/" + url.PathEscape(target.UserID) + "/devices/" + url.PathEscape(target.DeviceID)
	return c.do(ctx, http.MethodDelete, path, &target, nil, nil)
}

// Devices lists every device the user has ever logged in from.
func (c *Client) Devices(ctx context.Context, userID string) ([]Device, error) {
	var resp devicesResponse
	path := "/internal/users/" + url.PathEscape(userID) + "/devices"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Devices, nil
}

// EnqueueOffline buffers message deliveries for absent devices. Duplicate
// (messageId, device) pairs are absorbed by the service.
func (c *Client) EnqueueOffline(ctx context.Context, entries []OfflineEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return c.do(ctx, http.MethodPost, "/internal/offline", nil, enqueueRequest{Entries: entries}, nil)
}

// PendingOffline loads up to limit undelivered queue entries for the device,
// oldest first, joined with their message records.
func (c *Client) PendingOffline(ctx context.Context, target Identity, limit int) ([]protocol.OfflineMessage, error) {
	qv := url.Values{}
	qv.Set("userId", target.UserID)
	qv.Set("deviceId", target.DeviceID)
	qv.Set("limit", strconv.Itoa(limit))

	var resp pendingResponse
	if err := c.do(ctx, http.MethodGet, "/internal/offline?"+qv.Encode(), &target, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// AckOffline marks queue entries delivered, either by explicit entry ids or
// wholesale via markAll. Returns the number of entries acknowledged.
func (c *Client) AckOffline(ctx context.Context, target Identity, entryIDs []int64, markAll bool) (int64, error) {
	var resp ackResponse
	req := ackRequest{EntryIDs: entryIDs, MarkAllDelivered: markAll}
	if err := c.do(ctx, http.MethodPost, "/internal/offline/ack", &target, req, &resp); err != nil {
		return 0, err
	}
	return resp.Acked, nil
}

// SyncSince computes the delta (new messages, recalls, read-status moves)
// for the user past the given cursor, bounded at limit.
func (c *Client) SyncSince(ctx context.Context, userID string, cursor int64, limit int) (*protocol.SyncResponseData, error) {
	qv := url.Values{}
	qv.Set("userId", userID)
	qv.Set("cursor", strconv.FormatInt(cursor, 10))
	qv.Set("limit", strconv.Itoa(limit))

	var resp protocol.SyncResponseData
	if err := c.do(ctx, http.MethodGet, "/internal/sync?"+qv.Encode(), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do performs one logical call: marshal, breaker, retries, envelope decode.
// out may be nil when the caller only cares about success.
func (c *Client) do(ctx context.Context, method, path string, caller *Identity, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
	}

	data, err := c.cb.Execute(func() (json.RawMessage, error) {
		return c.attempt(ctx, method, path, caller, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%w: circuit open", ErrUnavailable)
		}
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}

// attempt runs the request with retries on transport errors and 5xx.
func (c *Client) attempt(ctx context.Context, method, path string, caller *Identity, payload []byte) (json.RawMessage, error) {
	var lastErr error
	for try := 1; ; try++ {
		data, retryable, err := c.once(ctx, method, path, caller, payload)
		if err == nil {
			return data, nil
		}
		if !retryable {
			return nil, err
		}

		lastErr = err
		if try == maxAttempts {
			break
		}
		delay := c.retryBase << (try - 1)
		c.log.Warn().Err(err).Str("method", method).Str("path", path).
			Dur("backoff", delay).Msg("retrying persistence call")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

// once executes a single HTTP attempt. The retryable flag is true only for
// transport failures and 5xx responses.
func (c *Client) once(ctx context.Context, method, path string, caller *Identity, payload []byte) (json.RawMessage, bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	var reqBody *bytes.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	} else {
		reqBody = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, false, fmt.Errorf("build %s %s request: %w", method, path, err)
	}
	req.Header.Set(headerServiceToken, c.token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if caller != nil {
		req.Header.Set(headerUserID, caller.UserID)
		if caller.DeviceID != "" {
			req.Header.Set(headerDeviceID, caller.DeviceID)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("call %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("%s %s returned status %d", method, path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var body httputil.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return nil, false, statusError(resp.StatusCode, body.Error.Message)
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, false, fmt.Errorf("decode %s %s envelope: %w", method, path, err)
	}
	return envelope.Data, false, nil
}

// statusError maps a 4xx status to the package sentinel for that class.
func statusError(status int, message string) error {
	var base error
	switch status {
	case http.StatusNotFound:
		base = ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		base = ErrForbidden
	case http.StatusConflict:
		base = ErrConflict
	default:
		base = ErrInvalid
	}
	if message == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, message)
}

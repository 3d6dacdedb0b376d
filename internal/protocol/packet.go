// Package protocol defines the Lumi-Chat wire format: one JSON packet per
// WebSocket text frame, identified by an integer opcode and correlated by an
// opaque seq string. The server echoes seq verbatim on any response packet
// and generates its own seq for pushes.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxFrameBytes is the inbound frame size limit applied when the
// configuration does not override it.
const DefaultMaxFrameBytes = 1 << 20

var (
	// ErrFrameTooLarge is returned for frames exceeding the configured limit.
	// The connection is closed after a SERVER_ERROR packet.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")

	// ErrMalformed is returned for frames that are not valid packet JSON.
	ErrMalformed = errors.New("malformed packet")

	// ErrUnknownOpcode is returned for syntactically valid packets whose type
	// is not part of the protocol. Such frames are dropped, not fatal.
	ErrUnknownOpcode = errors.New("unknown opcode")
)

// Packet is the envelope carried by every WebSocket text frame.
type Packet struct {
	Type      Opcode          `json:"type"`
	Seq       string          `json:"seq"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// Encode builds a serialised packet with the current wall clock in
// milliseconds. data may be nil for payload-less packets such as HEARTBEAT.
func Encode(op Opcode, seq string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal packet data: %w", err)
		}
		raw = b
	}
	b, err := json.Marshal(Packet{
		Type:      op,
		Seq:       seq,
		Data:      raw,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal packet: %w", err)
	}
	return b, nil
}

// Decode parses a raw frame, enforcing the size limit and the known-opcode
// rule. maxBytes <= 0 applies DefaultMaxFrameBytes.
func Decode(raw []byte, maxBytes int) (*Packet, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	if len(raw) > maxBytes {
		return nil, ErrFrameTooLarge
	}

	var p Packet
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !Known(p.Type) {
		return &p, ErrUnknownOpcode
	}
	return &p, nil
}

// DecodeData unmarshals the packet payload into dst.
func (p *Packet) DecodeData(dst any) error {
	if len(p.Data) == 0 {
		return fmt.Errorf("%w: packet %d has no data", ErrMalformed, p.Type)
	}
	if err := json.Unmarshal(p.Data, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// NewSeq generates a fresh seq for server-initiated pushes and for
// client-initiated requests.
func NewSeq() string {
	return uuid.NewString()
}

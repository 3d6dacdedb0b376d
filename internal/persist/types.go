package persist

import (
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
)

// Identity names the end user and device a gateway request acts for. It is
// forwarded to the persistence service as headers, never in the body.
type Identity struct {
	UserID   string
	DeviceID string
}

// Device is one row of the device directory.
type Device struct {
	UserID       string `json:"userId"`
	DeviceID     string `json:"deviceId"`
	DeviceType   string `json:"deviceType"`
	DeviceName   string `json:"deviceName,omitempty"`
	LastActiveAt int64  `json:"lastActiveAt,omitempty"`
}

// ReadCursor is the outcome of a read-acknowledgement request. Updated is
// false when the stored cursor was already at or past the requested value.
type ReadCursor struct {
	ConversationID int64 `json:"conversationId"`
	LastReadMsgID  int64 `json:"lastReadMsgId"`
	Updated        bool  `json:"updated"`
}

// OfflineEntry queues one message for one absent device. DeviceID may be
// empty to target every device the user registers later.
type OfflineEntry struct {
	UserID    string `json:"userId"`
	DeviceID  string `json:"deviceId,omitempty"`
	MessageID int64  `json:"messageId"`
}

type participantsResponse struct {
	UserIDs []string `json:"userIds"`
}

type devicesResponse struct {
	Devices []Device `json:"devices"`
}

type enqueueRequest struct {
	Entries []OfflineEntry `json:"entries"`
}

type pendingResponse struct {
	Messages []protocol.OfflineMessage `json:"messages"`
}

type ackRequest struct {
	EntryIDs         []int64 `json:"entryIds,omitempty"`
	MarkAllDelivered bool    `json:"markAllDelivered,omitempty"`
}

type ackResponse struct {
	Acked int64 `json:"acked"`
}

type readRequest struct {
	LastReadMsgID int64 `json:"lastReadMsgId"`
}

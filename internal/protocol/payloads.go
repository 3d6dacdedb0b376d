package protocol

// Device types accepted during login.
const (
	DeviceWeb     = "web"
	DeviceIOS     = "ios"
	DeviceAndroid = "android"
	DevicePC      = "pc"
	DeviceTablet  = "tablet"
)

// ValidDeviceType reports whether t is one of the accepted device types.
func ValidDeviceType(t string) bool {
	switch t {
	case DeviceWeb, DeviceIOS, DeviceAndroid, DevicePC, DeviceTablet:
		return true
	default:
		return false
	}
}

// Message types carried by CHAT_MESSAGE.
const (
	MsgText      = "text"
	MsgImage     = "image"
	MsgFile      = "file"
	MsgVoice     = "voice"
	MsgVideo     = "video"
	MsgLocation  = "location"
	MsgUserCard  = "user_card"
	MsgGroupCard = "group_card"
	MsgRecall    = "recall"
	MsgSystem    = "system"
)

// ValidMsgType reports whether t is a known message type.
func ValidMsgType(t string) bool {
	switch t {
	case MsgText, MsgImage, MsgFile, MsgVoice, MsgVideo, MsgLocation,
		MsgUserCard, MsgGroupCard, MsgRecall, MsgSystem:
		return true
	default:
		return false
	}
}

// LoginData is the LOGIN (1) payload.
type LoginData struct {
	Token      string `json:"token"`
	DeviceID   string `json:"deviceId"`
	DeviceType string `json:"deviceType"`
	DeviceName string `json:"deviceName,omitempty"`
}

// LoginResponseData is the LOGIN_RESPONSE (101) payload.
type LoginResponseData struct {
	Success bool   `json:"success"`
	UserID  string `json:"userId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// LogoutResponseData is the LOGOUT_RESPONSE (102) payload.
type LogoutResponseData struct {
	Success bool `json:"success"`
}

// Message is the full wire-level message record carried by RECEIVE_MESSAGE
// (111) and by sync responses.
type Message struct {
	ID              int64          `json:"id"`
	MsgID           string         `json:"msgId"`
	ConversationID  int64          `json:"conversationId"`
	SenderID        string         `json:"senderId"`
	SenderDeviceID  string         `json:"senderDeviceId,omitempty"`
	MsgType         string         `json:"msgType"`
	Content         string         `json:"content"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	QuoteMsgID      string         `json:"quoteMsgId,omitempty"`
	AtUserIDs       []string       `json:"atUserIds,omitempty"`
	ClientCreatedAt int64          `json:"clientCreatedAt,omitempty"`
	ServerCreatedAt int64          `json:"serverCreatedAt"`
	RecalledAt      *int64         `json:"recalledAt,omitempty"`
}

// ChatMessageData is the CHAT_MESSAGE (10) payload.
type ChatMessageData struct {
	MsgID           string         `json:"msgId"`
	ConversationID  int64          `json:"conversationId"`
	MsgType         string         `json:"msgType"`
	Content         string         `json:"content"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	QuoteMsgID      string         `json:"quoteMsgId,omitempty"`
	AtUserIDs       []string       `json:"atUserIds,omitempty"`
	ClientCreatedAt int64          `json:"clientCreatedAt,omitempty"`
}

// ChatMessageAckData is the CHAT_MESSAGE_ACK (110) payload.
type ChatMessageAckData struct {
	MsgID           string `json:"msgId"`
	ServerTimestamp int64  `json:"serverTimestamp"`
	Success         bool   `json:"success"`
	Error           string `json:"error,omitempty"`
}

// TypingData is the TYPING (11) payload.
type TypingData struct {
	ConversationID int64 `json:"conversationId"`
}

// TypingNotifyData is the TYPING_NOTIFY (112) payload.
type TypingNotifyData struct {
	ConversationID int64  `json:"conversationId"`
	UserID         string `json:"userId"`
}

// ReadAckData is the READ_ACK (12) payload.
type ReadAckData struct {
	ConversationID int64 `json:"conversationId"`
	LastReadMsgID  int64 `json:"lastReadMsgId"`
}

// ReadReceiptNotifyData is the READ_RECEIPT_NOTIFY (125) payload sent to the
// other participant of a private chat.
type ReadReceiptNotifyData struct {
	ConversationID int64  `json:"conversationId"`
	ReaderID       string `json:"readerId"`
	LastReadMsgID  int64  `json:"lastReadMsgId"`
}

// ReadStatusUpdate propagates a read-cursor move to the reader's other
// devices so they can zero their unread badge.
type ReadStatusUpdate struct {
	ConversationID int64  `json:"conversationId"`
	UserID         string `json:"userId"`
	LastReadMsgID  int64  `json:"lastReadMsgId"`
}

// RecallMessageData is the RECALL_MESSAGE (13) payload.
type RecallMessageData struct {
	MsgID string `json:"msgId"`
}

// RecallAckData is the RECALL_ACK (113) payload.
type RecallAckData struct {
	MsgID   string `json:"msgId"`
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RecallNotifyData is the RECALL_NOTIFY (114) payload.
type RecallNotifyData struct {
	MsgID      string `json:"msgId"`
	RecalledAt int64  `json:"recalledAt"`
	RecalledBy string `json:"recalledBy"`
}

// SyncRequestData is the SYNC_REQUEST (20) payload.
type SyncRequestData struct {
	LastSyncCursor int64 `json:"lastSyncCursor,omitempty"`
}

// SyncResponseData is the SYNC_RESPONSE (120) payload.
type SyncResponseData struct {
	NewMessages       []Message          `json:"newMessages"`
	RecalledMessages  []RecallNotifyData `json:"recalledMessages"`
	ReadStatusUpdates []ReadStatusUpdate `json:"readStatusUpdates"`
	SyncCursor        int64              `json:"syncCursor"`
	HasMore           bool               `json:"hasMore"`
}

// OfflineSyncResponseData is one OFFLINE_SYNC_RESPONSE (121) chunk.
type OfflineSyncResponseData struct {
	Messages  []OfflineMessage `json:"messages"`
	ChunkSize int              `json:"chunkSize"`
}

// OfflineMessage pairs a buffered message with the queue entry that tracked
// it, so the client can acknowledge delivery by entry id.
type OfflineMessage struct {
	EntryID int64   `json:"entryId"`
	Message Message `json:"message"`
}

// OfflineSyncCompleteData is the OFFLINE_SYNC_COMPLETE (122) payload.
type OfflineSyncCompleteData struct {
	TotalDelivered int  `json:"totalDelivered"`
	HasMore        bool `json:"hasMore"`
}

// OfflineSyncAckData is the OFFLINE_SYNC_ACK (22) payload. Either a list of
// entry ids or markAllDelivered may be supplied.
type OfflineSyncAckData struct {
	OfflineMessageIDs []int64 `json:"offlineMessageIds,omitempty"`
	MarkAllDelivered  bool    `json:"markAllDelivered,omitempty"`
}

// OnlineStatusRequestData is the ONLINE_STATUS_REQUEST (23) payload.
type OnlineStatusRequestData struct {
	UserIDs []string `json:"userIds"`
}

// OnlineStatus describes one user's presence.
type OnlineStatus struct {
	UserID        string   `json:"userId"`
	Online        bool     `json:"online"`
	LastSeen      int64    `json:"lastSeen,omitempty"`
	ActiveDevices []string `json:"activeDevices,omitempty"`
}

// OnlineStatusResponseData is the ONLINE_STATUS_RESPONSE (123) payload.
type OnlineStatusResponseData struct {
	Statuses []OnlineStatus `json:"statuses"`
}

// OnlineStatusSubscribeData is the ONLINE_STATUS_SUBSCRIBE (24) payload.
type OnlineStatusSubscribeData struct {
	UserIDs []string `json:"userIds"`
}

// OnlineStatusChangeData is the ONLINE_STATUS_CHANGE (124) push payload.
type OnlineStatusChangeData struct {
	UserID   string `json:"userId"`
	Online   bool   `json:"online"`
	LastSeen int64  `json:"lastSeen,omitempty"`
}

// ReactionNotifyData is the REACTION_NOTIFY (126) push payload.
type ReactionNotifyData struct {
	MsgID          string `json:"msgId"`
	ConversationID int64  `json:"conversationId"`
	UserID         string `json:"userId"`
	Reaction       string `json:"reaction"`
	Removed        bool   `json:"removed,omitempty"`
}

// KickedOfflineData is the KICKED_OFFLINE (200) push payload. A kicked client
// must not reconnect automatically and must clear its auth state.
type KickedOfflineData struct {
	Reason string `json:"reason"`
}

// ServerErrorData is the SERVER_ERROR (500) payload.
type ServerErrorData struct {
	Error string `json:"error"`
}

package protocol

// Opcode identifies the kind of packet carried by a WebSocket frame.
type Opcode int

// Client → server opcodes.
const (
	OpLogin                 Opcode = 1
	OpLogout                Opcode = 2
	OpHeartbeat             Opcode = 3
	OpChatMessage           Opcode = 10
	OpTyping                Opcode = 11
	OpReadAck               Opcode = 12
	OpRecallMessage         Opcode = 13
	OpSyncRequest           Opcode = 20
	OpOfflineSyncAck        Opcode = 22
	OpOnlineStatusRequest   Opcode = 23
	OpOnlineStatusSubscribe Opcode = 24
)

// Server → client opcodes.
const (
	OpLoginResponse        Opcode = 101
	OpLogoutResponse       Opcode = 102
	OpHeartbeatResponse    Opcode = 103
	OpChatMessageAck       Opcode = 110
	OpReceiveMessage       Opcode = 111
	OpTypingNotify         Opcode = 112
	OpRecallAck            Opcode = 113
	OpRecallNotify         Opcode = 114
	OpSyncResponse         Opcode = 120
	OpOfflineSyncResponse  Opcode = 121
	OpOfflineSyncComplete  Opcode = 122
	OpOnlineStatusResponse Opcode = 123
	OpOnlineStatusChange   Opcode = 124
	OpReadReceiptNotify    Opcode = 125
	OpReactionNotify       Opcode = 126
	OpKickedOffline        Opcode = 200
	OpServerError          Opcode = 500
)

// Known reports whether op is part of the protocol. Frames carrying unknown
// opcodes are logged and dropped without closing the connection.
func Known(op Opcode) bool {
	switch op {
	case OpLogin, OpLogout, OpHeartbeat, OpChatMessage, OpTyping, OpReadAck,
		OpRecallMessage, OpSyncRequest, OpOfflineSyncAck, OpOnlineStatusRequest,
		OpOnlineStatusSubscribe,
		OpLoginResponse, OpLogoutResponse, OpHeartbeatResponse, OpChatMessageAck,
		OpReceiveMessage, OpTypingNotify, OpRecallAck, OpRecallNotify,
		OpSyncResponse, OpOfflineSyncResponse, OpOfflineSyncComplete,
		OpOnlineStatusResponse, OpOnlineStatusChange, OpReadReceiptNotify,
		OpReactionNotify, OpKickedOffline, OpServerError:
		return true
	default:
		return false
	}
}

// ResponseFor maps a request opcode to the response opcode the peer must
// reply with, echoing the request's seq. The second return value is false for
// opcodes that do not follow the request/response pattern.
func ResponseFor(op Opcode) (Opcode, bool) {
	switch op {
	case OpLogin:
		return OpLoginResponse, true
	case OpLogout:
		return OpLogoutResponse, true
	case OpHeartbeat:
		return OpHeartbeatResponse, true
	case OpChatMessage:
		return OpChatMessageAck, true
	case OpRecallMessage:
		return OpRecallAck, true
	case OpSyncRequest:
		return OpSyncResponse, true
	case OpOnlineStatusRequest:
		return OpOnlineStatusResponse, true
	default:
		return 0, false
	}
}

// Push reports whether op is a server-initiated push. Pushes carry a fresh
// server-generated seq and are dispatched through handlers, never through the
// pending request table.
func Push(op Opcode) bool {
	switch op {
	case OpReceiveMessage, OpTypingNotify, OpRecallNotify, OpSyncResponse,
		OpOfflineSyncResponse, OpOfflineSyncComplete, OpOnlineStatusChange,
		OpReadReceiptNotify, OpReactionNotify, OpKickedOffline:
		return true
	default:
		return false
	}
}

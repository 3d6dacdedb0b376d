package gateway

import (
	"context"
	"time"

	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/persist"
	"github.com/JinfengLi-Dev/lumi-chat-sub002/internal/protocol"
)

// drainTimeout bounds the whole login-time offline drain, which may involve
// several persistence round trips.
const drainTimeout = 30 * time.Second

// drainOffline pushes the device's pending offline queue right after login:
// OFFLINE_SYNC_RESPONSE chunks in message-id order, then a summary
// OFFLINE_SYNC_COMPLETE. Entries stay pending until the client acknowledges
// them, so a drain cut short by a disconnect is repeated on the next login.
func (h *Hub) drainOffline(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	target := persist.Identity{UserID: s.userID, DeviceID: s.deviceID}
	pending, err := h.persist.PendingOffline(ctx, target, h.cfg.OfflineDrainBatch)
	if err != nil {
		h.log.Warn().Err(err).Str("device_id", s.deviceID).Msg("offline drain lookup failed")
		return
	}

	for _, chunk := range chunkOffline(pending, h.cfg.OfflineChunkSize) {
		if err := s.sendPacket(protocol.OpOfflineSyncResponse, "", protocol.OfflineSyncResponseData{
			Messages:  chunk,
			ChunkSize: len(chunk),
		}); err != nil {
			s.log.Debug().Err(err).Msg("offline drain interrupted")
			return
		}
	}

	hasMore := len(pending) == h.cfg.OfflineDrainBatch
	if err := s.sendPacket(protocol.OpOfflineSyncComplete, "", protocol.OfflineSyncCompleteData{
		TotalDelivered: len(pending),
		HasMore:        hasMore,
	}); err != nil {
		s.log.Debug().Err(err).Msg("failed to send offline drain summary")
		return
	}
	if len(pending) > 0 {
		h.log.Info().Str("device_id", s.deviceID).Int("delivered", len(pending)).Bool("has_more", hasMore).Msg("offline queue drained")
	}
}

// chunkOffline splits the drained batch into wire-sized chunks, preserving
// order. A batch smaller than one chunk yields a single chunk.
func chunkOffline(msgs []protocol.OfflineMessage, size int) [][]protocol.OfflineMessage {
	if len(msgs) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]protocol.OfflineMessage{msgs}
	}
	chunks := make([][]protocol.OfflineMessage, 0, (len(msgs)+size-1)/size)
	for start := 0; start < len(msgs); start += size {
		end := min(start+size, len(msgs))
		chunks = append(chunks, msgs[start:end])
	}
	return chunks
}

// handleOfflineAck marks drained entries delivered. Delivery is
// at-least-once: entries the client never acknowledges are drained again.
func (h *Hub) handleOfflineAck(ctx context.Context, s *Session, pkt *protocol.Packet) {
	var ack protocol.OfflineSyncAckData
	if err := pkt.DecodeData(&ack); err != nil {
		return
	}
	if len(ack.OfflineMessageIDs) == 0 && !ack.MarkAllDelivered {
		return
	}

	target := persist.Identity{UserID: s.userID, DeviceID: s.deviceID}
	acked, err := h.persist.AckOffline(ctx, target, ack.OfflineMessageIDs, ack.MarkAllDelivered)
	if err != nil {
		h.log.Warn().Err(err).Str("device_id", s.deviceID).Msg("offline ack failed")
		return
	}
	s.log.Debug().Int64("acked", acked).Msg("offline entries acknowledged")
}

// handleSyncRequest answers an incremental sync: everything past the
// client's cursor, bounded at the configured page limit.
func (h *Hub) handleSyncRequest(ctx context.Context, s *Session, pkt *protocol.Packet) {
	var req protocol.SyncRequestData
	if err := pkt.DecodeData(&req); err != nil {
		h.sendError(s, pkt.Seq, "Invalid sync request")
		return
	}

	resp, err := h.persist.SyncSince(ctx, s.userID, req.LastSyncCursor, h.cfg.SyncPageLimit)
	if err != nil {
		h.log.Warn().Err(err).Str("user_id", s.userID).Msg("sync delta computation failed")
		h.sendError(s, pkt.Seq, "Service temporarily unavailable")
		return
	}
	if err := s.sendPacket(protocol.OpSyncResponse, pkt.Seq, resp); err != nil {
		s.log.Debug().Err(err).Msg("failed to send sync response")
	}
}

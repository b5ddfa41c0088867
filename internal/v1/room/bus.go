package room

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/coedit-live/coedit/backend/go/internal/v1/logging"
	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

// startBusSubscription wires this room into the distributed bus so events
// applied on other server instances reach local members. No-op without a bus.
func (r *Room) startBusSubscription() {
	if r.bus == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.busCancel = cancel
	r.bus.Subscribe(ctx, string(r.ID), &r.busWG, r.handleBusEvent)
}

func (r *Room) stopBusSubscription() {
	if r.busCancel != nil {
		r.busCancel()
		r.busWG.Wait()
		r.busCancel = nil
	}
}

// publishToBus forwards a locally-applied event to other instances.
// Best-effort: a bus outage degrades to single-instance behavior.
func (r *Room) publishToBus(ctx context.Context, event types.EventType, payload any) {
	if r.bus == nil {
		return
	}
	if err := r.bus.Publish(ctx, string(r.ID), string(event), payload, r.instanceID); err != nil {
		logging.Warn(ctx, "bus publish failed",
			zap.String("room_id", string(r.ID)),
			zap.String("event", string(event)),
			zap.Error(err))
	}
}

// handleBusEvent relays an event from another instance to local members.
// Events this instance published are dropped by sender ID.
func (r *Room) handleBusEvent(roomID, event, senderID string, payload json.RawMessage) {
	if senderID == r.instanceID || roomID != string(r.ID) {
		return
	}
	r.Broadcast(types.EventType(event), payload, "")
}

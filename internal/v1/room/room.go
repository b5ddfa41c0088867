// Package room holds the in-memory state of one collaboration room: its
// members, the document engines it has instantiated, document subscriptions,
// presence, and the fan-out paths that keep every member consistent.
package room

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/coedit-live/coedit/backend/go/internal/v1/document"
	"github.com/coedit-live/coedit/backend/go/internal/v1/logging"
	"github.com/coedit-live/coedit/backend/go/internal/v1/metrics"
	"github.com/coedit-live/coedit/backend/go/internal/v1/store"
	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

// DefaultAwayAfter is the inactivity window before an online participant is
// marked away.
const DefaultAwayAfter = 5 * time.Minute

// Config carries the collaborators a room needs.
type Config struct {
	Store           store.Store
	Bus             types.BusService
	InstanceID      string
	StalenessWindow int64
	AwayAfter       time.Duration
	// OnEmpty is called after the last member leaves.
	OnEmpty func(types.RoomIDType)
}

// Room is the live state of one room. All maps are guarded by mu; methods
// with the Locked suffix expect it held.
type Room struct {
	ID types.RoomIDType

	store           store.Store
	bus             types.BusService
	instanceID      string
	stalenessWindow int64
	awayAfter       time.Duration
	onEmpty         func(types.RoomIDType)

	mu           sync.RWMutex
	meta         types.Room
	clients      map[types.ParticipantIDType]types.ClientInterface
	engines      map[types.DocumentIDType]*document.Engine
	docSubs      map[types.DocumentIDType]set.Set[types.ParticipantIDType]
	lastActivity map[types.ParticipantIDType]time.Time
	away         set.Set[types.ParticipantIDType]

	busCancel context.CancelFunc
	busWG     sync.WaitGroup
}

// New loads the room's metadata and builds its live state.
func New(ctx context.Context, id types.RoomIDType, cfg Config) (*Room, error) {
	meta, err := cfg.Store.GetRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	if cfg.AwayAfter <= 0 {
		cfg.AwayAfter = DefaultAwayAfter
	}

	r := &Room{
		ID:              id,
		store:           cfg.Store,
		bus:             cfg.Bus,
		instanceID:      cfg.InstanceID,
		stalenessWindow: cfg.StalenessWindow,
		awayAfter:       cfg.AwayAfter,
		onEmpty:         cfg.OnEmpty,
		meta:            *meta,
		clients:         make(map[types.ParticipantIDType]types.ClientInterface),
		engines:         make(map[types.DocumentIDType]*document.Engine),
		docSubs:         make(map[types.DocumentIDType]set.Set[types.ParticipantIDType]),
		lastActivity:    make(map[types.ParticipantIDType]time.Time),
		away:            set.New[types.ParticipantIDType](),
	}
	r.startBusSubscription()
	return r, nil
}

// Join admits a client and returns the joined-room snapshot. The caller has
// already authenticated the user and resolved the participant row.
func (r *Room) Join(ctx context.Context, client types.ClientInterface, participant *types.Participant) (*types.JoinedRoomPayload, error) {
	r.mu.Lock()

	if r.meta.MaxParticipants > 0 && len(r.clients) >= r.meta.MaxParticipants {
		if _, rejoining := r.clients[participant.ID]; !rejoining {
			r.mu.Unlock()
			return nil, types.NewError(types.CodeRoomFull, "room is at capacity")
		}
	}

	// A second connection for the same participant replaces the first.
	if old, ok := r.clients[participant.ID]; ok && old != client {
		old.Disconnect()
	}
	r.clients[participant.ID] = client
	r.lastActivity[participant.ID] = time.Now()
	r.away.Delete(participant.ID)

	r.broadcastLocked(types.EventParticipantJoined, types.ParticipantJoinedPayload{
		Participant: *participant,
	}, participant.ID)
	r.mu.Unlock()

	metrics.ParticipantsJoined.Inc()
	metrics.RoomMembers.WithLabelValues(string(r.ID)).Inc()

	r.publishToBus(ctx, types.EventParticipantJoined, types.ParticipantJoinedPayload{Participant: *participant})

	participant.Status = types.PresenceOnline
	participant.LastSeen = time.Now()
	if err := r.store.UpsertParticipant(ctx, participant); err != nil {
		logging.Warn(ctx, "failed to persist participant on join", zap.Error(err))
	}
	r.upsertPresence(ctx, participant.ID, types.PresenceOnline, "", types.ActivityViewing)

	snapshot, err := r.buildSnapshot(ctx, participant.ID)
	if err != nil {
		logging.Warn(ctx, "failed to build room snapshot", zap.Error(err))
		snapshot = nil
	}

	return &types.JoinedRoomPayload{
		ParticipantID: participant.ID,
		Room:          r.meta,
		Role:          participant.Role,
		Snapshot:      snapshot,
	}, nil
}

// Leave removes a client, marks it offline, and tears the room down when the
// last member is gone. Safe to call twice.
func (r *Room) Leave(ctx context.Context, client types.ClientInterface) {
	participantID := client.GetID()

	r.mu.Lock()
	current, ok := r.clients[participantID]
	if !ok || current != client {
		r.mu.Unlock()
		return
	}
	delete(r.clients, participantID)
	delete(r.lastActivity, participantID)
	r.away.Delete(participantID)
	for _, subs := range r.docSubs {
		subs.Delete(participantID)
	}
	empty := len(r.clients) == 0

	r.broadcastLocked(types.EventParticipantLeft, types.ParticipantLeftPayload{
		ParticipantID: participantID,
	}, participantID)
	r.mu.Unlock()

	metrics.RoomMembers.WithLabelValues(string(r.ID)).Dec()

	r.publishToBus(ctx, types.EventParticipantLeft, types.ParticipantLeftPayload{ParticipantID: participantID})
	r.upsertPresence(ctx, participantID, types.PresenceOffline, "", types.ActivityIdle)

	if empty {
		r.stopBusSubscription()
		if r.onEmpty != nil {
			r.onEmpty(r.ID)
		}
	}
}

// MemberCount returns the number of connected members.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Close disconnects every member without teardown callbacks, used on server
// shutdown.
func (r *Room) Close() {
	r.stopBusSubscription()

	r.mu.Lock()
	clients := make([]types.ClientInterface, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[types.ParticipantIDType]types.ClientInterface)
	r.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}
}

// broadcastLocked marshals the frame once and fans it out to every member
// except the excluded author. Per-peer send queues preserve order, so events
// enqueued here arrive at each peer in the order they were enqueued.
func (r *Room) broadcastLocked(event types.EventType, payload any, exclude types.ParticipantIDType) {
	data, err := json.Marshal(types.OutboundFrame{Event: event, Payload: payload})
	if err != nil {
		logging.Error(context.Background(), "failed to marshal broadcast frame",
			zap.String("event", string(event)), zap.Error(err))
		return
	}
	for id, client := range r.clients {
		if id == exclude {
			continue
		}
		client.SendRaw(data)
	}
	metrics.EventsBroadcast.WithLabelValues(string(event)).Inc()
}

// Broadcast fans out an event to the whole room, optionally excluding one
// participant. Used by the hub when remote instances publish events.
func (r *Room) Broadcast(event types.EventType, payload any, exclude types.ParticipantIDType) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.broadcastLocked(event, payload, exclude)
}

// broadcastToSubscribersLocked limits fan-out to members who have the
// document open.
func (r *Room) broadcastToSubscribersLocked(docID types.DocumentIDType, event types.EventType, payload any, exclude types.ParticipantIDType) {
	subs, ok := r.docSubs[docID]
	if !ok || subs.Len() == 0 {
		return
	}
	data, err := json.Marshal(types.OutboundFrame{Event: event, Payload: payload})
	if err != nil {
		logging.Error(context.Background(), "failed to marshal broadcast frame",
			zap.String("event", string(event)), zap.Error(err))
		return
	}
	for _, id := range subs.UnsortedList() {
		if id == exclude {
			continue
		}
		if client, ok := r.clients[id]; ok {
			client.SendRaw(data)
		}
	}
	metrics.EventsBroadcast.WithLabelValues(string(event)).Inc()
}

// engineForLocked lazily instantiates the serializer for a document after
// verifying it belongs to this room.
func (r *Room) engineForLocked(ctx context.Context, docID types.DocumentIDType) (*document.Engine, error) {
	if e, ok := r.engines[docID]; ok {
		return e, nil
	}
	doc, err := r.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.RoomID != r.ID {
		return nil, types.NewError(types.CodeNotFound, "document not found")
	}
	e := document.NewEngine(docID, r.store, r.stalenessWindow)
	r.engines[docID] = e
	return e, nil
}

// buildSnapshot lists current participants and their cursors for the
// joined-room response.
func (r *Room) buildSnapshot(ctx context.Context, exclude types.ParticipantIDType) ([]types.ParticipantSnapshot, error) {
	participants, err := r.store.ListParticipants(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	cursors, err := r.store.ListRoomCursors(ctx, r.ID)
	if err != nil {
		return nil, err
	}
	cursorsByParticipant := make(map[types.ParticipantIDType][]types.Cursor)
	for _, c := range cursors {
		cursorsByParticipant[c.ParticipantID] = append(cursorsByParticipant[c.ParticipantID], c)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := make([]types.ParticipantSnapshot, 0, len(participants))
	for _, p := range participants {
		if p.ID == exclude {
			continue
		}
		if _, connected := r.clients[p.ID]; !connected {
			continue
		}
		snapshot = append(snapshot, types.ParticipantSnapshot{
			Participant: p,
			Cursors:     cursorsByParticipant[p.ID],
		})
	}
	return snapshot, nil
}

// upsertPresence is best-effort: failures are logged, never surfaced.
func (r *Room) upsertPresence(ctx context.Context, participantID types.ParticipantIDType, status types.PresenceStatus, docID types.DocumentIDType, activity types.ActivityType) {
	err := r.store.UpsertPresence(ctx, &types.Presence{
		ParticipantID:     participantID,
		RoomID:            r.ID,
		Status:            status,
		CurrentDocumentID: docID,
		Activity:          activity,
		LastActivity:      time.Now(),
	})
	if err != nil {
		logging.Warn(ctx, "failed to upsert presence",
			zap.String("participant_id", string(participantID)), zap.Error(err))
	}
}

// markActivityLocked refreshes a participant's activity clock and flips a
// previously-away participant back to online.
func (r *Room) markActivityLocked(ctx context.Context, participantID types.ParticipantIDType, docID types.DocumentIDType, activity types.ActivityType) {
	r.lastActivity[participantID] = time.Now()
	if r.away.Has(participantID) {
		r.away.Delete(participantID)
		r.upsertPresence(ctx, participantID, types.PresenceOnline, docID, activity)
		r.broadcastLocked(types.EventPresenceUpdate, types.PresenceUpdatePayload{
			ParticipantID:     participantID,
			Status:            types.PresenceOnline,
			CurrentDocumentID: docID,
			Activity:          activity,
		}, participantID)
	}
}

// sweepAwayLocked transitions idle members to away.
func (r *Room) sweepAwayLocked(ctx context.Context, now time.Time) {
	for id, last := range r.lastActivity {
		if now.Sub(last) < r.awayAfter || r.away.Has(id) {
			continue
		}
		r.away.Insert(id)
		r.upsertPresence(ctx, id, types.PresenceAway, "", types.ActivityIdle)
		r.broadcastLocked(types.EventPresenceUpdate, types.PresenceUpdatePayload{
			ParticipantID: id,
			Status:        types.PresenceAway,
			Activity:      types.ActivityIdle,
		}, id)
	}
}

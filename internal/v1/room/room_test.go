package room

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/coedit-live/coedit/backend/go/internal/v1/ot"
	"github.com/coedit-live/coedit/backend/go/internal/v1/store"
	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	room  *Room
	store *store.MemoryStore
	docID types.DocumentIDType
}

func newFixture(t *testing.T, maxParticipants int) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()

	roomRow := &types.Room{Name: "pairing", OwnerID: "user-owner", MaxParticipants: maxParticipants, OpenJoin: true}
	require.NoError(t, s.CreateRoom(ctx, roomRow))
	doc := &types.Document{RoomID: roomRow.ID, FilePath: "main.go"}
	require.NoError(t, s.CreateDocument(ctx, doc))

	r, err := New(ctx, roomRow.ID, Config{Store: s, InstanceID: "test-instance"})
	require.NoError(t, err)

	return &fixture{room: r, store: s, docID: doc.ID}
}

// join registers a participant row and admits the client.
func (f *fixture) join(t *testing.T, client *mockClient) *types.JoinedRoomPayload {
	t.Helper()
	ctx := context.Background()
	p := &types.Participant{
		ID:          client.id,
		RoomID:      f.room.ID,
		UserID:      client.user,
		Role:        client.GetRole(),
		DisplayName: client.name,
		Color:       types.AssignColor(client.user),
	}
	require.NoError(t, f.store.UpsertParticipant(context.Background(), p))

	joined, err := f.room.Join(ctx, client, p)
	require.NoError(t, err)
	return joined
}

func (f *fixture) openDocument(t *testing.T, client *mockClient) {
	t.Helper()
	f.room.HandleEvent(context.Background(), client,
		inboundFrame(t, types.EventOpenDocument, types.OpenDocumentPayload{DocumentID: f.docID}, "open-1"))
	states := client.framesOf(types.EventDocumentState)
	require.NotEmpty(t, states, "open-document must answer with document-state")
}

func TestJoin_SnapshotAndBroadcast(t *testing.T) {
	f := newFixture(t, 0)
	a := newMockClient("pA", types.RoleTypeEditor)
	b := newMockClient("pB", types.RoleTypeEditor)

	f.join(t, a)
	joinedB := f.join(t, b)

	// The existing member saw the join.
	joins := a.framesOf(types.EventParticipantJoined)
	require.Len(t, joins, 1)
	payload := decodePayload[types.ParticipantJoinedPayload](t, joins[0])
	assert.Equal(t, types.ParticipantIDType("pB"), payload.Participant.ID)

	// The joiner got the existing member in its snapshot, not itself.
	require.Len(t, joinedB.Snapshot, 1)
	assert.Equal(t, types.ParticipantIDType("pA"), joinedB.Snapshot[0].Participant.ID)
	assert.Equal(t, types.RoleTypeEditor, joinedB.Role)
}

func TestJoin_RoomFull(t *testing.T) {
	f := newFixture(t, 1)
	f.join(t, newMockClient("pA", types.RoleTypeEditor))

	b := newMockClient("pB", types.RoleTypeEditor)
	p := &types.Participant{ID: b.id, RoomID: f.room.ID, UserID: b.user, Role: types.RoleTypeEditor}
	require.NoError(t, f.store.UpsertParticipant(context.Background(), p))

	_, err := f.room.Join(context.Background(), b, p)
	require.Error(t, err)
	assert.Equal(t, types.CodeRoomFull, types.CodeOf(err))
}

func TestLeave_BroadcastAndOnEmpty(t *testing.T) {
	f := newFixture(t, 0)
	var emptied []types.RoomIDType
	f.room.onEmpty = func(id types.RoomIDType) { emptied = append(emptied, id) }

	a := newMockClient("pA", types.RoleTypeEditor)
	b := newMockClient("pB", types.RoleTypeEditor)
	f.join(t, a)
	f.join(t, b)

	f.room.Leave(context.Background(), b)
	lefts := a.framesOf(types.EventParticipantLeft)
	require.Len(t, lefts, 1)
	assert.Equal(t, types.ParticipantIDType("pB"),
		decodePayload[types.ParticipantLeftPayload](t, lefts[0]).ParticipantID)
	assert.Empty(t, emptied)

	// Leaving twice is harmless; last leave triggers teardown.
	f.room.Leave(context.Background(), b)
	f.room.Leave(context.Background(), a)
	assert.Equal(t, []types.RoomIDType{f.room.ID}, emptied)
}

func TestDocumentOperation_AckThenBroadcast(t *testing.T) {
	f := newFixture(t, 0)
	author := newMockClient("pA", types.RoleTypeEditor)
	peer := newMockClient("pB", types.RoleTypeEditor)
	f.join(t, author)
	f.join(t, peer)
	f.openDocument(t, author)
	f.openDocument(t, peer)

	f.room.HandleEvent(context.Background(), author,
		inboundFrame(t, types.EventDocumentOperation, types.DocumentOperationPayload{
			DocumentID:          f.docID,
			BaseVersion:         0,
			ClientID:            "cA",
			ClientSequenceStart: 0,
			Ops:                 ot.Change{ot.Insert("Hello")},
		}, "req-1"))

	// The author gets exactly one confirmation and no operations-applied.
	confirmations := author.framesOf(types.EventOperationsConfirmed)
	require.Len(t, confirmations, 1)
	assert.Equal(t, "req-1", confirmations[0].RequestID)
	confirmed := decodePayload[types.OperationsConfirmedPayload](t, confirmations[0])
	require.Len(t, confirmed.Ops, 1)
	assert.Equal(t, int64(1), confirmed.Ops[0].ServerSequence)
	assert.Empty(t, author.framesOf(types.EventOperationsApplied))

	// The peer sees the applied change.
	applied := peer.framesOf(types.EventOperationsApplied)
	require.Len(t, applied, 1)
	payload := decodePayload[types.OperationsAppliedPayload](t, applied[0])
	assert.Equal(t, types.ParticipantIDType("pA"), payload.ParticipantID)
	assert.Equal(t, ot.Change{ot.Insert("Hello")}, payload.Ops)
	assert.Equal(t, []int64{1}, payload.ServerSequences)
}

// Per-peer fan-out order: the applied events a peer receives for a document
// are strictly increasing in server sequence.
func TestDocumentOperation_FanOutOrder(t *testing.T) {
	f := newFixture(t, 0)
	author := newMockClient("pA", types.RoleTypeEditor)
	peer := newMockClient("pB", types.RoleTypeEditor)
	f.join(t, author)
	f.join(t, peer)
	f.openDocument(t, author)
	f.openDocument(t, peer)

	version := int64(0)
	for i := 0; i < 5; i++ {
		f.room.HandleEvent(context.Background(), author,
			inboundFrame(t, types.EventDocumentOperation, types.DocumentOperationPayload{
				DocumentID:          f.docID,
				BaseVersion:         version,
				ClientID:            "cA",
				ClientSequenceStart: int64(i),
				Ops:                 ot.Change{ot.Insert("x")},
			}, ""))
		version++
	}

	applied := peer.framesOf(types.EventOperationsApplied)
	require.Len(t, applied, 5)
	last := int64(0)
	for _, frame := range applied {
		payload := decodePayload[types.OperationsAppliedPayload](t, frame)
		require.Len(t, payload.ServerSequences, 1)
		assert.Greater(t, payload.ServerSequences[0], last)
		last = payload.ServerSequences[0]
	}
}

// Two authors racing on the same document: every member's stream must stay
// strictly increasing in server sequence, and each author's confirmation for
// a batch must arrive before any applied event committed after it.
func TestDocumentOperation_ConcurrentSubmitsKeepFanOutOrder(t *testing.T) {
	f := newFixture(t, 0)
	a := newMockClient("pA", types.RoleTypeEditor)
	b := newMockClient("pB", types.RoleTypeEditor)
	peer := newMockClient("pC", types.RoleTypeEditor)
	f.join(t, a)
	f.join(t, b)
	f.join(t, peer)
	f.openDocument(t, a)
	f.openDocument(t, b)
	f.openDocument(t, peer)

	const perAuthor = 20
	buildFrames := func(clientID types.ClientIDType) []types.Frame {
		frames := make([]types.Frame, perAuthor)
		for i := range frames {
			frames[i] = inboundFrame(t, types.EventDocumentOperation, types.DocumentOperationPayload{
				DocumentID:          f.docID,
				BaseVersion:         0,
				ClientID:            clientID,
				ClientSequenceStart: int64(i),
				Ops:                 ot.Change{ot.Insert("x")},
			}, "")
		}
		return frames
	}
	framesA := buildFrames("cA")
	framesB := buildFrames("cB")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, frame := range framesA {
			f.room.HandleEvent(context.Background(), a, frame)
		}
	}()
	go func() {
		defer wg.Done()
		for _, frame := range framesB {
			f.room.HandleEvent(context.Background(), b, frame)
		}
	}()
	wg.Wait()

	// The passive peer hears every commit, in order.
	applied := peer.framesOf(types.EventOperationsApplied)
	require.Len(t, applied, 2*perAuthor)
	last := int64(0)
	for _, frame := range applied {
		payload := decodePayload[types.OperationsAppliedPayload](t, frame)
		require.Len(t, payload.ServerSequences, 1)
		require.Greater(t, payload.ServerSequences[0], last)
		last = payload.ServerSequences[0]
	}

	// On an author's own channel, confirmations and applied events interleave
	// in commit order, so its ack always precedes later peers' operations.
	for _, author := range []*mockClient{a, b} {
		last := int64(0)
		for _, frame := range author.recorded() {
			var seq int64
			switch frame.Event {
			case types.EventOperationsConfirmed:
				payload := decodePayload[types.OperationsConfirmedPayload](t, frame)
				require.Len(t, payload.Ops, 1)
				seq = payload.Ops[0].ServerSequence
			case types.EventOperationsApplied:
				payload := decodePayload[types.OperationsAppliedPayload](t, frame)
				require.Len(t, payload.ServerSequences, 1)
				seq = payload.ServerSequences[0]
			default:
				continue
			}
			require.Greater(t, seq, last, "author %s saw sequence %d after %d", author.id, seq, last)
			last = seq
		}
	}
}

func TestDocumentOperation_ViewerRejected(t *testing.T) {
	f := newFixture(t, 0)
	viewer := newMockClient("pV", types.RoleTypeViewer)
	f.join(t, viewer)
	f.openDocument(t, viewer)

	f.room.HandleEvent(context.Background(), viewer,
		inboundFrame(t, types.EventDocumentOperation, types.DocumentOperationPayload{
			DocumentID: f.docID,
			ClientID:   "cV",
			Ops:        ot.Change{ot.Insert("nope")},
		}, "req-v"))

	errs := viewer.framesOf(types.EventError)
	require.Len(t, errs, 1)
	payload := decodePayload[types.ErrorPayload](t, errs[0])
	assert.Equal(t, types.CodeInsufficientPermissions, payload.Code)

	ops, err := f.store.GetOperationsSince(context.Background(), f.docID, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, ops, "no operation persisted for a viewer")
}

func TestCursorUpdate_BroadcastExcludesSender(t *testing.T) {
	f := newFixture(t, 0)
	a := newMockClient("pA", types.RoleTypeEditor)
	b := newMockClient("pB", types.RoleTypeViewer)
	f.join(t, a)
	f.join(t, b)
	f.openDocument(t, a)
	f.openDocument(t, b)

	f.room.HandleEvent(context.Background(), b,
		inboundFrame(t, types.EventCursorUpdate, types.CursorUpdatePayload{
			DocumentID: f.docID, Line: 0, Column: 3,
		}, ""))

	// Viewers may move cursors; the sender does not hear its own update.
	updates := a.framesOf(types.EventCursorUpdated)
	require.Len(t, updates, 1)
	payload := decodePayload[types.CursorUpdatedPayload](t, updates[0])
	assert.Equal(t, types.ParticipantIDType("pB"), payload.ParticipantID)
	assert.Equal(t, 3, payload.Column)
	assert.Empty(t, b.framesOf(types.EventCursorUpdated))
}

func TestCursorUpdate_NegativePositionRejected(t *testing.T) {
	f := newFixture(t, 0)
	a := newMockClient("pA", types.RoleTypeEditor)
	f.join(t, a)

	f.room.HandleEvent(context.Background(), a,
		inboundFrame(t, types.EventCursorUpdate, map[string]any{
			"documentId": f.docID, "line": -1, "column": 0,
		}, "req-c"))

	errs := a.framesOf(types.EventError)
	require.Len(t, errs, 1)
	assert.Equal(t, types.CodeInvalidOperation, decodePayload[types.ErrorPayload](t, errs[0]).Code)
}

// A peer's stored cursor follows an edit made before it: inserting at the
// start of "Hello" pushes a cursor at column 5 to column 6.
func TestCursorTransformedAfterOperation(t *testing.T) {
	f := newFixture(t, 0)
	a := newMockClient("pA", types.RoleTypeEditor)
	b := newMockClient("pB", types.RoleTypeEditor)
	f.join(t, a)
	f.join(t, b)
	f.openDocument(t, a)
	f.openDocument(t, b)

	ctx := context.Background()
	f.room.HandleEvent(ctx, a,
		inboundFrame(t, types.EventDocumentOperation, types.DocumentOperationPayload{
			DocumentID: f.docID, BaseVersion: 0, ClientID: "cA", ClientSequenceStart: 0,
			Ops: ot.Change{ot.Insert("Hello")},
		}, ""))

	f.room.HandleEvent(ctx, b,
		inboundFrame(t, types.EventCursorUpdate, types.CursorUpdatePayload{
			DocumentID: f.docID, Line: 0, Column: 5,
		}, ""))

	f.room.HandleEvent(ctx, a,
		inboundFrame(t, types.EventDocumentOperation, types.DocumentOperationPayload{
			DocumentID: f.docID, BaseVersion: 1, ClientID: "cA", ClientSequenceStart: 1,
			Ops: ot.Change{ot.Insert("!")},
		}, ""))

	cursors, err := f.store.ListCursors(ctx, f.docID)
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	assert.Equal(t, 6, cursors[0].Column)

	// The op reached B before the transformed cursor broadcast.
	var sawOp bool
	for _, frame := range b.recorded() {
		if frame.Event == types.EventOperationsApplied {
			sawOp = true
		}
		if frame.Event == types.EventCursorUpdated {
			assert.True(t, sawOp, "cursor update must follow the operation")
			payload := decodePayload[types.CursorUpdatedPayload](t, frame)
			assert.Equal(t, 6, payload.Column)
		}
	}
}

func TestAwaySweep(t *testing.T) {
	f := newFixture(t, 0)
	f.room.awayAfter = 10 * time.Millisecond

	a := newMockClient("pA", types.RoleTypeEditor)
	b := newMockClient("pB", types.RoleTypeEditor)
	f.join(t, a)
	f.join(t, b)

	// Make pA look idle, then trigger a sweep via any event from pB.
	f.room.mu.Lock()
	f.room.lastActivity[a.id] = time.Now().Add(-time.Minute)
	f.room.mu.Unlock()

	f.room.HandleEvent(context.Background(), b,
		inboundFrame(t, types.EventPing, struct{}{}, ""))

	updates := b.framesOf(types.EventPresenceUpdate)
	require.Len(t, updates, 1)
	payload := decodePayload[types.PresenceUpdatePayload](t, updates[0])
	assert.Equal(t, types.ParticipantIDType("pA"), payload.ParticipantID)
	assert.Equal(t, types.PresenceAway, payload.Status)

	// Activity flips pA back to online.
	f.room.HandleEvent(context.Background(), a,
		inboundFrame(t, types.EventPing, struct{}{}, ""))
	online := b.framesOf(types.EventPresenceUpdate)
	require.Len(t, online, 2)
	assert.Equal(t, types.PresenceOnline, decodePayload[types.PresenceUpdatePayload](t, online[1]).Status)
}

// An edit flips an away participant back online with editing activity, not
// the generic viewing one.
func TestDocumentOperation_MarksEditingActivity(t *testing.T) {
	f := newFixture(t, 0)
	f.room.awayAfter = 10 * time.Millisecond

	a := newMockClient("pA", types.RoleTypeEditor)
	b := newMockClient("pB", types.RoleTypeEditor)
	f.join(t, a)
	f.join(t, b)
	f.openDocument(t, a)
	f.openDocument(t, b)

	f.room.mu.Lock()
	f.room.lastActivity[a.id] = time.Now().Add(-time.Minute)
	f.room.mu.Unlock()
	f.room.HandleEvent(context.Background(), b,
		inboundFrame(t, types.EventPing, struct{}{}, ""))

	f.room.HandleEvent(context.Background(), a,
		inboundFrame(t, types.EventDocumentOperation, types.DocumentOperationPayload{
			DocumentID:          f.docID,
			BaseVersion:         0,
			ClientID:            "cA",
			ClientSequenceStart: 0,
			Ops:                 ot.Change{ot.Insert("x")},
		}, ""))

	updates := b.framesOf(types.EventPresenceUpdate)
	require.Len(t, updates, 2)
	payload := decodePayload[types.PresenceUpdatePayload](t, updates[1])
	assert.Equal(t, types.PresenceOnline, payload.Status)
	assert.Equal(t, types.ActivityEditing, payload.Activity)
}

func TestUnknownEvent(t *testing.T) {
	f := newFixture(t, 0)
	a := newMockClient("pA", types.RoleTypeEditor)
	f.join(t, a)

	f.room.HandleEvent(context.Background(), a, types.Frame{Event: "no-such-event"})
	errs := a.framesOf(types.EventError)
	require.Len(t, errs, 1)
}

func TestHasPermission(t *testing.T) {
	tests := []struct {
		role types.RoleType
		perm Permission
		want bool
	}{
		{types.RoleTypeOwner, PermDeleteRoom, true},
		{types.RoleTypeOwner, PermEditDocuments, true},
		{types.RoleTypeEditor, PermEditDocuments, true},
		{types.RoleTypeEditor, PermDeleteRoom, false},
		{types.RoleTypeViewer, PermSendCursor, true},
		{types.RoleTypeViewer, PermEditDocuments, false},
		{types.RoleTypeUnknown, PermViewDocuments, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HasPermission(tt.role, tt.perm), "%s/%s", tt.role, tt.perm)
	}
}

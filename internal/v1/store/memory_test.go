package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

func newTestStore(t *testing.T) (*MemoryStore, types.RoomIDType, types.DocumentIDType) {
	t.Helper()
	s := NewMemoryStore()
	ctx := context.Background()

	room := &types.Room{Name: "test room", OwnerID: "user-owner", OpenJoin: true}
	require.NoError(t, s.CreateRoom(ctx, room))

	doc := &types.Document{RoomID: room.ID, FilePath: "main.go"}
	require.NoError(t, s.CreateDocument(ctx, doc))

	return s, room.ID, doc.ID
}

func insertOp(participant types.ParticipantIDType, clientID types.ClientIDType, clientSeq int64, pos int, text string) types.Operation {
	return types.Operation{
		ParticipantID:  participant,
		Type:           "insert",
		Position:       pos,
		Content:        text,
		ClientID:       clientID,
		ClientSequence: clientSeq,
	}
}

func TestAppendOperations_AssignsSequences(t *testing.T) {
	s, _, docID := newTestStore(t)
	ctx := context.Background()

	ops := []types.Operation{
		insertOp("p1", "c1", 0, 0, "hello"),
		insertOp("p1", "c1", 1, 5, " world"),
	}
	stored, err := s.AppendOperations(ctx, docID, ops, "hello world", 2)
	require.NoError(t, err)
	require.Len(t, stored, 2)

	assert.Equal(t, int64(1), stored[0].ServerSequence)
	assert.Equal(t, int64(2), stored[1].ServerSequence)
	assert.NotEmpty(t, stored[0].ID)
	assert.False(t, stored[0].Timestamp.IsZero())

	doc, err := s.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, "hello world", doc.Content)
	assert.Equal(t, int64(2), doc.Version)
	assert.Equal(t, len("hello world"), doc.SizeBytes)
	assert.Equal(t, 1, doc.LineCount)
}

func TestAppendOperations_RejectsVersionGap(t *testing.T) {
	s, _, docID := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendOperations(ctx, docID, []types.Operation{insertOp("p1", "c1", 0, 0, "x")}, "x", 5)
	require.Error(t, err)
	assert.Equal(t, types.CodeInternalError, types.CodeOf(err))

	doc, err := s.GetDocument(ctx, docID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), doc.Version)
	assert.Equal(t, "", doc.Content)
}

func TestAppendOperations_RejectsDuplicateIdempotencyKey(t *testing.T) {
	s, _, docID := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendOperations(ctx, docID, []types.Operation{insertOp("p1", "c1", 7, 0, "x")}, "x", 1)
	require.NoError(t, err)

	_, err = s.AppendOperations(ctx, docID, []types.Operation{insertOp("p1", "c1", 7, 1, "y")}, "xy", 2)
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidOperation, types.CodeOf(err))

	// Nothing partial was applied.
	ops, err := s.GetOperationsSince(ctx, docID, 0, 0)
	require.NoError(t, err)
	assert.Len(t, ops, 1)
}

func TestGetOperationsSince(t *testing.T) {
	s, _, docID := newTestStore(t)
	ctx := context.Background()

	batch := []types.Operation{
		insertOp("p1", "c1", 0, 0, "a"),
		insertOp("p1", "c1", 1, 1, "b"),
		insertOp("p1", "c1", 2, 2, "c"),
	}
	_, err := s.AppendOperations(ctx, docID, batch, "abc", 3)
	require.NoError(t, err)

	ops, err := s.GetOperationsSince(ctx, docID, 1, 0)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, int64(2), ops[0].ServerSequence)
	assert.Equal(t, int64(3), ops[1].ServerSequence)

	limited, err := s.GetOperationsSince(ctx, docID, 0, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	_, err = s.GetOperationsSince(ctx, "missing", 0, 0)
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestFindOperationByIdempotencyKey(t *testing.T) {
	s, _, docID := newTestStore(t)
	ctx := context.Background()

	_, err := s.AppendOperations(ctx, docID, []types.Operation{insertOp("p1", "client-k", 7, 0, "X")}, "X", 1)
	require.NoError(t, err)

	op, err := s.FindOperationByIdempotencyKey(ctx, docID, "client-k", 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), op.ServerSequence)
	assert.Equal(t, "X", op.Content)

	_, err = s.FindOperationByIdempotencyKey(ctx, docID, "client-k", 8)
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestParticipantUpsert_UniquePerRoomUser(t *testing.T) {
	s, roomID, _ := newTestStore(t)
	ctx := context.Background()

	p := &types.Participant{RoomID: roomID, UserID: "u1", Role: types.RoleTypeEditor, DisplayName: "Ada"}
	require.NoError(t, s.UpsertParticipant(ctx, p))
	firstID := p.ID
	require.NotEmpty(t, firstID)

	// Upserting again keeps the same participant identity.
	p2 := &types.Participant{RoomID: roomID, UserID: "u1", Role: types.RoleTypeViewer, DisplayName: "Ada"}
	require.NoError(t, s.UpsertParticipant(ctx, p2))
	assert.Equal(t, firstID, p2.ID)

	got, err := s.GetParticipant(ctx, roomID, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.RoleTypeViewer, got.Role)

	all, err := s.ListParticipants(ctx, roomID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestCursorUpsert(t *testing.T) {
	s, _, docID := newTestStore(t)
	ctx := context.Background()

	err := s.UpsertCursor(ctx, &types.Cursor{ParticipantID: "p1", DocumentID: docID, Line: -1})
	assert.Equal(t, types.CodeInvalidOperation, types.CodeOf(err))

	now := time.Now()
	require.NoError(t, s.UpsertCursor(ctx, &types.Cursor{ParticipantID: "p1", DocumentID: docID, Line: 0, Column: 5, UpdatedAt: now}))

	// A stale write does not regress the cursor.
	require.NoError(t, s.UpsertCursor(ctx, &types.Cursor{ParticipantID: "p1", DocumentID: docID, Line: 0, Column: 1, UpdatedAt: now.Add(-time.Second)}))

	cursors, err := s.ListCursors(ctx, docID)
	require.NoError(t, err)
	require.Len(t, cursors, 1)
	assert.Equal(t, 5, cursors[0].Column)
}

func TestDeleteRoom_Cascades(t *testing.T) {
	s, roomID, docID := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertParticipant(ctx, &types.Participant{RoomID: roomID, UserID: "u1", Role: types.RoleTypeEditor}))
	require.NoError(t, s.UpsertCursor(ctx, &types.Cursor{ParticipantID: "p1", DocumentID: docID}))
	require.NoError(t, s.UpsertPresence(ctx, &types.Presence{ParticipantID: "p1", RoomID: roomID, Status: types.PresenceOnline}))

	require.NoError(t, s.DeleteRoom(ctx, roomID))

	_, err := s.GetRoom(ctx, roomID)
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
	_, err = s.GetDocument(ctx, docID)
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
	_, err = s.GetParticipant(ctx, roomID, "u1")
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestLineCount(t *testing.T) {
	tests := []struct {
		content string
		want    int
	}{
		{"", 1},
		{"a", 1},
		{"a\nb", 2},
		{"a\n", 2},
		{"\n", 2},
		{"a\nb\nc", 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, lineCount(tt.content), "%q", tt.content)
	}
}

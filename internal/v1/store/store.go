// Package store abstracts the durable backend for rooms, documents,
// operations, participants, cursors, and presence. The document engine is
// the only writer of operations; the HTTP surface uses the CRUD methods.
package store

import (
	"context"

	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

// Store is the persistence contract the collaboration core depends on.
// Implementations must make AppendOperations atomic per document and must
// enforce the uniqueness constraints of the data model: one server sequence
// per (document, sequence), one operation per (document, client, client
// sequence), one participant per (room, user), one document per (room, path).
type Store interface {
	// Rooms.
	CreateRoom(ctx context.Context, room *types.Room) error
	GetRoom(ctx context.Context, id types.RoomIDType) (*types.Room, error)
	ListRooms(ctx context.Context) ([]types.Room, error)
	UpdateRoom(ctx context.Context, room *types.Room) error
	// DeleteRoom cascades to the room's participants, documents, operations,
	// cursors, and presence rows.
	DeleteRoom(ctx context.Context, id types.RoomIDType) error

	// Documents.
	CreateDocument(ctx context.Context, doc *types.Document) error
	GetDocument(ctx context.Context, id types.DocumentIDType) (*types.Document, error)
	ListDocuments(ctx context.Context, roomID types.RoomIDType) ([]types.Document, error)
	DeleteDocument(ctx context.Context, id types.DocumentIDType) error

	// Operations. GetOperationsSince returns ops with server sequence
	// strictly greater than afterSequence, ordered ascending, at most limit
	// (limit <= 0 means no cap). AppendOperations assigns the next server
	// sequences, persists the ops and the new document content and version
	// in one atomic step, and returns the stored ops in order.
	GetOperationsSince(ctx context.Context, documentID types.DocumentIDType, afterSequence int64, limit int) ([]types.Operation, error)
	AppendOperations(ctx context.Context, documentID types.DocumentIDType, ops []types.Operation, newContent string, newVersion int64) ([]types.Operation, error)
	FindOperationByIdempotencyKey(ctx context.Context, documentID types.DocumentIDType, clientID types.ClientIDType, clientSequence int64) (*types.Operation, error)

	// Participants.
	GetParticipant(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType) (*types.Participant, error)
	UpsertParticipant(ctx context.Context, p *types.Participant) error
	ListParticipants(ctx context.Context, roomID types.RoomIDType) ([]types.Participant, error)

	// Cursors and presence. Upserts are last-writer-wins, no history.
	UpsertCursor(ctx context.Context, c *types.Cursor) error
	ListCursors(ctx context.Context, documentID types.DocumentIDType) ([]types.Cursor, error)
	ListRoomCursors(ctx context.Context, roomID types.RoomIDType) ([]types.Cursor, error)
	UpsertPresence(ctx context.Context, p *types.Presence) error

	// Close releases backend resources.
	Close() error
}

// TokenService resolves a bearer credential to a user identity. The JWKS
// validator satisfies this in production; tests use a static map.
type TokenService interface {
	GetUserFromToken(ctx context.Context, token string) (*types.User, error)
}

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

// idempotencyKey identifies one persisted op per client sequence number.
type idempotencyKey struct {
	clientID       types.ClientIDType
	clientSequence int64
}

// cursorKey is the upsert identity of a cursor row.
type cursorKey struct {
	participantID types.ParticipantIDType
	documentID    types.DocumentIDType
}

// participantKey is the (room, user) uniqueness constraint.
type participantKey struct {
	roomID types.RoomIDType
	userID types.UserIDType
}

// presenceKey is the (participant, room) uniqueness constraint.
type presenceKey struct {
	participantID types.ParticipantIDType
	roomID        types.RoomIDType
}

// MemoryStore is a mutex-guarded in-memory Store used by tests and
// single-node development. Server sequence allocation rides on the stored
// document version, so appends are naturally serialized per document.
type MemoryStore struct {
	mu           sync.RWMutex
	rooms        map[types.RoomIDType]types.Room
	documents    map[types.DocumentIDType]types.Document
	operations   map[types.DocumentIDType][]types.Operation
	opsByKey     map[types.DocumentIDType]map[idempotencyKey]int
	participants map[participantKey]types.Participant
	cursors      map[cursorKey]types.Cursor
	presence     map[presenceKey]types.Presence
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:        make(map[types.RoomIDType]types.Room),
		documents:    make(map[types.DocumentIDType]types.Document),
		operations:   make(map[types.DocumentIDType][]types.Operation),
		opsByKey:     make(map[types.DocumentIDType]map[idempotencyKey]int),
		participants: make(map[participantKey]types.Participant),
		cursors:      make(map[cursorKey]types.Cursor),
		presence:     make(map[presenceKey]types.Presence),
	}
}

var _ Store = (*MemoryStore)(nil)

// --- Rooms ---

func (s *MemoryStore) CreateRoom(_ context.Context, room *types.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room.ID == "" {
		room.ID = types.RoomIDType(uuid.NewString())
	}
	if _, exists := s.rooms[room.ID]; exists {
		return types.NewError(types.CodeInvalidOperation, "room already exists")
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	if room.Status == "" {
		room.Status = types.RoomStatusActive
	}
	s.rooms[room.ID] = *room
	return nil
}

func (s *MemoryStore) GetRoom(_ context.Context, id types.RoomIDType) (*types.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[id]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "room not found")
	}
	return &room, nil
}

func (s *MemoryStore) ListRooms(_ context.Context) ([]types.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]types.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].CreatedAt.Before(rooms[j].CreatedAt) })
	return rooms, nil
}

func (s *MemoryStore) UpdateRoom(_ context.Context, room *types.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[room.ID]; !ok {
		return types.NewError(types.CodeNotFound, "room not found")
	}
	s.rooms[room.ID] = *room
	return nil
}

func (s *MemoryStore) DeleteRoom(_ context.Context, id types.RoomIDType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[id]; !ok {
		return types.NewError(types.CodeNotFound, "room not found")
	}
	delete(s.rooms, id)

	for docID, doc := range s.documents {
		if doc.RoomID != id {
			continue
		}
		delete(s.documents, docID)
		delete(s.operations, docID)
		delete(s.opsByKey, docID)
		for key := range s.cursors {
			if key.documentID == docID {
				delete(s.cursors, key)
			}
		}
	}
	for key := range s.participants {
		if key.roomID == id {
			delete(s.participants, key)
		}
	}
	for key := range s.presence {
		if key.roomID == id {
			delete(s.presence, key)
		}
	}
	return nil
}

// --- Documents ---

func (s *MemoryStore) CreateDocument(_ context.Context, doc *types.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[doc.RoomID]; !ok {
		return types.NewError(types.CodeNotFound, "room not found")
	}
	for _, existing := range s.documents {
		if existing.RoomID == doc.RoomID && existing.FilePath == doc.FilePath {
			return types.NewError(types.CodeInvalidOperation, "document path already exists in room")
		}
	}
	if doc.ID == "" {
		doc.ID = types.DocumentIDType(uuid.NewString())
	}
	if doc.LineCount == 0 {
		doc.LineCount = 1
	}
	s.documents[doc.ID] = *doc
	return nil
}

func (s *MemoryStore) GetDocument(_ context.Context, id types.DocumentIDType) (*types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "document not found")
	}
	return &doc, nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, roomID types.RoomIDType) ([]types.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docs []types.Document
	for _, d := range s.documents {
		if d.RoomID == roomID {
			docs = append(docs, d)
		}
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].FilePath < docs[j].FilePath })
	return docs, nil
}

func (s *MemoryStore) DeleteDocument(_ context.Context, id types.DocumentIDType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.documents[id]; !ok {
		return types.NewError(types.CodeNotFound, "document not found")
	}
	delete(s.documents, id)
	delete(s.operations, id)
	delete(s.opsByKey, id)
	for key := range s.cursors {
		if key.documentID == id {
			delete(s.cursors, key)
		}
	}
	return nil
}

// --- Operations ---

func (s *MemoryStore) GetOperationsSince(_ context.Context, documentID types.DocumentIDType, afterSequence int64, limit int) ([]types.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.documents[documentID]; !ok {
		return nil, types.NewError(types.CodeNotFound, "document not found")
	}

	var out []types.Operation
	for _, op := range s.operations[documentID] {
		if op.ServerSequence > afterSequence {
			out = append(out, op)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryStore) AppendOperations(_ context.Context, documentID types.DocumentIDType, ops []types.Operation, newContent string, newVersion int64) ([]types.Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[documentID]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "document not found")
	}
	if len(ops) == 0 {
		return nil, types.NewError(types.CodeInvalidOperation, "empty operation batch")
	}
	if newVersion != doc.Version+int64(len(ops)) {
		return nil, types.WrapError(types.CodeInternalError, "version gap on append",
			fmt.Errorf("document %s at version %d, append of %d ops claims version %d", documentID, doc.Version, len(ops), newVersion))
	}

	byKey := s.opsByKey[documentID]
	if byKey == nil {
		byKey = make(map[idempotencyKey]int)
		s.opsByKey[documentID] = byKey
	}
	for _, op := range ops {
		if _, dup := byKey[idempotencyKey{op.ClientID, op.ClientSequence}]; dup {
			return nil, types.NewError(types.CodeInvalidOperation, "duplicate idempotency key in append")
		}
	}

	now := time.Now()
	stored := make([]types.Operation, len(ops))
	for i, op := range ops {
		op.ID = uuid.NewString()
		op.DocumentID = documentID
		op.ServerSequence = doc.Version + int64(i) + 1
		op.Timestamp = now
		stored[i] = op
		byKey[idempotencyKey{op.ClientID, op.ClientSequence}] = len(s.operations[documentID]) + i
	}
	s.operations[documentID] = append(s.operations[documentID], stored...)

	doc.Content = newContent
	doc.Version = newVersion
	doc.SizeBytes = len(newContent)
	doc.LastOperationAt = now
	doc.LineCount = lineCount(newContent)
	s.documents[documentID] = doc

	return stored, nil
}

func (s *MemoryStore) FindOperationByIdempotencyKey(_ context.Context, documentID types.DocumentIDType, clientID types.ClientIDType, clientSequence int64) (*types.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.opsByKey[documentID][idempotencyKey{clientID, clientSequence}]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "operation not found")
	}
	op := s.operations[documentID][idx]
	return &op, nil
}

// --- Participants ---

func (s *MemoryStore) GetParticipant(_ context.Context, roomID types.RoomIDType, userID types.UserIDType) (*types.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[participantKey{roomID, userID}]
	if !ok {
		return nil, types.NewError(types.CodeNotFound, "participant not found")
	}
	return &p, nil
}

func (s *MemoryStore) UpsertParticipant(_ context.Context, p *types.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rooms[p.RoomID]; !ok {
		return types.NewError(types.CodeNotFound, "room not found")
	}
	key := participantKey{p.RoomID, p.UserID}
	if existing, ok := s.participants[key]; ok {
		p.ID = existing.ID
	} else if p.ID == "" {
		p.ID = types.ParticipantIDType(uuid.NewString())
	}
	s.participants[key] = *p
	return nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, roomID types.RoomIDType) ([]types.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Participant
	for key, p := range s.participants {
		if key.roomID == roomID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Cursors and presence ---

func (s *MemoryStore) UpsertCursor(_ context.Context, c *types.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Line < 0 || c.Column < 0 {
		return types.NewError(types.CodeInvalidOperation, "cursor position must be non-negative")
	}
	if _, ok := s.documents[c.DocumentID]; !ok {
		return types.NewError(types.CodeNotFound, "document not found")
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	key := cursorKey{c.ParticipantID, c.DocumentID}
	if existing, ok := s.cursors[key]; ok && existing.UpdatedAt.After(c.UpdatedAt) {
		// Last writer wins on wall clock; stale writes are dropped.
		return nil
	}
	s.cursors[key] = *c
	return nil
}

func (s *MemoryStore) ListCursors(_ context.Context, documentID types.DocumentIDType) ([]types.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Cursor
	for key, c := range s.cursors {
		if key.documentID == documentID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (s *MemoryStore) ListRoomCursors(_ context.Context, roomID types.RoomIDType) ([]types.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.Cursor
	for key, c := range s.cursors {
		doc, ok := s.documents[key.documentID]
		if ok && doc.RoomID == roomID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ParticipantID != out[j].ParticipantID {
			return out[i].ParticipantID < out[j].ParticipantID
		}
		return out[i].DocumentID < out[j].DocumentID
	})
	return out, nil
}

func (s *MemoryStore) UpsertPresence(_ context.Context, p *types.Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.LastActivity.IsZero() {
		p.LastActivity = time.Now()
	}
	s.presence[presenceKey{p.ParticipantID, p.RoomID}] = *p
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// lineCount counts lines as newline count plus one for a non-empty document.
// An empty document still has one line.
func lineCount(content string) int {
	if content == "" {
		return 1
	}
	n := 1
	for _, r := range content {
		if r == '\n' {
			n++
		}
	}
	return n
}

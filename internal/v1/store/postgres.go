package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

// PostgresStore persists collaboration state in PostgreSQL. Expected schema:
//
//	CREATE TABLE rooms (
//	    id UUID PRIMARY KEY,
//	    name TEXT NOT NULL,
//	    status TEXT NOT NULL DEFAULT 'active',
//	    owner_id TEXT NOT NULL,
//	    max_participants INT NOT NULL DEFAULT 0,
//	    open_join BOOLEAN NOT NULL DEFAULT FALSE,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    expires_at TIMESTAMPTZ
//	);
//	CREATE TABLE documents (
//	    id UUID PRIMARY KEY,
//	    room_id UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
//	    file_path TEXT NOT NULL,
//	    content TEXT NOT NULL DEFAULT '',
//	    version BIGINT NOT NULL DEFAULT 0,
//	    size_bytes INT NOT NULL DEFAULT 0,
//	    line_count INT NOT NULL DEFAULT 1,
//	    last_operation_at TIMESTAMPTZ,
//	    UNIQUE (room_id, file_path)
//	);
//	CREATE TABLE operations (
//	    id UUID PRIMARY KEY,
//	    document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
//	    participant_id UUID NOT NULL,
//	    op_type TEXT NOT NULL,
//	    position INT NOT NULL,
//	    length INT,
//	    content TEXT,
//	    client_id UUID NOT NULL,
//	    client_sequence BIGINT NOT NULL,
//	    batch_start BIGINT NOT NULL,
//	    server_sequence BIGINT NOT NULL,
//	    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    UNIQUE (document_id, server_sequence),
//	    UNIQUE (document_id, client_id, client_sequence)
//	);
//	CREATE TABLE participants (
//	    id UUID PRIMARY KEY,
//	    room_id UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
//	    user_id TEXT NOT NULL,
//	    role TEXT NOT NULL,
//	    display_name TEXT NOT NULL,
//	    color TEXT NOT NULL,
//	    presence_status TEXT NOT NULL DEFAULT 'offline',
//	    last_seen TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    UNIQUE (room_id, user_id)
//	);
//	CREATE TABLE cursors (
//	    participant_id UUID NOT NULL,
//	    document_id UUID NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
//	    line INT NOT NULL,
//	    "column" INT NOT NULL,
//	    selection_start INT,
//	    selection_end INT,
//	    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (participant_id, document_id)
//	);
//	CREATE TABLE presence (
//	    participant_id UUID NOT NULL,
//	    room_id UUID NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
//	    status TEXT NOT NULL,
//	    current_document_id UUID,
//	    activity_type TEXT NOT NULL DEFAULT 'idle',
//	    last_activity TIMESTAMPTZ NOT NULL DEFAULT now(),
//	    PRIMARY KEY (participant_id, room_id)
//	);
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool against the given DSN and
// verifies connectivity.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, types.WrapError(types.CodeInternalError, "failed to open database", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, types.WrapError(types.CodeInternalError, "database unreachable", err)
	}
	return &PostgresStore{db: db}, nil
}

var _ Store = (*PostgresStore)(nil)

// DB exposes the underlying pool for readiness probes.
func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Close() error { return s.db.Close() }

// --- Rooms ---

func (s *PostgresStore) CreateRoom(ctx context.Context, room *types.Room) error {
	if room.ID == "" {
		room.ID = types.RoomIDType(uuid.NewString())
	}
	if room.CreatedAt.IsZero() {
		room.CreatedAt = time.Now()
	}
	if room.Status == "" {
		room.Status = types.RoomStatusActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (id, name, status, owner_id, max_participants, open_join, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		room.ID, room.Name, room.Status, room.OwnerID, room.MaxParticipants, room.OpenJoin, room.CreatedAt, room.ExpiresAt)
	if isUniqueViolation(err) {
		return types.NewError(types.CodeInvalidOperation, "room already exists")
	}
	if err != nil {
		return types.WrapError(types.CodeInternalError, "failed to create room", err)
	}
	return nil
}

func (s *PostgresStore) GetRoom(ctx context.Context, id types.RoomIDType) (*types.Room, error) {
	var room types.Room
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, owner_id, max_participants, open_join, created_at, expires_at
		 FROM rooms WHERE id = $1`, id).
		Scan(&room.ID, &room.Name, &room.Status, &room.OwnerID, &room.MaxParticipants, &room.OpenJoin, &room.CreatedAt, &room.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "room not found")
	}
	if err != nil {
		return nil, types.WrapError(types.CodeInternalError, "failed to load room", err)
	}
	return &room, nil
}

func (s *PostgresStore) ListRooms(ctx context.Context) ([]types.Room, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, owner_id, max_participants, open_join, created_at, expires_at
		 FROM rooms ORDER BY created_at`)
	if err != nil {
		return nil, types.WrapError(types.CodeInternalError, "failed to list rooms", err)
	}
	defer rows.Close()

	var rooms []types.Room
	for rows.Next() {
		var room types.Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Status, &room.OwnerID, &room.MaxParticipants, &room.OpenJoin, &room.CreatedAt, &room.ExpiresAt); err != nil {
			return nil, types.WrapError(types.CodeInternalError, "failed to scan room", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *PostgresStore) UpdateRoom(ctx context.Context, room *types.Room) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rooms SET name = $2, status = $3, max_participants = $4, open_join = $5, expires_at = $6
		 WHERE id = $1`,
		room.ID, room.Name, room.Status, room.MaxParticipants, room.OpenJoin, room.ExpiresAt)
	if err != nil {
		return types.WrapError(types.CodeInternalError, "failed to update room", err)
	}
	return requireRowAffected(res, "room not found")
}

func (s *PostgresStore) DeleteRoom(ctx context.Context, id types.RoomIDType) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	if err != nil {
		return types.WrapError(types.CodeInternalError, "failed to delete room", err)
	}
	return requireRowAffected(res, "room not found")
}

// --- Documents ---

func (s *PostgresStore) CreateDocument(ctx context.Context, doc *types.Document) error {
	if doc.ID == "" {
		doc.ID = types.DocumentIDType(uuid.NewString())
	}
	if doc.LineCount == 0 {
		doc.LineCount = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, room_id, file_path, content, version, size_bytes, line_count)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		doc.ID, doc.RoomID, doc.FilePath, doc.Content, doc.Version, doc.SizeBytes, doc.LineCount)
	if isUniqueViolation(err) {
		return types.NewError(types.CodeInvalidOperation, "document path already exists in room")
	}
	if isForeignKeyViolation(err) {
		return types.NewError(types.CodeNotFound, "room not found")
	}
	if err != nil {
		return types.WrapError(types.CodeInternalError, "failed to create document", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, id types.DocumentIDType) (*types.Document, error) {
	var doc types.Document
	var lastOp sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, file_path, content, version, size_bytes, line_count, last_operation_at
		 FROM documents WHERE id = $1`, id).
		Scan(&doc.ID, &doc.RoomID, &doc.FilePath, &doc.Content, &doc.Version, &doc.SizeBytes, &doc.LineCount, &lastOp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "document not found")
	}
	if err != nil {
		return nil, types.WrapError(types.CodeInternalError, "failed to load document", err)
	}
	if lastOp.Valid {
		doc.LastOperationAt = lastOp.Time
	}
	return &doc, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, roomID types.RoomIDType) ([]types.Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, file_path, content, version, size_bytes, line_count, last_operation_at
		 FROM documents WHERE room_id = $1 ORDER BY file_path`, roomID)
	if err != nil {
		return nil, types.WrapError(types.CodeInternalError, "failed to list documents", err)
	}
	defer rows.Close()

	var docs []types.Document
	for rows.Next() {
		var doc types.Document
		var lastOp sql.NullTime
		if err := rows.Scan(&doc.ID, &doc.RoomID, &doc.FilePath, &doc.Content, &doc.Version, &doc.SizeBytes, &doc.LineCount, &lastOp); err != nil {
			return nil, types.WrapError(types.CodeInternalError, "failed to scan document", err)
		}
		if lastOp.Valid {
			doc.LastOperationAt = lastOp.Time
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *PostgresStore) DeleteDocument(ctx context.Context, id types.DocumentIDType) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return types.WrapError(types.CodeInternalError, "failed to delete document", err)
	}
	return requireRowAffected(res, "document not found")
}

// --- Operations ---

func (s *PostgresStore) GetOperationsSince(ctx context.Context, documentID types.DocumentIDType, afterSequence int64, limit int) ([]types.Operation, error) {
	query := `SELECT id, document_id, participant_id, op_type, position, length, content,
	                 client_id, client_sequence, batch_start, server_sequence, created_at
	          FROM operations WHERE document_id = $1 AND server_sequence > $2
	          ORDER BY server_sequence`
	args := []any{documentID, afterSequence}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, types.WrapError(types.CodeInternalError, "failed to load operations", err)
	}
	defer rows.Close()

	var ops []types.Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// AppendOperations runs the whole append in one transaction: the document row
// is locked FOR UPDATE, which serializes sequence allocation per document
// across server instances.
func (s *PostgresStore) AppendOperations(ctx context.Context, documentID types.DocumentIDType, ops []types.Operation, newContent string, newVersion int64) ([]types.Operation, error) {
	if len(ops) == 0 {
		return nil, types.NewError(types.CodeInvalidOperation, "empty operation batch")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.WrapError(types.CodeInternalError, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx, `SELECT version FROM documents WHERE id = $1 FOR UPDATE`, documentID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "document not found")
	}
	if err != nil {
		return nil, types.WrapError(types.CodeInternalError, "failed to lock document", err)
	}
	if newVersion != version+int64(len(ops)) {
		return nil, types.NewError(types.CodeSyncRequired, "document changed during append")
	}

	now := time.Now()
	stored := make([]types.Operation, len(ops))
	for i, op := range ops {
		op.ID = uuid.NewString()
		op.DocumentID = documentID
		op.ServerSequence = version + int64(i) + 1
		op.Timestamp = now

		_, err = tx.ExecContext(ctx,
			`INSERT INTO operations (id, document_id, participant_id, op_type, position, length, content,
			                         client_id, client_sequence, batch_start, server_sequence, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			op.ID, op.DocumentID, op.ParticipantID, op.Type, op.Position, op.Length, op.Content,
			op.ClientID, op.ClientSequence, op.BatchStart, op.ServerSequence, op.Timestamp)
		if isUniqueViolation(err) {
			return nil, types.NewError(types.CodeInvalidOperation, "duplicate idempotency key in append")
		}
		if err != nil {
			return nil, types.WrapError(types.CodeInternalError, "failed to insert operation", err)
		}
		stored[i] = op
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE documents SET content = $2, version = $3, size_bytes = $4, line_count = $5, last_operation_at = $6
		 WHERE id = $1`,
		documentID, newContent, newVersion, len(newContent), lineCount(newContent), now)
	if err != nil {
		return nil, types.WrapError(types.CodeInternalError, "failed to update document", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, types.WrapError(types.CodeInternalError, "failed to commit append", err)
	}
	return stored, nil
}

func (s *PostgresStore) FindOperationByIdempotencyKey(ctx context.Context, documentID types.DocumentIDType, clientID types.ClientIDType, clientSequence int64) (*types.Operation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, document_id, participant_id, op_type, position, length, content,
		        client_id, client_sequence, batch_start, server_sequence, created_at
		 FROM operations WHERE document_id = $1 AND client_id = $2 AND client_sequence = $3`,
		documentID, clientID, clientSequence)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "operation not found")
	}
	if err != nil {
		var typed *types.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, types.WrapError(types.CodeInternalError, "failed to load operation", err)
	}
	return &op, nil
}

// --- Participants ---

func (s *PostgresStore) GetParticipant(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType) (*types.Participant, error) {
	var p types.Participant
	err := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, user_id, role, display_name, color, presence_status, last_seen
		 FROM participants WHERE room_id = $1 AND user_id = $2`, roomID, userID).
		Scan(&p.ID, &p.RoomID, &p.UserID, &p.Role, &p.DisplayName, &p.Color, &p.Status, &p.LastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.NewError(types.CodeNotFound, "participant not found")
	}
	if err != nil {
		return nil, types.WrapError(types.CodeInternalError, "failed to load participant", err)
	}
	return &p, nil
}

func (s *PostgresStore) UpsertParticipant(ctx context.Context, p *types.Participant) error {
	if p.ID == "" {
		p.ID = types.ParticipantIDType(uuid.NewString())
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = time.Now()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO participants (id, room_id, user_id, role, display_name, color, presence_status, last_seen)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (room_id, user_id) DO UPDATE SET
		     role = EXCLUDED.role,
		     display_name = EXCLUDED.display_name,
		     presence_status = EXCLUDED.presence_status,
		     last_seen = EXCLUDED.last_seen
		 RETURNING id`,
		p.ID, p.RoomID, p.UserID, p.Role, p.DisplayName, p.Color, p.Status, p.LastSeen).Scan(&p.ID)
	if isForeignKeyViolation(err) {
		return types.NewError(types.CodeNotFound, "room not found")
	}
	if err != nil {
		return types.WrapError(types.CodeInternalError, "failed to upsert participant", err)
	}
	return nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, roomID types.RoomIDType) ([]types.Participant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room_id, user_id, role, display_name, color, presence_status, last_seen
		 FROM participants WHERE room_id = $1 ORDER BY id`, roomID)
	if err != nil {
		return nil, types.WrapError(types.CodeInternalError, "failed to list participants", err)
	}
	defer rows.Close()

	var out []types.Participant
	for rows.Next() {
		var p types.Participant
		if err := rows.Scan(&p.ID, &p.RoomID, &p.UserID, &p.Role, &p.DisplayName, &p.Color, &p.Status, &p.LastSeen); err != nil {
			return nil, types.WrapError(types.CodeInternalError, "failed to scan participant", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// --- Cursors and presence ---

func (s *PostgresStore) UpsertCursor(ctx context.Context, c *types.Cursor) error {
	if c.Line < 0 || c.Column < 0 {
		return types.NewError(types.CodeInvalidOperation, "cursor position must be non-negative")
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors (participant_id, document_id, line, "column", selection_start, selection_end, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (participant_id, document_id) DO UPDATE SET
		     line = EXCLUDED.line,
		     "column" = EXCLUDED."column",
		     selection_start = EXCLUDED.selection_start,
		     selection_end = EXCLUDED.selection_end,
		     updated_at = EXCLUDED.updated_at
		 WHERE cursors.updated_at <= EXCLUDED.updated_at`,
		c.ParticipantID, c.DocumentID, c.Line, c.Column, c.SelectionStart, c.SelectionEnd, c.UpdatedAt)
	if isForeignKeyViolation(err) {
		return types.NewError(types.CodeNotFound, "document not found")
	}
	if err != nil {
		return types.WrapError(types.CodeInternalError, "failed to upsert cursor", err)
	}
	return nil
}

func (s *PostgresStore) ListCursors(ctx context.Context, documentID types.DocumentIDType) ([]types.Cursor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT participant_id, document_id, line, "column", selection_start, selection_end, updated_at
		 FROM cursors WHERE document_id = $1 ORDER BY participant_id`, documentID)
	if err != nil {
		return nil, types.WrapError(types.CodeInternalError, "failed to list cursors", err)
	}
	defer rows.Close()
	return collectCursors(rows)
}

func (s *PostgresStore) ListRoomCursors(ctx context.Context, roomID types.RoomIDType) ([]types.Cursor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.participant_id, c.document_id, c.line, c."column", c.selection_start, c.selection_end, c.updated_at
		 FROM cursors c JOIN documents d ON d.id = c.document_id
		 WHERE d.room_id = $1 ORDER BY c.participant_id, c.document_id`, roomID)
	if err != nil {
		return nil, types.WrapError(types.CodeInternalError, "failed to list room cursors", err)
	}
	defer rows.Close()
	return collectCursors(rows)
}

func (s *PostgresStore) UpsertPresence(ctx context.Context, p *types.Presence) error {
	if p.LastActivity.IsZero() {
		p.LastActivity = time.Now()
	}
	var docID any
	if p.CurrentDocumentID != "" {
		docID = p.CurrentDocumentID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO presence (participant_id, room_id, status, current_document_id, activity_type, last_activity)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (participant_id, room_id) DO UPDATE SET
		     status = EXCLUDED.status,
		     current_document_id = EXCLUDED.current_document_id,
		     activity_type = EXCLUDED.activity_type,
		     last_activity = EXCLUDED.last_activity`,
		p.ParticipantID, p.RoomID, p.Status, docID, p.Activity, p.LastActivity)
	if err != nil {
		return types.WrapError(types.CodeInternalError, "failed to upsert presence", err)
	}
	return nil
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (types.Operation, error) {
	var op types.Operation
	var length sql.NullInt64
	var content sql.NullString
	err := row.Scan(&op.ID, &op.DocumentID, &op.ParticipantID, &op.Type, &op.Position, &length, &content,
		&op.ClientID, &op.ClientSequence, &op.BatchStart, &op.ServerSequence, &op.Timestamp)
	if err != nil {
		return types.Operation{}, err
	}
	if length.Valid {
		op.Length = int(length.Int64)
	}
	if content.Valid {
		op.Content = content.String
	}
	return op, nil
}

func collectCursors(rows *sql.Rows) ([]types.Cursor, error) {
	var out []types.Cursor
	for rows.Next() {
		var c types.Cursor
		if err := rows.Scan(&c.ParticipantID, &c.DocumentID, &c.Line, &c.Column, &c.SelectionStart, &c.SelectionEnd, &c.UpdatedAt); err != nil {
			return nil, types.WrapError(types.CodeInternalError, "failed to scan cursor", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func requireRowAffected(res sql.Result, notFoundMsg string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return types.WrapError(types.CodeInternalError, "failed to read rows affected", err)
	}
	if n == 0 {
		return types.NewError(types.CodeNotFound, notFoundMsg)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23503"
}

package types

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"
)

// --- Core Domain Types ---

// RoleType defines the different roles a participant can have in a room.
type RoleType string

// RoomIDType represents a unique identifier for a collaboration room.
type RoomIDType string

// DocumentIDType represents a unique identifier for a shared document.
type DocumentIDType string

// ParticipantIDType represents a unique identifier for a room participant.
type ParticipantIDType string

// UserIDType represents a unique identifier for an authenticated user.
type UserIDType string

// ClientIDType identifies a single editor instance for idempotency keying.
type ClientIDType string

// DisplayNameType represents the human-readable name for a participant.
type DisplayNameType string

// Role constants define the permission hierarchy.
const (
	RoleTypeOwner   RoleType = "owner"  // Full control, including room deletion
	RoleTypeEditor  RoleType = "editor" // May edit documents and move cursors
	RoleTypeViewer  RoleType = "viewer" // Read-only; cursors allowed, edits rejected
	RoleTypeUnknown RoleType = "unknown"
)

// RoomStatus tracks the lifecycle of a room.
type RoomStatus string

const (
	RoomStatusActive   RoomStatus = "active"
	RoomStatusInactive RoomStatus = "inactive"
	RoomStatusArchived RoomStatus = "archived"
)

// PresenceStatus tracks whether a participant is currently connected.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// ActivityType describes what a participant is currently doing.
type ActivityType string

const (
	ActivityEditing ActivityType = "editing"
	ActivityViewing ActivityType = "viewing"
	ActivityIdle    ActivityType = "idle"
)

// --- Entities ---

// Room is a named collaboration space holding documents and participants.
type Room struct {
	ID              RoomIDType `json:"id"`
	Name            string     `json:"name"`
	Status          RoomStatus `json:"status"`
	OwnerID         UserIDType `json:"ownerId"`
	MaxParticipants int        `json:"maxParticipants"`
	OpenJoin        bool       `json:"openJoin"` // Allow authenticated users to join without an invite
	CreatedAt       time.Time  `json:"createdAt"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
}

// Participant is a user's membership in a room. Unique on (room, user).
type Participant struct {
	ID          ParticipantIDType `json:"id"`
	RoomID      RoomIDType        `json:"roomId"`
	UserID      UserIDType        `json:"userId"`
	Role        RoleType          `json:"role"`
	DisplayName DisplayNameType   `json:"displayName"`
	Color       string            `json:"color"`
	Status      PresenceStatus    `json:"presenceStatus"`
	LastSeen    time.Time         `json:"lastSeen"`
}

// Document is a shared text file inside a room. Unique on (room, file path).
// Version equals the count of applied operations; Content is the result of
// replaying every operation in server-sequence order from the empty string.
type Document struct {
	ID              DocumentIDType `json:"id"`
	RoomID          RoomIDType     `json:"roomId"`
	FilePath        string         `json:"filePath"`
	Content         string         `json:"content"`
	Version         int64          `json:"version"`
	SizeBytes       int            `json:"sizeBytes"`
	LineCount       int            `json:"lineCount"`
	LastOperationAt time.Time      `json:"lastOperationAt"`
}

// Operation is one persisted atomic edit. Append-only; ServerSequence is
// strictly monotonic per document and (ClientID, ClientSequence) is the
// idempotency key.
type Operation struct {
	ID             string            `json:"id"`
	DocumentID     DocumentIDType    `json:"documentId"`
	ParticipantID  ParticipantIDType `json:"participantId"`
	Type           string            `json:"type"` // insert | delete | retain
	Position       int               `json:"position"`
	Length         int               `json:"length,omitempty"`
	Content        string            `json:"content,omitempty"`
	ClientID       ClientIDType      `json:"clientId"`
	ClientSequence int64             `json:"clientSequence"`
	// BatchStart is the ClientSequence of the first row in the batch this
	// row was appended with. Rows of one batch share it; idempotent replays
	// use it to find where the batch ends.
	BatchStart     int64     `json:"batchStart"`
	ServerSequence int64     `json:"serverSequence"`
	Timestamp      time.Time `json:"timestamp"`
}

// Cursor is the last reported position of a participant in a document.
// Upsert-only, no history.
type Cursor struct {
	ParticipantID  ParticipantIDType `json:"participantId"`
	DocumentID     DocumentIDType    `json:"documentId"`
	Line           int               `json:"line"`
	Column         int               `json:"column"`
	SelectionStart *int              `json:"selectionStart,omitempty"`
	SelectionEnd   *int              `json:"selectionEnd,omitempty"`
	UpdatedAt      time.Time         `json:"updatedAt"`
}

// Presence is a participant's liveness and focus within a room.
type Presence struct {
	ParticipantID     ParticipantIDType `json:"participantId"`
	RoomID            RoomIDType        `json:"roomId"`
	Status            PresenceStatus    `json:"status"`
	CurrentDocumentID DocumentIDType    `json:"currentDocumentId,omitempty"`
	Activity          ActivityType      `json:"activityType"`
	LastActivity      time.Time         `json:"lastActivity"`
}

// User is the identity resolved from a bearer token by the external
// identity service.
type User struct {
	ID          UserIDType      `json:"id"`
	DisplayName DisplayNameType `json:"displayName"`
	Email       string          `json:"email,omitempty"`
}

// colorPalette is the fixed set of participant colors assigned on first join.
var colorPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
}

// AssignColor deterministically picks a palette color for a user.
func AssignColor(userID UserIDType) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return colorPalette[h.Sum32()%uint32(len(colorPalette))]
}

// --- Shared Interfaces ---

// TokenClaims is the minimal identity extracted from a validated token.
type TokenClaims struct {
	Subject string
	Name    string
	Email   string
}

// TokenValidator defines the interface for bearer token authentication
// services. In production this is the JWKS-backed validator; tests use mocks.
type TokenValidator interface {
	ValidateToken(tokenString string) (*TokenClaims, error)
}

// BusService defines the interface for distributed pub/sub messaging.
// When nil, the server operates in single-instance mode.
type BusService interface {
	Publish(ctx context.Context, roomID string, event string, payload any, senderID string) error
	Subscribe(ctx context.Context, roomID string, wg *sync.WaitGroup, handler func(roomID, event, senderID string, payload json.RawMessage))
	Close() error
}

// ClientInterface is the behavior a room needs from a connected client.
// It decouples the room package from the websocket transport.
type ClientInterface interface {
	GetID() ParticipantIDType
	GetUserID() UserIDType
	GetDisplayName() DisplayNameType
	GetRole() RoleType
	SetRole(RoleType)
	Send(event EventType, requestID string, payload any)
	SendRaw(data []byte)
	Disconnect()
}

package types

import (
	"encoding/json"

	"github.com/coedit-live/coedit/backend/go/internal/v1/ot"
)

// EventType identifies a websocket message kind.
type EventType string

// Inbound events consumed by the server.
const (
	EventJoinRoom          EventType = "join-room"
	EventLeaveRoom         EventType = "leave-room"
	EventOpenDocument      EventType = "open-document"
	EventDocumentOperation EventType = "document-operation"
	EventCursorUpdate      EventType = "cursor-update"
	EventPing              EventType = "ping"
)

// Outbound events emitted by the server.
const (
	EventJoinedRoom          EventType = "joined-room"
	EventLeftRoom            EventType = "left-room"
	EventParticipantJoined   EventType = "participant-joined"
	EventParticipantLeft     EventType = "participant-left"
	EventDocumentState       EventType = "document-state"
	EventOperationsConfirmed EventType = "operations-confirmed"
	EventOperationsApplied   EventType = "operations-applied"
	EventCursorUpdated       EventType = "cursor-updated"
	EventPresenceUpdate      EventType = "presence-update"
	EventPong                EventType = "pong"
	EventError               EventType = "error"
)

// Frame is the wire envelope. Responses to request/response events echo the
// sender's RequestID; server-initiated notifications omit it.
type Frame struct {
	Event     EventType       `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	RequestID string          `json:"requestId,omitempty"`
}

// OutboundFrame mirrors Frame with an arbitrary payload for marshaling.
type OutboundFrame struct {
	Event     EventType `json:"event"`
	Payload   any       `json:"payload"`
	RequestID string    `json:"requestId,omitempty"`
}

// --- Inbound payloads ---

type JoinRoomPayload struct {
	RoomID      RoomIDType      `json:"roomId"`
	Token       string          `json:"token"`
	DisplayName DisplayNameType `json:"displayName,omitempty"`
}

type LeaveRoomPayload struct{}

type OpenDocumentPayload struct {
	DocumentID DocumentIDType `json:"documentId"`
}

type DocumentOperationPayload struct {
	DocumentID          DocumentIDType `json:"documentId"`
	BaseVersion         int64          `json:"baseVersion"`
	ClientID            ClientIDType   `json:"clientId"`
	ClientSequenceStart int64          `json:"clientSequenceStart"`
	Ops                 ot.Change      `json:"ops"`
}

type CursorUpdatePayload struct {
	DocumentID     DocumentIDType `json:"documentId"`
	Line           int            `json:"line"`
	Column         int            `json:"column"`
	SelectionStart *int           `json:"selectionStart,omitempty"`
	SelectionEnd   *int           `json:"selectionEnd,omitempty"`
}

// --- Outbound payloads ---

// ParticipantSnapshot is one member's state inside a joined-room snapshot.
type ParticipantSnapshot struct {
	Participant Participant `json:"participant"`
	Cursors     []Cursor    `json:"cursors,omitempty"`
}

type JoinedRoomPayload struct {
	ParticipantID ParticipantIDType     `json:"participantId"`
	Room          Room                  `json:"room"`
	Role          RoleType              `json:"role"`
	Snapshot      []ParticipantSnapshot `json:"snapshot"`
}

type ParticipantJoinedPayload struct {
	Participant Participant `json:"participant"`
}

type ParticipantLeftPayload struct {
	ParticipantID ParticipantIDType `json:"participantId"`
}

type DocumentStatePayload struct {
	DocumentID DocumentIDType `json:"documentId"`
	FilePath   string         `json:"filePath"`
	Content    string         `json:"content"`
	Version    int64          `json:"version"`
	LineCount  int            `json:"lineCount"`
}

// ConfirmedOp pairs one submitted atomic op with its assigned sequence.
type ConfirmedOp struct {
	ServerSequence int64        `json:"serverSequence"`
	ClientSequence int64        `json:"clientSequence"`
	ClientID       ClientIDType `json:"clientId"`
}

type OperationsConfirmedPayload struct {
	DocumentID DocumentIDType `json:"documentId"`
	Ops        []ConfirmedOp  `json:"ops"`
	NewVersion int64          `json:"newVersion"`
}

type OperationsAppliedPayload struct {
	DocumentID      DocumentIDType    `json:"documentId"`
	ParticipantID   ParticipantIDType `json:"participantId"`
	Ops             ot.Change         `json:"ops"`
	ServerSequences []int64           `json:"serverSequences"`
	NewVersion      int64             `json:"newVersion"`
}

type CursorUpdatedPayload struct {
	DocumentID     DocumentIDType    `json:"documentId"`
	ParticipantID  ParticipantIDType `json:"participantId"`
	Line           int               `json:"line"`
	Column         int               `json:"column"`
	SelectionStart *int              `json:"selectionStart,omitempty"`
	SelectionEnd   *int              `json:"selectionEnd,omitempty"`
}

type PresenceUpdatePayload struct {
	ParticipantID     ParticipantIDType `json:"participantId"`
	Status            PresenceStatus    `json:"status"`
	CurrentDocumentID DocumentIDType    `json:"currentDocumentId,omitempty"`
	Activity          ActivityType      `json:"activityType"`
}

type ErrorPayload struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// NewErrorFrame wraps an error into an outbound error frame, echoing the
// request that failed when one is known.
func NewErrorFrame(err error, requestID string) OutboundFrame {
	return OutboundFrame{
		Event:     EventError,
		RequestID: requestID,
		Payload: ErrorPayload{
			Code:    CodeOf(err),
			Message: MessageOf(err),
		},
	}
}

package room

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/coedit-live/coedit/backend/go/internal/v1/document"
	"github.com/coedit-live/coedit/backend/go/internal/v1/logging"
	"github.com/coedit-live/coedit/backend/go/internal/v1/metrics"
	"github.com/coedit-live/coedit/backend/go/internal/v1/ot"
	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

// HandleEvent routes one inbound frame from a joined client. join-room is
// handled by the transport hub before the client reaches a room.
func (r *Room) HandleEvent(ctx context.Context, client types.ClientInterface, frame types.Frame) {
	activity := types.ActivityViewing
	if frame.Event == types.EventDocumentOperation {
		activity = types.ActivityEditing
	}
	r.mu.Lock()
	r.markActivityLocked(ctx, client.GetID(), "", activity)
	r.sweepAwayLocked(ctx, time.Now())
	r.mu.Unlock()

	switch frame.Event {
	case types.EventOpenDocument:
		r.handleOpenDocument(ctx, client, frame)
	case types.EventDocumentOperation:
		r.handleDocumentOperation(ctx, client, frame)
	case types.EventCursorUpdate:
		r.handleCursorUpdate(ctx, client, frame)
	case types.EventLeaveRoom:
		r.Leave(ctx, client)
		client.Send(types.EventLeftRoom, frame.RequestID, types.LeaveRoomPayload{})
	case types.EventPing:
		client.Send(types.EventPong, frame.RequestID, struct{}{})
	default:
		client.Send(types.EventError, frame.RequestID, types.ErrorPayload{
			Code:    types.CodeInvalidOperation,
			Message: "unknown event",
		})
	}
}

func (r *Room) handleOpenDocument(ctx context.Context, client types.ClientInterface, frame types.Frame) {
	var payload types.OpenDocumentPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.DocumentID == "" {
		r.sendError(client, frame.RequestID, types.NewError(types.CodeMissingField, "documentId is required"))
		return
	}

	r.mu.Lock()
	engine, err := r.engineForLocked(ctx, payload.DocumentID)
	if err != nil {
		r.mu.Unlock()
		r.sendError(client, frame.RequestID, err)
		return
	}
	subs, ok := r.docSubs[payload.DocumentID]
	if !ok {
		subs = set.New[types.ParticipantIDType]()
		r.docSubs[payload.DocumentID] = subs
	}
	subs.Insert(client.GetID())
	r.mu.Unlock()

	content, version, err := engine.Snapshot(ctx)
	if err != nil {
		r.sendError(client, frame.RequestID, err)
		return
	}
	doc, err := r.store.GetDocument(ctx, payload.DocumentID)
	if err != nil {
		r.sendError(client, frame.RequestID, err)
		return
	}

	r.upsertPresence(ctx, client.GetID(), types.PresenceOnline, payload.DocumentID, types.ActivityViewing)

	client.Send(types.EventDocumentState, frame.RequestID, types.DocumentStatePayload{
		DocumentID: payload.DocumentID,
		FilePath:   doc.FilePath,
		Content:    content,
		Version:    version,
		LineCount:  doc.LineCount,
	})
}

func (r *Room) handleDocumentOperation(ctx context.Context, client types.ClientInterface, frame types.Frame) {
	var payload types.DocumentOperationPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		r.sendError(client, frame.RequestID, types.NewError(types.CodeInvalidOperation, "malformed document-operation payload"))
		return
	}
	if payload.DocumentID == "" || payload.ClientID == "" {
		r.sendError(client, frame.RequestID, types.NewError(types.CodeMissingField, "documentId and clientId are required"))
		return
	}
	if !HasPermission(client.GetRole(), PermEditDocuments) {
		r.sendError(client, frame.RequestID, types.NewError(types.CodeInsufficientPermissions, "role may not edit documents"))
		return
	}

	r.mu.Lock()
	engine, err := r.engineForLocked(ctx, payload.DocumentID)
	if err != nil {
		r.mu.Unlock()
		r.sendError(client, frame.RequestID, err)
		return
	}
	r.mu.Unlock()

	start := time.Now()
	res, err := engine.Submit(ctx, document.SubmitRequest{
		ParticipantID:       client.GetID(),
		Role:                client.GetRole(),
		ClientID:            payload.ClientID,
		ClientSequenceStart: payload.ClientSequenceStart,
		BaseVersion:         payload.BaseVersion,
		Ops:                 payload.Ops,
		// Runs inside the document serializer: the ack and the broadcast are
		// enqueued before any later submit commits, so per-peer delivery
		// stays in server sequence order and the author's confirmation
		// precedes any operations-applied it could receive for the same
		// document.
		OnCommit: func(res *document.SubmitResult) {
			confirmed := make([]types.ConfirmedOp, len(res.Ops))
			for i, op := range res.Ops {
				confirmed[i] = types.ConfirmedOp{
					ServerSequence: op.ServerSequence,
					ClientSequence: op.ClientSequence,
					ClientID:       op.ClientID,
				}
			}
			client.Send(types.EventOperationsConfirmed, frame.RequestID, types.OperationsConfirmedPayload{
				DocumentID: payload.DocumentID,
				Ops:        confirmed,
				NewVersion: res.NewVersion,
			})

			if res.Replayed || res.Applied.IsNoop() {
				return
			}

			sequences := make([]int64, len(res.Ops))
			for i, op := range res.Ops {
				sequences[i] = op.ServerSequence
			}
			applied := types.OperationsAppliedPayload{
				DocumentID:      payload.DocumentID,
				ParticipantID:   client.GetID(),
				Ops:             res.Applied,
				ServerSequences: sequences,
				NewVersion:      res.NewVersion,
			}

			r.mu.Lock()
			r.broadcastToSubscribersLocked(payload.DocumentID, types.EventOperationsApplied, applied, client.GetID())
			r.mu.Unlock()

			r.publishToBus(ctx, types.EventOperationsApplied, applied)
		},
	})
	if err != nil {
		metrics.OperationsRejected.WithLabelValues(string(types.CodeOf(err))).Inc()
		r.sendError(client, frame.RequestID, err)
		return
	}
	metrics.OperationsApplied.Add(float64(len(res.Ops)))
	metrics.OperationSubmitDuration.Observe(time.Since(start).Seconds())

	if res.Replayed || res.Applied.IsNoop() {
		return
	}
	r.transformStoredCursors(ctx, payload.DocumentID, client.GetID(), res)
}

// transformStoredCursors maps every other participant's persisted cursor on
// the document through the applied change, so a joiner's snapshot and the
// next cursor broadcast agree with the new content. Best-effort.
func (r *Room) transformStoredCursors(ctx context.Context, docID types.DocumentIDType, author types.ParticipantIDType, res *document.SubmitResult) {
	cursors, err := r.store.ListCursors(ctx, docID)
	if err != nil {
		logging.Warn(ctx, "failed to list cursors for transform", zap.Error(err))
		return
	}
	for _, c := range cursors {
		if c.ParticipantID == author {
			continue
		}
		offset, ok := runeOffset(res.PrevContent, c.Line, c.Column)
		if !ok {
			continue
		}
		newOffset := ot.TransformCursor(offset, res.Applied)
		line, column := lineColumn(res.Content, newOffset)
		if line == c.Line && column == c.Column {
			continue
		}
		c.Line = line
		c.Column = column
		c.UpdatedAt = time.Now()
		if err := r.store.UpsertCursor(ctx, &c); err != nil {
			logging.Warn(ctx, "failed to upsert transformed cursor", zap.Error(err))
			continue
		}
		r.mu.Lock()
		r.broadcastToSubscribersLocked(docID, types.EventCursorUpdated, types.CursorUpdatedPayload{
			DocumentID:     docID,
			ParticipantID:  c.ParticipantID,
			Line:           line,
			Column:         column,
			SelectionStart: c.SelectionStart,
			SelectionEnd:   c.SelectionEnd,
		}, "")
		r.mu.Unlock()
	}
}

func (r *Room) handleCursorUpdate(ctx context.Context, client types.ClientInterface, frame types.Frame) {
	var payload types.CursorUpdatePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil || payload.DocumentID == "" {
		r.sendError(client, frame.RequestID, types.NewError(types.CodeMissingField, "documentId is required"))
		return
	}
	if payload.Line < 0 || payload.Column < 0 {
		r.sendError(client, frame.RequestID, types.NewError(types.CodeInvalidOperation, "cursor position must be non-negative"))
		return
	}
	if !HasPermission(client.GetRole(), PermSendCursor) {
		r.sendError(client, frame.RequestID, types.NewError(types.CodeInsufficientPermissions, "role may not send cursors"))
		return
	}

	r.mu.Lock()
	if _, err := r.engineForLocked(ctx, payload.DocumentID); err != nil {
		r.mu.Unlock()
		r.sendError(client, frame.RequestID, err)
		return
	}
	r.mu.Unlock()

	err := r.store.UpsertCursor(ctx, &types.Cursor{
		ParticipantID:  client.GetID(),
		DocumentID:     payload.DocumentID,
		Line:           payload.Line,
		Column:         payload.Column,
		SelectionStart: payload.SelectionStart,
		SelectionEnd:   payload.SelectionEnd,
		UpdatedAt:      time.Now(),
	})
	if err != nil {
		// Cursor persistence is best-effort; the broadcast still goes out.
		logging.Warn(ctx, "failed to upsert cursor", zap.Error(err))
	}

	updated := types.CursorUpdatedPayload{
		DocumentID:     payload.DocumentID,
		ParticipantID:  client.GetID(),
		Line:           payload.Line,
		Column:         payload.Column,
		SelectionStart: payload.SelectionStart,
		SelectionEnd:   payload.SelectionEnd,
	}

	r.mu.Lock()
	r.broadcastToSubscribersLocked(payload.DocumentID, types.EventCursorUpdated, updated, client.GetID())
	r.mu.Unlock()

	metrics.CursorUpdates.Inc()
	r.publishToBus(ctx, types.EventCursorUpdated, updated)
}

func (r *Room) sendError(client types.ClientInterface, requestID string, err error) {
	client.Send(types.EventError, requestID, types.ErrorPayload{
		Code:    types.CodeOf(err),
		Message: types.MessageOf(err),
	})
}

// Package document hosts the per-document engine: the single serialization
// point that transforms incoming changes against concurrent history, applies
// them, assigns server sequences, and persists the result.
package document

import (
	"context"
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/coedit-live/coedit/backend/go/internal/v1/logging"
	"github.com/coedit-live/coedit/backend/go/internal/v1/ot"
	"github.com/coedit-live/coedit/backend/go/internal/v1/store"
	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

// DefaultStalenessWindow bounds how far behind the authoritative history a
// client's base version may be before the server demands a resync.
const DefaultStalenessWindow = 100

// SubmitRequest is one client batch against a document at a base version.
type SubmitRequest struct {
	ParticipantID       types.ParticipantIDType
	Role                types.RoleType
	ClientID            types.ClientIDType
	ClientSequenceStart int64
	BaseVersion         int64
	Ops                 ot.Change

	// OnCommit, when set, runs inside the engine's critical section once the
	// batch is persisted (or resolved as a replay). Acks and broadcasts
	// enqueued here are ordered with server sequence assignment: no later
	// submit can fan out before this one. The callback must not call back
	// into the engine.
	OnCommit func(*SubmitResult)
}

// SubmitResult is the outcome of a successful submit. Applied is the
// post-transform change, the one peers must apply; it is empty when the
// batch was an idempotent replay.
type SubmitResult struct {
	Ops        []types.Operation
	Applied    ot.Change
	NewVersion int64
	Content    string
	// PrevContent is the state Applied was transformed against, kept so
	// callers can map stored cursors through the change.
	PrevContent string
	Replayed    bool
}

// Engine owns the authoritative state of one document. All writes go through
// Submit, which holds the engine mutex for the whole critical section:
// history read, transform, apply, persist, sequence assignment.
type Engine struct {
	documentID types.DocumentIDType
	store      store.Store
	window     int64

	mu      sync.Mutex
	loaded  bool
	content string
	version int64
}

func NewEngine(documentID types.DocumentIDType, st store.Store, stalenessWindow int64) *Engine {
	if stalenessWindow <= 0 {
		stalenessWindow = DefaultStalenessWindow
	}
	return &Engine{
		documentID: documentID,
		store:      st,
		window:     stalenessWindow,
	}
}

// DocumentID returns the document this engine serializes.
func (e *Engine) DocumentID() types.DocumentIDType { return e.documentID }

// Snapshot returns the current content and version, loading from the store
// on first use.
func (e *Engine) Snapshot(ctx context.Context) (string, int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureLoadedLocked(ctx); err != nil {
		return "", 0, err
	}
	return e.content, e.version, nil
}

// Submit serializes one batch. Callers that fan out the result enqueue the
// ack and the broadcast from req.OnCommit, keeping per-peer delivery in
// server sequence order.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if req.Role == types.RoleTypeViewer {
		return nil, types.NewError(types.CodeInsufficientPermissions, "viewers cannot edit documents")
	}
	if len(req.Ops) == 0 {
		return nil, types.NewError(types.CodeInvalidOperation, "empty operation batch")
	}
	if err := ot.Validate(req.Ops, math.MaxInt32); err != nil {
		return nil, types.WrapError(types.CodeInvalidOperation, "malformed operation batch", err)
	}
	change := ot.Normalize(req.Ops)

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}

	// Idempotency: an atomically-appended batch either exists in full or not
	// at all, so finding the first key means the whole batch was persisted.
	if prev, err := e.store.FindOperationByIdempotencyKey(ctx, e.documentID, req.ClientID, req.ClientSequenceStart); err == nil {
		replayed, rerr := e.collectReplayLocked(ctx, req.ClientID, prev)
		if rerr != nil {
			return nil, rerr
		}
		res := &SubmitResult{
			Ops:        replayed,
			NewVersion: e.version,
			Content:    e.content,
			Replayed:   true,
		}
		if req.OnCommit != nil {
			req.OnCommit(res)
		}
		return res, nil
	} else if types.CodeOf(err) != types.CodeNotFound {
		return nil, err
	}

	if req.BaseVersion > e.version {
		return nil, types.NewError(types.CodeInvalidOperation, "base version is ahead of document")
	}
	if e.version-req.BaseVersion > e.window {
		return nil, types.NewError(types.CodeSyncRequired, "base version too far behind, refetch the document")
	}

	// Transform against every concurrent op, oldest first. Server history is
	// immutable, so it always takes the left side of the tie-break.
	if req.BaseVersion < e.version {
		history, err := e.store.GetOperationsSince(ctx, e.documentID, req.BaseVersion, 0)
		if err != nil {
			return nil, err
		}
		for _, h := range history {
			hChange := operationChange(h)
			if hChange.IsNoop() {
				continue
			}
			_, transformed, err := ot.Transform(hChange, change, ot.SideLeft)
			if err != nil {
				return nil, types.WrapError(types.CodeInvalidOperation, "operation does not apply to document history", err)
			}
			change = transformed
		}
	}

	prevContent := e.content
	newContent, err := ot.Apply(prevContent, change)
	if err != nil {
		return nil, types.WrapError(types.CodeInvalidOperation, "operation does not apply to document", err)
	}

	rows := decompose(change)
	if len(rows) == 0 {
		// A pure-retain batch persists a single retain row so the client
		// still gets a sequence for its idempotency key.
		rows = []types.Operation{{Type: string(ot.OpRetain), Position: 0, Length: 0}}
	}
	for i := range rows {
		rows[i].ParticipantID = req.ParticipantID
		rows[i].ClientID = req.ClientID
		rows[i].ClientSequence = req.ClientSequenceStart + int64(i)
		rows[i].BatchStart = req.ClientSequenceStart
	}

	newVersion := e.version + int64(len(rows))
	stored, err := e.store.AppendOperations(ctx, e.documentID, rows, newContent, newVersion)
	if err != nil {
		// Cached state is only advanced on success; drop the cache so the
		// next submit reloads from the store.
		e.loaded = false
		logging.Error(ctx, "operation append failed",
			zap.String("document_id", string(e.documentID)),
			zap.Error(err))
		return nil, err
	}

	e.content = newContent
	e.version = newVersion

	res := &SubmitResult{
		Ops:         stored,
		Applied:     change,
		NewVersion:  newVersion,
		Content:     newContent,
		PrevContent: prevContent,
	}
	if req.OnCommit != nil {
		req.OnCommit(res)
	}
	return res, nil
}

func (e *Engine) ensureLoadedLocked(ctx context.Context) error {
	if e.loaded {
		return nil
	}
	doc, err := e.store.GetDocument(ctx, e.documentID)
	if err != nil {
		return err
	}
	e.content = doc.Content
	e.version = doc.Version
	e.loaded = true
	return nil
}

// collectReplayLocked gathers the previously persisted ops of a replayed
// batch, walking consecutive client sequences from its first row. Rows carry
// the client sequence their batch started at, which bounds the walk even when
// the client's next batch landed contiguously.
func (e *Engine) collectReplayLocked(ctx context.Context, clientID types.ClientIDType, first *types.Operation) ([]types.Operation, error) {
	ops := []types.Operation{*first}
	for seq := first.ClientSequence + 1; ; seq++ {
		op, err := e.store.FindOperationByIdempotencyKey(ctx, e.documentID, clientID, seq)
		if err != nil {
			if types.CodeOf(err) == types.CodeNotFound {
				return ops, nil
			}
			return nil, err
		}
		if op.BatchStart != first.BatchStart {
			// First row of the client's next batch.
			return ops, nil
		}
		ops = append(ops, *op)
	}
}

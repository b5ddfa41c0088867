package transport

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

// mockConn implements wsConnection. Tests inject inbound frames through the
// inbound channel; Close unblocks ReadMessage the way a closed socket does.
type mockConn struct {
	inbound   chan []byte
	closeOnce sync.Once

	mu     sync.Mutex
	writes [][]byte
}

func newMockConn() *mockConn {
	return &mockConn{inbound: make(chan []byte, 16)}
}

func (m *mockConn) ReadMessage() (int, []byte, error) {
	data, ok := <-m.inbound
	if !ok {
		return 0, nil, errors.New("connection closed")
	}
	return websocket.TextMessage, data, nil
}

func (m *mockConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.TextMessage {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes = append(m.writes, append([]byte(nil), data...))
	return nil
}

func (m *mockConn) Close() error {
	m.closeOnce.Do(func() { close(m.inbound) })
	return nil
}

func (m *mockConn) SetWriteDeadline(_ time.Time) error {
	return nil
}

// inject feeds one frame into the read pump.
func (m *mockConn) inject(t *testing.T, event types.EventType, requestID string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(types.Frame{Event: event, Payload: raw, RequestID: requestID})
	require.NoError(t, err)
	m.inbound <- data
}

// frames decodes everything written so far.
func (m *mockConn) frames(t *testing.T) []types.Frame {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Frame, 0, len(m.writes))
	for _, data := range m.writes {
		var f types.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		out = append(out, f)
	}
	return out
}

// waitForFrame blocks until a frame with the given event has been written.
func (m *mockConn) waitForFrame(t *testing.T, event types.EventType) types.Frame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, f := range m.frames(t) {
			if f.Event == event {
				return f
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s frame, got %v", event, m.frames(t))
	return types.Frame{}
}

// mockValidator implements types.TokenValidator with a static token table.
type mockValidator struct {
	tokens map[string]*types.TokenClaims
}

func (m *mockValidator) ValidateToken(token string) (*types.TokenClaims, error) {
	if claims, ok := m.tokens[token]; ok {
		return claims, nil
	}
	return nil, errors.New("token rejected")
}

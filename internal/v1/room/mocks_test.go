package room

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coedit-live/coedit/backend/go/internal/v1/types"
)

// recordedFrame is a decoded outbound frame captured by the mock client.
type recordedFrame struct {
	Event     types.EventType
	RequestID string
	Payload   json.RawMessage
}

// mockClient implements types.ClientInterface and records everything sent
// to it, in order.
type mockClient struct {
	id   types.ParticipantIDType
	user types.UserIDType
	name types.DisplayNameType

	mu           sync.Mutex
	role         types.RoleType
	frames       []recordedFrame
	disconnected bool
}

func newMockClient(id types.ParticipantIDType, role types.RoleType) *mockClient {
	return &mockClient{
		id:   id,
		user: types.UserIDType("user-" + string(id)),
		name: types.DisplayNameType(string(id)),
		role: role,
	}
}

func (m *mockClient) GetID() types.ParticipantIDType       { return m.id }
func (m *mockClient) GetUserID() types.UserIDType          { return m.user }
func (m *mockClient) GetDisplayName() types.DisplayNameType { return m.name }

func (m *mockClient) GetRole() types.RoleType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.role
}

func (m *mockClient) SetRole(role types.RoleType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.role = role
}

func (m *mockClient) Send(event types.EventType, requestID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, recordedFrame{Event: event, RequestID: requestID, Payload: data})
}

func (m *mockClient) SendRaw(data []byte) {
	var frame struct {
		Event     types.EventType `json:"event"`
		Payload   json.RawMessage `json:"payload"`
		RequestID string          `json:"requestId"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		panic(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, recordedFrame{Event: frame.Event, RequestID: frame.RequestID, Payload: frame.Payload})
}

func (m *mockClient) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = true
}

func (m *mockClient) recorded() []recordedFrame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]recordedFrame, len(m.frames))
	copy(out, m.frames)
	return out
}

// framesOf filters the recorded frames by event type.
func (m *mockClient) framesOf(event types.EventType) []recordedFrame {
	var out []recordedFrame
	for _, f := range m.recorded() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func decodePayload[T any](t *testing.T, frame recordedFrame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(frame.Payload, &v))
	return v
}

// inboundFrame builds a types.Frame the way the transport would.
func inboundFrame(t *testing.T, event types.EventType, payload any, requestID string) types.Frame {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return types.Frame{Event: event, Payload: data, RequestID: requestID}
}

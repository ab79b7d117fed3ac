package backend

import (
	"context"
	"sync"
	"time"

	"github.com/markus-barta/busdash/internal/protocol"
)

// MockClient is a test implementation of the Client interface.
// Use it in unit tests to avoid a real backend.
type MockClient struct {
	mu sync.Mutex

	// IDs is returned from ListNodes.
	IDs []string

	// Nodes maps node ids to the snapshot returned from GetNode.
	Nodes map[string]*protocol.NodeSnapshot

	// History maps node ids to the samples returned from GetHistory.
	History map[string][]protocol.Sample

	// DashboardConfig is returned from GetDashboardConfig.
	DashboardConfig []protocol.WidgetConfigEntry

	// Errors to return from each method (set to simulate failures).
	ListNodesError          error
	GetNodeError            error
	GetHistoryError         error
	GetDashboardConfigError error

	// NodeErrors fails GetNode for single ids.
	NodeErrors map[string]error

	// Hooks run after the response was captured and before it is returned,
	// outside the mock's lock. Tests block in them to reorder responses.
	OnGetNode    func(ctx context.Context, id string)
	OnGetHistory func(ctx context.Context, id string, stepS int)

	// Call tracking for assertions.
	ListNodesCalls          int
	GetNodeCalls            []GetNodeCall
	GetHistoryCalls         []GetHistoryCall
	GetDashboardConfigCalls int
}

// GetNodeCall records one GetNode invocation.
type GetNodeCall struct {
	ID         string
	AddHistory bool
}

// GetHistoryCall records one GetHistory invocation.
type GetHistoryCall struct {
	ID    string
	Start time.Time
	StepS int
}

// NewMockClient creates a new mock client with empty state.
func NewMockClient() *MockClient {
	return &MockClient{
		Nodes:      make(map[string]*protocol.NodeSnapshot),
		History:    make(map[string][]protocol.Sample),
		NodeErrors: make(map[string]error),
	}
}

// SetNode stores a snapshot and adds its id to IDs when missing.
func (m *MockClient) SetNode(snap *protocol.NodeSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.Nodes[snap.ID]; !ok {
		m.IDs = append(m.IDs, snap.ID)
	}
	m.Nodes[snap.ID] = snap
}

// RemoveNode forgets a node.
func (m *MockClient) RemoveNode(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.Nodes, id)
	ids := m.IDs[:0]
	for _, existing := range m.IDs {
		if existing != id {
			ids = append(ids, existing)
		}
	}
	m.IDs = ids
}

// SetHistory replaces the samples of a series.
func (m *MockClient) SetHistory(id string, samples []protocol.Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.History[id] = samples
}

// ListNodes returns the configured ids or error.
func (m *MockClient) ListNodes(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ListNodesCalls++

	if m.ListNodesError != nil {
		return nil, m.ListNodesError
	}
	return append([]string(nil), m.IDs...), nil
}

// GetNode returns a copy of the configured snapshot or error.
// Unknown ids answer with a 404 TransportError.
func (m *MockClient) GetNode(ctx context.Context, id string, addHistory bool) (*protocol.NodeSnapshot, error) {
	m.mu.Lock()
	m.GetNodeCalls = append(m.GetNodeCalls, GetNodeCall{ID: id, AddHistory: addHistory})

	var (
		snap *protocol.NodeSnapshot
		err  error
	)
	switch {
	case m.GetNodeError != nil:
		err = m.GetNodeError
	case m.NodeErrors[id] != nil:
		err = m.NodeErrors[id]
	default:
		if n, ok := m.Nodes[id]; ok {
			cp := *n
			snap = &cp
		} else {
			err = &TransportError{Op: "GET", URL: "/nodes/" + id, StatusCode: 404}
		}
	}
	hook := m.OnGetNode
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, id)
	}
	return snap, err
}

// GetHistory returns a copy of the configured samples or error.
func (m *MockClient) GetHistory(ctx context.Context, id string, start time.Time, stepS int) ([]protocol.Sample, error) {
	m.mu.Lock()
	m.GetHistoryCalls = append(m.GetHistoryCalls, GetHistoryCall{ID: id, Start: start, StepS: stepS})

	var (
		samples []protocol.Sample
		err     = m.GetHistoryError
	)
	if err == nil {
		samples = append([]protocol.Sample(nil), m.History[id]...)
	}
	hook := m.OnGetHistory
	m.mu.Unlock()

	if hook != nil {
		hook(ctx, id, stepS)
	}
	return samples, err
}

// GetDashboardConfig returns the configured layout or error.
func (m *MockClient) GetDashboardConfig(ctx context.Context) ([]protocol.WidgetConfigEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.GetDashboardConfigCalls++

	if m.GetDashboardConfigError != nil {
		return nil, m.GetDashboardConfigError
	}
	return append([]protocol.WidgetConfigEntry(nil), m.DashboardConfig...), nil
}

// NodeCallCount returns how often GetNode was called for id.
func (m *MockClient) NodeCallCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.GetNodeCalls {
		if c.ID == id {
			n++
		}
	}
	return n
}

// HistoryCalls returns a copy of the recorded GetHistory calls.
func (m *MockClient) HistoryCalls() []GetHistoryCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]GetHistoryCall(nil), m.GetHistoryCalls...)
}

// Package directory holds the console's stand-ins for the external agent
// directory and call log.
package directory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/dkeye/callconsole/internal/core"
	"github.com/google/uuid"
)

var (
	ErrAgentNotFound  = errors.New("agent not found")
	ErrRecordNotFound = errors.New("call record not found")
)

// Memory keeps agents and call records in process.
type Memory struct {
	mu      sync.RWMutex
	agents  map[string]core.Agent
	records map[string]*core.CallLogEntry
	order   []string
}

func NewMemory(agents ...core.Agent) *Memory {
	m := &Memory{
		agents:  make(map[string]core.Agent),
		records: make(map[string]*core.CallLogEntry),
	}
	for _, a := range agents {
		if a.Status == "" {
			a.Status = core.AgentAvailable
		}
		m.agents[a.ID] = a
	}
	return m
}

func (m *Memory) GetAgent(_ context.Context, id string) (core.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return core.Agent{}, ErrAgentNotFound
	}
	return a, nil
}

func (m *Memory) UpdateAgentStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	a.Status = status
	m.agents[id] = a
	return nil
}

func (m *Memory) CreateCallRecord(_ context.Context, data core.CallRecordData) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.NewString()
	m.records[id] = &core.CallLogEntry{ID: id, CallRecordData: data}
	m.order = append(m.order, id)
	return id, nil
}

func (m *Memory) EndCallRecord(_ context.Context, id string, data core.CallEndData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrRecordNotFound
	}
	r.End = &data
	return nil
}

// Records returns the most recent records first, at most limit of them.
func (m *Memory) Records(agentID string, limit int) []core.CallLogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.CallLogEntry, 0, len(m.order))
	for i := len(m.order) - 1; i >= 0; i-- {
		r := m.records[m.order[i]]
		if agentID != "" && r.AgentID != agentID {
			continue
		}
		out = append(out, *r)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (m *Memory) Stats(agentID string) core.CallStats {
	var st core.CallStats
	for _, r := range m.Records(agentID, 0) {
		if r.End == nil {
			continue
		}
		st.Total++
		switch r.End.Status {
		case "completed":
			st.Completed++
			st.TalkSeconds += r.End.DurationSeconds
		case "failed":
			st.Failed++
		}
	}
	if st.Completed > 0 {
		st.AverageSeconds = st.TalkSeconds / st.Completed
	}
	return st
}

// Agents lists every known agent by id.
func (m *Memory) Agents() []core.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

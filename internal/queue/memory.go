package queue

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process MessageQueue for tests and single-node dry runs.
// It implements the same Locked/Unlocked contract as NATSQueue without
// requiring an embedded broker.
type Memory struct {
	mu       sync.Mutex
	messages map[string]memoryRecord
}

type memoryRecord struct {
	payload FunctionInput
	locked  bool
}

// NewMemory returns an empty Memory queue.
func NewMemory() *Memory {
	return &Memory{messages: make(map[string]memoryRecord)}
}

func (m *Memory) Put(_ context.Context, messageID string, payload FunctionInput) error {
	if err := payload.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[messageID] = memoryRecord{payload: payload, locked: true}
	return nil
}

func (m *Memory) LockedMessages(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, rec := range m.messages {
		if rec.locked {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Commit(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.messages[messageID]
	if !ok {
		return nil
	}
	rec.locked = false
	m.messages[messageID] = rec
	return nil
}

func (m *Memory) Rollback(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.messages, messageID)
	return nil
}

// Payload returns the payload stored under messageID, for test assertions.
func (m *Memory) Payload(messageID string) (FunctionInput, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.messages[messageID]
	return rec.payload, ok
}

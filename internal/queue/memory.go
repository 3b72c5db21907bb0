package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Memory is an in-process queue implementing the same producer contract as
// Redis. It backs tests and single-process local runs; it provides no
// durability and no re-delivery.
type Memory struct {
	mu    sync.Mutex
	items map[string][][]byte
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string][][]byte)}
}

// Enqueue appends the marshalled payload to the named channel.
func (m *Memory) Enqueue(_ context.Context, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	m.mu.Lock()
	m.items[channel] = append(m.items[channel], raw)
	m.mu.Unlock()
	return nil
}

// Pop removes and returns the oldest payload on the channel.
func (m *Memory) Pop(channel string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	queued := m.items[channel]
	if len(queued) == 0 {
		return nil, false
	}
	head := queued[0]
	m.items[channel] = queued[1:]
	return head, true
}

// Len reports the number of items waiting on the channel.
func (m *Memory) Len(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items[channel])
}

var _ Enqueuer = (*Memory)(nil)

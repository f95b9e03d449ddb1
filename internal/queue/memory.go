package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Memory is an in-process channel with the same at-least-once contract as
// the Redis streams: delivered entries stay invisible for a visibility
// window and reappear if not acked. Used by tests and local runs.
type Memory struct {
	mu         sync.Mutex
	nextID     int
	ready      []Message
	pending    map[string]pendingEntry
	visibility time.Duration
	notify     chan struct{}
}

type pendingEntry struct {
	msg      Message
	deadline time.Time
}

// NewMemory creates a Memory channel with the given visibility window.
func NewMemory(visibility time.Duration) *Memory {
	return &Memory{
		pending:    make(map[string]pendingEntry),
		visibility: visibility,
		notify:     make(chan struct{}, 1),
	}
}

func (m *Memory) Publish(_ context.Context, body []byte) error {
	m.mu.Lock()
	m.nextID++
	m.ready = append(m.ready, Message{ID: strconv.Itoa(m.nextID), Body: body})
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return nil
}

func (m *Memory) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	deadline := time.Now().Add(wait)
	for {
		if msgs := m.take(max); len(msgs) > 0 {
			return msgs, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		poll := 20 * time.Millisecond
		if remaining < poll {
			poll = remaining
		}

		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-m.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (m *Memory) Ack(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pending, id)
	return nil
}

// Size reports how many messages are ready or in flight.
func (m *Memory) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready) + len(m.pending)
}

func (m *Memory) take(max int) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []Message

	// Expired pending entries are redelivered before fresh ones.
	for id, p := range m.pending {
		if len(out) >= max {
			break
		}
		if now.After(p.deadline) {
			out = append(out, p.msg)
			m.pending[id] = pendingEntry{msg: p.msg, deadline: now.Add(m.visibility)}
		}
	}

	for len(out) < max && len(m.ready) > 0 {
		msg := m.ready[0]
		m.ready = m.ready[1:]
		m.pending[msg.ID] = pendingEntry{msg: msg, deadline: now.Add(m.visibility)}
		out = append(out, msg)
	}
	return out
}

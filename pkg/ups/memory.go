package ups

import (
	"context"
	"sync"
)

const memoryBuffer = 128

// Memory is an in-process bus for tests and single-node deployments.
type Memory struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscriber]struct{}
	closed bool
}

var _ PubSub = (*Memory)(nil)

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: map[string]map[*Subscriber]struct{}{}}
}

func (m *Memory) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	msg := &Message{Subject: subject, Payload: append([]byte{}, payload...)}
	for sub := range m.subs[subject] {
		sub.deliver(msg)
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, subject string) (*Subscriber, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub := newSubscriber(subject, memoryBuffer, m.unsubscribe)
	if m.subs[subject] == nil {
		m.subs[subject] = map[*Subscriber]struct{}{}
	}
	m.subs[subject][sub] = struct{}{}
	return sub, nil
}

func (m *Memory) unsubscribe(sub *Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if set, ok := m.subs[sub.subject]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(m.subs, sub.subject)
		}
	}
}

// Close unregisters every subscriber and rejects further use.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, set := range m.subs {
		for sub := range set {
			sub.markDone()
		}
	}
	m.subs = map[string]map[*Subscriber]struct{}{}
	return nil
}

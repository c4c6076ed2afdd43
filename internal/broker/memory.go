package broker

import (
	"context"
	"sync"
)

// MemoryBus is an in-process pub/sub medium. Every attached broker sees every
// published message, mirroring the wildcard subscription the networked
// drivers use. Single-node deployments attach one broker; tests attach
// several to simulate a fleet.
type MemoryBus struct {
	mu      sync.RWMutex
	members []*memoryBroker
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Attach joins the bus as one instance.
func (b *MemoryBus) Attach(instanceID string) Broker {
	m := &memoryBroker{bus: b, origin: instanceID}
	b.mu.Lock()
	b.members = append(b.members, m)
	b.mu.Unlock()
	return m
}

func (b *MemoryBus) dispatch(msg Message) {
	b.mu.RLock()
	members := append([]*memoryBroker(nil), b.members...)
	b.mu.RUnlock()

	for _, m := range members {
		m.deliver(msg)
	}
}

func (b *MemoryBus) detach(target *memoryBroker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, m := range b.members {
		if m == target {
			b.members = append(b.members[:i], b.members[i+1:]...)
			return
		}
	}
}

type memoryBroker struct {
	bus    *MemoryBus
	origin string

	mu      sync.RWMutex
	handler Handler
	closed  bool
}

func (m *memoryBroker) Publish(_ context.Context, room string, frame []byte) error {
	m.bus.dispatch(Message{Origin: m.origin, Room: room, Frame: frame})
	return nil
}

func (m *memoryBroker) Subscribe(h Handler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

func (m *memoryBroker) deliver(msg Message) {
	m.mu.RLock()
	h, closed := m.handler, m.closed
	m.mu.RUnlock()
	if h != nil && !closed {
		h(msg)
	}
}

func (m *memoryBroker) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.bus.detach(m)
	return nil
}

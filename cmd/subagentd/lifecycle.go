package main

import (
	"sync"
	"sync/atomic"

	"github.com/sipeed/picoclaw/pkg/subagent"
)

// lifecycleBus is the in-process subagent.LifecycleBus the gateway
// publishes run-end and run-error events onto (no run-start events are
// published), mirroring pkg/bus.MessageBus's
// id-keyed subscriber list and removal-closure pattern.
type lifecycleBus struct {
	mu       sync.RWMutex
	handlers map[uint64]func(subagent.LifecycleEvent)
	nextID   uint64
}

func newLifecycleBus() *lifecycleBus {
	return &lifecycleBus{handlers: make(map[uint64]func(subagent.LifecycleEvent))}
}

func (b *lifecycleBus) Subscribe(handler func(subagent.LifecycleEvent)) (unsubscribe func()) {
	id := atomic.AddUint64(&b.nextID, 1)
	b.mu.Lock()
	b.handlers[id] = handler
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}
}

func (b *lifecycleBus) Publish(evt subagent.LifecycleEvent) {
	b.mu.RLock()
	handlers := make([]func(subagent.LifecycleEvent), 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()
	for _, h := range handlers {
		h(evt)
	}
}

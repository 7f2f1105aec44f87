package bus

import (
	"context"
	"fmt"
	"sync"
)

// MemoryHub connects the MemoryBus of several in-process routers as if they
// were separate server processes sharing one broker. Delivery is
// synchronous, in publish order, to every attached bus including the
// publisher's own.
type MemoryHub struct {
	mu        sync.RWMutex
	buses     []*MemoryBus
	intercept func(Message) int
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{}
}

// Attach returns a new bus connected to the hub.
func (h *MemoryHub) Attach() *MemoryBus {
	b := &MemoryBus{hub: h}
	h.mu.Lock()
	h.buses = append(h.buses, b)
	h.mu.Unlock()
	return b
}

// Intercept installs fn to decide how many copies of each published message
// reach subscribers: 0 drops it, 2 duplicates it. nil restores normal delivery.
func (h *MemoryHub) Intercept(fn func(Message) int) {
	h.mu.Lock()
	h.intercept = fn
	h.mu.Unlock()
}

func (h *MemoryHub) deliver(msg Message) {
	h.mu.RLock()
	copies := 1
	if h.intercept != nil {
		copies = h.intercept(msg)
	}
	buses := append([]*MemoryBus(nil), h.buses...)
	h.mu.RUnlock()

	for i := 0; i < copies; i++ {
		for _, b := range buses {
			b.receive(msg)
		}
	}
}

// MemoryBus is one process's attachment to a MemoryHub.
type MemoryBus struct {
	hub *MemoryHub

	mu      sync.Mutex
	ctx     context.Context
	handler Handler
	failErr error
	closed  bool
}

// FailPublish makes every following Publish return err. nil clears it.
func (b *MemoryBus) FailPublish(err error) {
	b.mu.Lock()
	b.failErr = err
	b.mu.Unlock()
}

func (b *MemoryBus) Publish(ctx context.Context, channel Channel, payload any) error {
	b.mu.Lock()
	failErr, closed := b.failErr, b.closed
	b.mu.Unlock()
	if closed {
		return fmt.Errorf("publish %s: bus closed", channel)
	}
	if failErr != nil {
		return fmt.Errorf("publish %s: %w", channel, failErr)
	}
	data, err := encode(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", channel, err)
	}
	b.hub.deliver(Message{Channel: channel, Payload: data})
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handler != nil {
		return fmt.Errorf("bus already subscribed")
	}
	b.ctx, b.handler = ctx, handler
	return nil
}

// Inject delivers a raw message to this bus only, bypassing the hub.
func (b *MemoryBus) Inject(msg Message) {
	b.receive(msg)
}

func (b *MemoryBus) receive(msg Message) {
	b.mu.Lock()
	ctx, handler, closed := b.ctx, b.handler, b.closed
	b.mu.Unlock()
	if handler == nil || closed || ctx.Err() != nil {
		return
	}
	handler(ctx, msg)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

package transport

import (
	"errors"
	"strings"
	"sync"

	"github.com/primevault/vaultlink/interfaces"
)

// InmemBus is an in-process Bus used in tests and demos. Delivery is
// asynchronous, mirroring a real bus: handlers run on their own goroutines
// and no ordering is guaranteed between distinct messages.
type InmemBus struct {
	mu        sync.Mutex
	subs      map[int]*inmemSub
	nextID    int
	connected bool
}

type inmemSub struct {
	pattern string
	handler func(interfaces.BusMessage)
}

// NewInmemBus creates a connected in-memory bus.
func NewInmemBus() *InmemBus {
	return &InmemBus{subs: make(map[int]*inmemSub), connected: true}
}

// SetConnected simulates connection loss and recovery.
func (b *InmemBus) SetConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = connected
}

// Connected reports the simulated connection state.
func (b *InmemBus) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// Publish delivers the message asynchronously to all matching subscribers.
func (b *InmemBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	if !b.connected {
		b.mu.Unlock()
		return errors.New("inmem bus disconnected")
	}
	var handlers []func(interfaces.BusMessage)
	for _, sub := range b.subs {
		if subjectMatches(sub.pattern, subject) {
			handlers = append(handlers, sub.handler)
		}
	}
	b.mu.Unlock()

	msg := interfaces.BusMessage{Subject: subject, Data: data}
	for _, handler := range handlers {
		go handler(msg)
	}
	return nil
}

// Subscribe registers a handler for the subject pattern.
func (b *InmemBus) Subscribe(subject string, handler func(interfaces.BusMessage)) (interfaces.Unsubscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &inmemSub{pattern: subject, handler: handler}
	return &inmemUnsub{bus: b, id: id}, nil
}

// SubscribeDurable behaves like Subscribe; the in-memory bus has no
// redelivery of its own, tests simulate duplicates by publishing twice.
func (b *InmemBus) SubscribeDurable(subject, durable string, handler func(interfaces.BusMessage)) (interfaces.Unsubscriber, error) {
	return b.Subscribe(subject, handler)
}

type inmemUnsub struct {
	bus *InmemBus
	id  int
}

func (u *inmemUnsub) Unsubscribe() error {
	u.bus.mu.Lock()
	defer u.bus.mu.Unlock()
	delete(u.bus.subs, u.id)
	return nil
}

// subjectMatches implements dot-token matching with '*' (one token) and
// '>' (all remaining tokens).
func subjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

package events

import (
	"context"
	"reflect"
	"sync"
)

// Handler reacts to a single consumed event.
type Handler func(ctx context.Context, event Event) error

// Dispatcher routes consumed events to their handlers. Handlers
// subscribed to a name receive only that event, listeners subscribed
// for all events receive every one.
type Dispatcher interface {
	Subscribe(name string, handler Handler) Dispatcher
	SubscribeAll(handler Handler) Dispatcher
	Match(event Event) []Handler
}

func NewDispatcher() Dispatcher {
	return &dispatcher{handlers: map[string][]Handler{}}
}

type dispatcher struct {
	mu        sync.RWMutex
	handlers  map[string][]Handler
	listeners []Handler
}

func (d *dispatcher) Subscribe(name string, handler Handler) Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()

	handlerPtr := reflect.ValueOf(handler).Pointer()

	// a handler is a function, comparing by value ptr detects doubles
	for _, registered := range d.handlers[name] {
		if reflect.ValueOf(registered).Pointer() == handlerPtr {
			return d
		}
	}

	d.handlers[name] = append(d.handlers[name], handler)
	return d
}

func (d *dispatcher) SubscribeAll(handler Handler) Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()

	handlerPtr := reflect.ValueOf(handler).Pointer()

	for _, registered := range d.listeners {
		if reflect.ValueOf(registered).Pointer() == handlerPtr {
			return d
		}
	}

	d.listeners = append(d.listeners, handler)
	return d
}

func (d *dispatcher) Match(event Event) []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()

	seen := map[uintptr]struct{}{}
	matched := make([]Handler, 0, len(d.handlers[event.EventName()])+len(d.listeners))

	for _, handler := range d.handlers[event.EventName()] {
		ptr := reflect.ValueOf(handler).Pointer()
		if _, dup := seen[ptr]; dup {
			continue
		}
		seen[ptr] = struct{}{}
		matched = append(matched, handler)
	}

	for _, listener := range d.listeners {
		ptr := reflect.ValueOf(listener).Pointer()
		if _, dup := seen[ptr]; dup {
			continue
		}
		seen[ptr] = struct{}{}
		matched = append(matched, listener)
	}

	return matched
}

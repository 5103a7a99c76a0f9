// Package eventbus implements the hierarchical "source.name" event
// system described in §4.10: listeners register at three granularities
// (global, per-source, per-event), fire in registration order on the
// firing thread, and a distinguished events.unregistered event announces
// removal.
//
// Grounded on original_source/include/events.h's
// EventsRegisterListenerByName("" | "source" | "source.name", ...) API
// and its self-exported "Events.Unregistered" event, translated into a
// Go idiom using google/uuid handles instead of opaque C pointers.
package eventbus

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// unregisteredEvent is fired, on this bus's own "events" source, just
// before a listener is unregistered, carrying the removed handle.
const unregisteredEvent = "events.unregistered"

// Listener receives a fired event's name and payload.
type Listener func(name string, payload any)

// Handle identifies a registered listener, returned by every
// registration method and accepted by Unregister.
type Handle string

type registration struct {
	handle Handle
	fn     Listener
}

// Bus is a hierarchical event dispatcher. The zero value is not usable;
// construct with New.
type Bus struct {
	mu       sync.Mutex
	global   []registration
	bySource map[string][]registration
	byEvent  map[string][]registration
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		bySource: make(map[string][]registration),
		byEvent:  make(map[string][]registration),
	}
}

// RegisterGlobal registers fn to receive every event fired on the bus.
func (b *Bus) RegisterGlobal(fn Listener) Handle {
	h := newHandle()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.global = append(b.global, registration{handle: h, fn: fn})
	return h
}

// RegisterSource registers fn to receive every event fired with the
// given source prefix (the part of "source.name" before the dot).
func (b *Bus) RegisterSource(source string, fn Listener) Handle {
	h := newHandle()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bySource[source] = append(b.bySource[source], registration{handle: h, fn: fn})
	return h
}

// RegisterEvent registers fn to receive only the exact "source.name"
// event.
func (b *Bus) RegisterEvent(name string, fn Listener) Handle {
	h := newHandle()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byEvent[name] = append(b.byEvent[name], registration{handle: h, fn: fn})
	return h
}

// Unregister removes the listener identified by h from wherever it was
// registered, firing events.unregistered immediately beforehand.
func (b *Bus) Unregister(h Handle) {
	b.mu.Lock()
	found := indexOf(b.global, h) >= 0
	for _, regs := range b.bySource {
		found = found || indexOf(regs, h) >= 0
	}
	for _, regs := range b.byEvent {
		found = found || indexOf(regs, h) >= 0
	}
	b.mu.Unlock()
	if !found {
		return
	}
	b.Fire(unregisteredEvent, h)
	b.mu.Lock()
	b.removeLocked(h)
	b.mu.Unlock()
}

func (b *Bus) removeLocked(h Handle) bool {
	if idx := indexOf(b.global, h); idx >= 0 {
		b.global = append(b.global[:idx], b.global[idx+1:]...)
		return true
	}
	for source, regs := range b.bySource {
		if idx := indexOf(regs, h); idx >= 0 {
			b.bySource[source] = append(regs[:idx], regs[idx+1:]...)
			return true
		}
	}
	for name, regs := range b.byEvent {
		if idx := indexOf(regs, h); idx >= 0 {
			b.byEvent[name] = append(regs[:idx], regs[idx+1:]...)
			return true
		}
	}
	return false
}

func indexOf(regs []registration, h Handle) int {
	for i, r := range regs {
		if r.handle == h {
			return i
		}
	}
	return -1
}

// Fire invokes every listener registered for name — global, source, and
// exact-event tiers, in that order — on the calling goroutine. Per
// §4.10's contract, listeners must not block on I/O of unknown
// duration; Fire itself does not enforce this, it runs synchronously on
// whatever thread calls it.
func (b *Bus) Fire(name string, payload any) {
	source, _, _ := strings.Cut(name, ".")

	b.mu.Lock()
	global := append([]registration(nil), b.global...)
	bySource := append([]registration(nil), b.bySource[source]...)
	byEvent := append([]registration(nil), b.byEvent[name]...)
	b.mu.Unlock()

	for _, r := range global {
		r.fn(name, payload)
	}
	for _, r := range bySource {
		r.fn(name, payload)
	}
	for _, r := range byEvent {
		r.fn(name, payload)
	}
}

func newHandle() Handle {
	return Handle(uuid.NewString())
}

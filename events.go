// SPDX-License-Identifier: GPL-3.0-or-later

package blez

import (
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// EventKind discriminates the events an EventStream can yield.
type EventKind int

const (
	// EventAdapterAdded reports a newly plugged or powered controller.
	EventAdapterAdded EventKind = iota
	// EventAdapterRemoved reports a controller that went away.
	EventAdapterRemoved
	// EventDeviceAdded reports a discovered or newly known device.
	EventDeviceAdded
	// EventDeviceRemoved reports a device dropped from the tree.
	EventDeviceRemoved
	// EventPropertyChanged reports a changed or invalidated property;
	// Property carries its name. Re-read the value through the handle.
	EventPropertyChanged
	// EventValueChanged carries a characteristic notification payload
	// in Value.
	EventValueChanged
	// EventOverflow marks that older events were dropped because the
	// consumer fell behind. Informational, the stream stays usable.
	EventOverflow
)

func (k EventKind) String() string {
	switch k {
	case EventAdapterAdded:
		return "adapter-added"
	case EventAdapterRemoved:
		return "adapter-removed"
	case EventDeviceAdded:
		return "device-added"
	case EventDeviceRemoved:
		return "device-removed"
	case EventPropertyChanged:
		return "property-changed"
	case EventValueChanged:
		return "value-changed"
	case EventOverflow:
		return "overflow"
	default:
		return "invalid"
	}
}

// Event is a single occurrence surfaced by an EventStream. Only plain
// data crosses this boundary: a path, a property name and a byte
// payload.
type Event struct {
	Kind     EventKind
	Path     dbus.ObjectPath
	Property string
	Value    []byte
}

// subscription is the bounded delivery queue behind an EventStream.
// The driver pushes, the consumer pops; when the consumer falls
// behind, the oldest events are dropped and exactly one overflow
// marker per drop episode records the loss.
type subscription struct {
	id     uint64
	s      *Session
	rules  [][]dbus.MatchOption
	filter func(*dbus.Signal) []Event
	cap    int

	mu       sync.Mutex
	queue    []Event
	overflow bool
	closed   bool
	waiter   chan struct{}
}

func (sub *subscription) push(events []Event) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	for _, ev := range events {
		if len(sub.queue) >= sub.cap {
			copy(sub.queue, sub.queue[1:])
			sub.queue = sub.queue[:len(sub.queue)-1]
			sub.overflow = true
		}
		sub.queue = append(sub.queue, ev)
	}
	sub.wakeLocked()
}

func (sub *subscription) wakeLocked() {
	if sub.waiter != nil {
		close(sub.waiter)
		sub.waiter = nil
	}
}

func (sub *subscription) markClosed() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	sub.queue = nil
	sub.overflow = false
	sub.wakeLocked()
}

// next pops the next event, suspending the caller until one is queued
// or the timeout elapses. timeout <= 0 blocks without deadline.
func (sub *subscription) next(timeout time.Duration) (Event, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = sub.s.clock.Now().Add(timeout)
	}

	for {
		sub.mu.Lock()
		if sub.overflow {
			// The marker precedes the surviving (newer) events.
			sub.overflow = false
			sub.mu.Unlock()
			return Event{Kind: EventOverflow}, nil
		}
		if len(sub.queue) > 0 {
			ev := sub.queue[0]
			sub.queue = sub.queue[1:]
			sub.mu.Unlock()
			return ev, nil
		}
		if sub.closed {
			sub.mu.Unlock()
			return Event{}, ErrStreamClosed
		}
		waiter := make(chan struct{})
		sub.waiter = waiter
		sub.mu.Unlock()

		remaining := time.Duration(0)
		if !deadline.IsZero() {
			remaining = deadline.Sub(sub.s.clock.Now())
			if remaining <= 0 {
				sub.clearWaiter(waiter)
				return Event{}, ErrStreamTimeout
			}
		}
		if timedOut := sub.s.wait(waiter, remaining); timedOut {
			sub.clearWaiter(waiter)
			return Event{}, ErrStreamTimeout
		}
	}
}

func (sub *subscription) clearWaiter(waiter chan struct{}) {
	sub.mu.Lock()
	if sub.waiter == waiter {
		sub.waiter = nil
	}
	sub.mu.Unlock()
}

// EventStream is a pull-based, cancellable sequence of events. The
// consumer drives progress by calling Next; no goroutine beyond the
// session driver exists on its behalf.
type EventStream struct {
	sub *subscription

	closeOnce sync.Once
	onClose   func()
}

func newEventStream(sub *subscription, onClose func()) *EventStream {
	return &EventStream{sub: sub, onClose: onClose}
}

// Next returns the next event. timeout <= 0 blocks until an event
// arrives or the stream closes. ErrStreamTimeout reports an elapsed
// deadline; ErrStreamClosed is terminal.
func (es *EventStream) Next(timeout time.Duration) (Event, error) {
	return es.sub.next(timeout)
}

// Close unsubscribes from the bus and marks the stream terminal.
// Events already queued are discarded; further Next calls return
// ErrStreamClosed. Safe to call multiple times.
func (es *EventStream) Close() {
	es.closeOnce.Do(func() {
		if es.onClose != nil {
			es.onClose()
		}
		es.sub.s.unsubscribe(es.sub)
	})
}

// seedEvents pre-queues synthetic events for objects that already
// exist, so a new stream observes the full current state before live
// deltas.
func (es *EventStream) seedEvents(events []Event) {
	es.sub.push(events)
}

package queue

import (
	"sync"
	"time"
)

// EventType labels a job lifecycle notification.
type EventType string

const (
	EventEnqueued  EventType = "enqueued"
	EventActive    EventType = "active"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is emitted on every job lifecycle step. Delivery is at-least-once
// with respect to retries, so consumers must be idempotent.
type Event struct {
	Type    EventType `json:"type"`
	JobID   string    `json:"jobId"`
	Queue   string    `json:"queue"`
	Name    string    `json:"name"`
	Attempt int       `json:"attempt"`
	Percent float64   `json:"percent,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	Time    time.Time `json:"time"`
}

// Subscription represents an active event stream.
type Subscription interface {
	Events() <-chan Event
	Close()
}

type managerSubscription struct {
	once    sync.Once
	manager *Manager
	ch      chan Event
}

func (s *managerSubscription) Events() <-chan Event {
	return s.ch
}

func (s *managerSubscription) Close() {
	s.once.Do(func() {
		s.manager.subsMu.Lock()
		delete(s.manager.subs, s)
		s.manager.subsMu.Unlock()
		close(s.ch)
	})
}

// FailureHandler observes jobs the queue has permanently given up on. Hooks
// run synchronously on the worker goroutine before the failed event is
// fanned out, so delivery does not depend on a subscriber keeping up.
// Implementations must return promptly.
type FailureHandler func(Event)

// OnFailure registers fn for every job that exhausts its attempts.
func (m *Manager) OnFailure(fn FailureHandler) {
	if fn == nil {
		return
	}
	m.failureMu.Lock()
	m.failureFns = append(m.failureFns, fn)
	m.failureMu.Unlock()
}

func (m *Manager) notifyFailure(event Event) {
	m.failureMu.RLock()
	fns := make([]FailureHandler, len(m.failureFns))
	copy(fns, m.failureFns)
	m.failureMu.RUnlock()
	for _, fn := range fns {
		fn(event)
	}
}

// Subscribe registers a new event stream. Slow subscribers drop events rather
// than stall job execution; anything that must see terminal failures uses
// OnFailure instead.
func (m *Manager) Subscribe() Subscription {
	sub := &managerSubscription{
		manager: m,
		ch:      make(chan Event, m.eventBuffer),
	}
	m.subsMu.Lock()
	m.subs[sub] = struct{}{}
	m.subsMu.Unlock()
	return sub
}

func (m *Manager) emit(event Event) {
	event.Time = m.now()
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	for sub := range m.subs {
		select {
		case sub.ch <- event:
		default:
			// Drop instead of blocking to keep workers responsive.
			// Consumers are expected to drain promptly.
		}
	}
}

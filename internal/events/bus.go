// Package events carries job lifecycle notifications: an in-process bus
// feeds the operator WebSocket stream and the intel exporter.
package events

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the orchestrator and workflow executor.
const (
	TypeJobCreated    = "job.created"
	TypeJobStarted    = "job.started"
	TypeJobCompleted  = "job.completed"
	TypeJobFailed     = "job.failed"
	TypeJobRetried    = "job.retried"
	TypeJobCancelled  = "job.cancelled"
	TypeJobDeadLetter = "job.dead_letter"
	TypeCircuitOpen   = "circuit.open"
	TypeCircuitClose  = "circuit.close"
	TypeWorkflowDone  = "workflow.completed"
)

// Emitter is what publishers depend on.
type Emitter interface {
	Emit(eventType, subject string, data map[string]interface{})
}

// Event is the envelope every subscriber receives. Subject is the job or
// domain the event concerns.
type Event struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"`
	Subject string                 `json:"subject,omitempty"`
	Time    time.Time              `json:"time"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func newEvent(eventType, subject string, data map[string]interface{}) *Event {
	return &Event{
		ID:      uuid.NewString(),
		Type:    eventType,
		Subject: subject,
		Time:    time.Now().UTC(),
		Data:    data,
	}
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is an in-process pub/sub fan-out. Slow subscribers drop events
// rather than stall publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *Event // type -> channels
	allSubs     []chan *Event
	logger      *log.Logger
	bufferSize  int
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *Event),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving the named event types, or every
// event when none are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *Event, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := subs[:0]
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}
	filtered := b.allSubs[:0]
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered

	close(ch)
}

// Publish delivers to every matching subscriber without blocking.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Subscriber is behind, drop.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an event in one call.
func (b *Bus) Emit(eventType, subject string, data map[string]interface{}) {
	b.Publish(newEvent(eventType, subject, data))
}

// SubscriberCount reports active subscriptions, for the ops status page.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

// NopEmitter discards events. Used where a bus is optional.
type NopEmitter struct{}

func (NopEmitter) Emit(string, string, map[string]interface{}) {}

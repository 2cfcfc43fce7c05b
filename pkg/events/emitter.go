// Package events provides per-owner change-notification fan-out. A mutation
// publishes under the owning user's id; every live update stream for that user
// subscribes under the same id. The payload is intentionally empty: consumers
// re-fetch, they never receive row data.
package events

import (
	"log"
	"sync"
)

// Hub is the subscribe/unsubscribe/publish contract shared by the in-process
// Emitter and the Postgres-backed bus. Construct one in main and pass it to
// whatever needs it; there is no package-level instance.
type Hub interface {
	Subscribe(ownerID string, fn func()) *Subscription
	Unsubscribe(sub *Subscription)
	Publish(ownerID string)
}

// Subscription is the handle returned by Subscribe. It is only useful for
// passing back to Unsubscribe.
type Subscription struct {
	ownerID string
	fn      func()
}

func (s *Subscription) invoke() {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("events: subscriber for owner %s panicked: %v", s.ownerID, r)
		}
	}()
	s.fn()
}

// Emitter is a process-local Hub. Publish runs subscribers synchronously in
// registration order; a subscriber that panics is logged and the rest still
// run. State for an owner is dropped as soon as its last subscription leaves,
// so no owner ids accumulate over the process lifetime.
//
// Being process-local, it does not fan out across server instances; use
// PostgresBus when more than one instance serves traffic.
type Emitter struct {
	mu          sync.Mutex
	subscribers map[string][]*Subscription
}

func NewEmitter() *Emitter {
	return &Emitter{subscribers: make(map[string][]*Subscription)}
}

func (e *Emitter) Subscribe(ownerID string, fn func()) *Subscription {
	sub := &Subscription{ownerID: ownerID, fn: fn}
	e.mu.Lock()
	e.subscribers[ownerID] = append(e.subscribers[ownerID], sub)
	e.mu.Unlock()
	return sub
}

// Unsubscribe removes exactly the given subscription. Calling it twice, or
// with nil, is a no-op.
func (e *Emitter) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.subscribers[sub.ownerID]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(e.subscribers, sub.ownerID)
		return
	}
	e.subscribers[sub.ownerID] = subs
}

func (e *Emitter) Publish(ownerID string) {
	e.mu.Lock()
	subs := make([]*Subscription, len(e.subscribers[ownerID]))
	copy(subs, e.subscribers[ownerID])
	e.mu.Unlock()
	for _, s := range subs {
		s.invoke()
	}
}

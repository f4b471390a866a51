// Package notify delivers proof lifecycle events to external sinks. Delivery
// is fire-and-forget: failures are logged and never reach the caller.
package notify

import (
	"context"
	"log"
	"sync"
	"time"

	"proofmark/api/internal/annotation"
	"proofmark/api/internal/store"
)

type EventType string

const (
	EventVersionCreated     EventType = "version.created"
	EventAnnotationsChanged EventType = "annotations.changed"
	EventProofApproved      EventType = "proof.approved"
)

// Event is the payload handed to every sink.
type Event struct {
	Type        EventType               `json:"type"`
	ProofID     string                  `json:"proofId"`
	VersionID   string                  `json:"versionId"`
	Version     *store.VersionRecord    `json:"version,omitempty"`
	Page        int                     `json:"page,omitempty"`
	Annotations []annotation.Annotation `json:"annotations,omitempty"`
	At          time.Time               `json:"at"`
}

// Sink receives events.
type Sink interface {
	Notify(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Notify(ctx context.Context, ev Event) error { return f(ctx, ev) }

const deliveryTimeout = 10 * time.Second

// Fanout publishes each event to every sink on its own goroutine.
type Fanout struct {
	mu    sync.RWMutex
	sinks []Sink
	wg    sync.WaitGroup
}

func NewFanout(sinks ...Sink) *Fanout {
	f := &Fanout{}
	for _, sink := range sinks {
		f.Add(sink)
	}
	return f
}

// Add registers a sink. Nil sinks are ignored.
func (f *Fanout) Add(sink Sink) {
	if sink == nil {
		return
	}
	f.mu.Lock()
	f.sinks = append(f.sinks, sink)
	f.mu.Unlock()
}

// Publish returns immediately.
func (f *Fanout) Publish(ev Event) {
	if f == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	f.mu.RLock()
	sinks := append([]Sink(nil), f.sinks...)
	f.mu.RUnlock()

	for _, sink := range sinks {
		f.wg.Add(1)
		go func(sink Sink) {
			defer f.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
			defer cancel()
			if err := sink.Notify(ctx, ev); err != nil {
				log.Printf("notify: %s for proof %s failed: %v", ev.Type, ev.ProofID, err)
			}
		}(sink)
	}
}

// Wait blocks until every published event has been delivered or dropped.
func (f *Fanout) Wait() {
	if f == nil {
		return
	}
	f.wg.Wait()
}

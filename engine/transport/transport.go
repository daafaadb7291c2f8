// Package transport defines the upstream collaborator the engine's sender
// goroutine publishes triggered payloads through (the Inspection Worker
// only pushes them onto the output queue) and the Scheme Manager sends
// periodic checkins through. Real MQTT/channel bindings live outside this module;
// this package only carries the interface plus a lightweight in-memory
// implementation used by tests and the reference host binary.
package transport

import (
	"sync"

	"github.com/edgetelemetry/collector/engine/model"
)

// Transport is the external collaborator consuming triggered payloads and
// periodic checkin summaries.
type Transport interface {
	Publish(payload model.TriggeredCollectionSchemeData) error
	SendCheckin(data []byte) error
}

// Recorder is an in-memory Transport that simply retains everything it
// receives, for tests and the reference CLI.
type Recorder struct {
	mu       sync.Mutex
	payloads []model.TriggeredCollectionSchemeData
	checkins [][]byte
}

// NewRecorder constructs an empty Recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(payload model.TriggeredCollectionSchemeData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.payloads = append(r.payloads, payload)
	return nil
}

func (r *Recorder) SendCheckin(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := append([]byte(nil), data...)
	r.checkins = append(r.checkins, cp)
	return nil
}

// Payloads returns a copy of every payload published so far.
func (r *Recorder) Payloads() []model.TriggeredCollectionSchemeData {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.TriggeredCollectionSchemeData, len(r.payloads))
	copy(out, r.payloads)
	return out
}

// Checkins returns a copy of every checkin sent so far.
func (r *Recorder) Checkins() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.checkins))
	copy(out, r.checkins)
	return out
}

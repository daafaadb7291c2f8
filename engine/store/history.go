// Package store implements the Signal History Store: bounded per-signal
// ring buffers of timestamped samples, an analogous store for raw CAN
// frames, and a single-snapshot store for active DTCs.
//
// The store is owned exclusively by the Inspection Engine; nothing outside
// package inspection should hold a reference to it, mirroring the teacher's
// "owned solely by the Worker; no external access" discipline applied to
// engine/resources.Manager.
package store

import (
	"sync"

	"github.com/edgetelemetry/collector/engine/model"
)

// ringBuffer is a fixed-capacity FIFO buffer of timestamped samples.
// Samples within a buffer are monotonically non-decreasing in timestamp; a
// late sample whose timestamp is earlier than the buffer's newest sample is
// dropped (with a counter increment) rather than reordering the buffer.
type ringBuffer struct {
	samples  []model.SignalSample
	capacity int
	head     int // index of the oldest sample
	size     int
}

func newRingBuffer(capacity int) *ringBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &ringBuffer{samples: make([]model.SignalSample, capacity), capacity: capacity}
}

func (r *ringBuffer) newest() (model.SignalSample, bool) {
	if r.size == 0 {
		return model.SignalSample{}, false
	}
	idx := (r.head + r.size - 1) % r.capacity
	return r.samples[idx], true
}

func (r *ringBuffer) append(s model.SignalSample) bool {
	if newest, ok := r.newest(); ok && s.ReceiveTimeMs < newest.ReceiveTimeMs {
		return false
	}
	idx := (r.head + r.size) % r.capacity
	r.samples[idx] = s
	if r.size < r.capacity {
		r.size++
	} else {
		r.head = (r.head + 1) % r.capacity
	}
	return true
}

// window returns samples with ReceiveTimeMs in [start, end), oldest first.
func (r *ringBuffer) window(start, end int64) []model.SignalSample {
	out := make([]model.SignalSample, 0, r.size)
	for i := 0; i < r.size; i++ {
		s := r.samples[(r.head+i)%r.capacity]
		if s.ReceiveTimeMs >= start && s.ReceiveTimeMs < end {
			out = append(out, s)
		}
	}
	return out
}

func (r *ringBuffer) latest() (model.SignalSample, bool) { return r.newest() }

// resizeKeepingNewest grows or shrinks capacity, retaining the prefix of
// newest samples when shrinking.
func (r *ringBuffer) resizeKeepingNewest(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	if capacity == r.capacity {
		return
	}
	keep := r.size
	if keep > capacity {
		keep = capacity
	}
	newSamples := make([]model.SignalSample, capacity)
	// Copy the `keep` newest samples, oldest-of-the-kept first.
	start := r.size - keep
	for i := 0; i < keep; i++ {
		newSamples[i] = r.samples[(r.head+start+i)%r.capacity]
	}
	r.samples = newSamples
	r.capacity = capacity
	r.head = 0
	r.size = keep
}

type frameRingBuffer struct {
	frames   []model.CanFrame
	capacity int
	head     int
	size     int
}

func newFrameRingBuffer(capacity int) *frameRingBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &frameRingBuffer{frames: make([]model.CanFrame, capacity), capacity: capacity}
}

func (r *frameRingBuffer) newest() (model.CanFrame, bool) {
	if r.size == 0 {
		return model.CanFrame{}, false
	}
	return r.frames[(r.head+r.size-1)%r.capacity], true
}

func (r *frameRingBuffer) append(f model.CanFrame) bool {
	if newest, ok := r.newest(); ok && f.ReceiveTimeMs < newest.ReceiveTimeMs {
		return false
	}
	idx := (r.head + r.size) % r.capacity
	r.frames[idx] = f
	if r.size < r.capacity {
		r.size++
	} else {
		r.head = (r.head + 1) % r.capacity
	}
	return true
}

func (r *frameRingBuffer) window(start, end int64) []model.CanFrame {
	out := make([]model.CanFrame, 0, r.size)
	for i := 0; i < r.size; i++ {
		f := r.frames[(r.head+i)%r.capacity]
		if f.ReceiveTimeMs >= start && f.ReceiveTimeMs < end {
			out = append(out, f)
		}
	}
	return out
}

// Stats reports telemetry counters for the history store.
type Stats struct {
	LateSamplesDropped int64
	LateFramesDropped  int64
	SignalBuffers      int
	FrameBuffers       int
}

// Store holds the rolling history the evaluator queries: per-signal sample
// ring buffers, per-(channel,frame) raw-frame ring buffers, and the latest
// DTC snapshot.
type Store struct {
	mu      sync.RWMutex
	signals map[model.SignalId]*ringBuffer
	frames  map[model.FrameKey]*frameRingBuffer
	dtcs    model.DtcInfo

	ceiling int // configured ceiling on ring-buffer capacity, in samples

	lateSamplesDropped int64
	lateFramesDropped  int64
}

// New constructs an empty Store. ceiling bounds every ring buffer's capacity
// regardless of the captureWindowMs a matrix requests (§3:
// "ringBufferCeilingSamples").
func New(ceiling int) *Store {
	if ceiling < 1 {
		ceiling = 1
	}
	return &Store{
		signals: make(map[model.SignalId]*ringBuffer),
		frames:  make(map[model.FrameKey]*frameRingBuffer),
		ceiling: ceiling,
	}
}

// capacityFor computes ring capacity from a requested window size and the
// smallest observed sample interval, bounded by the configured ceiling.
func capacityFor(windowMs int64, minIntervalMs int64, ceiling int) int {
	if minIntervalMs <= 0 {
		minIntervalMs = 1
	}
	cap64 := (windowMs + minIntervalMs - 1) / minIntervalMs
	if cap64 < 1 {
		cap64 = 1
	}
	if int(cap64) > ceiling {
		return ceiling
	}
	return int(cap64)
}

// ReconcileSignals drops buffers for signals no longer referenced, and
// allocates or resizes buffers for the signals the matrix references,
// sized by the largest captureWindowMs referencing each signal. Existing
// buffers are resized only when capacity must grow; the newest-sample
// prefix is retained either way.
func (s *Store) ReconcileSignals(referenced map[model.SignalId]int64, minIntervalMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.signals {
		if _, ok := referenced[id]; !ok {
			delete(s.signals, id)
		}
	}
	for id, windowMs := range referenced {
		want := capacityFor(windowMs, minIntervalMs, s.ceiling)
		if rb, ok := s.signals[id]; ok {
			if want > rb.capacity {
				rb.resizeKeepingNewest(want)
			}
			continue
		}
		s.signals[id] = newRingBuffer(want)
	}
}

// ReconcileFrames drops frame buffers no longer referenced and allocates
// buffers for newly referenced (channel, frame) keys.
func (s *Store) ReconcileFrames(referenced map[model.FrameKey]int64, minIntervalMs int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.frames {
		if _, ok := referenced[k]; !ok {
			delete(s.frames, k)
		}
	}
	for k, windowMs := range referenced {
		want := capacityFor(windowMs, minIntervalMs, s.ceiling)
		if rb, ok := s.frames[k]; ok {
			if want > rb.capacity {
				nfb := newFrameRingBuffer(want)
				for _, f := range rb.window(0, 1<<62) {
					nfb.append(f)
				}
				s.frames[k] = nfb
			}
			continue
		}
		s.frames[k] = newFrameRingBuffer(want)
	}
}

// AppendSample appends a sample to the named signal's buffer, if that
// signal has an allocated buffer (i.e. it is referenced by the installed
// matrix). Returns false (with a counter increment) if the sample is
// late relative to the buffer's newest entry.
func (s *Store) AppendSample(sample model.SignalSample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rb, ok := s.signals[sample.SignalID]
	if !ok {
		return false
	}
	if !rb.append(sample) {
		s.lateSamplesDropped++
		return false
	}
	return true
}

// AppendFrame appends a raw frame to its (channel, frame) buffer, if
// allocated.
func (s *Store) AppendFrame(frame model.CanFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := model.FrameKey{ChannelID: frame.ChannelID, FrameID: frame.FrameID}
	rb, ok := s.frames[key]
	if !ok {
		return false
	}
	if !rb.append(frame) {
		s.lateFramesDropped++
		return false
	}
	return true
}

// SetActiveDtcs atomically replaces the current DTC snapshot.
func (s *Store) SetActiveDtcs(info model.DtcInfo) {
	s.mu.Lock()
	s.dtcs = info
	s.mu.Unlock()
}

// ActiveDtcs returns the current DTC snapshot.
func (s *Store) ActiveDtcs() model.DtcInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dtcs
}

// WindowSamples returns, in append order, the samples for id with
// ReceiveTimeMs in [start, end).
func (s *Store) WindowSamples(id model.SignalId, start, end int64) ([]model.SignalSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rb, ok := s.signals[id]
	if !ok {
		return nil, false
	}
	return rb.window(start, end), true
}

// LatestSample returns the newest sample for id, if any.
func (s *Store) LatestSample(id model.SignalId) (model.SignalSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rb, ok := s.signals[id]
	if !ok {
		return model.SignalSample{}, false
	}
	return rb.latest()
}

// WindowFrames returns, in append order, the frames for key with
// ReceiveTimeMs in [start, end).
func (s *Store) WindowFrames(key model.FrameKey, start, end int64) ([]model.CanFrame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rb, ok := s.frames[key]
	if !ok {
		return nil, false
	}
	return rb.window(start, end), true
}

// Stats returns a snapshot of history-store telemetry counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		LateSamplesDropped: s.lateSamplesDropped,
		LateFramesDropped:  s.lateFramesDropped,
		SignalBuffers:      len(s.signals),
		FrameBuffers:       len(s.frames),
	}
}

// Package inspection implements the Inspection Engine: it owns the Signal
// History Store and the currently installed InspectionMatrix, evaluates
// every condition's root expression on each tick, and produces triggered
// payloads honoring priority, minimum publish interval, after-duration,
// rising-edge, and probability-to-send. Grounded on spec.md §4.3.
package inspection

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/edgetelemetry/collector/engine/expr"
	"github.com/edgetelemetry/collector/engine/model"
	"github.com/edgetelemetry/collector/engine/store"
)

// conditionState tracks the per-condition state machine: Undefined → False →
// True → False …, the last trigger time for min-publish-interval throttling,
// and any pending deferred emission awaiting its after-duration deadline.
type conditionState struct {
	defined          bool
	lastResult       bool
	lastTriggerMs    int64
	pending          *pendingEmission
}

// pendingEmission is a scheduled-but-not-yet-sealed payload, held until its
// emitAtMs deadline is reached by collectNextDataToSend, or superseded by a
// fresh trigger of the same condition.
type pendingEmission struct {
	emitAtMs      int64
	windowStartMs int64
	windowEndMs   int64
	triggerTimeMs int64
}

// RandomSource abstracts the uniform draw behind probability-to-send so
// tests can make it deterministic.
type RandomSource interface{ Float64() float64 }

type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 { return rand.Float64() }

// Engine owns the history store and the installed matrix, and runs the
// per-tick evaluation described in spec.md §4.3.
type Engine struct {
	history *store.Store
	clock   model.Clock
	rand    RandomSource

	dataReductionProbabilityDisabled bool

	mu     sync.RWMutex
	matrix *model.InspectionMatrix
	states map[model.ConditionId]*conditionState

	minIntervalMsForBuffers int64

	evaluatedCount atomic.Int64
	triggeredCount atomic.Int64
}

// Options configures an Engine.
type Options struct {
	RingBufferCeiling                int
	Clock                            model.Clock
	RandomSource                     RandomSource
	DataReductionProbabilityDisabled bool
	// MinObservedSampleIntervalMs sizes ring buffers alongside captureWindowMs;
	// see store.capacityFor.
	MinObservedSampleIntervalMs int64
}

// New constructs an Engine with an empty matrix installed.
func New(opts Options) *Engine {
	clock := opts.Clock
	if clock == nil {
		clock = model.SystemClock{}
	}
	rnd := opts.RandomSource
	if rnd == nil {
		rnd = defaultRandomSource{}
	}
	minInterval := opts.MinObservedSampleIntervalMs
	if minInterval <= 0 {
		minInterval = 1
	}
	return &Engine{
		history:                           store.New(opts.RingBufferCeiling),
		clock:                             clock,
		rand:                              rnd,
		dataReductionProbabilityDisabled:  opts.DataReductionProbabilityDisabled,
		matrix:                            &model.InspectionMatrix{},
		states:                            make(map[model.ConditionId]*conditionState),
		minIntervalMsForBuffers:           minInterval,
	}
}

// History exposes the store for callers needing direct buffer stats (e.g.
// health probes); the store itself stays owned by the Engine.
func (e *Engine) History() *store.Store { return e.history }

// InstallMatrix atomically replaces the active matrix and reconciles ring
// buffers: buffers for signals no longer referenced are dropped, new
// buffers are allocated sized by the largest captureWindowMs referencing
// that signal, and surviving buffers are resized only to grow, retaining
// the newest-sample prefix.
func (e *Engine) InstallMatrix(matrix *model.InspectionMatrix) {
	if matrix == nil {
		matrix = &model.InspectionMatrix{}
	}
	e.history.ReconcileSignals(matrix.MaxWindowMs, e.minIntervalMsForBuffers)

	frameWindows := make(map[model.FrameKey]int64, len(matrix.Frames))
	for k := range matrix.Frames {
		// A frame buffer is sized by the largest capture window among the
		// conditions whose FrameCollectList names that frame.
		var maxWindow int64
		for _, c := range matrix.Conditions {
			if c.CaptureWindowMs > maxWindow {
				for _, fk := range c.FrameCollectList {
					if fk == k {
						maxWindow = c.CaptureWindowMs
					}
				}
			}
		}
		frameWindows[k] = maxWindow
	}
	e.history.ReconcileFrames(frameWindows, e.minIntervalMsForBuffers)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.matrix = matrix
	fresh := make(map[model.ConditionId]*conditionState, len(matrix.Conditions))
	for _, c := range matrix.Conditions {
		if st, ok := e.states[c.ConditionID]; ok {
			fresh[c.ConditionID] = st
			continue
		}
		fresh[c.ConditionID] = &conditionState{}
	}
	e.states = fresh
}

// AddSample appends a decoded signal sample to the history store.
func (e *Engine) AddSample(s model.SignalSample) { e.history.AppendSample(s) }

// AddFrame appends a raw bus frame to the history store.
func (e *Engine) AddFrame(f model.CanFrame) { e.history.AppendFrame(f) }

// SetActiveDtcs replaces the current DTC snapshot.
func (e *Engine) SetActiveDtcs(info model.DtcInfo) { e.history.SetActiveDtcs(info) }

// EvaluateConditions runs every condition's root expression at nowMs,
// advancing its state machine and scheduling emissions per spec.md §4.3.
// Evaluation errors in one condition never affect another.
func (e *Engine) EvaluateConditions(nowMs int64) {
	e.mu.Lock()
	matrix := e.matrix
	for i := range matrix.Conditions {
		cond := &matrix.Conditions[i]
		st := e.states[cond.ConditionID]
		if st == nil {
			st = &conditionState{}
			e.states[cond.ConditionID] = st
		}
		e.evaluateOne(cond, st, nowMs)
	}
	e.mu.Unlock()
}

func (e *Engine) evaluateOne(cond *model.Condition, st *conditionState, nowMs int64) {
	e.evaluatedCount.Add(1)

	ctx := expr.Context{
		NowMs:           nowMs,
		History:         e.history,
		Dtcs:            e.history.ActiveDtcs(),
		CaptureWindowMs: cond.CaptureWindowMs,
	}
	v, err := expr.Eval(cond.Expressions, cond.Root, ctx)
	result := err == nil && v.Kind == expr.KindBool && v.Bool

	wasDefined := st.defined
	previousResult := st.lastResult
	st.defined = true

	risingEdge := result && (!wasDefined || !previousResult)
	st.lastResult = result

	if !result {
		return
	}
	if cond.TriggerOnlyRisingEdge && !risingEdge {
		return
	}
	if wasDefined && nowMs-st.lastTriggerMs < cond.MinPublishIntervalMs {
		return
	}
	if !e.dataReductionProbabilityDisabled && cond.ProbabilityToSend < 1.0 {
		if e.rand.Float64() > cond.ProbabilityToSend {
			return
		}
	}

	st.lastTriggerMs = nowMs
	e.triggeredCount.Add(1)

	windowStart := nowMs - cond.CaptureWindowMs + cond.AfterDurationMs
	windowEnd := nowMs + cond.AfterDurationMs
	st.pending = &pendingEmission{
		emitAtMs:      nowMs + cond.AfterDurationMs,
		windowStartMs: windowStart,
		windowEndMs:   windowEnd,
		triggerTimeMs: nowMs,
	}
}

// CollectNextDataToSend returns the single highest-priority, ready pending
// emission (descending priority, then ascending conditionId among ties), or
// (nil, waitHintMs) with a hint for when the next deadline is known. The
// pending emission is NOT cleared by this call — the caller must Ack it
// once durably handed off (e.g. pushed onto the output queue). Until Acked,
// repeated calls return the same payload, which is how spec.md §7's
// queue-full retry is implemented; a fresh trigger of the same condition
// before Ack overwrites the pending emission (re-trigger supersedes).
func (e *Engine) CollectNextDataToSend(nowMs int64) (*model.TriggeredCollectionSchemeData, int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	type ready struct {
		cond *model.Condition
		st   *conditionState
	}
	var readyList []ready
	waitHint := int64(-1)

	for i := range e.matrix.Conditions {
		cond := &e.matrix.Conditions[i]
		st := e.states[cond.ConditionID]
		if st == nil || st.pending == nil {
			continue
		}
		if st.pending.emitAtMs <= nowMs {
			readyList = append(readyList, ready{cond: cond, st: st})
			continue
		}
		remaining := st.pending.emitAtMs - nowMs
		if waitHint < 0 || remaining < waitHint {
			waitHint = remaining
		}
	}

	if len(readyList) == 0 {
		return nil, waitHint
	}

	sort.Slice(readyList, func(i, j int) bool {
		if readyList[i].cond.Priority != readyList[j].cond.Priority {
			return readyList[i].cond.Priority > readyList[j].cond.Priority
		}
		return readyList[i].cond.ConditionID < readyList[j].cond.ConditionID
	})

	chosen := readyList[0]
	payload := e.buildPayload(chosen.cond, chosen.st.pending)
	return payload, 0
}

// Ack clears the pending emission for conditionID, but only if it still
// matches triggerTimeMs — a stale Ack for an emission already superseded by
// a fresh trigger is a no-op, so the newer pending emission survives.
func (e *Engine) Ack(conditionID model.ConditionId, triggerTimeMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.states[conditionID]
	if st == nil || st.pending == nil {
		return
	}
	if st.pending.triggerTimeMs == triggerTimeMs {
		st.pending = nil
	}
}

func (e *Engine) buildPayload(cond *model.Condition, pending *pendingEmission) *model.TriggeredCollectionSchemeData {
	payload := &model.TriggeredCollectionSchemeData{
		ConditionID:       cond.ConditionID,
		Priority:          cond.Priority,
		WindowStartMs:     pending.windowStartMs,
		WindowEndMs:       pending.windowEndMs,
		PersistNeeded:     cond.PersistNeeded,
		CompressionNeeded: cond.CompressionNeeded,
		TriggerTimeMs:     pending.triggerTimeMs,
	}
	for _, sid := range cond.SignalCollectList {
		samples, ok := e.history.WindowSamples(sid, pending.windowStartMs, pending.windowEndMs)
		if !ok {
			continue
		}
		payload.Signals = append(payload.Signals, model.CollectedSignalSamples{SignalID: sid, Samples: samples})
	}
	for _, key := range cond.FrameCollectList {
		frames, ok := e.history.WindowFrames(key, pending.windowStartMs, pending.windowEndMs)
		if !ok {
			continue
		}
		payload.Frames = append(payload.Frames, model.CollectedFrame{Key: key, Frames: frames})
	}
	if cond.IncludeActiveDtcs {
		dtcs := e.history.ActiveDtcs()
		payload.Dtcs = &dtcs
	}
	return payload
}

// Stats exposes evaluation counters for telemetry.
type Stats struct {
	Evaluated int64
	Triggered int64
}

func (e *Engine) Stats() Stats {
	return Stats{Evaluated: e.evaluatedCount.Load(), Triggered: e.triggeredCount.Load()}
}

// Worker drives an Engine on a single goroutine: it drains the input
// queues, decides when to re-evaluate conditions, drains ready payloads
// into the output queue with retry-on-full, and idles until the next
// deadline or an external wake. Grounded on the original worker thread's
// doWork loop (CollectionInspectionWorkerThread.cpp), rendered as a single
// goroutine plus wait.Waiter instead of a pthread condition variable.
package inspection

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/edgetelemetry/collector/engine/config"
	"github.com/edgetelemetry/collector/engine/model"
	"github.com/edgetelemetry/collector/engine/queue"
	"github.com/edgetelemetry/collector/engine/telemetry/events"
	"github.com/edgetelemetry/collector/engine/telemetry/logging"
	"github.com/edgetelemetry/collector/engine/wait"
)

func msDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// Worker owns one Engine and the queues feeding and draining it.
type Worker struct {
	engine *Engine
	clock  model.Clock
	wait   *wait.Waiter
	log    logging.Logger
	bus    events.Bus

	signals *queue.Queue[model.SignalSample]
	frames  *queue.Queue[model.CanFrame]
	dtcs    *queue.Queue[model.DtcInfo]
	output  *queue.Queue[*model.TriggeredCollectionSchemeData]

	evaluateIntervalMs     int64
	inputBatchTriggerCount int
	idleTimeMs             int64

	shouldStop atomic.Bool

	matrixAvailable atomic.Bool
}

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	Engine  *Engine
	Clock   model.Clock
	Waiter  *wait.Waiter
	Log     logging.Logger
	Bus     events.Bus
	Signals *queue.Queue[model.SignalSample]
	Frames  *queue.Queue[model.CanFrame]
	Dtcs    *queue.Queue[model.DtcInfo]
	Output  *queue.Queue[*model.TriggeredCollectionSchemeData]
	Config  *config.Config
}

// NewWorker constructs a Worker. Panics if Engine or Config is nil; those
// are programmer errors, not runtime conditions.
func NewWorker(opts WorkerOptions) *Worker {
	if opts.Engine == nil {
		panic("inspection: NewWorker requires an Engine")
	}
	if opts.Config == nil {
		panic("inspection: NewWorker requires a Config")
	}
	clock := opts.Clock
	if clock == nil {
		clock = model.SystemClock{}
	}
	w := opts.Waiter
	if w == nil {
		w = wait.New()
	}
	log := opts.Log
	if log == nil {
		log = logging.New(nil)
	}
	return &Worker{
		engine:                 opts.Engine,
		clock:                  clock,
		wait:                   w,
		log:                    log,
		bus:                    opts.Bus,
		signals:                opts.Signals,
		frames:                 opts.Frames,
		dtcs:                   opts.Dtcs,
		output:                 opts.Output,
		evaluateIntervalMs:     opts.Config.EvaluateIntervalMs,
		inputBatchTriggerCount: opts.Config.InputBatchTriggerCount,
		idleTimeMs:             opts.Config.IdleTimeMs,
	}
}

// InstallMatrix installs a newly compiled matrix and wakes the worker if it
// is idling on the "no matrix yet" wait.
func (w *Worker) InstallMatrix(matrix *model.InspectionMatrix) {
	w.engine.InstallMatrix(matrix)
	w.matrixAvailable.Store(true)
	w.wait.Notify()
}

// Notify wakes the worker loop outside of its own idle-timeout cadence,
// e.g. when new scheme activity installs a matrix or the caller wants an
// out-of-band evaluation.
func (w *Worker) Notify() { w.wait.Notify() }

// Stop requests the run loop exit at its next iteration and wakes it if
// idling.
func (w *Worker) Stop() {
	w.shouldStop.Store(true)
	w.wait.Notify()
}

func (w *Worker) stopped() bool { return w.shouldStop.Load() }

// Run executes the worker loop until Stop is called or ctx is done.
// Intended to be run on its own goroutine.
func (w *Worker) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		w.Stop()
	}()

	var lastEvaluatedMs int64
	var inputsSinceEvaluate int

	for !w.stopped() {
		if !w.matrixAvailable.Load() {
			w.wait.WaitWithPredicate(func() bool {
				return w.matrixAvailable.Load() || w.stopped()
			})
			continue
		}

		readyToSleep := true
		latestInputMs := lastEvaluatedMs

		if s, ok := w.signals.Pop(); ok {
			w.engine.AddSample(s)
			inputsSinceEvaluate++
			readyToSleep = false
			if s.ReceiveTimeMs > latestInputMs {
				latestInputMs = s.ReceiveTimeMs
			}
		}
		if f, ok := w.frames.Pop(); ok {
			w.engine.AddFrame(f)
			inputsSinceEvaluate++
			readyToSleep = false
			if f.ReceiveTimeMs > latestInputMs {
				latestInputMs = f.ReceiveTimeMs
			}
		}
		if d, ok := w.dtcs.Pop(); ok {
			w.engine.SetActiveDtcs(d)
			inputsSinceEvaluate++
			readyToSleep = false
		}

		nowMs := w.clock.NowMs()
		shouldEvaluate := latestInputMs-lastEvaluatedMs >= w.evaluateIntervalMs ||
			inputsSinceEvaluate >= w.inputBatchTriggerCount

		// Secondary trigger: nothing new arrived this tick, but enough
		// wall-clock time has passed since the last evaluation that a
		// time-only condition (e.g. a window aggregate crossing a
		// threshold with no new sample) may now be due.
		if readyToSleep && nowMs-lastEvaluatedMs >= w.evaluateIntervalMs {
			shouldEvaluate = true
		}

		if shouldEvaluate {
			w.engine.EvaluateConditions(nowMs)
			lastEvaluatedMs = nowMs
			inputsSinceEvaluate = 0
		}

		waitTimeMs := w.drainOutput(ctx, nowMs, &readyToSleep)

		if readyToSleep {
			timeout := w.idleTimeMs
			if waitTimeMs >= 0 && waitTimeMs < timeout {
				timeout = waitTimeMs
			}
			w.wait.Wait(msDuration(timeout))
		}
	}
}

// drainOutput pushes every ready payload onto the output queue, retrying a
// payload that doesn't fit rather than dropping it or Acking it early; the
// Engine keeps returning the same payload until Acked. Returns the wait
// hint for the next not-yet-ready deadline, or -1 if none is pending.
func (w *Worker) drainOutput(ctx context.Context, nowMs int64, readyToSleep *bool) int64 {
	for {
		payload, waitHint := w.engine.CollectNextDataToSend(nowMs)
		if payload == nil {
			return waitHint
		}
		*readyToSleep = false

		if !w.output.Push(payload) {
			w.log.WarnCtx(ctx, "inspection: output queue full, will retry",
				slog.Any("condition_id", payload.ConditionID))
			return 0
		}

		w.engine.Ack(payload.ConditionID, payload.TriggerTimeMs)
		if w.bus != nil {
			_ = w.bus.Publish(events.Event{
				Category: events.CategoryInspection,
				Type:     "triggered",
				Fields: map[string]any{
					"condition_id": payload.ConditionID,
					"priority":     payload.Priority,
				},
			})
		}

		if w.stopped() {
			return 0
		}
	}
}

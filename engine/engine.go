// Package engine composes the edge collection and inspection pipeline:
// the Scheme Manager, the Inspection Engine and its Worker, the queues
// connecting decoded input to triggered output, and the telemetry and
// persistence collaborators they share. It is the single entry point a
// host binary embeds. Grounded on the teacher's top-level engine.Engine
// facade (engine/engine.go): a struct composing subsystems behind
// Start/Stop/Snapshot, a functional-options constructor, and a health
// evaluator wired from closures over live engine state.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgetelemetry/collector/engine/config"
	"github.com/edgetelemetry/collector/engine/inspection"
	"github.com/edgetelemetry/collector/engine/model"
	"github.com/edgetelemetry/collector/engine/persistence"
	"github.com/edgetelemetry/collector/engine/queue"
	"github.com/edgetelemetry/collector/engine/scheme"
	"github.com/edgetelemetry/collector/engine/telemetry/events"
	"github.com/edgetelemetry/collector/engine/telemetry/health"
	"github.com/edgetelemetry/collector/engine/telemetry/logging"
	"github.com/edgetelemetry/collector/engine/telemetry/metrics"
	"github.com/edgetelemetry/collector/engine/telemetry/tracing"
	"github.com/edgetelemetry/collector/engine/transport"
)

// Snapshot reports a point-in-time view of the running engine, merging the
// scheme manager's bookkeeping with the inspection engine's counters.
type Snapshot struct {
	Scheme     scheme.Snapshot
	Evaluated  int64
	Triggered  int64
	SignalsLen int
	FramesLen  int
	DtcsLen    int
	OutputLen  int
}

// Engine wires together the Scheme Manager, Inspection Engine, and
// Inspection Worker around a shared set of bounded queues, and exposes the
// lifecycle and observability surface a host binary embeds.
type Engine struct {
	cfg *config.Config

	store     persistence.Store
	transport transport.Transport
	bus       events.Bus
	metrics   metrics.Provider
	tracer    tracing.Tracer
	log       logging.Logger

	signalQueue *queue.Queue[model.SignalSample]
	frameQueue  *queue.Queue[model.CanFrame]
	dtcQueue    *queue.Queue[model.DtcInfo]
	outputQueue *queue.Queue[*model.TriggeredCollectionSchemeData]

	inspectionEngine *inspection.Engine
	worker           *inspection.Worker
	schemeManager    *scheme.Manager

	health *health.Evaluator

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started atomic.Bool

	ownedStore bool
}

// optionFn customizes an Engine beyond what Config alone carries, mirroring
// the teacher's functional-options constructor.
type optionFn func(*Engine)

// WithTransport overrides the default in-memory transport.Recorder.
func WithTransport(t transport.Transport) optionFn {
	return func(e *Engine) { e.transport = t }
}

// WithStore overrides the default persistence store derived from
// Config.PersistenceDir.
func WithStore(s persistence.Store) optionFn {
	return func(e *Engine) { e.store = s; e.ownedStore = false }
}

// WithEventBus overrides the default event bus.
func WithEventBus(b events.Bus) optionFn {
	return func(e *Engine) { e.bus = b }
}

// WithLogger overrides the default logger.
func WithLogger(l logging.Logger) optionFn {
	return func(e *Engine) { e.log = l }
}

// New constructs an Engine from cfg, wiring telemetry, persistence, the
// scheme manager, and the inspection engine/worker pair. Options let a
// host binary substitute the transport, persistence store, event bus or
// logger (e.g. a real MQTT transport or a shared badger handle) without
// touching the defaults.
func New(cfg *config.Config, opts ...optionFn) (*Engine, error) {
	if cfg == nil {
		cfg = config.Defaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}

	if e.metrics == nil {
		e.metrics = newMetricsProvider(cfg)
	}
	if e.tracer == nil {
		e.tracer = tracing.NewTracer(cfg.TracingEnabled)
	}
	if e.log == nil {
		e.log = logging.New(nil)
	}
	if e.bus == nil {
		e.bus = events.NewBus(e.metrics)
	}
	if e.transport == nil {
		e.transport = transport.NewRecorder()
	}
	if e.store == nil {
		store, err := openStore(cfg)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		e.store = store
		e.ownedStore = true
	}

	e.signalQueue = queue.New[model.SignalSample](cfg.SignalQueueCapacity)
	e.frameQueue = queue.New[model.CanFrame](cfg.FrameQueueCapacity)
	e.dtcQueue = queue.New[model.DtcInfo](cfg.DtcQueueCapacity)
	e.outputQueue = queue.New[*model.TriggeredCollectionSchemeData](cfg.OutputQueueCapacity)

	e.inspectionEngine = inspection.New(inspection.Options{
		RingBufferCeiling:                cfg.RingBufferCeilingSamples,
		DataReductionProbabilityDisabled: cfg.DataReductionProbabilityDisabled,
	})

	e.worker = inspection.NewWorker(inspection.WorkerOptions{
		Engine:  e.inspectionEngine,
		Log:     e.log,
		Bus:     e.bus,
		Signals: e.signalQueue,
		Frames:  e.frameQueue,
		Dtcs:    e.dtcQueue,
		Output:  e.outputQueue,
		Config:  cfg,
	})

	e.schemeManager = scheme.New(scheme.Options{
		Store:              e.store,
		Transport:          e.transport,
		Log:                e.log,
		Bus:                e.bus,
		MaxExpressionDepth: cfg.MaxExpressionDepth,
		CheckinIntervalMs:  cfg.CheckinIntervalMs,
	})
	e.schemeManager.SetMatrixListener(e.worker.InstallMatrix)

	e.health = health.NewEvaluator(0, e.healthProbes()...)

	return e, nil
}

func newMetricsProvider(cfg *config.Config) metrics.Provider {
	if !cfg.MetricsEnabled {
		return metrics.NewNoopProvider()
	}
	switch cfg.MetricsBackend {
	case "otel":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{
			ServiceName:      "edge-collector",
			CardinalityLimit: cfg.CardinalityLimit,
		})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{
			CardinalityLimit: cfg.CardinalityLimit,
		})
	}
}

func openStore(cfg *config.Config) (persistence.Store, error) {
	if cfg.PersistenceDir == "" {
		return persistence.NewMemoryStore(), nil
	}
	return persistence.OpenBadgerStore(cfg.PersistenceDir)
}

func (e *Engine) healthProbes() []health.Probe {
	return []health.Probe{
		health.QueueProbe("signal_queue", e.signalQueue.Dropped, e.signalQueue.Cap, e.signalQueue.Len),
		health.QueueProbe("frame_queue", e.frameQueue.Dropped, e.frameQueue.Cap, e.frameQueue.Len),
		health.QueueProbe("dtc_queue", e.dtcQueue.Dropped, e.dtcQueue.Cap, e.dtcQueue.Len),
		health.QueueProbe("output_queue", e.outputQueue.Dropped, e.outputQueue.Cap, e.outputQueue.Len),
		health.PersistenceProbe("persistence", func(ctx context.Context) error {
			_, err := e.store.Size(persistence.KeyManifest)
			if err == persistence.ErrNotFound {
				return nil
			}
			return err
		}),
		health.PersistenceProbe("metrics_backend", e.metrics.Health),
	}
}

// InjectSignal feeds a decoded signal sample into the pipeline. Safe to
// call from any goroutine; a full queue drops the sample and increments
// its drop counter rather than blocking the caller.
func (e *Engine) InjectSignal(s model.SignalSample) bool {
	ok := e.signalQueue.Push(s)
	if ok {
		e.worker.Notify()
	}
	return ok
}

// InjectFrame feeds a raw CAN frame into the pipeline.
func (e *Engine) InjectFrame(f model.CanFrame) bool {
	ok := e.frameQueue.Push(f)
	if ok {
		e.worker.Notify()
	}
	return ok
}

// InjectDtcs feeds a fresh active-DTC snapshot into the pipeline.
func (e *Engine) InjectDtcs(d model.DtcInfo) bool {
	ok := e.dtcQueue.Push(d)
	if ok {
		e.worker.Notify()
	}
	return ok
}

// OnCollectionSchemeUpdate forwards a raw collection scheme list update to
// the Scheme Manager.
func (e *Engine) OnCollectionSchemeUpdate(raw []byte) error {
	return e.schemeManager.OnCollectionSchemeUpdate(raw)
}

// OnDecoderManifestUpdate forwards a raw decoder manifest update to the
// Scheme Manager.
func (e *Engine) OnDecoderManifestUpdate(raw []byte) error {
	return e.schemeManager.OnDecoderManifestUpdate(raw)
}

// DrainOutput pops the next triggered payload ready for transport, if any.
// While the engine runs, its sender goroutine (runSender) pops the same
// queue and publishes through the configured Transport, so a payload taken
// here is not published there.
func (e *Engine) DrainOutput() (*model.TriggeredCollectionSchemeData, bool) {
	return e.outputQueue.Pop()
}

// Start launches the scheme manager and inspection worker goroutines, plus
// a sender goroutine relaying the output queue to Transport. It returns
// right after launching them, without waiting for them to run. Stop tears
// them down; cancelling ctx has the same
// effect, via an internal watcher that calls Stop on ctx.Done(), the same
// pattern the scheme manager and worker use internally.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return fmt.Errorf("engine: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(3)
	go func() { defer e.wg.Done(); e.schemeManager.Run(runCtx) }()
	go func() { defer e.wg.Done(); e.worker.Run(runCtx) }()
	go func() { defer e.wg.Done(); e.runSender(runCtx) }()

	go func() {
		<-ctx.Done()
		e.Stop()
	}()

	e.log.InfoCtx(ctx, "engine: started")
	return nil
}

// runSender relays delivered payloads from the output queue to Transport,
// the external publish step spec.md §5 places downstream of the worker. It
// wakes immediately on ctx cancellation or a fresh "triggered" event from
// the bus, falling back to IdleTime polling only as a backstop, matching
// the worker's and scheme manager's own wait.Waiter-driven idle loops.
func (e *Engine) runSender(ctx context.Context) {
	sub, err := e.bus.Subscribe(32)
	if err != nil {
		e.log.WarnCtx(ctx, "engine: sender falling back to polling, bus subscribe failed", "err", err)
	} else {
		defer sub.Close()
	}

	for {
		for {
			payload, ok := e.outputQueue.Pop()
			if !ok {
				break
			}
			if err := e.transport.Publish(*payload); err != nil {
				e.log.WarnCtx(ctx, "engine: transport publish failed", "condition_id", payload.ConditionID, "err", err)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-subscriptionC(sub):
		case <-time.After(e.cfg.IdleTime()):
		}
	}
}

// subscriptionC returns sub's channel, or a nil channel (which blocks
// forever in a select) when sub is nil.
func subscriptionC(sub events.Subscription) <-chan events.Event {
	if sub == nil {
		return nil
	}
	return sub.C()
}

// Stop requests every owned goroutine to exit and waits for them to
// return, then releases an owned persistence store.
func (e *Engine) Stop() {
	if !e.started.CompareAndSwap(true, false) {
		return
	}
	e.schemeManager.Stop()
	e.worker.Stop()
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	if e.ownedStore {
		_ = e.store.Close()
	}
}

// Snapshot reports current bookkeeping, for a host's status endpoint.
func (e *Engine) Snapshot() Snapshot {
	stats := e.inspectionEngine.Stats()
	return Snapshot{
		Scheme:     e.schemeManager.Snapshot(),
		Evaluated:  stats.Evaluated,
		Triggered:  stats.Triggered,
		SignalsLen: e.signalQueue.Len(),
		FramesLen:  e.frameQueue.Len(),
		DtcsLen:    e.dtcQueue.Len(),
		OutputLen:  e.outputQueue.Len(),
	}
}

// HealthSnapshot evaluates every registered probe, caching results for the
// evaluator's TTL.
func (e *Engine) HealthSnapshot(ctx context.Context) health.Snapshot {
	return e.health.Evaluate(ctx)
}

// RegisterHealthProbe adds an additional probe (e.g. a host-owned
// transport connectivity check) to the evaluator.
func (e *Engine) RegisterHealthProbe(p health.Probe) {
	e.health.Register(p)
}

// Subscribe exposes the internal event bus to external observers (e.g. a
// host binary bridging into its own logging or alerting pipeline).
func (e *Engine) Subscribe(buffer int) (events.Subscription, error) {
	return e.bus.Subscribe(buffer)
}

// MetricsHandler returns the Prometheus scrape handler when the configured
// backend is Prometheus, or nil otherwise.
func (e *Engine) MetricsHandler() (http.Handler, bool) {
	p, ok := e.metrics.(*metrics.PrometheusProvider)
	if !ok {
		return nil, false
	}
	return p.MetricsHandler(), true
}

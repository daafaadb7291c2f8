// Package scheme implements the Scheme Manager: it owns the enabled/idle
// scheme maps, the active decoder manifest, and a time-ordered deadline
// timeline that schedules scheme activation and expiry. On any admissible
// change it runs the Rule Compiler and publishes the resulting
// InspectionMatrix to the Inspection Worker via a listener callback.
// Grounded on spec.md §4.5 and the original's ICollectionSchemeManager
// main loop (CollectionSchemeManager.cpp), rendered as a single
// cooperative goroutine in the manner of the Inspection Worker.
package scheme

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/edgetelemetry/collector/engine/compiler"
	"github.com/edgetelemetry/collector/engine/model"
	"github.com/edgetelemetry/collector/engine/persistence"
	"github.com/edgetelemetry/collector/engine/telemetry/events"
	"github.com/edgetelemetry/collector/engine/telemetry/logging"
	"github.com/edgetelemetry/collector/engine/transport"
	"github.com/edgetelemetry/collector/engine/wait"
)

// MatrixListener receives every freshly compiled matrix, replacing the
// previous one. Invoked synchronously from the manager's own loop.
type MatrixListener func(*model.InspectionMatrix)

// DictionaryListener receives the manifest installed by the most recent
// accepted manifest update, so bus decoders can reconfigure.
type DictionaryListener func(*model.DecoderManifest)

type deadlineHeap []model.Deadline

func (h deadlineHeap) Len() int { return len(h) }
func (h deadlineHeap) Less(i, j int) bool {
	if h[i].TimeMs != h[j].TimeMs {
		return h[i].TimeMs < h[j].TimeMs
	}
	return h[i].SchemeID < h[j].SchemeID
}
func (h deadlineHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x any)   { *h = append(*h, x.(model.Deadline)) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Manager is the Scheme Manager. All mutable state is protected by mu; the
// timeline, scheme maps, and manifest are exclusively manager-owned per
// spec.md §3's ownership rule.
type Manager struct {
	mu sync.Mutex

	enabled  map[model.SchemeId]model.Scheme
	idle     map[model.SchemeId]model.Scheme
	manifest *model.DecoderManifest

	timeline deadlineHeap

	pendingSchemes    []model.Scheme
	pendingSchemesRaw []byte
	schemeListPending bool

	pendingManifest    *model.DecoderManifest
	pendingManifestRaw []byte
	manifestPending    bool

	store     persistence.Store
	transport transport.Transport
	clock     model.Clock
	wait      *wait.Waiter
	log       logging.Logger
	bus       events.Bus

	maxExpressionDepth int
	checkinIntervalMs  int64
	lastCheckinMs      int64

	matrixListener     MatrixListener
	dictionaryListener DictionaryListener

	shouldStop atomic.Bool

	generation atomic.Uint64
}

// Options configures a Manager.
type Options struct {
	Store              persistence.Store
	Transport          transport.Transport
	Clock              model.Clock
	Waiter             *wait.Waiter
	Log                logging.Logger
	Bus                events.Bus
	MaxExpressionDepth int
	CheckinIntervalMs  int64
}

// New constructs a Manager and attempts to restore the last accepted
// manifest and scheme list from opts.Store, per spec.md §4.5's persistence
// contract. A restore failure (including ErrNotFound) leaves the manager
// in its empty starting state; it is not treated as a fatal error.
func New(opts Options) *Manager {
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
	depth := opts.MaxExpressionDepth
	if depth <= 0 {
		depth = compiler.DefaultMaxDepth
	}
	m := &Manager{
		enabled:            make(map[model.SchemeId]model.Scheme),
		idle:               make(map[model.SchemeId]model.Scheme),
		store:              opts.Store,
		transport:          opts.Transport,
		clock:              clock,
		wait:               w,
		log:                log,
		bus:                opts.Bus,
		maxExpressionDepth: depth,
		checkinIntervalMs:  opts.CheckinIntervalMs,
	}
	m.restore()
	return m
}

func (m *Manager) restore() {
	if m.store == nil {
		return
	}
	if raw, err := m.store.Read(persistence.KeyManifest); err == nil {
		var manifest model.DecoderManifest
		if jsonErr := json.Unmarshal(raw, &manifest); jsonErr == nil {
			m.manifest = &manifest
			m.pendingManifestRaw = raw
		}
	}
	if raw, err := m.store.Read(persistence.KeySchemeList); err == nil {
		var schemes []model.Scheme
		if jsonErr := json.Unmarshal(raw, &schemes); jsonErr == nil {
			for _, s := range schemes {
				m.idle[s.SchemeID] = s
				heap.Push(&m.timeline, model.Deadline{TimeMs: s.StartTimeMs, SchemeID: s.SchemeID, Kind: model.DeadlineActivate})
			}
		}
	}
}

// SetMatrixListener installs the callback invoked with every freshly
// compiled matrix. Must be called before Run starts delivering updates.
func (m *Manager) SetMatrixListener(l MatrixListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.matrixListener = l
}

// SetDictionaryListener installs the callback invoked with every accepted
// decoder manifest.
func (m *Manager) SetDictionaryListener(l DictionaryListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dictionaryListener = l
}

// OnCollectionSchemeUpdate ingests a raw scheme-list update from transport.
// The raw bytes are retained verbatim for persistence; parsing failures are
// returned to the caller without mutating manager state.
func (m *Manager) OnCollectionSchemeUpdate(raw []byte) error {
	var schemes []model.Scheme
	if err := json.Unmarshal(raw, &schemes); err != nil {
		return fmt.Errorf("scheme: parse scheme list: %w", err)
	}
	m.mu.Lock()
	m.pendingSchemes = schemes
	m.pendingSchemesRaw = raw
	m.schemeListPending = true
	m.mu.Unlock()
	m.wait.Notify()
	return nil
}

// OnDecoderManifestUpdate ingests a raw manifest update from transport.
func (m *Manager) OnDecoderManifestUpdate(raw []byte) error {
	var manifest model.DecoderManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("scheme: parse decoder manifest: %w", err)
	}
	m.mu.Lock()
	m.pendingManifest = &manifest
	m.pendingManifestRaw = raw
	m.manifestPending = true
	m.mu.Unlock()
	m.wait.Notify()
	return nil
}

// Stop requests the run loop exit at its next iteration.
func (m *Manager) Stop() {
	m.shouldStop.Store(true)
	m.wait.Notify()
}

func (m *Manager) stopped() bool { return m.shouldStop.Load() }

// Run executes the manager's cooperative loop until Stop is called or ctx
// is done.
func (m *Manager) Run(ctx context.Context) {
	go func() {
		<-ctx.Done()
		m.Stop()
	}()

	for !m.stopped() {
		waitHint := m.RunOnce(m.clock.NowMs())
		if m.stopped() {
			return
		}
		m.wait.Wait(msDuration(waitHint))
	}
}

func msDuration(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// RunOnce executes one iteration of steps 1-5 of spec.md §4.5's main loop
// at nowMs and returns a wait hint in milliseconds for step 6 (-1 if no
// deadline is currently known).
func (m *Manager) RunOnce(nowMs int64) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	enabledChanged := false

	switch {
	case m.manifestPending:
		m.applyManifestChange(nowMs)
		enabledChanged = true
		m.manifestPending = false
	case m.schemeListPending:
		if m.applySchemeListUpdate(nowMs) {
			enabledChanged = true
		}
		m.schemeListPending = false
	}

	if m.popDeadlines(nowMs) {
		enabledChanged = true
	}

	if enabledChanged {
		m.recompile()
	}

	m.maybeCheckin(nowMs)

	return m.nextWaitHint(nowMs)
}

// applyManifestChange implements step 1: persist the manifest, notify the
// dictionary listener, discard schemes referencing a different manifest
// id, and rebuild the timeline from the survivors.
func (m *Manager) applyManifestChange(nowMs int64) {
	manifest := m.pendingManifest
	if manifest == nil || (m.manifest != nil && manifest.ManifestID == m.manifest.ManifestID) {
		return
	}
	m.manifest = manifest
	if m.store != nil && m.pendingManifestRaw != nil {
		if err := m.store.Write(persistence.KeyManifest, m.pendingManifestRaw); err != nil {
			m.warn("persist manifest failed", "error", err)
		}
	}
	if m.dictionaryListener != nil {
		m.dictionaryListener(manifest)
	}

	for id, s := range m.idle {
		if s.DecoderManifestID != manifest.ManifestID {
			delete(m.idle, id)
		}
	}
	for id, s := range m.enabled {
		if s.DecoderManifestID != manifest.ManifestID {
			delete(m.enabled, id)
		}
	}
	m.rebuildTimeline()
	m.publish(events.CategoryManifest, "installed", map[string]any{"manifest_id": manifest.ManifestID})
}

func (m *Manager) rebuildTimeline() {
	m.timeline = m.timeline[:0]
	for _, s := range m.idle {
		heap.Push(&m.timeline, model.Deadline{TimeMs: s.StartTimeMs, SchemeID: s.SchemeID, Kind: model.DeadlineActivate})
	}
	for _, s := range m.enabled {
		heap.Push(&m.timeline, model.Deadline{TimeMs: s.ExpiryTimeMs, SchemeID: s.SchemeID, Kind: model.DeadlineExpire})
	}
}

// applySchemeListUpdate implements step 2: incremental insert/delete
// against the new desired set, leaving unchanged schemes in place.
func (m *Manager) applySchemeListUpdate(nowMs int64) bool {
	changed := false
	seen := make(map[model.SchemeId]struct{}, len(m.pendingSchemes))

	for _, s := range m.pendingSchemes {
		seen[s.SchemeID] = struct{}{}
		_, inIdle := m.idle[s.SchemeID]
		_, inEnabled := m.enabled[s.SchemeID]
		if inIdle || inEnabled {
			continue
		}
		m.idle[s.SchemeID] = s
		heap.Push(&m.timeline, model.Deadline{TimeMs: s.StartTimeMs, SchemeID: s.SchemeID, Kind: model.DeadlineActivate})
	}

	for id := range m.idle {
		if _, ok := seen[id]; !ok {
			delete(m.idle, id)
			changed = true
		}
	}
	for id := range m.enabled {
		if _, ok := seen[id]; !ok {
			delete(m.enabled, id)
			changed = true
		}
	}

	if m.store != nil && m.pendingSchemesRaw != nil {
		if err := m.store.Write(persistence.KeySchemeList, m.pendingSchemesRaw); err != nil {
			m.warn("persist scheme list failed", "error", err)
		}
	}
	m.publish(events.CategoryScheme, "list_updated", map[string]any{"count": len(m.pendingSchemes)})
	return changed
}

// popDeadlines implements step 3: pop every deadline due at or before
// nowMs, applying ACTIVATE/EXPIRE transitions and discarding stale entries
// whose scheme no longer exists in the state the deadline expects.
func (m *Manager) popDeadlines(nowMs int64) bool {
	changed := false
	for m.timeline.Len() > 0 && m.timeline[0].TimeMs <= nowMs {
		d := heap.Pop(&m.timeline).(model.Deadline)
		switch d.Kind {
		case model.DeadlineActivate:
			s, ok := m.idle[d.SchemeID]
			if !ok {
				continue
			}
			delete(m.idle, d.SchemeID)
			m.enabled[d.SchemeID] = s
			heap.Push(&m.timeline, model.Deadline{TimeMs: s.ExpiryTimeMs, SchemeID: s.SchemeID, Kind: model.DeadlineExpire})
			changed = true
		case model.DeadlineExpire:
			if _, ok := m.enabled[d.SchemeID]; !ok {
				continue
			}
			delete(m.enabled, d.SchemeID)
			changed = true
		}
	}
	return changed
}

// recompile implements step 4: compile the enabled set against the active
// manifest and publish the result to the matrix listener.
func (m *Manager) recompile() {
	if m.manifest == nil {
		return
	}
	result := compiler.Compile(m.enabled, m.manifest, compiler.Options{MaxDepth: m.maxExpressionDepth})
	gen := m.generation.Add(1)

	for _, rej := range result.Rejections {
		m.warn("scheme rejected by compiler", "scheme_id", rej.SchemeID, "reason", rej.Reason)
	}
	if m.matrixListener != nil {
		m.matrixListener(result.Matrix)
	}
	m.publish(events.CategoryScheme, "matrix_published", map[string]any{
		"generation":  gen,
		"generation_id": uuid.NewString(),
		"conditions":  len(result.Matrix.Conditions),
		"rejections":  len(result.Rejections),
	})
}

// maybeCheckin implements step 5: emit a periodic checkin summary
// independent of any matrix change.
func (m *Manager) maybeCheckin(nowMs int64) {
	if m.checkinIntervalMs <= 0 || m.transport == nil {
		return
	}
	if nowMs-m.lastCheckinMs < m.checkinIntervalMs {
		return
	}
	ids := make([]model.SchemeId, 0, len(m.enabled))
	for id := range m.enabled {
		ids = append(ids, id)
	}
	var manifestID uint32
	if m.manifest != nil {
		manifestID = m.manifest.ManifestID
	}
	data, err := json.Marshal(struct {
		EnabledSchemeIDs []model.SchemeId `json:"enabledSchemeIds"`
		ManifestID       uint32            `json:"manifestId"`
		TimeMs           int64             `json:"timeMs"`
	}{EnabledSchemeIDs: ids, ManifestID: manifestID, TimeMs: nowMs})
	if err != nil {
		m.warn("marshal checkin failed", "error", err)
		return
	}
	if err := m.transport.SendCheckin(data); err != nil {
		m.warn("send checkin failed", "error", err)
		return
	}
	m.lastCheckinMs = nowMs
}

// nextWaitHint implements step 6's scheduling input: the time until the
// next known deadline, or the configured checkin interval if sooner, or -1
// if nothing is scheduled.
func (m *Manager) nextWaitHint(nowMs int64) int64 {
	hint := int64(-1)
	if m.timeline.Len() > 0 {
		remaining := m.timeline[0].TimeMs - nowMs
		if remaining < 0 {
			remaining = 0
		}
		hint = remaining
	}
	if m.checkinIntervalMs > 0 {
		remaining := m.checkinIntervalMs - (nowMs - m.lastCheckinMs)
		if remaining < 0 {
			remaining = 0
		}
		if hint < 0 || remaining < hint {
			hint = remaining
		}
	}
	return hint
}

func (m *Manager) publish(category, typ string, fields map[string]any) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(events.Event{Category: category, Type: typ, Severity: "info", Fields: fields})
}

func (m *Manager) warn(msg string, args ...any) {
	m.log.WarnCtx(context.Background(), "scheme: "+msg, toSlogArgs(args)...)
	if m.bus != nil {
		_ = m.bus.Publish(events.Event{
			Category: events.CategoryScheme,
			Type:     "warning",
			Severity: "warn",
			Fields:   map[string]any{"message": msg},
		})
	}
}

func toSlogArgs(args []any) []any {
	out := make([]any, 0, len(args))
	for i := 0; i+1 < len(args); i += 2 {
		key, _ := args[i].(string)
		out = append(out, slog.Any(key, args[i+1]))
	}
	return out
}

// Snapshot reports the current scheme and manifest state, for tests and
// health probes.
type Snapshot struct {
	EnabledCount int
	IdleCount    int
	ManifestID   uint32
	HasManifest  bool
}

func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Snapshot{EnabledCount: len(m.enabled), IdleCount: len(m.idle)}
	if m.manifest != nil {
		s.HasManifest = true
		s.ManifestID = m.manifest.ManifestID
	}
	return s
}

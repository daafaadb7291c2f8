// Package compiler turns an enabled scheme set plus a decoder manifest into
// an InspectionMatrix: the worker's compiled, immutable rule set. Grounded
// on spec.md §4.6; mirrors the teacher's habit of returning a result plus a
// slice of per-item problems rather than failing the whole batch.
package compiler

import (
	"fmt"

	"github.com/edgetelemetry/collector/engine/model"
)

// DefaultMaxDepth is used when Options.MaxDepth is zero.
const DefaultMaxDepth = 10

// Options configures a compile pass.
type Options struct {
	// MaxDepth bounds expression tree depth; trees exceeding it are rejected.
	// Zero means DefaultMaxDepth.
	MaxDepth int
}

// Rejection records why a scheme did not survive compilation.
type Rejection struct {
	SchemeID model.SchemeId
	Reason   string
}

func (r Rejection) Error() string {
	return fmt.Sprintf("scheme %d rejected: %s", r.SchemeID, r.Reason)
}

// Result is the outcome of one compile pass.
type Result struct {
	Matrix     *model.InspectionMatrix
	Rejections []Rejection
}

// Compile builds an InspectionMatrix from the given enabled schemes,
// validated against manifest. Schemes referencing an unresolved signal or
// an expression tree deeper than Options.MaxDepth are dropped and recorded
// as Rejections; compilation of the remaining schemes proceeds.
func Compile(schemes map[model.SchemeId]model.Scheme, manifest *model.DecoderManifest, opts Options) Result {
	maxDepth := opts.MaxDepth
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	var manifestID uint32
	if manifest != nil {
		manifestID = manifest.ManifestID
	}

	matrix := &model.InspectionMatrix{
		Signals:     make(map[model.SignalId]struct{}),
		Frames:      make(map[model.FrameKey]struct{}),
		MaxWindowMs: make(map[model.SignalId]int64),
		ManifestID:  manifestID,
	}

	var rejections []Rejection
	conditions := make([]model.Condition, 0, len(schemes))

	for id, scheme := range schemes {
		cond, signals, frames, windowMaxes, err := compileOne(id, scheme, manifest, maxDepth)
		if err != nil {
			rejections = append(rejections, Rejection{SchemeID: id, Reason: err.Error()})
			continue
		}
		conditions = append(conditions, cond)
		for s := range signals {
			matrix.Signals[s] = struct{}{}
		}
		for f := range frames {
			matrix.Frames[f] = struct{}{}
		}
		for signalID, w := range windowMaxes {
			if cur, ok := matrix.MaxWindowMs[signalID]; !ok || w > cur {
				matrix.MaxWindowMs[signalID] = w
			}
		}
	}

	matrix.Conditions = conditions
	return Result{Matrix: matrix, Rejections: rejections}
}

func compileOne(id model.SchemeId, scheme model.Scheme, manifest *model.DecoderManifest, maxDepth int) (
	cond model.Condition,
	signals map[model.SignalId]struct{},
	frames map[model.FrameKey]struct{},
	windowMaxes map[model.SignalId]int64,
	err error,
) {
	raw := scheme.Condition
	if len(raw.Expressions) == 0 {
		return cond, nil, nil, nil, fmt.Errorf("empty expression tree")
	}
	if raw.Root < 0 || raw.Root >= len(raw.Expressions) {
		return cond, nil, nil, nil, fmt.Errorf("root index %d out of range", raw.Root)
	}

	depth, err := measureDepth(raw.Expressions, raw.Root, maxDepth)
	if err != nil {
		return cond, nil, nil, nil, err
	}
	_ = depth

	signals = make(map[model.SignalId]struct{})
	frames = make(map[model.FrameKey]struct{})
	windowMaxes = make(map[model.SignalId]int64)

	if err := validateAndCollect(raw.Expressions, raw.Root, manifest, signals, windowMaxes, 0, maxDepth); err != nil {
		return cond, nil, nil, nil, err
	}
	for _, s := range raw.SignalCollectList {
		if manifest != nil {
			if _, ok := manifest.Resolve(s); !ok {
				return cond, nil, nil, nil, fmt.Errorf("collect list references unresolved signal %d", s)
			}
		}
		signals[s] = struct{}{}
	}
	for _, f := range raw.FrameCollectList {
		frames[f] = struct{}{}
	}

	captureWindowMs := int64(0)
	for _, w := range windowMaxes {
		if w > captureWindowMs {
			captureWindowMs = w
		}
	}

	// Every referenced signal's ring buffer is sized by the condition's
	// captureWindowMs, not only the ones a window-function node touches:
	// window functions evaluate over that window, a triggered payload
	// collects over it, and a bare signal-ref or collect-list entry still
	// has to resolve through the history store.
	for signalID := range signals {
		windowMaxes[signalID] = captureWindowMs
	}

	cond = model.Condition{
		ConditionID:           model.ConditionId(id),
		Expressions:            raw.Expressions,
		Root:                    raw.Root,
		AfterDurationMs:        raw.AfterDurationMs,
		MinPublishIntervalMs:   raw.MinPublishIntervalMs,
		Priority:               raw.Priority,
		IncludeActiveDtcs:      raw.IncludeActiveDtcs,
		TriggerOnlyRisingEdge:  raw.TriggerOnlyRisingEdge,
		ProbabilityToSend:      raw.ProbabilityToSend,
		CaptureWindowMs:        captureWindowMs,
		SignalCollectList:      raw.SignalCollectList,
		FrameCollectList:       raw.FrameCollectList,
		ImageCaptureList:       raw.ImageCaptureList,
		PersistNeeded:          raw.PersistNeeded,
		CompressionNeeded:      raw.CompressionNeeded,
	}
	return cond, signals, frames, windowMaxes, nil
}

// measureDepth walks the tree purely to enforce the depth bound up front
// with a clear error, independent of the collection walk.
func measureDepth(nodes []model.ExpressionNode, idx, maxDepth int) (int, error) {
	return measureDepthAt(nodes, idx, 1, maxDepth, make(map[int]bool))
}

func measureDepthAt(nodes []model.ExpressionNode, idx, depth, maxDepth int, visiting map[int]bool) (int, error) {
	if idx < 0 || idx >= len(nodes) {
		return 0, fmt.Errorf("node index %d out of range", idx)
	}
	if depth > maxDepth {
		return 0, fmt.Errorf("expression tree exceeds max depth %d", maxDepth)
	}
	if visiting[idx] {
		return 0, fmt.Errorf("expression tree contains a cycle at node %d", idx)
	}
	visiting[idx] = true
	defer delete(visiting, idx)

	n := nodes[idx]
	maxChild := depth
	for _, child := range childIndices(n) {
		d, err := measureDepthAt(nodes, child, depth+1, maxDepth, visiting)
		if err != nil {
			return 0, err
		}
		if d > maxChild {
			maxChild = d
		}
	}
	return maxChild, nil
}

func childIndices(n model.ExpressionNode) []int {
	switch n.Kind {
	case model.NodeUnaryMinus, model.NodeNot:
		return []int{n.Left}
	case model.NodeAdd, model.NodeSub, model.NodeMul, model.NodeDiv,
		model.NodeLT, model.NodeLE, model.NodeEQ, model.NodeNE, model.NodeGE, model.NodeGT,
		model.NodeAnd, model.NodeOr:
		return []int{n.Left, n.Right}
	default:
		return nil
	}
}

// validateAndCollect walks the expression tree validating signal references
// against manifest, collecting referenced signal ids and the maximum
// window size requested for each.
func validateAndCollect(
	nodes []model.ExpressionNode,
	idx int,
	manifest *model.DecoderManifest,
	signals map[model.SignalId]struct{},
	windowMaxes map[model.SignalId]int64,
	depth, maxDepth int,
) error {
	if idx < 0 || idx >= len(nodes) {
		return fmt.Errorf("node index %d out of range", idx)
	}
	if depth > maxDepth {
		return fmt.Errorf("expression tree exceeds max depth %d", maxDepth)
	}
	n := nodes[idx]

	switch n.Kind {
	case model.NodeSignalRef:
		if manifest != nil {
			if _, ok := manifest.Resolve(n.SignalID); !ok {
				return fmt.Errorf("references unresolved signal %d", n.SignalID)
			}
		}
		signals[n.SignalID] = struct{}{}
	case model.NodeWindowLastMin, model.NodeWindowLastMax, model.NodeWindowLastAvg,
		model.NodeWindowPrevLastMin, model.NodeWindowPrevLastMax, model.NodeWindowPrevLastAvg:
		if manifest != nil {
			if _, ok := manifest.Resolve(n.SignalID); !ok {
				return fmt.Errorf("window function references unresolved signal %d", n.SignalID)
			}
		}
		signals[n.SignalID] = struct{}{}
		if n.WindowMs > windowMaxes[n.SignalID] {
			windowMaxes[n.SignalID] = n.WindowMs
		}
	}

	for _, child := range childIndices(n) {
		if err := validateAndCollect(nodes, child, manifest, signals, windowMaxes, depth+1, maxDepth); err != nil {
			return err
		}
	}
	return nil
}

// Package expr interprets the flattened expression trees carried by a
// compiled Condition against a Signal History Store and the current DTC
// snapshot. Evaluation is purely functional: given identical inputs it
// produces identical outputs, and it never mutates the store.
package expr

import (
	"errors"
	"math"

	"github.com/edgetelemetry/collector/engine/model"
	"github.com/edgetelemetry/collector/engine/store"
)

// Kind tags the evaluated value's runtime type.
type Kind uint8

const (
	KindNumber Kind = iota
	KindBool
)

// Value is a typed evaluation result: a double for arithmetic/window nodes,
// a boolean for logical/comparison/geofence/DTC nodes.
type Value struct {
	Kind Kind
	Num  float64
	Bool bool
}

var (
	// ErrNoData is returned when a window function has no samples in its
	// interval, or a signal-ref node has no sample at all. Treated as a
	// non-triggering result at the condition root, never propagated.
	ErrNoData = errors.New("expr: no data")
	// ErrDivisionByZero is returned by the "/" operator when the divisor
	// evaluates to zero.
	ErrDivisionByZero = errors.New("expr: division by zero")
	// ErrBadNode is returned for structurally invalid trees (out-of-range
	// child index, wrong value kind for an operator).
	ErrBadNode = errors.New("expr: malformed node")
)

// Context carries everything evaluation needs beyond the expression tree
// itself: the instant being evaluated at, a handle to history, the active
// DTC snapshot, and the condition's own capture window (window functions
// evaluate over [nowMs-captureWindowMs, nowMs) using the root condition's
// window, not a per-node window).
type Context struct {
	NowMs           int64
	History         *store.Store
	Dtcs            model.DtcInfo
	CaptureWindowMs int64
}

// Eval evaluates the expression tree rooted at root, returning a typed
// Value or an evaluation error. It is safe to call repeatedly and
// concurrently with other Eval calls against the same (read-only) inputs.
func Eval(nodes []model.ExpressionNode, root int, ctx Context) (Value, error) {
	return evalNode(nodes, root, ctx)
}

func evalNode(nodes []model.ExpressionNode, idx int, ctx Context) (Value, error) {
	if idx < 0 || idx >= len(nodes) {
		return Value{}, ErrBadNode
	}
	n := nodes[idx]
	switch n.Kind {
	case model.NodeConstant:
		return Value{Kind: KindNumber, Num: n.Constant}, nil

	case model.NodeSignalRef:
		s, ok := ctx.History.LatestSample(n.SignalID)
		if !ok {
			return Value{}, ErrNoData
		}
		return Value{Kind: KindNumber, Num: s.Value}, nil

	case model.NodeWindowLastMin, model.NodeWindowLastMax, model.NodeWindowLastAvg:
		start := ctx.NowMs - ctx.CaptureWindowMs
		return windowAggregate(ctx.History, n.SignalID, start, ctx.NowMs, n.Kind)

	case model.NodeWindowPrevLastMin, model.NodeWindowPrevLastMax, model.NodeWindowPrevLastAvg:
		end := ctx.NowMs - ctx.CaptureWindowMs
		start := end - ctx.CaptureWindowMs
		return windowAggregate(ctx.History, n.SignalID, start, end, n.Kind)

	case model.NodeUnaryMinus:
		v, err := evalNum(nodes, n.Left, ctx)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindNumber, Num: -v}, nil

	case model.NodeAdd, model.NodeSub, model.NodeMul, model.NodeDiv:
		l, err := evalNum(nodes, n.Left, ctx)
		if err != nil {
			return Value{}, err
		}
		r, err := evalNum(nodes, n.Right, ctx)
		if err != nil {
			return Value{}, err
		}
		switch n.Kind {
		case model.NodeAdd:
			return Value{Kind: KindNumber, Num: l + r}, nil
		case model.NodeSub:
			return Value{Kind: KindNumber, Num: l - r}, nil
		case model.NodeMul:
			return Value{Kind: KindNumber, Num: l * r}, nil
		case model.NodeDiv:
			if r == 0 {
				return Value{}, ErrDivisionByZero
			}
			return Value{Kind: KindNumber, Num: l / r}, nil
		}

	case model.NodeLT, model.NodeLE, model.NodeEQ, model.NodeNE, model.NodeGE, model.NodeGT:
		l, err := evalNum(nodes, n.Left, ctx)
		if err != nil {
			return Value{}, err
		}
		r, err := evalNum(nodes, n.Right, ctx)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindBool, Bool: compare(n.Kind, l, r)}, nil

	case model.NodeAnd:
		l, err := evalNode(nodes, n.Left, ctx)
		if err != nil {
			return Value{}, err
		}
		if l.Kind != KindBool {
			return Value{}, ErrBadNode
		}
		if !l.Bool {
			return Value{Kind: KindBool, Bool: false}, nil
		}
		r, err := evalNode(nodes, n.Right, ctx)
		if err != nil {
			return Value{}, err
		}
		if r.Kind != KindBool {
			return Value{}, ErrBadNode
		}
		return Value{Kind: KindBool, Bool: r.Bool}, nil

	case model.NodeOr:
		l, err := evalNode(nodes, n.Left, ctx)
		if err != nil {
			return Value{}, err
		}
		if l.Kind != KindBool {
			return Value{}, ErrBadNode
		}
		if l.Bool {
			return Value{Kind: KindBool, Bool: true}, nil
		}
		r, err := evalNode(nodes, n.Right, ctx)
		if err != nil {
			return Value{}, err
		}
		if r.Kind != KindBool {
			return Value{}, ErrBadNode
		}
		return Value{Kind: KindBool, Bool: r.Bool}, nil

	case model.NodeNot:
		v, err := evalNode(nodes, n.Left, ctx)
		if err != nil {
			return Value{}, err
		}
		if v.Kind != KindBool {
			return Value{}, ErrBadNode
		}
		return Value{Kind: KindBool, Bool: !v.Bool}, nil

	case model.NodeGeofenceIn, model.NodeGeofenceOut:
		return evalGeofence(n, ctx)

	case model.NodeDtcPresent:
		if n.DtcCode == "" {
			return Value{Kind: KindBool, Bool: len(ctx.Dtcs.Codes) > 0}, nil
		}
		return Value{Kind: KindBool, Bool: ctx.Dtcs.HasCode(n.DtcCode)}, nil
	}
	return Value{}, ErrBadNode
}

// evalNum evaluates a child expected to be numeric.
func evalNum(nodes []model.ExpressionNode, idx int, ctx Context) (float64, error) {
	v, err := evalNode(nodes, idx, ctx)
	if err != nil {
		return 0, err
	}
	if v.Kind != KindNumber {
		return 0, ErrBadNode
	}
	return v.Num, nil
}

// compare implements standard IEEE-754 ordering; any comparison with NaN
// returns false, including `!=`'s underlying equality test.
func compare(kind model.NodeKind, l, r float64) bool {
	if math.IsNaN(l) || math.IsNaN(r) {
		return false
	}
	switch kind {
	case model.NodeLT:
		return l < r
	case model.NodeLE:
		return l <= r
	case model.NodeEQ:
		return l == r
	case model.NodeNE:
		return l != r
	case model.NodeGE:
		return l >= r
	case model.NodeGT:
		return l > r
	}
	return false
}

// windowAggregate scans the signal's ring buffer for samples in [start,
// end) and reduces them per the requested aggregate. An empty window
// yields ErrNoData, which the caller treats as non-triggering.
func windowAggregate(h *store.Store, id model.SignalId, start, end int64, kind model.NodeKind) (Value, error) {
	samples, ok := h.WindowSamples(id, start, end)
	if !ok || len(samples) == 0 {
		return Value{}, ErrNoData
	}
	switch kind {
	case model.NodeWindowLastMin, model.NodeWindowPrevLastMin:
		m := samples[0].Value
		for _, s := range samples[1:] {
			if s.Value < m {
				m = s.Value
			}
		}
		return Value{Kind: KindNumber, Num: m}, nil
	case model.NodeWindowLastMax, model.NodeWindowPrevLastMax:
		m := samples[0].Value
		for _, s := range samples[1:] {
			if s.Value > m {
				m = s.Value
			}
		}
		return Value{Kind: KindNumber, Num: m}, nil
	case model.NodeWindowLastAvg, model.NodeWindowPrevLastAvg:
		var sum float64
		for _, s := range samples {
			sum += s.Value
		}
		return Value{Kind: KindNumber, Num: sum / float64(len(samples))}, nil
	}
	return Value{}, ErrBadNode
}

// haversineMeters computes great-circle distance between two lat/lon
// points in meters.
func haversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusM = 6371000.0
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// evalGeofence evaluates IS_IN / IS_OUT of a circular region. The vehicle's
// current position is carried as two well-known pseudo-signals: latitude
// on SignalId 1 and longitude on SignalId 2, matching the decoder
// manifest's reserved GPS signal ids.
const (
	latSignalID model.SignalId = 1
	lonSignalID model.SignalId = 2
)

func evalGeofence(n model.ExpressionNode, ctx Context) (Value, error) {
	lat, ok := ctx.History.LatestSample(latSignalID)
	if !ok {
		return Value{}, ErrNoData
	}
	lon, ok := ctx.History.LatestSample(lonSignalID)
	if !ok {
		return Value{}, ErrNoData
	}
	d := haversineMeters(lat.Value, lon.Value, n.Lat, n.Lon)
	in := d <= n.RadiusM
	if n.Kind == model.NodeGeofenceOut {
		return Value{Kind: KindBool, Bool: !in}, nil
	}
	return Value{Kind: KindBool, Bool: in}, nil
}

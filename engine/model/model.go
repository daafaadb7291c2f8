// Package model defines the data types shared across the collection and
// inspection engine: signals, raw frames, diagnostic trouble codes, the
// flattened expression tree, conditions, schemes, and the compiled
// inspection matrix.
package model

import (
	"fmt"
	"time"
)

// SignalId uniquely identifies a decoded signal within a manifest generation.
type SignalId uint32

// SignalSample is a single timestamped decoded value for a signal.
type SignalSample struct {
	SignalID      SignalId
	ReceiveTimeMs int64
	Value         float64
}

// MaxCanFrameBytes bounds the payload length of a CanFrame.
const MaxCanFrameBytes = 8

// CanFrame is a raw bus frame retained for schemes that request raw capture
// of the (ChannelID, FrameID) pair it belongs to.
type CanFrame struct {
	ChannelID     uint32
	FrameID       uint32
	ReceiveTimeMs int64
	Bytes         [MaxCanFrameBytes]byte
	Length        uint8
}

// FrameKey identifies a raw-frame ring buffer.
type FrameKey struct {
	ChannelID uint32
	FrameID   uint32
}

// MarshalText renders the key as "channelId:frameId" so FrameKey can be
// used as a JSON object key (encoding/json requires TextMarshaler for
// non-string map keys).
func (k FrameKey) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%d:%d", k.ChannelID, k.FrameID)), nil
}

// UnmarshalText parses the "channelId:frameId" form produced by MarshalText.
func (k *FrameKey) UnmarshalText(text []byte) error {
	var channel, frame uint32
	if _, err := fmt.Sscanf(string(text), "%d:%d", &channel, &frame); err != nil {
		return fmt.Errorf("model: invalid FrameKey %q: %w", text, err)
	}
	k.ChannelID = channel
	k.FrameID = frame
	return nil
}

// DtcInfo is the most recently received snapshot of active diagnostic
// trouble codes across all ECUs on the vehicle network.
type DtcInfo struct {
	ReceiveTimeMs int64
	Codes         map[string]struct{}
}

// HasCode reports whether code is present in the snapshot.
func (d DtcInfo) HasCode(code string) bool {
	if d.Codes == nil {
		return false
	}
	_, ok := d.Codes[code]
	return ok
}

// NodeKind tags the variant stored in an ExpressionNode.
type NodeKind uint8

const (
	NodeConstant NodeKind = iota
	NodeSignalRef
	NodeWindowLastMin
	NodeWindowLastMax
	NodeWindowLastAvg
	NodeWindowPrevLastMin
	NodeWindowPrevLastMax
	NodeWindowPrevLastAvg
	NodeUnaryMinus
	NodeAdd
	NodeSub
	NodeMul
	NodeDiv
	NodeLT
	NodeLE
	NodeEQ
	NodeNE
	NodeGE
	NodeGT
	NodeAnd
	NodeOr
	NodeNot
	NodeGeofenceIn
	NodeGeofenceOut
	NodeDtcPresent
)

// ExpressionNode is one node of a flattened expression tree. Children are
// referenced by index into the same flat array, never by pointer, so a tree
// is cheap to clone and share across goroutines once built.
type ExpressionNode struct {
	Kind NodeKind

	// NodeConstant
	Constant float64

	// NodeSignalRef, window functions
	SignalID SignalId

	// window functions: window size in milliseconds this node requests. The
	// Rule Compiler takes the largest over a condition's window nodes as its
	// CaptureWindowMs, and evaluation uses that window for every window node.
	WindowMs int64

	// unary/binary/logical/comparison operators: child indices into the
	// owning Condition's Expressions array.
	Left  int
	Right int // unused for NodeUnaryMinus, NodeNot

	// geofence nodes
	Lat, Lon, RadiusM float64

	// NodeDtcPresent: specific code to test for; empty means "any code present".
	DtcCode string
}

// ConditionId identifies a condition within a compiled inspection matrix.
type ConditionId uint32

// Condition is a compiled predicate plus its emission policy and collection
// lists, as produced by the Rule Compiler from a Scheme.
type Condition struct {
	ConditionID ConditionId

	// Expressions is the flattened expression tree; Root indexes into it.
	Expressions []ExpressionNode
	Root        int

	AfterDurationMs       int64
	MinPublishIntervalMs  int64
	Priority              int
	IncludeActiveDtcs     bool
	TriggerOnlyRisingEdge bool
	ProbabilityToSend     float64

	CaptureWindowMs int64

	SignalCollectList []SignalId
	FrameCollectList  []FrameKey
	ImageCaptureList  []string

	PersistNeeded     bool
	CompressionNeeded bool
}

// InspectionMatrix is the compiled, immutable rule set driving one worker
// iteration. Once published it is never mutated; updates are whole-object
// atomic pointer swaps.
type InspectionMatrix struct {
	Conditions []Condition

	// Signals is the union of every signal id referenced by any
	// condition's collect list or expression tree; it drives per-signal
	// ring-buffer allocation.
	Signals map[SignalId]struct{}

	// Frames is the union of every (channel, frameId) pair referenced by
	// any condition's raw-frame collect list.
	Frames map[FrameKey]struct{}

	// MaxWindowMs is, for each referenced signal, the largest
	// captureWindowMs of any condition referencing it — used to size that
	// signal's ring buffer.
	MaxWindowMs map[SignalId]int64

	ManifestID uint32
}

// SchemeId identifies a Scheme. Two schemes sharing an id collide: when a
// scheme list update names an id the Scheme Manager already holds, the held
// scheme is kept unchanged, and within one list the first scheme with a
// given id is kept. A later scheme with the same id does not replace it.
type SchemeId uint64

// Scheme is a single collection scheme as ingested from the cloud.
type Scheme struct {
	SchemeID         SchemeId
	DecoderManifestID uint32
	StartTimeMs      int64
	ExpiryTimeMs     int64
	Condition        RawCondition
}

// RawCondition is the uncompiled, scheme-author-facing predicate shape the
// Rule Compiler turns into a Condition. It mirrors Condition's fields but
// keeps the expression tree as received, prior to depth validation and
// window-size aggregation.
type RawCondition struct {
	Expressions           []ExpressionNode
	Root                  int
	AfterDurationMs       int64
	MinPublishIntervalMs  int64
	Priority              int
	IncludeActiveDtcs     bool
	TriggerOnlyRisingEdge bool
	ProbabilityToSend     float64
	SignalCollectList     []SignalId
	FrameCollectList      []FrameKey
	ImageCaptureList      []string
	PersistNeeded         bool
	CompressionNeeded     bool
}

// SignalDecoderInfo describes how a signal id is typed and decoded.
type SignalDecoderInfo struct {
	SignalID SignalId
	TypeName string // e.g. "double", "int32", "bool"
}

// FrameDecoderRule describes how a (channel, frameId) raw frame is decoded
// into one or more signals; the rule's internal shape is owned by the
// external decoder-dictionary collaborator and only referenced here.
type FrameDecoderRule struct {
	Key     FrameKey
	Signals []SignalId
}

// DecoderManifest maps signal ids and (channel, frameId) pairs to decoding
// metadata. Replacing the manifest (a different ManifestID) invalidates
// every scheme whose DecoderManifestID differs from the new one.
type DecoderManifest struct {
	ManifestID uint32
	Signals    map[SignalId]SignalDecoderInfo
	Frames     map[FrameKey]FrameDecoderRule
}

// Resolve reports whether signal id resolves in this manifest.
func (m *DecoderManifest) Resolve(id SignalId) (SignalDecoderInfo, bool) {
	if m == nil || m.Signals == nil {
		return SignalDecoderInfo{}, false
	}
	info, ok := m.Signals[id]
	return info, ok
}

// DeadlineKind tags whether a Deadline activates or expires a scheme.
type DeadlineKind uint8

const (
	DeadlineActivate DeadlineKind = iota
	DeadlineExpire
)

// Deadline is one entry of the Scheme Manager's time-ordered timeline.
type Deadline struct {
	TimeMs   int64
	SchemeID SchemeId
	Kind     DeadlineKind
}

// CollectedSignalSamples is one signal's samples captured within a
// triggered payload's collection window.
type CollectedSignalSamples struct {
	SignalID SignalId
	Samples  []SignalSample
}

// CollectedFrame is one raw frame captured within a triggered payload's
// collection window.
type CollectedFrame struct {
	Key    FrameKey
	Frames []CanFrame
}

// TriggeredCollectionSchemeData is a ready-to-publish payload produced by a
// condition trigger.
type TriggeredCollectionSchemeData struct {
	ConditionID ConditionId
	Priority    int

	WindowStartMs int64
	WindowEndMs   int64

	Signals []CollectedSignalSamples
	Frames  []CollectedFrame
	Dtcs    *DtcInfo

	PersistNeeded     bool
	CompressionNeeded bool

	TriggerTimeMs int64
}

// Clock abstracts wall-clock time so evaluation and scheduling logic can be
// driven deterministically in tests.
type Clock interface {
	NowMs() int64
}

// SystemClock is the production Clock backed by time.Now.
type SystemClock struct{}

func (SystemClock) NowMs() int64 { return time.Now().UnixMilli() }

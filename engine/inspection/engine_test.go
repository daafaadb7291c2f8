package inspection

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgetelemetry/collector/engine/model"
)

// gtSignal builds a flattened "signal > threshold" expression tree.
func gtSignal(signal model.SignalId, threshold float64) []model.ExpressionNode {
	return []model.ExpressionNode{
		{Kind: model.NodeGT, Left: 1, Right: 2},
		{Kind: model.NodeSignalRef, SignalID: signal},
		{Kind: model.NodeConstant, Constant: threshold},
	}
}

func singleConditionMatrix(cond model.Condition, signal model.SignalId, windowMs int64) *model.InspectionMatrix {
	return &model.InspectionMatrix{
		Conditions: []model.Condition{cond},
		Signals:    map[model.SignalId]struct{}{signal: {}},
		MaxWindowMs: map[model.SignalId]int64{signal: windowMs},
	}
}

type fakeRandom struct{ v float64 }

func (f fakeRandom) Float64() float64 { return f.v }

func TestRisingEdgeOnlyEmitsOnTransitionToTrue(t *testing.T) {
	e := New(Options{})
	cond := model.Condition{
		ConditionID:           1,
		Expressions:           gtSignal(1, 10),
		Root:                  0,
		Priority:              1,
		TriggerOnlyRisingEdge: true,
		ProbabilityToSend:     1,
		CaptureWindowMs:       1000,
	}
	e.InstallMatrix(singleConditionMatrix(cond, 1, 1000))

	e.AddSample(model.SignalSample{SignalID: 1, ReceiveTimeMs: 0, Value: 20})
	e.EvaluateConditions(100)
	payload, _ := e.CollectNextDataToSend(100)
	require.NotNil(t, payload, "rising edge should schedule an emission")
	e.Ack(payload.ConditionID, payload.TriggerTimeMs)

	// Still true on the next tick: not a rising edge, must not re-trigger.
	e.AddSample(model.SignalSample{SignalID: 1, ReceiveTimeMs: 200, Value: 21})
	e.EvaluateConditions(300)
	payload, _ = e.CollectNextDataToSend(300)
	assert.Nil(t, payload, "condition held true must not re-emit without a falling edge first")

	// Falls false, then true again: a new rising edge.
	e.AddSample(model.SignalSample{SignalID: 1, ReceiveTimeMs: 400, Value: 1})
	e.EvaluateConditions(500)
	e.AddSample(model.SignalSample{SignalID: 1, ReceiveTimeMs: 600, Value: 30})
	e.EvaluateConditions(700)
	payload, _ = e.CollectNextDataToSend(700)
	assert.NotNil(t, payload, "a fresh rising edge after a falling edge must re-emit")
}

func TestMinPublishIntervalThrottlesRepeatedTriggers(t *testing.T) {
	e := New(Options{})
	cond := model.Condition{
		ConditionID:          1,
		Expressions:          gtSignal(1, 10),
		Root:                 0,
		Priority:             1,
		MinPublishIntervalMs: 1000,
		ProbabilityToSend:    1,
		CaptureWindowMs:      1000,
	}
	e.InstallMatrix(singleConditionMatrix(cond, 1, 1000))

	e.AddSample(model.SignalSample{SignalID: 1, ReceiveTimeMs: 0, Value: 20})
	e.EvaluateConditions(0)
	p0, _ := e.CollectNextDataToSend(0)
	require.NotNil(t, p0)
	e.Ack(p0.ConditionID, p0.TriggerTimeMs)

	// Re-evaluating well within MinPublishIntervalMs must not re-trigger,
	// even though the condition is still (trivially) true.
	e.EvaluateConditions(500)
	p1, _ := e.CollectNextDataToSend(500)
	assert.Nil(t, p1, "re-trigger within min publish interval must be suppressed")

	// Past the interval, a fresh evaluation may trigger again.
	e.EvaluateConditions(1500)
	p2, _ := e.CollectNextDataToSend(1500)
	assert.NotNil(t, p2, "trigger past min publish interval must be allowed")
}

func TestCollectNextDataToSendTieBreaksByPriorityThenConditionId(t *testing.T) {
	e := New(Options{})
	low := model.Condition{ConditionID: 5, Expressions: gtSignal(1, 0), Root: 0, Priority: 1, ProbabilityToSend: 1, CaptureWindowMs: 1000}
	highA := model.Condition{ConditionID: 3, Expressions: gtSignal(1, 0), Root: 0, Priority: 9, ProbabilityToSend: 1, CaptureWindowMs: 1000}
	highB := model.Condition{ConditionID: 2, Expressions: gtSignal(1, 0), Root: 0, Priority: 9, ProbabilityToSend: 1, CaptureWindowMs: 1000}

	matrix := &model.InspectionMatrix{
		Conditions:  []model.Condition{low, highA, highB},
		Signals:     map[model.SignalId]struct{}{1: {}},
		MaxWindowMs: map[model.SignalId]int64{1: 1000},
	}
	e.InstallMatrix(matrix)
	e.AddSample(model.SignalSample{SignalID: 1, ReceiveTimeMs: 0, Value: 1})
	e.EvaluateConditions(0)

	p1, _ := e.CollectNextDataToSend(0)
	require.NotNil(t, p1)
	assert.Equal(t, model.ConditionId(2), p1.ConditionID, "among equal priority, lowest conditionId wins the tie-break")
	e.Ack(p1.ConditionID, p1.TriggerTimeMs)

	p2, _ := e.CollectNextDataToSend(0)
	require.NotNil(t, p2)
	assert.Equal(t, model.ConditionId(3), p2.ConditionID)
	e.Ack(p2.ConditionID, p2.TriggerTimeMs)

	p3, _ := e.CollectNextDataToSend(0)
	require.NotNil(t, p3)
	assert.Equal(t, model.ConditionId(5), p3.ConditionID, "lower priority condition must be drained last")
}

func TestProbabilityToSendGatesEmissionUnlessGloballyDisabled(t *testing.T) {
	cond := model.Condition{
		ConditionID:       1,
		Expressions:       gtSignal(1, 0),
		Root:              0,
		ProbabilityToSend: 0.5,
		CaptureWindowMs:   1000,
	}

	e := New(Options{RandomSource: fakeRandom{v: 0.9}})
	e.InstallMatrix(singleConditionMatrix(cond, 1, 1000))
	e.AddSample(model.SignalSample{SignalID: 1, ReceiveTimeMs: 0, Value: 1})
	e.EvaluateConditions(0)
	payload, _ := e.CollectNextDataToSend(0)
	assert.Nil(t, payload, "draw above probability threshold must suppress the emission")

	e2 := New(Options{RandomSource: fakeRandom{v: 0.9}, DataReductionProbabilityDisabled: true})
	e2.InstallMatrix(singleConditionMatrix(cond, 1, 1000))
	e2.AddSample(model.SignalSample{SignalID: 1, ReceiveTimeMs: 0, Value: 1})
	e2.EvaluateConditions(0)
	payload, _ = e2.CollectNextDataToSend(0)
	assert.NotNil(t, payload, "disabling data reduction globally must bypass probability sampling")
}

func TestCollectNextDataToSendRetainsPendingUntilAck(t *testing.T) {
	e := New(Options{})
	cond := model.Condition{ConditionID: 1, Expressions: gtSignal(1, 0), Root: 0, ProbabilityToSend: 1, CaptureWindowMs: 1000}
	e.InstallMatrix(singleConditionMatrix(cond, 1, 1000))
	e.AddSample(model.SignalSample{SignalID: 1, ReceiveTimeMs: 0, Value: 1})
	e.EvaluateConditions(0)

	p1, _ := e.CollectNextDataToSend(0)
	require.NotNil(t, p1)
	p2, _ := e.CollectNextDataToSend(0)
	require.NotNil(t, p2, "an un-Acked pending emission must be returned again on the next call")
	assert.Equal(t, p1.TriggerTimeMs, p2.TriggerTimeMs)

	// A stale Ack against a trigger time that no longer matches current
	// pending state must be a no-op.
	e.Ack(1, p1.TriggerTimeMs-1)
	p3, _ := e.CollectNextDataToSend(0)
	assert.NotNil(t, p3, "a stale Ack must not clear the real pending emission")

	e.Ack(1, p1.TriggerTimeMs)
	p4, _ := e.CollectNextDataToSend(0)
	assert.Nil(t, p4, "a matching Ack must clear the pending emission")
}

func TestInstallMatrixPreservesStateForSurvivingConditions(t *testing.T) {
	e := New(Options{})
	cond := model.Condition{
		ConditionID:          1,
		Expressions:          gtSignal(1, 0),
		Root:                 0,
		MinPublishIntervalMs: 1000,
		ProbabilityToSend:    1,
		CaptureWindowMs:      1000,
	}
	e.InstallMatrix(singleConditionMatrix(cond, 1, 1000))
	e.AddSample(model.SignalSample{SignalID: 1, ReceiveTimeMs: 0, Value: 1})
	e.EvaluateConditions(0)
	p, _ := e.CollectNextDataToSend(0)
	require.NotNil(t, p)
	e.Ack(p.ConditionID, p.TriggerTimeMs)

	// Re-installing a matrix containing the same condition must not reset
	// its min-publish-interval clock: a matrix swap is not a scheme reset.
	e.InstallMatrix(singleConditionMatrix(cond, 1, 1000))
	e.EvaluateConditions(200)
	p2, _ := e.CollectNextDataToSend(200)
	assert.Nil(t, p2, "surviving condition state must persist across a matrix reinstall")
}

func TestAfterDurationDefersEmissionUntilDeadlineWithCorrectWindow(t *testing.T) {
	e := New(Options{RingBufferCeiling: 10})
	cond := model.Condition{
		ConditionID:       1,
		Expressions:       gtSignal(1, 10),
		Root:              0,
		Priority:          1,
		CaptureWindowMs:   2000,
		AfterDurationMs:   500,
		ProbabilityToSend: 1,
		SignalCollectList: []model.SignalId{1},
	}
	e.InstallMatrix(singleConditionMatrix(cond, 1, 2000))

	e.AddSample(model.SignalSample{SignalID: 1, ReceiveTimeMs: 900, Value: 20})
	e.EvaluateConditions(1000)

	// The trigger fires at t=1000 but per spec.md §4.3 step 4 the emission
	// is deferred until emitAtMs = triggerTimeMs + afterDurationMs: nothing
	// is ready yet, and the wait hint reports exactly how long remains.
	payload, waitHint := e.CollectNextDataToSend(1000)
	assert.Nil(t, payload, "a pending emission must be withheld until its after-duration deadline")
	assert.Equal(t, int64(500), waitHint)

	payload, waitHint = e.CollectNextDataToSend(1499)
	assert.Nil(t, payload, "must still be withheld one millisecond before the deadline")
	assert.Equal(t, int64(1), waitHint)

	// Add a second sample inside the capture window, collected once the
	// emission is finally sealed at the deadline.
	e.AddSample(model.SignalSample{SignalID: 1, ReceiveTimeMs: 1200, Value: 25})

	payload, _ = e.CollectNextDataToSend(1500)
	require.NotNil(t, payload, "emission must become ready exactly at emitAtMs")
	assert.EqualValues(t, 1000, payload.TriggerTimeMs)

	// windowStartMs = triggerTimeMs - captureWindowMs + afterDurationMs
	// windowEndMs   = triggerTimeMs + afterDurationMs
	assert.EqualValues(t, -500, payload.WindowStartMs)
	assert.EqualValues(t, 1500, payload.WindowEndMs)

	require.Len(t, payload.Signals, 1)
	assert.Equal(t, model.SignalId(1), payload.Signals[0].SignalID)
	var gotValues []float64
	for _, s := range payload.Signals[0].Samples {
		gotValues = append(gotValues, s.Value)
	}
	assert.ElementsMatch(t, []float64{20, 25}, gotValues, "window must capture samples received both before and after the trigger, up to windowEndMs")

	e.Ack(payload.ConditionID, payload.TriggerTimeMs)
	payload, _ = e.CollectNextDataToSend(1500)
	assert.Nil(t, payload, "once Acked the deferred emission must not be re-offered")
}

func TestEvaluateConditionsWithNoDataIsFalseNotTriggered(t *testing.T) {
	e := New(Options{})
	cond := model.Condition{ConditionID: 1, Expressions: gtSignal(1, 0), Root: 0, CaptureWindowMs: 1000}
	e.InstallMatrix(singleConditionMatrix(cond, 1, 1000))

	// No sample ever appended: NodeSignalRef errors with ErrNoData, so the
	// condition's result must be treated as false, not crash evaluation.
	e.EvaluateConditions(0)
	payload, _ := e.CollectNextDataToSend(0)
	assert.Nil(t, payload)
	assert.EqualValues(t, 1, e.Stats().Evaluated)
	assert.EqualValues(t, 0, e.Stats().Triggered)
}

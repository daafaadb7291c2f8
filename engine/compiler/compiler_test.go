package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgetelemetry/collector/engine/model"
)

func manifestWith(ids ...model.SignalId) *model.DecoderManifest {
	m := &model.DecoderManifest{ManifestID: 1, Signals: make(map[model.SignalId]model.SignalDecoderInfo)}
	for _, id := range ids {
		m.Signals[id] = model.SignalDecoderInfo{SignalID: id, TypeName: "double"}
	}
	return m
}

func gt(signal model.SignalId, threshold float64) []model.ExpressionNode {
	return []model.ExpressionNode{
		{Kind: model.NodeGT, Left: 1, Right: 2},
		{Kind: model.NodeSignalRef, SignalID: signal},
		{Kind: model.NodeConstant, Constant: threshold},
	}
}

func TestCompileProducesCondition(t *testing.T) {
	manifest := manifestWith(42)
	schemes := map[model.SchemeId]model.Scheme{
		1: {
			SchemeID:          1,
			DecoderManifestID: 1,
			Condition: model.RawCondition{
				Expressions: gt(42, 100),
				Root:        0,
				Priority:    5,
			},
		},
	}

	result := Compile(schemes, manifest, Options{})
	require.Empty(t, result.Rejections)
	require.Len(t, result.Matrix.Conditions, 1)
	cond := result.Matrix.Conditions[0]
	assert.Equal(t, model.ConditionId(1), cond.ConditionID)
	assert.Equal(t, 5, cond.Priority)
	assert.Contains(t, result.Matrix.Signals, model.SignalId(42))
}

func TestCompileDropsUnresolvedSignal(t *testing.T) {
	manifest := manifestWith(1)
	schemes := map[model.SchemeId]model.Scheme{
		1: {
			SchemeID: 1,
			Condition: model.RawCondition{
				Expressions: gt(99, 10),
				Root:        0,
			},
		},
	}

	result := Compile(schemes, manifest, Options{})
	assert.Empty(t, result.Matrix.Conditions)
	require.Len(t, result.Rejections, 1)
	assert.Equal(t, model.SchemeId(1), result.Rejections[0].SchemeID)
}

func TestCompileRejectsExcessiveDepth(t *testing.T) {
	manifest := manifestWith(1)
	// chain of NOT nodes, 12 deep, exceeding default max depth of 10.
	nodes := []model.ExpressionNode{{Kind: model.NodeSignalRef, SignalID: 1}}
	for i := 0; i < 12; i++ {
		nodes = append(nodes, model.ExpressionNode{Kind: model.NodeNot, Left: len(nodes) - 1})
	}
	root := len(nodes) - 1

	schemes := map[model.SchemeId]model.Scheme{
		1: {SchemeID: 1, Condition: model.RawCondition{Expressions: nodes, Root: root}},
	}

	result := Compile(schemes, manifest, Options{})
	assert.Empty(t, result.Matrix.Conditions)
	require.Len(t, result.Rejections, 1)
}

func TestCompileComputesCaptureWindowAsMaxWindowReference(t *testing.T) {
	manifest := manifestWith(7)
	nodes := []model.ExpressionNode{
		{Kind: model.NodeGT, Left: 1, Right: 2},
		{Kind: model.NodeWindowLastAvg, SignalID: 7, WindowMs: 1000},
		{Kind: model.NodeConstant, Constant: 0},
	}
	schemes := map[model.SchemeId]model.Scheme{
		1: {SchemeID: 1, Condition: model.RawCondition{Expressions: nodes, Root: 0}},
	}

	result := Compile(schemes, manifest, Options{})
	require.Empty(t, result.Rejections)
	require.Len(t, result.Matrix.Conditions, 1)
	assert.EqualValues(t, 1000, result.Matrix.Conditions[0].CaptureWindowMs)
	assert.EqualValues(t, 1000, result.Matrix.MaxWindowMs[7])
}

func TestCompileUnionsFrameCollectList(t *testing.T) {
	manifest := manifestWith(1)
	key := model.FrameKey{ChannelID: 0, FrameID: 100}
	schemes := map[model.SchemeId]model.Scheme{
		1: {
			SchemeID: 1,
			Condition: model.RawCondition{
				Expressions:      gt(1, 0),
				Root:             0,
				FrameCollectList: []model.FrameKey{key},
			},
		},
	}

	result := Compile(schemes, manifest, Options{})
	require.Empty(t, result.Rejections)
	assert.Contains(t, result.Matrix.Frames, key)
}

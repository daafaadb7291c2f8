package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgetelemetry/collector/engine/model"
)

func TestWindowSamplesReturnsExactIntervalInAppendOrder(t *testing.T) {
	s := New(1000)
	s.ReconcileSignals(map[model.SignalId]int64{42: 1000}, 100)

	samples := []model.SignalSample{
		{SignalID: 42, ReceiveTimeMs: 0, Value: 1},
		{SignalID: 42, ReceiveTimeMs: 200, Value: 2},
		{SignalID: 42, ReceiveTimeMs: 400, Value: 3},
		{SignalID: 42, ReceiveTimeMs: 600, Value: 4},
	}
	for _, s2 := range samples {
		require.True(t, s.AppendSample(s2))
	}

	got, ok := s.WindowSamples(42, 200, 600)
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, int64(200), got[0].ReceiveTimeMs)
	assert.Equal(t, int64(400), got[1].ReceiveTimeMs)
}

func TestAppendSampleDropsLateSample(t *testing.T) {
	s := New(1000)
	s.ReconcileSignals(map[model.SignalId]int64{1: 1000}, 100)

	require.True(t, s.AppendSample(model.SignalSample{SignalID: 1, ReceiveTimeMs: 500, Value: 1}))
	ok := s.AppendSample(model.SignalSample{SignalID: 1, ReceiveTimeMs: 100, Value: 2})
	assert.False(t, ok)

	latest, found := s.LatestSample(1)
	require.True(t, found)
	assert.Equal(t, int64(500), latest.ReceiveTimeMs)
	assert.EqualValues(t, 1, s.Stats().LateSamplesDropped)
}

func TestAppendSampleRejectsUnreferencedSignal(t *testing.T) {
	s := New(1000)
	ok := s.AppendSample(model.SignalSample{SignalID: 7, ReceiveTimeMs: 1, Value: 1})
	assert.False(t, ok)
}

func TestReconcileSignalsDropsUnreferencedAndRetainsNewestOnGrow(t *testing.T) {
	s := New(1000)
	s.ReconcileSignals(map[model.SignalId]int64{1: 100, 2: 100}, 100)
	require.True(t, s.AppendSample(model.SignalSample{SignalID: 1, ReceiveTimeMs: 1, Value: 1}))
	require.True(t, s.AppendSample(model.SignalSample{SignalID: 2, ReceiveTimeMs: 1, Value: 1}))

	s.ReconcileSignals(map[model.SignalId]int64{1: 1000}, 100)

	_, ok := s.WindowSamples(2, 0, 10)
	assert.False(t, ok, "signal 2 buffer should have been dropped")

	latest, ok := s.LatestSample(1)
	require.True(t, ok, "signal 1 buffer should have survived growth, retaining its newest sample")
	assert.EqualValues(t, 1, latest.Value)
}

func TestRingBufferCeilingBoundsCapacity(t *testing.T) {
	s := New(5)
	s.ReconcileSignals(map[model.SignalId]int64{1: 100000}, 1)

	for i := int64(0); i < 10; i++ {
		require.True(t, s.AppendSample(model.SignalSample{SignalID: 1, ReceiveTimeMs: i, Value: float64(i)}))
	}

	got, ok := s.WindowSamples(1, 0, 100)
	require.True(t, ok)
	assert.LessOrEqual(t, len(got), 5)
	latest, _ := s.LatestSample(1)
	assert.EqualValues(t, 9, latest.Value)
}

func TestAppendFrameAndWindowFrames(t *testing.T) {
	s := New(100)
	key := model.FrameKey{ChannelID: 0, FrameID: 10}
	s.ReconcileFrames(map[model.FrameKey]int64{key: 1000}, 100)

	require.True(t, s.AppendFrame(model.CanFrame{ChannelID: 0, FrameID: 10, ReceiveTimeMs: 50}))
	require.True(t, s.AppendFrame(model.CanFrame{ChannelID: 0, FrameID: 10, ReceiveTimeMs: 150}))

	got, ok := s.WindowFrames(key, 0, 200)
	require.True(t, ok)
	assert.Len(t, got, 2)
}

func TestSetAndGetActiveDtcs(t *testing.T) {
	s := New(10)
	info := model.DtcInfo{ReceiveTimeMs: 42, Codes: map[string]struct{}{"P0101": {}}}
	s.SetActiveDtcs(info)
	got := s.ActiveDtcs()
	assert.True(t, got.HasCode("P0101"))
	assert.False(t, got.HasCode("P0000"))
}

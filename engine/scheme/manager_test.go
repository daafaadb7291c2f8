package scheme

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgetelemetry/collector/engine/inspection"
	"github.com/edgetelemetry/collector/engine/model"
	"github.com/edgetelemetry/collector/engine/persistence"
)

func literalTrueCondition() model.RawCondition {
	return model.RawCondition{
		Expressions: []model.ExpressionNode{
			{Kind: model.NodeGT, Left: 1, Right: 2},
			{Kind: model.NodeConstant, Constant: 1},
			{Kind: model.NodeConstant, Constant: 0},
		},
		Root: 0,
	}
}

func signalGTCondition(signal model.SignalId, threshold float64) model.RawCondition {
	return model.RawCondition{
		Expressions: []model.ExpressionNode{
			{Kind: model.NodeGT, Left: 1, Right: 2},
			{Kind: model.NodeSignalRef, SignalID: signal},
			{Kind: model.NodeConstant, Constant: threshold},
		},
		Root:              0,
		ProbabilityToSend: 1,
	}
}

func marshalManifest(t *testing.T, manifestID uint32, signals ...model.SignalId) []byte {
	t.Helper()
	m := model.DecoderManifest{ManifestID: manifestID, Signals: make(map[model.SignalId]model.SignalDecoderInfo)}
	for _, s := range signals {
		m.Signals[s] = model.SignalDecoderInfo{SignalID: s, TypeName: "double"}
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw
}

func marshalSchemes(t *testing.T, schemes ...model.Scheme) []byte {
	t.Helper()
	raw, err := json.Marshal(schemes)
	require.NoError(t, err)
	return raw
}

func TestManifestChangePurgesSurvivingHistory(t *testing.T) {
	store := persistence.NewMemoryStore()
	m := New(Options{Store: store})

	eng := inspection.New(inspection.Options{})
	m.SetMatrixListener(eng.InstallMatrix)

	require.NoError(t, m.OnDecoderManifestUpdate(marshalManifest(t, 1, 42)))
	require.NoError(t, m.OnCollectionSchemeUpdate(marshalSchemes(t, model.Scheme{
		SchemeID:          10,
		DecoderManifestID: 1,
		StartTimeMs:       0,
		ExpiryTimeMs:      1_000_000,
		Condition:         signalGTCondition(42, 0),
	})))

	m.RunOnce(0) // installs the manifest
	m.RunOnce(0) // installs the scheme list and activates it (startTime 0 <= now)

	eng.AddSample(model.SignalSample{SignalID: 42, ReceiveTimeMs: 0, Value: 99})
	_, ok := eng.History().LatestSample(42)
	require.True(t, ok, "signal 42 should be tracked once the scheme referencing it is enabled")

	// A manifest with a different id discards every scheme tied to the old
	// one, even though this replacement still describes signal 42.
	require.NoError(t, m.OnDecoderManifestUpdate(marshalManifest(t, 2, 42)))
	m.RunOnce(0)

	snap := m.Snapshot()
	assert.Equal(t, 0, snap.EnabledCount, "scheme tied to the old manifest must not survive the swap")
	assert.EqualValues(t, 2, snap.ManifestID)

	_, ok = eng.History().LatestSample(42)
	assert.False(t, ok, "ring buffer for signal 42 must be dropped once no condition references it")

	eng.EvaluateConditions(0)
	payload, _ := eng.CollectNextDataToSend(0)
	assert.Nil(t, payload, "no condition survives the manifest swap, so nothing can trigger")
}

func TestDeadlineSchedulingActivatesAndExpires(t *testing.T) {
	m := New(Options{})
	eng := inspection.New(inspection.Options{})
	m.SetMatrixListener(eng.InstallMatrix)

	require.NoError(t, m.OnDecoderManifestUpdate(marshalManifest(t, 1, 7)))
	m.RunOnce(0)

	require.NoError(t, m.OnCollectionSchemeUpdate(marshalSchemes(t, model.Scheme{
		SchemeID:          1,
		DecoderManifestID: 1,
		StartTimeMs:       1000,
		ExpiryTimeMs:      2000,
		Condition:         signalGTCondition(7, 0),
	})))
	m.RunOnce(0)

	snap := m.Snapshot()
	assert.Equal(t, 0, snap.EnabledCount)
	assert.Equal(t, 1, snap.IdleCount, "scheme is idle before its start time")

	m.RunOnce(500)
	assert.Equal(t, 0, m.Snapshot().EnabledCount, "still idle at t=500")

	m.RunOnce(1000)
	assert.Equal(t, 1, m.Snapshot().EnabledCount, "activated at its start time")

	eng.AddSample(model.SignalSample{SignalID: 7, ReceiveTimeMs: 1500, Value: 1})
	eng.EvaluateConditions(1500)
	payload, _ := eng.CollectNextDataToSend(1500)
	assert.NotNil(t, payload, "a sample while enabled must be able to trigger")
	eng.Ack(payload.ConditionID, payload.TriggerTimeMs)

	m.RunOnce(2000)
	assert.Equal(t, 0, m.Snapshot().EnabledCount, "removed at its expiry time")

	eng.AddSample(model.SignalSample{SignalID: 7, ReceiveTimeMs: 2500, Value: 1})
	eng.EvaluateConditions(2500)
	payload, _ = eng.CollectNextDataToSend(2500)
	assert.Nil(t, payload, "the same condition after expiry must not trigger: the condition no longer exists")
}

func TestSchemeListUpdateLeavesUnchangedSchemesInPlaceAndRemovesDropped(t *testing.T) {
	m := New(Options{})
	require.NoError(t, m.OnDecoderManifestUpdate(marshalManifest(t, 1, 1, 2)))
	m.RunOnce(0)

	require.NoError(t, m.OnCollectionSchemeUpdate(marshalSchemes(t,
		model.Scheme{SchemeID: 1, DecoderManifestID: 1, StartTimeMs: 5000, ExpiryTimeMs: 6000, Condition: signalGTCondition(1, 0)},
		model.Scheme{SchemeID: 2, DecoderManifestID: 1, StartTimeMs: 5000, ExpiryTimeMs: 6000, Condition: signalGTCondition(2, 0)},
	)))
	m.RunOnce(0)
	assert.Equal(t, 2, m.Snapshot().IdleCount)

	// A fresh list drops scheme 2 and keeps scheme 1 untouched.
	require.NoError(t, m.OnCollectionSchemeUpdate(marshalSchemes(t,
		model.Scheme{SchemeID: 1, DecoderManifestID: 1, StartTimeMs: 5000, ExpiryTimeMs: 6000, Condition: signalGTCondition(1, 0)},
	)))
	m.RunOnce(0)
	snap := m.Snapshot()
	assert.Equal(t, 1, snap.IdleCount, "scheme 2 must be dropped, scheme 1 must remain idle")
}

func TestPersistenceRoundTripsManifestAndSchemeList(t *testing.T) {
	store := persistence.NewMemoryStore()
	m := New(Options{Store: store})

	require.NoError(t, m.OnDecoderManifestUpdate(marshalManifest(t, 9, 3)))
	require.NoError(t, m.OnCollectionSchemeUpdate(marshalSchemes(t,
		model.Scheme{SchemeID: 4, DecoderManifestID: 9, StartTimeMs: 0, ExpiryTimeMs: 1000, Condition: literalTrueCondition()},
	)))
	m.RunOnce(0)
	m.RunOnce(0)

	// A fresh manager against the same store must restore the manifest and
	// scheme list as if freshly received.
	restored := New(Options{Store: store})
	snap := restored.Snapshot()
	assert.True(t, snap.HasManifest)
	assert.EqualValues(t, 9, snap.ManifestID)
	assert.Equal(t, 1, snap.IdleCount, "scheme list is restored into idle pending its activation deadline")
}

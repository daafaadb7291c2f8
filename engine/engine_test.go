package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgetelemetry/collector/engine/config"
	"github.com/edgetelemetry/collector/engine/model"
	"github.com/edgetelemetry/collector/engine/persistence"
	"github.com/edgetelemetry/collector/engine/transport"
)

func gtCondition(signal model.SignalId, threshold float64) model.RawCondition {
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

func newTestEngine(t *testing.T) (*Engine, *transport.Recorder) {
	t.Helper()
	cfg := config.Defaults()
	cfg.IdleTimeMs = 10
	cfg.EvaluateIntervalMs = 5
	cfg.PersistenceDir = ""
	cfg.MetricsEnabled = false

	rec := transport.NewRecorder()
	e, err := New(cfg, WithStore(persistence.NewMemoryStore()), WithTransport(rec))
	require.NoError(t, err)
	return e, rec
}

func TestNewValidatesConfig(t *testing.T) {
	bad := config.Defaults()
	bad.IdleTimeMs = 0
	_, err := New(bad)
	assert.Error(t, err)
}

func TestStartStopIsIdempotentAndClean(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, e.Start(ctx))
	assert.Error(t, e.Start(ctx), "starting twice must fail")
	e.Stop()
	e.Stop() // must be safe to call twice
}

func TestEndToEndTriggerReachesTransport(t *testing.T) {
	e, rec := newTestEngine(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manifest := model.DecoderManifest{
		ManifestID: 1,
		Signals: map[model.SignalId]model.SignalDecoderInfo{
			7: {SignalID: 7, TypeName: "double"},
		},
	}
	manifestRaw, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, e.OnDecoderManifestUpdate(manifestRaw))

	schemes := []model.Scheme{{
		SchemeID:          1,
		DecoderManifestID: 1,
		StartTimeMs:       0,
		ExpiryTimeMs:      1_000_000,
		Condition:         gtCondition(7, 0),
	}}
	schemesRaw, err := json.Marshal(schemes)
	require.NoError(t, err)
	require.NoError(t, e.OnCollectionSchemeUpdate(schemesRaw))

	require.NoError(t, e.Start(ctx))
	defer e.Stop()

	require.Eventually(t, func() bool {
		return e.schemeManager.Snapshot().EnabledCount == 1
	}, time.Second, 5*time.Millisecond, "scheme should activate shortly after startup")

	require.True(t, e.InjectSignal(model.SignalSample{SignalID: 7, ReceiveTimeMs: time.Now().UnixMilli(), Value: 99}))

	require.Eventually(t, func() bool {
		return len(rec.Payloads()) == 1
	}, 2*time.Second, 10*time.Millisecond, "triggered payload should reach the transport")
}

func TestSnapshotReportsQueueAndSchemeState(t *testing.T) {
	e, _ := newTestEngine(t)
	snap := e.Snapshot()
	assert.Equal(t, 0, snap.SignalsLen)
	assert.Equal(t, 0, snap.Scheme.EnabledCount)
}

func TestHealthSnapshotReflectsPersistenceAndQueues(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	snap := e.HealthSnapshot(ctx)
	assert.NotEmpty(t, snap.Probes)
}

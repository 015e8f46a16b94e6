package fieldlink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEstimator(t *testing.T, origin string) *estimator {
	t.Helper()
	cfg := DefaultConfig(origin)
	cfg.Probe.History = 3
	return newEstimator(cfg, &http.Client{}, newStatsCollector(), zerolog.Nop())
}

func TestTierForCutoffs(t *testing.T) {
	e := newTestEstimator(t, "http://origin")

	assert.Equal(t, TierExcellent, e.tierFor(10*time.Millisecond))
	assert.Equal(t, TierGood, e.tierFor(150*time.Millisecond))
	assert.Equal(t, TierFair, e.tierFor(500*time.Millisecond))
	assert.Equal(t, TierPoor, e.tierFor(1500*time.Millisecond))
	assert.Equal(t, TierPoor, e.tierFor(5*time.Second))
}

func TestAdaptiveTimeoutMonotonic(t *testing.T) {
	e := newTestEstimator(t, "http://origin")
	base := 10 * time.Second

	ordered := []Tier{TierExcellent, TierGood, TierFair, TierPoor, TierOffline}
	var prev time.Duration
	for _, tier := range ordered {
		e.mu.Lock()
		e.tier = tier
		e.mu.Unlock()
		d := e.AdaptiveTimeout(base)
		assert.GreaterOrEqual(t, d, prev, "tier %s must not shorten the timeout", tier)
		prev = d
	}
}

func TestAdaptiveTimeoutCap(t *testing.T) {
	e := newTestEstimator(t, "http://origin")
	e.mu.Lock()
	e.tier = TierOffline // 3.0x
	e.mu.Unlock()

	// 3.0 * 20s would be 60s; the cap is 45s.
	assert.Equal(t, 45*time.Second, e.AdaptiveTimeout(20*time.Second))
}

func TestMeasureDerivesTier(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := newTestEstimator(t, srv.URL)
	_, err := e.Measure(context.Background())
	require.NoError(t, err)

	// Local loopback is comfortably under the excellent cutoff.
	assert.Equal(t, TierExcellent, e.CurrentTier())
	hist := e.History()
	require.Len(t, hist, 1)
	assert.Equal(t, TierExcellent, hist[0].Tier)
}

func TestMeasureFailureIsPoorNotOffline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // probe will hit a dead server

	e := newTestEstimator(t, srv.URL)
	_, err := e.Measure(context.Background())
	require.Error(t, err)

	assert.Equal(t, TierPoor, e.CurrentTier())
	assert.True(t, e.Online(), "a failed probe must not flip the platform signal")
}

func TestOfflineComesOnlyFromSignal(t *testing.T) {
	e := newTestEstimator(t, "http://origin.invalid")

	require.True(t, e.SetOnline(false))
	assert.Equal(t, TierOffline, e.CurrentTier())

	// No probe while offline.
	lat, err := e.Measure(context.Background())
	require.NoError(t, err)
	assert.Zero(t, lat)
	assert.Equal(t, TierOffline, e.CurrentTier())

	require.True(t, e.SetOnline(true))
	assert.Equal(t, TierUnknown, e.CurrentTier())
	assert.False(t, e.SetOnline(true), "no-op signal must report no change")
}

func TestHistoryRingBufferBounded(t *testing.T) {
	e := newTestEstimator(t, "http://origin") // capacity 3

	for i := 0; i < 5; i++ {
		e.mu.Lock()
		e.recordLocked(QualitySample{LatencyMs: int64(i), Tier: TierGood})
		e.mu.Unlock()
	}

	hist := e.History()
	require.Len(t, hist, 3)
	assert.Equal(t, int64(2), hist[0].LatencyMs, "oldest samples evicted first")
	assert.Equal(t, int64(4), hist[2].LatencyMs)
}

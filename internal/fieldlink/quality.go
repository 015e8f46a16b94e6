package fieldlink

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// tierMultipliers scales request timeouts by connection quality. Indexed by
// Tier; monotonically non-decreasing from excellent to offline.
var tierMultipliers = [...]float64{
	TierUnknown:   1.5,
	TierExcellent: 0.7,
	TierGood:      1.0,
	TierFair:      1.5,
	TierPoor:      2.5,
	TierOffline:   3.0,
}

type tierCutoffs struct {
	excellent time.Duration
	good      time.Duration
	fair      time.Duration
}

// estimator derives a quality tier from round-trip probes against a tiny
// fixed resource. Offline is never derived from a probe: it comes only from
// the platform connectivity signal via SetOnline.
type estimator struct {
	probeURL     string
	probeTimeout time.Duration
	maxTimeout   time.Duration
	cutoffs      tierCutoffs
	httpClient   *http.Client
	stats        *statsCollector
	log          zerolog.Logger

	mu      sync.Mutex
	online  bool
	tier    Tier
	samples []QualitySample // ring buffer
	next    int
	count   int
}

func newEstimator(cfg Config, httpClient *http.Client, stats *statsCollector, log zerolog.Logger) *estimator {
	return &estimator{
		probeURL:     cfg.Server.Origin + cfg.Probe.Path,
		probeTimeout: cfg.Probe.timeoutDur,
		maxTimeout:   cfg.Request.maxTimeoutDur,
		cutoffs: tierCutoffs{
			excellent: cfg.Probe.excellentDur,
			good:      cfg.Probe.goodDur,
			fair:      cfg.Probe.fairDur,
		},
		httpClient: httpClient,
		stats:      stats,
		log:        log,
		online:     true,
		tier:       TierUnknown,
		samples:    make([]QualitySample, cfg.Probe.History),
	}
}

func (e *estimator) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetOnline applies the platform connectivity signal. Going offline forces
// the tier; coming back resets it to unknown until the next probe. Returns
// true if the state actually changed.
func (e *estimator) SetOnline(online bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.online == online {
		return false
	}
	e.online = online
	if online {
		e.tier = TierUnknown
	} else {
		e.tier = TierOffline
		e.recordLocked(QualitySample{At: time.Now(), LatencyMs: -1, Tier: TierOffline})
	}
	return true
}

func (e *estimator) CurrentTier() Tier {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tier
}

// AdaptiveTimeout scales base by the current tier's multiplier, capped at
// the configured maximum.
func (e *estimator) AdaptiveTimeout(base time.Duration) time.Duration {
	d := time.Duration(float64(base) * tierMultipliers[e.CurrentTier()])
	if e.maxTimeout > 0 && d > e.maxTimeout {
		d = e.maxTimeout
	}
	return d
}

// Measure runs one round-trip probe and updates the current tier. A probe
// transport failure counts as poor, not offline.
func (e *estimator) Measure(ctx context.Context) (time.Duration, error) {
	e.mu.Lock()
	if !e.online {
		e.mu.Unlock()
		return 0, nil
	}
	e.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()

	// Cache-busting query param so no layer below answers from cache.
	url := fmt.Sprintf("%s?_=%d", e.probeURL, time.Now().UnixNano())
	req, err := http.NewRequestWithContext(pctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	elapsed := time.Since(start)
	if err == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	tier := e.tierFor(elapsed)
	if err != nil {
		tier = TierPoor
	}

	e.mu.Lock()
	if e.online {
		e.tier = tier
		e.recordLocked(QualitySample{At: start, LatencyMs: elapsed.Milliseconds(), Tier: tier})
	}
	e.mu.Unlock()

	if e.stats != nil && err == nil {
		e.stats.ObserveProbe(elapsed.Milliseconds())
	}
	if err != nil {
		e.log.Debug().Err(err).Msg("probe failed")
		return elapsed, err
	}
	return elapsed, nil
}

func (e *estimator) tierFor(latency time.Duration) Tier {
	switch {
	case latency < e.cutoffs.excellent:
		return TierExcellent
	case latency < e.cutoffs.good:
		return TierGood
	case latency < e.cutoffs.fair:
		return TierFair
	default:
		return TierPoor
	}
}

func (e *estimator) recordLocked(s QualitySample) {
	if len(e.samples) == 0 {
		return
	}
	e.samples[e.next] = s
	e.next = (e.next + 1) % len(e.samples)
	if e.count < len(e.samples) {
		e.count++
	}
}

// History returns the retained samples, oldest first.
func (e *estimator) History() []QualitySample {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]QualitySample, 0, e.count)
	start := e.next - e.count
	if start < 0 {
		start += len(e.samples)
	}
	for i := 0; i < e.count; i++ {
		out = append(out, e.samples[(start+i)%len(e.samples)])
	}
	return out
}

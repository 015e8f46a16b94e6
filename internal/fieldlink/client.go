package fieldlink

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
)

// Client is the resilience layer: one explicitly constructed instance owns
// the quality estimator, the durable cache and offline queue, the adaptive
// executor and the stale-while-revalidate loader. Constructed once at
// application start; all state lives on the instance.
type Client struct {
	cfg    Config
	log    zerolog.Logger
	notify Notifier

	db     *leveldb.DB
	store  *store
	queue  *offlineQueue
	est    *estimator
	exec   *executor
	loader *loader
	stats  *statsCollector

	stopCh    chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New opens the durable store at cfg.Storage.Path and starts the probe and
// stats loops. notify may be nil; notifications are then discarded.
func New(cfg Config, notify Notifier, log zerolog.Logger) (*Client, error) {
	if notify == nil {
		notify = NopNotifier{}
	}

	db, err := leveldb.OpenFile(cfg.Storage.Path, nil)
	if err != nil {
		return nil, err
	}

	degraded := newRateLimitedLogger(log, time.Minute)
	st, err := newStore(db, cfg.Storage.Namespace, cfg.Storage.maxBytes, degraded)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	q, err := newOfflineQueue(db, cfg.Storage.Namespace, degraded)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	// No client-level timeout: every attempt carries its own adaptive
	// deadline via context.
	httpClient := &http.Client{}
	stats := newStatsCollector()
	est := newEstimator(cfg, httpClient, stats, log)

	c := &Client{
		cfg:    cfg,
		log:    log,
		notify: notify,
		db:     db,
		store:  st,
		queue:  q,
		est:    est,
		exec:   newExecutor(cfg, httpClient, est, q, notify, stats, log),
		loader: newLoader(cfg, httpClient, est, st, stats, log),
		stats:  stats,
		stopCh: make(chan struct{}),
	}

	// Startup probe, then the periodic loop.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.measureOnce()
		c.probeLoop()
	}()

	if cfg.Logging.logStatsEveryDur > 0 {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}

	return c, nil
}

// Close stops background loops and closes the store.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.stopCh)
		c.wg.Wait()
		_ = c.db.Close()
	})
}

// Request executes method against a path on the configured origin. See
// executor.Do for the outcome contract.
func (c *Client) Request(ctx context.Context, method, path string, body []byte) (*Result, error) {
	return c.exec.Do(ctx, method, c.cfg.Server.Origin+path, body)
}

// Load runs stale-while-revalidate for a path, keyed by cacheKey.
func (c *Client) Load(ctx context.Context, path, cacheKey string, expiry time.Duration, extract Extractor, onData DataFunc) error {
	return c.loader.Load(ctx, c.cfg.Server.Origin+path, cacheKey, expiry, extract, onData)
}

// Preload warms the configured resources for a page type.
func (c *Client) Preload(ctx context.Context, page string) {
	c.loader.Preload(ctx, page)
}

// Invalidate removes one cached entry.
func (c *Client) Invalidate(cacheKey string) {
	c.store.Remove(cacheKey)
}

// ClearCache removes every cached entry in the namespace. The offline queue
// is not touched.
func (c *Client) ClearCache() {
	c.store.ClearNamespace()
}

// SetOnline applies the platform connectivity signal. Regaining connectivity
// triggers a probe and an offline-queue drain.
func (c *Client) SetOnline(online bool) {
	if !c.est.SetOnline(online) {
		return
	}
	if !online {
		c.log.Info().Msg("connectivity lost, deferring writes")
		return
	}
	c.log.Info().Msg("connectivity regained")
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.measureOnce()
		c.drainOffline()
	}()
}

// NotifyVisible is the tab-visibility-regain trigger: re-probe so the next
// request uses a current tier.
func (c *Client) NotifyVisible() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.measureOnce()
	}()
}

// Tier returns the current connection-quality tier.
func (c *Client) Tier() Tier {
	return c.est.CurrentTier()
}

// History returns retained quality samples, oldest first.
func (c *Client) History() []QualitySample {
	return c.est.History()
}

// QueueLen returns the number of pending offline writes.
func (c *Client) QueueLen() int {
	return c.queue.Len()
}

func (c *Client) drainOffline() {
	if c.queue.Len() == 0 {
		return
	}
	c.notify.ShowBusy("syncing offline changes")
	defer c.notify.HideBusy()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	c.exec.DrainOffline(ctx)
}

func (c *Client) measureOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Probe.timeoutDur+time.Second)
	defer cancel()
	_, _ = c.est.Measure(ctx)
}

func (c *Client) probeLoop() {
	if c.cfg.Probe.everyDur <= 0 {
		return
	}
	t := time.NewTicker(c.cfg.Probe.everyDur)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			c.measureOnce()
		}
	}
}

func (c *Client) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-t.C:
			ss := c.stats.Snapshot()
			ev := c.log.Info().
				Str("tier", c.est.CurrentTier().String()).
				Int("queued", c.queue.Len()).
				Int("cachedKeys", c.store.KeyCount()).
				Str("cacheSize", formatBytes(uint64(c.store.TotalSize()))).
				Uint64("requests", ss.Requests).
				Uint64("retries", ss.Retries).
				Uint64("dedupJoins", ss.DedupJoins).
				Uint64("hits", ss.CacheHits).
				Uint64("misses", ss.CacheMisses)
			if ss.Probes > 0 {
				ev = ev.Str("probeMs", probeLine(ss))
			}
			if rss, ok := processRSSBytes(); ok {
				ev = ev.Str("rss", formatBytes(rss))
			}
			ev.Msg("stats")
		}
	}
}

func probeLine(ss statsSnapshot) string {
	return fmt.Sprintf("%d/%d/%d", ss.MinProbeMs, ss.AvgProbeMs, ss.MaxProbeMs)
}

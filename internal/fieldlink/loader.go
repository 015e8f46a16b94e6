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

// LoadMeta tags each onData delivery with its source.
type LoadMeta struct {
	FromCache bool
	Expired   bool
	Err       error
}

// DataFunc receives a payload from cache or network. It fires at most twice
// per Load call: once from cache, once from network when the content changed.
type DataFunc func(payload []byte, meta LoadMeta)

// Extractor maps a raw response body to the domain payload. Returning an
// empty payload means there is nothing to cache or deliver.
type Extractor func(body []byte) ([]byte, error)

// loader serves cached content immediately and revalidates from the network,
// invoking the consumer again only when the content fingerprint changed.
// Concurrent loads of the same URL share one network fetch.
type loader struct {
	httpClient *http.Client
	est        *estimator
	store      *store
	stats      *statsCollector
	log        zerolog.Logger

	origin      string
	baseTimeout time.Duration
	preload     []PreloadRule

	mu       sync.Mutex
	inflight map[string]*fetchCall
}

type fetchCall struct {
	done chan struct{}
	body []byte
	err  error
}

func newLoader(cfg Config, httpClient *http.Client, est *estimator, st *store, stats *statsCollector, log zerolog.Logger) *loader {
	return &loader{
		httpClient:  httpClient,
		est:         est,
		store:       st,
		stats:       stats,
		log:         log,
		origin:      cfg.Server.Origin,
		baseTimeout: cfg.Request.baseTimeoutDur,
		preload:     cfg.Preload,
		inflight:    map[string]*fetchCall{},
	}
}

// Load implements stale-while-revalidate for one resource.
//
// Cached content (even expired) is delivered before the network is touched.
// A fresh fetch always refreshes the stored value and its timestamp; the
// consumer is called again only if the fingerprint changed or nothing was
// delivered from cache. A network failure after cached delivery is silent.
// The returned error is non-nil only when neither cache nor network
// produced data, matching the single error callback.
func (l *loader) Load(ctx context.Context, url, cacheKey string, expiry time.Duration, extract Extractor, onData DataFunc) error {
	shown := false
	var prevHash uint32

	if cv := l.store.Get(cacheKey, expiry); cv != nil {
		shown = true
		prevHash = fingerprint(cv.Data)
		l.stats.cacheHits.Add(1)
		if onData != nil {
			onData(cv.Data, LoadMeta{FromCache: true, Expired: cv.Expired})
		}
	} else {
		l.stats.cacheMisses.Add(1)
	}

	body, err := l.fetch(ctx, url)
	if err == nil && extract != nil {
		body, err = extract(body)
	}
	if err != nil {
		if shown {
			// The consumer already has something to look at.
			l.log.Debug().Err(err).Str("url", url).Msg("revalidation failed, serving stale")
			return nil
		}
		if onData != nil {
			onData(nil, LoadMeta{Err: err})
		}
		return err
	}
	if len(body) == 0 {
		if shown {
			return nil
		}
		return fmt.Errorf("load %s: empty payload", url)
	}

	// Store unconditionally: even unchanged content re-validates the
	// expiry clock.
	l.store.Set(cacheKey, body)

	if onData != nil {
		if h := fingerprint(body); !shown || h != prevHash {
			onData(body, LoadMeta{})
		}
	}
	return nil
}

// Preload warms the configured resources for a page type, without callbacks.
func (l *loader) Preload(ctx context.Context, page string) {
	for _, rule := range l.preload {
		if rule.Page != page {
			continue
		}
		for _, res := range rule.Resources {
			if err := l.Load(ctx, l.origin+res.Path, res.CacheKey, res.expDur, nil, nil); err != nil {
				l.log.Debug().Err(err).Str("resource", res.Name).Msg("preload failed")
			}
		}
	}
}

// fetch deduplicates concurrent fetches of the same URL: late arrivals wait
// for the first fetch and share its body and error.
func (l *loader) fetch(ctx context.Context, url string) ([]byte, error) {
	l.mu.Lock()
	if call, ok := l.inflight[url]; ok {
		l.mu.Unlock()
		l.stats.dedupJoins.Add(1)
		select {
		case <-call.done:
			return call.body, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &fetchCall{done: make(chan struct{})}
	l.inflight[url] = call
	l.mu.Unlock()

	call.body, call.err = l.fetchOnce(ctx, url)

	l.mu.Lock()
	delete(l.inflight, url)
	l.mu.Unlock()
	close(call.done)
	return call.body, call.err
}

func (l *loader) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	fctx, cancel := context.WithTimeout(ctx, l.est.AdaptiveTimeout(l.baseTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(fctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

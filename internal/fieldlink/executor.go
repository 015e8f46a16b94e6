package fieldlink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// executor runs network operations with adaptive timeouts, bounded retries,
// in-flight deduplication, a concurrency cap, and offline routing of writes.
type executor struct {
	httpClient *http.Client
	est        *estimator
	queue      *offlineQueue
	notify     Notifier
	stats      *statsCollector
	log        zerolog.Logger

	baseTimeout time.Duration
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxRetries  int

	// sem bounds concurrent executions; blocked senders are served in
	// arrival order.
	sem chan struct{}

	mu       sync.Mutex
	inflight map[string]*inflightCall
	draining bool
}

type inflightCall struct {
	done chan struct{}
	res  *Result
	err  error
}

func newExecutor(cfg Config, httpClient *http.Client, est *estimator, queue *offlineQueue, notify Notifier, stats *statsCollector, log zerolog.Logger) *executor {
	return &executor{
		httpClient:  httpClient,
		est:         est,
		queue:       queue,
		notify:      notify,
		stats:       stats,
		log:         log,
		baseTimeout: cfg.Request.baseTimeoutDur,
		baseDelay:   cfg.Request.baseDelayDur,
		maxDelay:    cfg.Request.maxDelayDur,
		maxRetries:  cfg.Request.MaxRetries,
		sem:         make(chan struct{}, cfg.Request.Concurrency),
		inflight:    map[string]*inflightCall{},
	}
}

func isWrite(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}

// backoffDelay returns min(base * 2^attempt, max). No jitter: the bound must
// be deterministic.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	d := base << attempt
	if d > max || d < base { // d < base guards shift overflow
		d = max
	}
	return d
}

// Do executes one logical request. Concurrent calls with the same method,
// URL and body share a single network execution and receive the same
// outcome. Only fatal and retry-exhausted failures come back as errors;
// writes submitted while offline return a deferred Result instead.
func (e *executor) Do(ctx context.Context, method, url string, body []byte) (*Result, error) {
	id := method + " " + url + " " + string(body)

	e.mu.Lock()
	if call, ok := e.inflight[id]; ok {
		e.mu.Unlock()
		e.stats.dedupJoins.Add(1)
		select {
		case <-call.done:
			return call.res, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &inflightCall{done: make(chan struct{})}
	e.inflight[id] = call
	e.mu.Unlock()

	res, err := e.execute(ctx, method, url, body)

	call.res, call.err = res, err
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
	close(call.done)
	return res, err
}

func (e *executor) execute(ctx context.Context, method, url string, body []byte) (*Result, error) {
	e.stats.requests.Add(1)

	// Offline routing happens before taking a slot: a deferred write must
	// settle immediately, not wait behind in-flight network work.
	if !e.est.Online() {
		if isWrite(method) {
			return e.deferOffline(method, url, body), nil
		}
		return nil, ErrOfflineRead
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-e.sem }()

	var last error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			e.stats.retries.Add(1)
			select {
			case <-time.After(backoffDelay(e.baseDelay, e.maxDelay, attempt-1)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			// Connectivity may have dropped between attempts.
			if !e.est.Online() {
				if isWrite(method) {
					return e.deferOffline(method, url, body), nil
				}
				return nil, ErrOfflineRead
			}
		}

		res, err := e.attempt(ctx, method, url, body)
		if err == nil {
			return res, nil
		}
		var fatal *FatalError
		if errors.As(err, &fatal) {
			e.notify.Notify(NotifyError, fmt.Sprintf("request rejected (%d)", fatal.Status))
			return nil, err
		}
		last = err
		e.log.Debug().Err(err).Str("method", method).Str("url", url).Int("attempt", attempt).Msg("attempt failed")
	}

	ex := &ExhaustedError{Attempts: e.maxRetries + 1, Last: last}
	e.notify.Notify(NotifyError, "request failed after retries")
	return nil, ex
}

// attempt performs a single network attempt with the current adaptive
// timeout. Timeouts and transport errors are transient; 400/401 are fatal;
// any other non-2xx status is transient.
func (e *executor) attempt(ctx context.Context, method, url string, body []byte) (*Result, error) {
	actx, cancel := context.WithTimeout(ctx, e.est.AdaptiveTimeout(e.baseTimeout))
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(actx, method, url, rd)
	if err != nil {
		return nil, &FatalError{Status: 0, Body: err.Error()}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		label := "network"
		if actx.Err() == context.DeadlineExceeded {
			label = "timeout"
		}
		return nil, &TransientError{Label: label, Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Label: "network", Cause: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		ct := resp.Header.Get("Content-Type")
		return &Result{
			Status: resp.StatusCode,
			Body:   respBody,
			IsJSON: strings.Contains(ct, "json"),
		}, nil
	case fatalStatus(resp.StatusCode):
		return nil, &FatalError{Status: resp.StatusCode, Body: truncate(respBody, 256)}
	default:
		return nil, &TransientError{Status: resp.StatusCode, Label: "status"}
	}
}

func (e *executor) deferOffline(method, url string, body []byte) *Result {
	entry := OfflineEntry{
		ID:         uuid.NewString(),
		Method:     method,
		URL:        url,
		Body:       body,
		EnqueuedAt: time.Now(),
	}
	e.queue.Enqueue(entry)
	e.stats.queuedWrites.Add(1)
	e.notify.Notify(NotifyInfo, "saved offline, will sync when connection returns")
	return &Result{Status: http.StatusAccepted, Deferred: true, QueueID: entry.ID}
}

// DrainOffline replays queued writes, one network attempt per entry.
// Failures go back to the tail for a later pass. Overlapping drains
// collapse into one.
func (e *executor) DrainOffline(ctx context.Context) (replayed, requeued int) {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return 0, 0
	}
	e.draining = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.draining = false
		e.mu.Unlock()
	}()

	replayed, requeued = e.queue.DrainOnce(func(entry OfflineEntry) error {
		_, err := e.attempt(ctx, entry.Method, entry.URL, entry.Body)
		return err
	})
	if replayed > 0 {
		e.stats.replayed.Add(uint64(replayed))
		e.notify.Notify(NotifySuccess, fmt.Sprintf("synced %d offline change(s)", replayed))
	}
	if requeued > 0 {
		e.log.Warn().Int("requeued", requeued).Msg("offline drain left entries for next pass")
	}
	return replayed, requeued
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}

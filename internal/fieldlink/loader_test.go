package fieldlink

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type loaderFixture struct {
	loader *loader
	store  *store
}

func newTestLoader(t *testing.T, origin string, preload []PreloadRule) *loaderFixture {
	t.Helper()
	cfg := DefaultConfig(origin)
	cfg.Preload = preload

	db := openTestDB(t)
	st := newTestStore(t, db, 0)
	httpClient := &http.Client{}
	stats := newStatsCollector()
	est := newEstimator(cfg, httpClient, stats, zerolog.Nop())
	return &loaderFixture{
		loader: newLoader(cfg, httpClient, est, st, stats, zerolog.Nop()),
		store:  st,
	}
}

type dataRecord struct {
	payload []byte
	meta    LoadMeta
}

type dataRecorder struct {
	mu    sync.Mutex
	calls []dataRecord
}

func (r *dataRecorder) fn(payload []byte, meta LoadMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, dataRecord{payload: payload, meta: meta})
}

func (r *dataRecorder) snapshot() []dataRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]dataRecord{}, r.calls...)
}

func TestLoadUnchangedContentFiresOnce(t *testing.T) {
	payload := []byte(`{"trips":["A"]}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	f := newTestLoader(t, srv.URL, nil)
	f.store.Set("trips", payload)
	before := f.store.Get("trips", time.Minute).StoredAt

	time.Sleep(5 * time.Millisecond)
	rec := &dataRecorder{}
	require.NoError(t, f.loader.Load(context.Background(), srv.URL+"/trips", "trips", time.Minute, nil, rec.fn))

	calls := rec.snapshot()
	require.Len(t, calls, 1, "unchanged content must not fire the consumer twice")
	assert.True(t, calls[0].meta.FromCache)
	assert.Equal(t, payload, calls[0].payload)

	// The stored timestamp still refreshed: unchanged content re-validates
	// the expiry clock.
	assert.True(t, f.store.Get("trips", time.Minute).StoredAt.After(before))
}

func TestLoadChangedContentFiresTwice(t *testing.T) {
	cached := []byte(`{"trips":["A"]}`)
	fresh := []byte(`{"trips":["A","B"]}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(fresh)
	}))
	defer srv.Close()

	f := newTestLoader(t, srv.URL, nil)
	f.store.Set("trips", cached)

	rec := &dataRecorder{}
	require.NoError(t, f.loader.Load(context.Background(), srv.URL+"/trips", "trips", time.Minute, nil, rec.fn))

	calls := rec.snapshot()
	require.Len(t, calls, 2)
	assert.True(t, calls[0].meta.FromCache)
	assert.Equal(t, cached, calls[0].payload)
	assert.False(t, calls[1].meta.FromCache)
	assert.Equal(t, fresh, calls[1].payload)

	assert.Equal(t, fresh, f.store.Get("trips", time.Minute).Data)
}

func TestLoadNoCacheNetworkSuccess(t *testing.T) {
	fresh := []byte(`{"trips":["A"]}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(fresh)
	}))
	defer srv.Close()

	f := newTestLoader(t, srv.URL, nil)
	rec := &dataRecorder{}
	require.NoError(t, f.loader.Load(context.Background(), srv.URL+"/trips", "trips", time.Minute, nil, rec.fn))

	calls := rec.snapshot()
	require.Len(t, calls, 1)
	assert.False(t, calls[0].meta.FromCache)
	assert.Equal(t, fresh, calls[0].payload)
}

func TestLoadNoCacheNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestLoader(t, srv.URL, nil)
	rec := &dataRecorder{}
	err := f.loader.Load(context.Background(), srv.URL+"/trips", "trips", time.Minute, nil, rec.fn)
	require.Error(t, err)

	calls := rec.snapshot()
	require.Len(t, calls, 1)
	assert.Nil(t, calls[0].payload)
	assert.Error(t, calls[0].meta.Err)
}

func TestLoadStaleServedOnNetworkFailure(t *testing.T) {
	cached := []byte(`{"trips":["A"]}`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestLoader(t, srv.URL, nil)
	f.store.Set("trips", cached)
	time.Sleep(5 * time.Millisecond)

	rec := &dataRecorder{}
	// Tiny expiry: the cached copy is stale, but still shown; the failed
	// refresh stays silent.
	require.NoError(t, f.loader.Load(context.Background(), srv.URL+"/trips", "trips", time.Nanosecond, nil, rec.fn))

	calls := rec.snapshot()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].meta.FromCache)
	assert.True(t, calls[0].meta.Expired)
	assert.Equal(t, cached, calls[0].payload)
}

func TestLoadDeduplicatesConcurrentFetches(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte(`{"trips":[]}`))
	}))
	defer srv.Close()

	f := newTestLoader(t, srv.URL, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := &dataRecorder{}
			assert.NoError(t, f.loader.Load(context.Background(), srv.URL+"/trips", "trips", time.Minute, nil, rec.fn))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), hits.Load(), "concurrent loads of one URL share one fetch")
}

func TestLoadExtractor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"ok":true,"data":{"trips":["A"]}}`)
	}))
	defer srv.Close()

	extract := func(body []byte) ([]byte, error) {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &envelope); err != nil {
			return nil, err
		}
		return envelope.Data, nil
	}

	f := newTestLoader(t, srv.URL, nil)
	rec := &dataRecorder{}
	require.NoError(t, f.loader.Load(context.Background(), srv.URL+"/trips", "trips", time.Minute, extract, rec.fn))

	calls := rec.snapshot()
	require.Len(t, calls, 1)
	assert.JSONEq(t, `{"trips":["A"]}`, string(calls[0].payload))
	assert.JSONEq(t, `{"trips":["A"]}`, string(f.store.Get("trips", time.Minute).Data))
}

func TestPreloadWarmsConfiguredResources(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"path":%q}`, r.URL.Path)
	}))
	defer srv.Close()

	preload := []PreloadRule{{
		Page: "log",
		Resources: []PreloadResource{
			{Name: "trips", Path: "/api/trips", CacheKey: "trips", expDur: time.Minute},
			{Name: "crew", Path: "/api/crew", CacheKey: "crew", expDur: time.Minute},
		},
	}, {
		Page: "admin",
		Resources: []PreloadResource{
			{Name: "users", Path: "/api/users", CacheKey: "users", expDur: time.Minute},
		},
	}}

	f := newTestLoader(t, srv.URL, preload)
	f.loader.Preload(context.Background(), "log")

	require.NotNil(t, f.store.Get("trips", time.Minute))
	require.NotNil(t, f.store.Get("crew", time.Minute))
	assert.Nil(t, f.store.Get("users", time.Minute), "other page types stay cold")
}

package decide

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ckerrors "github.com/randalmurphal/capturekit/pkg/capturekit/errors"
	"github.com/randalmurphal/capturekit/pkg/capturekit/event"
	"github.com/randalmurphal/capturekit/pkg/capturekit/persistence"
	"github.com/randalmurphal/capturekit/pkg/capturekit/storage"
)

type countingFetcher struct {
	calls atomic.Int32
	mu    sync.Mutex
	reqs  []Request
	flags map[string]any
	err   error
}

func (c *countingFetcher) Fetch(_ context.Context, req Request) (map[string]any, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	return c.flags, c.err
}

func newStore() *persistence.Store {
	return persistence.New(storage.NewMemoryStorage(), persistence.Config{Name: "test"})
}

func TestReloadDebounces(t *testing.T) {
	fetcher := &countingFetcher{flags: map[string]any{"beta": true}}
	store := newStore()
	store.Register(event.Properties{persistence.KeyDistinctID: "user-1"})
	f := New(fetcher, store, Config{Token: "tok", Debounce: 10 * time.Millisecond})
	defer f.Close()

	f.ReloadFeatureFlags()
	f.ReloadFeatureFlags()
	f.ReloadFeatureFlags()

	assert.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	f.Wait()
	assert.Equal(t, int32(1), fetcher.calls.Load())

	fetcher.mu.Lock()
	assert.Equal(t, Request{Token: "tok", DistinctID: "user-1"}, fetcher.reqs[0])
	fetcher.mu.Unlock()

	flags, ok := store.Get(persistence.KeyEnabledFlags)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"beta": true}, flags)
	assert.Equal(t, true, store.Properties()["$feature/beta"])
}

func TestReloadWhilePaused(t *testing.T) {
	fetcher := &countingFetcher{flags: map[string]any{}}
	f := New(fetcher, newStore(), Config{Debounce: time.Millisecond})
	defer f.Close()

	f.SetReloadingPaused(true)
	f.ReloadFeatureFlags()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), fetcher.calls.Load(), "paused reload waits")

	f.SetReloadingPaused(false)
	assert.Eventually(t, func() bool { return fetcher.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestResetRequestQueueDropsQueuedReload(t *testing.T) {
	fetcher := &countingFetcher{flags: map[string]any{}}
	f := New(fetcher, newStore(), Config{Debounce: time.Millisecond})
	defer f.Close()

	f.SetReloadingPaused(true)
	f.ReloadFeatureFlags()
	f.ResetRequestQueue()
	f.SetReloadingPaused(false)

	time.Sleep(20 * time.Millisecond)
	f.Wait()
	assert.Equal(t, int32(0), fetcher.calls.Load())
}

func TestDecideSendsGroups(t *testing.T) {
	fetcher := &countingFetcher{flags: map[string]any{"org-flag": "variant"}}
	store := newStore()
	store.Register(event.Properties{
		persistence.KeyDistinctID: "user-1",
		persistence.KeyGroups:     map[string]any{"organization": "org::5"},
	})
	f := New(fetcher, store, Config{})

	var got map[string]any
	f.OnFeatureFlags(func(flags map[string]any) { got = flags })
	f.OnFeatureFlags(func(map[string]any) { panic("listener failure") })

	f.Decide()
	require.NoError(t, f.Close())

	require.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, map[string]any{"organization": "org::5"}, fetcher.reqs[0].Groups)
	assert.Equal(t, map[string]any{"org-flag": "variant"}, got)
}

func TestFetchErrorKeepsFlags(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("offline")}
	store := newStore()
	store.Register(event.Properties{persistence.KeyEnabledFlags: map[string]any{"old": true}})
	f := New(fetcher, store, Config{})

	err := f.Reload(context.Background())

	assert.Error(t, err)
	flags, _ := store.Get(persistence.KeyEnabledFlags)
	assert.Equal(t, map[string]any{"old": true}, flags)
}

func TestCloseCancelsPendingReload(t *testing.T) {
	fetcher := &countingFetcher{flags: map[string]any{}}
	f := New(fetcher, newStore(), Config{Debounce: time.Hour})

	f.ReloadFeatureFlags()
	done := make(chan struct{})
	go func() {
		_ = f.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a pending timer")
	}
	assert.Equal(t, int32(0), fetcher.calls.Load())
}

func TestHTTPFetcher(t *testing.T) {
	var calls atomic.Int32
	r := chi.NewRouter()
	r.Post("/decide/", func(w http.ResponseWriter, req *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "2", req.URL.Query().Get("v"))
		var body Request
		if !assert.NoError(t, json.NewDecoder(req.Body).Decode(&body)) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		assert.Equal(t, "user-1", body.DistinctID)
		_, _ = w.Write([]byte(`{"featureFlags":{"beta":true}}`))
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	f := NewHTTPFetcher(srv.URL, nil)
	f.retry = ckerrors.Policy{MaxAttempts: 2, Initial: time.Millisecond}

	flags, err := f.Fetch(context.Background(), Request{Token: "tok", DistinctID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"beta": true}, flags)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPFetcherPermanentError(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/decide/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	_, err := NewHTTPFetcher(srv.URL, nil).Fetch(context.Background(), Request{})

	var httpErr *ckerrors.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusUnauthorized, httpErr.StatusCode)
	assert.Equal(t, "bad token", httpErr.Body)
}

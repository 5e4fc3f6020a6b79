package offline

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func jsonHTTPResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

type interceptorFixture struct {
	interceptor *Interceptor
	db          *DB
	notifier    *recordingNotifier
	manifest    *Manifest
	monitor     *Monitor
	calls       atomic.Int32
}

func newInterceptorFixture(t *testing.T, backend roundTripFunc) *interceptorFixture {
	t.Helper()
	cfg := testConfig()
	f := &interceptorFixture{notifier: &recordingNotifier{}}
	base := roundTripFunc(func(req *http.Request) (*http.Response, error) {
		f.calls.Add(1)
		return backend(req)
	})

	caches := NewCacheStorage(testCacheBytes)
	manifest, err := NewManifest(cfg.Precache, cfg.Worker.AppOrigin, caches, nil)
	require.NoError(t, err)
	images, err := NewImageResolver(caches, manifest, cfg.Precache.OfflineImage, 16)
	require.NoError(t, err)
	policy, err := NewPolicy(cfg, manifest)
	require.NoError(t, err)

	f.db = newTestDB(t)
	f.manifest = manifest
	f.monitor = NewMonitor(testAPIOrigin+"/restaurants", time.Second, base, nil)
	syncer := NewSyncManager(f.db, DefaultCategories(), nil, f.notifier, nil)
	responder := NewResponder(f.db, base, f.notifier, f.monitor, 2*time.Second, nil)
	t.Cleanup(func() {
		responder.Wait()
		syncer.Wait()
	})

	f.interceptor = &Interceptor{
		policy:    policy,
		base:      base,
		monitor:   f.monitor,
		caches:    caches,
		runtime:   caches.Open(runtimeCacheName),
		images:    images,
		db:        f.db,
		responder: responder,
		syncer:    syncer,
		logger:    zap.NewNop().Sugar(),
	}
	return f
}

func (f *interceptorFixture) do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.interceptor.RoundTrip(req)
	require.NoError(t, err)
	return resp
}

func (f *interceptorFixture) wait() {
	f.interceptor.responder.Wait()
	f.interceptor.syncer.Wait()
}

func TestPolicyDecide(t *testing.T) {
	cfg := testConfig()
	manifest, err := NewManifest(cfg.Precache, cfg.Worker.AppOrigin, NewCacheStorage(testCacheBytes), nil)
	require.NoError(t, err)
	policy, err := NewPolicy(cfg, manifest)
	require.NoError(t, err)

	tests := []struct {
		name   string
		method string
		url    string
		online bool
		want   Decision
	}{
		{"precached shell asset", "GET", "http://app.test/css/styles.css", true,
			Decision{Route: RoutePrecache, Key: "http://app.test/css/styles.css"}},
		{"other same-origin asset", "GET", "http://app.test/img/1-300.jpg", true,
			Decision{Route: RouteCacheFirst}},
		{"excluded path", "GET", "http://app.test/maps/tile.png", true,
			Decision{Route: RoutePassThrough}},
		{"cross origin", "GET", "https://fonts.test/roboto.woff2", true,
			Decision{Route: RoutePassThrough}},
		{"api list", "GET", "http://api.test/restaurants", true,
			Decision{Route: RouteAPI, Store: "restaurants"}},
		{"api by id", "GET", "http://api.test/restaurants/3", false,
			Decision{Route: RouteAPI, Store: "restaurants", ID: int64(3), Lookup: Lookup{Key: int64(3)}}},
		{"api by index", "GET", "http://api.test/reviews/?restaurant_id=2", true,
			Decision{Route: RouteAPI, Store: "reviews", Lookup: Lookup{Index: "restaurant_id", Key: int64(2)}}},
		{"post offline", "POST", "http://api.test/reviews/", false,
			Decision{Route: RouteDefer, Store: "reviews"}},
		{"put online", "PUT", "http://api.test/restaurants/3/", true,
			Decision{Route: RouteWriteThrough, Store: "restaurants", ID: int64(3), Lookup: Lookup{Key: int64(3)}}},
		{"post to app origin", "POST", "http://app.test/contact", false,
			Decision{Route: RoutePassThrough}},
		{"delete", "DELETE", "http://api.test/reviews/1", false,
			Decision{Route: RoutePassThrough}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.url, nil)
			assert.Equal(t, tt.want, policy.Decide(req, tt.online))
		})
	}
}

func TestInterceptorCacheFirst(t *testing.T) {
	t.Run("second request is served from cache", func(t *testing.T) {
		f := newInterceptorFixture(t, func(*http.Request) (*http.Response, error) {
			return textResponse(http.StatusOK, "body { color: red }"), nil
		})
		first := readAll(t, f.do(t, "GET", "http://app.test/css/extra.css", ""))
		second := readAll(t, f.do(t, "GET", "http://app.test/css/extra.css", ""))
		assert.Equal(t, first, second)
		assert.Equal(t, int32(1), f.calls.Load())
	})

	t.Run("non-200 responses are not cached", func(t *testing.T) {
		f := newInterceptorFixture(t, func(*http.Request) (*http.Response, error) {
			return textResponse(http.StatusNotFound, "nope"), nil
		})
		assert.Equal(t, http.StatusNotFound, f.do(t, "GET", "http://app.test/missing.js", "").StatusCode)
		f.do(t, "GET", "http://app.test/missing.js", "")
		assert.Equal(t, int32(2), f.calls.Load())
	})

	t.Run("offline image falls back", func(t *testing.T) {
		f := newInterceptorFixture(t, offlineTransport)
		resp := f.do(t, "GET", "http://app.test/img/foo-300.jpg", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "true", resp.Header.Get("X-Offline-Placeholder"))
	})

	t.Run("offline non-image fails", func(t *testing.T) {
		f := newInterceptorFixture(t, offlineTransport)
		_, err := f.interceptor.RoundTrip(httptest.NewRequest("GET", "http://app.test/js/extra.js", nil))
		assert.ErrorIs(t, err, errOffline)
	})

	t.Run("precache hit and miss", func(t *testing.T) {
		f := newInterceptorFixture(t, func(*http.Request) (*http.Response, error) {
			return textResponse(http.StatusOK, "from network"), nil
		})
		require.NoError(t, f.manifest.Cache().PutBytes("http://app.test/index.html", 200, http.Header{}, []byte("from precache")))
		assert.Equal(t, "from precache", readAll(t, f.do(t, "GET", "http://app.test/index.html?utm_source=x", "")))
		assert.Zero(t, f.calls.Load())

		assert.Equal(t, "from network", readAll(t, f.do(t, "GET", "http://app.test/css/styles.css", "")))
		assert.Equal(t, int32(1), f.calls.Load())
	})
}

func TestInterceptorAPI(t *testing.T) {
	ctx := context.Background()

	t.Run("empty store waits for network and mirrors", func(t *testing.T) {
		f := newInterceptorFixture(t, func(*http.Request) (*http.Response, error) {
			return jsonHTTPResponse(200, `[{"id":1,"name":"Mission Chinese Food"},{"id":2,"name":"Emily"}]`), nil
		})
		resp := f.do(t, "GET", "http://api.test/restaurants", "")
		assert.Equal(t, "network", resp.Header.Get(SourceHeader))
		var list []Restaurant
		require.NoError(t, json.Unmarshal([]byte(readAll(t, resp)), &list))
		assert.Len(t, list, 2)

		f.wait()
		n, err := f.db.Count(ctx, PartitionRestaurants)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Zero(t, f.notifier.count(EventUpdateContent))
	})

	t.Run("store snapshot first, then updateContent on change", func(t *testing.T) {
		f := newInterceptorFixture(t, func(*http.Request) (*http.Response, error) {
			return jsonHTTPResponse(200, `[{"id":1,"name":"Renamed"}]`), nil
		})
		require.NoError(t, f.db.Put(ctx, PartitionRestaurants, Record{"id": 1, "name": "Old"}))

		resp := f.do(t, "GET", "http://api.test/restaurants", "")
		assert.Equal(t, "store", resp.Header.Get(SourceHeader))
		assert.Contains(t, readAll(t, resp), "Old")

		f.wait()
		assert.Equal(t, 1, f.notifier.count(EventUpdateContent))
		rec, _, err := f.db.GetByID(ctx, PartitionRestaurants, 1)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", rec["name"])
	})

	t.Run("unchanged data stays quiet", func(t *testing.T) {
		f := newInterceptorFixture(t, func(*http.Request) (*http.Response, error) {
			return jsonHTTPResponse(200, `[{"id":2,"name":"B"},{"id":1,"name":"A"}]`), nil
		})
		require.NoError(t, f.db.Put(ctx, PartitionRestaurants, Record{"id": 1, "name": "A"}, Record{"id": 2, "name": "B"}))
		f.do(t, "GET", "http://api.test/restaurants", "")
		f.wait()
		assert.Zero(t, f.notifier.count(EventUpdateContent))
	})

	t.Run("offline by-id miss is 404", func(t *testing.T) {
		f := newInterceptorFixture(t, offlineTransport)
		f.monitor.Set(false)
		resp := f.do(t, "GET", "http://api.test/restaurants/9", "")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("network failure falls back to partition", func(t *testing.T) {
		f := newInterceptorFixture(t, offlineTransport)
		require.NoError(t, f.db.Put(ctx, PartitionReviews, Record{"id": "local-1", "restaurant_id": 1, StorageLocalField: StorageLocalValue}))
		resp := f.do(t, "GET", "http://api.test/reviews/?restaurant_id=1", "")
		assert.Equal(t, "store", resp.Header.Get(SourceHeader))
		assert.Contains(t, readAll(t, resp), "local-1")
	})

	t.Run("index lookup serves reviews of one restaurant", func(t *testing.T) {
		f := newInterceptorFixture(t, func(*http.Request) (*http.Response, error) {
			return jsonHTTPResponse(200, `[{"id":1,"restaurant_id":1,"name":"Ann"},{"id":2,"restaurant_id":2,"name":"Bob"}]`), nil
		})
		require.NoError(t, f.db.Put(ctx, PartitionReviews,
			Record{"id": 1, "restaurant_id": 1, "name": "Ann"},
			Record{"id": 2, "restaurant_id": 2, "name": "Bob"},
		))
		body := readAll(t, f.do(t, "GET", "http://api.test/reviews/?restaurant_id=2", ""))
		assert.Contains(t, body, "Bob")
		assert.NotContains(t, body, "Ann")
	})
}

func TestInterceptorWrites(t *testing.T) {
	ctx := context.Background()

	t.Run("offline favorite toggle is deferred", func(t *testing.T) {
		f := newInterceptorFixture(t, offlineTransport)
		f.monitor.Set(false)
		require.NoError(t, f.db.Put(ctx, PartitionRestaurants, Record{"id": 3, "name": "Kang Ho Dong Baekjeong", "is_favorite": false}))

		resp := f.do(t, "PUT", "http://api.test/restaurants/3/", `{"is_favorite":true}`)
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		assert.Equal(t, "3", resp.Header.Get(DeferredHeader))
		assert.JSONEq(t, `{"is_favorite":true}`, readAll(t, resp))
		assert.Zero(t, f.calls.Load())

		env, found, err := f.db.GetByID(ctx, PartitionRequests, "3")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, "PUT", env["method"])

		rec, _, err := f.db.GetByID(ctx, PartitionRestaurants, 3)
		require.NoError(t, err)
		assert.Equal(t, true, rec["is_favorite"])
		assert.Equal(t, "Kang Ho Dong Baekjeong", rec["name"])

		f.wait()
		assert.Equal(t, 1, f.notifier.count(EventRequestSaved))
	})

	t.Run("offline review gets a correlation id", func(t *testing.T) {
		f := newInterceptorFixture(t, offlineTransport)
		f.monitor.Set(false)

		resp := f.do(t, "POST", "http://api.test/reviews/", `{"restaurant_id":1,"name":"Ann","rating":4,"comments":"Great"}`)
		require.Equal(t, http.StatusFound, resp.StatusCode)
		id := resp.Header.Get(DeferredHeader)
		require.NotEmpty(t, id)

		_, found, err := f.db.GetByID(ctx, PartitionPostRequests, id)
		require.NoError(t, err)
		assert.True(t, found)

		rec, found, err := f.db.GetByID(ctx, PartitionReviews, id)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, StorageLocalValue, rec[StorageLocalField])
		assert.Equal(t, "Ann", rec["name"])
	})

	t.Run("offline review shows up in the list", func(t *testing.T) {
		f := newInterceptorFixture(t, offlineTransport)
		f.monitor.Set(false)
		require.NoError(t, f.db.Put(ctx, PartitionReviews, Record{"id": 10, "restaurant_id": 1, "name": "Bob"}))

		resp := f.do(t, "POST", "http://api.test/reviews/", `{"restaurant_id":1,"name":"Ann","rating":4,"comments":"Great"}`)
		require.Equal(t, http.StatusFound, resp.StatusCode)

		resp = f.do(t, "GET", "http://api.test/reviews/?restaurant_id=1", "")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "store", resp.Header.Get(SourceHeader))
		var list []Review
		require.NoError(t, json.Unmarshal([]byte(readAll(t, resp)), &list))
		var names []string
		for _, r := range list {
			names = append(names, r.Name)
		}
		assert.ElementsMatch(t, []string{"Bob", "Ann"}, names)
		for _, r := range list {
			assert.Equal(t, r.Name == "Ann", r.Pending())
		}
	})

	t.Run("local records do not count as changed content", func(t *testing.T) {
		f := newInterceptorFixture(t, func(*http.Request) (*http.Response, error) {
			return jsonHTTPResponse(200, `[{"id":10,"restaurant_id":1,"name":"Bob"}]`), nil
		})
		require.NoError(t, f.db.Put(ctx, PartitionReviews,
			Record{"id": 10, "restaurant_id": 1, "name": "Bob"},
			Record{"id": "local-1", "restaurant_id": 1, "name": "Ann", StorageLocalField: StorageLocalValue},
		))
		body := readAll(t, f.do(t, "GET", "http://api.test/reviews/?restaurant_id=1", ""))
		assert.Contains(t, body, "Ann")
		f.wait()
		assert.Zero(t, f.notifier.count(EventUpdateContent))
	})

	t.Run("invalid body is refused", func(t *testing.T) {
		f := newInterceptorFixture(t, offlineTransport)
		f.monitor.Set(false)
		resp := f.do(t, "POST", "http://api.test/reviews/", `not json`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("online write goes through and is mirrored", func(t *testing.T) {
		var got []byte
		f := newInterceptorFixture(t, func(req *http.Request) (*http.Response, error) {
			got, _ = io.ReadAll(req.Body)
			return jsonHTTPResponse(http.StatusCreated, `{"id":30,"restaurant_id":1,"name":"Ann","rating":"4"}`), nil
		})
		resp := f.do(t, "POST", "http://api.test/reviews/", `{"restaurant_id":1,"name":"Ann","rating":4}`)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.JSONEq(t, `{"id":30,"restaurant_id":1,"name":"Ann","rating":"4"}`, readAll(t, resp))
		assert.JSONEq(t, `{"restaurant_id":1,"name":"Ann","rating":4}`, string(got))

		_, found, err := f.db.GetByID(ctx, PartitionReviews, 30)
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("failed online write is deferred", func(t *testing.T) {
		f := newInterceptorFixture(t, offlineTransport)
		resp := f.do(t, "PUT", "http://api.test/restaurants/4/", `{"is_favorite":false}`)
		assert.Equal(t, http.StatusFound, resp.StatusCode)
		n, err := f.db.Count(ctx, PartitionRequests)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})
}

func TestInterceptorNotControlling(t *testing.T) {
	f := newInterceptorFixture(t, func(*http.Request) (*http.Response, error) {
		return textResponse(http.StatusOK, "network"), nil
	})
	f.interceptor.controlling = func() bool { return false }
	f.monitor.Set(false)

	resp := f.do(t, "PUT", "http://api.test/restaurants/3/", `{"is_favorite":true}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), f.calls.Load())
}

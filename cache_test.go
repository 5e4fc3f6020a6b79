package offline

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCacheBytes = 8 << 20

func textResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func TestCache(t *testing.T) {
	storage := NewCacheStorage(testCacheBytes)
	c := storage.Open("shell")
	assert.Same(t, c, storage.Open("shell"))
	assert.Equal(t, "shell", c.Name())

	resp, err := c.Put("http://app.test/js/main.js", textResponse(http.StatusOK, "console.log(1)"))
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", readAll(t, resp))

	cr, ok := c.Match("http://app.test/js/main.js")
	require.True(t, ok)
	assert.Equal(t, http.StatusOK, cr.Status)
	assert.Equal(t, "console.log(1)", string(cr.Body))

	rebuilt := cr.Response(httptest.NewRequest(http.MethodGet, "http://app.test/js/main.js", nil))
	assert.Equal(t, "14", rebuilt.Header.Get("Content-Length"))
	assert.Equal(t, "text/plain", rebuilt.Header.Get("Content-Type"))
	assert.Equal(t, "console.log(1)", readAll(t, rebuilt))

	_, ok = storage.Match("http://app.test/js/main.js")
	assert.True(t, ok)
	_, ok = storage.Match("http://app.test/missing.js")
	assert.False(t, ok)

	c.Delete("http://app.test/js/main.js")
	assert.False(t, c.Has("http://app.test/js/main.js"))
	assert.Zero(t, c.Len())
}

func TestCacheKey(t *testing.T) {
	u, _ := url.Parse("http://app.test/restaurant.html?id=3#reviews")
	assert.Equal(t, "http://app.test/restaurant.html?id=3", CacheKey(u))
}

func newTestManifest(t *testing.T, mutate func(*PrecacheConfig)) *Manifest {
	t.Helper()
	cfg := DefaultConfig().Precache
	cfg.URLs = []string{"/", "/index.html", "/restaurant.html", "/404.html", "/css/styles.css", "/offlineimgs/offlineimg.jpg"}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManifest(cfg, "http://app.test", NewCacheStorage(testCacheBytes), nil)
	require.NoError(t, err)
	return m
}

func TestManifestLookup(t *testing.T) {
	m := newTestManifest(t, nil)

	tests := []struct {
		name   string
		url    string
		header map[string]string
		want   string
		ok     bool
	}{
		{"exact", "http://app.test/css/styles.css", nil, "http://app.test/css/styles.css", true},
		{"ignored params", "http://app.test/index.html?utm_source=x", nil, "http://app.test/index.html", true},
		{"kept params miss", "http://app.test/index.html?page=2", nil, "", false},
		{"dynamic page", "http://app.test/restaurant.html?id=7", nil, "http://app.test/restaurant.html", true},
		{"dynamic page bad id", "http://app.test/restaurant.html?id=abc", nil, "", false},
		{"navigation fallback", "http://app.test/restaurants/old", map[string]string{"Sec-Fetch-Mode": "navigate"}, "http://app.test/404.html", true},
		{"fallback not allowed", "http://app.test/about", map[string]string{"Sec-Fetch-Mode": "navigate"}, "", false},
		{"no fallback for subresources", "http://app.test/restaurants/old", map[string]string{"Sec-Fetch-Mode": "cors"}, "", false},
		{"fallback by accept header", "http://app.test/restaurants/old", map[string]string{"Accept": "text/html"}, "http://app.test/404.html", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.url, nil)
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			key, ok := m.Lookup(req)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, key)
		})
	}

	t.Run("directory index", func(t *testing.T) {
		m := newTestManifest(t, func(c *PrecacheConfig) { c.URLs = []string{"/index.html"} })
		key, ok := m.Lookup(httptest.NewRequest(http.MethodGet, "http://app.test/", nil))
		require.True(t, ok)
		assert.Equal(t, "http://app.test/index.html", key)
	})
}

func TestManifestStrategies(t *testing.T) {
	t.Run("onReload keeps only the placeholder", func(t *testing.T) {
		m := newTestManifest(t, func(c *PrecacheConfig) { c.Strategy = PrecacheOnReload })
		assert.Equal(t, []string{"http://app.test/offlineimgs/offlineimg.jpg"}, m.URLs())
	})

	t.Run("add ignores other origins and duplicates", func(t *testing.T) {
		m := newTestManifest(t, func(c *PrecacheConfig) { c.Strategy = PrecacheOnAnalyzePage })
		added := m.Add("/js/main.js", "https://cdn.test/leaflet.js", "/js/main.js")
		assert.Equal(t, []string{"http://app.test/js/main.js"}, added)
		assert.Empty(t, m.Add("/js/main.js"))
	})
}

func TestManifestInstall(t *testing.T) {
	ctx := context.Background()

	t.Run("caches every entry", func(t *testing.T) {
		m := newTestManifest(t, nil)
		var calls atomic.Int32
		fetch := func(_ context.Context, rawURL string) (*http.Response, error) {
			calls.Add(1)
			return textResponse(http.StatusOK, "asset "+rawURL), nil
		}
		require.NoError(t, m.Install(ctx, fetch))
		assert.Equal(t, int32(len(m.URLs())), calls.Load())

		cr, ok := m.Cache().Match("http://app.test/css/styles.css")
		require.True(t, ok)
		assert.Equal(t, "asset http://app.test/css/styles.css", string(cr.Body))
	})

	t.Run("reports failed entries", func(t *testing.T) {
		m := newTestManifest(t, nil)
		fetch := func(_ context.Context, rawURL string) (*http.Response, error) {
			switch {
			case strings.HasSuffix(rawURL, "/404.html"):
				return textResponse(http.StatusNotFound, "gone"), nil
			case strings.HasSuffix(rawURL, ".css"):
				return nil, errors.New("connection refused")
			}
			return textResponse(http.StatusOK, "ok"), nil
		}
		err := m.Install(ctx, fetch)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "2 of 6")
		assert.True(t, m.Cache().Has("http://app.test/index.html"))
		assert.False(t, m.Cache().Has("http://app.test/404.html"))
	})

	t.Run("installs only the given keys", func(t *testing.T) {
		m := newTestManifest(t, nil)
		var fetched []string
		fetch := func(_ context.Context, rawURL string) (*http.Response, error) {
			fetched = append(fetched, rawURL)
			return textResponse(http.StatusOK, "ok"), nil
		}
		require.NoError(t, m.Install(ctx, fetch, "http://app.test/index.html"))
		assert.Equal(t, []string{"http://app.test/index.html"}, fetched)
	})
}

func TestImageFallback(t *testing.T) {
	imgURL := func(p string) *url.URL {
		u, _ := url.Parse("http://app.test" + p)
		return u
	}

	t.Run("candidates", func(t *testing.T) {
		assert.Equal(t, []string{
			"http://app.test/img/3.jpg",
			"http://app.test/img/3-800_2x.jpg",
			"http://app.test/img/3-600_2x.jpg",
			"http://app.test/img/3-400.jpg",
			"http://app.test/img/3-300.jpg",
		}, Candidates(imgURL("/img/3-300.jpg")))
	})

	newResolver := func(t *testing.T) (*ImageResolver, *CacheStorage, *Manifest) {
		storage := NewCacheStorage(testCacheBytes)
		m, err := NewManifest(DefaultConfig().Precache, "http://app.test", storage, nil)
		require.NoError(t, err)
		r, err := NewImageResolver(storage, m, "/offlineimgs/offlineimg.jpg", 16)
		require.NoError(t, err)
		return r, storage, m
	}

	t.Run("largest cached size wins", func(t *testing.T) {
		r, storage, _ := newResolver(t)
		rt := storage.Open(runtimeCacheName)
		require.NoError(t, rt.PutBytes("http://app.test/img/3-400.jpg", 200, http.Header{}, []byte("400")))
		require.NoError(t, rt.PutBytes("http://app.test/img/3-600_2x.jpg", 200, http.Header{}, []byte("600")))

		resp := r.Resolve(httptest.NewRequest(http.MethodGet, "http://app.test/img/3-300.jpg", nil))
		assert.Equal(t, "600", readAll(t, resp))

		// Memoised: same answer on the second call.
		resp = r.Resolve(httptest.NewRequest(http.MethodGet, "http://app.test/img/3-300.jpg", nil))
		assert.Equal(t, "600", readAll(t, resp))
	})

	t.Run("unsized original first", func(t *testing.T) {
		r, storage, _ := newResolver(t)
		rt := storage.Open(runtimeCacheName)
		require.NoError(t, rt.PutBytes("http://app.test/img/3.jpg", 200, http.Header{}, []byte("orig")))
		require.NoError(t, rt.PutBytes("http://app.test/img/3-800_2x.jpg", 200, http.Header{}, []byte("800")))
		assert.Equal(t, "orig", readAll(t, r.Resolve(httptest.NewRequest(http.MethodGet, "http://app.test/img/3-300.jpg", nil))))
	})

	t.Run("precached placeholder", func(t *testing.T) {
		r, _, m := newResolver(t)
		require.NoError(t, m.Cache().PutBytes("http://app.test/offlineimgs/offlineimg.jpg", 200, http.Header{}, []byte("offline")))
		resp := r.Resolve(httptest.NewRequest(http.MethodGet, "http://app.test/img/foo-300.jpg", nil))
		assert.Equal(t, "true", resp.Header.Get("X-Offline-Placeholder"))
		assert.Equal(t, "offline", readAll(t, resp))
	})

	t.Run("generated placeholder never fails", func(t *testing.T) {
		r, _, _ := newResolver(t)
		resp := r.Resolve(httptest.NewRequest(http.MethodGet, "http://app.test/img/foo-300.jpg", nil))
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
		assert.Contains(t, readAll(t, resp), "Image not available offline")
	})
}

package offline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/coocood/freecache"
	json "github.com/goccy/go-json"
)

// CachedResponse is a response held in a Cache. The body is stored verbatim.
type CachedResponse struct {
	Status int         `json:"status"`
	Header http.Header `json:"header"`
	Body   []byte      `json:"body"`
}

// Response rebuilds an *http.Response for req.
func (c CachedResponse) Response(req *http.Request) *http.Response {
	h := c.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Length", strconv.Itoa(len(c.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", c.Status, http.StatusText(c.Status)),
		StatusCode:    c.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(c.Body)),
		ContentLength: int64(len(c.Body)),
		Request:       req,
	}
}

// Cache is one named response cache.
type Cache struct {
	name string
	fc   *freecache.Cache
}

// CacheKey normalises a URL into a cache key: the fragment is dropped.
func CacheKey(u *url.URL) string {
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return c.String()
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// Match returns the response stored under key.
func (c *Cache) Match(key string) (CachedResponse, bool) {
	data, err := c.fc.Get([]byte(key))
	if err != nil {
		cacheLookups.WithLabelValues(c.name, "miss").Inc()
		return CachedResponse{}, false
	}
	var cr CachedResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		c.fc.Del([]byte(key))
		cacheLookups.WithLabelValues(c.name, "miss").Inc()
		return CachedResponse{}, false
	}
	cacheLookups.WithLabelValues(c.name, "hit").Inc()
	return cr, true
}

// Has reports whether key is cached without counting a lookup.
func (c *Cache) Has(key string) bool {
	_, err := c.fc.Get([]byte(key))
	return err == nil
}

// PutBytes stores a response body under key.
func (c *Cache) PutBytes(key string, status int, header http.Header, body []byte) error {
	data, err := json.Marshal(CachedResponse{Status: status, Header: header.Clone(), Body: body})
	if err != nil {
		return err
	}
	if err := c.fc.Set([]byte(key), data, 0); err != nil {
		if errors.Is(err, freecache.ErrLargeEntry) {
			return fmt.Errorf("cache %s: entry for %s too large (%d bytes)", c.name, key, len(data))
		}
		return err
	}
	return nil
}

// Put consumes resp.Body, stores a copy under key and returns a response
// with an unread body equal to the original.
func (c *Cache) Put(key string, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, c.PutBytes(key, resp.StatusCode, resp.Header, body)
}

// Delete removes key.
func (c *Cache) Delete(key string) {
	c.fc.Del([]byte(key))
}

// Len returns the number of cached entries.
func (c *Cache) Len() int64 { return c.fc.EntryCount() }

// ============================================================================
// CacheStorage
// ============================================================================

// CacheStorage holds named caches, each backed by its own freecache segment.
type CacheStorage struct {
	mu        sync.RWMutex
	sizeBytes int
	caches    map[string]*Cache
}

// NewCacheStorage creates storage whose caches each hold up to sizeBytes.
func NewCacheStorage(sizeBytes int) *CacheStorage {
	return &CacheStorage{sizeBytes: sizeBytes, caches: make(map[string]*Cache)}
}

// Open returns the cache called name, creating it on first use.
func (s *CacheStorage) Open(name string) *Cache {
	s.mu.RLock()
	c, ok := s.caches[name]
	s.mu.RUnlock()
	if ok {
		return c
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caches[name]; ok {
		return c
	}
	c = &Cache{name: name, fc: freecache.NewCache(s.sizeBytes)}
	s.caches[name] = c
	return c
}

// Match searches every cache, in name order, for key.
func (s *CacheStorage) Match(key string) (CachedResponse, bool) {
	s.mu.RLock()
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	for _, name := range names {
		if cr, ok := s.Open(name).Match(key); ok {
			return cr, true
		}
	}
	return CachedResponse{}, false
}

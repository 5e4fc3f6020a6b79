package offline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	directoryIndex   = "index.html"
	dynamicPagePath  = "/restaurant.html"
	installFanout    = 4
	runtimeCacheName = "runtime"
)

// Manifest is the static precache: the set of shell asset URLs cached on
// install and the rules for mapping a request onto one of them.
type Manifest struct {
	origin        *url.URL
	strategy      PrecacheStrategy
	cache         *Cache
	ignore        []*regexp.Regexp
	fallback      string
	fallbackAllow []*regexp.Regexp
	logger        *zap.SugaredLogger

	mu   sync.RWMutex
	keys map[string]struct{}
}

// NewManifest compiles cfg against the app origin. Entries are registered
// for every configured URL; whether they are fetched on install depends on
// the strategy.
func NewManifest(cfg PrecacheConfig, appOrigin string, caches *CacheStorage, logger *zap.Logger) (*Manifest, error) {
	origin, err := url.Parse(appOrigin)
	if err != nil {
		return nil, fmt.Errorf("app origin: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manifest{
		origin:   origin,
		strategy: cfg.Strategy,
		cache:    caches.Open(cfg.CacheName),
		keys:     make(map[string]struct{}),
		logger:   logger.Sugar().Named("precache"),
	}
	if m.ignore, err = compileAll(cfg.IgnoreParams); err != nil {
		return nil, err
	}
	if m.fallbackAllow, err = compileAll(cfg.NavigateFallbackAllow); err != nil {
		return nil, err
	}
	if cfg.NavigateFallback != "" {
		m.fallback = m.resolve(cfg.NavigateFallback)
	}
	if cfg.Strategy == PrecacheManifest {
		m.Add(cfg.URLs...)
	} else if cfg.OfflineImage != "" {
		// The offline placeholder is always part of the shell.
		m.Add(cfg.OfflineImage)
	}
	return m, nil
}

func compileAll(exprs []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		re, err := regexp.Compile(e)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", e, err)
		}
		out = append(out, re)
	}
	return out, nil
}

func (m *Manifest) resolve(ref string) string {
	u, err := m.origin.Parse(ref)
	if err != nil {
		return ref
	}
	return CacheKey(u)
}

// Cache returns the precache.
func (m *Manifest) Cache() *Cache { return m.cache }

// Strategy returns the configured precache strategy.
func (m *Manifest) Strategy() PrecacheStrategy { return m.strategy }

// Add registers asset URLs, relative to the app origin, and returns the
// keys that were new.
func (m *Manifest) Add(refs ...string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var added []string
	for _, ref := range refs {
		key := m.resolve(ref)
		if !strings.HasPrefix(key, m.origin.Scheme+"://"+m.origin.Host) {
			continue
		}
		if _, ok := m.keys[key]; ok {
			continue
		}
		m.keys[key] = struct{}{}
		added = append(added, key)
	}
	return added
}

// URLs returns every registered key, sorted.
func (m *Manifest) URLs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.keys))
	for k := range m.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Version fingerprints the strategy, cache and registered URLs. Two
// workers with the same shell report the same version.
func (m *Manifest) Version() string {
	h := xxh3.New()
	fmt.Fprintf(h, "%s\x00%s\x00", m.strategy, m.cache.Name())
	for _, k := range m.URLs() {
		h.WriteString(k)
		h.WriteString("\x00")
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

func (m *Manifest) has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.keys[key]
	return ok
}

// Lookup maps req onto a manifest key. It tries, in order: the URL with
// ignored parameters stripped, the directory index, the dynamic restaurant
// page without its id parameter, and the navigation fallback.
func (m *Manifest) Lookup(req *http.Request) (string, bool) {
	u := *req.URL
	u.RawQuery = m.stripIgnored(u.RawQuery)
	key := CacheKey(&u)
	if m.has(key) {
		return key, true
	}

	if strings.HasSuffix(u.Path, "/") {
		withIndex := u
		withIndex.Path += directoryIndex
		withIndex.RawPath = ""
		if key := CacheKey(&withIndex); m.has(key) {
			return key, true
		}
	}

	if strings.HasPrefix(req.URL.Path, dynamicPagePath) {
		if id := req.URL.Query().Get("id"); id != "" {
			if _, err := strconv.Atoi(id); err == nil {
				bare := *req.URL
				bare.RawQuery = ""
				if key := CacheKey(&bare); m.has(key) {
					return key, true
				}
			}
		}
	}

	if m.fallback != "" && isNavigate(req) && m.fallbackAllowed(req.URL.Path) && m.has(m.fallback) {
		return m.fallback, true
	}
	return "", false
}

func (m *Manifest) fallbackAllowed(path string) bool {
	for _, re := range m.fallbackAllow {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// stripIgnored drops query parameters whose name matches an ignore pattern,
// keeping the order of the rest.
func (m *Manifest) stripIgnored(rawQuery string) string {
	if rawQuery == "" || len(m.ignore) == 0 {
		return rawQuery
	}
	parts := strings.Split(rawQuery, "&")
	kept := parts[:0]
	for _, p := range parts {
		name := p
		if i := strings.IndexByte(p, '='); i >= 0 {
			name = p[:i]
		}
		if unescaped, err := url.QueryUnescape(name); err == nil {
			name = unescaped
		}
		ignored := false
		for _, re := range m.ignore {
			if re.MatchString(name) {
				ignored = true
				break
			}
		}
		if !ignored {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "&")
}

// isNavigate reports whether req is a top-level page navigation.
func isNavigate(req *http.Request) bool {
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return mode == "navigate"
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}

// FetchFunc fetches an absolute URL from the network.
type FetchFunc func(ctx context.Context, rawURL string) (*http.Response, error)

// Install fetches the given keys, or every registered key when none are
// given, and stores successful responses in the precache. Failed entries are
// reported together; the rest stay cached.
func (m *Manifest) Install(ctx context.Context, fetch FetchFunc, keys ...string) error {
	if len(keys) == 0 {
		keys = m.URLs()
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(installFanout)

	var mu sync.Mutex
	var failed []string
	for _, key := range keys {
		key := key
		g.Go(func() error {
			if err := m.installOne(ctx, fetch, key); err != nil {
				m.logger.Warnw("precache entry failed", "url", key, "error", err)
				mu.Lock()
				failed = append(failed, key)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(failed) > 0 {
		sort.Strings(failed)
		return fmt.Errorf("precache: %d of %d entries failed: %s", len(failed), len(keys), strings.Join(failed, ", "))
	}
	m.logger.Infow("precache installed", "entries", len(keys))
	return nil
}

func (m *Manifest) installOne(ctx context.Context, fetch FetchFunc, key string) error {
	resp, err := fetch(ctx, key)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return m.cache.PutBytes(key, resp.StatusCode, resp.Header, body)
}

package offline

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// imagePathPrefix marks requests eligible for the image fallback.
const imagePathPrefix = "/img/"

// ============================================================================
// Routing decision
// ============================================================================

// Route is the handling chosen for an intercepted request.
type Route int

const (
	// RoutePassThrough forwards the request untouched.
	RoutePassThrough Route = iota
	// RoutePrecache serves a shell asset from the precache.
	RoutePrecache
	// RouteAPI answers a backend read from the store, refreshing it from
	// the network.
	RouteAPI
	// RouteCacheFirst serves same-origin assets from any cache, falling
	// back to the network and filling the runtime cache.
	RouteCacheFirst
	// RouteDefer queues a mutating backend request for replay.
	RouteDefer
	// RouteWriteThrough forwards a mutating backend request and mirrors
	// the JSON response into the store.
	RouteWriteThrough
)

func (r Route) String() string {
	switch r {
	case RoutePassThrough:
		return "pass-through"
	case RoutePrecache:
		return "precache"
	case RouteAPI:
		return "api"
	case RouteCacheFirst:
		return "cache-first"
	case RouteDefer:
		return "defer"
	case RouteWriteThrough:
		return "write-through"
	default:
		return "route(" + strconv.Itoa(int(r)) + ")"
	}
}

// Lookup selects records for a backend read. With neither field set it
// selects the whole partition; with only Key set it selects one record by
// primary key.
type Lookup struct {
	Index string
	Key   any
}

// ByID reports whether the lookup selects a single record.
func (l Lookup) ByID() bool { return l.Index == "" && l.Key != nil }

// Decision is the outcome of Policy.Decide.
type Decision struct {
	Route Route
	// Key is the precache key for RoutePrecache.
	Key string
	// Store is the first path segment of backend requests.
	Store string
	// ID is the second path segment of backend requests, if any.
	ID     any
	Lookup Lookup
}

// Policy maps requests to routes. It holds no mutable state besides the
// manifest, so decisions depend only on the request, the online flag and
// the registered precache entries.
type Policy struct {
	app      *url.URL
	api      *url.URL
	exclude  []*regexp.Regexp
	manifest *Manifest
}

// NewPolicy compiles the routing rules in cfg.
func NewPolicy(cfg Config, manifest *Manifest) (*Policy, error) {
	app, err := url.Parse(cfg.Worker.AppOrigin)
	if err != nil {
		return nil, fmt.Errorf("app origin: %w", err)
	}
	api, err := url.Parse(cfg.Worker.APIOrigin)
	if err != nil {
		return nil, fmt.Errorf("api origin: %w", err)
	}
	exclude, err := compileAll(cfg.Precache.Exclude)
	if err != nil {
		return nil, err
	}
	return &Policy{app: app, api: api, exclude: exclude, manifest: manifest}, nil
}

// Decide routes req. Mutations to the backend are deferred while offline
// and written through while online; every other non-GET request passes
// through. Excluded URLs pass through before any cache is consulted.
func (p *Policy) Decide(req *http.Request, online bool) Decision {
	u := req.URL
	switch req.Method {
	case http.MethodPost, http.MethodPut:
		if !sameOrigin(u, p.api) {
			return Decision{Route: RoutePassThrough}
		}
		d := p.backend(u)
		if online {
			d.Route = RouteWriteThrough
		} else {
			d.Route = RouteDefer
		}
		return d
	case http.MethodGet:
	default:
		return Decision{Route: RoutePassThrough}
	}

	raw := u.String()
	for _, re := range p.exclude {
		if re.MatchString(raw) {
			return Decision{Route: RoutePassThrough}
		}
	}

	if p.manifest != nil && sameOrigin(u, p.app) {
		if key, ok := p.manifest.Lookup(req); ok {
			return Decision{Route: RoutePrecache, Key: key}
		}
	}

	if sameOrigin(u, p.api) {
		d := p.backend(u)
		d.Route = RouteAPI
		return d
	}
	if !sameOrigin(u, p.app) {
		return Decision{Route: RoutePassThrough}
	}
	return Decision{Route: RouteCacheFirst}
}

// backend extracts the store, id and lookup from a backend URL.
func (p *Policy) backend(u *url.URL) Decision {
	segs := pathSegments(u.Path)
	var d Decision
	if len(segs) > 0 {
		d.Store = segs[0]
	}
	if len(segs) > 1 {
		d.ID = parseID(segs[1])
		d.Lookup = Lookup{Key: d.ID}
		return d
	}
	if name, value, ok := idParam(u.RawQuery); ok {
		d.Lookup = Lookup{Index: name, Key: parseID(value)}
	}
	return d
}

// idParam returns the first query parameter whose name contains "id".
func idParam(rawQuery string) (name, value string, ok bool) {
	for _, part := range strings.Split(rawQuery, "&") {
		k, v, _ := strings.Cut(part, "=")
		k, err1 := url.QueryUnescape(k)
		v, err2 := url.QueryUnescape(v)
		if err1 != nil || err2 != nil || v == "" {
			continue
		}
		if strings.Contains(k, "id") {
			return k, v, true
		}
	}
	return "", "", false
}

func pathSegments(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func parseID(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	return s
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

// ============================================================================
// Interceptor
// ============================================================================

// Interceptor is an http.RoundTripper that applies the offline policy to
// every request before it reaches the base transport.
type Interceptor struct {
	policy      *Policy
	base        http.RoundTripper
	monitor     *Monitor
	caches      *CacheStorage
	runtime     *Cache
	images      *ImageResolver
	db          *DB
	responder   *Responder
	syncer      *SyncManager
	controlling func() bool
	logger      *zap.SugaredLogger
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if i.controlling != nil && !i.controlling() {
		interceptedRequests.WithLabelValues(RoutePassThrough.String()).Inc()
		return i.base.RoundTrip(req)
	}

	d := i.policy.Decide(req, i.monitor.Online())
	interceptedRequests.WithLabelValues(d.Route.String()).Inc()

	switch d.Route {
	case RoutePrecache:
		if cr, ok := i.policy.manifest.Cache().Match(d.Key); ok {
			return cr.Response(req), nil
		}
		i.logger.Warnw("precache entry missing", "key", d.Key)
		return i.cacheFirst(req)
	case RouteAPI:
		return i.responder.Respond(req, d.Store, d.Lookup, i.monitor.Online())
	case RouteCacheFirst:
		return i.cacheFirst(req)
	case RouteDefer:
		return i.deferWrite(req, d)
	case RouteWriteThrough:
		return i.writeThrough(req, d)
	default:
		return i.base.RoundTrip(req)
	}
}

func (i *Interceptor) cacheFirst(req *http.Request) (*http.Response, error) {
	key := CacheKey(req.URL)
	if cr, ok := i.caches.Match(key); ok {
		return cr.Response(req), nil
	}

	resp, err := i.base.RoundTrip(req)
	if err != nil {
		i.monitor.Recheck()
		if strings.HasPrefix(req.URL.Path, imagePathPrefix) {
			return i.images.Resolve(req), nil
		}
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	cached, err := i.runtime.Put(key, resp)
	if err != nil {
		if cached == nil {
			return nil, err
		}
		i.logger.Warnw("runtime cache put failed", "url", key, "error", err)
	}
	return cached, nil
}

func (i *Interceptor) deferWrite(req *http.Request, d Decision) (*http.Response, error) {
	cat := i.syncer.categories.For(d.Store)
	return i.syncer.Save(req, SaveParams{Store: d.Store, ID: d.ID, Category: cat.Name})
}

func (i *Interceptor) writeThrough(req *http.Request, d Decision) (*http.Response, error) {
	body, err := readBody(req)
	if err != nil {
		return nil, err
	}
	out := withBody(req, body)
	resp, err := i.base.RoundTrip(out)
	if err != nil {
		if req.Context().Err() != nil {
			return nil, err
		}
		i.logger.Infow("write failed, deferring", "url", req.URL.String(), "error", err)
		i.monitor.Recheck()
		return i.deferWrite(withBody(req, body), d)
	}
	if resp.StatusCode/100 != 2 || !isJSON(resp.Header) {
		return resp, nil
	}

	raw, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(raw))
	if data, err := decodeJSON(raw); err == nil {
		if err := mirror(req.Context(), i.db, d.Store, data); err != nil {
			i.logger.Warnw("mirror write response failed", "store", d.Store, "error", err)
		}
	}
	return resp, nil
}

// readBody drains req.Body, leaving req without a body.
func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	return io.ReadAll(req.Body)
}

// withBody clones req with a fresh reader over body.
func withBody(req *http.Request, body []byte) *http.Request {
	out := req.Clone(req.Context())
	out.Body = io.NopCloser(bytes.NewReader(body))
	out.ContentLength = int64(len(body))
	out.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	return out
}

func isJSON(h http.Header) bool {
	return strings.Contains(h.Get("Content-Type"), "json")
}

package offline

import (
	"net/http"
	"net/url"
	"path"
	"regexp"

	lru "github.com/hashicorp/golang-lru"
)

// ImageSizes are the generated size suffixes, largest first.
var ImageSizes = []string{"-800_2x", "-600_2x", "-400", "-300"}

var sizeSuffix = regexp.MustCompile(`-\d+(_2x)?`)

const placeholderSVG = `<svg xmlns="http://www.w3.org/2000/svg" width="800" height="600" viewBox="0 0 800 600">` +
	`<rect width="800" height="600" fill="#eeeeee"/>` +
	`<text x="400" y="300" font-family="sans-serif" font-size="32" text-anchor="middle" fill="#555555">` +
	`Image not available offline</text></svg>`

// ImageResolver finds a cached substitute for a sized image that could not
// be fetched.
type ImageResolver struct {
	caches      *CacheStorage
	placeholder func() (CachedResponse, bool)
	memo        *lru.Cache
}

// NewImageResolver creates a resolver over caches. offlineImage is the
// precache key of the placeholder image.
func NewImageResolver(caches *CacheStorage, manifest *Manifest, offlineImage string, memoSize int) (*ImageResolver, error) {
	memo, err := lru.New(memoSize)
	if err != nil {
		return nil, err
	}
	r := &ImageResolver{caches: caches, memo: memo}
	r.placeholder = func() (CachedResponse, bool) {
		if manifest == nil || offlineImage == "" {
			return CachedResponse{}, false
		}
		return manifest.Cache().Match(manifest.resolve(offlineImage))
	}
	return r, nil
}

// Candidates lists the cache keys tried for an image URL, in order: the
// unsized name, then each known size from largest to smallest.
func Candidates(u *url.URL) []string {
	dir, file := path.Split(u.Path)
	out := make([]string, 0, len(ImageSizes)+1)
	seen := make(map[string]bool)
	add := func(name string) {
		c := *u
		c.Path = dir + name
		c.RawPath = ""
		key := CacheKey(&c)
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	add(sizeSuffix.ReplaceAllString(file, ""))
	for _, size := range ImageSizes {
		add(sizeSuffix.ReplaceAllString(file, size))
	}
	return out
}

// Resolve never fails: it returns the best cached variant of req's image,
// the precached offline placeholder, or a generated placeholder.
func (r *ImageResolver) Resolve(req *http.Request) *http.Response {
	key := CacheKey(req.URL)
	if v, ok := r.memo.Get(key); ok {
		if cr, ok := r.caches.Match(v.(string)); ok {
			return cr.Response(req)
		}
		r.memo.Remove(key)
	}

	for _, candidate := range Candidates(req.URL) {
		if cr, ok := r.caches.Match(candidate); ok {
			r.memo.Add(key, candidate)
			return cr.Response(req)
		}
	}

	if cr, ok := r.placeholder(); ok {
		resp := cr.Response(req)
		resp.Header.Set("X-Offline-Placeholder", "true")
		return resp
	}

	header := http.Header{}
	header.Set("Content-Type", "image/svg+xml")
	header.Set("X-Offline-Placeholder", "true")
	return CachedResponse{Status: http.StatusOK, Header: header, Body: []byte(placeholderSVG)}.Response(req)
}

package bvg

import (
	"strconv"
	"strings"
	"time"

	"github.com/bluele/gcache"
)

const cacheSize = 512

// cachedResponse is a previously fetched body plus the validators needed to
// reuse it: the ETag for If-None-Match revalidation and the instant until
// which the body may be served without contacting the provider at all.
type cachedResponse struct {
	etag       string
	body       []byte
	freshUntil time.Time // zero means always revalidate
}

func (c cachedResponse) fresh(now time.Time) bool {
	return !c.freshUntil.IsZero() && now.Before(c.freshUntil)
}

// responseCache is a bounded LRU of cachedResponse keyed by request URL.
// Stale entries stay retrievable so their ETag can still be revalidated;
// freshness is tracked per entry, not by cache eviction.
type responseCache struct {
	lru gcache.Cache
}

func newResponseCache() *responseCache {
	return &responseCache{lru: gcache.New(cacheSize).LRU().Build()}
}

func (c *responseCache) get(url string) (cachedResponse, bool) {
	v, err := c.lru.Get(url)
	if err != nil {
		return cachedResponse{}, false
	}
	return v.(cachedResponse), true
}

func (c *responseCache) put(url string, entry cachedResponse) {
	_ = c.lru.Set(url, entry)
}

// parseMaxAge extracts the max-age directive from a Cache-Control header.
// Both the standard "max-age=300" form and the "max-age: 300" variant are
// accepted.
func parseMaxAge(cacheControl string) (time.Duration, bool) {
	for _, directive := range strings.Split(cacheControl, ",") {
		directive = strings.TrimSpace(directive)

		var value string
		switch {
		case strings.HasPrefix(directive, "max-age="):
			value = strings.TrimPrefix(directive, "max-age=")
		case strings.HasPrefix(directive, "max-age:"):
			value = strings.TrimSpace(strings.TrimPrefix(directive, "max-age:"))
		default:
			continue
		}

		seconds, err := strconv.Atoi(value)
		if err != nil || seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	return 0, false
}

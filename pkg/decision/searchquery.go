package decision

import (
	"encoding/json"
	"net/url"
	"strings"
	"sync"

	"github.com/schoolnet-labs/warden/pkg/urlutil"
)

// queryCache remembers extracted search queries per (request id, url) key.
// The body is only present on the first hook of a request; later hooks for
// the same request read the cached query. Capacity is fixed with FIFO
// eviction. Hooks for different requests run concurrently, so access is
// mutex-guarded.
type queryCache struct {
	mu    sync.Mutex
	store map[string]string
	keys  []string
	size  int
}

func newQueryCache(size int) *queryCache {
	return &queryCache{store: make(map[string]string), size: size}
}

func (c *queryCache) get(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store[key]
}

func (c *queryCache) set(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, seen := c.store[key]; !seen {
		c.keys = append(c.keys, key)
	}
	c.store[key] = value
	if len(c.keys) > c.size {
		oldest := c.keys[0]
		c.keys = c.keys[1:]
		delete(c.store, oldest)
	}
}

type searchBody struct {
	Query string `json:"query"`
}

// SearchQuery extracts the search term from a YouTube POST search request.
// YouTube posts the query in a JSON body instead of the URL, so without
// this the verdict service would only ever see the generic search endpoint.
func (s *Service) SearchQuery(requestID, rawURL, method string, body []byte) string {
	if !isYouTubePostSearch(rawURL, method) {
		return ""
	}
	cacheKey := requestID + "_" + rawURL

	if len(body) == 0 {
		return s.queries.get(cacheKey)
	}

	decoded, err := url.QueryUnescape(string(body))
	if err != nil {
		s.logger.Warn("couldn't decode search request body", "error", err)
		return ""
	}
	var parsed searchBody
	if err := json.Unmarshal([]byte(decoded), &parsed); err != nil {
		s.logger.Warn("couldn't parse search request body, format changed?", "error", err)
		return ""
	}
	s.queries.set(cacheKey, parsed.Query)
	return parsed.Query
}

func isYouTubePostSearch(rawURL, method string) bool {
	return strings.Contains(urlutil.Hostname(rawURL), "youtube") &&
		strings.Contains(rawURL, "search") &&
		method == "POST"
}

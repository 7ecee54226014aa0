package decision

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSearchQueryExtraction(t *testing.T) {
	f := newFixture()
	url := "https://www.youtube.com/youtubei/v1/search?prettyPrint=false"
	body := []byte(`{"query":"cat videos","context":{}}`)

	got := f.svc.SearchQuery("41", url, "POST", body)
	assert.Equal(t, "cat videos", got)

	// Later hooks for the same request carry no body; the cache answers.
	got = f.svc.SearchQuery("41", url, "POST", nil)
	assert.Equal(t, "cat videos", got)

	// A different request id is a different key.
	got = f.svc.SearchQuery("42", url, "POST", nil)
	assert.Empty(t, got)
}

func TestSearchQueryEscapedBody(t *testing.T) {
	f := newFixture()
	url := "https://www.youtube.com/results?search"
	body := []byte(`%7B%22query%22%3A%22cat%20videos%22%7D`)

	got := f.svc.SearchQuery("41", url, "POST", body)
	assert.Equal(t, "cat videos", got)
}

func TestSearchQueryOnlyYouTubePostSearch(t *testing.T) {
	f := newFixture()
	body := []byte(`{"query":"x"}`)

	assert.Empty(t, f.svc.SearchQuery("1", "https://www.youtube.com/watch?v=abc", "POST", body))
	assert.Empty(t, f.svc.SearchQuery("1", "https://www.youtube.com/search", "GET", body))
	assert.Empty(t, f.svc.SearchQuery("1", "https://example.com/search", "POST", body))
}

func TestSearchQueryMalformedBody(t *testing.T) {
	f := newFixture()
	url := "https://www.youtube.com/search"

	assert.Empty(t, f.svc.SearchQuery("1", url, "POST", []byte("not json")))
}

func TestQueryCacheEvictsOldestBeyondCapacity(t *testing.T) {
	c := newQueryCache(20)
	for i := 0; i < 21; i++ {
		c.set(fmt.Sprintf("key-%d", i), "q")
	}
	assert.Empty(t, c.get("key-0"), "oldest key evicted")
	assert.Equal(t, "q", c.get("key-1"))
	assert.Equal(t, "q", c.get("key-20"))
}

func TestSearchQueryConcurrentRequests(t *testing.T) {
	f := newFixture()
	url := "https://www.youtube.com/results?search_query=x"
	body := []byte(`{"query":"cat videos"}`)

	// Interception hooks for different requests arrive on their own
	// goroutines; writes and eviction must not trample each other.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			requestID := fmt.Sprintf("req-%d", id)
			f.svc.SearchQuery(requestID, url, "POST", body)
			f.svc.SearchQuery(requestID, url, "POST", nil)
		}(i)
	}
	wg.Wait()

	// The cache stays coherent once the burst settles.
	f.svc.SearchQuery("final", url, "POST", body)
	assert.Equal(t, "cat videos", f.svc.SearchQuery("final", url, "POST", nil))
}

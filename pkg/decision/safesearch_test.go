package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBingSafeSearchRewrite(t *testing.T) {
	f := newFixture()

	rewritten, ok := f.svc.EnforceSafeSearch("https://www.bing.com/search?q=x&adlt=off")
	require.True(t, ok)
	assert.Equal(t, "https://www.bing.com/search?q=x&adlt=strict", rewritten)

	for _, url := range []string{
		"https://www.bing.com/videos?q=x",
		"https://www.bing.com/images?q=x",
		"https://www.bing.com/news?q=x",
	} {
		rewritten, ok = f.svc.EnforceSafeSearch(url)
		require.True(t, ok, url)
		assert.Contains(t, rewritten, "adlt=strict", url)
	}

	_, ok = f.svc.EnforceSafeSearch("https://www.bing.com/maps?q=x")
	assert.False(t, ok, "only search-family paths are rewritten")
	_, ok = f.svc.EnforceSafeSearch("https://bing.com.evil.example/search?q=x")
	assert.False(t, ok, "hostname must end in .bing.com")
}

func TestGoogleSafeSearchRewrite(t *testing.T) {
	f := newFixture()

	rewritten, ok := f.svc.EnforceSafeSearch("https://www.google.com/search?q=x&safe=off")
	require.True(t, ok)
	assert.Equal(t, "https://www.google.com/search?q=x&safe=active", rewritten)

	_, ok = f.svc.EnforceSafeSearch("https://www.google.com/maps?q=x")
	assert.False(t, ok)
}

func TestSafeSearchAlreadyEnforcedIsStable(t *testing.T) {
	f := newFixture()

	rewritten, ok := f.svc.EnforceSafeSearch("https://www.bing.com/search?q=x")
	require.True(t, ok)

	_, ok = f.svc.EnforceSafeSearch(rewritten)
	assert.False(t, ok, "an already-enforced URL must not rewrite again")
}

func TestSafeSearchDisabled(t *testing.T) {
	f := newFixture()
	f.settings.SetNetworkContext(false, "")

	_, ok := f.svc.EnforceSafeSearch("https://www.google.com/search?q=x")
	assert.False(t, ok)
	_, ok = f.svc.EnforceSafeSearch("https://www.bing.com/search?q=x")
	assert.False(t, ok)
}

func TestYouTubeRestrictModeResolution(t *testing.T) {
	f := newFixture()
	assert.Empty(t, f.settings.YouTubeRestrictMode(), "not configured in the fixture")
}

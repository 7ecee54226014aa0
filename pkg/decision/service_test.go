package decision

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schoolnet-labs/warden/pkg/config"
	"github.com/schoolnet-labs/warden/pkg/fallback"
	"github.com/schoolnet-labs/warden/pkg/gateway"
	"github.com/schoolnet-labs/warden/pkg/verdict"
)

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time          { return c.t }
func (c *fixedClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newFixedClock() *fixedClock {
	return &fixedClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
}

type fakeUser struct {
	email string
	found bool
}

func (u *fakeUser) Email() string   { return u.email }
func (u *fakeUser) UserFound() bool { return u.found }

type fakeRemote struct {
	verdict   *verdict.Verdict
	err       error
	calls     int
	classroom *verdict.Verdict
	lastReq   gateway.VerdictRequest
}

func (r *fakeRemote) FetchVerdict(_ context.Context, req gateway.VerdictRequest) (*verdict.Verdict, error) {
	r.calls++
	r.lastReq = req
	if r.err != nil {
		return nil, r.err
	}
	return r.verdict, nil
}

func (r *fakeRemote) CheckClassroomVerdict(_ context.Context, req gateway.VerdictRequest) (*verdict.Verdict, error) {
	r.lastReq = req
	if r.err != nil {
		return nil, r.err
	}
	return r.classroom, nil
}

func filteringSettings() *config.Settings {
	s := config.NewSettings()
	s.ApplyRemote(&config.RemotePayload{
		DeviceID:         "school-42",
		VerdictServerURL: "https://verdict.example.com",
		AgentConfig: &config.AgentConfigPayload{
			OnNetwork: config.NetworkSidePayload{
				Filtering: &config.FilteringPayload{
					SafeSearch: &config.SafeSearch{
						Google: &config.SafeSearchEngine{Enabled: true},
						Bing:   &config.SafeSearchEngine{Enabled: true},
					},
				},
			},
		},
	})
	s.SetNetworkContext(true, "10.0.0.5")
	s.SetChromeID("chrome-abc")
	return s
}

type fixture struct {
	svc      *Service
	clk      *fixedClock
	cache    *verdict.MemoryCache
	fb       *fallback.Controller
	remote   *fakeRemote
	settings *config.Settings
	user     *fakeUser
}

func newFixture() *fixture {
	clk := newFixedClock()
	f := &fixture{
		clk:      clk,
		cache:    verdict.NewMemoryCache(clk),
		fb:       fallback.NewController(clk),
		remote:   &fakeRemote{verdict: verdict.AllowedVerdict(300)},
		settings: filteringSettings(),
		user:     &fakeUser{email: "student@school.example", found: true},
	}
	f.svc = NewService(f.cache, f.fb, f.remote, f.settings, f.user, clk, nil)
	return f
}

func TestDecideFetchesAndCaches(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	v := f.svc.Decide(ctx, "https://example.com/page", Options{})
	require.True(t, v.Allowed())
	assert.Equal(t, f.clk.t.Unix(), v.TimeRetrieved)
	assert.Equal(t, 1, f.remote.calls)
	assert.Equal(t, "student@school.example", f.remote.lastReq.Identity)

	// Within TTL the cache answers.
	f.svc.Decide(ctx, "https://example.com/other", Options{})
	assert.Equal(t, 1, f.remote.calls)

	// Past TTL the remote is asked again.
	f.clk.Advance(301 * time.Second)
	f.svc.Decide(ctx, "https://example.com/page", Options{})
	assert.Equal(t, 2, f.remote.calls)
}

func TestDecideIgnoreTTLServesExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	f.svc.Decide(ctx, "https://example.com/", Options{})
	f.clk.Advance(301 * time.Second)

	v := f.svc.Decide(ctx, "https://example.com/", Options{IgnoreTTL: true})
	require.True(t, v.Allowed())
	assert.Equal(t, 1, f.remote.calls)
}

func TestAutocompleteShortCircuit(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	for _, url := range []string{
		"https://www.google.com/complete/search?q=ca",
		"https://www.youtube.com/complete/search?q=ca",
		"https://www.bing.com/as/suggestions?qry=ca",
		"https://duckduckgo.com/ac/?q=ca",
	} {
		v := f.svc.Decide(ctx, url, Options{})
		assert.Nil(t, v.Verdict, url)
		assert.Equal(t, int64(60), v.TTL, url)
	}
	assert.Zero(t, f.remote.calls)
	assert.Zero(t, f.cache.Len(ctx), "autocomplete verdicts are not cached")
}

func TestBadDomainShortCircuit(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	for _, url := range []string{
		"chrome://settings",
		"https://verdict.example.com/get/verdict",
		"https://intranet/page",
	} {
		v := f.svc.Decide(ctx, url, Options{})
		assert.Equal(t, int64(999999999), v.TTL, url)
	}
	assert.Zero(t, f.remote.calls)

	// localhost is exempt from the dotless-host rule.
	f.svc.Decide(ctx, "https://localhost:3000/app", Options{})
	assert.Equal(t, 1, f.remote.calls)
}

func TestBypassResetsCache(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	f.svc.Decide(ctx, "https://example.com/", Options{})
	require.Equal(t, 1, f.cache.Len(ctx))

	f.svc.Decide(ctx, "https://device.linewize.net/pages?bypass_active=true", Options{})

	// The old entry is gone; only the bypass URL's own fresh verdict remains.
	_, ok := f.cache.Get(ctx, "example.com", true)
	assert.False(t, ok)
}

func TestFallbackSkipsRemoteAndSynthesizes(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.fb.Trigger()

	v := f.svc.Decide(ctx, "https://example.com/", Options{})
	assert.Nil(t, v.Verdict)
	assert.Equal(t, int64(5), v.TTL)
	assert.Zero(t, f.remote.calls)
	assert.Equal(t, 1, f.cache.Len(ctx), "synthesized verdict still caches for its short ttl")
}

func TestRemoteFailureChargesPenaltyAndTripsFallback(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.remote.err = assert.AnError

	v := f.svc.Decide(ctx, "https://example.com/", Options{})
	assert.Equal(t, int64(5), v.TTL)
	// A single failure records the full 10s penalty; mean 10000 > 5000.
	assert.True(t, f.fb.IsFallback())
}

func TestBlockRedirect(t *testing.T) {
	f := newFixture()

	v := &verdict.Verdict{RedirectURI: "blockpage.example/x?reason=denied"}
	assert.Equal(t, "http://blockpage.example/x?reason=denied&cid=chrome-abc", f.svc.BlockRedirect(v))

	v = &verdict.Verdict{
		RedirectURI: "https://other.example/landing?x=1",
		Rule:        &verdict.Rule{ID: "r1", Redirect: true},
	}
	assert.Equal(t, "https://other.example/landing?x=1", f.svc.BlockRedirect(v))

	v = &verdict.Verdict{
		RedirectURI: "blockpage.example/x?a=1",
		Rule:        &verdict.Rule{ID: "r1", Redirect: false},
	}
	assert.Equal(t, "http://blockpage.example/x?a=1&cid=chrome-abc", f.svc.BlockRedirect(v))
}

func TestShouldCheck(t *testing.T) {
	f := newFixture()

	assert.True(t, f.svc.ShouldCheck("https://example.com/", ""))
	assert.False(t, f.svc.ShouldCheck("chrome://settings", ""))
	assert.False(t, f.svc.ShouldCheck("https://verdict.example.com/x", ""))
	assert.False(t, f.svc.ShouldCheck("https://localhost/x", ""))
	assert.False(t, f.svc.ShouldCheck("https://example.com/", "chrome-extension://abc"))

	f.user.found = false
	assert.False(t, f.svc.ShouldCheck("https://example.com/", ""))
	f.user.found = true

	f.fb.Trigger()
	assert.False(t, f.svc.ShouldCheck("https://example.com/", ""))
}

func TestShouldCheckRequiresFiltering(t *testing.T) {
	f := newFixture()
	f.settings.SetNetworkContext(false, "")
	assert.False(t, f.svc.ShouldCheck("https://example.com/", ""))
}

func TestShouldCloseTab(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	f.remote.classroom = verdict.DeniedVerdict(5)
	assert.True(t, f.svc.ShouldCloseTab(ctx, "https://games.example.com/"))

	f.remote.classroom = verdict.AllowedVerdict(5)
	assert.False(t, f.svc.ShouldCloseTab(ctx, "https://docs.example.com/"))

	f.remote.err = assert.AnError
	assert.False(t, f.svc.ShouldCloseTab(ctx, "https://games.example.com/"))
	assert.True(t, f.fb.IsFallback(), "classroom check failures feed the latency samples")
}

func TestIsMapsTileRequest(t *testing.T) {
	assert.True(t, IsMapsTileRequest("https://www.google.com/maps/vt?pb=abc"))
	assert.True(t, IsMapsTileRequest("https://maps.google.com/maps/vt/stream"))
	assert.False(t, IsMapsTileRequest("https://www.google.com/maps"))
	assert.False(t, IsMapsTileRequest("https://example.com/google.com/maps"))
}

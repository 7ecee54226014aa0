// Package decision implements the verdict decision path: admin bypass
// detection, autocomplete and bad-domain short circuits, the TTL cache,
// the remote verdict call with latency accounting, and degraded-mode
// synthesis. Callers always get a verdict back; remote failure degrades,
// it never errors out.
package decision

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/schoolnet-labs/warden/pkg/clock"
	"github.com/schoolnet-labs/warden/pkg/config"
	"github.com/schoolnet-labs/warden/pkg/fallback"
	"github.com/schoolnet-labs/warden/pkg/gateway"
	"github.com/schoolnet-labs/warden/pkg/observability"
	"github.com/schoolnet-labs/warden/pkg/urlutil"
	"github.com/schoolnet-labs/warden/pkg/verdict"
)

const (
	autocompleteTTL = 60
	badDomainTTL    = 999999999
	synthesizedTTL  = 5
	// failurePenaltyMillis is the latency charged for a failed remote
	// call, so repeated failures drive the fallback mean up.
	failurePenaltyMillis = 10000
)

// UserSource exposes the resolved user driving verdict requests.
type UserSource interface {
	Email() string
	UserFound() bool
}

// Options adjusts a single decision.
type Options struct {
	// IgnoreTTL serves expired cache entries, used on the telemetry path
	// where staleness beats a second round trip.
	IgnoreTTL bool
	// RequestID keys the search-query cache across hooks of one request.
	RequestID string
	// Initiator is the origin that started the request; browser-internal
	// initiators are exempt from checking.
	Initiator string
	Method    string
	Body      []byte
}

// Service decides verdicts.
type Service struct {
	cache    verdict.Cache
	fb       *fallback.Controller
	remote   gateway.VerdictService
	settings *config.Settings
	users    UserSource
	clock    clock.Clock
	obs      *observability.Provider
	logger   *slog.Logger

	queries *queryCache
}

func NewService(
	cache verdict.Cache,
	fb *fallback.Controller,
	remote gateway.VerdictService,
	settings *config.Settings,
	users UserSource,
	c clock.Clock,
	obs *observability.Provider,
) *Service {
	return &Service{
		cache:    cache,
		fb:       fb,
		remote:   remote,
		settings: settings,
		users:    users,
		clock:    c,
		obs:      obs,
		logger:   slog.Default().With("component", "decision"),
		queries:  newQueryCache(20),
	}
}

// Decide runs the full decision path for one URL.
func (s *Service) Decide(ctx context.Context, rawURL string, opts Options) *verdict.Verdict {
	if s.isBypass(rawURL) {
		s.logger.Info("admin bypass detected, resetting verdict cache")
		s.cache.Reset(ctx)
	}

	if isSearchAutocomplete(rawURL) {
		s.logger.Debug("search autocomplete, skipping verdict", "url", rawURL)
		return &verdict.Verdict{TTL: autocompleteTTL}
	}

	domain := urlutil.Hostname(rawURL)
	if s.isBadDomain(rawURL, domain) {
		s.logger.Warn("bad domain", "url", rawURL)
		return &verdict.Verdict{TTL: badDomainTTL}
	}

	if cached, ok := s.cache.Get(ctx, domain, opts.IgnoreTTL); ok {
		s.obs.RecordCacheHit(ctx)
		s.obs.RecordVerdict(ctx, "cache", cached.Denied())
		return cached
	}

	searchQuery := s.SearchQuery(opts.RequestID, rawURL, opts.Method, opts.Body)
	v := s.fetchRemote(ctx, rawURL, searchQuery)
	if v == nil {
		v = &verdict.Verdict{TTL: synthesizedTTL}
		s.logger.Warn("no verdict for website, synthesizing", "url", rawURL)
		s.obs.RecordVerdict(ctx, "synthesized", false)
	} else {
		s.obs.RecordVerdict(ctx, "remote", v.Denied())
	}

	v.TimeRetrieved = s.clock.Now().Unix()
	if v.TTL > 0 {
		s.cache.Put(ctx, domain, v)
	}
	return v
}

// DecideIgnoringTTL is the telemetry-path entry point: stale cache entries
// are acceptable there.
func (s *Service) DecideIgnoringTTL(ctx context.Context, rawURL, searchQuery string) *verdict.Verdict {
	if searchQuery != "" {
		// Seed the query cache so the remote call carries the query.
		return s.decideWithQuery(ctx, rawURL, searchQuery)
	}
	return s.Decide(ctx, rawURL, Options{IgnoreTTL: true})
}

func (s *Service) decideWithQuery(ctx context.Context, rawURL, searchQuery string) *verdict.Verdict {
	domain := urlutil.Hostname(rawURL)
	if cached, ok := s.cache.Get(ctx, domain, true); ok {
		s.obs.RecordCacheHit(ctx)
		return cached
	}
	v := s.fetchRemote(ctx, rawURL, searchQuery)
	if v == nil {
		v = &verdict.Verdict{TTL: synthesizedTTL}
	}
	v.TimeRetrieved = s.clock.Now().Unix()
	if v.TTL > 0 {
		s.cache.Put(ctx, domain, v)
	}
	return v
}

// fetchRemote calls the verdict service unless the agent is in fallback.
// Latency is recorded either way the call ends; failures are charged the
// full penalty so a flapping gateway trips the fallback window.
func (s *Service) fetchRemote(ctx context.Context, rawURL, searchQuery string) *verdict.Verdict {
	if s.fb.IsFallback() {
		s.logger.Debug("in fallback mode, skipping verdict", "url", rawURL)
		return nil
	}
	if s.settings.VerdictServerURL() == "" {
		return nil
	}

	start := time.Now()
	v, err := s.remote.FetchVerdict(ctx, gateway.VerdictRequest{
		RawURL:      rawURL,
		Identity:    s.users.Email(),
		SearchQuery: searchQuery,
	})
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Warn("verdict request failed", "url", rawURL, "error", err)
		s.obs.RecordRemoteLatency(ctx, elapsed, true)
		s.recordLatency(ctx, failurePenaltyMillis)
		return nil
	}
	s.obs.RecordRemoteLatency(ctx, elapsed, false)
	s.recordLatency(ctx, elapsed.Milliseconds())
	return v
}

func (s *Service) recordLatency(ctx context.Context, millis int64) {
	wasFallback := s.fb.IsFallback()
	s.fb.RecordLatency(millis)
	if !wasFallback && s.fb.IsFallback() {
		s.obs.RecordFallbackActivation(ctx, "latency")
	}
}

// ShouldCloseTab asks the classroom endpoint whether an already-open tab
// now violates policy. The round trip feeds the same latency samples as
// the verdict path.
func (s *Service) ShouldCloseTab(ctx context.Context, rawURL string) bool {
	if s.settings.VerdictServerURL() == "" {
		return false
	}

	start := time.Now()
	v, err := s.remote.CheckClassroomVerdict(ctx, gateway.VerdictRequest{
		RawURL:   rawURL,
		Identity: s.users.Email(),
	})
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Warn("classroom verdict check failed", "url", rawURL, "error", err)
		s.recordLatency(ctx, failurePenaltyMillis)
		return false
	}
	s.recordLatency(ctx, elapsed.Milliseconds())
	return v.Denied()
}

// BlockRedirect builds the block-page redirect for a deny verdict. The
// scheme is normalized, and the client id is appended for bypass-code entry
// except when the rule carries its own redirect target.
func (s *Service) BlockRedirect(v *verdict.Verdict) string {
	uri := v.RedirectURI
	lower := strings.ToLower(uri)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		uri = "http://" + uri
	}
	if v.Rule == nil || !v.Rule.Redirect {
		uri += "&cid=" + s.settings.ChromeID()
	}
	return uri
}

// ShouldCheck gates the decision path for one intercepted request.
func (s *Service) ShouldCheck(rawURL, initiator string) bool {
	domain := urlutil.Hostname(rawURL)
	badURL := domain == urlutil.Hostname(s.settings.VerdictServerURL()) ||
		!strings.Contains(domain, ".") ||
		domain == "localhost" ||
		strings.HasPrefix(strings.ToLower(rawURL), "chrome")
	return s.settings.IsFilteringEnabled() &&
		!badURL &&
		s.users.UserFound() &&
		!strings.HasPrefix(strings.ToLower(initiator), "chrome") &&
		!s.fb.IsFallback()
}

// IsMapsTileRequest reports whether the URL is a Google Maps tile fetch,
// which skips verdict checking entirely.
func IsMapsTileRequest(rawURL string) bool {
	refined := urlutil.Hostname(rawURL) + "/" + urlutil.Path(rawURL)
	return strings.Contains(refined, "google.com/maps/vt")
}

// isBypass matches the admin bypass URL that unblocks a site: any page on
// the admin domain carrying the bypass marker.
func (s *Service) isBypass(rawURL string) bool {
	return strings.Contains(urlutil.Hostname(rawURL), s.settings.AdminDomain()) &&
		strings.Contains(rawURL, "bypass_active")
}

// isBadDomain matches URLs that must never go to the verdict service: the
// service's own host, browser-internal schemes, and dotless hosts, with
// localhost exempted.
func (s *Service) isBadDomain(rawURL, domain string) bool {
	if domain == "localhost" {
		return false
	}
	return strings.HasPrefix(rawURL, "chrome:") ||
		domain == urlutil.Hostname(s.settings.VerdictServerURL()) ||
		!strings.Contains(domain, ".")
}

// isSearchAutocomplete matches the per-engine suggestion endpoints. These
// fire on every keystroke and get a short fixed TTL instead of a verdict.
func isSearchAutocomplete(rawURL string) bool {
	hostname := urlutil.Hostname(rawURL)
	path := strings.ToLower(urlutil.Path(rawURL))

	switch {
	case strings.Contains(hostname, "google"), strings.Contains(hostname, "youtube"):
		return strings.HasPrefix(path, "complete/search?")
	case strings.Contains(hostname, "bing"):
		return strings.HasPrefix(path, "as/suggestions?")
	case strings.Contains(hostname, "duckduckgo"):
		return strings.HasPrefix(path, "ac?") || strings.HasPrefix(path, "ac/?")
	}
	return false
}

// Package agent composes the decision service, session machine, fallback
// controller, and telemetry aggregator into the single engine the process
// entry point and the browser bridge talk to.
package agent

import (
	"context"
	"log/slog"

	"github.com/schoolnet-labs/warden/pkg/clock"
	"github.com/schoolnet-labs/warden/pkg/config"
	"github.com/schoolnet-labs/warden/pkg/connections"
	"github.com/schoolnet-labs/warden/pkg/decision"
	"github.com/schoolnet-labs/warden/pkg/fallback"
	"github.com/schoolnet-labs/warden/pkg/identity"
	"github.com/schoolnet-labs/warden/pkg/observability"
	"github.com/schoolnet-labs/warden/pkg/reqstore"
	"github.com/schoolnet-labs/warden/pkg/session"
	"github.com/schoolnet-labs/warden/pkg/verdict"
)

// Engine is the top-level policy agent.
type Engine struct {
	clock      clock.Clock
	settings   *config.Settings
	decisions  *decision.Service
	fb         *fallback.Controller
	cache      verdict.Cache
	machine    *session.Machine
	aggregator *connections.Aggregator
	requests   *reqstore.Store
	users      *identity.Resolver
	obs        *observability.Provider
	logger     *slog.Logger

	version string
	origin  string
}

// Options carries the engine's own identity: the build version checked
// against the fleet minimum, and the companion's origin exempted from the
// lock-navigation guard.
type Options struct {
	AgentVersion    string
	CompanionOrigin string
}

func NewEngine(
	c clock.Clock,
	settings *config.Settings,
	decisions *decision.Service,
	fb *fallback.Controller,
	cache verdict.Cache,
	machine *session.Machine,
	aggregator *connections.Aggregator,
	requests *reqstore.Store,
	users *identity.Resolver,
	obs *observability.Provider,
	opts Options,
) *Engine {
	return &Engine{
		clock:      c,
		settings:   settings,
		decisions:  decisions,
		fb:         fb,
		cache:      cache,
		machine:    machine,
		aggregator: aggregator,
		requests:   requests,
		users:      users,
		obs:        obs,
		logger:     slog.Default().With("component", "agent"),
		version:    opts.AgentVersion,
		origin:     opts.CompanionOrigin,
	}
}

// DecideRequest decides one intercepted request and returns the redirect to
// apply, if any. The first decision per (request id, hostname) is kept for
// telemetry enrichment.
func (e *Engine) DecideRequest(ctx context.Context, rawURL string, opts decision.Options) (redirect string, ok bool) {
	if decision.IsMapsTileRequest(rawURL) {
		return "", false
	}

	if e.machine.LockActive() {
		target, locked := session.NavigationRedirect(rawURL,
			e.settings.AdminDomain(), e.origin, e.settings.LockURL())
		if locked {
			return target, true
		}
	}

	if !e.decisions.ShouldCheck(rawURL, opts.Initiator) {
		if e.fb.IsFallback() {
			return e.decisions.EnforceSafeSearch(rawURL)
		}
		return "", false
	}

	v, found := e.requests.Get(opts.RequestID, rawURL)
	if !found {
		v = e.decisions.Decide(ctx, rawURL, opts)
		e.requests.Set(opts.RequestID, rawURL, v)
	}

	if v.Denied() {
		return e.decisions.BlockRedirect(v), true
	}
	return e.decisions.EnforceSafeSearch(rawURL)
}

// Decide runs the bare decision path without the per-request store, for
// callers that need the verdict itself.
func (e *Engine) Decide(ctx context.Context, rawURL string, opts decision.Options) *verdict.Verdict {
	return e.decisions.Decide(ctx, rawURL, opts)
}

// IsInFallback reports whether the agent is currently degraded.
func (e *Engine) IsInFallback() bool { return e.fb.IsFallback() }

// EnforceSafeSearch returns the safe-search rewrite for a URL, if one
// applies. Safe search holds in fallback too.
func (e *Engine) EnforceSafeSearch(rawURL string) (string, bool) {
	return e.decisions.EnforceSafeSearch(rawURL)
}

// YouTubeRestrictHeader returns the YouTube-Restrict header value to inject
// on YouTube requests, or "" when restriction is off.
func (e *Engine) YouTubeRestrictHeader() string {
	return e.settings.YouTubeRestrictMode()
}

// OnIdentityToken refreshes the resolved user from a raw platform token.
// Losing the identity forces fallback until a fresh token arrives.
func (e *Engine) OnIdentityToken(rawToken string) {
	found := e.users.Update(rawToken)
	e.fb.SetNoIdentity(!found)
}

// OnConfigRefresh applies a validated configuration payload: settings
// first, then the version gate, then the session machine sees the new
// classroom set.
func (e *Engine) OnConfigRefresh(ctx context.Context, payload *config.RemotePayload) {
	e.settings.ApplyRemote(payload)

	supported := e.settings.SupportsAgentVersion(e.version)
	if !supported {
		e.logger.Warn("agent build below fleet minimum", "version", e.version,
			"minimum", payload.MinimumAgentVersion)
	}
	e.fb.SetUnsupported(!supported)

	configs := make([]session.Config, 0, len(payload.Configurations))
	for _, c := range payload.Configurations {
		configs = append(configs, session.Config{
			Name:        c.Name,
			Identity:    c.Identity,
			Periods:     c.Periods,
			Timeout:     c.Timeout,
			ApplyFocus:  c.ApplyFocus,
			FocusURLs:   c.FocusURLs,
			LockedUsers: c.LockedUsers,
			Endpoint:    c.Endpoint,
			ChatEnabled: c.ChatEnabled,
			Monitoring:  c.Monitoring,
		})
	}
	e.machine.Refresh(ctx, configs)
}

// OnPolicyChange handles a policy-change push: cached verdicts are stale,
// and already-open tabs may now violate.
func (e *Engine) OnPolicyChange(ctx context.Context) {
	e.logger.Info("policy change received, resetting verdict cache")
	e.cache.Reset(ctx)
	e.machine.CheckTabsForViolations(ctx)
}

// RecordConnectionEvent folds one interception event into telemetry.
func (e *Engine) RecordConnectionEvent(ctx context.Context, ev connections.Event) {
	if ev.SearchQuery == "" {
		ev.SearchQuery = e.decisions.SearchQuery(ev.RequestID, ev.URL, ev.Method, nil)
	}
	if err := e.aggregator.RecordEvent(ctx, ev); err != nil {
		e.logger.Error("recording connection event failed", "request_id", ev.RequestID, "error", err)
	}
}

// OnRequestRedirected drops per-request verdicts so the redirect target is
// judged on its own.
func (e *Engine) OnRequestRedirected(requestID string) {
	e.requests.Remove(requestID)
}

// ShouldCloseTab asks the classroom endpoint about one tab.
func (e *Engine) ShouldCloseTab(ctx context.Context, rawURL string) bool {
	return e.decisions.ShouldCloseTab(ctx, rawURL)
}

// Run owns the engine's background goroutines until the context ends.
func (e *Engine) Run(ctx context.Context) {
	go e.requests.Run(ctx)
	go e.aggregator.Run(ctx)
	<-ctx.Done()
	e.machine.Stop()
}

package connections

import (
	"context"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/schoolnet-labs/warden/pkg/clock"
	"github.com/schoolnet-labs/warden/pkg/config"
	"github.com/schoolnet-labs/warden/pkg/observability"
	"github.com/schoolnet-labs/warden/pkg/reqstore"
	"github.com/schoolnet-labs/warden/pkg/urlutil"
	"github.com/schoolnet-labs/warden/pkg/verdict"
)

const (
	// DefaultMaxPending is the pending-record count that forces a flush.
	DefaultMaxPending = 10000
	// DefaultFlushInterval is how long pending records may wait before a
	// completed request triggers a flush.
	DefaultFlushInterval = 5 * time.Minute
)

// Uploader ships a drained batch to the stats service.
type Uploader interface {
	Upload(ctx context.Context, records []Record) error
}

// Decider re-derives a verdict for telemetry when the per-request store has
// already dropped it. TTL is ignored so a stale cached verdict still beats
// a remote round trip.
type Decider interface {
	DecideIgnoringTTL(ctx context.Context, rawURL, searchQuery string) *verdict.Verdict
}

// UserSource exposes the resolved user the records are attributed to.
type UserSource interface {
	Email() string
	UserFound() bool
}

// Aggregator folds interception events into connection records and flushes
// them in batches.
type Aggregator struct {
	clock        clock.Clock
	store        Store
	uploader     Uploader
	decider      Decider
	requests     *reqstore.Store
	settings     *config.Settings
	users        UserSource
	obs          *observability.Provider
	logger       *slog.Logger
	agentVersion string

	maxPending    int
	flushInterval time.Duration

	mu         sync.Mutex
	lastReport time.Time
}

type AggregatorOptions struct {
	MaxPending    int
	FlushInterval time.Duration
	AgentVersion  string
}

func NewAggregator(
	c clock.Clock,
	store Store,
	uploader Uploader,
	decider Decider,
	requests *reqstore.Store,
	settings *config.Settings,
	users UserSource,
	obs *observability.Provider,
	opts AggregatorOptions,
) *Aggregator {
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	return &Aggregator{
		clock:         c,
		store:         store,
		uploader:      uploader,
		decider:       decider,
		requests:      requests,
		settings:      settings,
		users:         users,
		obs:           obs,
		logger:        slog.Default().With("component", "connections"),
		agentVersion:  opts.AgentVersion,
		maxPending:    opts.MaxPending,
		flushInterval: opts.FlushInterval,
		lastReport:    c.Now(),
	}
}

// RecordEvent folds one interception event into the request's record. A
// completed event additionally gives the flush thresholds a chance to fire.
func (a *Aggregator) RecordEvent(ctx context.Context, ev Event) error {
	if !ShouldProcess(a.settings, a.users.UserFound(), ev) {
		return nil
	}
	// Cache-served completions carry no new wire traffic.
	if !(ev.Completed && ev.FromCache) {
		if err := a.updateRecord(ctx, ev); err != nil {
			return err
		}
	}
	if ev.Completed {
		a.maybeFlush(ctx)
	}
	return nil
}

func (a *Aggregator) updateRecord(ctx context.Context, ev Event) error {
	rec, found, err := a.store.Get(ctx, ev.RequestID)
	if err != nil {
		return err
	}
	if !found {
		rec = newRecord(ev.RequestID, a.settings.LocalIP(), a.users.Email())
	}

	rec.HTTPHost = urlutil.Hostname(ev.URL)
	rec.User = a.users.Email()
	rec.Time = a.clock.Now().Unix()
	rec.Lifetime = 0
	rec.Packets = 1
	rec.Protocol = 6
	rec.HWAddress = ""
	rec.Agent = "chrome-extension-" + a.agentVersion
	rec.AgentInsideNetwork = a.settings.InsideNetwork()
	rec.FinalObject = true
	rec.DestPort = urlutil.Port(ev.URL)
	rec.SourceIP = a.settings.LocalIP()

	a.applyVerdict(ctx, rec, ev)

	requestURI := urlutil.RequestURI(ev.URL)
	if !containsString(rec.HTTPRequestURIs, requestURI) {
		rec.HTTPRequestURIs = append(rec.HTTPRequestURIs, requestURI)
	}
	if ev.SearchQuery != "" {
		rec.HTTPRequestURIs = append(rec.HTTPRequestURIs,
			"/results?search_query="+url.QueryEscape(ev.SearchQuery))
	}

	if ev.IP != "" {
		rec.DestIP = ev.IP
	}

	for _, h := range ev.RequestHeaders {
		rec.Upload += int64(len(h.Name) + len(h.Value))
	}
	for _, h := range ev.ResponseHeaders {
		rec.Download += int64(len(h.Name) + len(h.Value))
		if strings.EqualFold(h.Name, "content-length") {
			if n, err := strconv.ParseInt(h.Value, 10, 64); err == nil {
				if strings.EqualFold(ev.Method, "get") {
					rec.Download += n
				} else {
					rec.Upload += n
				}
			}
		}
	}
	rec.Upload += ev.RequestBodySize

	if ev.TabTitle != "" {
		rec.HTMLTitle = ev.TabTitle
	}

	return a.store.Put(ctx, ev.RequestID, rec)
}

// applyVerdict enriches the record from the verdict decided for this
// request, re-deriving one when the per-request snapshot already expired.
func (a *Aggregator) applyVerdict(ctx context.Context, rec *Record, ev Event) {
	v, ok := a.requests.Get(ev.RequestID, ev.URL)
	if !ok {
		a.logger.Debug("request store miss", "request_id", ev.RequestID)
		v = a.decider.DecideIgnoringTTL(ctx, ev.URL, ev.SearchQuery)
		a.requests.Set(ev.RequestID, ev.URL, v)
	}
	if v == nil {
		return
	}

	if v.Denied() {
		rec.VerdictIssued = true
		rec.AppFilteringDenied = true
	} else if v.Allowed() {
		rec.VerdictIssued = true
		rec.AppFilteringDenied = false
	}

	if v.Rule != nil {
		rec.VerdictRule = v.Rule.ID
	} else {
		rec.VerdictRule = ""
	}
	if v.Bypass != nil {
		rec.BypassCode = v.Bypass.Code
		rec.BypassExpiryTime = v.Bypass.ExpiryTime
	}
	if v.Signatures != nil {
		rec.CategoryID = v.Signatures.Category
		rec.SubCategoryID = v.Signatures.SubCategory
		rec.Tag = v.Signatures.Signature
		if v.Signatures.Noise {
			rec.Noise = true
		}
	}
}

// maybeFlush drains and uploads when the pending count passes the hard cap,
// or when any records have waited longer than the flush interval.
func (a *Aggregator) maybeFlush(ctx context.Context) {
	count, err := a.store.Count(ctx)
	if err != nil {
		a.logger.Error("count pending connections", "error", err)
		return
	}

	a.mu.Lock()
	now := a.clock.Now()
	intervalElapsed := now.Sub(a.lastReport) > a.flushInterval
	due := count > a.maxPending || (count > 0 && intervalElapsed)
	if !due {
		a.mu.Unlock()
		return
	}
	if a.settings.LocalIP() == "" || a.settings.DeviceID() == "" {
		a.mu.Unlock()
		return
	}
	a.lastReport = now
	a.mu.Unlock()

	a.flush(ctx, count)
}

// flush drains the store and uploads. Drained records are not requeued on
// upload failure.
func (a *Aggregator) flush(ctx context.Context, count int) {
	a.logger.Info("flushing connection records", "pending", count)
	records, err := a.store.Drain(ctx)
	if err != nil {
		a.logger.Error("drain pending connections", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	if err := a.uploader.Upload(ctx, records); err != nil {
		a.logger.Warn("connection upload failed", "records", len(records), "error", err)
		return
	}
	a.obs.RecordFlush(ctx, len(records))
	a.logger.Info("connection upload successful", "records", len(records))
}

// Run periodically gives the flush thresholds a chance to fire even when no
// requests are completing.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.maybeFlush(ctx)
		}
	}
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

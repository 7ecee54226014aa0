// Command warden is the policy agent daemon. It talks to the browser
// companion over native messaging on stdin/stdout, so all logging goes to
// stderr.
package main

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand/v2"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"

	"github.com/schoolnet-labs/warden/pkg/agent"
	"github.com/schoolnet-labs/warden/pkg/bridge"
	"github.com/schoolnet-labs/warden/pkg/clock"
	"github.com/schoolnet-labs/warden/pkg/config"
	"github.com/schoolnet-labs/warden/pkg/connections"
	"github.com/schoolnet-labs/warden/pkg/decision"
	"github.com/schoolnet-labs/warden/pkg/fallback"
	"github.com/schoolnet-labs/warden/pkg/gateway"
	"github.com/schoolnet-labs/warden/pkg/identity"
	"github.com/schoolnet-labs/warden/pkg/observability"
	"github.com/schoolnet-labs/warden/pkg/reqstore"
	"github.com/schoolnet-labs/warden/pkg/schedule"
	"github.com/schoolnet-labs/warden/pkg/session"
	"github.com/schoolnet-labs/warden/pkg/verdict"
)

const agentVersion = "2.0.11"

func main() {
	os.Exit(run())
}

func run() int {
	boot := config.Load()
	logger := setupLogger(boot.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settings := config.NewSettings()
	settings.SetRegion(boot.Region)

	var profile *config.DeploymentProfile
	if boot.ProfileName != "" {
		p, err := config.LoadProfile(boot.ProfilesDir, boot.ProfileName)
		if err != nil {
			logger.Error("deployment profile load failed", "profile", boot.ProfileName, "error", err)
			return 1
		}
		profile = p
		settings.ApplyProfile(profile)
		logger.Info("deployment profile applied", "profile", profile.Name)
	}

	clientID := boot.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	settings.SetChromeID(clientID)
	settings.SetNetworkContext(true, localIP())

	obs, err := observability.New(ctx, obsConfig(boot))
	if err != nil {
		logger.Error("observability init failed", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("observability shutdown failed", "error", err)
		}
	}()

	wall := clock.Wall{}
	users := identity.NewResolver(wall)
	fb := fallback.NewController(wall)
	cache, err := buildCache(boot, profile, wall)
	if err != nil {
		logger.Error("verdict cache init failed", "error", err)
		return 1
	}

	remote := gateway.NewClient(settings)
	decisions := decision.NewService(cache, fb, remote, settings, users, wall, obs)
	requests := reqstore.New(wall, reqstore.DefaultTTL)

	dbPath := boot.DatabasePath
	if profile != nil && profile.Reporting.DatabasePath != "" {
		dbPath = profile.Reporting.DatabasePath
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		logger.Error("reporting database open failed", "path", dbPath, "error", err)
		return 1
	}
	defer db.Close()

	store, err := connections.NewSQLiteStore(db)
	if err != nil {
		logger.Error("reporting store init failed", "error", err)
		return 1
	}

	aggOpts := connections.AggregatorOptions{AgentVersion: agentVersion}
	if profile != nil {
		aggOpts.MaxPending = profile.Reporting.MaxPending
		aggOpts.FlushInterval = profile.Reporting.FlushInterval.Std()
	}
	aggregator := connections.NewAggregator(wall, store, gateway.NewStatsClient(settings),
		decisions, requests, settings, users, obs, aggOpts)

	conn := bridge.NewConn(os.Stdin, os.Stdout)
	machine := session.NewMachine(wall, conn, settings, decisions)
	engine := agent.NewEngine(wall, settings, decisions, fb, cache, machine, aggregator,
		requests, users, obs, agent.Options{
			AgentVersion:    agentVersion,
			CompanionOrigin: boot.CompanionOrigin,
		})

	configClient := gateway.NewConfigClient(gatewayURL(boot, profile), agentVersion)
	interval, jitter := refreshCadence(profile)
	go refreshLoop(ctx, engine, configClient, users, boot.DeviceID, interval, jitter, logger)
	go engine.Run(ctx)

	logger.Info("agent started", "region", boot.Region, "client_id", clientID)
	if err := conn.Serve(ctx, engine); err != nil && ctx.Err() == nil {
		logger.Error("bridge connection failed", "error", err)
		return 1
	}
	return 0
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger
}

func obsConfig(boot *config.Bootstrap) *observability.Config {
	cfg := observability.DefaultConfig()
	cfg.ServiceVersion = agentVersion
	if boot.OTLPEndpoint == "" {
		cfg.Enabled = false
		return cfg
	}
	cfg.OTLPEndpoint = boot.OTLPEndpoint
	return cfg
}

func buildCache(boot *config.Bootstrap, profile *config.DeploymentProfile, wall clock.Clock) (verdict.Cache, error) {
	redisURL := boot.RedisURL
	if profile != nil && strings.EqualFold(profile.Cache.Backend, "redis") && profile.Cache.RedisURL != "" {
		redisURL = profile.Cache.RedisURL
	}
	if redisURL == "" {
		return verdict.NewMemoryCache(wall), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return verdict.NewRedisCache(redis.NewClient(opts), wall), nil
}

func gatewayURL(boot *config.Bootstrap, profile *config.DeploymentProfile) string {
	if profile != nil && profile.Bootstrap.ConfigGatewayURL != "" {
		return profile.Bootstrap.ConfigGatewayURL
	}
	return config.GatewayURL(boot.Region)
}

func refreshCadence(profile *config.DeploymentProfile) (time.Duration, time.Duration) {
	interval := 5 * time.Minute
	var jitter time.Duration
	if profile != nil {
		if profile.Refresh.Interval > 0 {
			interval = profile.Refresh.Interval.Std()
		}
		jitter = profile.Refresh.Jitter.Std()
	}
	return interval, jitter
}

// refreshLoop pulls configuration on a jittered cadence, pulled forward to
// the next session boundary so a period starting or ending between ticks is
// picked up on time. The first pull happens immediately so the agent is
// usable before the first tick.
func refreshLoop(
	ctx context.Context,
	engine *agent.Engine,
	client *gateway.ConfigClient,
	users *identity.Resolver,
	deviceID string,
	interval, jitter time.Duration,
	logger *slog.Logger,
) {
	var configs []config.SessionConfigPayload

	refresh := func() {
		payload, err := client.Fetch(ctx, users.Email(), deviceID)
		if err != nil {
			logger.Warn("configuration refresh failed", "error", err)
			return
		}
		engine.OnConfigRefresh(ctx, payload)
		configs = payload.Configurations
		logger.Info("configuration refreshed", "sessions", len(payload.Configurations))
	}

	refresh()
	for {
		wait := interval
		if jitter > 0 {
			wait += rand.N(jitter)
		}
		if d, ok := nextSessionBoundary(configs, time.Now()); ok && d < wait {
			wait = d
		}
		if wait < time.Second {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			refresh()
		}
	}
}

// nextSessionBoundary returns the time until the next moment the running
// session set can change: the soonest period start across all session
// configurations, or the end of a currently running one.
func nextSessionBoundary(configs []config.SessionConfigPayload, now time.Time) (time.Duration, bool) {
	var best time.Duration
	ok := false

	var periods []schedule.Period
	for _, c := range configs {
		periods = append(periods, c.Periods...)
	}
	if _, d, found := schedule.SoonestStart(periods, now); found {
		best = d
		ok = true
	}

	for _, c := range configs {
		end, found := schedule.ConfigEnd(c.Periods, c.Timeout, now)
		if !found || !end.After(now) {
			continue
		}
		if d := end.Sub(now); !ok || d < best {
			best = d
			ok = true
		}
	}
	return best, ok
}

// localIP finds the address the device would use to reach the network. No
// packets are sent; the dial only resolves a route.
func localIP() string {
	conn, err := net.Dial("udp", "10.255.255.255:1")
	if err != nil {
		return ""
	}
	defer conn.Close()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		return addr.IP.String()
	}
	return ""
}

// Package gateway holds the HTTP clients for the remote services the agent
// talks to: the verdict service, the classroom verdict check, the
// configuration gateway, and the connection stats sink.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/schoolnet-labs/warden/pkg/config"
	"github.com/schoolnet-labs/warden/pkg/identity"
	"github.com/schoolnet-labs/warden/pkg/urlutil"
	"github.com/schoolnet-labs/warden/pkg/verdict"
)

// VerdictRequest carries everything the verdict service needs to judge one
// URL for one user.
type VerdictRequest struct {
	RawURL      string
	Identity    string
	SearchQuery string
}

// VerdictService is the remote authority on access decisions.
type VerdictService interface {
	FetchVerdict(ctx context.Context, req VerdictRequest) (*verdict.Verdict, error)
	CheckClassroomVerdict(ctx context.Context, req VerdictRequest) (*verdict.Verdict, error)
}

const defaultRequestTimeout = 10 * time.Second

// Client talks to the verdict service. Outbound calls are rate limited so a
// misbehaving page cannot turn the agent into a request amplifier.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	settings   *config.Settings
	logger     *slog.Logger
}

func NewClient(settings *config.Settings) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		limiter:    rate.NewLimiter(rate.Limit(50), 100),
		settings:   settings,
		logger:     slog.Default().With("component", "gateway"),
	}
}

// FetchVerdict asks the verdict service to judge one URL.
func (c *Client) FetchVerdict(ctx context.Context, req VerdictRequest) (*verdict.Verdict, error) {
	return c.fetch(ctx, "/get/verdict", req)
}

// CheckClassroomVerdict asks whether an already-open tab violates the
// classroom policy that just came into force.
func (c *Client) CheckClassroomVerdict(ctx context.Context, req VerdictRequest) (*verdict.Verdict, error) {
	return c.fetch(ctx, "/check/classroom/verdict", req)
}

func (c *Client) fetch(ctx context.Context, endpoint string, req VerdictRequest) (*verdict.Verdict, error) {
	base := c.settings.VerdictServerURL()
	if base == "" {
		return nil, fmt.Errorf("verdict server URL not configured")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("verdict rate limit: %w", err)
	}

	query := url.Values{}
	query.Set("requested_website", urlutil.Hostname(req.RawURL))
	query.Set("requested_path", urlutil.Path(req.RawURL))
	query.Set("identity", req.Identity)
	query.Set("identity_type", identity.IdentityType)
	query.Set("chrome_id", c.settings.ChromeID())
	query.Set("deviceid", c.settings.DeviceID())
	if req.SearchQuery != "" {
		query.Set("search_query", req.SearchQuery)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, base+endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build verdict request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("verdict request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("verdict service returned %d", resp.StatusCode)
	}

	var v verdict.Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decode verdict: %w", err)
	}
	return &v, nil
}

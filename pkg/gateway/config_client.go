package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/schoolnet-labs/warden/pkg/config"
)

// AgentType identifies this agent family to the configuration gateway.
const AgentType = "chrome"

// ConfigClient pulls the device configuration from the regional gateway.
type ConfigClient struct {
	httpClient   *http.Client
	baseURL      string
	agentVersion string
	logger       *slog.Logger
}

func NewConfigClient(baseURL, agentVersion string) *ConfigClient {
	return &ConfigClient{
		httpClient:   &http.Client{Timeout: defaultRequestTimeout},
		baseURL:      baseURL,
		agentVersion: agentVersion,
		logger:       slog.Default().With("component", "config-gateway"),
	}
}

// Fetch pulls the configuration for a user and device. The payload is
// schema-validated before it is returned; a rejected payload leaves the
// caller's current settings untouched.
func (c *ConfigClient) Fetch(ctx context.Context, user, deviceID string) (*config.RemotePayload, error) {
	query := url.Values{}
	query.Set("user", user)
	query.Set("deviceid", deviceID)
	query.Set("agt", AgentType)
	query.Set("ver", c.agentVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/get/configuration/chrome-extension?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build configuration request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("configuration request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("configuration gateway returned %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}

	payload, err := config.ParseRemotePayload(raw)
	if err != nil {
		c.logger.Warn("rejected configuration payload", "error", err)
		return nil, err
	}
	return payload, nil
}

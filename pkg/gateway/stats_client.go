package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/schoolnet-labs/warden/pkg/config"
	"github.com/schoolnet-labs/warden/pkg/connections"
)

// StatsClient ships batches of connection records to the stats service.
type StatsClient struct {
	httpClient *http.Client
	settings   *config.Settings
	logger     *slog.Logger
}

func NewStatsClient(settings *config.Settings) *StatsClient {
	return &StatsClient{
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
		settings:   settings,
		logger:     slog.Default().With("component", "stats"),
	}
}

// Upload posts one batch. The batch is addressed to the reporting device,
// which is the parent appliance when the device has one.
func (c *StatsClient) Upload(ctx context.Context, records []connections.Record) error {
	base := c.settings.StatsURL()
	if base == "" {
		return fmt.Errorf("stats URL not configured")
	}

	body, err := json.Marshal(map[string]any{"items": records})
	if err != nil {
		return fmt.Errorf("encode stats batch: %w", err)
	}

	endpoint := fmt.Sprintf("%s/%s/-/extension", base, c.settings.ReportingDeviceID())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build stats request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("stats upload: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("stats service returned %d", resp.StatusCode)
	}
	c.logger.Debug("uploaded connection batch", "records", len(records))
	return nil
}

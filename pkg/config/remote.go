package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/schoolnet-labs/warden/pkg/schedule"
)

// SessionConfigPayload is one classroom session as delivered by the
// configuration service.
type SessionConfigPayload struct {
	Name        string            `json:"name,omitempty"`
	Identity    string            `json:"identity"`
	Periods     []schedule.Period `json:"periods"`
	Timeout     int64             `json:"timeout"`
	ApplyFocus  bool              `json:"apply_focus"`
	FocusURLs   []string          `json:"focus_urls,omitempty"`
	LockedUsers []string          `json:"locked_users,omitempty"`
	Endpoint    string            `json:"endpoint,omitempty"`
	ChatEnabled bool              `json:"chat_enabled,omitempty"`
	Monitoring  bool              `json:"monitoring,omitempty"`
}

// RemotePayload is the full configuration response. It replaces the
// remote-derived part of Settings atomically.
type RemotePayload struct {
	DeviceID                   string                 `json:"device_id"`
	ParentDevice               string                 `json:"parent_device,omitempty"`
	Timezone                   string                 `json:"timezone"`
	BlockpageURL               string                 `json:"blockedpage_url,omitempty"`
	VerdictServerURL           string                 `json:"verdict_server_url"`
	LockURL                    string                 `json:"lock_url,omitempty"`
	ClosedTabURL               string                 `json:"closed_tab_url,omitempty"`
	ChatWindowURL              string                 `json:"chat_window_url,omitempty"`
	StatsURL                   string                 `json:"stats_url,omitempty"`
	AllowConnectionsInsideNet  bool                   `json:"allow_connections_inside_network,omitempty"`
	MinimumAgentVersion        string                 `json:"minimum_agent_version,omitempty"`
	AgentConfig                *AgentConfigPayload    `json:"mobile_agent_config,omitempty"`
	Configurations             []SessionConfigPayload `json:"configurations"`
}

// AgentConfigPayload splits capabilities by network context.
type AgentConfigPayload struct {
	OnNetwork  NetworkSidePayload `json:"on_network"`
	OffNetwork NetworkSidePayload `json:"off_network"`
}

// NetworkSidePayload is one side of the on/off-network split. Filtering is
// enabled when the filtering object is present at all, matching the wire
// contract.
type NetworkSidePayload struct {
	Filtering *FilteringPayload `json:"filtering,omitempty"`
	Classroom ClassroomPayload  `json:"classroom"`
}

type FilteringPayload struct {
	SafeSearch *SafeSearch `json:"safeSearch,omitempty"`
}

type ClassroomPayload struct {
	Enabled bool `json:"enabled"`
}

// remoteSchema pins the shape the agent will accept from the configuration
// service. A payload that fails validation is rejected whole; the previous
// settings stay in force.
const remoteSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["device_id", "verdict_server_url", "configurations"],
  "properties": {
    "device_id": {"type": "string", "minLength": 1},
    "parent_device": {"type": "string"},
    "timezone": {"type": "string"},
    "verdict_server_url": {"type": "string", "minLength": 1},
    "minimum_agent_version": {"type": "string"},
    "configurations": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["identity", "periods", "timeout"],
        "properties": {
          "identity": {"type": "string"},
          "timeout": {"type": "integer", "minimum": 0},
          "apply_focus": {"type": "boolean"},
          "focus_urls": {"type": "array", "items": {"type": "string"}},
          "locked_users": {"type": "array", "items": {"type": "string"}},
          "periods": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["day", "startTime", "endTime"],
              "properties": {
                "day": {"enum": ["sun", "mon", "tue", "wed", "thur", "fri", "sat"]},
                "startTime": {"type": "integer", "minimum": 0, "maximum": 2359},
                "endTime": {"type": "integer", "minimum": 0, "maximum": 2359}
              }
            }
          }
        }
      }
    }
  }
}`

var compiledRemoteSchema = jsonschema.MustCompileString(
	"https://schoolnet-labs.github.io/warden/remote-config.schema.json",
	remoteSchema,
)

// ParseRemotePayload validates and decodes a configuration response.
func ParseRemotePayload(raw []byte) (*RemotePayload, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	if err := compiledRemoteSchema.Validate(generic); err != nil {
		return nil, fmt.Errorf("configuration failed schema validation: %w", err)
	}
	var payload RemotePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	return &payload, nil
}

// ApplyRemote replaces the remote-derived settings with a validated
// payload.
func (s *Settings) ApplyRemote(p *RemotePayload) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deviceID = p.DeviceID
	s.parentDevice = p.ParentDevice
	if p.Timezone != "" {
		s.timezone = p.Timezone
	}
	s.blockpageURL = p.BlockpageURL
	s.verdictServerURL = p.VerdictServerURL
	s.lockURL = p.LockURL
	s.closedTabURL = p.ClosedTabURL
	s.chatWindowURL = p.ChatWindowURL
	s.statsURL = p.StatsURL
	s.connectionsInsideNetwork = p.AllowConnectionsInsideNet
	s.minimumAgentVersion = p.MinimumAgentVersion

	if p.AgentConfig != nil {
		s.onNetwork = sideToProfile(p.AgentConfig.OnNetwork)
		s.offNetwork = sideToProfile(p.AgentConfig.OffNetwork)
	}
}

func sideToProfile(side NetworkSidePayload) NetworkProfile {
	profile := NetworkProfile{
		ClassroomEnabled: side.Classroom.Enabled,
	}
	if side.Filtering != nil {
		profile.FilteringEnabled = true
		profile.SafeSearch = side.Filtering.SafeSearch
	}
	return profile
}

// GatewayURL builds the regional configuration gateway base URL.
func GatewayURL(region string) string {
	return "https://configuration-gw." + region + ".schoolnet.example"
}

// normalizeRegion guards against accidentally padded region tokens from
// stored settings.
func normalizeRegion(region string) string {
	return strings.TrimSpace(strings.ToLower(region))
}

// Package config holds the agent's runtime settings: the service URLs,
// device identity, network context, and the per-context filtering,
// classroom, and safe-search switches. The remote configuration service
// replaces the whole remote-derived state atomically on each refresh.
package config

import (
	"log/slog"
	"sync"

	"github.com/Masterminds/semver/v3"
)

// SafeSearchEngine is one engine's safe-search switch. Mode is only
// meaningful for YouTube ("strict" or "moderate").
type SafeSearchEngine struct {
	Enabled bool   `json:"enabled"`
	Mode    string `json:"mode,omitempty"`
}

// SafeSearch carries the per-engine switches for one network context.
type SafeSearch struct {
	Google  *SafeSearchEngine `json:"google,omitempty"`
	Bing    *SafeSearchEngine `json:"bing,omitempty"`
	YouTube *SafeSearchEngine `json:"youtube,omitempty"`
}

// NetworkProfile is the capability set for one side of the on/off-network
// split.
type NetworkProfile struct {
	FilteringEnabled bool        `json:"filtering_enabled"`
	ClassroomEnabled bool        `json:"classroom_enabled"`
	SafeSearch       *SafeSearch `json:"safe_search,omitempty"`
}

// Settings is the process-wide runtime configuration. All reads resolve
// against the current network context, mirroring how the device behaves
// differently inside and outside the school network.
type Settings struct {
	mu     sync.RWMutex
	logger *slog.Logger

	insideNetwork bool
	localIP       string

	deviceID     string
	parentDevice string
	chromeID     string
	region       string
	timezone     string

	verdictServerURL string
	blockpageURL     string
	lockURL          string
	closedTabURL     string
	chatWindowURL    string
	statsURL         string
	adminDomain      string

	onNetwork  NetworkProfile
	offNetwork NetworkProfile

	connectionsInsideNetwork bool
	minimumAgentVersion      string
}

func NewSettings() *Settings {
	return &Settings{
		logger:      slog.Default().With("component", "config"),
		adminDomain: "linewize.net",
	}
}

// SetNetworkContext records whether the device currently sits inside the
// school network, and its local address.
func (s *Settings) SetNetworkContext(inside bool, localIP string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insideNetwork = inside
	if localIP != "" {
		s.localIP = localIP
	}
}

func (s *Settings) InsideNetwork() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.insideNetwork
}

func (s *Settings) LocalIP() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.localIP
}

func (s *Settings) DeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID
}

// ReportingDeviceID prefers the parent appliance when the device is a
// child of one.
func (s *Settings) ReportingDeviceID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.parentDevice != "" {
		return s.parentDevice
	}
	return s.deviceID
}

func (s *Settings) ChromeID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chromeID
}

// SetChromeID records the per-session client id minted at login.
func (s *Settings) SetChromeID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chromeID = id
}

// ApplyProfile seeds the settings from the local deployment profile. The
// remote configuration overrides these on the first refresh.
func (s *Settings) ApplyProfile(p *DeploymentProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.Region != "" {
		s.region = normalizeRegion(p.Region)
	}
	if p.Bootstrap.AdminDomain != "" {
		s.adminDomain = p.Bootstrap.AdminDomain
	}
}

func (s *Settings) SetRegion(region string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.region = normalizeRegion(region)
}

func (s *Settings) Region() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.region
}

func (s *Settings) Timezone() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timezone
}

func (s *Settings) SetTimezone(tz string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timezone = tz
}

func (s *Settings) VerdictServerURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.verdictServerURL
}

func (s *Settings) BlockpageURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blockpageURL
}

func (s *Settings) LockURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lockURL
}

func (s *Settings) ClosedTabURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closedTabURL
}

func (s *Settings) ChatWindowURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chatWindowURL
}

func (s *Settings) StatsURL() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsURL
}

// AdminDomain is the administrative domain whose bypass URLs reset the
// verdict cache and whose pages a locked tab may still navigate to.
func (s *Settings) AdminDomain() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.adminDomain
}

func (s *Settings) activeProfile() NetworkProfile {
	if s.insideNetwork {
		return s.onNetwork
	}
	return s.offNetwork
}

// IsFilteringEnabled resolves the filtering switch for the current network
// context.
func (s *Settings) IsFilteringEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeProfile().FilteringEnabled
}

// IsClassroomEnabled resolves the classroom switch for the current network
// context.
func (s *Settings) IsClassroomEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeProfile().ClassroomEnabled
}

// IsConnectionReportingEnabled: always report when filtering is on;
// otherwise only inside the network when the legacy switch allows it.
func (s *Settings) IsConnectionReportingEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.activeProfile().FilteringEnabled {
		return true
	}
	return s.insideNetwork && s.connectionsInsideNetwork
}

// IsGoogleSafeSearchEnabled resolves the Google switch for the current
// context. Safe search is not gated by filtering being enabled.
func (s *Settings) IsGoogleSafeSearchEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ss := s.activeProfile().SafeSearch
	return ss != nil && ss.Google != nil && ss.Google.Enabled
}

// IsBingSafeSearchEnabled resolves the Bing switch for the current context.
func (s *Settings) IsBingSafeSearchEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ss := s.activeProfile().SafeSearch
	return ss != nil && ss.Bing != nil && ss.Bing.Enabled
}

// YouTubeRestrictMode returns the value for the YouTube-Restrict header, or
// "" when the restriction does not apply. Unlike the query-string engines
// this one is gated by filtering being enabled.
func (s *Settings) YouTubeRestrictMode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.activeProfile().FilteringEnabled {
		return ""
	}
	ss := s.activeProfile().SafeSearch
	if ss == nil || ss.YouTube == nil || !ss.YouTube.Enabled {
		return ""
	}
	return ss.YouTube.Mode
}

// SupportsAgentVersion reports whether the given agent version satisfies
// the fleet's configured minimum. An unset or unparseable minimum allows
// everything; an unparseable agent version is rejected.
func (s *Settings) SupportsAgentVersion(version string) bool {
	s.mu.RLock()
	minVersion := s.minimumAgentVersion
	s.mu.RUnlock()

	if minVersion == "" {
		return true
	}
	constraint, err := semver.NewConstraint(">= " + minVersion)
	if err != nil {
		s.logger.Warn("unparseable minimum agent version", "minimum", minVersion, "error", err)
		return true
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return false
	}
	return constraint.Check(v)
}

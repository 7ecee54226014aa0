package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DeploymentProfile is the local, fleet-managed deployment file. It carries
// the bootstrap values the agent needs before its first configuration fetch
// and the tunables operators may pin per deployment.
type DeploymentProfile struct {
	Name   string `yaml:"name" json:"name"`
	Region string `yaml:"region" json:"region"`

	Bootstrap BootstrapConfig `yaml:"bootstrap" json:"bootstrap"`
	Refresh   RefreshConfig   `yaml:"refresh" json:"refresh"`
	Reporting ReportingConfig `yaml:"reporting" json:"reporting"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
}

// BootstrapConfig seeds the agent before the first remote refresh.
type BootstrapConfig struct {
	ConfigGatewayURL string `yaml:"config_gateway_url,omitempty" json:"config_gateway_url,omitempty"`
	AdminDomain      string `yaml:"admin_domain,omitempty" json:"admin_domain,omitempty"`
	AgentVersion     string `yaml:"agent_version,omitempty" json:"agent_version,omitempty"`
}

// Duration is a time.Duration that unmarshals from YAML strings like
// "10m" or "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// RefreshConfig controls the periodic configuration pull.
type RefreshConfig struct {
	Interval Duration `yaml:"interval" json:"interval"`
	Jitter   Duration `yaml:"jitter,omitempty" json:"jitter,omitempty"`
}

// ReportingConfig controls the telemetry flush thresholds.
type ReportingConfig struct {
	MaxPending    int      `yaml:"max_pending,omitempty" json:"max_pending,omitempty"`
	FlushInterval Duration `yaml:"flush_interval,omitempty" json:"flush_interval,omitempty"`
	DatabasePath  string   `yaml:"database_path,omitempty" json:"database_path,omitempty"`
}

// CacheConfig selects the verdict cache backend.
type CacheConfig struct {
	Backend  string `yaml:"backend,omitempty" json:"backend,omitempty"` // "memory" | "redis"
	RedisURL string `yaml:"redis_url,omitempty" json:"redis_url,omitempty"`
}

// LoadProfile loads a deployment profile YAML by name. It searches the
// profiles directory for profile_<name>.yaml.
func LoadProfile(profilesDir, name string) (*DeploymentProfile, error) {
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile DeploymentProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}

	if profile.Name == "" {
		profile.Name = name
	}
	if profile.Refresh.Interval <= 0 {
		profile.Refresh.Interval = Duration(5 * time.Minute)
	}

	return &profile, nil
}

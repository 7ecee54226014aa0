package config

import "os"

// Bootstrap holds process startup configuration drawn from the
// environment.
type Bootstrap struct {
	LogLevel     string
	Region       string
	ProfilesDir  string
	ProfileName  string
	DatabasePath string
	RedisURL     string
	OTLPEndpoint string
	DeviceID     string
	ClientID     string
	// CompanionOrigin is the browser extension origin allowed through the
	// lock-navigation guard, e.g. "chrome-extension://<id>".
	CompanionOrigin string
}

// Load reads startup configuration from environment variables.
func Load() *Bootstrap {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	region := os.Getenv("WARDEN_REGION")
	if region == "" {
		region = "us-1"
	}

	profilesDir := os.Getenv("WARDEN_PROFILES_DIR")
	if profilesDir == "" {
		profilesDir = "profiles"
	}

	dbPath := os.Getenv("WARDEN_DB_PATH")
	if dbPath == "" {
		dbPath = "warden.db"
	}

	return &Bootstrap{
		LogLevel:     logLevel,
		Region:       normalizeRegion(region),
		ProfilesDir:  profilesDir,
		ProfileName:  os.Getenv("WARDEN_PROFILE"),
		DatabasePath: dbPath,
		RedisURL:     os.Getenv("WARDEN_REDIS_URL"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		DeviceID:     os.Getenv("WARDEN_DEVICE_ID"),
		ClientID:     os.Getenv("WARDEN_CLIENT_ID"),

		CompanionOrigin: os.Getenv("WARDEN_COMPANION_ORIGIN"),
	}
}

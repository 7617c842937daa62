package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the relay core needs, resolved once at startup.
// The core packages never read the environment themselves.
type Config struct {
	// Skydio fleet API and live telemetry stream
	SkydioAPIToken  string
	SkydioAPIURL    string
	SkydioStreamURL string
	DroneSerials    []string

	// CalTopo mapping backend
	CalTopoBaseURL          string
	CalTopoConnectKey       string
	CalTopoCredentialID     string
	CalTopoCredentialSecret string
	CalTopoMapID            string

	// Relay behavior
	ReportMode        string // "connect" or "track"
	PollInterval      time.Duration
	DeviceLabelPrefix string
	MaxTrackPoints    int
	FatalThreshold    int

	// Stream reconnection
	StreamBackoffBase time.Duration
	StreamBackoffMax  time.Duration
	StreamMaxRetries  int

	// HTTP
	HTTPTimeout   time.Duration
	StatusAPIAddr string

	// Simulation (replaces live telemetry sources when enabled)
	SimulationMode    bool
	SimPattern        string
	SimOriginLat      float64
	SimOriginLon      float64
	SimSpeedMPS       float64
	SimTick           time.Duration
	SimMaxFlightTime  time.Duration
	SimBatteryFloor   float64
	SimLowBatteryPct  float64

	// Logging
	LogFile  string
	LogLevel string
}

// Load reads the .env file (if present) and resolves the full configuration
// with defaults.
func Load() Config {
	// 1) Load .env (if present)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found – relying on env vars")
	}

	return Config{
		SkydioAPIToken:  getEnv("API_TOKEN", ""),
		SkydioAPIURL:    getEnv("SKYDIO_API_URL", "https://api.skydio.com"),
		SkydioStreamURL: getEnv("SKYDIO_STREAM_URL", "wss://stream.skydio.com"),
		DroneSerials:    splitList(getEnv("DRONE_SERIALS", "")),

		CalTopoBaseURL:          getEnv("CALTOPO_BASE_URL", "https://caltopo.com"),
		CalTopoConnectKey:       getEnv("CALTOPO_CONNECT_KEY", ""),
		CalTopoCredentialID:     getEnv("CALTOPO_CREDENTIAL_ID", ""),
		CalTopoCredentialSecret: getEnv("CALTOPO_CREDENTIAL_SECRET", ""),
		CalTopoMapID:            getEnv("CALTOPO_MAP_ID", ""),

		ReportMode:        getEnv("REPORT_MODE", "connect"),
		PollInterval:      getEnvDuration("POLL_INTERVAL_SECONDS", 10*time.Second),
		DeviceLabelPrefix: getEnv("DEVICE_LABEL_PREFIX", "sccssar_uas"),
		MaxTrackPoints:    getEnvInt("MAX_TRACK_POINTS", 1000),
		FatalThreshold:    getEnvInt("FATAL_ERROR_THRESHOLD", 5),

		StreamBackoffBase: getEnvDuration("STREAM_BACKOFF_BASE_SECONDS", 1*time.Second),
		StreamBackoffMax:  getEnvDuration("STREAM_BACKOFF_MAX_SECONDS", 30*time.Second),
		StreamMaxRetries:  getEnvInt("STREAM_MAX_RETRIES", 5),

		HTTPTimeout:   getEnvDuration("HTTP_TIMEOUT_SECONDS", 15*time.Second),
		StatusAPIAddr: getEnv("STATUS_API_ADDR", ":8080"),

		SimulationMode:   getEnvBool("SIMULATION_MODE", false),
		SimPattern:       getEnv("SIM_PATTERN", "grid"),
		SimOriginLat:     getEnvFloat("SIM_ORIGIN_LAT", 37.4419),
		SimOriginLon:     getEnvFloat("SIM_ORIGIN_LON", -121.7680),
		SimSpeedMPS:      getEnvFloat("SIM_SPEED_MPS", 10.0),
		SimTick:          getEnvDuration("SIM_TICK_SECONDS", 1*time.Second),
		SimMaxFlightTime: getEnvDuration("SIM_MAX_FLIGHT_MINUTES", 35*time.Minute),
		SimBatteryFloor:  getEnvFloat("SIM_BATTERY_FLOOR", 5.0),
		SimLowBatteryPct: getEnvFloat("SIM_LOW_BATTERY_PCT", 20.0),

		LogFile:  getEnv("LOG_FILE", "./logs/trackerd.log"),
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}
}

// getEnv reads an environment variable or returns the provided default
func getEnv(key, defaultValue string) string {
	if v, exists := os.LookupEnv(key); exists {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration reads a numeric environment variable scaled by the unit the
// key name implies (seconds or minutes).
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	unit := time.Second
	if strings.HasSuffix(key, "_MINUTES") {
		unit = time.Minute
	}
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * unit
		}
	}
	return defaultValue
}

// splitList parses a comma separated value into trimmed non-empty entries.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	ServerBaseURL  string
	LocalHTTPAddr  string
	DBPath         string
	KeyFilePath    string
	KeyPassphrase  string
	DeviceName     string
	RequestTimeout time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration

	SyncInterval    time.Duration
	SyncMaxInterval time.Duration
	SyncBatchSize   int
	AuthRetries     int

	TokenLeeway  time.Duration
	SkewWarning  time.Duration
	SkewCritical time.Duration

	RetentionWindow   time.Duration
	RetentionInterval time.Duration
}

func Load() Config {
	return Config{
		ServerBaseURL:  getenv("SERVER_BASE_URL", "http://localhost:8123"),
		LocalHTTPAddr:  getenv("HTTP_ADDR", "127.0.0.1:8124"),
		DBPath:         getenv("DB_PATH", defaultDBPath()),
		KeyFilePath:    getenv("KEY_FILE", ""),
		KeyPassphrase:  getenv("KEY_PASSPHRASE", ""),
		DeviceName:     getenv("DEVICE_NAME", ""),
		RequestTimeout: getenvDuration("REQUEST_TIMEOUT", 8*time.Second),
		ProbeInterval:  getenvDuration("PROBE_INTERVAL", 5*time.Second),
		ProbeTimeout:   getenvDuration("PROBE_TIMEOUT", 4*time.Second),

		SyncInterval:    getenvDuration("SYNC_INTERVAL", 15*time.Second),
		SyncMaxInterval: getenvDuration("SYNC_MAX_INTERVAL", 5*time.Minute),
		SyncBatchSize:   getenvInt("SYNC_BATCH_SIZE", 50),
		AuthRetries:     getenvInt("AUTH_RETRIES", 2),

		TokenLeeway:  getenvDuration("TOKEN_LEEWAY", 30*time.Second),
		SkewWarning:  getenvDuration("SKEW_WARNING", 5*time.Minute),
		SkewCritical: getenvDuration("SKEW_CRITICAL", 30*time.Minute),

		RetentionWindow:   getenvDuration("RETENTION_WINDOW", 168*time.Hour),
		RetentionInterval: getenvDuration("RETENTION_INTERVAL", time.Hour),
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "local.db"
	}
	return filepath.Join(home, ".regnido-agent", "local.db")
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	if val := os.Getenv(key + "_SECONDS"); val != "" {
		if seconds, err := strconv.Atoi(val); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return fallback
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath     string
	OutputDir  string
	CaptureDir string
	RawMailDir string

	ScanTimeoutMs   int
	ScanMarginMs    int
	ScanMinLength   int
	ScanStalePolicy string
	FocusIntervalMs int
	FocusRearmMs    int

	ScannerInput  string
	ScannerDevice string
	ScannerBaud   int

	WarehouseAPIBaseURL   string
	WarehouseAPIToken     string
	WarehouseRateLimitRPS int
	WarehouseTimeoutMs    int

	GmailClientID     string
	GmailClientSecret string
	GmailRedirectURI  string
	GmailRefreshToken string

	IMAPHost     string
	IMAPPort     int
	IMAPSecure   bool
	IMAPUser     string
	IMAPPassword string
	IMAPMarkSeen bool

	ManifestListenerProvider     string
	ManifestListenerLabel        string
	ManifestListenerIntervalSec  int
	ManifestListenerFetchMax     int
	ManifestListenerProcessBatch int
	ManifestSenders              []string
}

func Load() (Config, error) {
	_ = godotenv.Load()

	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		DBPath:     getEnv("DB_PATH", filepath.Join(cwd, "data", "station.db")),
		OutputDir:  getEnv("OUTPUT_DIR", filepath.Join(cwd, "out")),
		CaptureDir: getEnv("CAPTURE_DIR", filepath.Join(cwd, "data", "captures")),
		RawMailDir: getEnv("MANIFEST_RAW_DIR", filepath.Join(cwd, "data", "raw")),

		ScanTimeoutMs:   getEnvInt("SCAN_TIMEOUT_MS", 60),
		ScanMarginMs:    getEnvInt("SCAN_MARGIN_MS", 20),
		ScanMinLength:   getEnvInt("SCAN_MIN_LENGTH", 3),
		ScanStalePolicy: strings.ToLower(getEnv("SCAN_STALE_POLICY", "discard")),
		FocusIntervalMs: getEnvInt("FOCUS_INTERVAL_MS", 250),
		FocusRearmMs:    getEnvInt("FOCUS_REARM_MS", 100),

		ScannerInput:  strings.ToLower(getEnv("SCANNER_INPUT", "stdin")),
		ScannerDevice: getEnv("SCANNER_DEVICE", "/dev/ttyACM0"),
		ScannerBaud:   getEnvInt("SCANNER_BAUD", 9600),

		WarehouseAPIBaseURL:   getEnv("WAREHOUSE_API_BASE_URL", "http://localhost:8080/api/v1"),
		WarehouseAPIToken:     getEnv("WAREHOUSE_API_TOKEN", ""),
		WarehouseRateLimitRPS: getEnvInt("WAREHOUSE_RATE_LIMIT_RPS", 5),
		WarehouseTimeoutMs:    getEnvInt("WAREHOUSE_TIMEOUT_MS", 30000),

		GmailClientID:     getEnv("GMAIL_CLIENT_ID", ""),
		GmailClientSecret: getEnv("GMAIL_CLIENT_SECRET", ""),
		GmailRedirectURI:  getEnv("GMAIL_REDIRECT_URI", "https://developers.google.com/oauthplayground"),
		GmailRefreshToken: getEnv("GMAIL_REFRESH_TOKEN", ""),

		IMAPHost:     getEnv("IMAP_HOST", ""),
		IMAPPort:     getEnvInt("IMAP_PORT", 993),
		IMAPSecure:   getEnvBool("IMAP_SECURE", true),
		IMAPUser:     getEnv("IMAP_USER", ""),
		IMAPPassword: getEnv("IMAP_PASSWORD", ""),
		IMAPMarkSeen: getEnvBool("IMAP_MARK_SEEN", false),

		ManifestListenerProvider:     getEnv("MANIFEST_LISTENER_PROVIDER", "imap"),
		ManifestListenerLabel:        getEnv("MANIFEST_LISTENER_LABEL", "INBOX"),
		ManifestListenerIntervalSec:  getEnvInt("MANIFEST_LISTENER_INTERVAL_SEC", 60),
		ManifestListenerFetchMax:     getEnvInt("MANIFEST_LISTENER_FETCH_MAX", 20),
		ManifestListenerProcessBatch: getEnvInt("MANIFEST_LISTENER_PROCESS_BATCH", 20),
		ManifestSenders:              getEnvList("MANIFEST_SENDERS"),
	}

	return cfg, nil
}

func (c Config) Require(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("missing required env var: %s", name)
	}
	return nil
}

// Validate rejects settings the scan loop cannot run with.
func (c Config) Validate() error {
	if c.ScanTimeoutMs <= 0 {
		return fmt.Errorf("SCAN_TIMEOUT_MS must be positive, got %d", c.ScanTimeoutMs)
	}
	if c.ScanMarginMs < 0 {
		return fmt.Errorf("SCAN_MARGIN_MS must not be negative, got %d", c.ScanMarginMs)
	}
	if c.ScanMinLength < 1 {
		return fmt.Errorf("SCAN_MIN_LENGTH must be at least 1, got %d", c.ScanMinLength)
	}
	switch c.ScanStalePolicy {
	case "discard", "finalize":
	default:
		return fmt.Errorf("unsupported SCAN_STALE_POLICY: %s", c.ScanStalePolicy)
	}
	switch c.ScannerInput {
	case "stdin", "serial":
	default:
		return fmt.Errorf("unsupported SCANNER_INPUT: %s", c.ScannerInput)
	}
	if c.FocusIntervalMs <= 0 {
		return fmt.Errorf("FOCUS_INTERVAL_MS must be positive, got %d", c.FocusIntervalMs)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value := getEnv(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(getEnv(key, "")))
	if value == "" {
		return fallback
	}
	if value == "1" || value == "true" || value == "yes" || value == "on" {
		return true
	}
	if value == "0" || value == "false" || value == "no" || value == "off" {
		return false
	}
	return fallback
}

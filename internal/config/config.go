package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/httprunner/LabAgent/internal/env"
)

// Environment keys read by the agent.
const (
	EnvAgentName          = "LAB_AGENT_NAME"
	EnvTestBaseDir        = "LAB_TEST_BASE_DIR"
	EnvTestBaseURLMapping = "LAB_TEST_BASE_URL_MAPPING"
	EnvDeviceLogDir       = "LAB_DEVICE_LOG_DIR"
	EnvScreenshotDir      = "LAB_SCREENSHOT_DIR"
	EnvPollInterval       = "LAB_POLL_INTERVAL"
	EnvNativeTimeout      = "LAB_NATIVE_TIMEOUT"
	EnvCaptureWorkers     = "LAB_CAPTURE_WORKERS"
	EnvCaptureQueue       = "LAB_CAPTURE_QUEUE"
	EnvCaptureInterval    = "LAB_CAPTURE_INTERVAL"
	EnvStabilityThreshold = "LAB_STABILITY_THRESHOLD"
	EnvStabilityWindow    = "LAB_STABILITY_WINDOW"
	EnvDBPath             = "LAB_DB_PATH"
	EnvAppiumServerURL    = "APPIUM_SERVER_URL"
	EnvDeviceAllowlist    = "DEVICE_ALLOWLIST"

	EnvFeishuAppID       = "FEISHU_APP_ID"
	EnvFeishuAppSecret   = "FEISHU_APP_SECRET"
	EnvFeishuBaseURL     = "FEISHU_BASE_URL"
	EnvFeishuDriveFolder = "FEISHU_DRIVE_FOLDER_TOKEN"
)

// Settings is the resolved agent configuration.
type Settings struct {
	AgentName          string
	TestBaseDir        string
	TestBaseURLMapping string
	DeviceLogDir       string
	ScreenshotDir      string
	PollInterval       time.Duration
	NativeTimeout      time.Duration
	CaptureWorkers     int
	CaptureQueue       int
	CaptureInterval    time.Duration
	StabilityThreshold int
	StabilityWindow    time.Duration
	DBPath             string
	AppiumServerURL    string
	DeviceAllowlist    []string

	FeishuAppID       string
	FeishuAppSecret   string
	FeishuBaseURL     string
	FeishuDriveFolder string
}

// Load resolves Settings from the environment (and .env), applying defaults.
func Load() Settings {
	hostname, _ := os.Hostname()
	return Settings{
		AgentName:          String(EnvAgentName, hostname),
		TestBaseDir:        String(EnvTestBaseDir, "storage/test"),
		TestBaseURLMapping: String(EnvTestBaseURLMapping, "/test/file"),
		DeviceLogDir:       String(EnvDeviceLogDir, "storage/devices/log"),
		ScreenshotDir:      String(EnvScreenshotDir, "storage/devices/screenshots"),
		PollInterval:       Duration(EnvPollInterval, 10*time.Second),
		NativeTimeout:      Duration(EnvNativeTimeout, 60*time.Second),
		CaptureWorkers:     Int(EnvCaptureWorkers, 2),
		CaptureQueue:       Int(EnvCaptureQueue, 64),
		CaptureInterval:    Duration(EnvCaptureInterval, 0),
		StabilityThreshold: Int(EnvStabilityThreshold, 5),
		StabilityWindow:    Duration(EnvStabilityWindow, 10*time.Minute),
		DBPath:             String(EnvDBPath, ""),
		AppiumServerURL:    String(EnvAppiumServerURL, "http://127.0.0.1:4723"),
		DeviceAllowlist:    StringSlice(EnvDeviceAllowlist),
		FeishuAppID:        String(EnvFeishuAppID, ""),
		FeishuAppSecret:    String(EnvFeishuAppSecret, ""),
		FeishuBaseURL:      String(EnvFeishuBaseURL, ""),
		FeishuDriveFolder:  String(EnvFeishuDriveFolder, ""),
	}
}

var ensureOnce sync.Once

func ensureEnvLoaded() {
	ensureOnce.Do(func() {
		_ = env.Ensure()
	})
}

// String returns the trimmed environment variable or fallback when unset.
func String(key, fallback string) string {
	ensureEnvLoaded()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

// Duration parses a time duration from environment or returns fallback.
// Bare integers are read as seconds.
func Duration(key string, fallback time.Duration) time.Duration {
	ensureEnvLoaded()
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(val); err == nil {
		return parsed
	}
	if secs, err := strconv.Atoi(val); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

// Int returns an integer environment variable or fallback when invalid.
func Int(key string, fallback int) int {
	ensureEnvLoaded()
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// Bool parses a boolean environment variable.
func Bool(key string, fallback bool) bool {
	ensureEnvLoaded()
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// StringSlice splits a comma, semicolon or whitespace separated variable.
func StringSlice(key string) []string {
	ensureEnvLoaded()
	fields := strings.FieldsFunc(os.Getenv(key), func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

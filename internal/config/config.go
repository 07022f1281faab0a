package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultKeepaliveInterval = 30 * time.Second
	defaultThrottleBlock     = 5 * time.Minute
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"/app/data"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat    string `envconfig:"LOG_FORMAT" default:"text"`

	ListenAddr     string   `envconfig:"LISTEN_ADDR" default:":8000"`
	APIToken       string   `envconfig:"API_TOKEN" default:""`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:""`
	WebRoot        string   `envconfig:"WEB_ROOT" default:""`

	// Session settings
	ConnectTimeout      string `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	KeepaliveInterval   string `envconfig:"KEEPALIVE_INTERVAL" default:"30s"`
	KnownHostsPath      string `envconfig:"KNOWN_HOSTS_PATH" default:""`
	TerminalType        string `envconfig:"TERMINAL_TYPE" default:"xterm-256color"`
	MaxInputMessageSize int    `envconfig:"MAX_INPUT_MESSAGE_SIZE" default:"65536"`

	// Connection throttle. Zero attempts per minute disables it.
	ThrottleAttemptsPerMinute int    `envconfig:"THROTTLE_ATTEMPTS_PER_MINUTE" default:"10"`
	ThrottleMaxFailures       int    `envconfig:"THROTTLE_MAX_FAILURES" default:"5"`
	ThrottleBlockDuration     string `envconfig:"THROTTLE_BLOCK_DURATION" default:"5m"`

	// Recording settings
	RecordingDir      string `envconfig:"RECORDING_DIR" default:""`
	RecordingMaxBytes int64  `envconfig:"RECORDING_MAX_BYTES" default:"10485760"`

	// Audit settings
	AuditRetentionDays int    `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
	AuditPurgeSchedule string `envconfig:"AUDIT_PURGE_SCHEDULE" default:"@daily"`
}

var Cfg Settings

func Load() error {
	if err := envconfig.Process("SSHDECK", &Cfg); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if Cfg.DatabasePath == "" {
		Cfg.DatabasePath = filepath.Join(Cfg.DataPath, "sshdeck.db")
	}
	if Cfg.LogPath == "" {
		Cfg.LogPath = filepath.Join(Cfg.DataPath, "sshdeck.log")
	}
	return nil
}

// ConnectTimeoutDuration is the budget applied independently to transport
// readiness and to opening the interactive shell.
func (s Settings) ConnectTimeoutDuration() time.Duration {
	return parseDuration(s.ConnectTimeout, defaultConnectTimeout)
}

// KeepaliveDuration returns the keepalive interval. Zero disables keepalives.
func (s Settings) KeepaliveDuration() time.Duration {
	if s.KeepaliveInterval == "0" {
		return 0
	}
	return parseDuration(s.KeepaliveInterval, defaultKeepaliveInterval)
}

func (s Settings) ThrottleBlock() time.Duration {
	return parseDuration(s.ThrottleBlockDuration, defaultThrottleBlock)
}

func parseDuration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

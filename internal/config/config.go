// Package config defines and loads the engine's configuration tree.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// FlowControlStrategyName selects a FlowControlStrategy implementation.
type FlowControlStrategyName string

const (
	FlowControlStrategySimple      FlowControlStrategyName = "simple"
	FlowControlStrategyBufferAware FlowControlStrategyName = "buffer_aware"
)

// Config is the top-level configuration structure.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`
	Http2   *Http2Config   `json:"http2,omitempty" toml:"http2,omitempty"`
}

// ServerConfig holds general process-level settings.
type ServerConfig struct {
	ListenAddress           string  `json:"listen_address,omitempty" toml:"listen_address,omitempty"`
	GracefulShutdownTimeout *string `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures per-stream access logging.
type AccessLogConfig struct {
	Enabled *bool  `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target  string `json:"target,omitempty" toml:"target,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target string `json:"target,omitempty" toml:"target,omitempty"`
}

// Http2Config holds the SETTINGS defaults and session-level tunables the
// Session is constructed with.
type Http2Config struct {
	HeaderTableSize      *uint32 `json:"header_table_size,omitempty" toml:"header_table_size,omitempty"`
	EnablePush           *bool   `json:"enable_push,omitempty" toml:"enable_push,omitempty"`
	MaxConcurrentStreams *uint32 `json:"max_concurrent_streams,omitempty" toml:"max_concurrent_streams,omitempty"`
	InitialWindowSize    *uint32 `json:"initial_window_size,omitempty" toml:"initial_window_size,omitempty"`
	MaxFrameSize         *uint32 `json:"max_frame_size,omitempty" toml:"max_frame_size,omitempty"`
	MaxHeaderListSize    *uint32 `json:"max_header_list_size,omitempty" toml:"max_header_list_size,omitempty"`

	StreamIdleTimeout  *string `json:"stream_idle_timeout,omitempty" toml:"stream_idle_timeout,omitempty"`
	SessionIdleTimeout *string `json:"session_idle_timeout,omitempty" toml:"session_idle_timeout,omitempty"`
	MaxUnackedPings    *int    `json:"max_unacked_pings,omitempty" toml:"max_unacked_pings,omitempty"`

	FlowControlStrategy FlowControlStrategyName `json:"flow_control_strategy,omitempty" toml:"flow_control_strategy,omitempty"`
}

// RFC 7540 Section 6.5.2 and this engine's own defaults.
const (
	DefaultHeaderTableSize      uint32 = 4096
	DefaultEnablePush                  = true
	DefaultMaxConcurrentStreams uint32 = 100
	DefaultInitialWindowSize    uint32 = 65535
	DefaultMaxFrameSize         uint32 = 16384
	DefaultMaxHeaderListSize    uint32 = 16777215 // effectively unlimited, per RFC 7540 6.5.2 note

	DefaultStreamIdleTimeout  = "30s"
	DefaultSessionIdleTimeout = "5m"
	DefaultMaxUnackedPings    = 16

	DefaultListenAddress = ":8443"
)

// IsFilePath reports whether target names a filesystem path rather than one
// of the special "stdout"/"stderr" sentinels.
func IsFilePath(target string) bool {
	return target != "" && target != "stdout" && target != "stderr"
}

// LoadConfig reads and parses a configuration file. Format is auto-detected
// from the file extension: ".json" for JSON, anything else (".toml", "") for
// TOML.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading configuration file %q: %w", path, err)
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON configuration %q: %w", path, err)
		}
	} else {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing TOML configuration %q: %w", path, err)
		}
	}

	ApplyDefaults(&cfg)
	return &cfg, nil
}

// ApplyDefaults fills in zero-valued fields of cfg with the engine's
// defaults, in place.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.ListenAddress == "" {
		cfg.Server.ListenAddress = DefaultListenAddress
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = LogLevelInfo
	}
	if cfg.Logging.ErrorLog == nil {
		cfg.Logging.ErrorLog = &ErrorLogConfig{Target: "stderr"}
	}
	if cfg.Logging.AccessLog == nil {
		enabled := true
		cfg.Logging.AccessLog = &AccessLogConfig{Enabled: &enabled, Target: "stdout"}
	}

	if cfg.Http2 == nil {
		cfg.Http2 = &Http2Config{}
	}
	h := cfg.Http2
	if h.HeaderTableSize == nil {
		v := DefaultHeaderTableSize
		h.HeaderTableSize = &v
	}
	if h.EnablePush == nil {
		v := DefaultEnablePush
		h.EnablePush = &v
	}
	if h.MaxConcurrentStreams == nil {
		v := DefaultMaxConcurrentStreams
		h.MaxConcurrentStreams = &v
	}
	if h.InitialWindowSize == nil {
		v := DefaultInitialWindowSize
		h.InitialWindowSize = &v
	}
	if h.MaxFrameSize == nil {
		v := DefaultMaxFrameSize
		h.MaxFrameSize = &v
	}
	if h.MaxHeaderListSize == nil {
		v := DefaultMaxHeaderListSize
		h.MaxHeaderListSize = &v
	}
	if h.StreamIdleTimeout == nil {
		v := DefaultStreamIdleTimeout
		h.StreamIdleTimeout = &v
	}
	if h.SessionIdleTimeout == nil {
		v := DefaultSessionIdleTimeout
		h.SessionIdleTimeout = &v
	}
	if h.MaxUnackedPings == nil {
		v := DefaultMaxUnackedPings
		h.MaxUnackedPings = &v
	}
	if h.FlowControlStrategy == "" {
		h.FlowControlStrategy = FlowControlStrategySimple
	}
}

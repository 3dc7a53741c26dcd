// Package config provides configuration types for the xiaozhi-gateway
// multiplexing MCP gateway.
//
// The schema is built around the Service Config variants, the hub
// endpoint list, and the cache/timeout settings, but the mechanics —
// SetDefaults() before Validate(), viper env-var prefix binding,
// oneof/min/url/startswith struct tags — are carried over unchanged from
// an OSS configuration schema.
package config

import (
	"encoding/json"
	"os"

	"github.com/spf13/viper"

	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
)

// GatewayConfig is the top-level configuration for xiaozhi-gateway.
type GatewayConfig struct {
	// Server configures the inbound HTTP/SSE/streamable-HTTP listener (C6).
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// McpServers configures the set of upstream MCP services (Service
	// Config), keyed by service name.
	McpServers map[string]upstream.Config `yaml:"mcp_servers" mapstructure:"mcp_servers"`

	// McpEndpoints lists the hub WebSocket endpoint URLs the Hub
	// Connection Manager (C7) maintains outbound sessions to.
	McpEndpoints []string `yaml:"mcp_endpoints" mapstructure:"mcp_endpoints" validate:"omitempty,dive,url"`

	// Hub configures the Hub Connection Manager's reconnect/health-check
	// tunables.
	Hub HubConfig `yaml:"hub" mapstructure:"hub"`

	// Cache configures the on-disk tool-catalog and result caches (C8).
	Cache CacheConfig `yaml:"cache" mapstructure:"cache"`

	// ServerTools holds per-service, per-tool enable overrides and
	// description overrides: service name -> tool original name -> override.
	// Exposed via the Config collaborator's getServerToolsConfig/
	// updateServerToolsConfig/isToolEnabled/setToolEnabled.
	ServerTools map[string]map[string]ToolOverride `yaml:"server_tools" mapstructure:"server_tools"`

	// CustomMCPTools are user-defined tools registered directly under the
	// reserved customMCP namespace, managed via the Config collaborator's
	// addCustomMCPTool/removeCustomMCPTool/updateCustomMCPTool.
	CustomMCPTools []CustomMCPTool `yaml:"custom_mcp_tools" mapstructure:"custom_mcp_tools" validate:"omitempty,dive"`

	// DevMode enables development features (verbose logging, relaxed
	// validation).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`

	// Tracing configures the optional stdout span/metric exporter used to
	// inspect a single request's timeline (see internal/observe).
	Tracing TracingConfig `yaml:"tracing" mapstructure:"tracing"`
}

// TracingConfig configures the internal/observe tracing provider.
type TracingConfig struct {
	// Enabled turns on the stdout trace/metric exporter. Defaults to
	// false: tracing is opt-in since the stdout exporter is meant for
	// local inspection, not production telemetry shipping.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
}

// ServerConfig configures the inbound transport listener.
type ServerConfig struct {
	// HTTPAddr is the address the HTTP/SSE/streamable-HTTP adapter (C6)
	// listens on (e.g. "127.0.0.1:8080"). Defaults to "127.0.0.1:8080".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: debug, info, warn, error.
	// Defaults to "info". DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat selects the slog handler: "json" (default) or "text".
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=json text"`

	// MaxSSEConnections caps concurrent SSE sessions the HTTP adapter
	// accepts before rejecting new ones with HTTP 503 and a plain-text
	// body; no JSON-RPC error object (and no -32000 code) is written.
	// Defaults to 100.
	MaxSSEConnections int `yaml:"max_sse_connections" mapstructure:"max_sse_connections" validate:"omitempty,min=1"`

	// MaxRequestBodyBytes caps the inbound JSON-RPC request body size
	// before rejecting with -32600. Defaults to 1 MiB.
	MaxRequestBodyBytes int64 `yaml:"max_request_body_bytes" mapstructure:"max_request_body_bytes" validate:"omitempty,min=1"`
}

// HubConfig configures the Hub Connection Manager's tunables. Field
// names and defaults mirror internal/service.HubOptions; this is the
// on-disk/env representation that gets translated into a HubOptions at
// wiring time (see internal/config.(*Store).HubOptions and
// hubOptionsFromConfig in cmd/xiaozhi-gateway/cmd/start.go).
type HubConfig struct {
	ReconnectIntervalMS     int  `yaml:"reconnect_interval_ms" mapstructure:"reconnect_interval_ms" validate:"omitempty,min=100,max=300000"`
	MaxReconnectAttempts    int  `yaml:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts" validate:"omitempty,min=1,max=20"`
	HealthCheckIntervalMS   int  `yaml:"health_check_interval_ms" mapstructure:"health_check_interval_ms" validate:"omitempty,min=1000,max=600000"`
	HealthCheckEnabled      bool `yaml:"health_check_enabled" mapstructure:"health_check_enabled"`
	ConnectionTimeoutMS     int  `yaml:"connection_timeout_ms" mapstructure:"connection_timeout_ms" validate:"omitempty,min=100,max=60000"`
	ConnectionIdleTimeoutMS int  `yaml:"connection_idle_timeout_ms" mapstructure:"connection_idle_timeout_ms" validate:"omitempty,min=1000"`
}

// CacheConfig configures the on-disk tool-catalog/result cache file.
type CacheConfig struct {
	// Dir is the directory containing the config file and
	// xiaozhi.cache.json. Defaults to XIAOZHI_CONFIG_DIR, or the process
	// working directory if that is unset.
	Dir string `yaml:"dir" mapstructure:"dir"`

	// ResultTTLMS is the default TTL for Result-Cache entries. Defaults
	// to 300000 (5 minutes).
	ResultTTLMS int64 `yaml:"result_ttl_ms" mapstructure:"result_ttl_ms" validate:"omitempty,min=1"`
}

// ToolOverride holds a per-tool enable flag and optional description
// override, addressed by the tool's original (non-namespaced) name.
type ToolOverride struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	Description string `yaml:"description,omitempty" mapstructure:"description"`
}

// CustomMCPTool is a user-defined tool surfaced directly (no service
// prefix) under upstream.CustomMCPNamespace.
type CustomMCPTool struct {
	Name        string          `yaml:"name" mapstructure:"name" validate:"required"`
	Description string          `yaml:"description" mapstructure:"description"`
	InputSchema json.RawMessage `yaml:"input_schema" mapstructure:"input_schema"`
	Enabled     bool            `yaml:"enabled" mapstructure:"enabled"`
}

const (
	defaultHubReconnectIntervalMS     = 5000
	defaultHubMaxReconnectAttempts    = 3
	defaultHubHealthCheckIntervalMS   = 30000
	defaultHubConnectionTimeoutMS     = 5000
	defaultHubConnectionIdleTimeoutMS = 300000
	defaultCacheResultTTLMS           = 300000
	defaultMaxSSEConnections          = 100
	defaultMaxRequestBodyBytes        = 1 << 20
)

// SetDefaults applies sensible default values to the configuration.
// Mirrors OSSConfig.SetDefaults: called before Validate so required
// fields are satisfied, using viper.IsSet to distinguish "unset" from
// "explicitly false" for boolean flags.
func (c *GatewayConfig) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "json"
	}
	if c.Server.MaxSSEConnections == 0 {
		c.Server.MaxSSEConnections = defaultMaxSSEConnections
	}
	if c.Server.MaxRequestBodyBytes == 0 {
		c.Server.MaxRequestBodyBytes = defaultMaxRequestBodyBytes
	}

	if c.Hub.ReconnectIntervalMS == 0 {
		c.Hub.ReconnectIntervalMS = defaultHubReconnectIntervalMS
	}
	if c.Hub.MaxReconnectAttempts == 0 {
		c.Hub.MaxReconnectAttempts = defaultHubMaxReconnectAttempts
	}
	if c.Hub.HealthCheckIntervalMS == 0 {
		c.Hub.HealthCheckIntervalMS = defaultHubHealthCheckIntervalMS
	}
	if !viper.IsSet("hub.health_check_enabled") {
		c.Hub.HealthCheckEnabled = true
	}
	if c.Hub.ConnectionTimeoutMS == 0 {
		c.Hub.ConnectionTimeoutMS = defaultHubConnectionTimeoutMS
	}
	if c.Hub.ConnectionIdleTimeoutMS == 0 {
		c.Hub.ConnectionIdleTimeoutMS = defaultHubConnectionIdleTimeoutMS
	}

	if c.Cache.Dir == "" {
		c.Cache.Dir = resolveConfigDir()
	}
	if c.Cache.ResultTTLMS == 0 {
		c.Cache.ResultTTLMS = defaultCacheResultTTLMS
	}

	for name, svc := range c.McpServers {
		svc.Name = name
		if svc.TimeoutMS == 0 {
			svc.TimeoutMS = 8000
		}
		c.McpServers[name] = svc
	}
}

// resolveConfigDir implements XIAOZHI_CONFIG_DIR: the directory holding
// both the YAML config and xiaozhi.cache.json, defaulting to the process
// working directory when unset.
func resolveConfigDir() string {
	if dir := os.Getenv("XIAOZHI_CONFIG_DIR"); dir != "" {
		return dir
	}
	if wd, err := os.Getwd(); err == nil {
		return wd
	}
	return "."
}

// SetDevDefaults applies permissive defaults for development mode,
// applied before validation so a minimal config file can still start the
// gateway. Mirrors OSSConfig.SetDevDefaults.
func (c *GatewayConfig) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	if c.McpServers == nil {
		c.McpServers = map[string]upstream.Config{}
	}
}

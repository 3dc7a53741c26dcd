// Package config provides configuration loading for xiaozhi-gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// configBaseName is the config file's base name, searched for with an
// explicit .yaml/.yml extension so Viper never matches the gateway binary
// itself (same base name, no extension) the way SetConfigName alone would.
const configBaseName = "xiaozhi-gateway"

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches XIAOZHI_CONFIG_DIR (if
// set), the current directory, and the user's home directory for
// xiaozhi-gateway.yaml/.yml.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName(configBaseName)
		viper.SetConfigType("yaml")
	}

	// Environment variable support: XIAOZHI_SERVER_HTTP_ADDR, etc.
	viper.SetEnvPrefix("XIAOZHI")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for xiaozhi-gateway.yaml or
// .yml, preferring XIAOZHI_CONFIG_DIR when set.
func findConfigFile() string {
	var paths []string
	if dir := os.Getenv("XIAOZHI_CONFIG_DIR"); dir != "" {
		paths = append(paths, dir)
	}
	paths = append(paths, ".")
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".xiaozhi-gateway"))
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the full path of the first
// xiaozhi-gateway.yaml/.yml match, or "" if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, configBaseName+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the gateway config keys for environment
// variable support, so e.g. XIAOZHI_SERVER_HTTP_ADDR overrides
// server.http_addr. Arrays/maps (mcp_servers, mcp_endpoints,
// custom_mcp_tools, server_tools) are left to the config file.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.log_format")
	_ = viper.BindEnv("server.max_sse_connections")
	_ = viper.BindEnv("server.max_request_body_bytes")

	_ = viper.BindEnv("hub.reconnect_interval_ms")
	_ = viper.BindEnv("hub.max_reconnect_attempts")
	_ = viper.BindEnv("hub.health_check_interval_ms")
	_ = viper.BindEnv("hub.health_check_enabled")
	_ = viper.BindEnv("hub.connection_timeout_ms")
	_ = viper.BindEnv("hub.connection_idle_timeout_ms")

	_ = viper.BindEnv("cache.dir")
	_ = viper.BindEnv("cache.result_ttl_ms")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the validated GatewayConfig.
func LoadConfig() (*GatewayConfig, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but
// does NOT apply dev defaults or validate. Use this when CLI flags may
// override DevMode before validation (mirrors the LoadConfigRaw/runStart
// split).
func LoadConfigRaw() (*GatewayConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file found; continue with env vars only.
	}

	var cfg GatewayConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded, or "" if none was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}

// Package upstream contains domain types for configured MCP upstream
// servers: their configuration, transport inference, and tool
// descriptors.
package upstream

import (
	"fmt"
	"net/url"
	"regexp"
)

// TransportKind identifies the transport protocol for an upstream server.
type TransportKind string

const (
	TransportStdio          TransportKind = "stdio"
	TransportSSE             TransportKind = "sse"
	TransportStreamableHTTP TransportKind = "streamable_http"
	// TransportCustom backs the synthetic customMCP service: a fixed,
	// in-process tool list with no network/process dial, so it carries
	// none of the stdio/sse/streamable_http shape requirements.
	TransportCustom TransportKind = "custom"
)

// PingConfig configures the periodic cheap-liveness check for a service.
type PingConfig struct {
	Enabled      bool `mapstructure:"enabled" json:"enabled"`
	IntervalMS   int  `mapstructure:"interval_ms" json:"interval_ms"`
	StartDelayMS int  `mapstructure:"start_delay_ms" json:"start_delay_ms"`
}

// Config is a Service Config: tagged by transport kind, carrying the
// fields relevant to that variant. Type may be left empty; Infer
// (transport.go) derives it from Command/URL.
type Config struct {
	Name      string            `mapstructure:"name" json:"name"`
	Type      TransportKind     `mapstructure:"type" json:"type,omitempty"`
	TimeoutMS int               `mapstructure:"timeout_ms" json:"timeout_ms"`
	Ping      *PingConfig       `mapstructure:"ping" json:"ping,omitempty"`

	// stdio variant
	Command string            `mapstructure:"command" json:"command,omitempty"`
	Args    []string          `mapstructure:"args" json:"args,omitempty"`
	Env     map[string]string `mapstructure:"env" json:"env,omitempty"`

	// sse / streamable_http variant
	URL     string            `mapstructure:"url" json:"url,omitempty"`
	Headers map[string]string `mapstructure:"headers" json:"headers,omitempty"`
	APIKey  string            `mapstructure:"api_key" json:"api_key,omitempty"`
}

// namePattern matches the allowed service-name shape: ^[A-Za-z0-9_-]{1,50}$
var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

const defaultTimeoutMS = 8000

// Validate checks config shape. It does not mutate Type;
// call Infer separately (Service Manager does this before Validate so
// shape checks below run against the resolved transport).
func (c *Config) Validate() error {
	if !namePattern.MatchString(c.Name) {
		return fmt.Errorf("%w: name must match ^[A-Za-z0-9_-]{1,50}$, got %q", ErrInvalidConfig, c.Name)
	}

	switch c.Type {
	case TransportCustom:
		// no dial target to validate
	case TransportStdio:
		if c.Command == "" {
			return fmt.Errorf("%w: command is required for stdio transport", ErrInvalidConfig)
		}
	case TransportSSE, TransportStreamableHTTP:
		if c.URL == "" {
			return fmt.Errorf("%w: url is required for %s transport", ErrInvalidConfig, c.Type)
		}
		if _, err := url.ParseRequestURI(c.URL); err != nil {
			return fmt.Errorf("%w: url is not valid: %v", ErrInvalidConfig, err)
		}
	default:
		return fmt.Errorf("%w: could not determine transport for service %q (set command, url, or type)", ErrInvalidConfig, c.Name)
	}

	if c.TimeoutMS <= 0 {
		c.TimeoutMS = defaultTimeoutMS
	}

	return nil
}

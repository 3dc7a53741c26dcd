package config

import (
	"strings"
	"testing"

	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
)

// minimalValidConfig returns a minimal valid GatewayConfig for testing.
func minimalValidConfig() *GatewayConfig {
	cfg := &GatewayConfig{
		McpServers: map[string]upstream.Config{
			"calc": {Name: "calc", Command: "./calc-server"},
		},
		McpEndpoints: []string{"wss://hub.example.com/mcp"},
	}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_ZeroConfig(t *testing.T) {
	t.Parallel()

	// A user running with no config file at all: no services, no hub
	// endpoints configured.
	cfg := &GatewayConfig{}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() zero-config unexpected error: %v", err)
	}
}

func TestValidate_InvalidHubEndpointScheme(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.McpEndpoints = []string{"http://hub.example.com/mcp"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for non-ws(s) hub endpoint, got nil")
	}
	if !strings.Contains(err.Error(), "ws://") {
		t.Errorf("error = %q, want to mention ws:// scheme requirement", err.Error())
	}
}

func TestValidate_ValidHubEndpointWS(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.McpEndpoints = []string{"ws://localhost:9000/hub"}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with ws:// endpoint unexpected error: %v", err)
	}
}

func TestValidate_UnknownServiceTransport(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.McpServers["ghost"] = upstream.Config{Name: "ghost"} // no command, no URL, no type

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for unresolvable transport, got nil")
	}
	if !strings.Contains(err.Error(), "mcp_servers[ghost]") {
		t.Errorf("error = %q, want to name the offending service", err.Error())
	}
}

func TestValidate_InvalidServiceName(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.McpServers["bad name!"] = upstream.Config{Command: "./x"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid service name, got nil")
	}
}

func TestValidate_ServerToolsReferencesUnknownService(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.ServerTools = map[string]map[string]ToolOverride{
		"ghost-service": {"tool_a": {Enabled: false}},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for server_tools referencing unknown service, got nil")
	}
	if !strings.Contains(err.Error(), "ghost-service") {
		t.Errorf("error = %q, want to name the unknown service", err.Error())
	}
}

func TestValidate_ServerToolsReferencesCustomMCPNamespace(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.ServerTools = map[string]map[string]ToolOverride{
		upstream.CustomMCPNamespace: {"my_tool": {Enabled: true}},
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() with customMCP server_tools entry unexpected error: %v", err)
	}
}

func TestValidate_DuplicateCustomMCPToolNames(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.CustomMCPTools = []CustomMCPTool{
		{Name: "dup", Description: "first"},
		{Name: "dup", Description: "second"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for duplicate custom tool names, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate tool name") {
		t.Errorf("error = %q, want to mention duplicate tool name", err.Error())
	}
}

func TestValidate_HubTunablesOutOfBounds(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Hub.ReconnectIntervalMS = 10 // below the [100,300000] bound

	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() expected error for out-of-bounds hub.reconnect_interval_ms, got nil")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Server.LogLevel = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "Server.LogLevel") {
		t.Errorf("error = %q, want to contain 'Server.LogLevel'", err.Error())
	}
}

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
)

// RegisterCustomValidators registers gateway-specific validation rules.
// Must be called before validating GatewayConfig.
func RegisterCustomValidators(v *validator.Validate) error {
	if err := v.RegisterValidation("hub_url", validateHubURL); err != nil {
		return fmt.Errorf("failed to register hub_url validator: %w", err)
	}
	return nil
}

// validateHubURL validates a hub endpoint: must be a ws:// or wss:// URL.
func validateHubURL(fl validator.FieldLevel) bool {
	u := fl.Field().String()
	return strings.HasPrefix(u, "ws://") || strings.HasPrefix(u, "wss://")
}

// Validate validates the GatewayConfig using struct tags and custom
// cross-field rules. Mirrors OSSConfig.Validate's shape: struct-tag pass,
// then cross-field checks, with actionable messages.
func (c *GatewayConfig) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	if err := c.validateHubEndpoints(); err != nil {
		return err
	}
	if err := c.validateServices(); err != nil {
		return err
	}
	if err := c.validateServerToolsReferences(); err != nil {
		return err
	}
	if err := c.validateCustomMCPToolNames(); err != nil {
		return err
	}

	return nil
}

// validateHubEndpoints checks every hub endpoint is a ws:// or wss:// URL,
// since the struct tag "url" alone accepts http(s) too.
func (c *GatewayConfig) validateHubEndpoints() error {
	for i, ep := range c.McpEndpoints {
		if !strings.HasPrefix(ep, "ws://") && !strings.HasPrefix(ep, "wss://") {
			return fmt.Errorf("mcp_endpoints[%d]: must be a ws:// or wss:// URL, got %q", i, ep)
		}
	}
	return nil
}

// validateServices infers each service's transport and runs the domain
// Config.Validate for shape checks, surfacing the offending service name
// in the error.
func (c *GatewayConfig) validateServices() error {
	for name, svc := range c.McpServers {
		svc.Name = name
		upstream.Infer(&svc, slog.Default())
		if err := svc.Validate(); err != nil {
			return fmt.Errorf("mcp_servers[%s]: %w", name, err)
		}
		c.McpServers[name] = svc
	}
	return nil
}

// validateServerToolsReferences ensures every server_tools key names a
// configured service or the reserved customMCP namespace.
func (c *GatewayConfig) validateServerToolsReferences() error {
	for serviceName := range c.ServerTools {
		if serviceName == upstream.CustomMCPNamespace {
			continue
		}
		if _, ok := c.McpServers[serviceName]; !ok {
			return fmt.Errorf("server_tools[%s]: references unknown service", serviceName)
		}
	}
	return nil
}

// validateCustomMCPToolNames ensures custom tool names are unique; they
// become public registry names directly (no service prefix).
func (c *GatewayConfig) validateCustomMCPToolNames() error {
	seen := make(map[string]struct{}, len(c.CustomMCPTools))
	for _, t := range c.CustomMCPTools {
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("custom_mcp_tools: duplicate tool name %q", t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to
// user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a
// single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hub_url":
		return fmt.Sprintf("%s must be a ws:// or wss:// URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}

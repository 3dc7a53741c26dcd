package upstream

import (
	"log/slog"
	"net/url"
	"strings"
)

// Infer resolves the transport kind for a Config:
//  1. If Type is set, use it.
//  2. Else if Command is set, transport is stdio.
//  3. Else if URL is set, parse it and inspect the path suffix:
//     "/sse" -> sse; "/mcp" -> streamable_http; anything else ->
//     streamable_http (the default for unknown paths). A parse failure
//     also resolves to streamable_http, with a warning.
//  4. Otherwise Type is left empty and Validate will reject the config.
//
// Infer mutates c.Type in place and is idempotent.
func Infer(c *Config, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}

	if c.Type != "" {
		return
	}

	if c.Command != "" {
		c.Type = TransportStdio
		return
	}

	if c.URL == "" {
		return
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		logger.Warn("transport inference: url parse failed, defaulting to streamable_http",
			"service", c.Name, "url", c.URL, "error", err)
		c.Type = TransportStreamableHTTP
		return
	}

	switch {
	case strings.HasSuffix(u.Path, "/sse"):
		c.Type = TransportSSE
	case strings.HasSuffix(u.Path, "/mcp"):
		c.Type = TransportStreamableHTTP
	default:
		c.Type = TransportStreamableHTTP
	}
}

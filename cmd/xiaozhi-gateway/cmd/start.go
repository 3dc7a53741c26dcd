package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	inboundhttp "github.com/shenjingnan/xiaozhi-gateway/internal/adapter/inbound/http"
	"github.com/shenjingnan/xiaozhi-gateway/internal/adapter/inbound/stdio"
	inboundws "github.com/shenjingnan/xiaozhi-gateway/internal/adapter/inbound/websocket"
	"github.com/shenjingnan/xiaozhi-gateway/internal/adapter/outbound/cache"
	mcpclient "github.com/shenjingnan/xiaozhi-gateway/internal/adapter/outbound/mcp"
	"github.com/shenjingnan/xiaozhi-gateway/internal/config"
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/registry"
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
	"github.com/shenjingnan/xiaozhi-gateway/internal/observe"
	"github.com/shenjingnan/xiaozhi-gateway/internal/port/outbound"
	"github.com/shenjingnan/xiaozhi-gateway/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the xiaozhi-gateway multiplexing MCP gateway.

The inbound surface is selected by flags:

  --stdio       serve over stdin/stdout (for a parent process spawning
                this binary as its own MCP server)
  --ws          also serve an inbound WebSocket listener
  (default)     serve HTTP/SSE and Streamable-HTTP on --http-addr

Upstream MCP servers and hub endpoints come from the config file; see
"xiaozhi-gateway --config" for the lookup path.

Examples:
  xiaozhi-gateway start
  xiaozhi-gateway start --stdio
  xiaozhi-gateway --config /path/to/config.yaml start`,
	RunE: runStart,
}

var (
	devMode   bool
	stdioMode bool
	wsMode    bool
)

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging)")
	startCmd.Flags().BoolVar(&stdioMode, "stdio", false, "Serve the gateway over stdin/stdout instead of HTTP")
	startCmd.Flags().BoolVar(&wsMode, "ws", false, "Also serve an inbound WebSocket listener")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	logLevel := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	if cfg.Server.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	logger := slog.New(handler)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer os.Remove(pidPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	defer stop()

	return runGateway(ctx, cfg, logger)
}

// runGateway wires the Tool Registry (C2), cache store (C8), Service
// Manager (C5), Hub Connection Manager (C7), Message Handler (C1), and the
// requested inbound transport adapters (C6), then blocks until ctx is
// cancelled.
//
// Grounded on runStart/runServer's original start.go shape: config load
// -> component construction -> StartAll -> block-on-signal-context.
// Diverges from it everywhere auth/policy/audit components were wired
// (none of that exists here) and adds the Hub Connection Manager, which
// a single-upstream proxy has no equivalent of.
func runGateway(ctx context.Context, cfg *config.GatewayConfig, logger *slog.Logger) error {
	shutdownTracing, err := observe.InitProvider(ctx, observe.ProviderConfig{
		Enabled: cfg.Tracing.Enabled,
		Writer:  os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing provider shutdown failed", "error", err)
		}
	}()

	bus := service.NewEventBus(logger)
	reg := registry.New(logger)

	cachePath := filepath.Join(cfg.Cache.Dir, "xiaozhi.cache.json")
	cacheStore := cache.NewFileStore(cachePath, logger)

	manager := service.NewServiceManager(defaultClientFactory(logger), cacheStore, cacheStore, reg, bus, logger)

	store := config.NewStore(cfg, config.ConfigFileUsed())
	servers := store.GetMcpServers()
	var configs []*upstream.Config
	for name, c := range servers {
		cp := c
		cp.Name = name
		configs = append(configs, &cp)
	}
	if len(configs) > 0 {
		if _, err := manager.AddServiceConfigs(ctx, configs); err != nil {
			logger.Error("failed to add configured services", "error", err)
		}
	}
	if err := manager.StartAll(ctx); err != nil {
		logger.Warn("one or more upstream services failed to start", "error", err)
	}
	defer manager.Close()

	if customTools := customMCPTools(store.GetCustomMCPTools()); len(customTools) > 0 {
		if err := manager.RegisterCustomMCP(ctx, customTools); err != nil {
			logger.Error("failed to register customMCP tools", "error", err)
		}
	}

	go runResultCacheSweeper(ctx, cacheStore, logger)

	hubOpts := hubOptionsFromConfig(store.HubOptions())
	hubManager := service.NewHubManager(service.DefaultHubClientFactory, hubOpts, bus, logger)
	endpoints := store.GetMcpEndpoints()
	if len(endpoints) > 0 {
		tools, _ := manager.GetAllTools(registry.FilterAll, registry.SortByName)
		hubManager.Initialize(endpoints, tools)
		if err := hubManager.Connect(ctx); err != nil {
			logger.Warn("one or more hub endpoints failed to connect", "error", err)
		}
	}
	defer hubManager.Close()

	handler := service.NewMessageHandler(manager, manager, logger)

	var transports []transportRunner
	switch {
	case stdioMode:
		transports = append(transports, stdio.NewTransport(handler, stdio.WithLogger(logger)))
	default:
		transports = append(transports, inboundhttp.NewHTTPTransport(handler, manager, hubManager,
			inboundhttp.WithAddr(cfg.Server.HTTPAddr),
			inboundhttp.WithLogger(logger),
			inboundhttp.WithMaxSSEConnections(cfg.Server.MaxSSEConnections),
			inboundhttp.WithMaxRequestBodyBytes(cfg.Server.MaxRequestBodyBytes),
		))
	}
	if wsMode {
		transports = append(transports, inboundws.NewTransport(handler, inboundws.WithLogger(logger)))
	}

	errCh := make(chan error, len(transports))
	for _, t := range transports {
		t := t
		go func() { errCh <- t.Start(ctx) }()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		for _, t := range transports {
			_ = t.Close()
		}
		return nil
	case err := <-errCh:
		for _, t := range transports {
			_ = t.Close()
		}
		return err
	}
}

// transportRunner is the shared shape every inbound adapter satisfies
// (inbound.ProxyService), named locally so runGateway doesn't need to
// import the port package just to spell out Start/Close twice.
type transportRunner interface {
	Start(ctx context.Context) error
	Close() error
}

// customMCPTools converts the configured custom-tool manifest into Tool
// Descriptors suitable for ServiceManager.RegisterCustomMCP: each tool's
// OriginalName and Name both equal its configured name, matching
// upstream.PublicName's pass-through for the customMCP namespace.
func customMCPTools(configured []config.CustomMCPTool) []*upstream.Tool {
	tools := make([]*upstream.Tool, 0, len(configured))
	for _, t := range configured {
		if !t.Enabled {
			continue
		}
		tools = append(tools, &upstream.Tool{
			Name:         t.Name,
			OriginalName: t.Name,
			Description:  t.Description,
			InputSchema:  t.InputSchema,
			ServiceName:  upstream.CustomMCPNamespace,
			Enabled:      true,
		})
	}
	return tools
}

// resultSweeper is the narrow contract runResultCacheSweeper needs from
// the cache store.
type resultSweeper interface {
	Sweep() (int, error)
}

// runResultCacheSweeper removes expired/consumed result-cache entries
// every minute until ctx is cancelled, matching the cache's declared
// 300s default TTL with headroom to spare.
func runResultCacheSweeper(ctx context.Context, store resultSweeper, logger *slog.Logger) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := store.Sweep()
			if err != nil {
				logger.Warn("result cache sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("result cache swept", "removed", n)
			}
		case <-ctx.Done():
			return
		}
	}
}

// defaultClientFactory builds the real outbound transport client for a
// configured upstream, selecting by transport kind the way Infer resolves
// it.
func defaultClientFactory(logger *slog.Logger) service.ClientFactory {
	return func(cfg *upstream.Config, log *slog.Logger) outbound.TransportClient {
		if log == nil {
			log = logger
		}
		switch cfg.Type {
		case upstream.TransportSSE:
			return mcpclient.NewSSEClient(cfg, log)
		case upstream.TransportStreamableHTTP:
			return mcpclient.NewStreamableHTTPClient(cfg, log)
		default:
			return mcpclient.NewStdioClient(cfg, log)
		}
	}
}

func hubOptionsFromConfig(hc config.HubConfig) service.HubOptions {
	opts := service.DefaultHubOptions()
	if hc.ReconnectIntervalMS > 0 {
		opts.ReconnectIntervalMS = hc.ReconnectIntervalMS
	}
	if hc.MaxReconnectAttempts > 0 {
		opts.MaxReconnectAttempts = hc.MaxReconnectAttempts
	}
	if hc.HealthCheckIntervalMS > 0 {
		opts.HealthCheckIntervalMS = hc.HealthCheckIntervalMS
	}
	opts.HealthCheckEnabled = hc.HealthCheckEnabled
	if hc.ConnectionTimeoutMS > 0 {
		opts.ConnectionTimeoutMS = hc.ConnectionTimeoutMS
	}
	if hc.ConnectionIdleTimeoutMS > 0 {
		opts.ConnectionIdleTimeoutMS = hc.ConnectionIdleTimeoutMS
	}
	return opts
}

// parseLogLevel converts a string log level to slog.Level. Returns
// slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// pidFilePath returns the standard location for the gateway's PID file.
func pidFilePath() string {
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".xiaozhi-gateway", "server.pid")
	}
	return filepath.Join(os.TempDir(), "xiaozhi-gateway-server.pid")
}

// writePIDFile writes the current process PID to path, creating parent
// directories as needed.
func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

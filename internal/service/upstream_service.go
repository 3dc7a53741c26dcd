package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/mcp"
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/resultcache"
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
	"github.com/shenjingnan/xiaozhi-gateway/internal/port/outbound"
)

const (
	defaultConnectTimeout = 10 * time.Second
	// Tools under CustomMCPNamespace back long-running workflow tasks,
	// which need several minutes rather than the standard per-service
	// timeout.
	customMCPCallTimeout = 5 * time.Minute
)

// ClientFactory builds a transport client for a given upstream config,
// selecting stdio/SSE/streamable-HTTP per upstream.Infer.
type ClientFactory func(cfg *upstream.Config, logger *slog.Logger) outbound.TransportClient

// UpstreamService is one Service Instance (C3): owns a single Transport
// Client, tracks connection state and its discovered tool map, and
// exposes connect/disconnect/listTools/callTool/isConnected/getStatus.
//
// Grounded on upstream_manager.go's connection bookkeeping
// (status/lastError/retryCount fields under a per-connection mutex) and
// a separate discovery service's connect-then-list pattern, but
// restructured so one Service Instance owns both its transport client
// and its own tool map directly, rather than splitting that across a
// manager-level connection struct and a separate discovery service.
type UpstreamService struct {
	cfg         *upstream.Config
	client      outbound.TransportClient
	logger      *slog.Logger
	cache       outbound.ToolCacheStore   // nil-safe; writes are best-effort
	resultCache outbound.ResultCacheStore // nil-safe; customMCP write-through only
	eventBus    *EventBus

	mu        sync.RWMutex
	state     upstream.State
	tools     map[string]*upstream.Tool // keyed by original name
	lastError string

	pingCancel context.CancelFunc
}

// NewUpstreamService builds a Service Instance for cfg, using factory to
// construct the transport client. resultCache may be nil for ordinary
// services; it is only consulted for calls under upstream.CustomMCPNamespace.
func NewUpstreamService(cfg *upstream.Config, factory ClientFactory, cache outbound.ToolCacheStore, resultCache outbound.ResultCacheStore, bus *EventBus, logger *slog.Logger) *UpstreamService {
	if logger == nil {
		logger = slog.Default()
	}
	return &UpstreamService{
		cfg:         cfg,
		client:      factory(cfg, logger),
		logger:      logger,
		cache:       cache,
		resultCache: resultCache,
		eventBus:    bus,
		state:       upstream.StateDisconnected,
		tools:       make(map[string]*upstream.Tool),
	}
}

// Connect runs the connection algorithm: connecting -> (timer-bounded
// handshake) -> connected (+ listTools population) or back to
// disconnected on any failure/timeout. Does not retry, and the Service
// Manager does not either: a failed connect is returned to the caller.
func (s *UpstreamService) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.state = upstream.StateConnecting
	s.mu.Unlock()

	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	connectCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.client.Connect(connectCtx); err != nil {
		s.fail(fmt.Errorf("connect %s: %w", s.cfg.Name, err))
		return err
	}

	tools, err := s.client.ListTools(connectCtx)
	if err != nil {
		s.fail(fmt.Errorf("list tools %s: %w", s.cfg.Name, err))
		_ = s.client.Disconnect()
		return err
	}

	toolMap := make(map[string]*upstream.Tool, len(tools))
	for _, t := range tools {
		t.ServiceName = s.cfg.Name
		t.Name = upstream.PublicName(s.cfg.Name, t.OriginalName)
		t.Enabled = true
		toolMap[t.OriginalName] = t
	}

	s.mu.Lock()
	s.state = upstream.StateConnected
	s.tools = toolMap
	s.lastError = ""
	s.mu.Unlock()

	s.logger.Info("upstream connected", "service", s.cfg.Name, "tools", len(toolMap))
	s.publish(EventServiceConnected, map[string]any{"service": s.cfg.Name, "tools": len(toolMap)})

	if s.cache != nil {
		if err := s.cache.WriteEntry(s.cfg.Name, tools, ""); err != nil {
			s.logger.Warn("tool cache write-through failed", "service", s.cfg.Name, "error", err)
		}
	}

	if s.cfg.Ping != nil && s.cfg.Ping.Enabled {
		s.startPingLoop()
	}

	return nil
}

func (s *UpstreamService) fail(err error) {
	s.mu.Lock()
	s.state = upstream.StateDisconnected
	s.lastError = err.Error()
	s.mu.Unlock()
	s.logger.Error("upstream connection failed", "service", s.cfg.Name, "error", err)
	s.publish(EventServiceConnectionFailed, map[string]any{"service": s.cfg.Name, "error": err.Error()})
}

// startPingLoop runs a cheap ListTools probe every interval_ms, starting
// start_delay_ms after connect. A ping failure is logged but does not
// change service state on its own.
func (s *UpstreamService) startPingLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.pingCancel = cancel
	s.mu.Unlock()

	interval := time.Duration(s.cfg.Ping.IntervalMS) * time.Millisecond
	if interval <= 0 {
		return
	}
	startDelay := time.Duration(s.cfg.Ping.StartDelayMS) * time.Millisecond

	go func() {
		select {
		case <-time.After(startDelay):
		case <-ctx.Done():
			return
		}

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.client.ListTools(ctx); err != nil {
					s.logger.Warn("ping failed", "service", s.cfg.Name, "error", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// CallTool dispatches to the owning transport client's callTool.
func (s *UpstreamService) CallTool(ctx context.Context, originalName string, arguments map[string]any) (*outbound.ToolCallResult, error) {
	s.mu.RLock()
	connected := s.state == upstream.StateConnected
	tool, known := s.tools[originalName]
	s.mu.RUnlock()

	if !connected {
		return nil, fmt.Errorf("service %s: %w", s.cfg.Name, mcp.ErrNotConnected)
	}
	if !known {
		return nil, fmt.Errorf("service %s: tool %q: %w", s.cfg.Name, originalName, mcp.ErrToolNotFound)
	}

	timeout := time.Duration(s.cfg.TimeoutMS) * time.Millisecond
	if s.cfg.Name == upstream.CustomMCPNamespace {
		timeout = customMCPCallTimeout
	}
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cacheKey string
	if s.cfg.Name == upstream.CustomMCPNamespace && s.resultCache != nil {
		key, keyErr := resultcache.Key(originalName, arguments)
		if keyErr != nil {
			s.logger.Warn("result cache key computation failed", "service", s.cfg.Name, "tool", originalName, "error", keyErr)
		} else if cached, readErr := s.resultCache.Read(key); readErr == nil && cached != nil && !cached.Consumed {
			// A prior dispatch for the identical tool+arguments already
			// produced a result; replay it instead of re-running a
			// long-running workflow task twice.
			_ = s.resultCache.MarkConsumed(key)
			s.recordUsage(tool)
			return &outbound.ToolCallResult{Content: cached.Result, IsError: cached.Status == resultcache.StatusFailed}, nil
		} else {
			cacheKey = key
		}
	}

	result, err := s.client.CallTool(callCtx, originalName, arguments)

	if cacheKey != "" {
		s.writeResultCache(cacheKey, result, err)
	}

	if err != nil {
		return nil, fmt.Errorf("call %s/%s: %w", s.cfg.Name, originalName, err)
	}

	s.recordUsage(tool)
	return result, nil
}

func (s *UpstreamService) recordUsage(tool *upstream.Tool) {
	s.mu.Lock()
	tool.UsageCount++
	now := time.Now()
	tool.LastUsedAt = &now
	s.mu.Unlock()
}

// writeResultCache persists the outcome of a customMCP call (cache-layer
// write-through: completed on success, failed on error). task_id is
// freshly generated per dispatch since these are one-shot workflow
// invocations, not resumed against a caller-supplied id.
func (s *UpstreamService) writeResultCache(key string, result *outbound.ToolCallResult, callErr error) {
	entry := resultcache.NewPending(uuid.NewString())
	if callErr != nil {
		entry.Result, _ = json.Marshal(callErr.Error())
		entry.UpdateStatus(resultcache.StatusFailed)
	} else {
		entry.Result = json.RawMessage(result.Content)
		if result.IsError {
			entry.UpdateStatus(resultcache.StatusFailed)
		} else {
			entry.UpdateStatus(resultcache.StatusCompleted)
		}
	}
	if err := s.resultCache.Write(key, entry); err != nil {
		s.logger.Warn("result cache write-through failed", "service", s.cfg.Name, "error", err)
	}
}

// ListTools returns the current populated tool map as a slice.
func (s *UpstreamService) ListTools() []*upstream.Tool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*upstream.Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t)
	}
	return out
}

// Disconnect stops the ping loop and tears down the transport client.
func (s *UpstreamService) Disconnect() error {
	s.mu.Lock()
	if s.pingCancel != nil {
		s.pingCancel()
		s.pingCancel = nil
	}
	s.state = upstream.StateDisconnected
	s.tools = make(map[string]*upstream.Tool)
	s.mu.Unlock()

	s.publish(EventServiceDisconnected, map[string]any{"service": s.cfg.Name})
	return s.client.Disconnect()
}

func (s *UpstreamService) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == upstream.StateConnected
}

func (s *UpstreamService) GetStatus() (upstream.State, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.lastError
}

func (s *UpstreamService) Name() string { return s.cfg.Name }

func (s *UpstreamService) publish(event string, payload map[string]any) {
	if s.eventBus != nil {
		s.eventBus.Publish(event, payload)
	}
}

package service

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	transportmcp "github.com/shenjingnan/xiaozhi-gateway/internal/adapter/outbound/mcp"
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/mcp"
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/registry"
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
	"github.com/shenjingnan/xiaozhi-gateway/internal/observe"
	"github.com/shenjingnan/xiaozhi-gateway/internal/port/outbound"
)

// serviceNamePattern is the validation regex for a service name: 1-50
// chars, alphanumeric/underscore/hyphen.
var serviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,50}$`)

// AddResult reports the outcome of a batch addServiceConfig call: a
// partial-success report naming which candidates failed and why.
type AddResult struct {
	Added   []string
	Failed  map[string]string
	RolledBack bool
}

// ServiceManager owns the name->Service Instance map and the name->config
// map (C5), and aggregates every connected service's tools into the
// shared Tool Registry (C2).
//
// Grounded on internal/service/upstream_manager.go (now removed, its
// lifecycle role fully absorbed here) end to end: the name->instance map
// under a manager mutex, StartAll's per-service goroutine fan-out with a
// bounded sync.WaitGroup+select+time.After wait, per-service start/stop.
// Diverges in two ways the earlier manager didn't need: (1) a batch
// add-validate-rollback sequence (that manager only ever added one
// upstream at a time via its admin API), and (2) no exponential-backoff
// retry loop here — that responsibility belongs to reconnect logic scoped
// to connect() itself returning an error to the caller, not to an
// automatic background retrier; UpstreamManager's retry/backoff machinery
// was instead kept as reference for the Hub Connection Manager's
// reconnect scheduler (see internal/domain/hub), which needs that
// behavior for hub endpoints, not regular upstream services.
type ServiceManager struct {
	clientFactory ClientFactory
	cache         outbound.ToolCacheStore
	resultCache   outbound.ResultCacheStore
	registry      *registry.Registry
	eventBus      *EventBus
	logger        *slog.Logger

	mu       sync.RWMutex
	configs  map[string]*upstream.Config
	services map[string]*UpstreamService
	closed   bool
}

// NewServiceManager builds an empty Service Manager. resultCache may be
// nil; it is only used by services under upstream.CustomMCPNamespace.
func NewServiceManager(factory ClientFactory, cache outbound.ToolCacheStore, resultCache outbound.ResultCacheStore, reg *registry.Registry, bus *EventBus, logger *slog.Logger) *ServiceManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ServiceManager{
		clientFactory: factory,
		cache:         cache,
		resultCache:   resultCache,
		registry:      reg,
		eventBus:      bus,
		logger:        logger,
		configs:       make(map[string]*upstream.Config),
		services:      make(map[string]*UpstreamService),
	}
}

// StartAll connects every configured service concurrently, bounded by a
// 30s overall wait (matching the original StartAll timeout).
func (m *ServiceManager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.StartService(ctx, name); err != nil {
				m.logger.Error("failed to start service", "name", name, "error", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(30 * time.Second):
		return fmt.Errorf("timeout waiting for all services to start")
	}
}

// StartService connects the named service instance and, on success,
// publishes its tools into the registry and writes the cache through.
func (m *ServiceManager) StartService(ctx context.Context, name string) error {
	m.mu.RLock()
	svc, ok := m.services[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("service manager: %w: %s", mcp.ErrServiceNotFound, name)
	}

	if err := svc.Connect(ctx); err != nil {
		return err
	}
	m.registry.SetServiceTools(name, svc.ListTools())
	return nil
}

// StopService disconnects and removes the named service's tools from the
// registry without removing its config.
func (m *ServiceManager) StopService(name string) error {
	m.mu.RLock()
	svc, ok := m.services[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("service manager: %w: %s", mcp.ErrServiceNotFound, name)
	}

	m.registry.RemoveService(name)
	return svc.Disconnect()
}

// AddServiceConfigs runs the batch add-start sequence: validate the
// whole batch, reject on any invalid entry, then persist+instantiate+
// connect each; on zero successes, roll back and return ADD_FAILED; on
// partial success, report which failed.
func (m *ServiceManager) AddServiceConfigs(ctx context.Context, cfgs []*upstream.Config) (*AddResult, error) {
	m.mu.Lock()
	taken := make(map[string]*upstream.Config, len(m.configs)+len(cfgs))
	for name, c := range m.configs {
		taken[name] = c
	}
	for _, cfg := range cfgs {
		if err := validateCandidate(cfg, taken); err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("service manager: %w: %s: %v", mcp.ErrValidation, cfg.Name, err)
		}
		taken[cfg.Name] = cfg
	}
	m.mu.Unlock()

	result := &AddResult{Failed: make(map[string]string)}

	for _, cfg := range cfgs {
		upstream.Infer(cfg, m.logger)
		if err := cfg.Validate(); err != nil {
			result.Failed[cfg.Name] = err.Error()
			continue
		}

		svc := NewUpstreamService(cfg, m.clientFactory, m.cache, m.resultCache, m.eventBus, m.logger)
		m.mu.Lock()
		m.configs[cfg.Name] = cfg
		m.services[cfg.Name] = svc
		m.mu.Unlock()

		if err := svc.Connect(ctx); err != nil {
			result.Failed[cfg.Name] = err.Error()
			m.mu.Lock()
			delete(m.configs, cfg.Name)
			delete(m.services, cfg.Name)
			m.mu.Unlock()
			continue
		}

		m.registry.SetServiceTools(cfg.Name, svc.ListTools())
		result.Added = append(result.Added, cfg.Name)
		m.eventBus.Publish(EventMCPServerAdded, map[string]any{"service": cfg.Name})
	}

	if len(result.Added) == 0 && len(cfgs) > 0 {
		result.RolledBack = true
		return result, fmt.Errorf("service manager: ADD_FAILED: all %d candidates failed", len(cfgs))
	}

	return result, nil
}

// validateCandidate checks the per-candidate rules against the full
// batch-plus-existing name set. Called while m.mu is held for read
// consistency across the whole batch.
func validateCandidate(cfg *upstream.Config, existing map[string]*upstream.Config) error {
	if !serviceNamePattern.MatchString(cfg.Name) {
		return fmt.Errorf("invalid service name %q", cfg.Name)
	}
	if _, ok := existing[cfg.Name]; ok {
		return fmt.Errorf("service %q already exists: %w", cfg.Name, mcp.ErrConflict)
	}
	return nil
}

// UpdateServiceConfig replaces a service's config: disconnects the old
// instance, instantiates a fresh one under the new config, and
// reconnects.
func (m *ServiceManager) UpdateServiceConfig(ctx context.Context, name string, cfg *upstream.Config) error {
	m.mu.Lock()
	old, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("service manager: %w: %s", mcp.ErrServiceNotFound, name)
	}
	m.mu.Unlock()

	_ = old.Disconnect()
	m.registry.RemoveService(name)

	svc := NewUpstreamService(cfg, m.clientFactory, m.cache, m.resultCache, m.eventBus, m.logger)
	m.mu.Lock()
	m.configs[name] = cfg
	m.services[name] = svc
	m.mu.Unlock()

	if err := svc.Connect(ctx); err != nil {
		return err
	}
	m.registry.SetServiceTools(name, svc.ListTools())
	m.eventBus.Publish(EventMCPServerStatusChanged, map[string]any{"service": name})
	return nil
}

// RegisterCustomMCP builds and connects the synthetic customMCP service
// from a fixed tool manifest (loaded from config by the caller), so
// user-defined tools become dispatchable the same way any other
// upstream's tools are: through the registry and ServiceManager.CallTool.
// Calling this again replaces any previously registered customMCP
// service and its tools.
func (m *ServiceManager) RegisterCustomMCP(ctx context.Context, tools []*upstream.Tool) error {
	m.mu.Lock()
	if old, ok := m.services[upstream.CustomMCPNamespace]; ok {
		m.mu.Unlock()
		_ = old.Disconnect()
		m.registry.RemoveService(upstream.CustomMCPNamespace)
		m.mu.Lock()
	}

	cfg := &upstream.Config{Name: upstream.CustomMCPNamespace, Type: upstream.TransportCustom}
	factory := func(*upstream.Config, *slog.Logger) outbound.TransportClient {
		return transportmcp.NewCustomToolClient(tools, m.logger)
	}
	svc := NewUpstreamService(cfg, factory, m.cache, m.resultCache, m.eventBus, m.logger)
	m.configs[upstream.CustomMCPNamespace] = cfg
	m.services[upstream.CustomMCPNamespace] = svc
	m.mu.Unlock()

	if err := svc.Connect(ctx); err != nil {
		return fmt.Errorf("register customMCP: %w", err)
	}
	m.registry.SetServiceTools(upstream.CustomMCPNamespace, svc.ListTools())
	return nil
}

// RemoveServiceConfig disconnects and fully removes a service.
func (m *ServiceManager) RemoveServiceConfig(name string) error {
	m.mu.Lock()
	svc, ok := m.services[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("service manager: %w: %s", mcp.ErrServiceNotFound, name)
	}
	delete(m.services, name)
	delete(m.configs, name)
	m.mu.Unlock()

	m.registry.RemoveService(name)
	err := svc.Disconnect()
	m.eventBus.Publish(EventMCPServerRemoved, map[string]any{"service": name})
	return err
}

// CallTool resolves a public tool name (service__tool) to its owning
// service and dispatches.
func (m *ServiceManager) CallTool(ctx context.Context, publicName string, arguments map[string]any) (*outbound.ToolCallResult, error) {
	ctx, span := observe.StartSpan(ctx, "service_manager.call_tool")
	defer span.End()
	span.SetAttributes(attribute.String("tool.public_name", publicName))

	service, original, ok := splitPublicName(publicName)
	if !ok {
		err := fmt.Errorf("service manager: %w: %s", mcp.ErrToolNotFound, publicName)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	m.mu.RLock()
	svc, ok := m.services[service]
	m.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("service manager: %w: %s", mcp.ErrServiceNotFound, service)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	result, err := svc.CallTool(ctx, original, arguments)
	if err == nil {
		m.registry.RecordUsage(publicName)
	} else {
		span.SetStatus(codes.Error, err.Error())
	}
	return result, err
}

// splitPublicName reverses upstream.PublicName. customMCP tools have no
// "__" separator since PublicName passes the original name through
// unchanged for that namespace; such names resolve against the
// customMCP service directly.
func splitPublicName(publicName string) (service, original string, ok bool) {
	if idx := strings.Index(publicName, "__"); idx >= 0 {
		return publicName[:idx], publicName[idx+2:], true
	}
	return upstream.CustomMCPNamespace, publicName, true
}

// GetAllTools delegates to the Tool Registry.
func (m *ServiceManager) GetAllTools(filter registry.Filter, sortField registry.SortField) ([]*upstream.Tool, error) {
	return m.registry.List(filter, sortField)
}

// GetTool looks up a single tool by its public name, for input_schema
// validation ahead of dispatch.
func (m *ServiceManager) GetTool(publicName string) (*upstream.Tool, bool) {
	return m.registry.Get(publicName)
}

// GetStatus returns every managed service's connection state; the last
// error is not included.
func (m *ServiceManager) GetStatus() map[string]upstream.State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]upstream.State, len(m.services))
	for name, svc := range m.services {
		state, _ := svc.GetStatus()
		out[name] = state
	}
	return out
}

// Close disconnects every managed service. Idempotent.
func (m *ServiceManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	services := make([]*UpstreamService, 0, len(m.services))
	for _, svc := range m.services {
		services = append(services, svc)
	}
	m.mu.Unlock()

	for _, svc := range services {
		if err := svc.Disconnect(); err != nil {
			m.logger.Error("failed to disconnect service", "name", svc.Name(), "error", err)
		}
	}
	return nil
}

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/shenjingnan/xiaozhi-gateway/internal/adapter/outbound/hubws"
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/hub"
	domainmcp "github.com/shenjingnan/xiaozhi-gateway/internal/domain/mcp"
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
	"github.com/shenjingnan/xiaozhi-gateway/internal/observe"
)

// memoryOptimizeInterval is the fixed 5-minute resource-hygiene pass;
// unlike the other hub tunables it is not configurable.
const memoryOptimizeInterval = 5 * time.Minute

// hubHealthProbeFrame is the cheap probe the health-check loop sends to an
// already-connected endpoint to measure round-trip latency.
var hubHealthProbeFrame = []byte(`{"jsonrpc":"2.0","method":"ping"}`)

// HubOptions holds the Hub Connection Manager's tunables.
type HubOptions struct {
	ReconnectIntervalMS     int
	MaxReconnectAttempts    int
	HealthCheckIntervalMS   int
	HealthCheckEnabled      bool
	ConnectionTimeoutMS     int
	ConnectionIdleTimeoutMS int
}

// DefaultHubOptions returns the stated defaults.
func DefaultHubOptions() HubOptions {
	return HubOptions{
		ReconnectIntervalMS:     5000,
		MaxReconnectAttempts:    3,
		HealthCheckIntervalMS:   30000,
		HealthCheckEnabled:      true,
		ConnectionTimeoutMS:     5000,
		ConnectionIdleTimeoutMS: 300000,
	}
}

// Validate enforces bounds on every tunable. ReloadConfig must reject an
// out-of-bounds options block before mutating any live state, so this
// runs before any map mutation in ReloadConfig.
func (o HubOptions) Validate() error {
	switch {
	case o.ReconnectIntervalMS < 100 || o.ReconnectIntervalMS > 300000:
		return fmt.Errorf("%w: reconnect_interval_ms out of [100,300000]", domainmcp.ErrValidation)
	case o.MaxReconnectAttempts < 1 || o.MaxReconnectAttempts > 20:
		return fmt.Errorf("%w: max_reconnect_attempts out of [1,20]", domainmcp.ErrValidation)
	case o.HealthCheckIntervalMS < 1000 || o.HealthCheckIntervalMS > 600000:
		return fmt.Errorf("%w: health_check_interval_ms out of [1000,600000]", domainmcp.ErrValidation)
	case o.ConnectionTimeoutMS < 100 || o.ConnectionTimeoutMS > 60000:
		return fmt.Errorf("%w: connection_timeout_ms out of [100,60000]", domainmcp.ErrValidation)
	case o.ConnectionIdleTimeoutMS < 1000:
		return fmt.Errorf("%w: connection_idle_timeout_ms must be >= 1000", domainmcp.ErrValidation)
	}
	return nil
}

func reconnectPolicyFromOptions(o HubOptions) hub.ReconnectPolicy {
	p := hub.DefaultReconnectPolicy()
	p.IntervalMS = o.ReconnectIntervalMS
	p.MaxAttempts = o.MaxReconnectAttempts
	return p
}

// HubClient is the capability surface the Hub Connection Manager needs
// from an outbound WebSocket session; hubws.Client satisfies it.
type HubClient interface {
	Connect(ctx context.Context) error
	Inbound() <-chan hubws.InboundMessage
	Send(ctx context.Context, data []byte) error
	Close() error
	IsConnected() bool
}

// HubClientFactory builds a fresh HubClient for one endpoint URL. A new
// client is built for every connect attempt, including reconnects — see
// the note on HubManager.connectEndpoint.
type HubClientFactory func(endpointURL string, headers http.Header, logger *slog.Logger) HubClient

// DefaultHubClientFactory wires the real coder/websocket-backed client.
func DefaultHubClientFactory(endpointURL string, headers http.Header, logger *slog.Logger) HubClient {
	return hubws.New(endpointURL, headers, logger)
}

type hubEndpoint struct {
	state              *hub.ConnectionState
	client             HubClient
	headers            http.Header
	healthCheckEnabled bool
	reconnectCancel    context.CancelFunc
}

// ReloadConfig is the hot-reload optional-field input: a nil field
// leaves that part of the live state undisturbed.
type ReloadConfig struct {
	Endpoints *[]string
	Options   *HubOptions
	Tools     *[]*upstream.Tool
}

// ReloadResult reports reloadConfig's added/removed/kept endpoint sets.
type ReloadResult struct {
	Added   []string
	Removed []string
	Kept    []string
}

// HubManager implements the Hub Connection Manager (C7): one
// independent outbound WebSocket session per hub endpoint, a
// per-endpoint health/reconnect state machine, and tool-list sync to
// every established session.
//
// There is no outbound hub WebSocket manager elsewhere in this codebase
// (UpstreamManager only manages subprocess/HTTP upstreams), so this
// component is new. Grounded on upstream_manager.go's shape regardless:
// name->state map under a manager mutex, StartAll's bounded
// WaitGroup+time.After fan-out (reused verbatim for Connect),
// and the constructor-started background-loop pattern
// (stabilityChecker), generalized to three loops (health-check,
// idle-cleanup, memory-optimization). The reconnect policy itself comes
// from internal/domain/hub (fixed-interval, not UpstreamManager's
// exponential backoff — see DESIGN.md).
type HubManager struct {
	factory  HubClientFactory
	eventBus *EventBus
	logger   *slog.Logger
	gcHook   func()

	mu        sync.RWMutex
	endpoints map[string]*hubEndpoint
	options   HubOptions
	policy    hub.ReconnectPolicy
	tools     []*upstream.Tool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHubManager builds a Hub Connection Manager with no endpoints yet
// (call Initialize or AddEndpoint) and starts its background loops
// immediately, mirroring NewUpstreamManager's practice of starting
// stabilityChecker in the constructor rather than on first use.
func NewHubManager(factory HubClientFactory, opts HubOptions, bus *EventBus, logger *slog.Logger) *HubManager {
	if logger == nil {
		logger = slog.Default()
	}
	if factory == nil {
		factory = DefaultHubClientFactory
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &HubManager{
		factory:   factory,
		eventBus:  bus,
		logger:    logger,
		endpoints: make(map[string]*hubEndpoint),
		options:   opts,
		policy:    reconnectPolicyFromOptions(opts),
		ctx:       ctx,
		cancel:    cancel,
	}

	m.wg.Add(3)
	go m.healthCheckLoop()
	go m.idleCleanupLoop()
	go m.memoryOptimizeLoop()

	return m
}

// WithGCHook installs an optional hook invoked after each memory-
// optimization pass, which suggests a collection if a host-provided GC
// hook exists; runtime.GC() is too blunt an instrument to call
// unconditionally from a library, so the host decides what "suggest"
// means.
func (m *HubManager) WithGCHook(hook func()) *HubManager {
	m.gcHook = hook
	return m
}

func (m *HubManager) newEndpointLocked(url string, headers http.Header) *hubEndpoint {
	return &hubEndpoint{
		state:              hub.NewConnectionState(url),
		headers:            headers,
		healthCheckEnabled: m.options.HealthCheckEnabled,
	}
}

// Initialize replaces the endpoint set and the aggregated tool snapshot
// without connecting anything; call Connect afterward to establish
// sessions.
func (m *HubManager) Initialize(endpointURLs []string, tools []*upstream.Tool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endpoints = make(map[string]*hubEndpoint, len(endpointURLs))
	for _, url := range endpointURLs {
		m.endpoints[url] = m.newEndpointLocked(url, nil)
	}
	m.tools = tools
}

// Connect dials every known endpoint concurrently, bounded by a 30s
// overall wait (matching StartAll's timeout).
func (m *HubManager) Connect(ctx context.Context) error {
	m.mu.RLock()
	urls := make([]string, 0, len(m.endpoints))
	for url := range m.endpoints {
		urls = append(urls, url)
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, url := range urls {
		url := url
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.connectEndpoint(ctx, url); err != nil {
				m.logger.Error("hub endpoint connect failed", "endpoint", url, "error", err)
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
		return fmt.Errorf("hub manager: timeout waiting for all endpoints to connect")
	}
}

// connectEndpoint dials url. A brand-new HubClient is built for every
// call (including reconnects): hubws.Client's inbound channel is closed
// permanently once its read loop exits on disconnect, so the client
// cannot be reused across a reconnect attempt — the manager replaces it
// instead, the same way ServiceManager replaces rather than resets an
// UpstreamService's transport client on UpdateServiceConfig.
func (m *HubManager) connectEndpoint(ctx context.Context, url string) error {
	ctx, span := observe.StartSpan(ctx, "hub_manager.connect_endpoint")
	defer span.End()
	span.SetAttributes(attribute.String("hub.endpoint", url))

	m.mu.Lock()
	ep, ok := m.endpoints[url]
	if !ok {
		m.mu.Unlock()
		err := fmt.Errorf("hub manager: %w: %s", domainmcp.ErrServiceNotFound, url)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	client := m.factory(url, ep.headers, m.logger)
	ep.client = client
	// Only a dial triggered by maybeScheduleReconnect's timer (which bumps
	// ReconnectAttempts before arming it) counts as a reconnect attempt;
	// the initial Connect()-driven dial is not one, so it does not add a
	// reconnect_history entry.
	isReconnectAttempt := ep.state.ReconnectAttempts > 0
	ep.state.State = hub.StateConnecting
	timeoutMS := m.options.ConnectionTimeoutMS
	m.mu.Unlock()

	timeout := time.Duration(timeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := client.Connect(dialCtx)

	m.mu.Lock()
	ep, ok = m.endpoints[url]
	if !ok {
		m.mu.Unlock()
		return nil // endpoint removed while dialing
	}

	if err != nil {
		class := hub.ClassifyError(err.Error())
		ep.state.LastError = err.Error()
		ep.state.State = hub.StateDisconnected
		ep.state.RecordFailure(class)
		if isReconnectAttempt {
			ep.state.RecordAttempt(false, class)
		}
		m.mu.Unlock()

		m.logger.Warn("hub endpoint connect failed", "endpoint", url, "error", err, "class", class)
		span.SetStatus(codes.Error, err.Error())
		m.publishConnectionFailure(url, class)
		m.maybeScheduleReconnect(url)
		return err
	}

	if isReconnectAttempt {
		ep.state.RecordAttempt(true, hub.ErrorUnknown)
	}
	ep.state.MarkReconnectSuccess()
	tools := append([]*upstream.Tool(nil), m.tools...)
	m.mu.Unlock()

	m.logger.Info("hub endpoint connected", "endpoint", url)
	if isReconnectAttempt {
		m.eventBus.Publish(EventConnectionRecovered, map[string]any{"endpoint": url})
	}

	go m.readLoop(url, client)
	if len(tools) > 0 {
		_ = m.pushTools(ctx, url, client, tools)
	}
	return nil
}

func (m *HubManager) publishConnectionFailure(url string, class hub.ErrorClass) {
	if m.eventBus == nil {
		return
	}
	if class == hub.ErrorAuthentication {
		m.eventBus.Publish(EventAuthenticationError, map[string]any{"endpoint": url})
		return
	}
	m.eventBus.Publish(EventConnectionError, map[string]any{"endpoint": url, "class": string(class)})
}

// maybeScheduleReconnect applies the fixed-interval reconnect policy
// (internal/domain/hub): schedule another attempt after policy.Delay(),
// or mark the endpoint failed once the policy says to stop.
func (m *HubManager) maybeScheduleReconnect(url string) {
	m.mu.Lock()
	ep, ok := m.endpoints[url]
	if !ok {
		m.mu.Unlock()
		return
	}
	if !m.policy.ShouldReconnect(ep.state) {
		ep.state.State = hub.StateFailed
		m.mu.Unlock()
		m.logger.Error("hub endpoint exhausted reconnect attempts", "endpoint", url)
		return
	}

	ep.state.ReconnectAttempts++
	ep.state.State = hub.StateReconnecting
	delay := m.policy.Delay()
	next := time.Now().Add(delay)
	ep.state.NextReconnectAt = &next
	ep.state.ReconnectDelayMS = int(delay / time.Millisecond)

	if ep.reconnectCancel != nil {
		ep.reconnectCancel()
	}
	reconnectCtx, cancel := context.WithCancel(m.ctx)
	ep.reconnectCancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-reconnectCtx.Done():
			return
		case <-time.After(delay):
		}
		_ = m.connectEndpoint(context.Background(), url)
	}()
}

// readLoop consumes an established session's inbound frames until the
// channel closes (disconnect or terminal read error), then reports the
// drop. The gateway has no defined semantics for an unsolicited inbound
// hub frame beyond noticing the session is alive.
func (m *HubManager) readLoop(url string, client HubClient) {
	for msg := range client.Inbound() {
		if msg.Err != nil {
			m.handleDrop(url, msg.Err)
			return
		}
		m.logger.Debug("hub message received", "endpoint", url, "bytes", len(msg.Data))
	}
	m.handleDrop(url, fmt.Errorf("hub manager: connection closed"))
}

func (m *HubManager) handleDrop(url string, err error) {
	m.mu.Lock()
	ep, ok := m.endpoints[url]
	if !ok || ep.state.State != hub.StateConnected {
		m.mu.Unlock()
		return // already handled, e.g. by an explicit Disconnect/RemoveEndpoint
	}
	class := hub.ClassifyError(err.Error())
	ep.state.LastError = err.Error()
	ep.state.State = hub.StateDisconnected
	ep.state.RecordFailure(class)
	m.mu.Unlock()

	m.logger.Warn("hub endpoint dropped", "endpoint", url, "error", err, "class", class)
	m.publishConnectionFailure(url, class)
	m.maybeScheduleReconnect(url)
}

// pushTools sends the current aggregated tool list as a JSON-RPC
// notification to one session.
func (m *HubManager) pushTools(ctx context.Context, url string, client HubClient, tools []*upstream.Tool) error {
	entries := make([]toolListEntry, 0, len(tools))
	for _, t := range tools {
		entries = append(entries, toolListEntry{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	frame, err := json.Marshal(hubToolsNotification{
		JSONRPC: "2.0",
		Method:  "notifications/tools/list_changed",
		Params:  toolsListResult{Tools: entries},
	})
	if err != nil {
		return fmt.Errorf("hub manager: marshal tool sync: %w", err)
	}

	timeout := time.Duration(m.currentConnectionTimeoutMS()) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := client.Send(sendCtx, frame); err != nil {
		m.logger.Warn("hub tool sync failed", "endpoint", url, "error", err)
		return err
	}
	return nil
}

func (m *HubManager) currentConnectionTimeoutMS() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.options.ConnectionTimeoutMS
}

type hubToolsNotification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  toolsListResult `json:"params"`
}

// SetTools updates the aggregated tool snapshot and pushes it to every
// currently connected session, triggered when the Service Manager
// attaches or its tool set changes.
func (m *HubManager) SetTools(ctx context.Context, tools []*upstream.Tool) {
	m.mu.Lock()
	m.tools = tools
	type target struct {
		url    string
		client HubClient
	}
	targets := make([]target, 0, len(m.endpoints))
	for url, ep := range m.endpoints {
		if ep.state.State == hub.StateConnected && ep.client != nil {
			targets = append(targets, target{url: url, client: ep.client})
		}
	}
	m.mu.Unlock()

	for _, tgt := range targets {
		_ = m.pushTools(ctx, tgt.url, tgt.client, tools)
	}
}

// AddEndpoint registers and connects a new hub endpoint.
func (m *HubManager) AddEndpoint(ctx context.Context, url string, headers http.Header) error {
	m.mu.Lock()
	if _, exists := m.endpoints[url]; exists {
		m.mu.Unlock()
		return fmt.Errorf("hub manager: %w: %s", domainmcp.ErrConflict, url)
	}
	m.endpoints[url] = m.newEndpointLocked(url, headers)
	m.mu.Unlock()

	return m.connectEndpoint(ctx, url)
}

// RemoveEndpoint disconnects and forgets an endpoint.
func (m *HubManager) RemoveEndpoint(url string) error {
	m.mu.Lock()
	ep, ok := m.endpoints[url]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("hub manager: %w: %s", domainmcp.ErrServiceNotFound, url)
	}
	delete(m.endpoints, url)
	if ep.reconnectCancel != nil {
		ep.reconnectCancel()
	}
	client := ep.client
	m.mu.Unlock()

	if client != nil {
		return client.Close()
	}
	return nil
}

// UpdateEndpoints replaces the full endpoint set via ReloadConfig.
func (m *HubManager) UpdateEndpoints(ctx context.Context, urls []string) (*ReloadResult, error) {
	return m.ReloadConfig(ctx, ReloadConfig{Endpoints: &urls})
}

// UpdateOptions replaces the tunable options via ReloadConfig.
func (m *HubManager) UpdateOptions(opts HubOptions) error {
	_, err := m.ReloadConfig(context.Background(), ReloadConfig{Options: &opts})
	return err
}

// ReloadConfig implements the hot reload: validates options first
// (nothing is mutated if they are out of bounds), then computes
// added/removed/kept endpoint sets and mutates the live map
// remove-then-add, leaving keys already present undisturbed, and emits
// configChange.
func (m *HubManager) ReloadConfig(ctx context.Context, cfg ReloadConfig) (*ReloadResult, error) {
	if cfg.Options != nil {
		if err := cfg.Options.Validate(); err != nil {
			return nil, fmt.Errorf("hub manager: %w", err)
		}
	}

	result := &ReloadResult{}
	var toRemove []*hubEndpoint
	var toConnect []string

	m.mu.Lock()
	if cfg.Endpoints != nil {
		desired := make(map[string]struct{}, len(*cfg.Endpoints))
		for _, url := range *cfg.Endpoints {
			desired[url] = struct{}{}
		}
		for url, ep := range m.endpoints {
			if _, want := desired[url]; !want {
				result.Removed = append(result.Removed, url)
				toRemove = append(toRemove, ep)
				delete(m.endpoints, url)
			} else {
				result.Kept = append(result.Kept, url)
			}
		}
		for url := range desired {
			if _, exists := m.endpoints[url]; !exists {
				m.endpoints[url] = m.newEndpointLocked(url, nil)
				result.Added = append(result.Added, url)
				toConnect = append(toConnect, url)
			}
		}
	}

	if cfg.Options != nil {
		m.options = *cfg.Options
		m.policy = reconnectPolicyFromOptions(*cfg.Options)
	}
	if cfg.Tools != nil {
		m.tools = *cfg.Tools
	}
	m.mu.Unlock()

	for _, ep := range toRemove {
		if ep.reconnectCancel != nil {
			ep.reconnectCancel()
		}
		if ep.client != nil {
			_ = ep.client.Close()
		}
	}
	for _, url := range toConnect {
		url := url
		go func() {
			if err := m.connectEndpoint(ctx, url); err != nil {
				m.logger.Error("hub endpoint connect failed after reload", "endpoint", url, "error", err)
			}
		}()
	}
	if cfg.Tools != nil {
		go m.SetTools(ctx, *cfg.Tools)
	}

	if m.eventBus != nil {
		m.eventBus.Publish(EventConfigChange, map[string]any{
			"added":   result.Added,
			"removed": result.Removed,
			"kept":    result.Kept,
		})
	}
	return result, nil
}

// TriggerReconnect cancels any pending scheduled attempt and reconnects
// url immediately.
func (m *HubManager) TriggerReconnect(ctx context.Context, url string) error {
	m.mu.Lock()
	ep, ok := m.endpoints[url]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("hub manager: %w: %s", domainmcp.ErrServiceNotFound, url)
	}
	if ep.reconnectCancel != nil {
		ep.reconnectCancel()
		ep.reconnectCancel = nil
	}
	m.mu.Unlock()

	return m.connectEndpoint(ctx, url)
}

// StopReconnect cancels any pending scheduled attempt for url without
// reconnecting, leaving it disconnected until triggered again.
func (m *HubManager) StopReconnect(url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[url]
	if !ok {
		return fmt.Errorf("hub manager: %w: %s", domainmcp.ErrServiceNotFound, url)
	}
	if ep.reconnectCancel != nil {
		ep.reconnectCancel()
		ep.reconnectCancel = nil
	}
	ep.state.State = hub.StateDisconnected
	ep.state.NextReconnectAt = nil
	return nil
}

// Disconnect tears down every session and cancels pending reconnects,
// but leaves the manager's background loops running. Idempotent.
func (m *HubManager) Disconnect() error {
	type closer struct {
		client HubClient
		cancel context.CancelFunc
	}

	m.mu.Lock()
	closers := make([]closer, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		closers = append(closers, closer{client: ep.client, cancel: ep.reconnectCancel})
		ep.reconnectCancel = nil
		ep.state.State = hub.StateDisconnected
		ep.state.NextReconnectAt = nil
	}
	m.mu.Unlock()

	for _, c := range closers {
		if c.cancel != nil {
			c.cancel()
		}
		if c.client != nil {
			if err := c.client.Close(); err != nil {
				m.logger.Warn("hub endpoint close failed", "error", err)
			}
		}
	}
	return nil
}

// Close disconnects every session and stops the manager's background
// loops. Idempotent; after Close the manager cannot be reused.
func (m *HubManager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	_ = m.Disconnect()
	m.cancel()
	m.wg.Wait()
	return nil
}

// Status returns a snapshot of one endpoint's connection state.
func (m *HubManager) Status(url string) (*hub.ConnectionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.endpoints[url]
	if !ok {
		return nil, false
	}
	return copyState(ep.state), true
}

// StatusAll returns a snapshot of every endpoint's connection state.
func (m *HubManager) StatusAll() map[string]*hub.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*hub.ConnectionState, len(m.endpoints))
	for url, ep := range m.endpoints {
		out[url] = copyState(ep.state)
	}
	return out
}

func copyState(s *hub.ConnectionState) *hub.ConnectionState {
	cp := *s
	cp.ReconnectHistory = append([]hub.ReconnectAttempt(nil), s.ReconnectHistory...)
	return &cp
}

// healthCheckLoop is the single periodic health-check task (default 30s).
func (m *HubManager) healthCheckLoop() {
	defer m.wg.Done()
	for {
		interval := time.Duration(m.currentHealthCheckIntervalMS()) * time.Millisecond
		if interval <= 0 {
			interval = 30 * time.Second
		}
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(interval):
			m.runHealthChecks()
		}
	}
}

func (m *HubManager) currentHealthCheckIntervalMS() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.options.HealthCheckIntervalMS
}

func (m *HubManager) runHealthChecks() {
	type target struct {
		url    string
		client HubClient
	}

	m.mu.RLock()
	var targets []target
	for url, ep := range m.endpoints {
		if ep.healthCheckEnabled && ep.state.State == hub.StateConnected && ep.client != nil {
			targets = append(targets, target{url: url, client: ep.client})
		}
	}
	timeoutMS := m.options.ConnectionTimeoutMS
	m.mu.RUnlock()

	timeout := time.Duration(timeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	for _, tgt := range targets {
		probeCtx, cancel := context.WithTimeout(m.ctx, timeout)
		latency, err := m.probe(probeCtx, tgt.client)
		cancel()

		m.mu.Lock()
		ep, ok := m.endpoints[tgt.url]
		if !ok {
			m.mu.Unlock()
			continue
		}
		if err != nil {
			class := hub.ClassifyError(err.Error())
			ep.state.LastError = err.Error()
			ep.state.RecordFailure(class)
			failures := ep.state.ConsecutiveFailures
			client := ep.client
			m.mu.Unlock()

			m.publishConnectionFailure(tgt.url, class)
			if failures >= 3 {
				m.mu.Lock()
				if ep2, ok := m.endpoints[tgt.url]; ok {
					ep2.state.State = hub.StateDisconnected
				}
				m.mu.Unlock()
				_ = client.Close()
				m.maybeScheduleReconnect(tgt.url)
			}
			continue
		}
		ep.state.RecordSuccess(latency)
		m.mu.Unlock()
	}
}

// probe sends a cheap frame to an already-connected session and times
// the round trip. Failure is any send error.
func (m *HubManager) probe(ctx context.Context, client HubClient) (time.Duration, error) {
	if !client.IsConnected() {
		return 0, fmt.Errorf("hub probe: %w", domainmcp.ErrNotConnected)
	}
	start := time.Now()
	err := client.Send(ctx, hubHealthProbeFrame)
	return time.Since(start), err
}

// idleCleanupLoop sweeps the connection pool every
// connection_idle_timeout_ms, closing sessions that have had no
// successful probe within the idle window to free resources.
func (m *HubManager) idleCleanupLoop() {
	defer m.wg.Done()
	for {
		interval := time.Duration(m.currentIdleTimeoutMS()) * time.Millisecond
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(interval):
			m.sweepIdle(interval)
		}
	}
}

func (m *HubManager) currentIdleTimeoutMS() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.options.ConnectionIdleTimeoutMS
}

func (m *HubManager) sweepIdle(idle time.Duration) {
	type target struct {
		url    string
		client HubClient
	}

	now := time.Now()
	m.mu.Lock()
	var targets []target
	for url, ep := range m.endpoints {
		if ep.state.State == hub.StateConnected && ep.state.LastSuccessAt != nil && now.Sub(*ep.state.LastSuccessAt) > idle {
			targets = append(targets, target{url: url, client: ep.client})
			ep.state.State = hub.StateDisconnected
		}
	}
	m.mu.Unlock()

	for _, tgt := range targets {
		m.logger.Info("hub endpoint idle, closing session", "endpoint", tgt.url)
		if tgt.client != nil {
			_ = tgt.client.Close()
		}
	}
}

// memoryOptimizeLoop is the fixed 5-minute resource-hygiene pass:
// prunes history arrays for endpoints that have given up reconnecting,
// and suggests a collection via the optional GC hook.
func (m *HubManager) memoryOptimizeLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(memoryOptimizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.optimizeMemory()
		}
	}
}

func (m *HubManager) optimizeMemory() {
	m.mu.Lock()
	for url, ep := range m.endpoints {
		if ep.state.State == hub.StateFailed && len(ep.state.ReconnectHistory) > 0 {
			ep.state.ReconnectHistory = nil
			m.logger.Debug("hub endpoint history pruned", "endpoint", url)
		}
	}
	m.mu.Unlock()

	if m.gcHook != nil {
		m.gcHook()
	}
}

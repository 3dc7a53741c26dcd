package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
)

// Store realizes the Config collaborator: a mutex-guarded, persisted
// GatewayConfig exposing the read/write accessor set the core components
// (Service Manager, Hub Connection Manager, Message Handler) depend on,
// plus the mutating operations the out-of-scope admin UI surface uses
// (addCustomMCPTool, setToolEnabled, ...).
//
// Grounded on internal/adapter/outbound/state.FileStateStore: an
// in-process mutex around read-modify-write, atomic temp-file+rename
// persistence. Simplified by dropping the cross-process flock and
// backup-copy steps — xiaozhi-gateway runs a single process per config
// file, unlike an admin UI + proxy server pair that both touch state.json
// concurrently.
type Store struct {
	mu   sync.RWMutex
	cfg  *GatewayConfig
	path string
}

// NewStore wraps an already-loaded GatewayConfig for collaborator access.
// path is the config file to persist mutations back to; an empty path
// makes mutating methods return without writing to disk (useful in
// tests).
func NewStore(cfg *GatewayConfig, path string) *Store {
	return &Store{cfg: cfg, path: path}
}

// GetMcpServers returns the configured upstream services, keyed by name.
func (s *Store) GetMcpServers() map[string]upstream.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]upstream.Config, len(s.cfg.McpServers))
	for k, v := range s.cfg.McpServers {
		out[k] = v
	}
	return out
}

// GetMcpEndpoints returns the configured hub WebSocket endpoint URLs.
func (s *Store) GetMcpEndpoints() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.cfg.McpEndpoints...)
}

// GetCustomMCPTools returns the user-defined customMCP tool definitions.
func (s *Store) GetCustomMCPTools() []CustomMCPTool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]CustomMCPTool(nil), s.cfg.CustomMCPTools...)
}

// GetServerToolsConfig returns the per-tool overrides configured for
// service, keyed by the tool's original (non-namespaced) name.
func (s *Store) GetServerToolsConfig(service string) map[string]ToolOverride {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]ToolOverride, len(s.cfg.ServerTools[service]))
	for k, v := range s.cfg.ServerTools[service] {
		out[k] = v
	}
	return out
}

// UpdateServerToolsConfig replaces the tool overrides for service and
// persists the change.
func (s *Store) UpdateServerToolsConfig(service string, overrides map[string]ToolOverride) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.ServerTools == nil {
		s.cfg.ServerTools = map[string]map[string]ToolOverride{}
	}
	s.cfg.ServerTools[service] = overrides
	return s.persistLocked()
}

// IsToolEnabled reports whether tool (original name) is enabled for
// service. A tool with no override is enabled by default.
func (s *Store) IsToolEnabled(service, tool string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	overrides, ok := s.cfg.ServerTools[service]
	if !ok {
		return true
	}
	ov, ok := overrides[tool]
	if !ok {
		return true
	}
	return ov.Enabled
}

// SetToolEnabled sets the enable flag (and optional description override)
// for tool under service, and persists the change.
func (s *Store) SetToolEnabled(service, tool string, enabled bool, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.ServerTools == nil {
		s.cfg.ServerTools = map[string]map[string]ToolOverride{}
	}
	if s.cfg.ServerTools[service] == nil {
		s.cfg.ServerTools[service] = map[string]ToolOverride{}
	}
	ov := s.cfg.ServerTools[service][tool]
	ov.Enabled = enabled
	if description != "" {
		ov.Description = description
	}
	s.cfg.ServerTools[service][tool] = ov
	return s.persistLocked()
}

// AddCustomMCPTool appends a user-defined tool to the customMCP
// namespace. Returns an error if a tool with the same name already
// exists.
func (s *Store) AddCustomMCPTool(tool CustomMCPTool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.cfg.CustomMCPTools {
		if t.Name == tool.Name {
			return fmt.Errorf("config: custom tool %q already exists", tool.Name)
		}
	}
	s.cfg.CustomMCPTools = append(s.cfg.CustomMCPTools, tool)
	return s.persistLocked()
}

// RemoveCustomMCPTool removes a user-defined tool by name. Returns an
// error if no tool with that name exists.
func (s *Store) RemoveCustomMCPTool(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.cfg.CustomMCPTools {
		if t.Name == name {
			s.cfg.CustomMCPTools = append(s.cfg.CustomMCPTools[:i], s.cfg.CustomMCPTools[i+1:]...)
			return s.persistLocked()
		}
	}
	return fmt.Errorf("config: custom tool %q not found", name)
}

// UpdateCustomMCPTool replaces the definition of an existing customMCP
// tool by name. Returns an error if no tool with that name exists.
func (s *Store) UpdateCustomMCPTool(name string, updated CustomMCPTool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.cfg.CustomMCPTools {
		if t.Name == name {
			updated.Name = name
			s.cfg.CustomMCPTools[i] = updated
			return s.persistLocked()
		}
	}
	return fmt.Errorf("config: custom tool %q not found", name)
}

// GetConfigPath returns the path of the config file this Store persists
// to, or "" if the store is not backed by a file.
func (s *Store) GetConfigPath() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

// ConfigExists reports whether the backing config file exists on disk.
func (s *Store) ConfigExists() bool {
	s.mu.RLock()
	path := s.path
	s.mu.RUnlock()
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// HubOptions returns a snapshot of the Hub section as stored; the start
// command's hubOptionsFromConfig translates it into service.HubOptions.
func (s *Store) HubOptions() HubConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Hub
}

// persistLocked writes the current config to disk as YAML via
// temp-file-then-rename, giving the config file the same atomicity
// guarantee the cache file requires. Caller must hold s.mu for writing.
// No-op if the store has no backing path (e.g. tests).
func (s *Store) persistLocked() error {
	if s.path == "" {
		return nil
	}

	data, err := yaml.Marshal(s.cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".xiaozhi-gateway-*.yaml.tmp")
	if err != nil {
		return fmt.Errorf("config: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("config: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("config: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("config: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		return fmt.Errorf("config: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("config: rename temp file: %w", err)
	}
	return nil
}

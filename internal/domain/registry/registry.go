// Package registry implements the Tool Registry: an aggregate mapping
// from public tool name to Tool Descriptor across all connected upstream
// services, with enable flags, usage counters, and sorted/filtered
// listing.
//
// Grounded on internal/domain/upstream/tool_cache.go's two-index
// (name -> tool, upstream -> tools) structure and RWMutex locking style.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
)

const (
	// MaxToolsPerService caps how many tools a single service's listing can
	// contribute; a malicious or buggy upstream advertising an unbounded
	// tool count cannot grow the registry without limit.
	MaxToolsPerService = 1000

	// MaxTotalTools caps the registry's aggregate size across every
	// service.
	MaxTotalTools = 10000
)

// Filter selects which tools Listing returns.
type Filter string

const (
	FilterAll      Filter = "all"
	FilterEnabled  Filter = "enabled"
	FilterDisabled Filter = "disabled"
)

// SortField selects the listing sort order.
type SortField string

const (
	SortByName          SortField = "name"
	SortByEnabled       SortField = "enabled"
	SortByUsageCount    SortField = "usageCount"
	SortByLastUsedTime  SortField = "lastUsedTime"
)

// Registry is the Tool Registry.
//
// Invariant: tool names in the registry are unique; on a collision the
// later-registered service overwrites, with a warning. This diverges from
// ToolCache's SetToolsForUpstream, which only evicted entries it owned and
// otherwise left the first registrant's tool in place — see DESIGN.md.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]*upstream.Tool
	byOwner map[string][]string // serviceName -> public names it currently owns
	logger  *slog.Logger
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:   make(map[string]*upstream.Tool),
		byOwner: make(map[string][]string),
		logger:  logger,
	}
}

// SetServiceTools replaces all tools owned by serviceName. Called on
// service connect (with the freshly listed tools) and disconnect (with an
// empty slice).
func (r *Registry) SetServiceTools(serviceName string, tools []*upstream.Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(tools) > MaxToolsPerService {
		r.logger.Warn("service advertised more tools than the per-service cap, truncating",
			"service", serviceName, "advertised", len(tools), "cap", MaxToolsPerService)
		tools = tools[:MaxToolsPerService]
	}

	// Remove this service's previous entries first.
	for _, name := range r.byOwner[serviceName] {
		if t, ok := r.tools[name]; ok && t.ServiceName == serviceName {
			delete(r.tools, name)
		}
	}

	owned := make([]string, 0, len(tools))
	for _, t := range tools {
		if len(r.tools) >= MaxTotalTools {
			r.logger.Warn("registry at total tool cap, dropping remaining tools",
				"service", serviceName, "cap", MaxTotalTools)
			break
		}
		if existing, ok := r.tools[t.Name]; ok && existing.ServiceName != serviceName {
			r.logger.Warn("tool name collision, later registration overwrites",
				"tool", t.Name, "previous_owner", existing.ServiceName, "new_owner", serviceName)
		}
		r.tools[t.Name] = t
		owned = append(owned, t.Name)
	}
	r.byOwner[serviceName] = owned
}

// RemoveService removes all tools owned by serviceName.
func (r *Registry) RemoveService(serviceName string) {
	r.SetServiceTools(serviceName, nil)
}

// Get looks up a tool by its public name.
func (r *Registry) Get(name string) (*upstream.Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// SetEnabled sets the enable flag for a tool. Returns false if the tool is
// unknown.
func (r *Registry) SetEnabled(name string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	if !ok {
		return false
	}
	t.Enabled = enabled
	return true
}

// RecordUsage increments the usage counter and timestamp for a tool.
func (r *Registry) RecordUsage(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tools[name]; ok {
		t.UsageCount++
		now := time.Now()
		t.LastUsedAt = &now
	}
}

// List returns tools matching filter, sorted by sortField. An unknown
// sortField is a validation error surfaced by the caller.
func (r *Registry) List(filter Filter, sortField SortField) ([]*upstream.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*upstream.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		switch filter {
		case "", FilterAll:
		case FilterEnabled:
			if !t.Enabled {
				continue
			}
		case FilterDisabled:
			if t.Enabled {
				continue
			}
		default:
			return nil, fmt.Errorf("%w: unknown filter %q", errInvalidListParam, filter)
		}
		cp := *t
		out = append(out, &cp)
	}

	less, err := sortLess(out, sortField)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, less)
	return out, nil
}

func sortLess(tools []*upstream.Tool, field SortField) (func(i, j int) bool, error) {
	switch field {
	case "", SortByName:
		return func(i, j int) bool { return tools[i].Name < tools[j].Name }, nil
	case SortByEnabled:
		return func(i, j int) bool { return !tools[i].Enabled && tools[j].Enabled }, nil
	case SortByUsageCount:
		return func(i, j int) bool { return tools[i].UsageCount > tools[j].UsageCount }, nil
	case SortByLastUsedTime:
		return func(i, j int) bool {
			a, b := tools[i].LastUsedAt, tools[j].LastUsedAt
			if a == nil {
				return false
			}
			if b == nil {
				return true
			}
			return a.After(*b)
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown sort field %q", errInvalidListParam, field)
	}
}

// Count returns the total number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Package cache provides file-based persistence for the gateway's tool
// cache and result cache, sharing one document on disk.
//
// Grounded on internal/adapter/outbound/state package: atomic writes,
// file locking, and backup functionality reused wholesale; the document
// shape is new (AppState there is a config snapshot with no TTL concept,
// while this document holds two independently-TTLed maps).
package cache

import "time"

// documentVersion is the current cache file schema version. Readers
// that find a mismatched top-level version reinitialize rather than
// error.
const documentVersion = "1.0.0"

// Document is the top-level structure persisted to xiaozhi.cache.json.
type Document struct {
	Version          string                  `json:"version"`
	MCPServers       map[string]ToolEntry    `json:"mcp_servers"`
	Metadata         Metadata                `json:"metadata"`
	CustomMCPResults map[string]ResultRecord `json:"customMCPResults"`
}

// Metadata tracks cross-cutting counters for the whole cache document.
type Metadata struct {
	TotalWrites      int       `json:"total_writes"`
	LastGlobalUpdate time.Time `json:"last_global_update"`
}

// ToolEntry is one service's cached tool set, keyed by service name in
// Document.MCPServers.
type ToolEntry struct {
	ServiceName string          `json:"service_name"`
	Tools       []CachedTool    `json:"tools"`
	ConfigHash  string          `json:"config_hash"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// CachedTool is the subset of upstream.Tool that round-trips through the
// cache: name, description, and input schema. Usage counters and
// enable flags live in the in-memory Tool Registry, not the cache.
type CachedTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema []byte          `json:"input_schema,omitempty"`
}

// ResultRecord is the on-disk form of a result-cache entry.
type ResultRecord struct {
	Result    []byte    `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	TTLMS     int64     `json:"ttl_ms"`
	Status    string    `json:"status"`
	Consumed  bool      `json:"consumed"`
	TaskID    string    `json:"task_id,omitempty"`
	RetryCount int      `json:"retry_count"`
}

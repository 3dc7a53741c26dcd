package outbound

import (
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/resultcache"
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
)

// ToolCacheStore is the outbound port for the on-disk tool catalog cache.
type ToolCacheStore interface {
	// WriteEntry updates the service's cache entry and flushes to disk.
	WriteEntry(service string, tools []*upstream.Tool, configHash string) error

	// AllCachedTools returns a flattened list with names already
	// namespaced to service__tool.
	AllCachedTools() ([]*upstream.Tool, error)
}

// ResultCacheStore is the outbound port for the result cache.
type ResultCacheStore interface {
	Write(key string, entry *resultcache.Entry) error
	Read(key string) (*resultcache.Entry, error)
	UpdateStatus(key string, status resultcache.Status) error
	MarkConsumed(key string) error

	// Sweep removes entries for which ShouldCleanup is true, returning the
	// count removed.
	Sweep() (int, error)
}

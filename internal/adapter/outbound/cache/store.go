package cache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/resultcache"
	"github.com/shenjingnan/xiaozhi-gateway/internal/domain/upstream"
	"github.com/shenjingnan/xiaozhi-gateway/internal/port/outbound"
)

// FileStore manages reading and writing xiaozhi.cache.json: the tool
// cache and result cache, sharing one file.
//
// Grounded on FileStateStore (same package shape, same write sequence):
// in-process mutex + cross-process flock double locking, a ".bak" backup
// before overwrite, write-tmp-fsync-rename for atomicity. The per-cache
// read/write/sweep operations are new — the source state store has no
// TTL or sweep concept at all.
type FileStore struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// NewFileStore creates a FileStore for the given file path.
func NewFileStore(path string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{path: path, logger: logger}
}

// load reads and parses the cache file. If the file does not exist, or
// its top-level version does not match, it returns a fresh document:
// readers that find a mismatched top-level version reinitialize rather
// than error.
func (s *FileStore) load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.defaultDocument(), nil
		}
		return nil, fmt.Errorf("read cache file: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse cache file: %w", err)
	}
	if doc.Version != documentVersion {
		s.logger.Warn("cache file version mismatch, reinitializing",
			"path", s.path, "found", doc.Version, "want", documentVersion)
		return s.defaultDocument(), nil
	}
	if doc.MCPServers == nil {
		doc.MCPServers = make(map[string]ToolEntry)
	}
	if doc.CustomMCPResults == nil {
		doc.CustomMCPResults = make(map[string]ResultRecord)
	}
	return &doc, nil
}

func (s *FileStore) defaultDocument() *Document {
	return &Document{
		Version:          documentVersion,
		MCPServers:       make(map[string]ToolEntry),
		CustomMCPResults: make(map[string]ResultRecord),
	}
}

// save writes doc to disk atomically: lock -> backup -> tmp -> fsync ->
// rename -> unlock. Mirrors FileStateStore.Save exactly.
func (s *FileStore) save(doc *Document) error {
	doc.Metadata.LastGlobalUpdate = time.Now().UTC()

	lockPath := s.path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer func() { _ = lockFile.Close() }()

	if err := flockLock(lockFile.Fd()); err != nil {
		return fmt.Errorf("acquire file lock: %w", err)
	}
	defer flockUnlock(lockFile.Fd()) //nolint:errcheck

	if currentData, readErr := os.ReadFile(s.path); readErr == nil {
		bakPath := s.path + ".bak"
		if writeErr := os.WriteFile(bakPath, currentData, 0600); writeErr != nil {
			s.logger.Warn("failed to create cache backup", "error", writeErr)
		}
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache: %w", err)
	}
	data = append(data, '\n')

	if err := s.writeAtomic(data); err != nil {
		return err
	}

	s.logger.Debug("cache saved", "path", s.path)
	return nil
}

func (s *FileStore) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(tmpPath)
	}

	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temp to cache: %w", err)
	}
	return nil
}

// WriteEntry updates a service's tool cache entry and flushes to disk.
func (s *FileStore) WriteEntry(service string, tools []*upstream.Tool, configHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}

	cached := make([]CachedTool, 0, len(tools))
	for _, t := range tools {
		cached = append(cached, CachedTool{
			Name:        t.OriginalName,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	doc.MCPServers[service] = ToolEntry{
		ServiceName: service,
		Tools:       cached,
		ConfigHash:  configHash,
		UpdatedAt:   time.Now().UTC(),
	}
	doc.Metadata.TotalWrites++

	return s.save(doc)
}

// AllCachedTools returns a flattened list across every cached service,
// names already re-namespaced to service__tool.
func (s *FileStore) AllCachedTools() ([]*upstream.Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}

	var tools []*upstream.Tool
	for service, entry := range doc.MCPServers {
		for _, t := range entry.Tools {
			tools = append(tools, &upstream.Tool{
				Name:         upstream.PublicName(service, t.Name),
				OriginalName: t.Name,
				Description:  t.Description,
				InputSchema:  t.InputSchema,
				ServiceName:  service,
				Enabled:      true,
			})
		}
	}
	return tools, nil
}

// Write creates or replaces a result-cache entry and flushes to disk.
func (s *FileStore) Write(key string, entry *resultcache.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	doc.CustomMCPResults[key] = toRecord(entry)
	return s.save(doc)
}

// Read returns the entry for key, or nil if absent or expired: the
// caller treats absent and expired identically, both as a cache miss.
func (s *FileStore) Read(key string) (*resultcache.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	record, ok := doc.CustomMCPResults[key]
	if !ok {
		return nil, nil
	}
	entry := fromRecord(record)
	if entry.IsExpired(time.Now()) {
		return nil, nil
	}
	return entry, nil
}

// UpdateStatus mutates an entry's status in place; transitioning to
// failed additionally sets consumed=true.
func (s *FileStore) UpdateStatus(key string, status resultcache.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	record, ok := doc.CustomMCPResults[key]
	if !ok {
		return fmt.Errorf("result cache: key %q not found", key)
	}
	entry := fromRecord(record)
	entry.UpdateStatus(status)
	doc.CustomMCPResults[key] = toRecord(entry)
	return s.save(doc)
}

// MarkConsumed flips the consumed bit for key.
func (s *FileStore) MarkConsumed(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	record, ok := doc.CustomMCPResults[key]
	if !ok {
		return fmt.Errorf("result cache: key %q not found", key)
	}
	entry := fromRecord(record)
	entry.MarkConsumed()
	doc.CustomMCPResults[key] = toRecord(entry)
	return s.save(doc)
}

// Sweep removes entries for which ShouldCleanup is true, flushing once
// for the whole batch, and returns the count removed.
func (s *FileStore) Sweep() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	removed := 0
	for key, record := range doc.CustomMCPResults {
		entry := fromRecord(record)
		if entry.ShouldCleanup(now) {
			delete(doc.CustomMCPResults, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, s.save(doc)
}

func toRecord(e *resultcache.Entry) ResultRecord {
	return ResultRecord{
		Result:     e.Result,
		CreatedAt:  e.CreatedAt,
		TTLMS:      e.TTLMS,
		Status:     string(e.Status),
		Consumed:   e.Consumed,
		TaskID:     e.TaskID,
		RetryCount: e.RetryCount,
	}
}

func fromRecord(r ResultRecord) *resultcache.Entry {
	return &resultcache.Entry{
		Result:     r.Result,
		CreatedAt:  r.CreatedAt,
		TTLMS:      r.TTLMS,
		Status:     resultcache.Status(r.Status),
		Consumed:   r.Consumed,
		TaskID:     r.TaskID,
		RetryCount: r.RetryCount,
	}
}

var (
	_ outbound.ToolCacheStore   = (*FileStore)(nil)
	_ outbound.ResultCacheStore = (*FileStore)(nil)
)

// Package resultcache implements the Result-Cache Entry domain model:
// long-running tool invocation results keyed by a hash of the tool name
// and canonical arguments, with TTL-based expiry and a sweep predicate.
package resultcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"
)

// Status is the lifecycle status of a Result-Cache Entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// DefaultTTLMS is the default entry TTL.
const DefaultTTLMS = 300_000

// Entry is the Result-Cache Entry.
type Entry struct {
	Result     json.RawMessage `json:"result,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	TTLMS      int64           `json:"ttl_ms"`
	Status     Status          `json:"status"`
	Consumed   bool            `json:"consumed"`
	TaskID     string          `json:"task_id,omitempty"`
	RetryCount int             `json:"retry_count"`
}

// Key computes hash(tool_name || canonical_json(arguments)).
// canonical_json is produced by marshaling a key-sorted copy of the
// arguments map so that the hash is independent of field order.
func Key(toolName string, arguments map[string]any) (string, error) {
	canon, err := canonicalJSON(arguments)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(append([]byte(toolName), canon...))
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON renders a map as JSON with keys in sorted order.
func canonicalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 256)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(m[k])
		if err != nil {
			return nil, err
		}
		ordered = append(ordered, kb...)
		ordered = append(ordered, ':')
		ordered = append(ordered, vb...)
	}
	ordered = append(ordered, '}')
	return ordered, nil
}

// NewPending creates a pending entry with the default TTL.
func NewPending(taskID string) *Entry {
	return &Entry{
		CreatedAt: time.Now(),
		TTLMS:     DefaultTTLMS,
		Status:    StatusPending,
		TaskID:    taskID,
	}
}

// IsExpired reports whether the entry's TTL has elapsed as of now.
func (e *Entry) IsExpired(now time.Time) bool {
	return now.Sub(e.CreatedAt) > time.Duration(e.TTLMS)*time.Millisecond
}

// UpdateStatus mutates status in place. Transitioning to failed also sets
// Consumed=true.
func (e *Entry) UpdateStatus(status Status) {
	e.Status = status
	if status == StatusFailed {
		e.Consumed = true
	}
}

// MarkConsumed flips the consumed bit.
func (e *Entry) MarkConsumed() {
	e.Consumed = true
}

// ShouldCleanup is the sweeper predicate:
// expired OR (consumed AND completed) OR status=failed.
func (e *Entry) ShouldCleanup(now time.Time) bool {
	if e.IsExpired(now) {
		return true
	}
	if e.Consumed && e.Status == StatusCompleted {
		return true
	}
	if e.Status == StatusFailed {
		return true
	}
	return false
}

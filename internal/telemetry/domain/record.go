// Package domain defines the telemetry record shapes shared by the pipeline:
// log records, metric records, and the persisted user-log row.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of a log record.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Entry is any item the circular log store and durable transport accept.
type Entry interface {
	// EntryTime is the creation timestamp, used for chronological ordering.
	EntryTime() time.Time
}

// Record is a single log record. Immutable once constructed; Context has
// already been sanitized and copied, callers must not mutate it.
type Record struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  string         `json:"category"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
}

func (r *Record) EntryTime() time.Time { return r.Timestamp }

// Metric is a single numeric measurement. Not subject to dedup.
type Metric struct {
	Name      string         `json:"name"`
	Value     float64        `json:"value"`
	Timestamp time.Time      `json:"timestamp"`
	Context   map[string]any `json:"context,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
}

func (m *Metric) EntryTime() time.Time { return m.Timestamp }

// UserLog is the persisted form of a Record that carries a user identity.
type UserLog struct {
	ID        int64
	UserID    string
	DeviceID  *string // nil if not set
	TraceID   *string
	Level     string
	Category  string
	Message   string
	Context   []byte // JSONB
	CreatedAt time.Time
}

// NewRecord builds an immutable Record with a fresh id and the given
// timestamp. The context map is copied and sanitized so later mutation by
// the caller cannot leak into the record.
func NewRecord(ts time.Time, level Level, category, message string, ctx map[string]any) *Record {
	return &Record{
		ID:        uuid.NewString(),
		Timestamp: ts,
		Level:     level,
		Category:  category,
		Message:   message,
		Context:   SanitizeContext(ctx),
	}
}

// sensitiveKeyParts are substrings that mark a context key as credential-like.
var sensitiveKeyParts = []string{
	"password", "secret", "token", "apikey", "api_key",
	"authorization", "credential", "cookie", "bearer",
}

const redactedValue = "[redacted]"

// SanitizeContext returns a copy of ctx with credential-like keys redacted.
// Returns nil for a nil or empty map.
func SanitizeContext(ctx map[string]any) map[string]any {
	if len(ctx) == 0 {
		return nil
	}
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		if isSensitiveKey(k) {
			out[k] = redactedValue
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

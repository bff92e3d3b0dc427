package telemetry

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"officemate/backend/internal/telemetry/domain"
)

const (
	defaultDedupWindow  = 30 * time.Second
	defaultDedupMaxSize = 10000

	// dedupSweepEvery bounds per-call cost: expired entries are collected
	// in batches instead of on every lookup.
	dedupSweepEvery = 256

	// dedupMessagePrefix is how much of the message participates in the
	// content key; volatile suffixes (ids, payload dumps) are cut off.
	dedupMessagePrefix = 200
)

// keyContextFields are the whitelisted context fields that participate in
// the default content key. Everything else is considered volatile.
var keyContextFields = []string{"code", "endpoint", "operation", "status"}

// KeyFunc extracts the dedup content key for a record. Category-specific
// extractors can discard volatile parts of the message (resource ids,
// timestamps) so repeated failures of the same kind collapse to one key.
type KeyFunc func(rec *domain.Record) string

// DedupFilter drops records that are near-duplicates of one recently seen.
// The store is hash-keyed and size-capped; eviction is amortized.
type DedupFilter struct {
	mu              sync.Mutex
	entries         map[uint64]time.Time
	defaultWindow   time.Duration
	categoryWindows map[string]time.Duration
	keyFuncs        map[string]KeyFunc
	maxEntries      int
	ops             int
	now             func() time.Time
}

// NewDedupFilter creates a filter with the given default window, optional
// per-category window overrides, and entry cap. Non-positive arguments fall
// back to the defaults (30s, 10000).
func NewDedupFilter(defaultWindow time.Duration, categoryWindows map[string]time.Duration, maxEntries int) *DedupFilter {
	if defaultWindow <= 0 {
		defaultWindow = defaultDedupWindow
	}
	if maxEntries <= 0 {
		maxEntries = defaultDedupMaxSize
	}
	windows := make(map[string]time.Duration, len(categoryWindows))
	for category, w := range categoryWindows {
		if w > 0 {
			windows[category] = w
		}
	}
	return &DedupFilter{
		entries:         make(map[uint64]time.Time),
		defaultWindow:   defaultWindow,
		categoryWindows: windows,
		keyFuncs:        make(map[string]KeyFunc),
		maxEntries:      maxEntries,
		now:             time.Now,
	}
}

// RegisterKeyFunc installs a category-specific content-key extractor,
// replacing the default key for that category.
func (f *DedupFilter) RegisterKeyFunc(category string, fn KeyFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fn != nil {
		f.keyFuncs[category] = fn
	}
}

// IsDuplicate reports whether an equivalent record was seen within the
// applicable window. When it was not, the record's key is recorded with the
// current timestamp; duplicates do not refresh the timestamp, so an
// identical record is stored again once the window has elapsed since the
// last accepted one.
func (f *DedupFilter) IsDuplicate(rec *domain.Record) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	f.ops++
	if f.ops%dedupSweepEvery == 0 {
		f.sweepLocked(now)
	}

	hash := xxhash.Sum64String(f.keyFor(rec))
	window := f.windowFor(rec)
	if last, ok := f.entries[hash]; ok && now.Sub(last) < window {
		return true
	}
	f.entries[hash] = now
	if len(f.entries) > f.maxEntries {
		f.trimLocked()
	}
	return false
}

// Sweep removes entries older than the longest applicable window. Called
// from the pipeline's periodic sweep in addition to the amortized in-line
// cleanup.
func (f *DedupFilter) Sweep() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweepLocked(f.now())
}

// Size returns the current entry count.
func (f *DedupFilter) Size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *DedupFilter) keyFor(rec *domain.Record) string {
	if fn, ok := f.keyFuncs[rec.Category]; ok {
		return fn(rec)
	}
	return DefaultKey(rec)
}

// windowFor picks the category override when present, otherwise the
// default. Error and warning records get double the base window since a
// repeat carries less information than a repeated info/debug line.
func (f *DedupFilter) windowFor(rec *domain.Record) time.Duration {
	w, ok := f.categoryWindows[rec.Category]
	if !ok {
		w = f.defaultWindow
	}
	if rec.Level == domain.LevelError || rec.Level == domain.LevelWarn {
		w *= 2
	}
	return w
}

func (f *DedupFilter) sweepLocked(now time.Time) {
	maxWindow := f.defaultWindow
	for _, w := range f.categoryWindows {
		if w > maxWindow {
			maxWindow = w
		}
	}
	// Double is the largest severity adjustment windowFor applies.
	maxWindow *= 2
	for hash, last := range f.entries {
		if now.Sub(last) >= maxWindow {
			delete(f.entries, hash)
		}
	}
}

// trimLocked keeps only the most-recently-seen third of entries when the
// cap is exceeded.
func (f *DedupFilter) trimLocked() {
	type entry struct {
		hash uint64
		last time.Time
	}
	all := make([]entry, 0, len(f.entries))
	for hash, last := range f.entries {
		all = append(all, entry{hash, last})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].last.After(all[j].last) })

	keep := len(all) / 3
	if keep < 1 {
		keep = 1
	}
	kept := make(map[uint64]time.Time, keep)
	for _, e := range all[:keep] {
		kept[e.hash] = e.last
	}
	f.entries = kept
}

// DefaultKey builds the content key from category, level, a truncated
// message, and the whitelisted context fields.
func DefaultKey(rec *domain.Record) string {
	var b strings.Builder
	b.WriteString(rec.Category)
	b.WriteByte('|')
	b.WriteString(string(rec.Level))
	b.WriteByte('|')
	msg := rec.Message
	if len(msg) > dedupMessagePrefix {
		msg = msg[:dedupMessagePrefix]
	}
	b.WriteString(msg)
	for _, field := range keyContextFields {
		if v, ok := rec.Context[field]; ok {
			fmt.Fprintf(&b, "|%s=%v", field, v)
		}
	}
	return b.String()
}

var (
	httpStatusRe = regexp.MustCompile(`\b([1-5]\d{2})\b`)
	hexIDRe      = regexp.MustCompile(`\b[0-9a-fA-F-]{16,}\b`)
)

// CloudAPIKey collapses cloud-API failures by failure kind and HTTP status,
// discarding volatile resource identifiers: fifty 404s for fifty different
// resources hash to one key. Register it for categories that wrap a REST
// API (e.g. "graph").
func CloudAPIKey(rec *domain.Record) string {
	var b strings.Builder
	b.WriteString(rec.Category)
	b.WriteByte('|')
	b.WriteString(string(rec.Level))
	b.WriteByte('|')

	// Failure kind: the message prefix up to the first colon.
	kind := rec.Message
	if i := strings.IndexByte(kind, ':'); i >= 0 {
		kind = kind[:i]
	}
	b.WriteString(strings.TrimSpace(kind))

	if m := httpStatusRe.FindString(rec.Message); m != "" {
		b.WriteByte('|')
		b.WriteString(m)
	} else {
		// No status: fall back to the message with long ids stripped.
		b.WriteByte('|')
		b.WriteString(hexIDRe.ReplaceAllString(rec.Message, "*"))
	}
	if v, ok := rec.Context["status"]; ok {
		fmt.Fprintf(&b, "|status=%v", v)
	}
	return b.String()
}

// Package profiler collects per-category timings of database and network calls.
package profiler

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Categories used by the database layer.
const (
	Database      = "database"
	DatabaseWrite = "database_write"
	Network       = "network"
)

// Entry is the accumulated timing of one category.
type Entry struct {
	Category string
	Calls    int
	Duration time.Duration
}

// Profiler accumulates timings. The zero value is disabled.
type Profiler struct {
	enabled bool
	entries map[string]*Entry
	mu      sync.Mutex
	now     func() time.Time
}

// New creates a profiler.
func New(enabled bool) *Profiler {
	return &Profiler{
		enabled: enabled,
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// Enabled reports whether timings are recorded.
func (p *Profiler) Enabled() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enabled
}

// SetEnabled toggles recording.
func (p *Profiler) SetEnabled(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enabled = enabled
}

// SaveTimestamp records the time elapsed since start for a category.
// It is safe to call on a nil profiler.
func (p *Profiler) SaveTimestamp(start time.Time, category string) {
	if p == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.enabled {
		return
	}

	e, ok := p.entries[category]
	if !ok {
		e = &Entry{Category: category}
		p.entries[category] = e
	}
	e.Calls++
	e.Duration += p.now().Sub(start)
}

// Get returns the accumulated entry of a category.
func (p *Profiler) Get(category string) Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.entries[category]; ok {
		return *e
	}
	return Entry{Category: category}
}

// Reset drops all recorded timings.
func (p *Profiler) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*Entry)
}

// Entries returns all entries sorted by category.
func (p *Profiler) Entries() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

// Summary renders a one-line summary like "database: 0.012s (3), network: 1.2s (1)".
func (p *Profiler) Summary() string {
	var parts []string
	for _, e := range p.Entries() {
		parts = append(parts, fmt.Sprintf("%s: %.3fs (%d)", e.Category, e.Duration.Seconds(), e.Calls))
	}
	return strings.Join(parts, ", ")
}

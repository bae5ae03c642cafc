package statbuf

import (
	"sort"
	"strings"
	"sync"
)

// ledgerEntry holds the aggregated state for one metric identity.
// Kind and tags are fixed at first insert; only value changes afterwards.
type ledgerEntry struct {
	name  string
	kind  MetricKind
	value float64
	tags  map[string]string
}

// flushItem is a point-in-time copy of a ledger entry handed to the
// flush cycle. Mutating it does not affect the ledger.
type flushItem struct {
	key   string
	name  string
	kind  MetricKind
	value float64
	tags  map[string]string
}

// ledger is the in-memory store of per-identity aggregated metric state.
// All access goes through the mutex; merge and drain never interleave.
type ledger struct {
	mutex   sync.Mutex
	entries map[string]*ledgerEntry
}

func newLedger() *ledger {
	return &ledger{
		entries: make(map[string]*ledgerEntry),
	}
}

// identityKey derives the canonical identity for a (name, tags) pair.
// Tags are encoded sorted by key, so map iteration order never affects
// which entry an update lands in.
func identityKey(name string, tags map[string]string) string {
	if len(tags) == 0 {
		return name
	}

	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(tags[k])
	}
	return b.String()
}

// merge folds one update into the ledger. A first update for an identity
// inserts a new entry; later updates combine by the entry's kind:
// counters sum deltas, gauges keep the latest value. The kind recorded at
// first insert wins; a later update with a different kind is still merged
// arithmetically (a producer contract violation, not checked here).
func (l *ledger) merge(name string, kind MetricKind, value float64, tags map[string]string) {
	key := identityKey(name, tags)

	l.mutex.Lock()
	defer l.mutex.Unlock()

	entry, exists := l.entries[key]
	if !exists {
		tagsCopy := make(map[string]string, len(tags))
		for k, v := range tags {
			tagsCopy[k] = v
		}
		l.entries[key] = &ledgerEntry{
			name:  name,
			kind:  kind,
			value: value,
			tags:  tagsCopy,
		}
		return
	}

	switch entry.kind {
	case Counter:
		entry.value += value
	default:
		entry.value = value
	}
}

// drain snapshots every entry for the flush cycle and zeroes counter
// values in the same critical section. Doing both under one lock means a
// concurrent merge lands either entirely before the drain (its delta is
// in the snapshot being flushed) or entirely after (it starts the next
// window) - a delta is never lost between snapshot and reset. Entries
// themselves are never removed; gauges keep their value.
func (l *ledger) drain() []flushItem {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	items := make([]flushItem, 0, len(l.entries))
	for key, entry := range l.entries {
		items = append(items, flushItem{
			key:   key,
			name:  entry.name,
			kind:  entry.kind,
			value: entry.value,
			tags:  entry.tags,
		})
		if entry.kind == Counter {
			entry.value = 0
		}
	}
	return items
}

// resetCounter zeroes the value of a single counter entry, preserving its
// kind and tags. Gauge entries are left untouched.
func (l *ledger) resetCounter(key string) {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if entry, exists := l.entries[key]; exists && entry.kind == Counter {
		entry.value = 0
	}
}

// get returns a copy of the entry for (name, tags), if present.
func (l *ledger) get(name string, tags map[string]string) (flushItem, bool) {
	key := identityKey(name, tags)

	l.mutex.Lock()
	defer l.mutex.Unlock()

	entry, exists := l.entries[key]
	if !exists {
		return flushItem{}, false
	}
	return flushItem{
		key:   key,
		name:  entry.name,
		kind:  entry.kind,
		value: entry.value,
		tags:  entry.tags,
	}, true
}

// size returns the number of distinct identities in the ledger.
func (l *ledger) size() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.entries)
}

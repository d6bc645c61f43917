package cache

import (
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultTTL      = 300 * time.Second
	DefaultCapacity = 10000
)

// Memory is the volatile first tier. Entries expire lazily: an expired entry
// is removed by the lookup that finds it, there is no background sweep. The
// capacity bound evicts the least recently used entry. Results are copied
// on the way in and out, so callers never share row slices with the cache.
type Memory struct {
	mu      sync.Mutex
	entries *lru.Cache[string, memoryEntry]
	ttl     time.Duration
	now     func() time.Time
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

func NewMemory(capacity int, ttl time.Duration) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	// lru.New only fails for a non-positive size.
	entries, _ := lru.New[string, memoryEntry](capacity)
	return &Memory{
		entries: entries,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *Memory) TTL() time.Duration {
	return m.ttl
}

// Get returns the entry for the question while now <= expiresAt. A stale
// entry is removed under the same lock that observed it.
func (m *Memory) Get(question string) (Entry, bool) {
	key := NormalizeQuestion(question)

	m.mu.Lock()
	defer m.mu.Unlock()

	item, ok := m.entries.Get(key)
	if !ok {
		return Entry{}, false
	}
	if m.now().After(item.expiresAt) {
		m.entries.Remove(key)
		return Entry{}, false
	}
	return cloneEntry(item.entry), true
}

// Set stores the entry with the default TTL, replacing any previous entry and
// refreshing its expiry.
func (m *Memory) Set(question string, entry Entry) {
	m.SetWithTTL(question, entry, m.ttl)
}

func (m *Memory) SetWithTTL(question string, entry Entry, ttl time.Duration) {
	if ttl <= 0 {
		ttl = m.ttl
	}
	key := NormalizeQuestion(question)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Add(key, memoryEntry{entry: cloneEntry(entry), expiresAt: m.now().Add(ttl)})
}

func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries.Purge()
}

// Len counts stored entries, including expired ones not yet looked up.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entries.Len()
}

// cloneEntry copies the column list and every row. Cell values themselves
// are scalars and are shared.
func cloneEntry(entry Entry) Entry {
	entry.Result.Columns = slices.Clone(entry.Result.Columns)
	if entry.Result.Rows != nil {
		rows := make([][]any, len(entry.Result.Rows))
		for i, row := range entry.Result.Rows {
			rows[i] = slices.Clone(row)
		}
		entry.Result.Rows = rows
	}
	return entry
}

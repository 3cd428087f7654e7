package state

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/modelgrid/conductor/utils/heap"
)

// New field costs: string=16 []byte=24 int64=8 each, plus map/GC overhead
// (64) = 128. If any fields are changed, update entryOverhead.
const entryOverhead = 128

type memoryEntry struct {
	// Full namespaced key. E.g., "provider:status:openai"
	key string

	// Byte representation of the cached value.
	value []byte

	// Expiry time in unix nanoseconds.
	expiry int64

	// Last read time in unix nanoseconds.
	lastReadAt int64

	// Number of times the entry has been read. Starts from 1.
	readCount int64
}

// MemoryStore is the single-process CacheStore. Entries expire by TTL and the
// least frequently used, oldest entries are evicted when the configured size
// budget would be exceeded.
type MemoryStore struct {
	mutex   sync.Mutex
	entries map[string]*memoryEntry

	// Eviction order: less frequently used entries, then older entries first.
	evictHeap *heap.MinHeap[*memoryEntry]

	maxBytes int64
	usage    int64

	// Clock interface for time-related operations. Must use this to avoid
	// flakiness in tests.
	clock clock.Clock
}

func NewMemoryStore(maxBytes int64) (*MemoryStore, func()) {
	return newMemoryStoreWithClock(maxBytes, clock.New())
}

func newMemoryStoreWithClock(maxBytes int64, clk clock.Clock) (*MemoryStore, func()) {
	s := &MemoryStore{
		entries:  make(map[string]*memoryEntry),
		maxBytes: maxBytes,
		clock:    clk,
	}
	s.evictHeap = heap.NewMinHeap(func(a *memoryEntry, b *memoryEntry) bool {
		if a.readCount != b.readCount {
			return a.readCount < b.readCount
		}
		if a.lastReadAt != b.lastReadAt {
			return a.lastReadAt < b.lastReadAt
		}
		return a.key < b.key
	})

	stop := s.startSweep(5 * time.Minute)
	return s, stop
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return nil, nil
	}

	now := s.clock.Now().UnixNano()
	if entry.expiry <= now {
		s.remove(entry)
		return nil, nil
	}

	entry.lastReadAt = now
	entry.readCount++
	s.evictHeap.Update(entry)
	return entry.value, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	sizeToAdd := entrySize(key, value)
	if existing, ok := s.entries[key]; ok {
		s.remove(existing)
	}

	exceeding := s.usage + sizeToAdd - s.maxBytes
	if exceeding > 0 {
		if err := s.evict(exceeding); err != nil {
			return fmt.Errorf("failed to evict cache: %v", err)
		}
	}

	now := s.clock.Now().UnixNano()
	entry := &memoryEntry{
		key:        key,
		value:      value,
		expiry:     now + ttl.Nanoseconds(),
		lastReadAt: now,
		readCount:  1,
	}
	s.entries[key] = entry
	s.evictHeap.Push(entry)
	s.usage += sizeToAdd
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if entry, ok := s.entries[key]; ok {
		s.remove(entry)
	}
	return nil
}

func (s *MemoryStore) ClearPattern(ctx context.Context, prefix string) (int, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var matched []*memoryEntry
	for key, entry := range s.entries {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, entry)
		}
	}
	for _, entry := range matched {
		s.remove(entry)
	}
	return len(matched), nil
}

// remove deletes an entry from the map, the heap, and the usage accounting.
// Callers must hold the mutex.
func (s *MemoryStore) remove(entry *memoryEntry) {
	delete(s.entries, entry.key)
	s.evictHeap.Remove(entry)
	s.usage -= entrySize(entry.key, entry.value)
}

func (s *MemoryStore) evict(sizeInBytes int64) error {
	bytesFreed := int64(0)
	for bytesFreed < sizeInBytes {
		entry, ok := s.evictHeap.Pop()
		if !ok {
			return fmt.Errorf("failed to free enough cache space")
		}
		delete(s.entries, entry.key)
		bytesFreed += entrySize(entry.key, entry.value)
	}
	s.usage -= bytesFreed
	return nil
}

func entrySize(key string, value []byte) int64 {
	return entryOverhead + int64(len(key)+len(value))
}

func (s *MemoryStore) sweep() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := s.clock.Now().UnixNano()
	var expired []*memoryEntry
	for _, entry := range s.entries {
		if entry.expiry <= now {
			expired = append(expired, entry)
		}
	}
	for _, entry := range expired {
		s.remove(entry)
	}
}

func (s *MemoryStore) startSweep(interval time.Duration) func() {
	ticker := s.clock.Ticker(interval)
	done := make(chan bool)

	go func() {
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()

	return func() {
		close(done)
	}
}

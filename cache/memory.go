package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const DefaultDestinationCapacity = 1024

type destinationEntry struct {
	resource string
	dest     Destination
	expires  time.Time
}

// MemoryDestinationCache is an LRU bounded by capacity whose entries expire
// after ttl.
type MemoryDestinationCache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	order    *list.List
	items    map[string]*list.Element
	now      func() time.Time
}

var _ DestinationCache = (*MemoryDestinationCache)(nil)

func NewMemoryDestinationCache(capacity int, ttl time.Duration) *MemoryDestinationCache {
	if capacity <= 0 {
		capacity = DefaultDestinationCapacity
	}
	return &MemoryDestinationCache{
		ttl:      ttl,
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

func (c *MemoryDestinationCache) Get(_ context.Context, resource string) (Destination, bool, error) {
	if resource == "" {
		return Destination{}, false, ErrInvalidKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[resource]
	if !ok {
		return Destination{}, false, nil
	}
	entry := el.Value.(*destinationEntry)
	if !c.now().Before(entry.expires) {
		c.removeElement(el)
		return Destination{}, false, nil
	}

	c.order.MoveToFront(el)
	return entry.dest, true, nil
}

func (c *MemoryDestinationCache) Put(_ context.Context, resource string, d Destination) error {
	if resource == "" {
		return ErrInvalidKey
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if d.StoredAt.IsZero() {
		d.StoredAt = now
	}
	entry := &destinationEntry{resource: resource, dest: d, expires: now.Add(c.ttl)}

	if el, ok := c.items[resource]; ok {
		el.Value = entry
		c.order.MoveToFront(el)
		return nil
	}

	c.items[resource] = c.order.PushFront(entry)
	for c.order.Len() > c.capacity {
		c.removeElement(c.order.Back())
	}
	return nil
}

func (c *MemoryDestinationCache) Delete(_ context.Context, resource string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[resource]; ok {
		c.removeElement(el)
	}
	return nil
}

// Len returns the number of entries, stale ones included.
func (c *MemoryDestinationCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *MemoryDestinationCache) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*destinationEntry).resource)
}

// MemorySpentStore keeps spent keys in a map until they expire.
type MemorySpentStore struct {
	mu      sync.Mutex
	spent   map[string]time.Time
	inserts int
	now     func() time.Time
}

var _ SpentStore = (*MemorySpentStore)(nil)

func NewMemorySpentStore() *MemorySpentStore {
	return &MemorySpentStore{
		spent: make(map[string]time.Time),
		now:   time.Now,
	}
}

// MarkSpent with ttl <= 0 keeps the key forever.
func (s *MemorySpentStore) MarkSpent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrInvalidKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if exp, ok := s.spent[key]; ok && (exp.IsZero() || now.Before(exp)) {
		return false, nil
	}

	var exp time.Time
	if ttl > 0 {
		exp = now.Add(ttl)
	}
	s.spent[key] = exp

	s.inserts++
	if s.inserts%256 == 0 {
		s.gc(now)
	}
	return true, nil
}

func (s *MemorySpentStore) IsSpent(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.spent[key]
	if !ok {
		return false, nil
	}
	return exp.IsZero() || s.now().Before(exp), nil
}

func (s *MemorySpentStore) gc(now time.Time) {
	for k, exp := range s.spent {
		if !exp.IsZero() && !now.Before(exp) {
			delete(s.spent, k)
		}
	}
}

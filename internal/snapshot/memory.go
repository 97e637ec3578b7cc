package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-node
// development.
type MemoryStore struct {
	mu     sync.RWMutex
	snaps  map[string]*Snapshot // key.String() → snapshot
	bySite map[string][]string  // site → sorted index members
	leases map[string]time.Time // lease name → expiry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snaps:  make(map[string]*Snapshot),
		bySite: make(map[string][]string),
		leases: make(map[string]time.Time),
	}
}

func (m *MemoryStore) Get(_ context.Context, key Key) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.snaps[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	s.Times.LastAccessedAt = time.Now()
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Put(_ context.Context, s *Snapshot) error {
	cp := *s
	cp.Times.UpdatedAt = time.Now()
	if cp.Times.RenderedAt.IsZero() {
		cp.Times.RenderedAt = cp.Times.UpdatedAt
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	k := s.Key.String()
	if _, exists := m.snaps[k]; !exists {
		m.indexInsert(s.Key)
	}
	m.snaps[k] = &cp
	return nil
}

func (m *MemoryStore) Invalidate(_ context.Context, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(key)
	return nil
}

func (m *MemoryStore) ScanBySite(_ context.Context, site, cursor string, limit int) (*ScanPage, error) {
	if limit <= 0 {
		limit = defaultScanLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.bySite[site]
	start := 0
	if cursor != "" {
		start = sort.SearchStrings(members, cursor)
		if start < len(members) && members[start] == cursor {
			start++
		}
	}

	page := &ScanPage{}
	i := start
	for ; i < len(members) && len(page.Snapshots) < limit; i++ {
		key, ok := KeyFromMember(site, members[i])
		if !ok {
			continue
		}
		if s, exists := m.snaps[key.String()]; exists {
			cp := *s
			page.Snapshots = append(page.Snapshots, &cp)
		}
	}
	if i < len(members) && i > start {
		page.NextCursor = members[i-1]
	}
	return page, nil
}

func (m *MemoryStore) ExpireBefore(_ context.Context, t time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var victims []Key
	for _, s := range m.snaps {
		if s.Times.UpdatedAt.Before(t) {
			victims = append(victims, s.Key)
		}
	}
	for _, k := range victims {
		m.remove(k)
	}
	return len(victims), nil
}

func (m *MemoryStore) AcquireLease(_ context.Context, name string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if expiry, held := m.leases[name]; held && expiry.After(now) {
		return false, nil
	}
	m.leases[name] = now.Add(ttl)
	return true, nil
}

func (m *MemoryStore) Close() error { return nil }

// Len returns the number of stored snapshots.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snaps)
}

// indexInsert adds the key's member to the site index, keeping it
// sorted. Caller holds mu.
func (m *MemoryStore) indexInsert(key Key) {
	members := m.bySite[key.Site]
	member := key.Member()
	i := sort.SearchStrings(members, member)
	if i < len(members) && members[i] == member {
		return
	}
	members = append(members, "")
	copy(members[i+1:], members[i:])
	members[i] = member
	m.bySite[key.Site] = members
}

// remove deletes a snapshot and its index entry. Caller holds mu.
func (m *MemoryStore) remove(key Key) {
	k := key.String()
	if _, ok := m.snaps[k]; !ok {
		return
	}
	delete(m.snaps, k)

	members := m.bySite[key.Site]
	member := key.Member()
	i := sort.SearchStrings(members, member)
	if i < len(members) && members[i] == member {
		m.bySite[key.Site] = append(members[:i], members[i+1:]...)
	}
	if len(m.bySite[key.Site]) == 0 {
		delete(m.bySite, key.Site)
	}
}

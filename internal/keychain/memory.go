package keychain

import (
	"fmt"
	"sort"
	"sync"
)

// MemoryBackend is an in-memory implementation of Backend for testing.
type MemoryBackend struct {
	mu      sync.RWMutex
	domains map[string]map[string]string
	legacy  map[MigrationSource]map[string]string
}

// NewMemoryBackend creates a new in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		domains: make(map[string]map[string]string),
		legacy:  make(map[MigrationSource]map[string]string),
	}
}

func (b *MemoryBackend) Set(scope Scope, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	d, ok := b.domains[scope.Service()]
	if !ok {
		d = make(map[string]string)
		b.domains[scope.Service()] = d
	}
	d[key] = value
	return nil
}

func (b *MemoryBackend) Get(scope Scope, key string) (string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	val, ok := b.domains[scope.Service()][key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return val, nil
}

func (b *MemoryBackend) Delete(scope Scope, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.domains[scope.Service()], key)
	return nil
}

func (b *MemoryBackend) DeleteAll(scope Scope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.domains, scope.Service())
	return nil
}

func (b *MemoryBackend) Keys(scope Scope) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedKeys(b.domains[scope.Service()]), nil
}

// SeedLegacy plants an item in a legacy location so migrations have
// something to move.
func (b *MemoryBackend) SeedLegacy(src MigrationSource, key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	items, ok := b.legacy[src]
	if !ok {
		items = make(map[string]string)
		b.legacy[src] = items
	}
	items[key] = value
}

// LegacyKeys returns the keys still present in a legacy location.
func (b *MemoryBackend) LegacyKeys(src MigrationSource) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return sortedKeys(b.legacy[src])
}

func (b *MemoryBackend) MigrateMatching(src MigrationSource, dst Scope, removeOnCompletion bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.legacy[src]
	if len(items) == 0 {
		return 0, nil
	}
	d, ok := b.domains[dst.Service()]
	if !ok {
		d = make(map[string]string)
		b.domains[dst.Service()] = d
	}
	n := 0
	for _, key := range sortedKeys(items) {
		d[key] = items[key]
		n++
	}
	if removeOnCompletion {
		delete(b.legacy, src)
	}
	return n, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

package orchestrator

import (
	"context"
	"sort"
	"sync"
)

// DedupSet holds the keys of executions in flight. TryAcquire inserts every
// key or none of them.
type DedupSet interface {
	TryAcquire(ctx context.Context, keys []string) (bool, error)
	Release(ctx context.Context, keys []string) error
	Active(ctx context.Context) ([]string, error)
}

// MemoryDedup is the process-local DedupSet
type MemoryDedup struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

// NewMemoryDedup creates an empty in-memory dedup set
func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{keys: make(map[string]struct{})}
}

// TryAcquire inserts keys if none of them is already present
func (d *MemoryDedup) TryAcquire(ctx context.Context, keys []string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, k := range keys {
		if _, ok := d.keys[k]; ok {
			return false, nil
		}
	}
	for _, k := range keys {
		d.keys[k] = struct{}{}
	}
	return true, nil
}

// Release removes keys. Missing keys are ignored.
func (d *MemoryDedup) Release(ctx context.Context, keys []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		delete(d.keys, k)
	}
	return nil
}

// Active returns the keys currently held, sorted
func (d *MemoryDedup) Active(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.keys))
	for k := range d.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

package review

import (
	"context"
	"sync"
	"time"
)

type MemoryRepository struct {
	mu    sync.Mutex
	flags []Flag
}

var _ Repository = (*MemoryRepository)(nil)

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Add(_ context.Context, f Flag) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, open := range r.flags {
		if open.OrderID == f.OrderID && open.Reason == f.Reason && open.ResolvedAt == nil {
			return false, nil
		}
	}
	r.flags = append(r.flags, f)
	return true, nil
}

func (r *MemoryRepository) ListOpen(_ context.Context, limit int) ([]Flag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Flag{}
	for _, f := range r.flags {
		if f.ResolvedAt == nil {
			out = append(out, f)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) Resolve(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.flags {
		if r.flags[i].ID == id && r.flags[i].ResolvedAt == nil {
			t := at
			r.flags[i].ResolvedAt = &t
			return nil
		}
	}
	return ErrNotFound
}

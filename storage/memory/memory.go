// Package memory provides a thread-safe in-memory implementation of storage.Repository.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/irbridge/irgate/storage"
)

// Repository is a thread-safe in-memory implementation of storage.Repository.
// Suitable for testing and single-instance deployments; records are lost on
// restart.
type Repository struct {
	mu   sync.RWMutex
	data map[string]storage.Record
	now  func() time.Time
}

var _ storage.Repository = (*Repository)(nil)

// NewRepository creates a new empty in-memory Repository.
func NewRepository() *Repository {
	return &Repository{
		data: make(map[string]storage.Record),
		now:  time.Now,
	}
}

func (r *Repository) Put(_ context.Context, id string, envelope *storage.Envelope, expiresAt time.Time) error {
	r.mu.Lock()
	r.data[id] = storage.Record{Envelope: envelope.Clone(), ExpiresAt: expiresAt}
	r.mu.Unlock()
	return nil
}

func (r *Repository) Get(_ context.Context, id string) (*storage.Envelope, error) {
	r.mu.RLock()
	rec, ok := r.data[id]
	r.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	if rec.Expired(r.now()) {
		r.mu.Lock()
		delete(r.data, id)
		r.mu.Unlock()
		return nil, storage.ErrNotFound
	}
	return rec.Envelope.Clone(), nil
}

func (r *Repository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	delete(r.data, id)
	r.mu.Unlock()
	return nil
}

// Len returns the number of stored records, expired ones included.
func (r *Repository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// Sweep removes expired records and reports how many were dropped.
func (r *Repository) Sweep() int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, rec := range r.data {
		if rec.Expired(now) {
			delete(r.data, id)
			n++
		}
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (r *Repository) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

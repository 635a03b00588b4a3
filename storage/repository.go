// Package storage provides the storage abstraction for server-side session records.
//
// Records are always sealed Envelopes; a backend never sees session contents
// in the clear.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a record does not exist or has expired.
var ErrNotFound = errors.New("session record not found")

// Repository defines the interface for sealed session record storage.
//
// Implementations must treat a record whose expiry has passed as absent.
type Repository interface {
	Put(ctx context.Context, id string, envelope *Envelope, expiresAt time.Time) error
	Get(ctx context.Context, id string) (*Envelope, error)
	Delete(ctx context.Context, id string) error
}

// Record is the on-disk shape used by backends that store one blob per key.
type Record struct {
	Envelope  *Envelope `json:"envelope"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record is past its expiry at now.
func (r Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Package bbolt provides a BBolt-backed session record repository.
package bbolt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/irbridge/irgate/storage"
)

var sessionsBucket = []byte("sessions")

// Store implements storage.Repository backed by a BBolt database.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

var _ storage.Repository = (*Store)(nil)

// NewRepository returns a Repository backed by the given BBolt database.
func NewRepository(db *bbolt.DB) (*Store, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating sessions bucket: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// NewRepositoryFromFile opens a BBolt database at the given path and returns a new Repository.
func NewRepositoryFromFile(path string, options *bbolt.Options) (*Store, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewRepository(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying BBolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Put(_ context.Context, id string, envelope *storage.Envelope, expiresAt time.Time) error {
	data, err := json.Marshal(storage.Record{Envelope: envelope, ExpiresAt: expiresAt})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(id), data)
	})
}

func (s *Store) Get(_ context.Context, id string) (*storage.Envelope, error) {
	var rec storage.Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(sessionsBucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s: %w", id, storage.ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	if rec.Expired(s.now()) {
		return nil, fmt.Errorf("%s: %w", id, storage.ErrNotFound)
	}
	return rec.Envelope, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete([]byte(id))
	})
}

// Sweep deletes every expired record and reports how many were removed.
func (s *Store) Sweep() (int, error) {
	now := s.now()
	n := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec storage.Record
			if err := json.Unmarshal(v, &rec); err != nil || rec.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	return n, err
}

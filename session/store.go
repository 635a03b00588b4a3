package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/irbridge/irgate/internal/uuid"
	"github.com/irbridge/irgate/storage"
)

// Store persists sessions behind the session cookie.
//
// Load returns (nil, nil) when the request carries no session cookie,
// ErrSessionDecode when the cookie is unreadable, ErrSessionExpired when the
// session is past its lifetime, and any other error when the backing
// storage failed.
type Store interface {
	Load(ctx context.Context, r *http.Request) (*Session, error)
	Save(ctx context.Context, w http.ResponseWriter, r *http.Request, s *Session) error
	Delete(ctx context.Context, w http.ResponseWriter, r *http.Request) error
	// Clear removes every session cookie variant from the response without
	// touching server-side state.
	Clear(w http.ResponseWriter, r *http.Request)
}

var cookieAAD = []byte(CookieName)

func stamp(s *Session, now time.Time) {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
}

// CookieStore keeps the whole sealed session in the cookie.
type CookieStore struct {
	codec    *Codec
	lifetime Lifetime
	opts     CookieOptions
	now      func() time.Time
}

var _ Store = (*CookieStore)(nil)

// NewCookieStore returns a stateless Store.
func NewCookieStore(codec *Codec, lifetime Lifetime, opts CookieOptions) *CookieStore {
	return &CookieStore{codec: codec, lifetime: lifetime, opts: opts, now: time.Now}
}

func (s *CookieStore) Load(_ context.Context, r *http.Request) (*Session, error) {
	value, ok := readChunked(r, CookieName)
	if !ok {
		return nil, nil
	}
	data, err := s.codec.Open(value, cookieAAD)
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, ErrSessionDecode
	}
	if s.lifetime.Expired(&sess, s.now()) {
		return nil, ErrSessionExpired
	}
	return &sess, nil
}

func (s *CookieStore) Save(_ context.Context, w http.ResponseWriter, r *http.Request, sess *Session) error {
	stamp(sess, s.now())
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	value, err := s.codec.Seal(data, cookieAAD)
	if err != nil {
		return fmt.Errorf("sealing session: %w", err)
	}
	writeChunked(w, r, s.opts, CookieName, value, s.lifetime.ExpiresAt(sess))
	return nil
}

func (s *CookieStore) Delete(_ context.Context, w http.ResponseWriter, r *http.Request) error {
	s.Clear(w, r)
	return nil
}

func (s *CookieStore) Clear(w http.ResponseWriter, r *http.Request) {
	clearChunked(w, r, s.opts, CookieName)
}

// RepositoryStore keeps sessions in a storage.Repository. The cookie only
// carries the sealed session ID.
type RepositoryStore struct {
	codec    *Codec
	repo     storage.Repository
	lifetime Lifetime
	opts     CookieOptions
	now      func() time.Time
}

var _ Store = (*RepositoryStore)(nil)

// NewRepositoryStore returns a stateful Store over repo.
func NewRepositoryStore(codec *Codec, repo storage.Repository, lifetime Lifetime, opts CookieOptions) *RepositoryStore {
	return &RepositoryStore{codec: codec, repo: repo, lifetime: lifetime, opts: opts, now: time.Now}
}

var idAAD = []byte(CookieName + ":id")

func recordAAD(id string) []byte {
	return []byte("session:" + id)
}

func (s *RepositoryStore) sessionID(r *http.Request) (string, bool, error) {
	value, ok := readChunked(r, CookieName)
	if !ok {
		return "", false, nil
	}
	id, err := s.codec.Open(value, idAAD)
	if err != nil {
		return "", true, err
	}
	return string(id), true, nil
}

func (s *RepositoryStore) Load(ctx context.Context, r *http.Request) (*Session, error) {
	id, ok, err := s.sessionID(r)
	if !ok {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	env, err := s.repo.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionExpired
	}
	if err != nil {
		return nil, fmt.Errorf("loading session record: %w", err)
	}

	data, err := s.codec.OpenRecord(env, recordAAD(id))
	if err != nil {
		return nil, err
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, ErrSessionDecode
	}
	if s.lifetime.Expired(&sess, s.now()) {
		if err := s.repo.Delete(ctx, id); err != nil {
			return nil, fmt.Errorf("deleting expired session record: %w", err)
		}
		return nil, ErrSessionExpired
	}
	sess.ID = id
	return &sess, nil
}

func (s *RepositoryStore) Save(ctx context.Context, w http.ResponseWriter, r *http.Request, sess *Session) error {
	if sess.ID == "" {
		sess.ID = uuid.New()
	}
	stamp(sess, s.now())

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	env, err := s.codec.SealRecord(data, recordAAD(sess.ID))
	if err != nil {
		return fmt.Errorf("sealing session record: %w", err)
	}
	expiresAt := s.lifetime.ExpiresAt(sess)
	if err := s.repo.Put(ctx, sess.ID, env, expiresAt); err != nil {
		return fmt.Errorf("storing session record: %w", err)
	}

	value, err := s.codec.Seal([]byte(sess.ID), idAAD)
	if err != nil {
		return fmt.Errorf("sealing session id: %w", err)
	}
	writeChunked(w, r, s.opts, CookieName, value, expiresAt)
	return nil
}

func (s *RepositoryStore) Delete(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	s.Clear(w, r)
	id, ok, err := s.sessionID(r)
	if !ok || err != nil {
		return nil
	}
	return s.repo.Delete(ctx, id)
}

func (s *RepositoryStore) Clear(w http.ResponseWriter, r *http.Request) {
	clearChunked(w, r, s.opts, CookieName)
}

package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irbridge/irgate/storage"
	"github.com/irbridge/irgate/storage/memory"
)

const (
	secretA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	secretB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

var testLifetime = Lifetime{Rolling: true, Inactivity: time.Hour, Absolute: 24 * time.Hour}

func newCodec(t *testing.T, secrets ...string) *Codec {
	t.Helper()
	c, err := NewCodec(secrets)
	require.NoError(t, err)
	return c
}

func testSession() *Session {
	return &Session{
		User: User{
			Sub:   "auth0|123",
			Email: "ada@example.com",
			Name:  "Ada",
			Claims: map[string]any{
				"https://ir.example.com/role": "investor",
			},
		},
		Tokens: TokenSet{
			AccessToken:  "at-1",
			RefreshToken: "rt-1",
			ExpiresAt:    time.Now().Add(time.Hour),
		},
	}
}

// carry builds a new request holding every live cookie the recorder set.
func carry(rec *httptest.ResponseRecorder) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	for _, c := range rec.Result().Cookies() {
		if c.MaxAge < 0 || c.Value == "" {
			continue
		}
		req.AddCookie(c)
	}
	return req
}

func cookieNames(rec *httptest.ResponseRecorder) map[string]*http.Cookie {
	out := map[string]*http.Cookie{}
	for _, c := range rec.Result().Cookies() {
		out[c.Name] = c
	}
	return out
}

func TestCodecRotation(t *testing.T) {
	old := newCodec(t, secretB)
	sealed, err := old.Seal([]byte("payload"), []byte("aad"))
	require.NoError(t, err)

	rotated := newCodec(t, secretA, secretB)
	pt, err := rotated.Open(sealed, []byte("aad"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(pt))

	_, err = rotated.Open(sealed, []byte("other"))
	assert.ErrorIs(t, err, ErrSessionDecode)

	fresh := newCodec(t, secretA)
	_, err = fresh.Open(sealed, []byte("aad"))
	assert.ErrorIs(t, err, ErrSessionDecode)

	_, err = fresh.Open("%%%not-base64", []byte("aad"))
	assert.ErrorIs(t, err, ErrSessionDecode)
}

func TestNewCodecRequiresSecret(t *testing.T) {
	_, err := NewCodec(nil)
	assert.Error(t, err)
}

func TestCookieStoreRoundTrip(t *testing.T) {
	store := NewCookieStore(newCodec(t, secretA), testLifetime, CookieOptions{})
	ctx := context.Background()

	rec := httptest.NewRecorder()
	require.NoError(t, store.Save(ctx, rec, httptest.NewRequest(http.MethodGet, "/", nil), testSession()))

	c := cookieNames(rec)[CookieName]
	require.NotNil(t, c)
	assert.True(t, c.HttpOnly)
	assert.Equal(t, http.SameSiteLaxMode, c.SameSite)

	got, err := store.Load(ctx, carry(rec))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "auth0|123", got.User.Sub)
	assert.Equal(t, "investor", got.User.Claims["https://ir.example.com/role"])
	assert.False(t, got.CreatedAt.IsZero())
}

func TestCookieStoreAbsentAndUndecodable(t *testing.T) {
	store := NewCookieStore(newCodec(t, secretA), testLifetime, CookieOptions{})
	ctx := context.Background()

	got, err := store.Load(ctx, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NoError(t, err)
	assert.Nil(t, got)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "garbage"})
	got, err = store.Load(ctx, req)
	assert.ErrorIs(t, err, ErrSessionDecode)
	assert.Nil(t, got)
}

func TestCookieStoreExpiry(t *testing.T) {
	store := NewCookieStore(newCodec(t, secretA), testLifetime, CookieOptions{})
	ctx := context.Background()
	start := time.Now()
	store.now = func() time.Time { return start }

	rec := httptest.NewRecorder()
	require.NoError(t, store.Save(ctx, rec, httptest.NewRequest(http.MethodGet, "/", nil), testSession()))

	store.now = func() time.Time { return start.Add(59 * time.Minute) }
	got, err := store.Load(ctx, carry(rec))
	require.NoError(t, err)
	assert.NotNil(t, got)

	store.now = func() time.Time { return start.Add(61 * time.Minute) }
	_, err = store.Load(ctx, carry(rec))
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestLifetimeAbsoluteCapsRolling(t *testing.T) {
	now := time.Now()
	s := &Session{CreatedAt: now.Add(-24 * time.Hour), UpdatedAt: now}
	assert.True(t, testLifetime.Expired(s, now))

	fixed := Lifetime{Rolling: false, Inactivity: time.Minute, Absolute: time.Hour}
	s = &Session{CreatedAt: now.Add(-30 * time.Minute), UpdatedAt: now.Add(-10 * time.Minute)}
	assert.False(t, fixed.Expired(s, now))
}

func TestCookieChunking(t *testing.T) {
	store := NewCookieStore(newCodec(t, secretA), testLifetime, CookieOptions{})
	ctx := context.Background()

	big := testSession()
	big.Tokens.IDToken = strings.Repeat("x", 3*ChunkSize)

	// Request already carries a primary cookie that must be cleared.
	first := httptest.NewRequest(http.MethodGet, "/", nil)
	first.AddCookie(&http.Cookie{Name: CookieName, Value: "stale"})

	rec := httptest.NewRecorder()
	require.NoError(t, store.Save(ctx, rec, first, big))

	names := cookieNames(rec)
	require.Contains(t, names, CookieName+".0")
	require.Contains(t, names, CookieName+".1")
	assert.Equal(t, -1, names[CookieName].MaxAge, "primary cookie should be cleared")
	for name, c := range names {
		assert.LessOrEqual(t, len(c.Value), ChunkSize, name)
	}

	got, err := store.Load(ctx, carry(rec))
	require.NoError(t, err)
	assert.Equal(t, big.Tokens.IDToken, got.Tokens.IDToken)

	// Shrinking back to a single cookie clears the chunks.
	shrinkReq := carry(rec)
	rec2 := httptest.NewRecorder()
	require.NoError(t, store.Save(ctx, rec2, shrinkReq, testSession()))
	names2 := cookieNames(rec2)
	assert.NotEqual(t, -1, names2[CookieName].MaxAge)
	assert.Equal(t, -1, names2[CookieName+".0"].MaxAge)
	assert.Equal(t, -1, names2[CookieName+".1"].MaxAge)
}

func TestClearRemovesEveryVariant(t *testing.T) {
	store := NewCookieStore(newCodec(t, secretA), testLifetime, CookieOptions{})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName + ".0", Value: "a"})
	req.AddCookie(&http.Cookie{Name: CookieName + ".1", Value: "b"})
	req.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})

	rec := httptest.NewRecorder()
	store.Clear(rec, req)

	names := cookieNames(rec)
	for _, n := range []string{CookieName, CookieName + ".0", CookieName + ".1"} {
		require.Contains(t, names, n)
		assert.Equal(t, -1, names[n].MaxAge)
	}
	assert.NotContains(t, names, "theme")
}

func TestChunkNamesAreCanonical(t *testing.T) {
	for name, want := range map[string]bool{
		"appSession":     true,
		"appSession.0":   true,
		"appSession.12":  true,
		"appSession.+1":  false,
		"appSession.-0":  false,
		"appSession.00":  false,
		"appSession.01":  false,
		"appSession. 1":  false,
		"appSession.1a":  false,
		"appSession.":    false,
		"appSessionX.0":  false,
		"appSession.0x1": false,
	} {
		assert.Equal(t, want, IsSessionCookie(name), name)
	}
}

// A non-canonical alias must not overwrite the real chunk it parses to.
func TestReadChunkedIgnoresAliases(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "appSession.0", Value: "abc"})
	r.AddCookie(&http.Cookie{Name: "appSession.1", Value: "def"})
	r.AddCookie(&http.Cookie{Name: "appSession.+1", Value: "XXX"})
	r.AddCookie(&http.Cookie{Name: "appSession.01", Value: "YYY"})

	v, ok := readChunked(r, CookieName)
	require.True(t, ok)
	assert.Equal(t, "abcdef", v)
}

func TestStripSessionCookies(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "a"})
	req.AddCookie(&http.Cookie{Name: CookieName + ".3", Value: "b"})
	req.AddCookie(&http.Cookie{Name: "appSessionX", Value: "keep"})
	req.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})

	assert.True(t, HasSessionCookie(req))
	StripSessionCookies(req)
	assert.False(t, HasSessionCookie(req))
	assert.Equal(t, "appSessionX=keep; theme=dark", req.Header.Get("Cookie"))

	only := httptest.NewRequest(http.MethodGet, "/", nil)
	only.AddCookie(&http.Cookie{Name: CookieName, Value: "a"})
	StripSessionCookies(only)
	assert.Empty(t, only.Header.Get("Cookie"))
}

func TestRepositoryStore(t *testing.T) {
	repo := memory.NewRepository()
	store := NewRepositoryStore(newCodec(t, secretA), repo, testLifetime, CookieOptions{})
	ctx := context.Background()

	rec := httptest.NewRecorder()
	sess := testSession()
	require.NoError(t, store.Save(ctx, rec, httptest.NewRequest(http.MethodGet, "/", nil), sess))
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, 1, repo.Len())

	c := cookieNames(rec)[CookieName]
	require.NotNil(t, c)
	assert.NotContains(t, c.Value, "auth0")

	got, err := store.Load(ctx, carry(rec))
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "at-1", got.Tokens.AccessToken)

	delRec := httptest.NewRecorder()
	require.NoError(t, store.Delete(ctx, delRec, carry(rec)))
	assert.Equal(t, 0, repo.Len())

	_, err = store.Load(ctx, carry(rec))
	assert.ErrorIs(t, err, ErrSessionExpired)
}

var errBackend = errors.New("connection refused")

type failingRepo struct{}

func (failingRepo) Put(context.Context, string, *storage.Envelope, time.Time) error {
	return errBackend
}

func (failingRepo) Get(context.Context, string) (*storage.Envelope, error) {
	return nil, errBackend
}

func (failingRepo) Delete(context.Context, string) error {
	return errBackend
}

func TestRepositoryStoreBackendFailure(t *testing.T) {
	codec := newCodec(t, secretA)
	store := NewRepositoryStore(codec, failingRepo{}, testLifetime, CookieOptions{})

	value, err := codec.Seal([]byte("some-id"), idAAD)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: value})

	_, err = store.Load(context.Background(), req)
	require.ErrorIs(t, err, errBackend)
	assert.NotErrorIs(t, err, ErrSessionDecode)
	assert.NotErrorIs(t, err, ErrSessionExpired)

	a := NewAccessor(store, nil)
	s, err := a.GetSession(req)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, errBackend)

	_, err = a.GetAccessToken(httptest.NewRecorder(), req)
	assert.ErrorIs(t, err, errBackend)
	assert.False(t, IsAuthError(err, ""))
}

func TestAccessorGetSession(t *testing.T) {
	store := NewCookieStore(newCodec(t, secretA), testLifetime, CookieOptions{})
	a := NewAccessor(store, nil)

	s, err := a.GetSession(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NoError(t, err)
	assert.Nil(t, s)

	bad := httptest.NewRequest(http.MethodGet, "/", nil)
	bad.AddCookie(&http.Cookie{Name: CookieName, Value: "garbage"})
	s, err = a.GetSession(bad)
	assert.NoError(t, err)
	assert.Nil(t, s)

	rec := httptest.NewRecorder()
	require.NoError(t, a.Save(context.Background(), rec, httptest.NewRequest(http.MethodGet, "/", nil), testSession()))
	s, err = a.GetSession(carry(rec))
	require.NoError(t, err)
	assert.Equal(t, "auth0|123", s.User.Sub)
}

type fakeRefresher struct {
	calls atomic.Int32
	err   error
	delay time.Duration
}

func (f *fakeRefresher) Refresh(_ context.Context, rt string) (TokenSet, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return TokenSet{}, f.err
	}
	return TokenSet{AccessToken: "at-2", RefreshToken: "rt-2", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func savedRequest(t *testing.T, store Store, s *Session) *http.Request {
	t.Helper()
	rec := httptest.NewRecorder()
	require.NoError(t, store.Save(context.Background(), rec, httptest.NewRequest(http.MethodGet, "/", nil), s))
	return carry(rec)
}

func TestGetAccessTokenValid(t *testing.T) {
	store := NewCookieStore(newCodec(t, secretA), testLifetime, CookieOptions{})
	ref := &fakeRefresher{}
	a := NewAccessor(store, ref)

	tok, err := a.GetAccessToken(httptest.NewRecorder(), savedRequest(t, store, testSession()))
	require.NoError(t, err)
	assert.Equal(t, "at-1", tok.Token)
	assert.Zero(t, ref.calls.Load())
}

func TestGetAccessTokenMissingSession(t *testing.T) {
	a := NewAccessor(NewCookieStore(newCodec(t, secretA), testLifetime, CookieOptions{}), &fakeRefresher{})
	_, err := a.GetAccessToken(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, IsAuthError(err, CodeMissingSession))
}

func TestGetAccessTokenRefreshes(t *testing.T) {
	store := NewCookieStore(newCodec(t, secretA), testLifetime, CookieOptions{})
	ref := &fakeRefresher{}
	a := NewAccessor(store, ref)
	var observed []error
	a.OnRefresh = func(err error) { observed = append(observed, err) }

	s := testSession()
	s.Tokens.ExpiresAt = time.Now().Add(30 * time.Second) // inside the leeway
	req := savedRequest(t, store, s)

	rec := httptest.NewRecorder()
	tok, err := a.GetAccessToken(rec, req)
	require.NoError(t, err)
	assert.Equal(t, "at-2", tok.Token)
	assert.Equal(t, int32(1), ref.calls.Load())
	require.Len(t, observed, 1)
	assert.NoError(t, observed[0])

	rotated, err := store.Load(context.Background(), carry(rec))
	require.NoError(t, err)
	assert.Equal(t, "at-2", rotated.Tokens.AccessToken)
	assert.Equal(t, "rt-2", rotated.Tokens.RefreshToken)
}

func TestGetAccessTokenExpiredWithoutRefreshToken(t *testing.T) {
	store := NewCookieStore(newCodec(t, secretA), testLifetime, CookieOptions{})
	a := NewAccessor(store, &fakeRefresher{})

	s := testSession()
	s.Tokens.RefreshToken = ""
	s.Tokens.ExpiresAt = time.Now().Add(-time.Minute)

	_, err := a.GetAccessToken(httptest.NewRecorder(), savedRequest(t, store, s))
	assert.True(t, IsAuthError(err, CodeAccessTokenExpired))
}

func TestGetAccessTokenRefreshFailure(t *testing.T) {
	store := NewCookieStore(newCodec(t, secretA), testLifetime, CookieOptions{})
	cause := errors.New("invalid_grant")
	a := NewAccessor(store, &fakeRefresher{err: cause})

	s := testSession()
	s.Tokens.ExpiresAt = time.Now().Add(-time.Minute)

	_, err := a.GetAccessToken(httptest.NewRecorder(), savedRequest(t, store, s))
	assert.True(t, IsAuthError(err, CodeRefreshFailed))
	assert.ErrorIs(t, err, cause)
}

func TestGetAccessTokenConcurrentRefresh(t *testing.T) {
	store := NewCookieStore(newCodec(t, secretA), testLifetime, CookieOptions{})
	ref := &fakeRefresher{delay: 50 * time.Millisecond}
	a := NewAccessor(store, ref)

	s := testSession()
	s.Tokens.ExpiresAt = time.Now().Add(-time.Minute)
	req := savedRequest(t, store, s)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := req.Clone(context.Background())
			_, errs[i] = a.GetAccessToken(httptest.NewRecorder(), r)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.GreaterOrEqual(t, ref.calls.Load(), int32(1))
	assert.LessOrEqual(t, ref.calls.Load(), int32(n))
}

func TestTransactions(t *testing.T) {
	txns := NewTransactions(newCodec(t, secretA), CookieOptions{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/login", nil)
	require.NoError(t, txns.Save(rec, req, &Transaction{State: "st", Nonce: "n", CodeVerifier: "v", ReturnTo: "/investor/dashboard"}))

	c := cookieNames(rec)[TransactionCookiePrefix+"st"]
	require.NotNil(t, c)
	assert.Equal(t, 600, c.MaxAge)

	cb := carry(rec)
	out := httptest.NewRecorder()
	txn, err := txns.Take(out, cb, "st")
	require.NoError(t, err)
	assert.Equal(t, "v", txn.CodeVerifier)
	assert.Equal(t, "/investor/dashboard", txn.ReturnTo)
	assert.Equal(t, -1, cookieNames(out)[TransactionCookiePrefix+"st"].MaxAge)

	_, err = txns.Take(httptest.NewRecorder(), cb, "other")
	assert.ErrorIs(t, err, ErrTransactionMissing)

	txns.now = func() time.Time { return time.Now().Add(11 * time.Minute) }
	_, err = txns.Take(httptest.NewRecorder(), cb, "st")
	assert.ErrorIs(t, err, ErrTransactionMissing)
}

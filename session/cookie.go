package session

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ChunkSize is the largest cookie value written as a single cookie.
const ChunkSize = 3800

// CookieOptions controls the attributes of every cookie this package writes.
type CookieOptions struct {
	// Secure forces the Secure attribute. When false it is still set for
	// requests that arrived over TLS.
	Secure   bool
	Domain   string
	SameSite http.SameSite
}

func (o CookieOptions) cookie(r *http.Request, name, value string) *http.Cookie {
	sameSite := o.SameSite
	if sameSite == 0 {
		sameSite = http.SameSiteLaxMode
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   o.Domain,
		HttpOnly: true,
		Secure:   o.Secure || requestIsSecure(r),
		SameSite: sameSite,
	}
}

func (o CookieOptions) set(w http.ResponseWriter, r *http.Request, name, value string, expires time.Time) {
	c := o.cookie(r, name, value)
	c.Expires = expires
	http.SetCookie(w, c)
}

func (o CookieOptions) clear(w http.ResponseWriter, r *http.Request, name string) {
	c := o.cookie(r, name, "")
	c.Expires = time.Unix(0, 0)
	c.MaxAge = -1
	http.SetCookie(w, c)
}

func requestIsSecure(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

// chunkIndex returns the chunk number when name is base.N. N must be the
// canonical decimal form written by writeChunked, so no sign and no
// leading zeros.
func chunkIndex(base, name string) (int, bool) {
	rest, ok := strings.CutPrefix(name, base+".")
	if !ok || rest == "" || (len(rest) > 1 && rest[0] == '0') {
		return 0, false
	}
	for i := 0; i < len(rest); i++ {
		if rest[i] < '0' || rest[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IsSessionCookie reports whether name is the primary session cookie or
// one of its chunks.
func IsSessionCookie(name string) bool {
	if name == CookieName {
		return true
	}
	_, ok := chunkIndex(CookieName, name)
	return ok
}

// HasSessionCookie reports whether r carries any session cookie variant.
func HasSessionCookie(r *http.Request) bool {
	for _, c := range r.Cookies() {
		if IsSessionCookie(c.Name) {
			return true
		}
	}
	return false
}

// readChunked returns the value of base, or the concatenation of
// base.0..base.N when the primary cookie is absent. A gap in the chunk
// sequence ends the value.
func readChunked(r *http.Request, base string) (string, bool) {
	if c, err := r.Cookie(base); err == nil && c.Value != "" {
		return c.Value, true
	}
	chunks := map[int]string{}
	for _, c := range r.Cookies() {
		if n, ok := chunkIndex(base, c.Name); ok {
			chunks[n] = c.Value
		}
	}
	if len(chunks) == 0 {
		return "", false
	}
	var b strings.Builder
	for i := 0; ; i++ {
		v, ok := chunks[i]
		if !ok {
			break
		}
		b.WriteString(v)
	}
	if b.Len() == 0 {
		return "", false
	}
	return b.String(), true
}

// writeChunked stores value under base, splitting it when it exceeds
// ChunkSize, and clears whatever variants the request carried that the new
// layout no longer uses.
func writeChunked(w http.ResponseWriter, r *http.Request, o CookieOptions, base, value string, expires time.Time) {
	present := presentVariants(r, base)

	if len(value) <= ChunkSize {
		o.set(w, r, base, value, expires)
		for _, name := range present {
			if name != base {
				o.clear(w, r, name)
			}
		}
		return
	}

	written := map[string]bool{}
	for i := 0; i*ChunkSize < len(value); i++ {
		end := min((i+1)*ChunkSize, len(value))
		name := base + "." + strconv.Itoa(i)
		o.set(w, r, name, value[i*ChunkSize:end], expires)
		written[name] = true
	}
	for _, name := range present {
		if !written[name] {
			o.clear(w, r, name)
		}
	}
}

// clearChunked deletes the primary cookie and every chunk present on r.
func clearChunked(w http.ResponseWriter, r *http.Request, o CookieOptions, base string) {
	o.clear(w, r, base)
	for _, name := range presentVariants(r, base) {
		if name != base {
			o.clear(w, r, name)
		}
	}
}

func presentVariants(r *http.Request, base string) []string {
	if r == nil {
		return nil
	}
	var names []string
	for _, c := range r.Cookies() {
		if c.Name == base {
			names = append(names, c.Name)
			continue
		}
		if _, ok := chunkIndex(base, c.Name); ok {
			names = append(names, c.Name)
		}
	}
	sort.Strings(names)
	return names
}

// StripSessionCookies removes every session cookie variant from the
// request's Cookie header so downstream handlers never see them.
func StripSessionCookies(r *http.Request) {
	cookies := r.Cookies()
	kept := make([]string, 0, len(cookies))
	for _, c := range cookies {
		if IsSessionCookie(c.Name) {
			continue
		}
		kept = append(kept, c.Name+"="+c.Value)
	}
	if len(kept) == 0 {
		r.Header.Del("Cookie")
		return
	}
	r.Header.Set("Cookie", strings.Join(kept, "; "))
}

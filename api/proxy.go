package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/irbridge/irgate/config"
	"github.com/irbridge/irgate/session"
)

// maxProxyBody caps request and response bodies passing through the proxy.
const maxProxyBody = 10 << 20

var (
	errRequestTooLarge  = errors.New("request body too large")
	errResponseTooLarge = errors.New("backend response too large")
)

// proxyRoute maps one /api endpoint onto a fixed backend path. Path
// parameters in pattern are substituted into upstream by name.
type proxyRoute struct {
	name     string
	method   string
	pattern  string
	upstream string
	reshape  func([]byte) ([]byte, error)
}

var proxyRoutes = []proxyRoute{
	{name: "companies", method: http.MethodGet, pattern: "/companies", upstream: "/companies", reshape: reshapeCompanies},
	{name: "company", method: http.MethodGet, pattern: "/companies/{companyID}", upstream: "/companies/{companyID}", reshape: reshapeCompanies},
	{name: "dashboard", method: http.MethodGet, pattern: "/dashboard", upstream: "/dashboard/summary"},
	{name: "questions", method: http.MethodGet, pattern: "/questions", upstream: "/qa/questions"},
	{name: "ask_question", method: http.MethodPost, pattern: "/questions", upstream: "/qa/questions"},
	{name: "answer_question", method: http.MethodPost, pattern: "/questions/{questionID}/answers", upstream: "/qa/questions/{questionID}/answers"},
	{name: "files", method: http.MethodGet, pattern: "/files", upstream: "/files"},
	{name: "delete_file", method: http.MethodDelete, pattern: "/files/{fileID}", upstream: "/files/{fileID}"},
	{name: "chat_sessions", method: http.MethodGet, pattern: "/chat/sessions", upstream: "/chat/sessions"},
	{name: "chat_message", method: http.MethodPost, pattern: "/chat/messages", upstream: "/chat/messages"},
	{name: "backend_health", method: http.MethodGet, pattern: "/backend-health", upstream: "/health"},
}

// upstreamPath fills the route's path parameters from the request.
func (p proxyRoute) upstreamPath(r *http.Request) string {
	path := p.upstream
	for {
		open := strings.IndexByte(path, '{')
		if open < 0 {
			return path
		}
		end := strings.IndexByte(path[open:], '}')
		if end < 0 {
			return path
		}
		param := path[open+1 : open+end]
		path = path[:open] + url.PathEscape(chi.URLParam(r, param)) + path[open+end+1:]
	}
}

// proxy forwards the request to the backend with the session's access
// token. Without a token the backend is never called.
func (a *API) proxy(p proxyRoute) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if a.BackendURL == "" {
			a.writeConfigError(w, r, config.KeyBackendURL)
			return
		}

		tok, err := a.Sessions.GetAccessToken(w, r)
		if err != nil {
			a.mapTokenError(w, r, err)
			status := http.StatusInternalServerError
			if session.IsAuthError(err, "") {
				status = http.StatusUnauthorized
			}
			a.metrics.ProxyRequest(p.name, status, 0)
			return
		}

		status, err := a.forward(w, r, p, tok.Token)
		switch {
		case errors.Is(err, errRequestTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			status = http.StatusRequestEntityTooLarge
		case errors.Is(err, errResponseTooLarge):
			a.logger.Error("backend response exceeds limit",
				"route", p.name,
				"limit", maxProxyBody,
				"request_id", chimw.GetReqID(r.Context()),
			)
			writeError(w, http.StatusBadGateway, err.Error())
			status = http.StatusBadGateway
		case err != nil:
			a.logger.Error("backend request failed",
				"route", p.name,
				"upstream", p.upstreamPath(r),
				"request_id", chimw.GetReqID(r.Context()),
				"error", err,
			)
			writeError(w, http.StatusInternalServerError, "backend unavailable")
			status = http.StatusInternalServerError
		}
		a.metrics.ProxyRequest(p.name, status, time.Since(start))
	}
}

// forward performs the upstream call and writes its response. Nothing is
// written to w when an error is returned.
func (a *API) forward(w http.ResponseWriter, r *http.Request, p proxyRoute, token string) (int, error) {
	ctx, cancel := context.WithTimeout(r.Context(), a.BackendTimeout)
	defer cancel()

	target := a.BackendURL + p.upstreamPath(r)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	// The body is read up front so an oversized request is rejected before
	// anything reaches the backend.
	var body io.Reader
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodDelete {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxProxyBody))
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return 0, errRequestTooLarge
		}
		if err != nil {
			return 0, err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, p.method, target, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}
	if id := chimw.GetReqID(r.Context()); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxProxyBody+1))
	if err != nil {
		return 0, err
	}
	if len(data) > maxProxyBody {
		return 0, errResponseTooLarge
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if ok && p.reshape != nil && len(data) > 0 {
		shaped, err := p.reshape(data)
		if err != nil {
			return 0, err
		}
		data = shaped
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" && len(data) > 0 {
		ct = "application/json"
	}
	if ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	w.Write(data)
	return resp.StatusCode, nil
}

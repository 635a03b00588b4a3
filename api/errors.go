package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/irbridge/irgate/audit"
	"github.com/irbridge/irgate/config"
	"github.com/irbridge/irgate/session"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeConfigError reports a missing setting. It is a deployment defect,
// so it is logged loudly as well.
func (a *API) writeConfigError(w http.ResponseWriter, r *http.Request, key string) {
	err := config.NotSet(key)
	a.logger.Error("handler misconfigured", "path", r.URL.Path, "error", err)
	a.audit.Failure(audit.ConfigurationError, r, err.Error())
	writeError(w, http.StatusInternalServerError, err.Error())
}

// mapTokenError converts a failure to obtain an access token into a
// response. Missing or unrefreshable sessions are 401s; anything else is a
// session backend failure.
func (a *API) mapTokenError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *session.AuthError
	if errors.As(err, &ae) {
		if ae.Code == session.CodeRefreshFailed {
			a.audit.Failure(audit.RefreshFailure, r, ae.Error())
		}
		writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "not authenticated", Code: ae.Code})
		return
	}
	a.logger.Error("session backend failure", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "session store unavailable")
}

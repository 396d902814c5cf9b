package http

import (
	"net/http"

	"printhub/internal/auth"
	"printhub/internal/errors"
)

// authorize applies CORS headers, answers preflight requests, and runs
// the credential check. It reports done=true when it has already
// written the response (preflight or auth failure). skipAuth bypasses
// the credential check for routes that allow anonymous access.
func authorize(w http.ResponseWriter, r *http.Request, authz auth.Capability, skipAuth bool) (*auth.Identity, bool) {
	corsOK := authz.ApplyCORS(w, r)
	if r.Method == http.MethodOptions {
		if corsOK {
			w.WriteHeader(http.StatusNoContent)
		} else {
			errors.WriteError(w, r, errors.NewWithStatus(http.StatusMethodNotAllowed, "Method Not Allowed"), false)
		}
		return nil, true
	}
	if skipAuth {
		return nil, false
	}
	ident, err := authz.CheckAuthorized(r)
	if err != nil {
		errors.WriteError(w, r, err, false)
		return nil, true
	}
	auth.HolderFrom(r.Context()).Set(ident)
	return ident, false
}

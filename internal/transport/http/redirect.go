package http

import (
	"encoding/json"
	"io"
	"net/http"

	"printhub/internal/auth"
	"printhub/internal/config"
	"printhub/internal/errors"
)

// RedirectHandler bounces the client to the url given as a query
// argument or in a JSON body.
type RedirectHandler struct {
	Authz auth.Capability
	Debug bool
}

func (h *RedirectHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if _, done := authorize(w, r, h.Authz, false); done {
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		errors.WriteError(w, r, errors.NewWithStatus(http.StatusMethodNotAllowed, "Method Not Allowed"), h.Debug)
		return
	}

	url := r.URL.Query().Get("url")
	if url == "" {
		body, err := io.ReadAll(io.LimitReader(r.Body, config.MaxBodySize))
		if err == nil {
			var args map[string]any
			if json.Unmarshal(body, &args) == nil {
				url, _ = args["url"].(string)
			}
		}
	}
	if url == "" {
		errors.WriteError(w, r, errors.New("No url argument provided"), h.Debug)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

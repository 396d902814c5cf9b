package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/render"

	"printhub/internal/api"
	"printhub/internal/auth"
	"printhub/internal/config"
	"printhub/internal/errors"
)

// DynamicFactory builds dynamic endpoint handlers around the shared
// collaborators. Its Handler method satisfies api.HandlerFactory.
type DynamicFactory struct {
	Authz       auth.Capability
	Executor    api.RemoteExecutor
	Connections api.ConnectionLookup
	Debug       bool
	Logger      *slog.Logger
}

// Handler returns the HTTP handler serving def.
func (f *DynamicFactory) Handler(def *api.Definition, wrapResult bool) http.Handler {
	return &DynamicHandler{
		def:      def,
		wrap:     wrapResult,
		authz:    f.Authz,
		executor: f.Executor,
		conns:    f.Connections,
		debug:    f.Debug,
		logger:   f.Logger,
	}
}

// DynamicHandler serves one registered API definition over HTTP. The
// local/remote dispatch target and the argument parsing mode are fixed
// at registration time.
type DynamicHandler struct {
	def      *api.Definition
	wrap     bool
	authz    auth.Capability
	executor api.RemoteExecutor
	conns    api.ConnectionLookup
	debug    bool
	logger   *slog.Logger
}

func (h *DynamicHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ident, done := authorize(w, r, h.authz, false)
	if done {
		return
	}

	// Method check comes before any argument parsing.
	if !h.methodAllowed(r.Method) {
		errors.WriteError(w, r, errors.NewWithStatus(http.StatusMethodNotAllowed, "Method Not Allowed"), h.debug)
		return
	}

	conn := h.associatedConnection(r)
	args, err := h.parseArgs(r)
	if err != nil {
		errors.WriteError(w, r, err, h.debug)
		return
	}

	if h.debug {
		h.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Any("args", args))
	}

	result, err := h.dispatch(r.Context(), r, args, conn, ident)
	if err != nil {
		errors.WriteError(w, r, err, h.debug)
		return
	}

	if h.wrap {
		errors.WriteResult(w, r, result)
		return
	}
	render.Status(r, http.StatusOK)
	render.JSON(w, r, result)
}

func (h *DynamicHandler) methodAllowed(method string) bool {
	for _, m := range h.def.HTTPMethods {
		if m == method {
			return true
		}
	}
	return false
}

// associatedConnection resolves the connection_id argument to an open
// websocket. A missing or unparsable id degrades to no correlation.
func (h *DynamicHandler) associatedConnection(r *http.Request) api.Connection {
	if h.conns == nil {
		return nil
	}
	raw := r.URL.Query().Get("connection_id")
	if raw == "" {
		return nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil
	}
	conn, ok := h.conns.GetConnection(id)
	if !ok {
		return nil
	}
	return conn
}

func (h *DynamicHandler) dispatch(ctx context.Context, r *http.Request, args map[string]any, conn api.Connection, ident *auth.Identity) (any, error) {
	endpoint := h.def.Endpoint
	if !h.def.IsRemote() {
		endpoint = r.URL.Path
	}
	req := api.NewRequest(endpoint, r.Method, args)
	req.Conn = conn
	req.PeerAddr = r.RemoteAddr
	if ident != nil {
		req.User = ident
	}
	if h.def.IsRemote() {
		return h.executor.MakeRequest(ctx, req)
	}
	return h.def.Callback(ctx, req)
}

// parseArgs builds the argument mapping: query string (parsed per the
// route's mode), then a JSON body shallow-merged over it, then route
// captures overriding both.
func (h *DynamicHandler) parseArgs(r *http.Request) (map[string]any, error) {
	query, err := url.ParseQuery(r.URL.RawQuery)
	if err != nil {
		return nil, errors.New("Error Parsing Request Arguments. Is the Content-Type correct?")
	}

	var args map[string]any
	if h.def.NeedsObjectParser {
		args = h.parseObjectArgs(query)
	} else {
		args = h.parseDefaultArgs(query)
	}

	contentType := strings.TrimSpace(r.Header.Get("Content-Type"))
	if strings.HasPrefix(contentType, "application/json") {
		body, err := io.ReadAll(io.LimitReader(r.Body, config.MaxBodySize))
		if err == nil {
			var bodyArgs map[string]any
			// A body that fails to decode as a JSON object is ignored
			// rather than failing the request.
			if json.Unmarshal(body, &bodyArgs) == nil {
				for key, value := range bodyArgs {
					args[key] = value
				}
			}
		}
	}

	for name, value := range api.RouteParamsFrom(r.Context()).Named {
		if value != "" {
			args[name] = value
		}
	}
	return args, nil
}

// parseDefaultArgs resolves each query key, honoring an optional
// ":<hint>" suffix. The last value wins for repeated keys.
func (h *DynamicHandler) parseDefaultArgs(query url.Values) map[string]any {
	args := make(map[string]any)
	for key, vals := range query {
		if isExcludedArg(key) {
			continue
		}
		val := vals[len(vals)-1]
		idx := strings.LastIndex(key, ":")
		if idx < 0 {
			args[key] = val
			continue
		}
		args[key[:idx]] = h.convertType(val, key[idx+1:])
	}
	return args
}

// parseObjectArgs maps every key to a comma-split list (empty value ->
// null) and nests the result under "objects".
func (h *DynamicHandler) parseObjectArgs(query url.Values) map[string]any {
	objects := make(map[string]any)
	for key, vals := range query {
		if isExcludedArg(key) {
			continue
		}
		val := vals[len(vals)-1]
		if val == "" {
			objects[key] = nil
		} else {
			objects[key] = strings.Split(val, ",")
		}
	}
	return map[string]any{"objects": objects}
}

// convertType applies a type hint to a raw query value. A conversion
// failure keeps the original string; a bad hint never fails the
// request.
func (h *DynamicHandler) convertType(value, hint string) any {
	switch hint {
	case "int":
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	case "float":
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	case "bool":
		return strings.ToLower(value) == "true"
	case "json":
		var v any
		if err := json.Unmarshal([]byte(value), &v); err == nil {
			return v
		}
	default:
		h.logger.Info("no conversion method for type hint", slog.String("hint", hint))
		return value
	}
	h.logger.Info("argument conversion error",
		slog.String("hint", hint), slog.String("arg", value))
	return value
}

func isExcludedArg(key string) bool {
	for _, excluded := range api.ExcludedArgs {
		if key == excluded {
			return true
		}
	}
	return false
}

package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"

	"printhub/internal/api"
	"printhub/internal/errors"
)

// Source identifies the origin of a dispatched payload.
type Source struct {
	// Conn is the persistent connection the payload arrived on, when
	// the transport has one.
	Conn api.Connection
	// PeerAddr is the client's network address or topic.
	PeerAddr string
	// User is the authenticated identity, if any.
	User any
}

// MethodFunc executes one RPC method.
type MethodFunc func(ctx context.Context, params map[string]any, src Source) (any, error)

// Dispatcher maps JSON-RPC method names to executable endpoints. One
// dispatcher exists per transport; the registry's fan-out keeps them all
// aligned.
type Dispatcher struct {
	mu       sync.RWMutex
	methods  map[string]MethodFunc
	byDef    map[string][]string
	executor api.RemoteExecutor
	logger   *slog.Logger
}

// NewDispatcher creates an empty dispatcher. Remote endpoint methods are
// forwarded through executor.
func NewDispatcher(executor api.RemoteExecutor, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		methods:  make(map[string]MethodFunc),
		byDef:    make(map[string][]string),
		executor: executor,
		logger:   logger,
	}
}

// RegisterMethod binds an intrinsic transport method not backed by an
// API definition.
func (d *Dispatcher) RegisterMethod(name string, fn MethodFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.methods[name] = fn
}

// RegisterAPI binds a definition's RPC methods. Local definitions produce
// one method per RPC-name/verb pair; remote definitions a single method.
func (d *Dispatcher) RegisterAPI(def *api.Definition) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var names []string
	if def.IsRemote() {
		name := def.RPCMethods[0]
		d.methods[name] = d.makeMethod(def, "")
		names = append(names, name)
	} else {
		for i, name := range def.RPCMethods {
			action := ""
			if i < len(def.HTTPMethods) {
				action = def.HTTPMethods[i]
			}
			d.methods[name] = d.makeMethod(def, action)
			names = append(names, name)
		}
	}
	d.byDef[def.Endpoint] = names
}

// RemoveAPI removes every method bound to the definition.
func (d *Dispatcher) RemoveAPI(def *api.Definition) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, name := range d.byDef[def.Endpoint] {
		delete(d.methods, name)
	}
	delete(d.byDef, def.Endpoint)
}

// HasMethod reports whether a method name is currently bound.
func (d *Dispatcher) HasMethod(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.methods[name]
	return ok
}

func (d *Dispatcher) makeMethod(def *api.Definition, action string) MethodFunc {
	return func(ctx context.Context, params map[string]any, src Source) (any, error) {
		req := api.NewRequest(def.Endpoint, action, params)
		req.Conn = src.Conn
		req.PeerAddr = src.PeerAddr
		req.User = src.User
		if def.IsRemote() {
			return d.executor.MakeRequest(ctx, req)
		}
		return def.Callback(ctx, req)
	}
}

// Dispatch executes the raw payload and returns the encoded response, or
// nil when the payload was a notification (or a batch of notifications).
// Requests inside a batch execute sequentially in array order.
func (d *Dispatcher) Dispatch(ctx context.Context, data []byte, src Source) []byte {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return d.dispatchBatch(ctx, trimmed, src)
	}

	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		return marshalError(CodeParseError, "Parse error", nil)
	}
	return d.dispatchOne(ctx, &req, src)
}

func (d *Dispatcher) dispatchBatch(ctx context.Context, data []byte, src Source) []byte {
	var batch []json.RawMessage
	if err := json.Unmarshal(data, &batch); err != nil {
		return marshalError(CodeParseError, "Parse error", nil)
	}
	if len(batch) == 0 {
		return marshalError(CodeInvalidRequest, "Invalid Request", nil)
	}

	var responses []json.RawMessage
	for _, raw := range batch {
		var req request
		if err := json.Unmarshal(raw, &req); err != nil {
			responses = append(responses, marshalError(CodeInvalidRequest, "Invalid Request", nil))
			continue
		}
		if resp := d.dispatchOne(ctx, &req, src); resp != nil {
			responses = append(responses, resp)
		}
	}
	if len(responses) == 0 {
		return nil
	}
	out, _ := json.Marshal(responses)
	return out
}

func (d *Dispatcher) dispatchOne(ctx context.Context, req *request, src Source) json.RawMessage {
	respond := !req.isNotification()
	fail := func(code int, message string) json.RawMessage {
		if !respond {
			return nil
		}
		return marshalError(code, message, req.ID)
	}

	if req.Method == "" {
		return fail(CodeInvalidRequest, "Invalid Request")
	}

	params := make(map[string]any)
	if len(req.Params) > 0 && string(req.Params) != "null" {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return fail(CodeInvalidParams, "Invalid params")
		}
	}

	d.mu.RLock()
	fn, ok := d.methods[req.Method]
	d.mu.RUnlock()
	if !ok {
		return fail(CodeMethodNotFound, "Method not found")
	}

	result, err := fn(ctx, params, src)
	if err != nil {
		d.logger.Debug("rpc method failed", "method", req.Method, "error", err)
		var se *errors.ServerError
		if stderrors.As(err, &se) {
			return fail(se.StatusCode, se.Message)
		}
		return fail(CodeServerError, err.Error())
	}
	if !respond {
		return nil
	}
	return marshalResult(result, req.ID)
}

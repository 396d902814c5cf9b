package api

import (
	"fmt"
	"strconv"

	"printhub/internal/errors"
)

// Request is the transport-neutral form every inbound call is reduced to
// before dispatch. Args hold the parsed arguments regardless of origin
// (query string, JSON body, RPC params).
type Request struct {
	// Endpoint is the registered endpoint name.
	Endpoint string
	// Action is the HTTP verb the request maps to ("" when the
	// transport has no verb concept).
	Action string
	// Args are the parsed request arguments.
	Args map[string]any
	// Conn is the originating persistent connection, or the one
	// correlated via connection_id. Nil for plain HTTP requests.
	Conn Connection
	// PeerAddr is the client's network address.
	PeerAddr string
	// User identifies the authenticated caller, if any.
	User any
}

// NewRequest builds a request for the given endpoint and action.
func NewRequest(endpoint, action string, args map[string]any) *Request {
	if args == nil {
		args = make(map[string]any)
	}
	return &Request{Endpoint: endpoint, Action: action, Args: args}
}

// Get returns the raw argument or a declared 400 fault when absent.
func (r *Request) Get(key string) (any, error) {
	if v, ok := r.Args[key]; ok {
		return v, nil
	}
	return nil, errors.Errorf(400, "No data for argument: %s", key)
}

// GetString returns the argument as a string. A default may be supplied
// for optional arguments.
func (r *Request) GetString(key string, def ...string) (string, error) {
	v, ok := r.Args[key]
	if !ok {
		if len(def) > 0 {
			return def[0], nil
		}
		return "", errors.Errorf(400, "No data for argument: %s", key)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprintf("%v", v), nil
}

// GetInt returns the argument converted to an int.
func (r *Request) GetInt(key string, def ...int) (int, error) {
	v, ok := r.Args[key]
	if !ok {
		if len(def) > 0 {
			return def[0], nil
		}
		return 0, errors.Errorf(400, "No data for argument: %s", key)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n == float64(int(n)) {
			return int(n), nil
		}
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed, nil
		}
	}
	return 0, errors.Errorf(400, "Unable to convert argument [%s] to int: value recd: %v", key, v)
}

// GetFloat returns the argument converted to a float64.
func (r *Request) GetFloat(key string, def ...float64) (float64, error) {
	v, ok := r.Args[key]
	if !ok {
		if len(def) > 0 {
			return def[0], nil
		}
		return 0, errors.Errorf(400, "No data for argument: %s", key)
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case string:
		if parsed, err := strconv.ParseFloat(n, 64); err == nil {
			return parsed, nil
		}
	}
	return 0, errors.Errorf(400, "Unable to convert argument [%s] to float: value recd: %v", key, v)
}

// GetBool returns the argument converted to a bool.
func (r *Request) GetBool(key string, def ...bool) (bool, error) {
	v, ok := r.Args[key]
	if !ok {
		if len(def) > 0 {
			return def[0], nil
		}
		return false, errors.Errorf(400, "No data for argument: %s", key)
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		if parsed, err := strconv.ParseBool(b); err == nil {
			return parsed, nil
		}
	}
	return false, errors.Errorf(400, "Unable to convert argument [%s] to bool: value recd: %v", key, v)
}

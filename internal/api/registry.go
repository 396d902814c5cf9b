package api

import (
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"printhub/internal/errors"
)

// HandlerFactory builds the HTTP handler serving a registered definition.
// Injected by the application so the registry stays transport-neutral.
type HandlerFactory func(def *Definition, wrapResult bool) http.Handler

// Registry owns the endpoint definitions and fans registration out to the
// route table and every attached transport.
type Registry struct {
	mu          sync.RWMutex
	logger      *slog.Logger
	router      *MutableRouter
	httpFactory HandlerFactory
	cache       map[string]*Definition
	baseURIs    map[string]struct{}
	transports  map[string]Transport
}

// NewRegistry creates a registry installing HTTP routes on router via
// factory.
func NewRegistry(router *MutableRouter, factory HandlerFactory, logger *slog.Logger) *Registry {
	return &Registry{
		logger:      logger,
		router:      router,
		httpFactory: factory,
		cache:       make(map[string]*Definition),
		baseURIs:    make(map[string]struct{}),
		transports:  make(map[string]Transport),
	}
}

// RegisterTransport attaches a transport under name and replays every
// cached definition exposed on it, so transports may attach after
// endpoints exist.
func (r *Registry) RegisterTransport(name string, t Transport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transports[name] = t
	for _, def := range r.cache {
		if def.SupportsTransport(name) {
			t.RegisterAPI(def)
		}
	}
}

// RegisterRemote registers an endpoint executed by the firmware. The
// endpoint becomes reachable on GET and POST over HTTP and on a single
// RPC method across all transports. Reserved endpoint names are ignored.
func (r *Registry) RegisterRemote(endpoint string) error {
	for _, reserved := range ReservedEndpoints {
		if endpoint == reserved {
			return nil
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	def, err := r.createDefinition(endpoint, nil, nil, AllTransports)
	if err != nil {
		return err
	}
	if _, ok := r.baseURIs[def.URI]; ok {
		// already registered
		return nil
	}
	r.logger.Info("registering HTTP endpoint",
		"methods", strings.Join(def.HTTPMethods, " "),
		"uri", def.URI)
	if err := r.router.AddHandler(def.URI, r.httpFactory(def, true)); err != nil {
		return err
	}
	r.baseURIs[def.URI] = struct{}{}
	for _, t := range r.transports {
		t.RegisterAPI(def)
	}
	return nil
}

// RegisterLocal registers an endpoint executed in-process. When
// wrapResult is false the HTTP response carries the callback's result
// verbatim instead of the {"result": ...} envelope.
func (r *Registry) RegisterLocal(uri string, methods []string, cb Callback, transports []string, wrapResult bool) error {
	if cb == nil {
		return errors.NewWithStatus(http.StatusInternalServerError, "local endpoint requires a callback")
	}
	if transports == nil {
		transports = AllTransports
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.baseURIs[uri]; ok {
		// already registered
		return nil
	}
	def, err := r.createDefinition(uri, methods, cb, transports)
	if err != nil {
		return err
	}
	if def.SupportsTransport(TransportHTTP) {
		r.logger.Info("registering HTTP endpoint",
			"methods", strings.Join(methods, " "),
			"uri", uri)
		if err := r.router.AddHandler(uri, r.httpFactory(def, wrapResult)); err != nil {
			return err
		}
	}
	r.baseURIs[uri] = struct{}{}
	for name, t := range r.transports {
		if def.SupportsTransport(name) {
			t.RegisterAPI(def)
		}
	}
	return nil
}

// RemoveEndpoint deregisters an endpoint everywhere: definition cache,
// route table, and every transport it was exposed on. Re-registering the
// endpoint afterwards restores full function.
func (r *Registry) RemoveEndpoint(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	def, ok := r.cache[endpoint]
	if !ok {
		return
	}
	delete(r.cache, endpoint)
	delete(r.baseURIs, def.URI)
	r.router.RemoveHandler(def.URI)
	for name, t := range r.transports {
		if def.SupportsTransport(name) {
			t.RemoveAPI(def)
		}
	}
}

// Lookup returns the definition registered under endpoint.
func (r *Registry) Lookup(endpoint string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.cache[endpoint]
	return def, ok
}

// Definitions returns a snapshot of all registered definitions.
func (r *Registry) Definitions() []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]*Definition, 0, len(r.cache))
	for _, def := range r.cache {
		defs = append(defs, def)
	}
	return defs
}

// createDefinition derives the URI and RPC method names for an endpoint.
// Cached definitions are returned as-is. Callers hold r.mu.
func (r *Registry) createDefinition(endpoint string, methods []string, cb Callback, transports []string) (*Definition, error) {
	if def, ok := r.cache[endpoint]; ok {
		return def, nil
	}

	isRemote := cb == nil
	var uri string
	switch {
	case strings.HasPrefix(endpoint, "/"):
		uri = endpoint
	case isRemote:
		uri = "/printer/" + endpoint
	default:
		uri = "/server/" + endpoint
	}

	var rpcMethods []string
	if isRemote {
		// Remote endpoints accept both GET and POST; both verbs execute
		// the same firmware request, so they resolve to a single RPC
		// method.
		rpcMethods = append(rpcMethods, strings.ReplaceAll(uri[1:], "/", "."))
		methods = []string{"GET", "POST"}
	} else {
		nameParts := strings.Split(uri[1:], "/")
		if len(methods) > 1 {
			for _, m := range methods {
				funcName := strings.ToLower(m) + "_" + nameParts[len(nameParts)-1]
				parts := append(append([]string{}, nameParts[:len(nameParts)-1]...), funcName)
				rpcMethods = append(rpcMethods, strings.Join(parts, "."))
			}
		} else {
			rpcMethods = append(rpcMethods, strings.Join(nameParts, "."))
		}
	}
	if !isRemote && len(methods) != len(rpcMethods) {
		return nil, errors.New(
			"Invalid API definition. Number of RPC methods must match the number of request methods")
	}

	def := &Definition{
		Endpoint:          endpoint,
		URI:               uri,
		RPCMethods:        rpcMethods,
		HTTPMethods:       methods,
		Transports:        transports,
		Callback:          cb,
		NeedsObjectParser: strings.HasPrefix(endpoint, "objects/"),
	}
	r.cache[endpoint] = def
	return def, nil
}

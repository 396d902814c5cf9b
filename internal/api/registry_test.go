package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingTransport captures registration fan-out.
type recordingTransport struct {
	mu         sync.Mutex
	registered []*Definition
	removed    []*Definition
}

func (rt *recordingTransport) RegisterAPI(def *Definition) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.registered = append(rt.registered, def)
}

func (rt *recordingTransport) RemoveAPI(def *Definition) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.removed = append(rt.removed, def)
}

func (rt *recordingTransport) registeredEndpoints() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var names []string
	for _, def := range rt.registered {
		names = append(names, def.Endpoint)
	}
	return names
}

func newTestRegistry(t *testing.T) (*Registry, *MutableRouter) {
	t.Helper()
	router := NewMutableRouter(slog.Default())
	factory := func(def *Definition, wrapResult bool) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Endpoint", def.Endpoint)
		})
	}
	return NewRegistry(router, factory, slog.Default()), router
}

func noopCallback(ctx context.Context, req *Request) (any, error) {
	return "ok", nil
}

func TestRegistry_RegisterRemote_Derivation(t *testing.T) {
	reg, router := newTestRegistry(t)

	require.NoError(t, reg.RegisterRemote("gcode/script"))

	def, ok := reg.Lookup("gcode/script")
	require.True(t, ok)
	assert.Equal(t, "/printer/gcode/script", def.URI)
	assert.Equal(t, []string{"printer.gcode.script"}, def.RPCMethods)
	assert.Equal(t, []string{"GET", "POST"}, def.HTTPMethods)
	assert.True(t, def.IsRemote())
	assert.True(t, router.HasRule("/printer/gcode/script"))
}

func TestRegistry_RegisterRemote_AbsoluteEndpoint(t *testing.T) {
	reg, _ := newTestRegistry(t)

	require.NoError(t, reg.RegisterRemote("/machine/reboot"))

	def, ok := reg.Lookup("/machine/reboot")
	require.True(t, ok)
	assert.Equal(t, "/machine/reboot", def.URI)
	assert.Equal(t, []string{"machine.reboot"}, def.RPCMethods)
}

func TestRegistry_RegisterRemote_ReservedIgnored(t *testing.T) {
	reg, router := newTestRegistry(t)

	require.NoError(t, reg.RegisterRemote("register_remote_method"))

	_, ok := reg.Lookup("register_remote_method")
	assert.False(t, ok)
	assert.False(t, router.HasRule("/printer/register_remote_method"))
}

func TestRegistry_RegisterRemote_ObjectParser(t *testing.T) {
	reg, _ := newTestRegistry(t)

	require.NoError(t, reg.RegisterRemote("objects/query"))

	def, ok := reg.Lookup("objects/query")
	require.True(t, ok)
	assert.True(t, def.NeedsObjectParser)
}

func TestRegistry_RegisterLocal_SingleMethod(t *testing.T) {
	reg, router := newTestRegistry(t)

	require.NoError(t, reg.RegisterLocal("/server/info", []string{"GET"}, noopCallback, nil, true))

	def, ok := reg.Lookup("/server/info")
	require.True(t, ok)
	assert.Equal(t, []string{"server.info"}, def.RPCMethods)
	assert.False(t, def.IsRemote())
	assert.True(t, router.HasRule("/server/info"))
}

func TestRegistry_RegisterLocal_MultiMethod(t *testing.T) {
	reg, _ := newTestRegistry(t)

	require.NoError(t, reg.RegisterLocal(
		"/server/job_queue/job", []string{"POST", "DELETE"}, noopCallback, nil, true))

	def, ok := reg.Lookup("/server/job_queue/job")
	require.True(t, ok)
	assert.Equal(t, []string{
		"server.job_queue.post_job",
		"server.job_queue.delete_job",
	}, def.RPCMethods)
}

func TestRegistry_RegisterLocal_NoMethodsFails(t *testing.T) {
	reg, _ := newTestRegistry(t)

	err := reg.RegisterLocal("/server/broken", nil, noopCallback, nil, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Invalid API definition")
}

func TestRegistry_RegisterLocal_NilCallbackFails(t *testing.T) {
	reg, _ := newTestRegistry(t)
	require.Error(t, reg.RegisterLocal("/server/broken", []string{"GET"}, nil, nil, true))
}

func TestRegistry_RegisterLocal_TransportFiltering(t *testing.T) {
	reg, router := newTestRegistry(t)
	ws := &recordingTransport{}
	mq := &recordingTransport{}
	reg.RegisterTransport(TransportWebSocket, ws)
	reg.RegisterTransport(TransportMQTT, mq)

	require.NoError(t, reg.RegisterLocal(
		"/server/restart", []string{"POST"}, noopCallback,
		[]string{TransportHTTP, TransportWebSocket}, true))

	assert.Contains(t, ws.registeredEndpoints(), "/server/restart")
	assert.NotContains(t, mq.registeredEndpoints(), "/server/restart")
	assert.True(t, router.HasRule("/server/restart"))
}

func TestRegistry_RegisterLocal_NoHTTPTransportSkipsRoute(t *testing.T) {
	reg, router := newTestRegistry(t)

	require.NoError(t, reg.RegisterLocal(
		"/server/internal_only", []string{"GET"}, noopCallback,
		[]string{TransportWebSocket}, true))

	assert.False(t, router.HasRule("/server/internal_only"))
	_, ok := reg.Lookup("/server/internal_only")
	assert.True(t, ok)
}

func TestRegistry_DuplicateURIIgnored(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ws := &recordingTransport{}
	reg.RegisterTransport(TransportWebSocket, ws)

	require.NoError(t, reg.RegisterRemote("gcode/script"))
	require.NoError(t, reg.RegisterRemote("gcode/script"))

	assert.Len(t, ws.registeredEndpoints(), 1)
}

func TestRegistry_TransportReplay(t *testing.T) {
	reg, _ := newTestRegistry(t)

	require.NoError(t, reg.RegisterRemote("gcode/script"))
	require.NoError(t, reg.RegisterLocal(
		"/server/info", []string{"GET"}, noopCallback, nil, true))
	require.NoError(t, reg.RegisterLocal(
		"/server/ws_only", []string{"GET"}, noopCallback, []string{TransportWebSocket}, true))

	// A transport attached late receives everything it supports.
	ws := &recordingTransport{}
	reg.RegisterTransport(TransportWebSocket, ws)
	eps := ws.registeredEndpoints()
	assert.ElementsMatch(t, []string{"gcode/script", "/server/info", "/server/ws_only"}, eps)
}

func TestRegistry_RemoveEndpoint(t *testing.T) {
	reg, router := newTestRegistry(t)
	ws := &recordingTransport{}
	reg.RegisterTransport(TransportWebSocket, ws)

	require.NoError(t, reg.RegisterRemote("gcode/script"))
	require.True(t, router.HasRule("/printer/gcode/script"))

	reg.RemoveEndpoint("gcode/script")

	_, ok := reg.Lookup("gcode/script")
	assert.False(t, ok)
	assert.False(t, router.HasRule("/printer/gcode/script"))
	require.Len(t, ws.removed, 1)
	assert.Equal(t, "gcode/script", ws.removed[0].Endpoint)

	// Removing an unknown endpoint is harmless.
	reg.RemoveEndpoint("gcode/script")
}

func TestRegistry_ReRegistrationAfterRemovalRestores(t *testing.T) {
	reg, router := newTestRegistry(t)
	ws := &recordingTransport{}
	reg.RegisterTransport(TransportWebSocket, ws)

	require.NoError(t, reg.RegisterRemote("gcode/script"))
	reg.RemoveEndpoint("gcode/script")
	require.NoError(t, reg.RegisterRemote("gcode/script"))

	assert.True(t, router.HasRule("/printer/gcode/script"))
	_, ok := reg.Lookup("gcode/script")
	assert.True(t, ok)
	assert.Len(t, ws.registeredEndpoints(), 2, "transport re-notified on re-registration")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/printer/gcode/script", nil))
	assert.Equal(t, "gcode/script", w.Header().Get("X-Endpoint"))
}

func TestRegistry_Definitions(t *testing.T) {
	reg, _ := newTestRegistry(t)
	require.NoError(t, reg.RegisterRemote("gcode/script"))
	require.NoError(t, reg.RegisterLocal("/server/info", []string{"GET"}, noopCallback, nil, true))

	defs := reg.Definitions()
	assert.Len(t, defs, 2)
}

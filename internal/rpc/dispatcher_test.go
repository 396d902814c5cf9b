package rpc

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printhub/internal/api"
	"printhub/internal/errors"
)

type stubExecutor struct {
	result any
	err    error
	last   *api.Request
}

func (s *stubExecutor) MakeRequest(ctx context.Context, req *api.Request) (any, error) {
	s.last = req
	return s.result, s.err
}

func dispatchString(t *testing.T, d *Dispatcher, payload string) map[string]any {
	t.Helper()
	resp := d.Dispatch(context.Background(), []byte(payload), Source{PeerAddr: "127.0.0.1"})
	require.NotNil(t, resp)
	var out map[string]any
	require.NoError(t, json.Unmarshal(resp, &out))
	return out
}

func newDispatcher(exec api.RemoteExecutor) *Dispatcher {
	return NewDispatcher(exec, slog.Default())
}

func registerLocal(t *testing.T, d *Dispatcher, cb api.Callback) *api.Definition {
	t.Helper()
	def := &api.Definition{
		Endpoint:    "/server/info",
		URI:         "/server/info",
		RPCMethods:  []string{"server.info"},
		HTTPMethods: []string{"GET"},
		Transports:  api.AllTransports,
		Callback:    cb,
	}
	d.RegisterAPI(def)
	return def
}

func TestDispatch_LocalMethod(t *testing.T) {
	d := newDispatcher(&stubExecutor{})
	registerLocal(t, d, func(ctx context.Context, req *api.Request) (any, error) {
		return map[string]any{"state": "ready", "action": req.Action}, nil
	})

	out := dispatchString(t, d, `{"jsonrpc":"2.0","method":"server.info","id":1}`)

	assert.Equal(t, "2.0", out["jsonrpc"])
	assert.Equal(t, float64(1), out["id"])
	result := out["result"].(map[string]any)
	assert.Equal(t, "ready", result["state"])
	assert.Equal(t, "GET", result["action"], "verb pair is attached to the method")
}

func TestDispatch_RemoteMethod(t *testing.T) {
	exec := &stubExecutor{result: "ok"}
	d := newDispatcher(exec)
	d.RegisterAPI(&api.Definition{
		Endpoint:    "gcode/script",
		URI:         "/printer/gcode/script",
		RPCMethods:  []string{"printer.gcode.script"},
		HTTPMethods: []string{"GET", "POST"},
		Transports:  api.AllTransports,
	})

	out := dispatchString(t, d, `{"jsonrpc":"2.0","method":"printer.gcode.script","params":{"script":"G28"},"id":7}`)

	assert.Equal(t, "ok", out["result"])
	require.NotNil(t, exec.last)
	assert.Equal(t, "gcode/script", exec.last.Endpoint)
	assert.Equal(t, "G28", exec.last.Args["script"])
	assert.Equal(t, "", exec.last.Action)
}

func TestDispatch_MethodNotFound(t *testing.T) {
	d := newDispatcher(&stubExecutor{})

	out := dispatchString(t, d, `{"jsonrpc":"2.0","method":"printer.bogus","id":2}`)

	errObj := out["error"].(map[string]any)
	assert.Equal(t, float64(CodeMethodNotFound), errObj["code"])
	assert.Equal(t, "Method not found", errObj["message"])
}

func TestDispatch_ParseError(t *testing.T) {
	d := newDispatcher(&stubExecutor{})

	out := dispatchString(t, d, `{"jsonrpc":"2.0",`)

	errObj := out["error"].(map[string]any)
	assert.Equal(t, float64(CodeParseError), errObj["code"])
	assert.Nil(t, out["id"])
}

func TestDispatch_InvalidParams(t *testing.T) {
	d := newDispatcher(&stubExecutor{})
	registerLocal(t, d, func(ctx context.Context, req *api.Request) (any, error) {
		return nil, nil
	})

	out := dispatchString(t, d, `{"jsonrpc":"2.0","method":"server.info","params":[1,2],"id":3}`)

	errObj := out["error"].(map[string]any)
	assert.Equal(t, float64(CodeInvalidParams), errObj["code"])
}

func TestDispatch_MissingMethod(t *testing.T) {
	d := newDispatcher(&stubExecutor{})

	out := dispatchString(t, d, `{"jsonrpc":"2.0","id":4}`)

	errObj := out["error"].(map[string]any)
	assert.Equal(t, float64(CodeInvalidRequest), errObj["code"])
}

func TestDispatch_DeclaredFaultCodePassesThrough(t *testing.T) {
	exec := &stubExecutor{err: errors.NewWithStatus(503, "Printer not connected")}
	d := newDispatcher(exec)
	d.RegisterAPI(&api.Definition{
		Endpoint:   "gcode/script",
		URI:        "/printer/gcode/script",
		RPCMethods: []string{"printer.gcode.script"},
		Transports: api.AllTransports,
	})

	out := dispatchString(t, d, `{"jsonrpc":"2.0","method":"printer.gcode.script","id":5}`)

	errObj := out["error"].(map[string]any)
	assert.Equal(t, float64(503), errObj["code"])
	assert.Equal(t, "Printer not connected", errObj["message"])
}

func TestDispatch_UndeclaredErrorUsesServerCode(t *testing.T) {
	d := newDispatcher(&stubExecutor{})
	registerLocal(t, d, func(ctx context.Context, req *api.Request) (any, error) {
		return nil, context.DeadlineExceeded
	})

	out := dispatchString(t, d, `{"jsonrpc":"2.0","method":"server.info","id":6}`)

	errObj := out["error"].(map[string]any)
	assert.Equal(t, float64(CodeServerError), errObj["code"])
}

func TestDispatch_NotificationProducesNoResponse(t *testing.T) {
	called := false
	d := newDispatcher(&stubExecutor{})
	registerLocal(t, d, func(ctx context.Context, req *api.Request) (any, error) {
		called = true
		return "ok", nil
	})

	resp := d.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","method":"server.info"}`), Source{})
	assert.Nil(t, resp)
	assert.True(t, called, "notification still executes")

	resp = d.Dispatch(context.Background(), []byte(`{"jsonrpc":"2.0","method":"server.info","id":null}`), Source{})
	assert.Nil(t, resp, "explicit null id is a notification")
}

func TestDispatch_Batch(t *testing.T) {
	d := newDispatcher(&stubExecutor{})
	var order []float64
	registerLocal(t, d, func(ctx context.Context, req *api.Request) (any, error) {
		n, _ := req.GetFloat("n")
		order = append(order, n)
		return n, nil
	})

	payload := `[
		{"jsonrpc":"2.0","method":"server.info","params":{"n":1},"id":1},
		{"jsonrpc":"2.0","method":"server.info","params":{"n":2}},
		{"jsonrpc":"2.0","method":"server.bogus","id":3},
		{"jsonrpc":"2.0","method":"server.info","params":{"n":4},"id":4}
	]`
	resp := d.Dispatch(context.Background(), []byte(payload), Source{})
	require.NotNil(t, resp)

	var out []map[string]any
	require.NoError(t, json.Unmarshal(resp, &out))
	require.Len(t, out, 3, "notification omitted from batch response")
	assert.Equal(t, []float64{1, 2, 4}, order, "batch executes in array order")
	assert.Equal(t, float64(1), out[0]["id"])
	assert.NotNil(t, out[1]["error"])
	assert.Equal(t, float64(4), out[2]["id"])
}

func TestDispatch_EmptyBatch(t *testing.T) {
	d := newDispatcher(&stubExecutor{})

	out := dispatchString(t, d, `[]`)
	errObj := out["error"].(map[string]any)
	assert.Equal(t, float64(CodeInvalidRequest), errObj["code"])
}

func TestDispatch_BatchOfNotifications(t *testing.T) {
	d := newDispatcher(&stubExecutor{})
	registerLocal(t, d, func(ctx context.Context, req *api.Request) (any, error) { return nil, nil })

	resp := d.Dispatch(context.Background(), []byte(
		`[{"jsonrpc":"2.0","method":"server.info"},{"jsonrpc":"2.0","method":"server.info"}]`), Source{})
	assert.Nil(t, resp)
}

func TestDispatcher_RemoveAPI(t *testing.T) {
	d := newDispatcher(&stubExecutor{})
	def := registerLocal(t, d, func(ctx context.Context, req *api.Request) (any, error) {
		return nil, nil
	})
	require.True(t, d.HasMethod("server.info"))

	d.RemoveAPI(def)
	assert.False(t, d.HasMethod("server.info"))

	out := dispatchString(t, d, `{"jsonrpc":"2.0","method":"server.info","id":1}`)
	errObj := out["error"].(map[string]any)
	assert.Equal(t, float64(CodeMethodNotFound), errObj["code"])
}

func TestDispatcher_MultiVerbLocalDefinition(t *testing.T) {
	d := newDispatcher(&stubExecutor{})
	var actions []string
	d.RegisterAPI(&api.Definition{
		Endpoint:    "/server/job_queue/job",
		URI:         "/server/job_queue/job",
		RPCMethods:  []string{"server.job_queue.post_job", "server.job_queue.delete_job"},
		HTTPMethods: []string{"POST", "DELETE"},
		Transports:  api.AllTransports,
		Callback: func(ctx context.Context, req *api.Request) (any, error) {
			actions = append(actions, req.Action)
			return "done", nil
		},
	})

	dispatchString(t, d, `{"jsonrpc":"2.0","method":"server.job_queue.post_job","id":1}`)
	dispatchString(t, d, `{"jsonrpc":"2.0","method":"server.job_queue.delete_job","id":2}`)

	assert.Equal(t, []string{"POST", "DELETE"}, actions)
}

func TestDispatcher_IntrinsicMethod(t *testing.T) {
	d := newDispatcher(&stubExecutor{})
	d.RegisterMethod("server.websocket.id", func(ctx context.Context, params map[string]any, src Source) (any, error) {
		return map[string]any{"websocket_id": 42}, nil
	})

	out := dispatchString(t, d, `{"jsonrpc":"2.0","method":"server.websocket.id","id":9}`)
	result := out["result"].(map[string]any)
	assert.Equal(t, float64(42), result["websocket_id"])
}

func TestMarshalNotification(t *testing.T) {
	data, err := MarshalNotification("notify_printer_ready", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notify_printer_ready"}`, string(data))

	data, err = MarshalNotification("notify_gcode_response", "ok")
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","method":"notify_gcode_response","params":["ok"]}`, string(data))
}

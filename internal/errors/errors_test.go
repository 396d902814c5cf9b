package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ServerError
		want string
	}{
		{
			name: "simple message",
			err:  NewWithStatus(http.StatusNotFound, "Not Found"),
			want: "Not Found",
		},
		{
			name: "default status constructor",
			err:  New("missing url argument"),
			want: "missing url argument",
		},
		{
			name: "formatted message",
			err:  Errorf(http.StatusServiceUnavailable, "printer %s", "offline"),
			want: "printer offline",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestNew_DefaultsToBadRequest(t *testing.T) {
	err := New("invalid argument")
	assert.Equal(t, http.StatusBadRequest, err.StatusCode)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{
			name: "declared fault carries its own code",
			err:  NewWithStatus(http.StatusNotFound, "Not Found"),
			want: http.StatusNotFound,
		},
		{
			name: "wrapped declared fault unwraps",
			err:  fmt.Errorf("dispatch failed: %w", NewWithStatus(http.StatusServiceUnavailable, "Printer not connected")),
			want: http.StatusServiceUnavailable,
		},
		{
			name: "plain error maps to internal",
			err:  fmt.Errorf("boom"),
			want: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
}

func TestIsStatus(t *testing.T) {
	err := NewWithStatus(http.StatusForbidden, "File is loaded")
	assert.True(t, IsStatus(err, http.StatusForbidden))
	assert.False(t, IsStatus(err, http.StatusNotFound))
	assert.False(t, IsStatus(fmt.Errorf("boom"), http.StatusInternalServerError))
}

func TestWriteError_Envelope(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/printer/info", nil)

	WriteError(w, r, NewWithStatus(http.StatusNotFound, "Not Found"), false)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Contains(t, body, "error")
	assert.Equal(t, float64(http.StatusNotFound), body["error"]["code"])
	assert.Equal(t, "Not Found", body["error"]["message"])
	_, hasTraceback := body["error"]["traceback"]
	assert.False(t, hasTraceback, "traceback must be omitted outside debug mode")
}

func TestWriteError_DebugIncludesTraceback(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/printer/info", nil)

	WriteError(w, r, fmt.Errorf("boom"), true)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	tb, ok := body["error"]["traceback"].(string)
	require.True(t, ok, "debug responses carry a traceback")
	assert.NotEmpty(t, tb)
}

func TestWriteErrorTrace(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/printer/gcode/script", nil)

	WriteErrorTrace(w, r, fmt.Errorf("panic: nil deref"), "goroutine 1 [running]")

	var body map[string]map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "goroutine 1 [running]", body["error"]["traceback"])
	assert.Equal(t, float64(http.StatusInternalServerError), body["error"]["code"])
}

func TestWriteResult(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/server/info", nil)

	WriteResult(w, r, map[string]any{"state": "ready"})

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ready", result["state"])
}

func TestWriteResult_ScalarPayload(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/printer/gcode/script", nil)

	WriteResult(w, r, "ok")

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["result"])
}

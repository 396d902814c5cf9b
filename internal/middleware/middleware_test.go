package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printhub/internal/auth"
	"printhub/internal/infrastructure"
	"printhub/internal/shared/testutil"
)

func TestRequestID(t *testing.T) {
	t.Run("generates an id and puts it in the context", func(t *testing.T) {
		var seen string
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = infrastructure.GetTraceID(r.Context())
		}))

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))
	})

	t.Run("honors a client-supplied id", func(t *testing.T) {
		var seen string
		handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen = infrastructure.GetTraceID(r.Context())
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Request-ID", "client-chosen")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "client-chosen", seen)
		assert.Equal(t, "client-chosen", rec.Header().Get("X-Request-ID"))
	})
}

func TestAccessLog(t *testing.T) {
	serve := func(t *testing.T, debugMode bool, inner http.HandlerFunc) *testutil.BufferedSlogHandler {
		t.Helper()
		logger, records := testutil.NewTestLogger(t)
		handler := AccessLog(logger, nil, debugMode)(inner)
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/server/info", nil))
		return records
	}

	t.Run("routine success codes stay quiet", func(t *testing.T) {
		records := serve(t, false, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		assert.Zero(t, records.Count())
	})

	t.Run("debug mode logs everything", func(t *testing.T) {
		records := serve(t, true, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
		require.Equal(t, 1, records.Count())
		entry := records.GetRecords()[0]
		assert.Equal(t, slog.LevelInfo, entry.Level)
		assert.Contains(t, entry.Message, "204 GET /server/info")
	})

	t.Run("client errors log as warnings", func(t *testing.T) {
		records := serve(t, false, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		require.Equal(t, 1, records.Count())
		entry := records.GetRecords()[0]
		assert.Equal(t, slog.LevelWarn, entry.Level)
		assert.Contains(t, entry.Message, "404 GET /server/info")
		assert.Contains(t, entry.Message, "[No User]")
	})

	t.Run("server errors log as errors", func(t *testing.T) {
		records := serve(t, false, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		require.Equal(t, 1, records.Count())
		assert.Equal(t, slog.LevelError, records.GetRecords()[0].Level)
	})

	t.Run("handlers publish the username through the holder", func(t *testing.T) {
		records := serve(t, false, func(w http.ResponseWriter, r *http.Request) {
			auth.HolderFrom(r.Context()).Set(&auth.Identity{Username: "operator"})
			w.WriteHeader(http.StatusForbidden)
		})
		require.Equal(t, 1, records.Count())
		assert.Contains(t, records.GetRecords()[0].Message, "[operator]")
	})
}

func TestRecoverer(t *testing.T) {
	panicking := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	t.Run("writes a 500 envelope and logs the stack", func(t *testing.T) {
		logger, records := testutil.NewTestLogger(t)
		rec := httptest.NewRecorder()
		Recoverer(logger, false)(panicking).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t,
			`{"error": {"code": 500, "message": "Internal Server Error"}}`,
			rec.Body.String())
		assert.True(t, records.ContainsMessage("panic recovered"))
	})

	t.Run("debug mode attaches the traceback", func(t *testing.T) {
		logger, _ := testutil.NewTestLogger(t)
		rec := httptest.NewRecorder()
		Recoverer(logger, true)(panicking).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "traceback")
	})
}

func TestRateLimiter(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	rl := NewRateLimiter(1, 1, logger)
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))
	assert.JSONEq(t,
		`{"error": {"code": 429, "message": "Rate limit exceeded"}}`,
		second.Body.String())
}

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
}

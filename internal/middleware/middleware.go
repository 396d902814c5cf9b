// Package middleware provides the HTTP middleware chain wrapping every
// route: request identification, access logging, panic recovery and
// rate limiting. Authorization is not a middleware here; handlers run
// it themselves because several routes exempt specific methods or file
// types.
package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"printhub/internal/auth"
	"printhub/internal/errors"
	"printhub/internal/infrastructure"
	"printhub/internal/metrics"
)

// RequestID assigns each request a trace ID, honoring one supplied by
// the client. This should be the FIRST middleware in the chain.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx := infrastructure.WithTraceID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RealIP extracts the real client IP using Chi's implementation.
// Required ahead of AccessLog when the server sits behind a reverse
// proxy.
func RealIP(next http.Handler) http.Handler {
	return middleware.RealIP(next)
}

// quietCodes are routine outcomes logged only in debug mode.
var quietCodes = map[int]bool{
	http.StatusOK:             true,
	http.StatusNoContent:      true,
	http.StatusPartialContent: true,
	http.StatusNotModified:    true,
}

// AccessLog emits one line per completed request:
//
//	{status} {method} {uri} ({remote}) [{username}] {elapsed}ms
//
// Client errors log as warnings, server errors as errors. Handlers
// publish the authenticated user through the identity holder this
// middleware installs.
func AccessLog(logger *slog.Logger, collector *metrics.Collector, debugMode bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx, holder := auth.WithIdentityHolder(r.Context())
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r.WithContext(ctx))

			elapsed := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			if collector != nil {
				collector.RecordHTTPRequest(r.Method, status, elapsed)
			}
			if quietCodes[status] && !debugMode {
				return
			}

			username := "No User"
			if ident := holder.Get(); ident != nil {
				username = ident.Username
			}
			line := fmt.Sprintf("%d %s %s (%s) [%s] %.2fms",
				status, r.Method, r.URL.RequestURI(), r.RemoteAddr, username,
				float64(elapsed.Microseconds())/1000.0)

			reqLogger := infrastructure.LoggerWithContext(ctx, logger)
			switch {
			case status < 400:
				reqLogger.Info(line)
			case status < 500:
				reqLogger.Warn(line)
			default:
				reqLogger.Error(line)
			}
		})
	}
}

// Recoverer converts handler panics into 500 envelopes. The stack is
// always logged; it reaches the client only in debug mode.
func Recoverer(logger *slog.Logger, debugMode bool) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rvr := recover(); rvr != nil {
					stack := debug.Stack()
					infrastructure.LoggerWithContext(r.Context(), logger).Error("panic recovered",
						slog.Any("panic", rvr),
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
						slog.String("stack", string(stack)),
					)

					fault := errors.NewWithStatus(http.StatusInternalServerError, "Internal Server Error")
					if debugMode {
						errors.WriteErrorTrace(w, r, fault, string(stack))
					} else {
						errors.WriteError(w, r, fault, false)
					}
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter throttles the request stream with a shared token bucket.
type RateLimiter struct {
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRateLimiter creates a rate limiter allowing rps requests per
// second with the given burst.
func NewRateLimiter(rps float64, burst int, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		logger:  logger,
	}
}

// Handler implements rate limiting middleware.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.limiter.Allow() {
			rl.logger.Warn("rate limit exceeded",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)
			w.Header().Set("Retry-After", "1")
			errors.WriteError(w, r,
				errors.NewWithStatus(http.StatusTooManyRequests, "Rate limit exceeded"), false)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// SecurityHeaders adds security-related headers to every response.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		if r.TLS != nil {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

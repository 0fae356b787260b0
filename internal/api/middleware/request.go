package middleware

import (
	"context"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apiContext "keyauth/internal/api/context"
	"keyauth/internal/pkg/errors"
	"keyauth/internal/pkg/logger"
	"keyauth/internal/platform/audit"
)

const requestIDHeader = "X-Request-ID"

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// NewRequestLogger tags the request with an id, the resolved client address
// and a request-scoped logger, and logs its completion.
func NewRequestLogger(ips *ClientIPResolver) func(http.HandlerFunc) http.HandlerFunc {
	return func(next http.HandlerFunc) http.HandlerFunc {
		return requestLogger(ips, next)
	}
}

func requestLogger(ips *ClientIPResolver, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ip := ips.Resolve(r)

		ctx := logger.WithRequestID(r.Context(), requestID)
		ctx = context.WithValue(ctx, apiContext.RequestID, requestID)
		ctx = context.WithValue(ctx, apiContext.ClientIP, ip)
		ctx = audit.WithClientIP(ctx, ip)

		w.Header().Set(requestIDHeader, requestID)
		rec := &statusRecorder{ResponseWriter: w}
		next(rec, r.WithContext(ctx))

		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		zerolog.Ctx(ctx).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("client_ip", ip).
			Int("status", status).
			Int("bytes", rec.bytes).
			Dur("elapsed", time.Since(start)).
			Msg("request completed")
	}
}

func Recover(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				zerolog.Ctx(r.Context()).Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("handler panicked")
				errors.WriteError(w, http.StatusInternalServerError, errors.ErrCodeInternal, "Server error", nil)
			}
		}()
		next(w, r)
	}
}

// internal/httpapi/middleware.go
package httpapi

import (
	"context"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "sheetbridge/internal/common/errors"
	"sheetbridge/internal/common/logger"
	"sheetbridge/internal/common/metrics"
)

const HeaderRequestID = "X-Request-ID"

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID returns the id stamped on the request context, empty when the
// request did not pass through the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// statusRecorder captures the status written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wrote {
		r.status = http.StatusOK
		r.wrote = true
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withRequestID stamps every request with an id, reusing a client supplied
// X-Request-ID, and echoes it on the response.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// withRecover turns a panic into a 500 carrying the request id.
func (s *Server) withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("panic serving request", map[string]interface{}{
				"request_id": RequestID(r.Context()),
				"panic":      fmt.Sprint(rec),
				"path":       r.URL.Path,
			})
			s.errors.HandleHTTPError(w, RequestID(r.Context()), apperrors.NewInternalError(fmt.Errorf("panic: %v", rec)))
		}()
		next.ServeHTTP(w, r)
	})
}

// withAccessLog writes one log line and the request metrics per request.
// The path label is the matched route pattern so ids in the URL do not
// explode label cardinality.
func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		path := routeLabel(r)
		metrics.ObserveRequest(r.Method, path, rec.status, elapsed)

		fields := map[string]interface{}{
			"request_id":    RequestID(r.Context()),
			"method":        r.Method,
			"path":          r.URL.Path,
			"query":         r.URL.RawQuery,
			"status":        rec.status,
			"duration_ms":   elapsed.Milliseconds(),
			"client_ip":     clientIP(r),
			"user_agent":    r.UserAgent(),
			"authorization": logger.RedactSecret(r.Header.Get("Authorization")),
		}
		if rec.status >= http.StatusInternalServerError {
			s.logger.Error("request", fields)
			return
		}
		s.logger.Info("request", fields)
	})
}

func routeLabel(r *http.Request) string {
	if r.Pattern == "" {
		return "unmatched"
	}
	if _, path, ok := strings.Cut(r.Pattern, " "); ok {
		return path
	}
	return r.Pattern
}

// withCORS reflects allowed origins and answers preflight requests.
func (s *Server) withCORS(next http.Handler) http.Handler {
	allowed := map[string]struct{}{}
	wildcard := false
	for _, o := range s.config.CORSOrigins {
		if o == "*" {
			wildcard = true
		}
		allowed[o] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		if _, ok := allowed[origin]; ok || wildcard {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Idempotency-Key, X-API-Key, X-Request-ID")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Expose-Headers", "Idempotency-Replayed, X-Request-ID, Retry-After")
		}
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit admits requests through the per-client token bucket before
// any authentication or side effect.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if !s.limiter.Enabled() {
		return next
	}
	retryAfter := "1"
	if rps := s.config.RateLimitRPS; rps > 0 && rps < 1 {
		retryAfter = strconv.Itoa(int(math.Ceil(1 / rps)))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.limiter.Allow(ip) {
			metrics.RateLimitDenied.Inc()
			w.Header().Set("Retry-After", retryAfter)
			s.errors.HandleHTTPError(w, RequestID(r.Context()), apperrors.NewAdmissionDeniedError(ip))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

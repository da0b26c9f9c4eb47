// internal/httpapi/server.go
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sheetbridge/internal/common/auth"
	"sheetbridge/internal/common/config"
	apperrors "sheetbridge/internal/common/errors"
	"sheetbridge/internal/common/logger"
	"sheetbridge/internal/common/ratelimit"
	"sheetbridge/internal/common/validation"
	"sheetbridge/internal/storage/deadletter"
	"sheetbridge/internal/storage/idempotency"
	"sheetbridge/internal/storage/rows"
	appendrows "sheetbridge/internal/workers/rows/append-rows"
	queryrows "sheetbridge/internal/workers/rows/query-rows"
	reconcilerows "sheetbridge/internal/workers/sync/reconcile-rows"
	retrydeadletters "sheetbridge/internal/workers/sync/retry-dead-letters"
)

const HeaderIdempotencyKey = "Idempotency-Key"

type Config struct {
	CORSOrigins  []string
	MaxBodyBytes int64
	RateLimitRPS float64
}

func LoadConfig(cfg *config.Config) Config {
	c := Config{
		CORSOrigins:  cfg.Server.CORSOrigins,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		RateLimitRPS: cfg.RateLimit.RPS,
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	return c
}

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Dependencies struct {
	DB        Pinger
	Rows      *rows.Store
	Validator *validation.Validator
	Ledger    *idempotency.Ledger
	DLQ       *deadletter.Queue
	Append    *appendrows.Handler
	Query     *queryrows.Handler
	Reconcile *reconcilerows.Handler
	Retry     *retrydeadletters.Handler
	Limiter   *ratelimit.Limiter
	Auth      config.AuthConfig
}

// Server is the HTTP surface over the cache, the write pipeline and the
// background workers.
type Server struct {
	config Config
	deps   Dependencies

	limiter *ratelimit.Limiter
	auth    *auth.Authorizer
	errors  *apperrors.ErrorHandler
	logger  logger.Logger
}

func NewServer(cfg Config, deps Dependencies, log logger.Logger) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	s := &Server{
		config:  cfg,
		deps:    deps,
		limiter: deps.Limiter,
		errors:  apperrors.NewErrorHandler(log),
		logger:  log.WithFields(map[string]interface{}{"component": "http"}),
	}
	s.auth = auth.NewAuthorizer(deps.Auth, s.fail)
	return s
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /rows", s.handleRows)
	mux.Handle("POST /append", s.auth.RequireWrite(http.HandlerFunc(s.handleAppend)))
	mux.Handle("POST /bulk/append", s.auth.RequireWrite(http.HandlerFunc(s.handleBulkAppend)))

	mux.Handle("GET /admin/schema", s.admin(s.handleGetSchema))
	mux.Handle("POST /admin/schema", s.admin(s.handleSetSchema))
	mux.Handle("GET /admin/dlq", s.admin(s.handleListDeadLetters))
	mux.Handle("POST /admin/dlq/retry", s.admin(s.handleRetryDeadLetters))
	mux.Handle("POST /admin/dlq/purge", s.admin(s.handlePurgeDeadLetters))
	mux.Handle("DELETE /admin/dlq/{id}", s.admin(s.handleDeleteDeadLetter))
	mux.Handle("GET /admin/dupes", s.admin(s.handleDuplicates))
	mux.Handle("POST /admin/idempotency/purge", s.admin(s.handlePurgeIdempotency))

	mux.Handle("GET /sync", s.admin(s.handleSync))
	mux.Handle("POST /sync", s.admin(s.handleSync))
	mux.HandleFunc("GET /sync/status", s.handleSyncStatus)
	mux.Handle("POST /admin/sync/enable", s.admin(s.handleSyncEnable))
	mux.Handle("POST /admin/sync/disable", s.admin(s.handleSyncDisable))

	return s.middleware(mux)
}

// middleware wraps h, innermost first: rate limit, CORS, panic recovery,
// access log, request id. Recovery sits inside the access log so a panic is
// still logged and counted as a 500.
func (s *Server) middleware(h http.Handler) http.Handler {
	h = s.withRateLimit(h)
	h = s.withCORS(h)
	h = s.withRecover(h)
	h = s.withAccessLog(h)
	return withRequestID(h)
}

func (s *Server) admin(fn http.HandlerFunc) http.Handler {
	return s.auth.RequireAdmin(fn)
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.errors.HandleHTTPError(w, RequestID(r.Context()), err)
}

// ==========================
// Health
// ==========================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", map[string]interface{}{"error": err})
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"time":   time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ==========================
// Rows
// ==========================

func (s *Server) handleRows(w http.ResponseWriter, r *http.Request) {
	input, err := s.deps.Query.ParseInput(r.URL.Query())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out, err := s.deps.Query.Execute(r.Context(), input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAppend(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.deps.Append.ExecuteSingle(r.Context(), &appendrows.SingleInput{
		Payload:        body,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResponse(w, resp)
}

func (s *Server) handleBulkAppend(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items, err := decodeBulkItems(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.deps.Append.ExecuteBulk(r.Context(), &appendrows.BulkInput{
		Items:          items,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeResponse(w, resp)
}

// decodeBulkItems accepts a bare JSON array or an object holding the array
// under "rows".
func decodeBulkItems(body []byte) ([]json.RawMessage, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err == nil {
		return items, nil
	}
	var wrapped struct {
		Rows []json.RawMessage `json:"rows"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil || wrapped.Rows == nil {
		return nil, apperrors.NewBadRequestError("body must be a JSON array of row objects")
	}
	return wrapped.Rows, nil
}

// ==========================
// Helpers
// ==========================

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, fmt.Errorf("%w: request body exceeds %d bytes", apperrors.ErrCapacityExceeded, maxErr.Limit)
		}
		return nil, apperrors.NewBadRequestError("failed to read request body")
	}
	return body, nil
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeResponse sends a pipeline response verbatim so a replay is byte
// identical to the first response.
func writeResponse(w http.ResponseWriter, resp *appendrows.Response) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Replayed {
		w.Header().Set("Idempotency-Replayed", "1")
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

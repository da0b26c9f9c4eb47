// internal/workers/sync/reconcile-rows/handler.go
package reconcilerows

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	apperrors "sheetbridge/internal/common/errors"
	"sheetbridge/internal/common/logger"
	"sheetbridge/internal/common/metrics"
	"sheetbridge/internal/common/observability"
	"sheetbridge/internal/common/validation"
	"sheetbridge/internal/models"
	"sheetbridge/internal/storage/rows"
)

const (
	TaskType = "reconcile-rows"
)

// RemoteReader fetches the full remote row set.
type RemoteReader interface {
	FetchAllRows(ctx context.Context) ([]*models.RowData, error)
}

// Handler is the reconciliation scheduler. While enabled, Run sleeps for
// interval ± jitter and then pulls the remote rows into the cache. A failed
// pass is followed by the current backoff instead of the interval, and the
// backoff doubles up to BackoffMax; a successful pass resets it.
type Handler struct {
	config    *Config
	reader    RemoteReader
	rows      *rows.Store
	validator *validation.Validator
	obs       *observability.Observability
	logger    logger.Logger

	after  func(time.Duration) <-chan time.Time
	jitter func(time.Duration) time.Duration
	now    func() time.Time
	wake   chan struct{}

	mu         sync.Mutex
	state      models.SchedulerState
	failing    bool
	retryDelay time.Duration
}

// NewHandler builds a scheduler. reader may be nil, in which case every
// pass fails as remote unavailable.
func NewHandler(config *Config, reader RemoteReader, store *rows.Store, validator *validation.Validator, obs *observability.Observability, log logger.Logger) *Handler {
	backoff := config.Interval
	if config.BackoffMax > 0 && backoff > config.BackoffMax {
		backoff = config.BackoffMax
	}
	return &Handler{
		config:    config,
		reader:    reader,
		rows:      store,
		validator: validator,
		obs:       obs,
		logger:    log.WithFields(map[string]interface{}{"taskType": TaskType}),
		after:     time.After,
		jitter:    uniformJitter,
		now:       time.Now,
		wake:      make(chan struct{}, 1),
		state: models.SchedulerState{
			Enabled:        config.Enabled,
			CurrentBackoff: backoff,
			Interval:       config.Interval,
			Jitter:         config.Jitter,
			BackoffMax:     config.BackoffMax,
		},
	}
}

// Run drives scheduled passes until ctx is done. It idles while disabled.
func (h *Handler) Run(ctx context.Context) {
	h.logger.Info("reconciliation scheduler started", map[string]interface{}{
		"enabled":    h.Enabled(),
		"interval":   h.config.Interval.String(),
		"jitter":     h.config.Jitter.String(),
		"backoffMax": h.config.BackoffMax.String(),
	})
	defer h.logger.Info("reconciliation scheduler stopped", nil)

	for {
		h.mu.Lock()
		enabled := h.state.Enabled
		delay := h.nextDelayLocked()
		h.mu.Unlock()

		if !enabled {
			select {
			case <-ctx.Done():
				return
			case <-h.wake:
				continue
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-h.wake:
			continue
		case <-h.after(delay):
		}

		if !h.Enabled() {
			continue
		}
		if _, err := h.RunOnce(ctx); errors.Is(err, apperrors.ErrConflict) {
			h.logger.Debug("skipping scheduled pass, another pass is running", nil)
		}
	}
}

// RunOnce performs one reconciliation pass now. It fails with a conflict
// when a pass is already in flight.
func (h *Handler) RunOnce(ctx context.Context) (*Output, error) {
	h.mu.Lock()
	if h.state.Running {
		h.mu.Unlock()
		return nil, apperrors.NewConflictError("reconciliation already running")
	}
	started := h.now().UTC()
	h.state.Running = true
	h.state.LastStarted = &started
	h.mu.Unlock()

	out, err := h.reconcile(ctx)
	h.finish(err)

	status := metrics.Result(err)
	metrics.ReconcileRuns.WithLabelValues(status).Inc()
	h.obs.RecordReconcile(ctx, h.now().Sub(started), status)

	if err != nil {
		h.logger.Warn("reconciliation failed", map[string]interface{}{"error": err})
		return nil, err
	}
	h.logger.Info("reconciliation finished", map[string]interface{}{
		"synced":   out.Synced,
		"inserted": out.Inserted,
		"updated":  out.Updated,
		"skipped":  out.Skipped,
	})
	return out, nil
}

func (h *Handler) reconcile(ctx context.Context) (*Output, error) {
	if h.reader == nil {
		return nil, apperrors.NewRemoteUnavailableError("Google credentials not configured")
	}

	fctx := ctx
	if h.config.Timeout > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, h.config.Timeout)
		defer cancel()
	}
	fetched, err := h.reader.FetchAllRows(fctx)
	if err != nil {
		return nil, err
	}

	out := &Output{}
	accepted := make([]*models.RowData, 0, len(fetched))
	for i, row := range fetched {
		result := h.validator.Validate(row)
		if !result.OK {
			out.Skipped++
			h.logger.Debug("remote row rejected", map[string]interface{}{"index": i, "reason": result.Reason})
			continue
		}
		if missing := h.rows.CheckKey(result.Row); missing != nil {
			out.Skipped++
			h.logger.Debug("remote row rejected", map[string]interface{}{"index": i, "reason": missing.Reason()})
			continue
		}
		accepted = append(accepted, result.Row)
	}

	res, err := h.rows.Upsert(ctx, accepted)
	if err != nil {
		return nil, err
	}
	out.Synced = res.Stored()
	out.Inserted = res.Inserted
	out.Updated = res.Updated
	return out, nil
}

func (h *Handler) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	finished := h.now().UTC()
	h.state.Running = false
	h.state.LastFinished = &finished

	if err == nil {
		h.state.TotalRuns++
		h.state.LastError = nil
		h.failing = false
		h.state.CurrentBackoff = h.clampBackoff(h.config.Interval)
	} else {
		msg := apperrors.Normalize(err).Details
		if msg == "" {
			msg = err.Error()
		}
		h.state.TotalErrors++
		h.state.LastError = &msg
		h.failing = true
		h.retryDelay = h.state.CurrentBackoff
		h.state.CurrentBackoff = h.clampBackoff(2 * h.state.CurrentBackoff)
	}
	metrics.ReconcileBackoff.Set(h.state.CurrentBackoff.Seconds())
}

func (h *Handler) clampBackoff(d time.Duration) time.Duration {
	if h.config.BackoffMax > 0 && d > h.config.BackoffMax {
		return h.config.BackoffMax
	}
	return d
}

func (h *Handler) nextDelayLocked() time.Duration {
	if h.failing {
		return h.retryDelay
	}
	d := h.config.Interval + h.jitter(h.config.Jitter)
	if d < 0 {
		return 0
	}
	return d
}

// Enable starts scheduled passes.
func (h *Handler) Enable() {
	h.setEnabled(true)
}

// Disable stops further scheduled passes. An in-flight pass completes.
func (h *Handler) Disable() {
	h.setEnabled(false)
}

func (h *Handler) setEnabled(v bool) {
	h.mu.Lock()
	changed := h.state.Enabled != v
	h.state.Enabled = v
	h.mu.Unlock()

	if changed {
		h.logger.Info("reconciliation scheduler toggled", map[string]interface{}{"enabled": v})
		select {
		case h.wake <- struct{}{}:
		default:
		}
	}
}

func (h *Handler) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Enabled
}

// State returns a snapshot of the scheduler state.
func (h *Handler) State() models.SchedulerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Status returns the state in its reporting form.
func (h *Handler) Status() *Status {
	return newStatus(h.State())
}

// uniformJitter returns a duration uniformly drawn from [-spread, spread].
func uniformJitter(spread time.Duration) time.Duration {
	if spread <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(2*spread)+1)) - spread
}

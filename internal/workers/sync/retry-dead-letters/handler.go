// internal/workers/sync/retry-dead-letters/handler.go
package retrydeadletters

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	apperrors "sheetbridge/internal/common/errors"
	"sheetbridge/internal/common/logger"
	"sheetbridge/internal/common/metrics"
	"sheetbridge/internal/common/observability"
	"sheetbridge/internal/models"
	"sheetbridge/internal/storage/deadletter"
)

const (
	TaskType = "retry-dead-letters"
)

// RemoteWriter appends rows to the remote sheet.
type RemoteWriter interface {
	AppendRows(ctx context.Context, rows []*models.RowData) (int, error)
}

// Handler replays write_failed dead letters against the remote sheet with at
// most Concurrency writes in flight. Entries that fail stay queued for the
// next cycle.
type Handler struct {
	config *Config
	dlq    *deadletter.Queue
	writer RemoteWriter
	obs    *observability.Observability
	logger logger.Logger
	now    func() time.Time
}

// NewHandler builds the retry pool. writer may be nil when no remote
// credentials are configured.
func NewHandler(config *Config, dlq *deadletter.Queue, writer RemoteWriter, obs *observability.Observability, log logger.Logger) *Handler {
	return &Handler{
		config: config,
		dlq:    dlq,
		writer: writer,
		obs:    obs,
		logger: log.WithFields(map[string]interface{}{"taskType": TaskType}),
		now:    time.Now,
	}
}

// Run executes a cycle every Interval until ctx is done. It returns at once
// when retries are disabled.
func (h *Handler) Run(ctx context.Context) {
	if !h.config.Enabled {
		h.logger.Info("dead letter retry disabled", nil)
		return
	}
	if h.writer == nil {
		h.logger.Warn("dead letter retry idle, remote credentials not configured", nil)
		return
	}

	h.logger.Info("dead letter retry started", map[string]interface{}{
		"interval":    h.config.Interval.String(),
		"batch":       h.config.Batch,
		"concurrency": h.config.Concurrency,
	})
	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("dead letter retry stopped", nil)
			return
		case <-ticker.C:
			if _, err := h.RunCycle(ctx); err != nil {
				h.logger.Warn("dead letter retry cycle failed", map[string]interface{}{"error": err})
			}
		}
	}
}

// RunCycle claims up to Batch entries and replays them.
func (h *Handler) RunCycle(ctx context.Context) (*Output, error) {
	if h.writer == nil {
		return nil, apperrors.NewRemoteUnavailableError("no creds")
	}

	entries, err := h.dlq.DequeueBatch(ctx, h.config.Batch)
	if err != nil {
		return nil, err
	}
	out := &Output{Retried: len(entries)}
	if len(entries) == 0 {
		return out, nil
	}

	var succeeded atomic.Int64
	sem := semaphore.NewWeighted(int64(h.config.Concurrency))
	var g errgroup.Group

	for i, entry := range entries {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Unstarted entries go back to the queue untouched.
			for _, rest := range entries[i:] {
				h.dlq.Release(rest.ID)
			}
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if h.replay(ctx, entry) {
				succeeded.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	out.Succeeded = int(succeeded.Load())
	h.logger.Info("dead letter retry cycle finished", map[string]interface{}{
		"retried":   out.Retried,
		"succeeded": out.Succeeded,
	})
	return out, nil
}

// replay writes one entry and reports success. The entry is removed on
// success and released otherwise.
func (h *Handler) replay(ctx context.Context, entry *models.DeadLetterEntry) bool {
	log := h.logger.WithFields(map[string]interface{}{"entryId": entry.ID})

	row, err := models.DecodeRowData(entry.Payload)
	if err != nil {
		log.Warn("dead letter payload is not a row", map[string]interface{}{"error": err})
		h.dlq.Release(entry.ID)
		metrics.DeadLetterRetries.WithLabelValues("failure").Inc()
		return false
	}

	wctx := ctx
	if h.config.Timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, h.config.Timeout)
		defer cancel()
	}

	start := h.now()
	_, err = h.writer.AppendRows(wctx, []*models.RowData{row})
	status := metrics.Result(err)
	h.obs.RecordWriteback(ctx, h.now().Sub(start), "retry", status)
	metrics.DeadLetterRetries.WithLabelValues(status).Inc()
	metrics.WriteBackTotal.WithLabelValues(status).Inc()

	if err != nil {
		log.Debug("dead letter replay failed", map[string]interface{}{"error": err})
		h.dlq.Release(entry.ID)
		return false
	}
	if err := h.dlq.Remove(ctx, entry.ID); err != nil {
		// The row reached the sheet; a stale entry only risks a duplicate
		// append on a later cycle.
		log.Error("failed to remove replayed dead letter", map[string]interface{}{"error": err})
	}
	return true
}

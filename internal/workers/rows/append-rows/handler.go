// internal/workers/rows/append-rows/handler.go
package appendrows

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	apperrors "sheetbridge/internal/common/errors"
	"sheetbridge/internal/common/logger"
	"sheetbridge/internal/common/metrics"
	"sheetbridge/internal/common/observability"
	"sheetbridge/internal/common/validation"
	"sheetbridge/internal/models"
	"sheetbridge/internal/storage/deadletter"
	"sheetbridge/internal/storage/idempotency"
	"sheetbridge/internal/storage/rows"
)

const (
	TaskType = "append-rows"
)

// RemoteWriter appends rows to the remote sheet and reports how many were
// written before any failure.
type RemoteWriter interface {
	AppendRows(ctx context.Context, rows []*models.RowData) (int, error)
}

// Dependencies of the write pipeline. Writer is nil when no remote
// credentials are configured.
type Dependencies struct {
	Rows      *rows.Store
	Validator *validation.Validator
	Ledger    *idempotency.Ledger
	DLQ       *deadletter.Queue
	Writer    RemoteWriter
	Obs       *observability.Observability
}

type Handler struct {
	config    *Config
	rows      *rows.Store
	validator *validation.Validator
	ledger    *idempotency.Ledger
	dlq       *deadletter.Queue
	writer    RemoteWriter
	obs       *observability.Observability
	logger    logger.Logger
}

func NewHandler(config *Config, deps Dependencies, log logger.Logger) *Handler {
	return &Handler{
		config:    config,
		rows:      deps.Rows,
		validator: deps.Validator,
		ledger:    deps.Ledger,
		dlq:       deps.DLQ,
		writer:    deps.Writer,
		obs:       deps.Obs,
		logger:    log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}
}

// ExecuteSingle runs one row through the write pipeline: idempotency gate,
// validation, cache upsert, then a best-effort write-through. A rejected
// row is dead-lettered and returned as a contract violation.
func (h *Handler) ExecuteSingle(ctx context.Context, input *SingleInput) (*Response, error) {
	key := idempotency.ScopedKey(idempotency.ScopeAppend, input.IdempotencyKey)
	replay, err := h.ledger.Begin(ctx, key)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return h.replayed(idempotency.ScopeAppend, replay), nil
	}
	committed := false
	defer func() {
		if !committed {
			h.ledger.Abort(key)
		}
	}()

	row, reason, err := h.admit(ctx, input.Payload)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return nil, apperrors.NewContractViolationError(reason)
	}

	res, err := h.rows.Upsert(ctx, []*models.RowData{row})
	if err != nil {
		return nil, err
	}

	wrote, err := h.writeThrough(ctx, []*models.RowData{row})
	if err != nil {
		return nil, err
	}

	h.logger.Info("row appended", map[string]interface{}{
		"inserted": res.Inserted,
		"updated":  res.Updated,
		"wrote":    wrote,
		"idemKey":  input.IdempotencyKey,
	})

	body, err := json.Marshal(SingleOutput{
		Inserted:       res.Stored(),
		Wrote:          wrote,
		IdempotencyKey: optional(input.IdempotencyKey),
	})
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return h.commit(ctx, key, body, &committed)
}

// ExecuteBulk runs every item through validation independently. Rejected
// items are dead-lettered and reported by index; accepted ones are upserted
// in one transaction and written through together.
func (h *Handler) ExecuteBulk(ctx context.Context, input *BulkInput) (*Response, error) {
	if limit := h.config.BulkMaxItems; limit > 0 && len(input.Items) > limit {
		return nil, apperrors.NewCapacityExceededError(len(input.Items), limit)
	}

	key := idempotency.ScopedKey(idempotency.ScopeBulk, input.IdempotencyKey)
	replay, err := h.ledger.Begin(ctx, key)
	if err != nil {
		return nil, err
	}
	if replay != nil {
		return h.replayed(idempotency.ScopeBulk, replay), nil
	}
	committed := false
	defer func() {
		if !committed {
			h.ledger.Abort(key)
		}
	}()

	out := BulkOutput{
		Accepted:       []int{},
		Rejected:       []Rejection{},
		IdempotencyKey: optional(input.IdempotencyKey),
	}
	valid := make([]*models.RowData, 0, len(input.Items))
	for i, raw := range input.Items {
		row, reason, err := h.admit(ctx, raw)
		if err != nil {
			return nil, err
		}
		if reason != "" {
			out.Rejected = append(out.Rejected, Rejection{Index: i, Reason: reason})
			continue
		}
		out.Accepted = append(out.Accepted, i)
		valid = append(valid, row)
	}

	res, err := h.rows.Upsert(ctx, valid)
	if err != nil {
		return nil, err
	}
	out.Count = res.Stored()

	if len(valid) > 0 {
		if out.Wrote, err = h.writeThrough(ctx, valid); err != nil {
			return nil, err
		}
	}

	h.logger.Info("bulk append processed", map[string]interface{}{
		"items":    len(input.Items),
		"accepted": len(out.Accepted),
		"rejected": len(out.Rejected),
		"inserted": res.Inserted,
		"updated":  res.Updated,
		"wrote":    out.Wrote,
		"idemKey":  input.IdempotencyKey,
	})

	body, err := json.Marshal(out)
	if err != nil {
		return nil, apperrors.NewInternalError(err)
	}
	return h.commit(ctx, key, body, &committed)
}

// admit decodes and validates one payload. A non-empty reason means the
// payload was rejected and has been dead-lettered.
func (h *Handler) admit(ctx context.Context, raw json.RawMessage) (*models.RowData, string, error) {
	row, err := models.DecodeRowData(raw)
	if err != nil {
		if !errors.Is(err, models.ErrNotAnObject) {
			return nil, "", apperrors.NewBadRequestError("malformed JSON payload: " + err.Error())
		}
		return nil, models.ReasonNotAnObject, h.deadLetter(ctx, models.ReasonNotAnObject, raw)
	}

	result := h.validator.Validate(row)
	if !result.OK {
		return nil, result.Reason, h.deadLetter(ctx, result.Reason, raw)
	}
	if missing := h.rows.CheckKey(result.Row); missing != nil {
		return nil, missing.Reason(), h.deadLetter(ctx, missing.Reason(), raw)
	}
	return result.Row, "", nil
}

// writeThrough attempts the remote append. Rows that did not reach the
// remote are dead-lettered as write_failed; only a dead-letter failure is
// returned as an error.
func (h *Handler) writeThrough(ctx context.Context, batch []*models.RowData) (bool, error) {
	if !h.config.WriteBack || h.writer == nil {
		return false, nil
	}

	wctx := ctx
	if h.config.Timeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, h.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	written, err := h.writer.AppendRows(wctx, batch)
	h.obs.RecordWriteback(ctx, time.Since(start), "request", metrics.Result(err))
	metrics.WriteBackTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err == nil {
		return true, nil
	}

	h.logger.Warn("write-through failed, queueing rows for retry", map[string]interface{}{
		"rows":    len(batch),
		"written": written,
		"error":   err,
	})
	if written < 0 {
		written = 0
	}
	for _, row := range batch[written:] {
		payload, encErr := row.Encode()
		if encErr != nil {
			return false, apperrors.NewInternalError(encErr)
		}
		if dlErr := h.deadLetter(ctx, models.ReasonWriteFailed, payload); dlErr != nil {
			return false, dlErr
		}
	}
	return false, nil
}

func (h *Handler) deadLetter(ctx context.Context, reason string, payload []byte) error {
	if _, err := h.dlq.Enqueue(ctx, reason, payload); err != nil {
		return err
	}
	metrics.DeadLettersEnqueued.WithLabelValues(reasonLabel(reason)).Inc()
	return nil
}

func (h *Handler) commit(ctx context.Context, key string, body []byte, committed *bool) (*Response, error) {
	if key != "" {
		if _, err := h.ledger.Commit(ctx, key, 200, body); err != nil {
			return nil, err
		}
		*committed = true
	}
	return &Response{StatusCode: 200, Body: body}, nil
}

func (h *Handler) replayed(scope string, entry *models.IdempotencyEntry) *Response {
	metrics.IdempotencyReplays.WithLabelValues(scope).Inc()
	h.logger.Debug("idempotent replay", map[string]interface{}{"idemKey": entry.Key})
	return &Response{StatusCode: entry.StatusCode, Body: entry.Body, Replayed: true}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// reasonLabel keeps the metric label bounded by dropping the column suffix.
func reasonLabel(reason string) string {
	if i := strings.IndexByte(reason, ':'); i >= 0 {
		return reason[:i]
	}
	return reason
}

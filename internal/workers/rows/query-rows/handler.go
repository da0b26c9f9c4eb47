// internal/workers/rows/query-rows/handler.go
package queryrows

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "sheetbridge/internal/common/errors"
	"sheetbridge/internal/common/logger"
	"sheetbridge/internal/models"
	"sheetbridge/internal/storage/rows"
)

const (
	TaskType = "query-rows"
)

type Handler struct {
	config *Config
	rows   *rows.Store
	logger logger.Logger
}

func NewHandler(config *Config, store *rows.Store, log logger.Logger) *Handler {
	return &Handler{
		config: config,
		rows:   store,
		logger: log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}
}

// ParseInput reads q, columns, since, limit and offset from query
// parameters. Absent limit means the default page size.
func (h *Handler) ParseInput(values url.Values) (*Input, error) {
	input := &Input{
		Filter: values.Get("q"),
		Since:  strings.TrimSpace(values.Get("since")),
		Limit:  h.config.DefaultLimit,
	}
	for _, c := range strings.Split(values.Get("columns"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			input.Columns = append(input.Columns, c)
		}
	}
	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, apperrors.NewBadRequestError("invalid 'limit' value")
		}
		input.Limit = n
	}
	if raw := values.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, apperrors.NewBadRequestError("invalid 'offset' value")
		}
		input.Offset = n
	}
	return input, nil
}

func (h *Handler) Execute(ctx context.Context, input *Input) (*Output, error) {
	if input.Limit < 1 || input.Limit > h.config.MaxLimit {
		return nil, apperrors.NewBadRequestError(fmt.Sprintf("'limit' must be between 1 and %d", h.config.MaxLimit))
	}
	if input.Offset < 0 {
		return nil, apperrors.NewBadRequestError("'offset' must be >= 0")
	}

	q := rows.Query{
		Filter:  input.Filter,
		Columns: input.Columns,
		Limit:   input.Limit,
		Offset:  input.Offset,
	}
	if input.Since != "" {
		since, err := ParseSince(input.Since)
		if err != nil {
			return nil, apperrors.NewBadRequestError("invalid 'since' value")
		}
		q.Since = &since
	}

	if h.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.config.Timeout)
		defer cancel()
	}

	page, err := h.rows.Query(ctx, q)
	if err != nil {
		return nil, err
	}

	out := &Output{
		Rows:   make([]*models.RowData, 0, len(page.Rows)),
		Total:  page.Total,
		Limit:  input.Limit,
		Offset: input.Offset,
	}
	for _, r := range page.Rows {
		out.Rows = append(out.Rows, r.Data)
	}
	return out, nil
}

var sinceLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// maxSinceEpoch is the last second of year 9999.
var maxSinceEpoch = float64(time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC).Unix())

// ParseSince accepts epoch seconds (integer or fractional) or an ISO-8601
// timestamp. Timestamps without an offset are taken as UTC.
func ParseSince(raw string) (time.Time, error) {
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f > maxSinceEpoch {
			return time.Time{}, fmt.Errorf("invalid epoch %q", raw)
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	}
	for _, layout := range sinceLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

// internal/sheets/client.go
package sheets

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/oauth2"

	"sheetbridge/internal/common/config"
	apperrors "sheetbridge/internal/common/errors"
	httpclient "sheetbridge/internal/common/http"
	"sheetbridge/internal/common/logger"
	"sheetbridge/internal/models"
)

// Client talks to the Sheets v4 values API for one worksheet.
type Client struct {
	http      *httpclient.Client
	baseURL   string
	sheetID   string
	worksheet string
	batchSize int
	logger    logger.Logger

	mu     sync.Mutex
	header []string
}

// New resolves credentials and builds an authorized client. It returns an
// error wrapping ErrNoCredentials when none are configured.
func New(ctx context.Context, cfg config.SheetsConfig, log logger.Logger) (*Client, error) {
	ts, err := TokenSource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewClient(cfg, oauth2.NewClient(ctx, ts), log), nil
}

// NewClient uses httpClient as is. Tests pass a plain client pointed at a
// fake server through cfg.BaseURL.
func NewClient(cfg config.SheetsConfig, httpClient *http.Client, log logger.Logger) *Client {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 200
	}
	return &Client{
		http:      httpclient.Wrap(httpClient, config.GetDuration(cfg.Timeout)),
		baseURL:   strings.TrimSuffix(cfg.BaseURL, "/"),
		sheetID:   cfg.SheetID,
		worksheet: cfg.Worksheet,
		batchSize: batch,
		logger: log.WithFields(map[string]interface{}{
			"component": "sheets",
			"sheet_id":  cfg.SheetID,
			"worksheet": cfg.Worksheet,
		}),
	}
}

type valueRange struct {
	Range  string          `json:"range,omitempty"`
	Values [][]interface{} `json:"values"`
}

// FetchAllRows reads the worksheet. The first line is the header; every
// later non-empty line becomes a row keyed by header, short lines padded
// with nulls.
func (c *Client) FetchAllRows(ctx context.Context) ([]*models.RowData, error) {
	var res valueRange
	if err := c.http.DoJSON(ctx, http.MethodGet, c.valuesURL(c.worksheet+"!A:Z", ""), nil, &res); err != nil {
		return nil, fmt.Errorf("%w: fetch rows: %v", apperrors.ErrRemoteUnavailable, err)
	}
	if len(res.Values) == 0 {
		return []*models.RowData{}, nil
	}

	header := headerCells(res.Values[0])
	c.setHeader(header)

	rows := make([]*models.RowData, 0, len(res.Values)-1)
	for _, raw := range res.Values[1:] {
		if len(raw) == 0 {
			continue
		}
		row := models.NewRowData()
		for i, col := range header {
			if i < len(raw) {
				row.Set(col, raw[i])
			} else {
				row.Set(col, nil)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// AppendRows appends rows in chunks of the configured batch size and
// returns how many were written before any failure. Values follow the
// sheet's header order; columns unknown to the header go last.
func (c *Client) AppendRows(ctx context.Context, rows []*models.RowData) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	header, err := c.Header(ctx)
	if err != nil {
		return 0, err
	}

	written := 0
	for start := 0; start < len(rows); start += c.batchSize {
		end := start + c.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		body := valueRange{Values: make([][]interface{}, 0, end-start)}
		for _, row := range rows[start:end] {
			body.Values = append(body.Values, orderValues(header, row))
		}

		query := url.Values{}
		query.Set("valueInputOption", "USER_ENTERED")
		query.Set("insertDataOption", "INSERT_ROWS")
		if err := c.http.DoJSON(ctx, http.MethodPost, c.valuesURL(c.worksheet+"!A:Z", ":append?"+query.Encode()), body, nil); err != nil {
			return written, fmt.Errorf("%w: append rows: %v", apperrors.ErrRemoteUnavailable, err)
		}
		written += end - start
	}

	c.logger.Debug("rows appended", map[string]interface{}{"count": written})
	return written, nil
}

// Header returns the worksheet header row, fetching it once.
func (c *Client) Header(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	cached := c.header
	c.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	var res valueRange
	if err := c.http.DoJSON(ctx, http.MethodGet, c.valuesURL(c.worksheet+"!1:1", ""), nil, &res); err != nil {
		return nil, fmt.Errorf("%w: fetch header: %v", apperrors.ErrRemoteUnavailable, err)
	}
	header := []string{}
	if len(res.Values) > 0 {
		header = headerCells(res.Values[0])
	}
	c.setHeader(header)
	return header, nil
}

func (c *Client) setHeader(header []string) {
	c.mu.Lock()
	c.header = header
	c.mu.Unlock()
}

func (c *Client) valuesURL(a1Range, suffix string) string {
	return fmt.Sprintf("%s/v4/spreadsheets/%s/values/%s%s",
		c.baseURL, url.PathEscape(c.sheetID), url.PathEscape(a1Range), suffix)
}

func headerCells(raw []interface{}) []string {
	header := make([]string, len(raw))
	for i, cell := range raw {
		header[i] = strings.TrimSpace(fmt.Sprint(cell))
	}
	return header
}

func orderValues(header []string, row *models.RowData) []interface{} {
	out := make([]interface{}, 0, len(header)+row.Len())
	known := make(map[string]struct{}, len(header))
	for _, col := range header {
		known[col] = struct{}{}
		v, _ := row.Get(col)
		out = append(out, cellValue(v))
	}
	for _, col := range row.Keys() {
		if _, ok := known[col]; ok {
			continue
		}
		v, _ := row.Get(col)
		out = append(out, cellValue(v))
	}
	return out
}

func cellValue(v interface{}) interface{} {
	if v == nil {
		return ""
	}
	return v
}

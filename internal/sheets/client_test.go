// internal/sheets/client_test.go
package sheets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetbridge/internal/common/config"
	apperrors "sheetbridge/internal/common/errors"
	"sheetbridge/internal/common/logger"
	"sheetbridge/internal/models"
)

// ==========================
// Fake Sheets API
// ==========================

type fakeSheet struct {
	mu       sync.Mutex
	values   [][]interface{}
	appended [][][]interface{}
	queries  []string
	fail     bool
}

func (f *fakeSheet) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail {
		http.Error(w, `{"error":{"code":503}}`, http.StatusServiceUnavailable)
		return
	}
	prefix := "/v4/spreadsheets/sheet-1/values/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	rng := strings.TrimPrefix(r.URL.Path, prefix)

	switch {
	case r.Method == http.MethodGet && rng == "Sheet1!A:Z":
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"values": f.values})
	case r.Method == http.MethodGet && rng == "Sheet1!1:1":
		var head [][]interface{}
		if len(f.values) > 0 {
			head = f.values[:1]
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"values": head})
	case r.Method == http.MethodPost && rng == "Sheet1!A:Z:append":
		var body struct {
			Values [][]interface{} `json:"values"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.queries = append(f.queries, r.URL.RawQuery)
		f.appended = append(f.appended, body.Values)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"updates": map[string]int{"updatedRows": len(body.Values)}})
	default:
		http.NotFound(w, r)
	}
}

func newTestClient(t *testing.T, fake *fakeSheet, batchSize int) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewClient(config.SheetsConfig{
		SheetID:   "sheet-1",
		Worksheet: "Sheet1",
		BaseURL:   srv.URL,
		BatchSize: batchSize,
		Timeout:   2000,
	}, srv.Client(), logger.NewTestLogger(t))
}

func row(t *testing.T, raw string) *models.RowData {
	t.Helper()
	d, err := models.DecodeRowData([]byte(raw))
	require.NoError(t, err)
	return d
}

// ==========================
// FetchAllRows
// ==========================

func TestFetchAllRows(t *testing.T) {
	fake := &fakeSheet{values: [][]interface{}{
		{" id ", "name", "email"},
		{"a1", "Alice", "alice@example.com"},
		{"b2", "Bob"},
		{},
	}}
	c := newTestClient(t, fake, 0)

	rows, err := c.FetchAllRows(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)

	b, err := rows[1].Encode()
	require.NoError(t, err)
	assert.Equal(t, `{"id":"b2","name":"Bob","email":null}`, string(b))
	assert.Equal(t, []string{"id", "name", "email"}, rows[0].Keys())
}

func TestFetchAllRows_EmptySheet(t *testing.T) {
	c := newTestClient(t, &fakeSheet{}, 0)

	rows, err := c.FetchAllRows(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestFetchAllRows_RemoteFailure(t *testing.T) {
	c := newTestClient(t, &fakeSheet{fail: true}, 0)

	_, err := c.FetchAllRows(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrRemoteUnavailable))
}

// ==========================
// AppendRows
// ==========================

func TestAppendRows_OrdersByHeaderAndChunks(t *testing.T) {
	fake := &fakeSheet{values: [][]interface{}{{"id", "name", "email"}}}
	c := newTestClient(t, fake, 2)

	rows := []*models.RowData{
		row(t, `{"name":"Alice","id":"a1"}`),
		row(t, `{"email":"b@example.com","id":"b2","extra":"x"}`),
		row(t, `{"id":"c3","name":null}`),
	}
	n, err := c.AppendRows(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.Len(t, fake.appended, 2)
	assert.Equal(t, [][]interface{}{
		{"a1", "Alice", ""},
		{"b2", "", "b@example.com", "x"},
	}, fake.appended[0])
	assert.Equal(t, [][]interface{}{{"c3", "", ""}}, fake.appended[1])
	assert.Contains(t, fake.queries[0], "valueInputOption=USER_ENTERED")
	assert.Contains(t, fake.queries[0], "insertDataOption=INSERT_ROWS")
}

func TestAppendRows_BlankSheetUsesRowOrder(t *testing.T) {
	fake := &fakeSheet{}
	c := newTestClient(t, fake, 0)

	_, err := c.AppendRows(context.Background(), []*models.RowData{row(t, `{"b":"2","a":"1"}`)})
	require.NoError(t, err)
	assert.Equal(t, [][]interface{}{{"2", "1"}}, fake.appended[0])
}

func TestAppendRows_ReportsPartialProgress(t *testing.T) {
	fake := &fakeSheet{values: [][]interface{}{{"id"}}}
	c := newTestClient(t, fake, 1)

	_, err := c.Header(context.Background())
	require.NoError(t, err)
	fake.fail = true

	n, err := c.AppendRows(context.Background(), []*models.RowData{row(t, `{"id":"1"}`)})
	assert.Zero(t, n)
	assert.True(t, errors.Is(err, apperrors.ErrRemoteUnavailable))
}

func TestAppendRows_Empty(t *testing.T) {
	fake := &fakeSheet{}
	c := newTestClient(t, fake, 0)

	n, err := c.AppendRows(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, fake.appended)
}

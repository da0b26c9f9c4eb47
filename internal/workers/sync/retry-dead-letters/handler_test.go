// internal/workers/sync/retry-dead-letters/handler_test.go
package retrydeadletters

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetbridge/internal/common/config"
	"sheetbridge/internal/common/database"
	apperrors "sheetbridge/internal/common/errors"
	"sheetbridge/internal/common/logger"
	"sheetbridge/internal/models"
	"sheetbridge/internal/storage/deadletter"
)

// ==========================
// Test Helper Functions
// ==========================

type fakeWriter struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	written  []string
	failIDs  map[string]bool
	delay    time.Duration
}

func (w *fakeWriter) AppendRows(ctx context.Context, rows []*models.RowData) (int, error) {
	w.mu.Lock()
	w.inFlight++
	if w.inFlight > w.peak {
		w.peak = w.inFlight
	}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.inFlight--
		w.mu.Unlock()
	}()

	if w.delay > 0 {
		select {
		case <-time.After(w.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

	id, _ := rows[0].KeyValue("id")
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failIDs[id] {
		return 0, apperrors.NewRemoteUnavailableError("sheets returned 503")
	}
	w.written = append(w.written, id)
	return len(rows), nil
}

func createTestConfig() *Config {
	return &Config{
		Enabled:     true,
		Interval:    time.Minute,
		Batch:       10,
		Concurrency: 2,
		Timeout:     time.Second,
	}
}

func createTestQueue(t *testing.T) *deadletter.Queue {
	t.Helper()
	db, err := database.Open(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "dlq.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return deadletter.NewQueue(db, nil, logger.NewTestLogger(t))
}

func seed(t *testing.T, q *deadletter.Queue, reason, payload string) *models.DeadLetterEntry {
	t.Helper()
	entry, err := q.Enqueue(context.Background(), reason, json.RawMessage(payload))
	require.NoError(t, err)
	return entry
}

func remaining(t *testing.T, q *deadletter.Queue) []string {
	t.Helper()
	list, err := q.List(context.Background(), 100, 0)
	require.NoError(t, err)
	out := make([]string, 0, len(list))
	for _, e := range list {
		out = append(out, string(e.Payload))
	}
	return out
}

// ==========================
// RunCycle
// ==========================

func TestRunCycle_RemovesReplayedEntries(t *testing.T) {
	q := createTestQueue(t)
	seed(t, q, models.ReasonWriteFailed, `{"id":"1"}`)
	seed(t, q, models.ReasonWriteFailed, `{"id":"2"}`)

	writer := &fakeWriter{}
	h := NewHandler(createTestConfig(), q, writer, nil, logger.NewTestLogger(t))

	out, err := h.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Output{Retried: 2, Succeeded: 2}, out)
	assert.ElementsMatch(t, []string{"1", "2"}, writer.written)
	assert.Empty(t, remaining(t, q))
	assert.Zero(t, q.Claimed())
}

func TestRunCycle_FailedEntriesStayQueued(t *testing.T) {
	q := createTestQueue(t)
	seed(t, q, models.ReasonWriteFailed, `{"id":"1"}`)
	seed(t, q, models.ReasonWriteFailed, `{"id":"2"}`)

	writer := &fakeWriter{failIDs: map[string]bool{"2": true}}
	h := NewHandler(createTestConfig(), q, writer, nil, logger.NewTestLogger(t))

	out, err := h.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Output{Retried: 2, Succeeded: 1}, out)
	assert.Equal(t, []string{`{"id":"2"}`}, remaining(t, q))
	assert.Zero(t, q.Claimed())

	// Retried again on the next cycle once the remote recovers.
	writer.mu.Lock()
	writer.failIDs = nil
	writer.mu.Unlock()

	out, err = h.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Output{Retried: 1, Succeeded: 1}, out)
	assert.Empty(t, remaining(t, q))
}

func TestRunCycle_SkipsContractViolations(t *testing.T) {
	q := createTestQueue(t)
	seed(t, q, "type_error:amount:integer", `{"id":"1","amount":"x"}`)
	seed(t, q, models.ReasonWriteFailed, `{"id":"2"}`)

	writer := &fakeWriter{}
	h := NewHandler(createTestConfig(), q, writer, nil, logger.NewTestLogger(t))

	out, err := h.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Output{Retried: 1, Succeeded: 1}, out)
	assert.Equal(t, []string{`{"id":"1","amount":"x"}`}, remaining(t, q))
}

func TestRunCycle_RespectsBatchSize(t *testing.T) {
	q := createTestQueue(t)
	for i := 0; i < 5; i++ {
		seed(t, q, models.ReasonWriteFailed, `{"id":"x"}`)
	}

	cfg := createTestConfig()
	cfg.Batch = 3
	h := NewHandler(cfg, q, &fakeWriter{}, nil, logger.NewTestLogger(t))

	out, err := h.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, out.Retried)
	assert.Len(t, remaining(t, q), 2)
}

func TestRunCycle_ConcurrencyCap(t *testing.T) {
	q := createTestQueue(t)
	for i := 0; i < 8; i++ {
		seed(t, q, models.ReasonWriteFailed, `{"id":"x"}`)
	}

	cfg := createTestConfig()
	cfg.Concurrency = 3
	writer := &fakeWriter{delay: 20 * time.Millisecond}
	h := NewHandler(cfg, q, writer, nil, logger.NewTestLogger(t))

	out, err := h.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 8, out.Succeeded)
	assert.LessOrEqual(t, writer.peak, 3)
	assert.Greater(t, writer.peak, 1)
}

func TestRunCycle_TimeoutCountsAsFailure(t *testing.T) {
	q := createTestQueue(t)
	seed(t, q, models.ReasonWriteFailed, `{"id":"1"}`)

	cfg := createTestConfig()
	cfg.Timeout = 5 * time.Millisecond
	writer := &fakeWriter{delay: time.Second}
	h := NewHandler(cfg, q, writer, nil, logger.NewTestLogger(t))

	out, err := h.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Output{Retried: 1, Succeeded: 0}, out)
	assert.Len(t, remaining(t, q), 1)
}

func TestRunCycle_NoCredentials(t *testing.T) {
	q := createTestQueue(t)
	seed(t, q, models.ReasonWriteFailed, `{"id":"1"}`)

	h := NewHandler(createTestConfig(), q, nil, nil, logger.NewTestLogger(t))

	_, err := h.RunCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRemoteUnavailable))
	assert.Contains(t, apperrors.Normalize(err).Details, "no creds")
	assert.Len(t, remaining(t, q), 1)
}

func TestRunCycle_EmptyQueue(t *testing.T) {
	h := NewHandler(createTestConfig(), createTestQueue(t), &fakeWriter{}, nil, logger.NewTestLogger(t))

	out, err := h.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Output{}, out)
}

// ==========================
// Run
// ==========================

func TestRun_ReturnsWhenDisabled(t *testing.T) {
	cfg := createTestConfig()
	cfg.Enabled = false
	h := NewHandler(cfg, createTestQueue(t), &fakeWriter{}, nil, logger.NewTestLogger(t))

	done := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return while disabled")
	}
}

func TestRun_DrainsOnTick(t *testing.T) {
	q := createTestQueue(t)
	seed(t, q, models.ReasonWriteFailed, `{"id":"1"}`)

	cfg := createTestConfig()
	cfg.Interval = 10 * time.Millisecond
	h := NewHandler(cfg, q, &fakeWriter{}, nil, logger.NewTestLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	assert.Eventually(t, func() bool {
		n, err := q.Count(context.Background())
		return err == nil && n == 0
	}, time.Second, 10*time.Millisecond)
}

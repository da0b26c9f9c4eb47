// internal/workers/sync/reconcile-rows/handler_test.go
package reconcilerows

import (
	"context"
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
	"sheetbridge/internal/common/validation"
	"sheetbridge/internal/models"
	"sheetbridge/internal/storage/rows"
)

// ==========================
// Test Helper Functions
// ==========================

type fakeReader struct {
	mu      sync.Mutex
	calls   int
	failFor int // first n calls fail
	rows    []string
	block   chan struct{}
	started chan struct{}
}

func (f *fakeReader) FetchAllRows(ctx context.Context) ([]*models.RowData, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if call <= f.failFor {
		return nil, apperrors.NewRemoteUnavailableError("sheets returned 503")
	}
	out := make([]*models.RowData, 0, len(f.rows))
	for _, r := range f.rows {
		d, err := models.DecodeRowData([]byte(r))
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func createTestConfig() *Config {
	return &Config{
		Enabled:    true,
		Interval:   10 * time.Second,
		Jitter:     0,
		BackoffMax: 40 * time.Second,
		Timeout:    time.Second,
	}
}

func createTestHandler(t *testing.T, cfg *Config, reader RemoteReader, opts rows.Options, contractDoc string) (*Handler, *rows.Store) {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(dir, "cache.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logger.NewTestLogger(t)
	validator := validation.NewValidator(filepath.Join(dir, "schema.json"), log)
	if contractDoc != "" {
		_, _, err := validator.Replace([]byte(contractDoc))
		require.NoError(t, err)
	}
	store := rows.NewStore(db, opts, log)
	if cfg == nil {
		cfg = createTestConfig()
	}
	return NewHandler(cfg, reader, store, validator, nil, log), store
}

// ==========================
// RunOnce
// ==========================

func TestRunOnce_UpsertsRemoteRows(t *testing.T) {
	reader := &fakeReader{rows: []string{`{"id":"1","name":"A"}`, `{"id":"2","name":"B"}`}}
	h, store := createTestHandler(t, nil, reader, rows.Options{KeyColumn: "id", UpsertStrict: true}, "")
	ctx := context.Background()

	out, err := h.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Output{Synced: 2, Inserted: 2}, out)

	out, err = h.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Output{Synced: 2, Updated: 2}, out)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	state := h.State()
	assert.Equal(t, int64(2), state.TotalRuns)
	assert.Zero(t, state.TotalErrors)
	assert.Nil(t, state.LastError)
	assert.False(t, state.Running)
	require.NotNil(t, state.LastStarted)
	require.NotNil(t, state.LastFinished)
}

func TestRunOnce_SkipsRowsFailingContractOrKey(t *testing.T) {
	reader := &fakeReader{rows: []string{
		`{"id":"1","amount":"5"}`,
		`{"id":"2","amount":"five"}`,
		`{"amount":"6"}`,
	}}
	h, _ := createTestHandler(t, nil, reader, rows.Options{KeyColumn: "id", UpsertStrict: true},
		`{"columns":{"amount":{"type":"integer"}}}`)

	out, err := h.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, &Output{Synced: 1, Inserted: 1, Skipped: 2}, out)
}

func TestRunOnce_WithoutReader(t *testing.T) {
	h, _ := createTestHandler(t, nil, nil, rows.Options{}, "")

	_, err := h.RunOnce(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrRemoteUnavailable))

	state := h.State()
	assert.Equal(t, int64(1), state.TotalErrors)
	require.NotNil(t, state.LastError)
	assert.Equal(t, "Google credentials not configured", *state.LastError)
}

func TestRunOnce_ConflictWhileRunning(t *testing.T) {
	reader := &fakeReader{block: make(chan struct{}), started: make(chan struct{}, 1)}
	h, _ := createTestHandler(t, nil, reader, rows.Options{}, "")

	done := make(chan error, 1)
	go func() {
		_, err := h.RunOnce(context.Background())
		done <- err
	}()
	<-reader.started

	assert.True(t, h.Status().Running)
	_, err := h.RunOnce(context.Background())
	assert.True(t, errors.Is(err, apperrors.ErrConflict))

	close(reader.block)
	require.NoError(t, <-done)
	assert.False(t, h.Status().Running)
}

// ==========================
// Scheduling
// ==========================

func TestRun_BackoffDoublesToCeilingAndResets(t *testing.T) {
	reader := &fakeReader{failFor: 4}
	h, _ := createTestHandler(t, nil, reader, rows.Options{}, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delays []time.Duration
	h.after = func(d time.Duration) <-chan time.Time {
		delays = append(delays, d)
		if len(delays) == 6 {
			cancel()
			return make(chan time.Time)
		}
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}

	h.Run(ctx)

	assert.Equal(t, []time.Duration{
		10 * time.Second, // first scheduled pass
		10 * time.Second, // backoff starts at the interval
		20 * time.Second,
		40 * time.Second,
		40 * time.Second, // ceiling
		10 * time.Second, // success resets
	}, delays)

	state := h.State()
	assert.Equal(t, int64(4), state.TotalErrors)
	assert.Equal(t, int64(1), state.TotalRuns)
	assert.Equal(t, 10*time.Second, state.CurrentBackoff)
}

func TestRun_AppliesJitter(t *testing.T) {
	h, _ := createTestHandler(t, nil, &fakeReader{}, rows.Options{}, "")
	h.jitter = func(spread time.Duration) time.Duration { return -3 * time.Second }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var first time.Duration
	h.after = func(d time.Duration) <-chan time.Time {
		first = d
		cancel()
		return make(chan time.Time)
	}
	h.Run(ctx)

	assert.Equal(t, 7*time.Second, first)
}

func TestRun_DisabledIdlesUntilEnabled(t *testing.T) {
	cfg := createTestConfig()
	cfg.Enabled = false
	reader := &fakeReader{}
	h, _ := createTestHandler(t, cfg, reader, rows.Options{}, "")

	var (
		mu    sync.Mutex
		calls int
	)
	h.after = func(time.Duration) <-chan time.Time {
		mu.Lock()
		calls++
		mu.Unlock()
		return make(chan time.Time)
	}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Zero(t, calls)
	mu.Unlock()

	h.Enable()
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, h.Status().Enabled)

	h.Disable()
	assert.False(t, h.Status().Enabled)

	cancel()
	<-stopped
	reader.mu.Lock()
	assert.Zero(t, reader.calls)
	reader.mu.Unlock()
}

func TestUniformJitterBounds(t *testing.T) {
	for i := 0; i < 1000; i++ {
		j := uniformJitter(2 * time.Second)
		assert.True(t, j >= -2*time.Second && j <= 2*time.Second, "jitter %s out of range", j)
	}
	assert.Zero(t, uniformJitter(0))
}

func TestStatus_ReportsSeconds(t *testing.T) {
	h, _ := createTestHandler(t, nil, &fakeReader{}, rows.Options{}, "")

	s := h.Status()
	assert.True(t, s.Enabled)
	assert.Equal(t, 10.0, s.Interval)
	assert.Equal(t, 0.0, s.Jitter)
	assert.Equal(t, 40.0, s.BackoffMax)
	assert.Equal(t, 10.0, s.CurrentBackoff)
}

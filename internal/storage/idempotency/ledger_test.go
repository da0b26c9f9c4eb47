// internal/storage/idempotency/ledger_test.go
package idempotency

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetbridge/internal/common/config"
	"sheetbridge/internal/common/database"
	apperrors "sheetbridge/internal/common/errors"
	"sheetbridge/internal/common/logger"
	"sheetbridge/internal/models"
)

// ==========================
// Test Helper Functions
// ==========================

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := database.Open(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "idem.db")},
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLStore(db)
}

func newRedisStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, ttl), mr
}

func backends(t *testing.T) map[string]Store {
	redisStore, _ := newRedisStore(t, time.Hour)
	return map[string]Store{
		"sql":   newSQLStore(t),
		"redis": redisStore,
	}
}

// ==========================
// Ledger
// ==========================

func TestScopedKey(t *testing.T) {
	assert.Equal(t, "append:k1", ScopedKey(ScopeAppend, "k1"))
	assert.Equal(t, "bulk:k1", ScopedKey(ScopeBulk, "k1"))
	assert.Equal(t, "", ScopedKey(ScopeAppend, ""))
}

func TestLedger_FreshThenReplay(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := NewLedger(store, time.Hour, logger.NewTestLogger(t))
			ctx := context.Background()

			entry, err := l.Begin(ctx, "append:k1")
			require.NoError(t, err)
			assert.Nil(t, entry)

			body := []byte(`{"inserted":1,"wrote":false,"idempotency_key":"k1"}`)
			_, err = l.Commit(ctx, "append:k1", 200, body)
			require.NoError(t, err)
			assert.Zero(t, l.Pending())

			replay, err := l.Begin(ctx, "append:k1")
			require.NoError(t, err)
			require.NotNil(t, replay)
			assert.Equal(t, 200, replay.StatusCode)
			assert.Equal(t, body, replay.Body)
			assert.Zero(t, l.Pending())
		})
	}
}

func TestLedger_EmptyKeyAlwaysFresh(t *testing.T) {
	l := NewLedger(newSQLStore(t), time.Hour, logger.NewNoOpLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		entry, err := l.Begin(ctx, "")
		require.NoError(t, err)
		assert.Nil(t, entry)
		_, err = l.Commit(ctx, "", 200, []byte(`{}`))
		require.NoError(t, err)
	}
	assert.Zero(t, l.Pending())
}

func TestLedger_ConcurrentBeginRunsWorkOnce(t *testing.T) {
	l := NewLedger(newSQLStore(t), time.Hour, logger.NewNoOpLogger())
	ctx := context.Background()

	var (
		executions int32
		wg         sync.WaitGroup
		mu         sync.Mutex
		bodies     [][]byte
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			entry, err := l.Begin(ctx, "append:k1")
			if err != nil {
				return
			}
			if entry == nil {
				atomic.AddInt32(&executions, 1)
				time.Sleep(20 * time.Millisecond)
				entry, err = l.Commit(ctx, "append:k1", 200, []byte(`{"inserted":1}`))
				if err != nil {
					return
				}
			}
			mu.Lock()
			bodies = append(bodies, entry.Body)
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), executions)
	require.Len(t, bodies, 10)
	for _, b := range bodies {
		assert.Equal(t, `{"inserted":1}`, string(b))
	}
}

func TestLedger_AbortHandsKeyToWaiter(t *testing.T) {
	l := NewLedger(newSQLStore(t), time.Hour, logger.NewNoOpLogger())
	ctx := context.Background()

	entry, err := l.Begin(ctx, "bulk:b1")
	require.NoError(t, err)
	require.Nil(t, entry)

	got := make(chan *models.IdempotencyEntry, 1)
	go func() {
		e, _ := l.Begin(ctx, "bulk:b1")
		got <- e
	}()

	time.Sleep(10 * time.Millisecond)
	l.Abort("bulk:b1")

	select {
	case e := <-got:
		assert.Nil(t, e, "waiter should own the key after abort")
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestLedger_BeginHonoursContextWhileWaiting(t *testing.T) {
	l := NewLedger(newSQLStore(t), time.Hour, logger.NewNoOpLogger())

	_, err := l.Begin(context.Background(), "append:k1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Begin(ctx, "append:k1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLedger_ExpiredEntryIsFresh(t *testing.T) {
	l := NewLedger(newSQLStore(t), time.Hour, logger.NewNoOpLogger())
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return base }

	_, err := l.Begin(ctx, "append:k1")
	require.NoError(t, err)
	_, err = l.Commit(ctx, "append:k1", 200, []byte(`{"v":1}`))
	require.NoError(t, err)

	l.now = func() time.Time { return base.Add(2 * time.Hour) }
	entry, err := l.Begin(ctx, "append:k1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	_, err = l.Commit(ctx, "append:k1", 200, []byte(`{"v":2}`))
	require.NoError(t, err)
	replay, err := l.Begin(ctx, "append:k1")
	require.NoError(t, err)
	require.NotNil(t, replay)
	assert.Equal(t, `{"v":2}`, string(replay.Body))
}

func TestLedger_PurgeExpired(t *testing.T) {
	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			l := NewLedger(store, time.Hour, logger.NewNoOpLogger())
			ctx := context.Background()
			base := time.Now().UTC()

			l.now = func() time.Time { return base.Add(-3 * time.Hour) }
			for _, k := range []string{"append:old1", "append:old2"} {
				_, err := l.Begin(ctx, k)
				require.NoError(t, err)
				_, err = l.Commit(ctx, k, 200, []byte(`{}`))
				require.NoError(t, err)
			}
			l.now = func() time.Time { return base }
			_, err := l.Begin(ctx, "append:new")
			require.NoError(t, err)
			_, err = l.Commit(ctx, "append:new", 200, []byte(`{}`))
			require.NoError(t, err)

			n, err := l.PurgeExpired(ctx)
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			entry, err := store.Get(ctx, "append:new")
			require.NoError(t, err)
			assert.NotNil(t, entry)
		})
	}
}

func TestLedger_StoreFailureReleasesKey(t *testing.T) {
	client, mock := redismock.NewClientMock()
	l := NewLedger(NewRedisStore(client, time.Hour), time.Hour, logger.NewNoOpLogger())

	mock.ExpectGet(redisKeyPrefix + "append:k1").SetErr(errors.New("connection refused"))

	_, err := l.Begin(context.Background(), "append:k1")
	assert.True(t, errors.Is(err, apperrors.ErrPersistenceFailed))
	assert.Zero(t, l.Pending())
	assert.NoError(t, mock.ExpectationsWereMet())
}

// ==========================
// Stores
// ==========================

func TestRedisStore_SetsTTL(t *testing.T) {
	store, mr := newRedisStore(t, 90*time.Second)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &models.IdempotencyEntry{
		Key: "append:k1", StatusCode: 200, Body: []byte(`{}`), CreatedAt: time.Now(),
	}))
	assert.Equal(t, 90*time.Second, mr.TTL(redisKeyPrefix+"append:k1"))

	mr.FastForward(2 * time.Minute)
	entry, err := store.Get(ctx, "append:k1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRedisStore_GetMissingKey(t *testing.T) {
	client, mock := redismock.NewClientMock()
	store := NewRedisStore(client, time.Hour)

	mock.ExpectGet(redisKeyPrefix + "append:nope").RedisNil()

	entry, err := store.Get(context.Background(), "append:nope")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisStore_CorruptValue(t *testing.T) {
	store, mr := newRedisStore(t, time.Hour)
	require.NoError(t, mr.Set(redisKeyPrefix+"append:k1", "not json"))

	_, err := store.Get(context.Background(), "append:k1")
	assert.True(t, errors.Is(err, apperrors.ErrPersistenceFailed))
}

func TestSQLStore_PutFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectExec("INSERT INTO idempotency").WillReturnError(errors.New("readonly database"))

	store := NewSQLStore(database.NewSQLClient(sqlDB, database.DialectSQLite))
	err = store.Put(context.Background(), &models.IdempotencyEntry{Key: "append:k1", CreatedAt: time.Now()})
	assert.True(t, errors.Is(err, apperrors.ErrPersistenceFailed))
	assert.NoError(t, mock.ExpectationsWereMet())
}

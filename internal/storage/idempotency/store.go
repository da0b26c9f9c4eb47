// internal/storage/idempotency/store.go
package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sheetbridge/internal/common/database"
	apperrors "sheetbridge/internal/common/errors"
	"sheetbridge/internal/models"
)

// Store persists committed responses. Get returns (nil, nil) for an unknown
// key. Put overwrites, so an expired entry that was not purged yet can be
// replaced by a fresh commit.
type Store interface {
	Get(ctx context.Context, key string) (*models.IdempotencyEntry, error)
	Put(ctx context.Context, entry *models.IdempotencyEntry) error
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// ==========================
// SQL
// ==========================

type SQLStore struct {
	db *database.SQLClient
}

func NewSQLStore(db *database.SQLClient) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Get(ctx context.Context, key string) (*models.IdempotencyEntry, error) {
	var (
		entry     = models.IdempotencyEntry{Key: key}
		createdAt int64
	)
	err := s.db.QueryRow(ctx,
		`SELECT status, response, created_at FROM idempotency WHERE idem_key = ?`, key,
	).Scan(&entry.StatusCode, &entry.Body, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read idempotency key: %v", apperrors.ErrPersistenceFailed, err)
	}
	entry.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &entry, nil
}

func (s *SQLStore) Put(ctx context.Context, entry *models.IdempotencyEntry) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO idempotency (idem_key, status, response, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (idem_key) DO UPDATE SET status = excluded.status, response = excluded.response, created_at = excluded.created_at`,
		entry.Key, entry.StatusCode, entry.Body, entry.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("%w: save idempotency key: %v", apperrors.ErrPersistenceFailed, err)
	}
	return nil
}

func (s *SQLStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.Exec(ctx, `DELETE FROM idempotency WHERE created_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("%w: purge idempotency keys: %v", apperrors.ErrPersistenceFailed, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ==========================
// Redis
// ==========================

const redisKeyPrefix = "sb:idem:"

// RedisStore keeps entries under sb:idem:<key> with the retention window as
// the Redis TTL, so PurgeBefore usually finds nothing left to do.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

type redisEntry struct {
	Status    int    `json:"status"`
	Body      []byte `json:"body"`
	CreatedAt int64  `json:"created_at"`
}

func (s *RedisStore) Get(ctx context.Context, key string) (*models.IdempotencyEntry, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read idempotency key: %v", apperrors.ErrPersistenceFailed, err)
	}
	var stored redisEntry
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("%w: decode idempotency key %q: %v", apperrors.ErrPersistenceFailed, key, err)
	}
	return &models.IdempotencyEntry{
		Key:        key,
		StatusCode: stored.Status,
		Body:       stored.Body,
		CreatedAt:  time.UnixMilli(stored.CreatedAt).UTC(),
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, entry *models.IdempotencyEntry) error {
	data, err := json.Marshal(redisEntry{
		Status:    entry.StatusCode,
		Body:      entry.Body,
		CreatedAt: entry.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("%w: encode idempotency key: %v", apperrors.ErrPersistenceFailed, err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+entry.Key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: save idempotency key: %v", apperrors.ErrPersistenceFailed, err)
	}
	return nil
}

func (s *RedisStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var (
		purged int
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisKeyPrefix+"*", 200).Result()
		if err != nil {
			return purged, fmt.Errorf("%w: scan idempotency keys: %v", apperrors.ErrPersistenceFailed, err)
		}
		for _, k := range keys {
			entry, err := s.Get(ctx, k[len(redisKeyPrefix):])
			if err != nil || entry == nil || !entry.CreatedAt.Before(cutoff) {
				continue
			}
			n, err := s.client.Del(ctx, k).Result()
			if err != nil {
				return purged, fmt.Errorf("%w: purge idempotency keys: %v", apperrors.ErrPersistenceFailed, err)
			}
			purged += int(n)
		}
		cursor = next
		if cursor == 0 {
			return purged, nil
		}
	}
}

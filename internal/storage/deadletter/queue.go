// internal/storage/deadletter/queue.go
package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"sheetbridge/internal/common/database"
	apperrors "sheetbridge/internal/common/errors"
	"sheetbridge/internal/common/logger"
	"sheetbridge/internal/models"
)

// Notifier is told about every new entry. Failures are logged and ignored.
type Notifier interface {
	NotifyDeadLetter(ctx context.Context, entry *models.DeadLetterEntry) error
}

// Queue is the durable dead-letter queue. Entries are immutable; they leave
// the queue through Remove (successful retry) or Purge.
//
// Claims taken by DequeueBatch live in memory only: the queue has a single
// consumer in this process, and a restart simply makes every entry
// claimable again.
type Queue struct {
	db       *database.SQLClient
	notifier Notifier
	logger   logger.Logger
	now      func() time.Time

	mu      sync.Mutex
	claimed map[int64]struct{}
}

func NewQueue(db *database.SQLClient, notifier Notifier, log logger.Logger) *Queue {
	return &Queue{
		db:       db,
		notifier: notifier,
		logger:   log.WithFields(map[string]interface{}{"component": "dlq"}),
		now:      time.Now,
		claimed:  map[int64]struct{}{},
	}
}

// Enqueue records a failed or rejected write.
func (q *Queue) Enqueue(ctx context.Context, reason string, payload json.RawMessage) (*models.DeadLetterEntry, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	entry := &models.DeadLetterEntry{
		Reason:    reason,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: time.UnixMilli(q.now().UTC().UnixMilli()).UTC(),
	}
	err := q.db.QueryRow(ctx,
		`INSERT INTO dead_letters (reason, payload, created_at) VALUES (?, ?, ?) RETURNING id`,
		entry.Reason, string(entry.Payload), entry.CreatedAt.UnixMilli(),
	).Scan(&entry.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: enqueue dead letter: %v", apperrors.ErrPersistenceFailed, err)
	}

	q.logger.Warn("dead letter enqueued", map[string]interface{}{
		"id":     entry.ID,
		"reason": entry.Reason,
	})
	if q.notifier != nil {
		if err := q.notifier.NotifyDeadLetter(ctx, entry); err != nil {
			q.logger.Warn("dead letter notification failed", map[string]interface{}{
				"id":    entry.ID,
				"error": err,
			})
		}
	}
	return entry, nil
}

// List returns entries newest first.
func (q *Queue) List(ctx context.Context, limit, offset int) ([]*models.DeadLetterEntry, error) {
	if limit <= 0 {
		return []*models.DeadLetterEntry{}, nil
	}
	if offset < 0 {
		offset = 0
	}
	entries, err := q.selectEntries(ctx,
		`SELECT id, reason, payload, created_at FROM dead_letters ORDER BY id DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: list dead letters: %v", apperrors.ErrPersistenceFailed, err)
	}
	return entries, nil
}

// Count returns the number of queued entries.
func (q *Queue) Count(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRow(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count dead letters: %v", apperrors.ErrPersistenceFailed, err)
	}
	return n, nil
}

// DequeueBatch claims up to max retryable entries, oldest first, without
// deleting them. Claimed entries are skipped by later calls until they are
// released or removed. The claim lock is not held while the database is
// queried.
func (q *Queue) DequeueBatch(ctx context.Context, max int) ([]*models.DeadLetterEntry, error) {
	if max <= 0 {
		return nil, nil
	}

	batch := make([]*models.DeadLetterEntry, 0, max)
	skipped := 0
	for {
		q.mu.Lock()
		limit := max - len(batch) + len(q.claimed) + skipped
		q.mu.Unlock()

		// The reason filter narrows the scan to what Retryable accepts.
		candidates, err := q.selectEntries(ctx,
			`SELECT id, reason, payload, created_at FROM dead_letters WHERE reason = ? ORDER BY id LIMIT ?`,
			models.ReasonWriteFailed, limit)
		if err != nil {
			q.Release(entryIDs(batch)...)
			return nil, fmt.Errorf("%w: dequeue dead letters: %v", apperrors.ErrPersistenceFailed, err)
		}

		skipped = 0
		q.mu.Lock()
		for _, entry := range candidates {
			if len(batch) == max {
				break
			}
			if !entry.Retryable() {
				skipped++
				continue
			}
			if _, taken := q.claimed[entry.ID]; taken {
				continue
			}
			q.claimed[entry.ID] = struct{}{}
			batch = append(batch, entry)
		}
		q.mu.Unlock()

		// A short read means the table is exhausted. Otherwise rows were
		// claimed concurrently and a wider scan may find more.
		if len(batch) == max || len(candidates) < limit {
			return batch, nil
		}
	}
}

func entryIDs(entries []*models.DeadLetterEntry) []int64 {
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

// Release returns claimed entries to the queue.
func (q *Queue) Release(ids ...int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range ids {
		delete(q.claimed, id)
	}
}

// Remove deletes an entry. It wraps ErrNotFound when the id is unknown.
func (q *Queue) Remove(ctx context.Context, id int64) error {
	defer q.Release(id)

	res, err := q.db.Exec(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: remove dead letter %d: %v", apperrors.ErrPersistenceFailed, id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: dead letter %d", apperrors.ErrNotFound, id)
	}
	return nil
}

// Purge deletes every entry, or only those with the given reason prefix.
func (q *Queue) Purge(ctx context.Context, reasonPrefix string) (int, error) {
	var (
		res sql.Result
		err error
	)
	if reasonPrefix == "" {
		res, err = q.db.Exec(ctx, `DELETE FROM dead_letters`)
	} else {
		res, err = q.db.Exec(ctx, `DELETE FROM dead_letters WHERE reason = ? OR reason LIKE ?`,
			reasonPrefix, reasonPrefix+":%")
	}
	if err != nil {
		return 0, fmt.Errorf("%w: purge dead letters: %v", apperrors.ErrPersistenceFailed, err)
	}
	n, _ := res.RowsAffected()

	q.logger.Info("dead letters purged", map[string]interface{}{
		"reason": reasonPrefix,
		"purged": n,
	})
	return int(n), nil
}

// Claimed returns the number of entries currently claimed.
func (q *Queue) Claimed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.claimed)
}

func (q *Queue) selectEntries(ctx context.Context, query string, args ...interface{}) ([]*models.DeadLetterEntry, error) {
	rows, err := q.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []*models.DeadLetterEntry{}
	for rows.Next() {
		var (
			entry     models.DeadLetterEntry
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&entry.ID, &entry.Reason, &payload, &createdAt); err != nil {
			return nil, err
		}
		entry.Payload = json.RawMessage(payload)
		entry.CreatedAt = time.UnixMilli(createdAt).UTC()
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

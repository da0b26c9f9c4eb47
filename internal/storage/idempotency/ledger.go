// internal/storage/idempotency/ledger.go
package idempotency

import (
	"context"
	"sync"
	"time"

	"sheetbridge/internal/common/logger"
	"sheetbridge/internal/models"
)

// Key scopes. The same client key used on /append and /bulk/append refers
// to two different operations.
const (
	ScopeAppend = "append"
	ScopeBulk   = "bulk"
)

// ScopedKey prefixes a client key with its operation scope. An empty client
// key stays empty.
func ScopedKey(scope, key string) string {
	if key == "" {
		return ""
	}
	return scope + ":" + key
}

// Ledger serialises work per idempotency key on top of a Store.
//
// Begin either hands the key to the caller (fresh) or returns the committed
// entry (replay). A caller that gets the key must finish with Commit or
// Abort; concurrent callers for the same key wait until then.
type Ledger struct {
	store  Store
	ttl    time.Duration
	logger logger.Logger
	now    func() time.Time

	mu       sync.Mutex
	inflight map[string]chan struct{}
}

func NewLedger(store Store, ttl time.Duration, log logger.Logger) *Ledger {
	return &Ledger{
		store:    store,
		ttl:      ttl,
		logger:   log.WithFields(map[string]interface{}{"component": "idempotency"}),
		now:      time.Now,
		inflight: map[string]chan struct{}{},
	}
}

// TTL returns the retention window.
func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

// Begin claims key. A nil entry means the caller owns the key and must call
// Commit or Abort. A non-nil entry is the response to replay.
// An empty key is always fresh and needs no Commit.
func (l *Ledger) Begin(ctx context.Context, key string) (*models.IdempotencyEntry, error) {
	if key == "" {
		return nil, nil
	}
	for {
		l.mu.Lock()
		done, busy := l.inflight[key]
		if !busy {
			l.inflight[key] = make(chan struct{})
		}
		l.mu.Unlock()

		if busy {
			select {
			case <-done:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		entry, err := l.store.Get(ctx, key)
		if err != nil {
			l.release(key)
			return nil, err
		}
		if entry != nil && !entry.Expired(l.now(), l.ttl) {
			l.release(key)
			return entry, nil
		}
		return nil, nil
	}
}

// Commit records the response for a key obtained from Begin and wakes any
// waiters, which then replay it.
func (l *Ledger) Commit(ctx context.Context, key string, status int, body []byte) (*models.IdempotencyEntry, error) {
	entry := &models.IdempotencyEntry{
		Key:        key,
		StatusCode: status,
		Body:       append([]byte(nil), body...),
		CreatedAt:  time.UnixMilli(l.now().UnixMilli()).UTC(),
	}
	if key == "" {
		return entry, nil
	}
	defer l.release(key)

	if err := l.store.Put(ctx, entry); err != nil {
		l.logger.Error("failed to record idempotent response", map[string]interface{}{
			"key":   key,
			"error": err,
		})
		return nil, err
	}
	return entry, nil
}

// Abort gives up a key without recording anything. One waiter takes it over.
func (l *Ledger) Abort(key string) {
	if key == "" {
		return
	}
	l.release(key)
}

// PurgeExpired removes entries older than the retention window.
func (l *Ledger) PurgeExpired(ctx context.Context) (int, error) {
	n, err := l.store.PurgeBefore(ctx, l.now().Add(-l.ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		l.logger.Info("expired idempotency keys purged", map[string]interface{}{"purged": n})
	}
	return n, nil
}

// Pending returns the number of keys currently claimed.
func (l *Ledger) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inflight)
}

func (l *Ledger) release(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if done, ok := l.inflight[key]; ok {
		close(done)
		delete(l.inflight, key)
	}
}

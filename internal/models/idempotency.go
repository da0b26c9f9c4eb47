// internal/models/idempotency.go
package models

import "time"

// IdempotencyEntry maps a scoped idempotency key to the exact response first
// produced for it.
type IdempotencyEntry struct {
	Key        string    `json:"key"`
	StatusCode int       `json:"status_code"`
	Body       []byte    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// Expired reports whether the entry is older than the retention window.
func (e IdempotencyEntry) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.CreatedAt) > ttl
}

// internal/models/deadletter.go
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// Dead-letter reasons. Contract violations are suffixed with the column
// (and expected type), e.g. "missing_required:id" or "type_error:amount:integer".
const (
	ReasonWriteFailed     = "write_failed"
	ReasonMissingRequired = "missing_required"
	ReasonTypeError       = "type_error"
	ReasonMissingKey      = "missing_key"
	ReasonNotAnObject     = "not_an_object"
)

var ErrNotAnObject = errors.New("payload is not a JSON object")

// DeadLetterEntry records one rejected or failed write. Entries are never
// mutated; they are removed by a successful retry or an explicit purge.
type DeadLetterEntry struct {
	ID        int64           `json:"id"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
}

// Retryable reports whether replaying the entry against the remote sheet can
// succeed. Contract violations need a human (or a contract change) first.
func (e DeadLetterEntry) Retryable() bool {
	return e.Reason == ReasonWriteFailed
}

// internal/workers/rows/append-rows/models.go
package appendrows

import "encoding/json"

type SingleInput struct {
	Payload        json.RawMessage
	IdempotencyKey string
}

type BulkInput struct {
	Items          []json.RawMessage
	IdempotencyKey string
}

// SingleOutput is the body of a successful single append.
type SingleOutput struct {
	Inserted       int     `json:"inserted"`
	Wrote          bool    `json:"wrote"`
	IdempotencyKey *string `json:"idempotency_key"`
}

// BulkOutput is the body of a bulk append. Count is the number of rows
// stored in the cache (inserted or updated).
type BulkOutput struct {
	Accepted       []int       `json:"accepted"`
	Rejected       []Rejection `json:"rejected"`
	Count          int         `json:"count"`
	Wrote          bool        `json:"wrote"`
	IdempotencyKey *string     `json:"idempotency_key"`
}

type Rejection struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Response is the exact status and body to send. Replays carry the bytes
// recorded by the first request.
type Response struct {
	StatusCode int
	Body       []byte
	Replayed   bool
}

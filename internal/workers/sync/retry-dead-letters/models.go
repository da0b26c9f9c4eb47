// internal/workers/sync/retry-dead-letters/models.go
package retrydeadletters

// Output reports one retry cycle.
type Output struct {
	Retried   int `json:"retried"`
	Succeeded int `json:"succeeded"`
}

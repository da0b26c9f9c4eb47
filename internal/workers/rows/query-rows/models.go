// internal/workers/rows/query-rows/models.go
package queryrows

import "sheetbridge/internal/models"

type Input struct {
	Filter  string
	Columns []string
	// Since is an epoch (seconds) or an ISO-8601 timestamp; naive
	// timestamps are UTC. It compares against cache write time.
	Since  string
	Limit  int
	Offset int
}

// Output rows carry the row data only.
type Output struct {
	Rows   []*models.RowData `json:"rows"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

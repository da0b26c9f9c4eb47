// internal/common/observability/metrics_test.go
package observability

import (
	"context"
	"strings"
	"testing"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sheetbridge/internal/common/logger"
)

func TestRecordDurations(t *testing.T) {
	reg := promclient.NewRegistry()
	o := New("sheetbridge-test", reg, logger.NewTestLogger(t))
	defer o.Shutdown()

	ctx := context.Background()
	o.RecordReconcile(ctx, 120*time.Millisecond, "success")
	o.RecordWriteback(ctx, 40*time.Millisecond, "retry", "failure")

	families, err := reg.Gather()
	require.NoError(t, err)

	var names []string
	for _, f := range families {
		names = append(names, f.GetName())
	}
	joined := strings.Join(names, ",")
	assert.Contains(t, joined, "reconcile_duration")
	assert.Contains(t, joined, "writeback_duration")
}

func TestNilObservabilityIsSafe(t *testing.T) {
	var o *Observability
	assert.NotPanics(t, func() {
		o.RecordReconcile(context.Background(), time.Second, "success")
		o.RecordWriteback(context.Background(), time.Second, "request", "success")
		o.Shutdown()
	})
}

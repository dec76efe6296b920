package action

import (
	"context"
	"time"

	"github.com/CyberFlameGO/envkey/internal/metrics"
)

// metricsDispatcher decorates a Dispatcher with per-action-type operation
// counts and latencies.
type metricsDispatcher struct {
	inner   Dispatcher
	metrics metrics.BusinessMetrics
}

// NewMetricsDispatcher wraps a dispatcher with business metrics recording.
func NewMetricsDispatcher(inner Dispatcher, businessMetrics metrics.BusinessMetrics) Dispatcher {
	return &metricsDispatcher{inner: inner, metrics: businessMetrics}
}

// Dispatch records the outcome and duration of the inner dispatch.
func (d *metricsDispatcher) Dispatch(ctx context.Context, actx Context, act Action) (*Result, error) {
	start := time.Now()
	result, err := d.inner.Dispatch(ctx, actx, act)

	status := "success"
	if err != nil {
		status = "error"
	}
	d.metrics.RecordOperation(ctx, "action", string(act.Type), status)
	d.metrics.RecordDuration(ctx, "action", string(act.Type), time.Since(start), status)

	return result, err
}

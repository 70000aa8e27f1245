package restore

import (
	"context"
	"strconv"

	"github.com/autopeer-io/devicekit/internal/pkg/metrics"
	"github.com/autopeer-io/devicekit/pkg/apis/restore/v1alpha1"
)

// Observer is told about every step as it is recorded and about the final
// result once the run log is closed. Implementations must not block for long;
// StepRecorded is called from the supervising loop.
type Observer interface {
	StepRecorded(ctx context.Context, udid string, step v1alpha1.RestoreStep)
	Finished(ctx context.Context, result *v1alpha1.RestoreResult)
}

// Observers fans out to several observers in order.
type Observers []Observer

var _ Observer = Observers(nil)

func (o Observers) StepRecorded(ctx context.Context, udid string, step v1alpha1.RestoreStep) {
	for _, obs := range o {
		obs.StepRecorded(ctx, udid, step)
	}
}

func (o Observers) Finished(ctx context.Context, result *v1alpha1.RestoreResult) {
	for _, obs := range o {
		obs.Finished(ctx, result)
	}
}

// MetricsObserver records restore outcomes in the process metrics registry.
type MetricsObserver struct{}

var _ Observer = MetricsObserver{}

func (MetricsObserver) StepRecorded(_ context.Context, _ string, step v1alpha1.RestoreStep) {
	metrics.RestoreSteps.WithLabelValues(step.Name, strconv.FormatBool(step.OK)).Inc()
}

func (MetricsObserver) Finished(_ context.Context, result *v1alpha1.RestoreResult) {
	metrics.RestoreTotal.WithLabelValues(string(result.Status)).Inc()
	metrics.RestoreDuration.Observe(result.DurationSec)
}

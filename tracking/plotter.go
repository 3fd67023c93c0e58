package tracking

import (
	"math"
	"strings"
	"sync"

	"github.com/gomlx/gomlx/ui/plots"
	"k8s.io/klog/v2"
)

// PlotterAdapter implements plots.Plotter, forwarding the points collected during training (see
// plots.AddTrainAndEvalMetrics) to a Tracker: the points of each sample are logged together once the sample
// is done.
type PlotterAdapter struct {
	tracker Tracker

	mu      sync.Mutex
	step    float64
	pending map[string]float64
	err     error
}

var _ plots.Plotter = (*PlotterAdapter)(nil)

// NewPlotterAdapter creates a plots.Plotter that logs metrics to tracker.
func NewPlotterAdapter(tracker Tracker) *PlotterAdapter {
	return &PlotterAdapter{tracker: tracker, pending: make(map[string]float64)}
}

// MetricKey converts a plot metric name (e.g. "Mean Loss on valid-eval") to a tracking metric key
// ("mean_loss_on_valid-eval").
func MetricKey(name string) string {
	var sb strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			sb.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				sb.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	return strings.Trim(sb.String(), "_")
}

// AddPoint implements plots.Plotter.
func (a *PlotterAdapter) AddPoint(point plots.Point) {
	if math.IsNaN(point.Value) || math.IsInf(point.Value, 0) {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.step = point.Step
	a.pending[MetricKey(point.MetricName)] = point.Value
}

// DynamicSampleDone implements plots.Plotter: it logs the pending points.
func (a *PlotterAdapter) DynamicSampleDone(incomplete bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return
	}
	if incomplete {
		klog.Warningf("logging incomplete metrics at step %d: some values were NaN or infinite", int64(a.step))
	}
	err := a.tracker.LogMetrics(int64(a.step), a.pending)
	a.pending = make(map[string]float64)
	if err != nil {
		klog.Errorf("failed to log metrics at step %d: %+v", int64(a.step), err)
		if a.err == nil {
			a.err = err
		}
	}
}

// Err returns the first error that happened while logging metrics, if any.
func (a *PlotterAdapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err
}

package metrics

import (
	"strconv"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveExecution(t *testing.T) {
	m := New()
	m.ObserveExecution(7, "success", 0.02, 3)
	m.ObserveExecution(7, "success", 0.03, 3)
	m.ObserveExecution(7, "error", 0.01, 1)

	if got := testutil.ToFloat64(m.executionTotal.WithLabelValues("7", "success")); got != 2 {
		t.Errorf("success total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.executionTotal.WithLabelValues("7", "error")); got != 1 {
		t.Errorf("error total = %v, want 1", got)
	}
}

func TestStatusAllowList(t *testing.T) {
	m := New()
	m.ObserveExecution(1, "exploded", 0.01, 1)

	if got := testutil.ToFloat64(m.executionTotal.WithLabelValues("1", "error")); got != 1 {
		t.Errorf("unlisted status not folded into error: %v", got)
	}
	if got := testutil.ToFloat64(m.executionTotal.WithLabelValues("1", "exploded")); got != 0 {
		t.Errorf("unlisted status minted a series: %v", got)
	}
}

func TestSeriesCap(t *testing.T) {
	m := New()
	for i := 0; i < MaxSeriesPerMetric+50; i++ {
		m.ObserveExecution(int64(i), "success", 0.001, 1)
	}

	if got := testutil.ToFloat64(m.executionTotal.WithLabelValues("overflow", "success")); got != 50 {
		t.Errorf("overflow total = %v, want 50", got)
	}
	// Already-seen ids keep reporting under their own label.
	m.ObserveExecution(0, "success", 0.001, 1)
	if got := testutil.ToFloat64(m.executionTotal.WithLabelValues("0", "success")); got != 2 {
		t.Errorf("id 0 total = %v, want 2", got)
	}
	// A capped metric never admits new ids.
	newID := int64(MaxSeriesPerMetric + 100)
	m.ObserveExecution(newID, "success", 0.001, 1)
	if got := testutil.ToFloat64(m.executionTotal.WithLabelValues(strconv.FormatInt(newID, 10), "success")); got != 0 {
		t.Errorf("capped metric admitted a new series: %v", got)
	}
}

func TestQueueHealth(t *testing.T) {
	m := New()
	tests := []struct {
		depth int
		want  float64
	}{
		{0, HealthIdle},
		{10, HealthHealthy},
		{600, HealthBusy},
		{1500, HealthDegraded},
		{5000, HealthCritical},
	}
	for _, tt := range tests {
		m.SetQueueHealth(tt.depth, 1000, 5000)
		if got := testutil.ToFloat64(m.QueueHealth); got != tt.want {
			t.Errorf("depth %d: health = %v, want %v", tt.depth, got, tt.want)
		}
	}
}

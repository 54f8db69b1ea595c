package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersOnGivenRegistry(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PollCycles.Inc()
	m.ParseFailures.WithLabelValues("coolant_temp").Add(2)
	m.StoreSize.Set(7)

	if got := testutil.ToFloat64(m.PollCycles); got != 1 {
		t.Fatalf("poll cycles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ParseFailures.WithLabelValues("coolant_temp")); got != 2 {
		t.Fatalf("parse failures = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.StoreSize); got != 7 {
		t.Fatalf("store size = %v, want 7", got)
	}

	// A second set on a separate registry must not collide.
	New(prometheus.NewRegistry())
}

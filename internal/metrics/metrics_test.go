package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestCounterAndGauge(t *testing.T) {
	r := NewRegistry("test")

	c := r.RegisterCounter("events_total", "events")
	c.Inc()
	c.Add(4)
	if c.Value() != 5 {
		t.Errorf("expected 5, got %d", c.Value())
	}

	g := r.RegisterGauge("height", "height")
	g.Set(10)
	g.Inc()
	g.Dec()
	if g.Value() != 10 {
		t.Errorf("expected 10, got %d", g.Value())
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	r := NewRegistry("test")
	a := r.RegisterCounter("x", "x")
	b := r.RegisterCounter("x", "x")
	if a != b {
		t.Error("re-registering should return the same counter")
	}
}

func TestHistogramBuckets(t *testing.T) {
	r := NewRegistry("")
	h := r.RegisterHistogram("latency", "latency", []float64{0.1, 1, 10})

	h.Observe(0.05)
	h.Observe(0.5)
	h.Observe(100)
	h.ObserveDuration(200 * time.Millisecond)

	if h.Count() != 4 {
		t.Errorf("expected 4 observations, got %d", h.Count())
	}
}

func TestWritePrometheusFormat(t *testing.T) {
	r := NewRegistry("trustregd")
	r.RegisterCounter("events_total", "Total events").Add(3)
	r.RegisterGauge("replicated_block", "Height").Set(42)
	r.RegisterHistogram("query_seconds", "Query latency", []float64{0.5}).Observe(0.1)

	var sb strings.Builder
	if err := r.WritePrometheus(&sb); err != nil {
		t.Fatalf("WritePrometheus failed: %v", err)
	}
	out := sb.String()

	for _, want := range []string{
		"# TYPE trustregd_events_total counter",
		"trustregd_events_total 3",
		"trustregd_replicated_block 42",
		`trustregd_query_seconds_bucket{le="0.5"} 1`,
		`trustregd_query_seconds_bucket{le="+Inf"} 1`,
		"trustregd_query_seconds_count 1",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestTrustregdMetricsRegistered(t *testing.T) {
	m := NewTrustregdMetrics(NewRegistry("trustregd"))
	m.EventsApplied.Inc()
	m.ReplicatedBlock.Set(7)
	m.QueryDuration.Observe(0.001)

	if m.EventsApplied.Value() != 1 {
		t.Error("counter not wired")
	}
}

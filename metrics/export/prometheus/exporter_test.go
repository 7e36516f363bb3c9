package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrEthical07/stepup"
)

type fakeSource struct {
	snapshot stepup.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() stepup.MetricsSnapshot { return f.snapshot }
func (f fakeSource) SecurityEventsDropped() uint64           { return f.dropped }

func TestRenderEmptyWhenMetricsDisabled(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: stepup.MetricsSnapshot{
			Counters:   map[stepup.MetricID]uint64{},
			Histograms: map[stepup.MetricID][]uint64{},
		},
	})

	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output for disabled metrics, got:\n%s", got)
	}
}

func TestRenderIncludesCountersHistogramAndDropped(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: stepup.MetricsSnapshot{
			Counters: map[stepup.MetricID]uint64{
				stepup.MetricGrantConsumed: 7,
				stepup.MetricRiskMismatch:  2,
			},
			Histograms: map[stepup.MetricID][]uint64{
				stepup.MetricHasGrantLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 3,
	})

	out := exp.Render()
	for _, want := range []string{
		"# TYPE stepup_grant_consumed_total counter",
		"stepup_grant_consumed_total 7",
		"stepup_risk_mismatch_total 2",
		"stepup_grant_check_allowed_total 0",
		"stepup_has_grant_latency_seconds_bucket{le=\"0.001\"} 1",
		"stepup_has_grant_latency_seconds_bucket{le=\"+Inf\"} 36",
		"stepup_has_grant_latency_seconds_count 36",
		"stepup_security_events_dropped_total 3",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output, got:\n%s", want, out)
		}
	}
}

func TestRenderOnlyDroppedStillRenders(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: stepup.MetricsSnapshot{
			Counters:   map[stepup.MetricID]uint64{},
			Histograms: map[stepup.MetricID][]uint64{},
		},
		dropped: 1,
	})
	if out := exp.Render(); !strings.Contains(out, "stepup_security_events_dropped_total 1") {
		t.Fatalf("expected dropped counter, got:\n%s", out)
	}
}

func TestHandlerWritesPrometheusContentType(t *testing.T) {
	exp := NewExporter(fakeSource{
		snapshot: stepup.MetricsSnapshot{
			Counters:   map[stepup.MetricID]uint64{stepup.MetricTOTPSuccess: 1},
			Histograms: map[stepup.MetricID][]uint64{},
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	exp.Handler().ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/plain") {
		t.Fatalf("expected prometheus content type, got %q", got)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "stepup_totp_success_total 1") {
		t.Fatalf("unexpected body:\n%s", rec.Body.String())
	}
}

func TestRenderNilExporter(t *testing.T) {
	var exp *Exporter
	if got := exp.Render(); got != "" {
		t.Fatalf("expected empty output, got %q", got)
	}
}

func BenchmarkRender(b *testing.B) {
	exp := NewExporter(fakeSource{
		snapshot: stepup.MetricsSnapshot{
			Counters: map[stepup.MetricID]uint64{
				stepup.MetricGrantCheckAllowed:  1000,
				stepup.MetricGrantCheckMissing:  40,
				stepup.MetricGrantConsumed:      800,
				stepup.MetricTOTPSuccess:        800,
				stepup.MetricTOTPFailure:        20,
				stepup.MetricPrimaryGrantIssued: 3,
			},
			Histograms: map[stepup.MetricID][]uint64{
				stepup.MetricHasGrantLatency: {10, 20, 30, 40, 50, 60, 70, 80},
			},
		},
	})

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = exp.Render()
	}
}

package prometheus

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	jianwen "github.com/SmallHorseBrother/jianwen-community-sub000"
	"github.com/SmallHorseBrother/jianwen-community-sub000/queue"
)

type fakeSource struct {
	snapshot jianwen.MetricsSnapshot
	dropped  uint64
}

func (f fakeSource) MetricsSnapshot() jianwen.MetricsSnapshot { return f.snapshot }
func (f fakeSource) AuditDropped() uint64                     { return f.dropped }

type liveFake struct {
	fakeSource
	depth int
}

func (liveFake) State() jianwen.AuthState   { return jianwen.AuthState{} }
func (l liveFake) QueueStats() queue.Stats { return queue.Stats{Length: l.depth} }

func TestCollectCountersAndHistogram(t *testing.T) {
	c := NewCollectorFromSource(fakeSource{
		snapshot: jianwen.MetricsSnapshot{
			Counters: map[jianwen.MetricID]uint64{
				jianwen.MetricLoginSuccess: 7,
			},
			Histograms: map[jianwen.MetricID][]uint64{
				jianwen.MetricLoginLatency: {1, 2, 3, 4, 5, 6, 7, 8},
			},
		},
		dropped: 2,
	})

	expected := `
# HELP jianwen_login_success_total Logins that ended authenticated.
# TYPE jianwen_login_success_total counter
jianwen_login_success_total 7
# HELP jianwen_audit_dropped_total Audit events dropped under dispatcher backpressure.
# TYPE jianwen_audit_dropped_total counter
jianwen_audit_dropped_total 2
# HELP jianwen_login_latency_seconds Login latency.
# TYPE jianwen_login_latency_seconds histogram
jianwen_login_latency_seconds_bucket{le="0.05"} 1
jianwen_login_latency_seconds_bucket{le="0.1"} 3
jianwen_login_latency_seconds_bucket{le="0.25"} 6
jianwen_login_latency_seconds_bucket{le="0.5"} 10
jianwen_login_latency_seconds_bucket{le="1"} 15
jianwen_login_latency_seconds_bucket{le="2.5"} 21
jianwen_login_latency_seconds_bucket{le="5"} 28
jianwen_login_latency_seconds_bucket{le="+Inf"} 36
jianwen_login_latency_seconds_sum 0
jianwen_login_latency_seconds_count 36
`
	err := testutil.CollectAndCompare(c, strings.NewReader(expected),
		"jianwen_login_success_total", "jianwen_audit_dropped_total", "jianwen_login_latency_seconds")
	if err != nil {
		t.Fatal(err)
	}
}

func TestHistogramsSkippedWhenLatencyDisabled(t *testing.T) {
	c := NewCollectorFromSource(fakeSource{
		snapshot: jianwen.MetricsSnapshot{
			Counters:   map[jianwen.MetricID]uint64{},
			Histograms: map[jianwen.MetricID][]uint64{},
		},
	})

	if n := testutil.CollectAndCount(c, "jianwen_login_latency_seconds"); n != 0 {
		t.Fatalf("expected no histogram series, got %d", n)
	}
	if n := testutil.CollectAndCount(c); n != 18 {
		t.Fatalf("expected 17 counters plus audit dropped, got %d", n)
	}
}

func TestLiveGauges(t *testing.T) {
	c := NewCollectorFromSource(liveFake{depth: 3})

	expected := `
# HELP jianwen_authenticated 1 while a user is signed in.
# TYPE jianwen_authenticated gauge
jianwen_authenticated 0
# HELP jianwen_queue_depth Operations waiting in the auth operation queue.
# TYPE jianwen_queue_depth gauge
jianwen_queue_depth 3
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(expected), "jianwen_authenticated", "jianwen_queue_depth"); err != nil {
		t.Fatal(err)
	}
}

func TestHandlerServesExposition(t *testing.T) {
	c := NewCollectorFromSource(fakeSource{
		snapshot: jianwen.MetricsSnapshot{
			Counters: map[jianwen.MetricID]uint64{jianwen.MetricLogout: 1},
		},
	})

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "jianwen_logout_total 1") {
		t.Fatalf("expected logout counter, got:\n%s", rec.Body.String())
	}
}

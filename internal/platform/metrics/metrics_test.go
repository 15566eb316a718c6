package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewIngest_RegistersAndCounts(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	m := NewIngest(reg)

	m.Accepted.Inc()
	m.Accepted.Inc()
	m.Dropped.Inc()

	if got := testutil.ToFloat64(m.Accepted); got != 2 {
		t.Fatalf("accepted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Dropped); got != 1 {
		t.Fatalf("dropped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Malformed); got != 0 {
		t.Fatalf("malformed = %v, want 0", got)
	}
}

func TestNewPipeline_LagPerPartition(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	m := NewPipeline(reg)

	m.Lag.WithLabelValues("0").Set(42)
	m.Lag.WithLabelValues("3").Set(7)

	if got := testutil.ToFloat64(m.Lag.WithLabelValues("0")); got != 42 {
		t.Fatalf("lag[0] = %v, want 42", got)
	}
	if got := testutil.ToFloat64(m.Lag.WithLabelValues("3")); got != 7 {
		t.Fatalf("lag[3] = %v, want 7", got)
	}
}

func TestHandler_ServesRegistry(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	m := NewIngest(reg)
	m.Published.Inc()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	Handler(reg).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "cspipe_ingest_violations_published_total 1") {
		t.Fatalf("scrape output missing published counter:\n%s", body)
	}
}

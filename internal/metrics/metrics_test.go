package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestCollectorRecordsHTTPMetrics(t *testing.T) {
	collector, err := NewCollector()
	if err != nil {
		t.Fatalf("NewCollector returned error: %v", err)
	}

	handler := collector.InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/reports", nil))
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	body := scrape(t, collector)
	if !strings.Contains(body, `darshi_http_requests_total{method="POST",path="/api/v1/reports",status="201"} 1`) {
		t.Errorf("request counter missing from exposition:\n%s", body)
	}
}

func TestCollectorRecordsPipelineMetrics(t *testing.T) {
	collector, err := NewCollector()
	if err != nil {
		t.Fatalf("NewCollector returned error: %v", err)
	}

	collector.ObserveStage("classification", "verified", 120*time.Millisecond)
	collector.ObserveStage("classification", "verified", 80*time.Millisecond)
	collector.IncDuplicate()

	body := scrape(t, collector)
	if !strings.Contains(body, `darshi_pipeline_stage_total{outcome="verified",stage="classification"} 2`) {
		t.Errorf("stage counter missing from exposition:\n%s", body)
	}
	if !strings.Contains(body, "darshi_pipeline_duplicates_total 1") {
		t.Errorf("duplicate counter missing from exposition:\n%s", body)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var collector *Collector
	collector.ObserveStage("classification", "verified", time.Second)
	collector.IncDuplicate()
}

func scrape(t *testing.T, collector *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

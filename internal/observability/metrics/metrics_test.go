package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHandlerExposesPipelineMetrics(t *testing.T) {
	ObserveHTTPRequest("/datasets", "GET", 200, 20*time.Millisecond)
	ObserveHTTPRequest("/datasets", "POST", 500, time.Second)
	ObserveJobClaimed("fetch-json", "remote")
	ObserveJobReleased("fetch-json", "success")
	ObserveDataset("fetch-json", "finished", 3*time.Second)
	done := WorkerBusy("fetch-json")
	done()
	ObserveOrphans(2)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{
		`datasetflow_http_requests_total{code="200",handler="/datasets",method="GET"} 1`,
		`datasetflow_http_request_errors_total{handler="/datasets",method="POST"} 1`,
		`datasetflow_jobs_claimed_total{partition="remote",type="fetch-json"} 1`,
		`datasetflow_datasets_completed_total{outcome="finished",type="fetch-json"} 1`,
		`datasetflow_active_workers{type="fetch-json"} 0`,
		`datasetflow_orphans_reclaimed_total 2`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

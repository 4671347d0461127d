package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Jobs(t *testing.T) {
	c := NewCollector("test")

	c.JobStarted()
	c.JobStarted()
	if got := testutil.ToFloat64(c.jobsInFlight); got != 2 {
		t.Errorf("in flight = %v, want 2", got)
	}
	c.JobFinished("completed")
	c.JobFinished("failed")
	c.JobRejected()

	if got := testutil.ToFloat64(c.jobsInFlight); got != 0 {
		t.Errorf("in flight = %v, want 0", got)
	}
	if got := testutil.ToFloat64(c.jobsTotal.WithLabelValues("completed")); got != 1 {
		t.Errorf("completed = %v", got)
	}
	if got := testutil.ToFloat64(c.jobsTotal.WithLabelValues("rejected")); got != 1 {
		t.Errorf("rejected = %v", got)
	}
}

func TestCollector_Uploads(t *testing.T) {
	c := NewCollector("test")
	c.UploadAttempt("s3", false, time.Second)
	c.UploadAttempt("local", true, time.Millisecond)

	if got := testutil.ToFloat64(c.uploadsTotal.WithLabelValues("s3", "failure")); got != 1 {
		t.Errorf("s3 failure = %v", got)
	}
	if got := testutil.ToFloat64(c.uploadsTotal.WithLabelValues("local", "success")); got != 1 {
		t.Errorf("local success = %v", got)
	}
}

func TestCollector_Handler(t *testing.T) {
	c := NewCollector("test")
	c.RecordHTTPRequest("GET", "/health", 200, time.Millisecond)
	c.ObserveStage("image", "success", 2*time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		`test_http_requests_total{method="GET",path="/health",status="200"} 1`,
		`test_stage_duration_seconds_count{result="success",stage="image"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output lacks %q", want)
		}
	}
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	c.JobStarted()
	c.JobFinished("completed")
	c.UploadAttempt("local", true, 0)
	c.ObserveStage("image", "success", 0)
	c.RecordHTTPRequest("GET", "/", 200, 0)
	if c.Registry() != nil {
		t.Error("nil collector should have nil registry")
	}
}

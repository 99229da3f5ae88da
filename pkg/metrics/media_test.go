package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/invitely-backend/pkg/queue"
)

func TestMediaJobMetricsCountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMediaJobMetrics(reg)

	m.ObserveJob("event-photos", queue.OutcomeCompleted, 120*time.Millisecond)
	m.ObserveJob("event-photos", queue.OutcomeCompleted, 80*time.Millisecond)
	m.ObserveJob("event-photos", queue.OutcomeFailed, 0)
	m.IncSubmission("event_photo", true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	if got, err := fetchCounterValue(mfs, "media_jobs_total", "outcome", "completed"); err != nil {
		t.Fatalf("fetch completed: %v", err)
	} else if got != 2 {
		t.Fatalf("expected completed=2, got %f", got)
	}
	if got, err := fetchCounterValue(mfs, "media_jobs_total", "outcome", "failed"); err != nil {
		t.Fatalf("fetch failed: %v", err)
	} else if got != 1 {
		t.Fatalf("expected failed=1, got %f", got)
	}
	if got, err := fetchHistogramSum(mfs, "media_job_duration_seconds", "queue", "event-photos"); err != nil {
		t.Fatalf("fetch duration: %v", err)
	} else if got < 0.19 || got > 0.21 {
		t.Fatalf("expected duration sum ~0.2, got %f", got)
	}
	if got, err := fetchCounterValue(mfs, "media_submissions_total", "duplicate", "true"); err != nil {
		t.Fatalf("fetch submissions: %v", err)
	} else if got != 1 {
		t.Fatalf("expected duplicate submissions=1, got %f", got)
	}
}

func TestMediaJobMetricsNilRegistererIsNoop(t *testing.T) {
	m := NewMediaJobMetrics(nil)
	m.ObserveJob("q", queue.OutcomeRetried, time.Second)
	m.IncSubmission("theme_asset", false)

	var nilMetrics *MediaJobMetrics
	nilMetrics.ObserveJob("q", queue.OutcomeRetried, time.Second)
}

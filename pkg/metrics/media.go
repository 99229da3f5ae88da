package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/invitely-backend/pkg/queue"
)

// MediaJobMetrics records queue deliveries and gateway submissions.
type MediaJobMetrics struct {
	jobs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	submissions *prometheus.CounterVec
}

var _ queue.Metrics = (*MediaJobMetrics)(nil)

// NewMediaJobMetrics registers the media pipeline metrics on the provided registerer.
func NewMediaJobMetrics(reg prometheus.Registerer) *MediaJobMetrics {
	if reg == nil {
		return &MediaJobMetrics{}
	}
	jobs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "media_jobs_total",
		Help: "Media job deliveries by queue and outcome.",
	}, []string{"queue", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "media_job_duration_seconds",
		Help:    "Handler duration of media jobs in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"queue"})
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "media_submissions_total",
		Help: "Accepted media submissions by record kind and whether they were duplicates.",
	}, []string{"kind", "duplicate"})
	reg.MustRegister(jobs, duration, submissions)
	return &MediaJobMetrics{
		jobs:        jobs,
		duration:    duration,
		submissions: submissions,
	}
}

// ObserveJob records one finished delivery.
func (m *MediaJobMetrics) ObserveJob(queueName string, outcome queue.Outcome, duration time.Duration) {
	if m == nil || m.jobs == nil {
		return
	}
	m.jobs.WithLabelValues(normalizeLabel(queueName), normalizeLabel(string(outcome))).Inc()
	if duration > 0 {
		m.duration.WithLabelValues(normalizeLabel(queueName)).Observe(duration.Seconds())
	}
}

// IncSubmission counts an accepted gateway submission.
func (m *MediaJobMetrics) IncSubmission(kind string, duplicate bool) {
	if m == nil || m.submissions == nil {
		return
	}
	label := "false"
	if duplicate {
		label = "true"
	}
	m.submissions.WithLabelValues(normalizeLabel(kind), label).Inc()
}

package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"type"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently processing",
		},
		[]string{"type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of job attempts failed",
		},
		[]string{"type"},
	)
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Job processing duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"type"},
	)

	PagesFetchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pages_fetched_total",
			Help: "Total number of page fetches by outcome",
		},
		[]string{"outcome"},
	)

	ImagesStoredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "images_stored_total",
			Help: "Total number of images stored in the object store",
		},
	)
	ImageFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "image_failures_total",
			Help: "Total number of image pipeline failures",
		},
	)
	ImageBytesStored = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "image_stored_bytes",
			Help:    "Distribution of stored image sizes in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Number of jobs per queue status",
		},
		[]string{"status"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsProcessing)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(PagesFetchedTotal)
	prometheus.MustRegister(ImagesStoredTotal)
	prometheus.MustRegister(ImageFailuresTotal)
	prometheus.MustRegister(ImageBytesStored)
	prometheus.MustRegister(QueueDepth)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

func EnqueueJob(jobType string) {
	JobsEnqueuedTotal.WithLabelValues(jobType).Inc()
}

func StartProcessingJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Inc()
}

func CompleteJob(jobType string, dur time.Duration) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsCompletedTotal.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType).Observe(dur.Seconds())
}

func FailJob(jobType string, dur time.Duration) {
	JobsProcessing.WithLabelValues(jobType).Dec()
	JobsFailedTotal.WithLabelValues(jobType).Inc()
	JobDuration.WithLabelValues(jobType).Observe(dur.Seconds())
}

// AbandonJob clears the processing gauge for a job interrupted by shutdown;
// the attempt counts as neither completed nor failed.
func AbandonJob(jobType string) {
	JobsProcessing.WithLabelValues(jobType).Dec()
}

// ObservePageFetch records a fetch outcome: ok, denied, or error.
func ObservePageFetch(outcome string) {
	PagesFetchedTotal.WithLabelValues(outcome).Inc()
}

// ObserveImageStored records one stored image and its encoded size.
func ObserveImageStored(bytes int) {
	ImagesStoredTotal.Inc()
	ImageBytesStored.Observe(float64(bytes))
}

// ObserveImageFailure records one failed image pipeline item.
func ObserveImageFailure() {
	ImageFailuresTotal.Inc()
}

// SetQueueDepth publishes point-in-time queue counts.
func SetQueueDepth(status string, n int64) {
	QueueDepth.WithLabelValues(status).Set(float64(n))
}

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/examstutor/model-quantizer/pkg/logging"
)

const (
	// OutcomeSuccess labels a job that returned without error.
	OutcomeSuccess = "success"
	// OutcomeError labels a job that returned an error.
	OutcomeError = "error"
)

// Recorder owns the service's collectors and the registry they are
// registered with. Nothing is registered globally.
type Recorder struct {
	log      logging.Logger
	registry *prometheus.Registry

	jobs            *prometheus.CounterVec
	jobsInProgress  *prometheus.GaugeVec
	jobDuration     *prometheus.HistogramVec
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	compression     *prometheus.GaugeVec
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// New creates a recorder with a fresh registry. version is exported through
// the examstutor_app_info gauge.
func New(log logging.Logger, version string) *Recorder {
	r := &Recorder{
		log:      log,
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ai_jobs_total",
			Help: "Total background jobs by subject and outcome.",
		}, []string{"subject", "outcome"}),
		jobsInProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ai_jobs_in_progress",
			Help: "Background jobs currently running.",
		}, []string{"subject"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ai_job_duration_seconds",
			Help:    "Background job duration in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		}, []string{"subject"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ai_cache_hits_total",
			Help: "Quantizer cache hits.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ai_cache_misses_total",
			Help: "Quantizer cache misses.",
		}),
		compression: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "quantization_compression_ratio",
			Help: "Compression ratio of the most recent artifact per method.",
		}, []string{"method"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests.",
		}, []string{"method", "endpoint", "status_code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}

	info := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "examstutor_app_info",
		Help: "Quantization service build information.",
	}, []string{"version"})
	info.WithLabelValues(version).Set(1)

	r.registry.MustRegister(
		r.jobs,
		r.jobsInProgress,
		r.jobDuration,
		r.cacheHits,
		r.cacheMisses,
		r.compression,
		r.requests,
		r.requestDuration,
		info,
	)
	return r
}

// Registry returns the recorder's registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// CacheHit records a quantizer cache hit.
func (r *Recorder) CacheHit() {
	r.cacheHits.Inc()
}

// CacheMiss records a quantizer cache miss.
func (r *Recorder) CacheMiss() {
	r.cacheMisses.Inc()
}

// ObserveCompressionRatio records the ratio achieved by method's latest
// artifact.
func (r *Recorder) ObserveCompressionRatio(method string, ratio float64) {
	r.compression.WithLabelValues(method).Set(ratio)
}

// Measure runs fn as a job for subject, recording that it started, its
// outcome and its duration. The outcome is recorded on every exit path,
// including a panic in fn, which is re-raised. A nil recorder just runs fn.
func Measure(r *Recorder, subject string, fn func() error) (err error) {
	if r == nil {
		return fn()
	}

	start := time.Now()
	r.jobsInProgress.WithLabelValues(subject).Inc()
	outcome := OutcomeError
	defer func() {
		r.jobsInProgress.WithLabelValues(subject).Dec()
		r.jobDuration.WithLabelValues(subject).Observe(time.Since(start).Seconds())
		r.jobs.WithLabelValues(subject, outcome).Inc()
	}()

	err = fn()
	if err == nil {
		outcome = OutcomeSuccess
	}
	return err
}

// Handler serves the registry in the Prometheus text exposition format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		families, err := r.registry.Gather()
		if err != nil {
			r.log.Errorf("Failed to gather metrics: %v", err)
			http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
			return
		}

		format := expfmt.NewFormat(expfmt.TypeTextPlain)
		w.Header().Set("Content-Type", string(format))
		w.WriteHeader(http.StatusOK)

		encoder := expfmt.NewEncoder(w, format)
		for _, family := range families {
			if err := encoder.Encode(family); err != nil {
				r.log.Errorf("Failed to encode metric family %s: %v", family.GetName(), err)
				continue
			}
		}
	})
}

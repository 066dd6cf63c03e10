package metrics

import (
	"net/http"
	"strconv"
	"time"
)

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(statusCode int) {
	sr.statusCode = statusCode
	sr.ResponseWriter.WriteHeader(statusCode)
}

// InstrumentHandler records the count and duration of requests served by
// next under the given endpoint label.
func (r *Recorder) InstrumentHandler(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, req)

		r.requests.WithLabelValues(req.Method, endpoint, strconv.Itoa(rec.statusCode)).Inc()
		r.requestDuration.WithLabelValues(req.Method, endpoint).Observe(time.Since(start).Seconds())
	})
}

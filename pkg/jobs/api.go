package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/examstutor/model-quantizer/pkg/logging"
	"github.com/examstutor/model-quantizer/pkg/quantization"
	"github.com/examstutor/model-quantizer/pkg/routing"
)

// maximumRequestSize bounds quantization request bodies.
const maximumRequestSize = 1 << 20

// QuantizeFunc runs one quantization of model with method.
type QuantizeFunc func(ctx context.Context, model, method string, opts quantization.Options) (*quantization.Report, error)

// QuantizeRequest is the body of POST /quantize.
type QuantizeRequest struct {
	// Model is the base model identifier. It defaults to the service's
	// configured model.
	Model string `json:"model,omitempty"`
	// Method is the quantization method. It defaults to the service's
	// configured method.
	Method string `json:"method,omitempty"`
	// Options are passed through to the quantizer.
	Options quantization.Options `json:"options"`
}

// SubmitResponse is returned when a job is accepted.
type SubmitResponse struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// HTTPHandler exposes the queue over HTTP.
type HTTPHandler struct {
	// log is the associated logger.
	log logging.Logger
	// queue is the job queue.
	queue *Queue
	// defaultModel is used when a request names no model.
	defaultModel string
	// defaultMethod is used when a request names no method. If empty, the
	// method is required.
	defaultMethod string
	// quantize runs accepted requests.
	quantize QuantizeFunc
	// router is the HTTP request router.
	router *routing.NormalizedServeMux
}

// NewHTTPHandler creates the job API handler.
func NewHTTPHandler(log logging.Logger, queue *Queue, defaultModel, defaultMethod string, quantize QuantizeFunc) *HTTPHandler {
	h := &HTTPHandler{
		log:           log,
		queue:         queue,
		defaultModel:  defaultModel,
		defaultMethod: defaultMethod,
		quantize:      quantize,
		router:        routing.NewNormalizedServeMux(),
	}

	h.router.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	for route, handler := range h.routeHandlers() {
		h.router.HandleFunc(route, handler)
	}
	return h
}

func (h *HTTPHandler) routeHandlers() map[string]http.HandlerFunc {
	return map[string]http.HandlerFunc{
		"POST /quantize":            h.handleQuantize,
		"GET /jobs":                 h.handleListJobs,
		"GET /jobs/{id}":            h.handleGetJob,
		"POST /jobs/{id}/resubmit":  h.handleResubmitJob,
		"GET /quantization/methods": h.handleMethods,
	}
}

// Routes returns the registered route patterns.
func (h *HTTPHandler) Routes() []string {
	routes := make([]string, 0)
	for route := range h.routeHandlers() {
		routes = append(routes, route)
	}
	return routes
}

func (h *HTTPHandler) handleQuantize(w http.ResponseWriter, r *http.Request) {
	var request QuantizeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maximumRequestSize)).Decode(&request); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if request.Method == "" {
		request.Method = h.defaultMethod
	}
	// Reject unknown methods before anything is queued.
	method, err := quantization.ParseMethod(request.Method)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	model := request.Model
	if model == "" {
		model = h.defaultModel
	}
	opts := request.Options

	id, err := h.queue.Submit("quantize", method.String(), func(ctx context.Context) (any, error) {
		return h.quantize(ctx, model, method.String(), opts)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	h.log.Infof("Accepted %s quantization of %s as job %s", method, logging.SanitizeForLog(model), id)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/jobs/"+id)
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(SubmitResponse{ID: id, Status: StatusPending}); err != nil {
		h.log.Warnf("Failed to write response: %v", err)
	}
}

func (h *HTTPHandler) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.log, http.StatusOK, h.queue.List())
}

func (h *HTTPHandler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.queue.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, h.log, http.StatusOK, job)
}

func (h *HTTPHandler) handleResubmitJob(w http.ResponseWriter, r *http.Request) {
	id, err := h.queue.Resubmit(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/jobs/"+id)
	writeJSON(w, h.log, http.StatusAccepted, SubmitResponse{ID: id, Status: StatusPending})
}

func (h *HTTPHandler) handleMethods(w http.ResponseWriter, _ *http.Request) {
	presets := make(map[string]map[string]any)
	for _, m := range quantization.SupportedMethods() {
		cfg, err := quantization.ConfigFor(m)
		if err != nil {
			writeError(w, err)
			return
		}
		presets[m.String()] = cfg.Map()
	}
	writeJSON(w, h.log, http.StatusOK, presets)
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, log logging.Logger, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnf("Failed to write response: %v", err)
	}
}

// writeError maps err onto a response status.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, quantization.ErrUnsupportedMethod),
		errors.Is(err, quantization.ErrInvalidOptions):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrJobNotFinished):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrQueueFull),
		errors.Is(err, quantization.ErrResourceUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

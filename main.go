package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/examstutor/model-quantizer/pkg/config"
	"github.com/examstutor/model-quantizer/pkg/gpuinfo"
	"github.com/examstutor/model-quantizer/pkg/jobs"
	"github.com/examstutor/model-quantizer/pkg/logging"
	"github.com/examstutor/model-quantizer/pkg/memory"
	"github.com/examstutor/model-quantizer/pkg/metrics"
	"github.com/examstutor/model-quantizer/pkg/middleware"
	"github.com/examstutor/model-quantizer/pkg/modelsource"
	"github.com/examstutor/model-quantizer/pkg/quantization"
	"github.com/examstutor/model-quantizer/pkg/quantization/backends/llamacpp"
	"github.com/examstutor/model-quantizer/pkg/routing"
)

// Version is set at build time.
var Version = "dev"

// shutdownTimeout bounds how long in-flight HTTP requests may take to
// complete once a shutdown signal is received.
const shutdownTimeout = 10 * time.Second

var log = logrus.New()

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(os.Getenv("QUANT_CONFIG_FILE"))
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	log = logging.New(cfg.LogLevel)

	llamaCppConfig, err := cfg.LlamaCpp()
	if err != nil {
		log.Fatalf("Invalid llama.cpp configuration: %v", err)
	}
	if len(llamaCppConfig.Args) > 0 {
		log.Infof("Using custom llama-quantize arguments: %v", llamaCppConfig.Args)
	}

	recorder := metrics.New(logging.Component(log, "metrics"), Version)
	resolver := modelsource.New(
		logging.Component(log, "model-source"),
		cfg.ModelPath,
		cfg.CacheDir,
		modelsource.WithUserAgent("model-quantizer/"+Version),
	)
	memoryChecker := memory.NewChecker(logging.Component(log, "memory"), memory.System, cfg.MemoryHeadroom)
	gpuInfo := gpuinfo.New()

	managers := newManagerPool(cfg.ModelOutputDir, func(model, dir string) *quantization.Manager {
		backendLog := logging.Component(log, llamacpp.Name).WithField("model", logging.SanitizeForLog(model))
		return quantization.NewManager(
			model,
			dir,
			quantization.WithDevice(cfg.Device),
			quantization.WithLogger(logging.Component(log, "quantization").WithField("model", logging.SanitizeForLog(model))),
			quantization.WithMetrics(recorder),
			quantization.WithBackendFactory(func(quantization.Method) (quantization.Backend, error) {
				return llamacpp.New(
					backendLog,
					llamaCppConfig,
					resolver,
					llamacpp.WithMemoryChecker(memoryChecker),
					llamacpp.WithDeviceSupport(gpuInfo),
				), nil
			}),
		)
	})
	defer managers.Close()

	queue := jobs.NewQueue(logging.Component(log, "jobs"), jobs.Config{
		Workers:       cfg.Workers,
		SoftTimeLimit: cfg.TaskSoftTimeLimit,
		HardTimeLimit: cfg.TaskTimeLimit,
		MaxAttempts:   cfg.MaxAttempts,
		RetryDelay:    cfg.RetryDelay,
		Retryable:     isTransient,
		Backlog:       cfg.Backlog,
	}, recorder)

	scheduler := jobs.NewScheduler(logging.Component(log, "scheduler"), recorder)
	scheduler.Every("prune-finished-jobs", cfg.PruneInterval, func(context.Context) error {
		if n := queue.Prune(cfg.JobRetention); n > 0 {
			log.Infof("Pruned %d finished jobs", n)
		}
		return nil
	})

	api := jobs.NewHTTPHandler(logging.Component(log, "api"), queue, cfg.ModelName, cfg.QuantizationType,
		func(ctx context.Context, model, method string, opts quantization.Options) (*quantization.Report, error) {
			report, err := managers.Get(model).Quantize(ctx, method, opts)
			if err != nil {
				return nil, err
			}
			recorder.ObserveCompressionRatio(report.QuantizationType, report.CompressionRatio)
			return report, nil
		})

	router := routing.NewNormalizedServeMux()
	for _, route := range api.Routes() {
		router.Handle(route, recorder.InstrumentHandler(route, api))
	}
	router.Mount(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}), "GET /healthz", "GET /readyz")

	if cfg.EnableMetrics {
		router.Handle("/metrics", recorder.Handler())
		log.Info("Metrics endpoint enabled at /metrics")
	} else {
		log.Info("Metrics endpoint disabled")
	}

	log.Infof("Default model %s, method %s, device %s", cfg.ModelName, cfg.QuantizationType, cfg.Device)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: middleware.CORS(logging.Component(log, "cors"), cfg.CORSOrigins, router),
	}
	serverErrors := make(chan error, 1)
	go func() {
		log.Infof("Listening on %s", cfg.ListenAddr)
		serverErrors <- server.ListenAndServe()
	}()

	queueErrors := make(chan error, 1)
	go func() {
		queueErrors <- queue.Run(ctx)
	}()
	schedulerErrors := make(chan error, 1)
	go func() {
		schedulerErrors <- scheduler.Run(ctx)
	}()

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Server error: %v", err)
		}
		cancel()
	case <-ctx.Done():
		log.Infoln("Shutdown signal received")
		log.Infoln("Shutting down the server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Server shutdown error: %v", err)
		}
		shutdownCancel()
	}

	log.Infoln("Waiting for the job queue to stop")
	if err := <-queueErrors; err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("Job queue error: %v", err)
	}
	if err := <-schedulerErrors; err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("Scheduler error: %v", err)
	}
	log.Infoln("Model quantizer stopped")
}

// isTransient reports whether a failed quantization may succeed if retried:
// only a base model that could not be fetched or opened qualifies.
func isTransient(err error) bool {
	return errors.Is(err, quantization.ErrResourceUnavailable)
}

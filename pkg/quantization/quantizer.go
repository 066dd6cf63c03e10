package quantization

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"

	"github.com/examstutor/model-quantizer/pkg/logging"
)

// Quantizer is the contract shared by every quantization algorithm.
type Quantizer interface {
	// Method returns the algorithm implemented by the quantizer.
	Method() Method
	// Quantize loads the base model if it is not already resident, applies
	// the algorithm, writes the artifact beneath the quantizer's output
	// directory and reports on it. A failed load, transform or write ends
	// the call with an error and no report.
	Quantize(ctx context.Context, opts Options) (*Report, error)
	// LoadQuantizedModel opens an artifact previously produced by this
	// algorithm. It fails if path holds no artifact for this method.
	LoadQuantizedModel(ctx context.Context, path string) (*Model, error)
	// ModelSizeMB returns the footprint of the loaded model. It fails with
	// ErrInvalidState if no model is loaded.
	ModelSizeMB() (float64, error)
	// State returns the current lifecycle state.
	State() State
	// Release drops the loaded model handle.
	Release()
}

// Options are the per-call inputs of Quantize.
type Options struct {
	// Config overrides preset parameters for this call only.
	Config map[string]any `json:"config,omitempty"`
	// Calibration is the calibration corpus for gptq and awq. When empty the
	// test prompts are used.
	Calibration []string `json:"calibration,omitempty"`
	// EstimatedOriginalSizeMB, when positive, replaces the estimate derived
	// from the base model's footprint.
	EstimatedOriginalSizeMB float64 `json:"estimated_original_size_mb,omitempty"`
	// SanityCheck runs TestPrompts against the artifact after it is saved.
	SanityCheck bool `json:"sanity_check,omitempty"`
	// TestPrompts is the sanity-check prompt set. The manager fills it with
	// its defaults.
	TestPrompts []string `json:"-"`
}

// State is a quantizer lifecycle state.
type State uint8

const (
	// StateUninitialized means no model has been loaded.
	StateUninitialized State = iota
	// StateModelLoaded means the base model is resident.
	StateModelLoaded
	// StateTransformed means a staged result exists.
	StateTransformed
	// StateSaved means the artifact has been written.
	StateSaved
	// StateFailed means the last call failed.
	StateFailed
)

// String implements Stringer.String for State.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateModelLoaded:
		return "model_loaded"
	case StateTransformed:
		return "transformed"
	case StateSaved:
		return "saved"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// prepareFunc validates the call options for one algorithm and returns the
// effective config and calibration corpus. It runs before any loading.
type prepareFunc func(opts Options) (Config, []string, error)

// base carries the state and flow shared by all quantizers. Variants embed
// it and supply their own prepareFunc.
type base struct {
	// log is the associated logger.
	log logging.Logger
	// method is the algorithm run by the embedding variant.
	method Method
	// preset is the algorithm's preset config.
	preset Config
	// modelName is the base model identifier.
	modelName string
	// outputDir is where artifacts are written.
	outputDir string
	// device is the target device hint.
	device string
	// backend performs the numeric work.
	backend Backend

	// run serialises Quantize calls on this quantizer.
	run sync.Mutex
	// mu guards model and state.
	mu sync.RWMutex
	// model is the loaded base model, nil until loaded.
	model *Model
	// state is the lifecycle state.
	state State
	// retired is set once the manager has dropped the quantizer. A retired
	// quantizer refuses further calls.
	retired bool
}

// errRetired is returned by a quantizer the manager has dropped.
var errRetired = errors.New("quantizer retired")

// newBase creates the output directory if needed and returns the shared
// quantizer state.
func newBase(log logging.Logger, method Method, modelName, outputDir, device string, backend Backend) (*base, error) {
	if backend == nil {
		return nil, errors.New("nil backend")
	}
	preset, err := ConfigFor(method)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	return &base{
		log:       log.WithField("method", method),
		method:    method,
		preset:    preset,
		modelName: modelName,
		outputDir: outputDir,
		device:    device,
		backend:   backend,
	}, nil
}

// Method implements Quantizer.Method.
func (b *base) Method() Method {
	return b.method
}

// OutputDir returns the directory artifacts are written to.
func (b *base) OutputDir() string {
	return b.outputDir
}

// State implements Quantizer.State.
func (b *base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Release implements Quantizer.Release.
func (b *base) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.model = nil
	b.state = StateUninitialized
}

// retire releases the quantizer for good unless a call is in flight, in
// which case it reports false and changes nothing.
func (b *base) retire() bool {
	if !b.run.TryLock() {
		return false
	}
	defer b.run.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retired = true
	b.model = nil
	b.state = StateUninitialized
	return true
}

func (b *base) isRetired() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.retired
}

// ModelSizeMB implements Quantizer.ModelSizeMB.
func (b *base) ModelSizeMB() (float64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.model == nil {
		return 0, fmt.Errorf("%w: no model loaded for %s", ErrInvalidState, b.method)
	}
	return b.model.SizeMB(), nil
}

// LoadQuantizedModel implements Quantizer.LoadQuantizedModel.
func (b *base) LoadQuantizedModel(ctx context.Context, path string) (*Model, error) {
	desc, artifactPath, err := ReadDescriptor(path)
	if err != nil {
		return nil, &BackendError{Op: "verify", Method: b.method, Err: err}
	}
	if got := desc.Annotations[AnnotationMethod]; got != string(b.method) {
		return nil, &BackendError{
			Op:     "verify",
			Method: b.method,
			Err:    fmt.Errorf("artifact at %s was produced by %q", path, got),
		}
	}
	model, err := b.backend.LoadArtifact(ctx, artifactPath)
	if err != nil {
		return nil, &BackendError{Op: "verify", Method: b.method, Err: err}
	}
	return model, nil
}

func (b *base) setState(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
	b.log.WithField("state", s).Debug("Quantizer state changed")
}

// fail records the failed state and returns err.
func (b *base) fail(err error) error {
	b.setState(StateFailed)
	b.log.WithError(err).Error("Quantization failed")
	return err
}

// ensureLoaded returns the resident base model, loading it if needed.
func (b *base) ensureLoaded(ctx context.Context) (*Model, error) {
	b.mu.RLock()
	model := b.model
	b.mu.RUnlock()
	if model != nil {
		return model, nil
	}

	b.log.Infof("Loading base model %s", logging.SanitizeForLog(b.modelName))
	model, err := b.backend.LoadModel(ctx, b.modelName, b.device)
	if err != nil {
		return nil, &BackendError{Op: "load", Method: b.method, Err: err}
	}

	b.mu.Lock()
	b.model = model
	b.state = StateModelLoaded
	b.mu.Unlock()
	b.log.Infof("Loaded base model with %d parameters (%s)",
		model.Parameters(), units.HumanSize(model.SizeBytes()))
	return model, nil
}

// quantize is the load → transform → save → measure flow shared by every
// variant. Each stage is attempted once.
func (b *base) quantize(ctx context.Context, opts Options, prepare prepareFunc) (*Report, error) {
	b.run.Lock()
	defer b.run.Unlock()

	start := time.Now()

	if b.isRetired() {
		return nil, errRetired
	}

	// Invalid options end the call before any stage is attempted, so the
	// state is left as it was.
	cfg, calibration, err := prepare(opts)
	if err != nil {
		b.log.WithError(err).Warn("Rejected quantization options")
		return nil, err
	}

	baseModel, err := b.ensureLoaded(ctx)
	if err != nil {
		return nil, b.fail(err)
	}
	b.setState(StateModelLoaded)

	originalMB := opts.EstimatedOriginalSizeMB
	if originalMB <= 0 {
		originalMB = baseModel.SizeMB()
	}

	staged, err := b.backend.Transform(ctx, baseModel, TransformRequest{
		Method:      b.method,
		Config:      cfg,
		Device:      b.device,
		Calibration: calibration,
		WorkDir:     b.outputDir,
	})
	if err != nil {
		return nil, b.fail(&BackendError{Op: "transform", Method: b.method, Err: err})
	}
	b.setState(StateTransformed)

	// The soft time ceiling may have fired while transforming.
	if err := ctx.Err(); err != nil {
		b.discard(staged)
		return nil, b.fail(&BackendError{Op: "transform", Method: b.method, Err: err})
	}

	artifactPath, err := b.backend.Save(ctx, staged, b.outputDir)
	if err != nil {
		b.discard(staged)
		return nil, b.fail(&BackendError{Op: "save", Method: b.method, Err: err})
	}

	desc, err := writeDescriptor(artifactPath, b.method, b.modelName, cfg)
	if err == nil {
		// The soft time ceiling may have fired while saving.
		err = ctx.Err()
	}
	if err != nil {
		removeArtifact(artifactPath)
		return nil, b.fail(&BackendError{Op: "save", Method: b.method, Err: err})
	}
	b.setState(StateSaved)

	report := &Report{
		QuantizationType:        string(b.method),
		ModelName:               b.modelName,
		QuantizedSizeMB:         float64(desc.Size) / bytesPerMB,
		OutputPath:              artifactPath,
		EstimatedOriginalSizeMB: originalMB,
		Bits:                    cfg.Bits(),
		GroupSize:               cfg.GroupSize(),
		Backend:                 b.backend.Name(),
		Device:                  b.device,
		ArtifactDigest:          desc.Digest.String(),
		Parameters:              baseModel.Parameters(),
		Config:                  cfg.Map(),
	}

	if opts.SanityCheck {
		results, err := b.sanityCheck(ctx, artifactPath, opts.TestPrompts)
		if err != nil {
			removeArtifact(artifactPath)
			return nil, b.fail(&BackendError{Op: "verify", Method: b.method, Err: err})
		}
		report.SanityCheck = results
	}

	report.DurationSeconds = time.Since(start).Seconds()
	b.log.Infof("Wrote %s artifact to %s (%s)", b.method, artifactPath, units.HumanSize(float64(desc.Size)))
	return report, nil
}

// sanityCheck runs each prompt against the artifact. A prompt passes if the
// artifact produces non-empty output for it; any failing prompt is an error.
func (b *base) sanityCheck(ctx context.Context, artifactPath string, prompts []string) (map[string]bool, error) {
	runner, ok := b.backend.(PromptRunner)
	if !ok {
		return nil, fmt.Errorf("backend %s cannot run prompts", b.backend.Name())
	}
	if len(prompts) == 0 {
		return nil, errors.New("no test prompts")
	}
	results := make(map[string]bool, len(prompts))
	failed := 0
	for _, prompt := range prompts {
		out, err := runner.Generate(ctx, artifactPath, prompt)
		if err != nil {
			return nil, fmt.Errorf("running test prompt: %w", err)
		}
		passed := strings.TrimSpace(out) != ""
		if !passed {
			failed++
			b.log.Warnf("Test prompt produced no output: %s", logging.SanitizeForLog(prompt))
		}
		results[prompt] = passed
	}
	if failed > 0 {
		return results, fmt.Errorf("%d of %d test prompts produced no output", failed, len(prompts))
	}
	return results, nil
}

func (b *base) discard(staged *Model) {
	if err := b.backend.Discard(staged); err != nil {
		b.log.Warnf("Failed to discard staged result: %v", err)
	}
}

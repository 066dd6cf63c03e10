package quantization

import (
	"context"
	"errors"

	"github.com/examstutor/model-quantizer/pkg/logging"
)

// GPTQQuantizer solves for 4-bit scales that minimise layer-wise
// reconstruction error over a calibration corpus. It requires a dampening
// factor (damp_percent).
type GPTQQuantizer struct {
	*base
}

// NewGPTQQuantizer creates a calibrated 4-bit quantizer writing to
// outputDir, which is created if absent.
func NewGPTQQuantizer(log logging.Logger, modelName, outputDir, device string, backend Backend) (*GPTQQuantizer, error) {
	b, err := newBase(log, MethodGPTQ, modelName, outputDir, device, backend)
	if err != nil {
		return nil, err
	}
	return &GPTQQuantizer{base: b}, nil
}

// Quantize implements Quantizer.Quantize.
func (q *GPTQQuantizer) Quantize(ctx context.Context, opts Options) (*Report, error) {
	return q.quantize(ctx, opts, q.prepare)
}

func (q *GPTQQuantizer) prepare(opts Options) (Config, []string, error) {
	cfg, err := q.preset.With(opts.Config)
	if err != nil {
		return Config{}, nil, invalidOptions("gptq", "%w", err)
	}
	damp, ok := cfg.Float(KeyDampPercent)
	if !ok {
		return Config{}, nil, invalidOptions("gptq", "%s is required", KeyDampPercent)
	}
	if damp <= 0 || damp >= 1 {
		return Config{}, nil, invalidOptions("gptq", "%s must be in (0, 1), got %g", KeyDampPercent, damp)
	}
	calibration, err := calibrationCorpus(opts)
	if err != nil {
		return Config{}, nil, invalidOptions("gptq", "%w", err)
	}
	return cfg, calibration, nil
}

// calibrationCorpus returns the caller's corpus, falling back to the test
// prompts. Blank entries are dropped.
func calibrationCorpus(opts Options) ([]string, error) {
	source := opts.Calibration
	if len(source) == 0 {
		source = opts.TestPrompts
	}
	corpus := make([]string, 0, len(source))
	for _, s := range source {
		if s != "" {
			corpus = append(corpus, s)
		}
	}
	if len(corpus) == 0 {
		return nil, errors.New("calibration corpus is empty")
	}
	return corpus, nil
}

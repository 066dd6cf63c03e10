package quantization

import (
	"context"

	"github.com/examstutor/model-quantizer/pkg/logging"
)

// INT8Quantizer scales weights per group to 8-bit integers. It needs no
// calibration data.
type INT8Quantizer struct {
	*base
}

// NewINT8Quantizer creates an 8-bit quantizer writing to outputDir, which is
// created if absent.
func NewINT8Quantizer(log logging.Logger, modelName, outputDir, device string, backend Backend) (*INT8Quantizer, error) {
	b, err := newBase(log, MethodINT8, modelName, outputDir, device, backend)
	if err != nil {
		return nil, err
	}
	return &INT8Quantizer{base: b}, nil
}

// Quantize implements Quantizer.Quantize.
func (q *INT8Quantizer) Quantize(ctx context.Context, opts Options) (*Report, error) {
	return q.quantize(ctx, opts, q.prepare)
}

func (q *INT8Quantizer) prepare(opts Options) (Config, []string, error) {
	return prepareDirect(q.preset, opts)
}

// prepareDirect applies overrides for the calibration-free methods. The bit
// width is fixed by the method and may not be overridden.
func prepareDirect(preset Config, opts Options) (Config, []string, error) {
	cfg, err := preset.With(opts.Config)
	if err != nil {
		return Config{}, nil, invalidOptions(preset.Name(), "%w", err)
	}
	if cfg.Bits() != preset.Bits() {
		return Config{}, nil, invalidOptions(preset.Name(), "%s is fixed at %d", KeyBits, preset.Bits())
	}
	return cfg, nil, nil
}

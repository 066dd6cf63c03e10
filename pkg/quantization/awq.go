package quantization

import (
	"context"

	"github.com/examstutor/model-quantizer/pkg/logging"
)

// AWQQuantizer scales channels by observed activation magnitude before
// quantizing weights to 4 bits with an asymmetric (zero-point) range.
type AWQQuantizer struct {
	*base
}

// NewAWQQuantizer creates an activation-aware 4-bit quantizer writing to
// outputDir, which is created if absent.
func NewAWQQuantizer(log logging.Logger, modelName, outputDir, device string, backend Backend) (*AWQQuantizer, error) {
	b, err := newBase(log, MethodAWQ, modelName, outputDir, device, backend)
	if err != nil {
		return nil, err
	}
	return &AWQQuantizer{base: b}, nil
}

// Quantize implements Quantizer.Quantize.
func (q *AWQQuantizer) Quantize(ctx context.Context, opts Options) (*Report, error) {
	return q.quantize(ctx, opts, q.prepare)
}

func (q *AWQQuantizer) prepare(opts Options) (Config, []string, error) {
	cfg, err := q.preset.With(opts.Config)
	if err != nil {
		return Config{}, nil, invalidOptions("awq", "%w", err)
	}
	zeroPoint, ok := cfg.Bool(KeyZeroPoint)
	if !ok || !zeroPoint {
		return Config{}, nil, invalidOptions("awq", "%s must be set to true", KeyZeroPoint)
	}
	calibration, err := calibrationCorpus(opts)
	if err != nil {
		return Config{}, nil, invalidOptions("awq", "%w", err)
	}
	return cfg, calibration, nil
}

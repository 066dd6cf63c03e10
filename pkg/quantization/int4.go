package quantization

import (
	"context"

	"github.com/examstutor/model-quantizer/pkg/logging"
)

// INT4Quantizer scales weights per group to 4-bit integers without
// calibration. It trades more quantization error than the calibrated
// variants for a cheaper transform.
type INT4Quantizer struct {
	*base
}

// NewINT4Quantizer creates a direct 4-bit quantizer writing to outputDir,
// which is created if absent.
func NewINT4Quantizer(log logging.Logger, modelName, outputDir, device string, backend Backend) (*INT4Quantizer, error) {
	b, err := newBase(log, MethodINT4, modelName, outputDir, device, backend)
	if err != nil {
		return nil, err
	}
	return &INT4Quantizer{base: b}, nil
}

// Quantize implements Quantizer.Quantize.
func (q *INT4Quantizer) Quantize(ctx context.Context, opts Options) (*Report, error) {
	return q.quantize(ctx, opts, q.prepare)
}

func (q *INT4Quantizer) prepare(opts Options) (Config, []string, error) {
	return prepareDirect(q.preset, opts)
}

package llamacpp

import (
	"fmt"

	"github.com/examstutor/model-quantizer/pkg/quantization"
)

// fileTypes maps a method and bit width to the llama-quantize target type.
// gptq uses the k-quant family, which tunes per-block scales against the
// importance matrix. awq uses the Q*_1 family, which stores a per-block
// minimum as well as a scale and so carries the zero point.
var fileTypes = map[quantization.Method]map[int]string{
	quantization.MethodINT8: {8: "Q8_0"},
	quantization.MethodINT4: {4: "Q4_0"},
	quantization.MethodGPTQ: {2: "Q2_K", 4: "Q4_K_M", 8: "Q8_0"},
	quantization.MethodAWQ:  {2: "Q2_K", 4: "Q4_1", 8: "Q8_0"},
}

// FileType returns the llama-quantize type for method at the configured
// bit width.
func FileType(method quantization.Method, cfg quantization.Config) (string, error) {
	byBits, ok := fileTypes[method]
	if !ok {
		return "", &quantization.UnsupportedMethodError{Method: string(method)}
	}
	fileType, ok := byBits[cfg.Bits()]
	if !ok {
		return "", fmt.Errorf("%w for %s: %d-bit weights are not supported by llama.cpp",
			quantization.ErrInvalidOptions, method, cfg.Bits())
	}
	return fileType, nil
}

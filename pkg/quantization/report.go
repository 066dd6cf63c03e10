package quantization

// Report is the result of a successful quantization. The first five fields
// are always present; the rest are extras useful for auditing.
type Report struct {
	QuantizationType string  `json:"quantization_type"`
	ModelName        string  `json:"model_name"`
	QuantizedSizeMB  float64 `json:"quantized_size_mb"`
	CompressionRatio float64 `json:"compression_ratio"`
	OutputPath       string  `json:"output_path"`

	// EstimatedOriginalSizeMB is an estimate, either supplied by the caller or
	// derived from the base model's parameters at their stored width. It is
	// not a measurement of the original artifact on the same hardware.
	EstimatedOriginalSizeMB float64         `json:"estimated_original_size_mb"`
	Bits                    int             `json:"bits"`
	GroupSize               int             `json:"group_size,omitempty"`
	Backend                 string          `json:"backend"`
	Device                  string          `json:"device"`
	ArtifactDigest          string          `json:"artifact_digest,omitempty"`
	Parameters              uint64          `json:"parameters"`
	DurationSeconds         float64         `json:"duration_seconds"`
	Config                  map[string]any  `json:"config"`
	SanityCheck             map[string]bool `json:"sanity_check,omitempty"`
}

// Map returns the report as a key/value mapping.
func (r *Report) Map() map[string]any {
	m := map[string]any{
		"quantization_type":          r.QuantizationType,
		"model_name":                 r.ModelName,
		"quantized_size_mb":          r.QuantizedSizeMB,
		"compression_ratio":          r.CompressionRatio,
		"output_path":                r.OutputPath,
		"estimated_original_size_mb": r.EstimatedOriginalSizeMB,
		"bits":                       r.Bits,
		"backend":                    r.Backend,
		"device":                     r.Device,
		"parameters":                 r.Parameters,
		"duration_seconds":           r.DurationSeconds,
		"config":                     r.Config,
	}
	if r.GroupSize > 0 {
		m["group_size"] = r.GroupSize
	}
	if r.ArtifactDigest != "" {
		m["artifact_digest"] = r.ArtifactDigest
	}
	if len(r.SanityCheck) > 0 {
		m["sanity_check"] = r.SanityCheck
	}
	return m
}

// CompressionRatio returns original/quantized. It returns 0 when quantized is
// not positive.
func CompressionRatio(originalMB, quantizedMB float64) float64 {
	if quantizedMB <= 0 {
		return 0
	}
	return originalMB / quantizedMB
}

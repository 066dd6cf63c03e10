package quantization

const bytesPerMB = 1024 * 1024

// Model is an in-memory handle on a model: either a base model that has been
// loaded for quantization, a staged transform result, or a saved artifact.
// The handle records tensor shapes and storage widths; weights stay with the
// backend.
type Model struct {
	// Name is the model identifier the handle was loaded for.
	Name string
	// Path is the file (or directory) backing the handle.
	Path string
	// Format is the on-disk format, e.g. "gguf" or "safetensors".
	Format string
	// FileType describes the dominant storage type, e.g. "F16" or "Q4_0".
	FileType string
	// Tensors lists the parameters of the model.
	Tensors []Tensor
}

// Tensor describes one parameter tensor.
type Tensor struct {
	Name string
	// Elements is the number of scalar parameters in the tensor.
	Elements uint64
	// BitsPerElement is the storage width, including any per-block scale
	// overhead (e.g. 8.5 for Q8_0).
	BitsPerElement float64
}

// Parameters returns the total number of scalar parameters.
func (m *Model) Parameters() uint64 {
	var total uint64
	for _, t := range m.Tensors {
		total += t.Elements
	}
	return total
}

// SizeBytes sums the parameter counts weighted by their storage width.
func (m *Model) SizeBytes() float64 {
	var bits float64
	for _, t := range m.Tensors {
		bits += float64(t.Elements) * t.BitsPerElement
	}
	return bits / 8
}

// SizeMB returns SizeBytes in megabytes (1024*1024 bytes).
func (m *Model) SizeMB() float64 {
	return m.SizeBytes() / bytesPerMB
}

package gguf

import (
	"errors"
	"fmt"
	"os"
	"strings"

	parser "github.com/gpustack/gguf-parser-go"
)

// ErrNotGGUF indicates that a file does not carry the GGUF magic.
var ErrNotGGUF = errors.New("not a GGUF file")

// magic is the little-endian "GGUF" file signature.
var magic = []byte("GGUF")

// Tensor describes one tensor of a GGUF model.
type Tensor struct {
	Name     string
	Type     string
	Elements uint64
	Bytes    uint64
}

// BitsPerElement returns the tensor's storage width.
func (t Tensor) BitsPerElement() float64 {
	if t.Elements == 0 {
		return 0
	}
	return float64(t.Bytes) * 8 / float64(t.Elements)
}

// Info summarises a GGUF model, which may span several shards.
type Info struct {
	// Path is the first shard.
	Path string
	// Shards lists every shard file, in order.
	Shards       []string
	Architecture string
	// FileType is the llama.cpp file type, for example "Q4_0" or "F16".
	FileType string
	// Parameters is the total element count over all tensors.
	Parameters uint64
	// Size is the on-disk size of all shards.
	Size    int64
	Tensors []Tensor
}

// IsGGUF reports whether the file at path starts with the GGUF magic.
func IsGGUF(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	buf := make([]byte, len(magic))
	n, err := f.Read(buf)
	if err != nil || n < len(magic) {
		return false, nil
	}
	return string(buf) == string(magic), nil
}

// Inspect parses the GGUF model at path. Split models are read across all
// of their shards.
func Inspect(path string) (*Info, error) {
	ok, err := IsGGUF(path)
	if err != nil {
		return nil, fmt.Errorf("open gguf: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNotGGUF)
	}

	shards := parser.CompleteShardGGUFFilename(path)
	if len(shards) == 0 {
		shards = []string{path} // single file
	}

	info := &Info{Path: shards[0], Shards: shards}
	for i, shard := range shards {
		gf, err := parser.ParseGGUFFile(shard)
		if err != nil {
			return nil, fmt.Errorf("parse gguf %s: %w", shard, err)
		}
		if i == 0 {
			md := gf.Metadata()
			info.Architecture = strings.TrimSpace(md.Architecture)
			info.FileType = strings.TrimSpace(md.FileType.String())
		}
		for _, ti := range gf.TensorInfos {
			info.Tensors = append(info.Tensors, Tensor{
				Name:     ti.Name,
				Type:     ti.Type.String(),
				Elements: ti.Elements(),
				Bytes:    ti.Bytes(),
			})
			info.Parameters += ti.Elements()
		}

		st, err := os.Stat(shard)
		if err != nil {
			return nil, fmt.Errorf("stat gguf %s: %w", shard, err)
		}
		info.Size += st.Size()
	}
	return info, nil
}

// EstimateRunMemory estimates the host memory llama.cpp needs to load the
// model at path with the given context size, with no layers offloaded.
func EstimateRunMemory(path string, contextSize int32) (uint64, error) {
	gf, err := parser.ParseGGUFFile(path)
	if err != nil {
		return 0, fmt.Errorf("parse gguf %s: %w", path, err)
	}
	estimate := gf.EstimateLLaMACppRun(
		parser.WithLLaMACppContextSize(contextSize),
		parser.WithLLaMACppLogicalBatchSize(2048),
		parser.WithLLaMACppOffloadLayers(0),
	)
	if len(estimate.Devices) == 0 {
		return 0, fmt.Errorf("no device estimate for %s", path)
	}
	host := estimate.Devices[0]
	return uint64(host.Weight.Sum() + host.KVCache.Sum() + host.Computation.Sum()), nil
}

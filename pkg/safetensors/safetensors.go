package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// metadataKey is the reserved header entry holding free-form metadata.
	metadataKey = "__metadata__"
	// maxHeaderSize bounds the JSON header a file may declare.
	maxHeaderSize = 100 << 20
	// Extension is the safetensors file extension.
	Extension = ".safetensors"
)

// ErrInvalidHeader indicates a malformed safetensors header.
var ErrInvalidHeader = errors.New("invalid safetensors header")

// dtypeBits maps safetensors dtypes to their storage width in bits.
var dtypeBits = map[string]float64{
	"BOOL":    8,
	"U8":      8,
	"I8":      8,
	"F8_E4M3": 8,
	"F8_E5M2": 8,
	"I16":     16,
	"U16":     16,
	"F16":     16,
	"BF16":    16,
	"I32":     32,
	"U32":     32,
	"F32":     32,
	"I64":     64,
	"U64":     64,
	"F64":     64,
}

// Tensor describes one tensor entry of a safetensors header.
type Tensor struct {
	Name        string   `json:"-"`
	DType       string   `json:"dtype"`
	Shape       []uint64 `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// Elements returns the number of elements in the tensor.
func (t Tensor) Elements() uint64 {
	n := uint64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// BitsPerElement returns the storage width of the tensor's dtype.
func (t Tensor) BitsPerElement() float64 {
	return dtypeBits[t.DType]
}

// Info summarises one or more safetensors files.
type Info struct {
	Files      []string
	Metadata   map[string]string
	Tensors    []Tensor
	Parameters uint64
	// Size is the total tensor data size in bytes.
	Size int64
}

// Inspect reads the header of the safetensors file at path, or of every
// safetensors file in path if it is a directory. Tensor data is not read.
func Inspect(path string) (*Info, error) {
	files, err := Files(path)
	if err != nil {
		return nil, err
	}
	info := &Info{Files: files, Metadata: map[string]string{}}
	for _, file := range files {
		tensors, metadata, err := readHeader(file)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		for k, v := range metadata {
			info.Metadata[k] = v
		}
		for _, t := range tensors {
			info.Tensors = append(info.Tensors, t)
			info.Parameters += t.Elements()
			info.Size += t.DataOffsets[1] - t.DataOffsets[0]
		}
	}
	return info, nil
}

// Files returns the safetensors files at path, sorted.
func Files(path string) ([]string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), Extension) {
			files = append(files, filepath.Join(path, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no %s files in %s", Extension, path)
	}
	sort.Strings(files)
	return files, nil
}

func readHeader(path string) ([]Tensor, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var size uint64
	if err := binary.Read(f, binary.LittleEndian, &size); err != nil {
		return nil, nil, fmt.Errorf("%w: reading length: %w", ErrInvalidHeader, err)
	}
	if size == 0 || size > maxHeaderSize {
		return nil, nil, fmt.Errorf("%w: header length %d", ErrInvalidHeader, size)
	}
	raw := make([]byte, size)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, nil, fmt.Errorf("%w: reading header: %w", ErrInvalidHeader, err)
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}

	var metadata map[string]string
	tensors := make([]Tensor, 0, len(entries))
	for name, entry := range entries {
		if name == metadataKey {
			if err := json.Unmarshal(entry, &metadata); err != nil {
				return nil, nil, fmt.Errorf("%w: metadata: %w", ErrInvalidHeader, err)
			}
			continue
		}
		var t Tensor
		if err := json.Unmarshal(entry, &t); err != nil {
			return nil, nil, fmt.Errorf("%w: tensor %s: %w", ErrInvalidHeader, name, err)
		}
		if _, ok := dtypeBits[t.DType]; !ok {
			return nil, nil, fmt.Errorf("%w: tensor %s has unknown dtype %q", ErrInvalidHeader, name, t.DType)
		}
		t.Name = name
		tensors = append(tensors, t)
	}
	sort.Slice(tensors, func(i, j int) bool { return tensors[i].DataOffsets[0] < tensors[j].DataOffsets[0] })
	return tensors, metadata, nil
}

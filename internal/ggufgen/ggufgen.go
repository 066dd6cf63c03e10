// Package ggufgen writes small GGUF v3 files. It backs tests that need a
// model on disk without shipping one.
package ggufgen

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const (
	version = 3
	// Alignment is the tensor data alignment written to every file.
	Alignment = 32

	kvTypeUint32 = 4
	kvTypeString = 8
)

// Type describes a GGML tensor type by its block layout.
type Type struct {
	ID         uint32
	BlockSize  uint64
	BlockBytes uint64
}

// Types maps llama.cpp type names to their layouts. Q4_K_M is the file type
// name for a model whose weights are mostly Q4_K.
var Types = map[string]Type{
	"F32":    {ID: 0, BlockSize: 1, BlockBytes: 4},
	"F16":    {ID: 1, BlockSize: 1, BlockBytes: 2},
	"Q4_0":   {ID: 2, BlockSize: 32, BlockBytes: 18},
	"Q4_1":   {ID: 3, BlockSize: 32, BlockBytes: 20},
	"Q8_0":   {ID: 8, BlockSize: 32, BlockBytes: 34},
	"Q2_K":   {ID: 10, BlockSize: 256, BlockBytes: 84},
	"Q4_K_M": {ID: 12, BlockSize: 256, BlockBytes: 144},
}

// Tensor is one tensor to write. Its data is zero-filled.
type Tensor struct {
	Name string
	Dims []uint64
	Type uint32
	// Size is the data size in bytes.
	Size uint64
}

// Uniform returns one tensor per name, each a vector of elements values of
// the named type. elements must be a multiple of the type's block size.
func Uniform(typeName string, elements uint64, names ...string) ([]Tensor, error) {
	typ, ok := Types[typeName]
	if !ok {
		return nil, fmt.Errorf("unknown type %s", typeName)
	}
	if elements%typ.BlockSize != 0 {
		return nil, fmt.Errorf("%d elements is not a multiple of the %s block size %d", elements, typeName, typ.BlockSize)
	}
	tensors := make([]Tensor, 0, len(names))
	for _, name := range names {
		tensors = append(tensors, Tensor{
			Name: name,
			Dims: []uint64{elements},
			Type: typ.ID,
			Size: elements / typ.BlockSize * typ.BlockBytes,
		})
	}
	return tensors, nil
}

func aligned(n uint64) uint64 {
	return (n + Alignment - 1) / Alignment * Alignment
}

// Write writes a GGUF file at path. metadata values must be strings or
// uint32s; keys are written in sorted order.
func Write(path string, metadata map[string]any, tensors []Tensor) error {
	var buf bytes.Buffer
	le := binary.LittleEndian
	write := func(v any) {
		// Writes to a bytes.Buffer cannot fail.
		_ = binary.Write(&buf, le, v)
	}
	writeString := func(s string) {
		write(uint64(len(s)))
		buf.WriteString(s)
	}

	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	buf.WriteString("GGUF")
	write(uint32(version))
	write(uint64(len(tensors)))
	write(uint64(len(keys)))
	for _, key := range keys {
		writeString(key)
		switch v := metadata[key].(type) {
		case string:
			write(uint32(kvTypeString))
			writeString(v)
		case uint32:
			write(uint32(kvTypeUint32))
			write(v)
		default:
			return fmt.Errorf("metadata %s: unsupported value type %T", key, v)
		}
	}

	var offset uint64
	for _, t := range tensors {
		writeString(t.Name)
		write(uint32(len(t.Dims)))
		for _, d := range t.Dims {
			write(d)
		}
		write(t.Type)
		write(offset)
		offset += aligned(t.Size)
	}
	for buf.Len()%Alignment != 0 {
		buf.WriteByte(0)
	}
	for _, t := range tensors {
		buf.Write(make([]byte, aligned(t.Size)))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

package commands

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examstutor/model-quantizer/internal/ggufgen"
	"github.com/examstutor/model-quantizer/pkg/gpuinfo"
	"github.com/examstutor/model-quantizer/pkg/quantization"
	"github.com/examstutor/model-quantizer/pkg/quantization/backends/llamacpp"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeGGUF(t *testing.T, path, fileType string) {
	t.Helper()
	tensors, err := ggufgen.Uniform(fileType, 2048, "blk.0.attn_q.weight", "blk.0.attn_k.weight")
	require.NoError(t, err)
	require.NoError(t, ggufgen.Write(path, map[string]any{
		"general.architecture": "llama",
		"general.file_type":    uint32(1),
	}, tensors))
}

func writeSafetensors(t *testing.T, path string) {
	t.Helper()
	header, err := json.Marshal(map[string]any{
		"lm_head.weight": map[string]any{
			"dtype": "F16", "shape": []int{16, 16}, "data_offsets": []int{0, 512},
		},
	})
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(header))))
	buf.Write(header)
	buf.Write(make([]byte, 512))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

func TestParseOverrides(t *testing.T) {
	tests := []struct {
		name    string
		pairs   []string
		want    map[string]any
		wantErr bool
	}{
		{name: "none", pairs: nil, want: nil},
		{
			name:  "typed values",
			pairs: []string{"bits=8", "sym=false", "version=GEMV", "damp_percent=0.05"},
			want:  map[string]any{"bits": float64(8), "sym": false, "version": "GEMV", "damp_percent": 0.05},
		},
		{name: "empty value", pairs: []string{"version="}, want: map[string]any{"version": ""}},
		{name: "value with equals", pairs: []string{"note=a=b"}, want: map[string]any{"note": "a=b"}},
		{name: "missing equals", pairs: []string{"bits"}, wantErr: true},
		{name: "missing key", pairs: []string{"=8"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseOverrides(tt.pairs)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMethodsCmd(t *testing.T) {
	out, err := execute(t, "methods")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1+len(quantization.SupportedMethods()))
	assert.Contains(t, lines[0], "LLAMA.CPP TYPE")

	byMethod := map[string]string{}
	for _, line := range lines[1:] {
		fields := strings.Fields(line)
		byMethod[fields[0]] = line
	}
	assert.Contains(t, byMethod["int8"], "Q8_0")
	assert.Contains(t, byMethod["int4"], "Q4_0")
	assert.Contains(t, byMethod["gptq"], "Q4_K_M")
	assert.Contains(t, byMethod["gptq"], "desc_act=false")
	assert.Contains(t, byMethod["awq"], "Q4_1")
	assert.Contains(t, byMethod["awq"], "version=GEMM")
}

func TestPromptsCmd(t *testing.T) {
	out, err := execute(t, "prompts")
	require.NoError(t, err)

	prompts := quantization.DefaultTestPrompts()
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, len(prompts))
	assert.Equal(t, " 1. "+prompts[0], lines[0])
	assert.True(t, strings.HasSuffix(lines[len(lines)-1], prompts[len(prompts)-1]))
}

func rowValue(rows [][2]string, key string) string {
	for _, row := range rows {
		if row[0] == key {
			return row[1]
		}
	}
	return ""
}

func TestInspectRows(t *testing.T) {
	dir := t.TempDir()

	t.Run("gguf file", func(t *testing.T) {
		path := filepath.Join(dir, "tiny-F16.gguf")
		writeGGUF(t, path, "F16")

		rows, err := inspectRows(path)
		require.NoError(t, err)
		assert.Equal(t, "gguf", rowValue(rows, "Format"))
		assert.Equal(t, "llama", rowValue(rows, "Architecture"))
		assert.Equal(t, "4.10K", rowValue(rows, "Parameters"))
		assert.Equal(t, "2", rowValue(rows, "Tensors"))
		assert.Equal(t, "1", rowValue(rows, "Shards"))
		assert.Empty(t, rowValue(rows, "Method"))
	})

	t.Run("safetensors directory", func(t *testing.T) {
		modelDir := filepath.Join(dir, "hf")
		require.NoError(t, os.MkdirAll(modelDir, 0o755))
		writeSafetensors(t, filepath.Join(modelDir, "model.safetensors"))

		rows, err := inspectRows(modelDir)
		require.NoError(t, err)
		assert.Equal(t, "safetensors", rowValue(rows, "Format"))
		assert.Equal(t, "1", rowValue(rows, "Files"))
		assert.Equal(t, "256", rowValue(rows, "Parameters"))
	})

	t.Run("missing path", func(t *testing.T) {
		_, err := inspectRows(filepath.Join(dir, "missing"))
		require.Error(t, err)
	})

	t.Run("unknown format", func(t *testing.T) {
		path := filepath.Join(dir, "notes.txt")
		require.NoError(t, os.WriteFile(path, []byte("not a model"), 0o644))
		_, err := inspectRows(path)
		require.Error(t, err)
	})
}

func TestFormatParameters(t *testing.T) {
	tests := []struct {
		n    uint64
		want string
	}{
		{n: 512, want: "512"},
		{n: 4096, want: "4.10K"},
		{n: 7_240_000, want: "7.24M"},
		{n: 8_030_000_000, want: "8.03B"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatParameters(tt.n))
	}
}

// fakeQuantize stands in for llama-quantize by writing a GGUF of the
// requested type to the output path.
func fakeQuantize(t *testing.T) llamacpp.Runner {
	return func(ctx context.Context, name string, args []string, stdout io.Writer) error {
		if !strings.HasPrefix(filepath.Base(name), "llama-quantize") {
			return errors.New("unexpected tool " + name)
		}
		for i := len(args) - 1; i > 0; i-- {
			if _, ok := ggufgen.Types[args[i]]; ok {
				writeGGUF(t, args[i-1], args[i])
				return nil
			}
		}
		return errors.New("no target type")
	}
}

func TestQuantizeCmd(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "models", "tiny-F16.gguf")
	writeGGUF(t, model, "F16")
	output := filepath.Join(dir, "out")
	t.Setenv("QUANT_CACHE_DIR", filepath.Join(dir, "cache"))

	saved := backendOptions
	backendOptions = []llamacpp.Option{llamacpp.WithRunner(fakeQuantize(t))}
	t.Cleanup(func() { backendOptions = saved })

	out, err := execute(t, "quantize",
		"--model", model,
		"--method", "int8",
		"--output", output,
		"--model-dir", filepath.Dir(model),
		"--log-level", "error",
		"--estimate-mb", "100",
	)
	require.NoError(t, err)

	var report quantization.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, "int8", report.QuantizationType)
	assert.Equal(t, model, report.ModelName)
	assert.Equal(t, 8, report.Bits)
	assert.Equal(t, "cpu", report.Device)
	assert.Equal(t, filepath.Join(quantization.ModelOutputDir(output, model), "int8", "tiny-Q8_0.gguf"), report.OutputPath)
	assert.FileExists(t, report.OutputPath)
	assert.Greater(t, report.CompressionRatio, 1.0)

	inspected, err := execute(t, "inspect", filepath.Dir(report.OutputPath))
	require.NoError(t, err)
	assert.Contains(t, inspected, "int8")
	assert.Contains(t, inspected, report.ArtifactDigest)
	assert.Contains(t, inspected, "gguf")
}

func TestQuantizeCmdRejectsInvalidInput(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("QUANT_CACHE_DIR", filepath.Join(dir, "cache"))

	tests := []struct {
		name string
		args []string
	}{
		{name: "unknown method", args: []string{"--method", "int3"}},
		{name: "bad override", args: []string{"--method", "int8", "--set", "group_size"}},
		{name: "unknown device", args: []string{"--method", "int8", "--device", "tpu"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"quantize", "--output", filepath.Join(dir, "out")}, tt.args...)
			_, err := execute(t, args...)
			require.Error(t, err)
			assert.NoDirExists(t, filepath.Join(dir, "out"))
		})
	}
}

type fakeLister struct {
	gpus      []gpuinfo.GPU
	supported map[string]bool
	err       error
}

func (p fakeLister) GPUs() ([]gpuinfo.GPU, error) {
	return p.gpus, p.err
}

func (p fakeLister) SupportsDevice(device string) (bool, error) {
	return p.supported[device], nil
}

func TestDevicesTable(t *testing.T) {
	t.Run("with cards", func(t *testing.T) {
		out, err := devicesTable(fakeLister{
			gpus:      []gpuinfo.GPU{{Vendor: "NVIDIA Corporation", Product: "GA102"}},
			supported: map[string]bool{"cpu": true, "gpu": true, "cuda": true},
		})
		require.NoError(t, err)
		assert.Contains(t, out, "NVIDIA Corporation")
		assert.Contains(t, out, "GA102")

		supported := map[string]string{}
		for _, line := range strings.Split(out, "\n") {
			if fields := strings.Fields(line); len(fields) == 2 {
				supported[fields[0]] = fields[1]
			}
		}
		assert.Equal(t, "true", supported["cuda"])
		assert.Equal(t, "false", supported["mps"])
	})

	t.Run("without cards", func(t *testing.T) {
		out, err := devicesTable(fakeLister{supported: map[string]bool{"cpu": true}})
		require.NoError(t, err)
		assert.Contains(t, out, "No graphics cards found")
		assert.NotContains(t, out, "VENDOR")
	})

	t.Run("listing failure", func(t *testing.T) {
		_, err := devicesTable(fakeLister{err: errors.New("no pci database")})
		require.Error(t, err)
	})
}

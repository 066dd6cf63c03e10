package quantization

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQuantizer(t *testing.T, method Method, backend Backend) Quantizer {
	t.Helper()
	dir := filepath.Join(t.TempDir(), string(method))
	q, err := constructors[method](testLogger(), "test/model", dir, "cpu", backend)
	require.NoError(t, err)
	return q
}

func TestQuantizeWritesArtifact(t *testing.T) {
	tests := []struct {
		method  Method
		bits    int
		sizeMB  float64
		options Options
	}{
		{MethodINT8, 8, 2, Options{}},
		{MethodINT4, 4, 1, Options{}},
		{MethodGPTQ, 4, 1, Options{Calibration: []string{"calibrate"}}},
		{MethodAWQ, 4, 1, Options{Calibration: []string{"calibrate"}}},
	}
	for _, tt := range tests {
		t.Run(string(tt.method), func(t *testing.T) {
			backend := newFakeBackend()
			q := newTestQuantizer(t, tt.method, backend)
			assert.Equal(t, StateUninitialized, q.State())

			report, err := q.Quantize(context.Background(), tt.options)
			require.NoError(t, err)

			assert.Equal(t, string(tt.method), report.QuantizationType)
			assert.Equal(t, "test/model", report.ModelName)
			assert.Equal(t, tt.bits, report.Bits)
			assert.Equal(t, 128, report.GroupSize)
			assert.InDelta(t, tt.sizeMB, report.QuantizedSizeMB, 1e-9)
			assert.InDelta(t, 4.0, report.EstimatedOriginalSizeMB, 1e-9)
			assert.Equal(t, uint64(2<<20), report.Parameters)
			assert.Equal(t, "fake", report.Backend)
			assert.Equal(t, "cpu", report.Device)
			assert.Contains(t, report.ArtifactDigest, "sha256:")
			assert.FileExists(t, report.OutputPath)
			assert.FileExists(t, filepath.Join(filepath.Dir(report.OutputPath), DescriptorFile))
			assert.Equal(t, StateSaved, q.State())
		})
	}
}

func TestQuantizeLoadsBaseModelOnce(t *testing.T) {
	backend := newFakeBackend()
	q := newTestQuantizer(t, MethodINT8, backend)

	_, err := q.Quantize(context.Background(), Options{})
	require.NoError(t, err)
	_, err = q.Quantize(context.Background(), Options{})
	require.NoError(t, err)

	loads, transforms, saves := backend.counts()
	assert.Equal(t, 1, loads)
	assert.Equal(t, 2, transforms)
	assert.Equal(t, 2, saves)
}

func TestQuantizeInvalidOptions(t *testing.T) {
	tests := []struct {
		name    string
		method  Method
		options Options
	}{
		{"int8 bits override", MethodINT8, Options{Config: map[string]any{KeyBits: 4}}},
		{"int4 bits override", MethodINT4, Options{Config: map[string]any{KeyBits: 8}}},
		{"int4 invalid group size", MethodINT4, Options{Config: map[string]any{KeyGroupSize: 0}}},
		{"gptq without corpus", MethodGPTQ, Options{}},
		{"gptq blank corpus", MethodGPTQ, Options{Calibration: []string{" ", ""}}},
		{"gptq damp out of range", MethodGPTQ, Options{
			Calibration: []string{"x"},
			Config:      map[string]any{KeyDampPercent: 1.5},
		}},
		{"awq without corpus", MethodAWQ, Options{}},
		{"awq without zero point", MethodAWQ, Options{
			Calibration: []string{"x"},
			Config:      map[string]any{KeyZeroPoint: false},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			q := newTestQuantizer(t, tt.method, backend)

			_, err := q.Quantize(context.Background(), tt.options)
			require.ErrorIs(t, err, ErrInvalidOptions)
			loads, _, _ := backend.counts()
			assert.Zero(t, loads, "options must be rejected before loading")
			assert.Equal(t, StateUninitialized, q.State())
		})
	}
}

func TestQuantizeConfigOverride(t *testing.T) {
	backend := newFakeBackend()
	q := newTestQuantizer(t, MethodINT4, backend)

	report, err := q.Quantize(context.Background(), Options{Config: map[string]any{KeyGroupSize: 32}})
	require.NoError(t, err)
	assert.Equal(t, 32, report.GroupSize)
	require.Len(t, backend.requests, 1)
	assert.Equal(t, 32, backend.requests[0].Config.GroupSize())
}

func TestCalibrationFallsBackToTestPrompts(t *testing.T) {
	backend := newFakeBackend()
	q := newTestQuantizer(t, MethodGPTQ, backend)

	_, err := q.Quantize(context.Background(), Options{TestPrompts: []string{"a", " ", "b"}})
	require.NoError(t, err)
	require.Len(t, backend.requests, 1)
	assert.Equal(t, []string{"a", "b"}, backend.requests[0].Calibration)

	_, err = q.Quantize(context.Background(), Options{
		Calibration: []string{"c"},
		TestPrompts: []string{"a"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, backend.requests[1].Calibration)
}

func TestModelSizeMB(t *testing.T) {
	q := newTestQuantizer(t, MethodINT8, newFakeBackend())

	_, err := q.ModelSizeMB()
	require.ErrorIs(t, err, ErrInvalidState)

	_, err = q.Quantize(context.Background(), Options{})
	require.NoError(t, err)

	size, err := q.ModelSizeMB()
	require.NoError(t, err)
	assert.InDelta(t, 4.0, size, 1e-9)

	q.Release()
	assert.Equal(t, StateUninitialized, q.State())
	_, err = q.ModelSizeMB()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestQuantizeStageFailures(t *testing.T) {
	t.Run("load", func(t *testing.T) {
		backend := newFakeBackend()
		backend.loadErr = fmt.Errorf("pulling: %w", ErrResourceUnavailable)
		q := newTestQuantizer(t, MethodINT8, backend)

		_, err := q.Quantize(context.Background(), Options{})
		var backendErr *BackendError
		require.ErrorAs(t, err, &backendErr)
		assert.Equal(t, "load", backendErr.Op)
		assert.ErrorIs(t, err, ErrBackendFailure)
		assert.ErrorIs(t, err, ErrResourceUnavailable)
		assert.Equal(t, StateFailed, q.State())

		_, transforms, _ := backend.counts()
		assert.Zero(t, transforms)
	})

	t.Run("transform", func(t *testing.T) {
		backend := newFakeBackend()
		backend.transformErr = errFake
		q := newTestQuantizer(t, MethodINT4, backend)

		_, err := q.Quantize(context.Background(), Options{})
		var backendErr *BackendError
		require.ErrorAs(t, err, &backendErr)
		assert.Equal(t, "transform", backendErr.Op)
		assert.ErrorIs(t, err, errFake)

		_, _, saves := backend.counts()
		assert.Zero(t, saves)
		assert.Equal(t, StateFailed, q.State())
	})

	t.Run("save", func(t *testing.T) {
		backend := newFakeBackend()
		backend.saveErr = errFake
		q := newTestQuantizer(t, MethodINT8, backend)

		_, err := q.Quantize(context.Background(), Options{})
		var backendErr *BackendError
		require.ErrorAs(t, err, &backendErr)
		assert.Equal(t, "save", backendErr.Op)
		assert.Equal(t, 1, backend.discards)
	})

}

func TestQuantizeCancelledDuringTransform(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newFakeBackend()
	backend.onTransform = cancel
	q := newTestQuantizer(t, MethodINT8, backend)

	_, err := q.Quantize(ctx, Options{})
	require.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, err, ErrBackendFailure)
	assert.Equal(t, 1, backend.discards)

	_, _, saves := backend.counts()
	assert.Zero(t, saves)
}

func TestQuantizeCancelledDuringSave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newFakeBackend()
	backend.onSave = cancel
	q := newTestQuantizer(t, MethodINT8, backend)

	report, err := q.Quantize(ctx, Options{})
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, report)
	var backendErr *BackendError
	require.ErrorAs(t, err, &backendErr)
	assert.Equal(t, "save", backendErr.Op)
	assert.Equal(t, StateFailed, q.State())

	entries, err := os.ReadDir(q.(*INT8Quantizer).OutputDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "no artifact or descriptor may remain")
}

func TestSanityCheck(t *testing.T) {
	prompts := []string{"What is 2+2?", "Define osmosis."}

	t.Run("pass", func(t *testing.T) {
		q := newTestQuantizer(t, MethodINT8, newFakeBackend())
		report, err := q.Quantize(context.Background(), Options{SanityCheck: true, TestPrompts: prompts})
		require.NoError(t, err)
		assert.Equal(t, map[string]bool{prompts[0]: true, prompts[1]: true}, report.SanityCheck)
	})

	t.Run("empty output fails the job", func(t *testing.T) {
		backend := newFakeBackend()
		backend.output = " \n"
		q := newTestQuantizer(t, MethodINT8, backend)
		report, err := q.Quantize(context.Background(), Options{SanityCheck: true, TestPrompts: prompts})
		require.ErrorIs(t, err, ErrBackendFailure)
		assert.Nil(t, report)
		var backendErr *BackendError
		require.ErrorAs(t, err, &backendErr)
		assert.Equal(t, "verify", backendErr.Op)
		assert.Contains(t, err.Error(), "2 of 2 test prompts")
		assert.Equal(t, StateFailed, q.State())

		entries, err := os.ReadDir(q.(*INT8Quantizer).OutputDir())
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("generation error removes artifact", func(t *testing.T) {
		backend := newFakeBackend()
		backend.generateErr = errFake
		q := newTestQuantizer(t, MethodINT8, backend)
		_, err := q.Quantize(context.Background(), Options{SanityCheck: true, TestPrompts: prompts})
		require.ErrorIs(t, err, ErrBackendFailure)

		entries, err := os.ReadDir(q.(*INT8Quantizer).OutputDir())
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}

func TestLoadQuantizedModel(t *testing.T) {
	backend := newFakeBackend()
	q := newTestQuantizer(t, MethodINT4, backend)

	report, err := q.Quantize(context.Background(), Options{})
	require.NoError(t, err)

	for _, path := range []string{report.OutputPath, filepath.Dir(report.OutputPath)} {
		model, err := q.LoadQuantizedModel(context.Background(), path)
		require.NoError(t, err)
		assert.Equal(t, report.OutputPath, model.Path)
	}

	other := newTestQuantizer(t, MethodINT8, backend)
	_, err = other.LoadQuantizedModel(context.Background(), report.OutputPath)
	assert.ErrorIs(t, err, ErrBackendFailure)

	_, err = q.LoadQuantizedModel(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.ErrorIs(t, err, ErrBackendFailure)
}

func TestLoadQuantizedModelDetectsTruncation(t *testing.T) {
	q := newTestQuantizer(t, MethodINT8, newFakeBackend())
	report, err := q.Quantize(context.Background(), Options{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(report.OutputPath, []byte("short"), 0o644))
	_, err = q.LoadQuantizedModel(context.Background(), report.OutputPath)
	assert.ErrorIs(t, err, ErrBackendFailure)
}

func TestNewQuantizerRequiresBackend(t *testing.T) {
	_, err := NewINT8Quantizer(testLogger(), "m", t.TempDir(), "cpu", nil)
	assert.Error(t, err)
}

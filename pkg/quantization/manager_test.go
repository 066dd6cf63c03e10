package quantization

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type countingObserver struct {
	mu     sync.Mutex
	hits   int
	misses int
}

func (o *countingObserver) CacheHit() {
	o.mu.Lock()
	o.hits++
	o.mu.Unlock()
}

func (o *countingObserver) CacheMiss() {
	o.mu.Lock()
	o.misses++
	o.mu.Unlock()
}

// newTestManager returns a manager whose backends are fakes, along with the
// fakes it created keyed by method.
func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, map[Method]*fakeBackend, *int) {
	t.Helper()
	var mu sync.Mutex
	backends := make(map[Method]*fakeBackend)
	factoryCalls := 0
	factory := func(m Method) (Backend, error) {
		mu.Lock()
		defer mu.Unlock()
		factoryCalls++
		b := newFakeBackend()
		backends[m] = b
		return b, nil
	}
	opts = append([]ManagerOption{WithBackendFactory(factory), WithLogger(testLogger())}, opts...)
	return NewManager("test/model", t.TempDir(), opts...), backends, &factoryCalls
}

func TestManagerQuantizeAllMethods(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	for _, method := range SupportedMethods() {
		t.Run(string(method), func(t *testing.T) {
			report, err := mgr.Quantize(context.Background(), string(method), Options{})
			require.NoError(t, err)

			m := report.Map()
			for _, key := range []string{
				"quantization_type",
				"model_name",
				"quantized_size_mb",
				"compression_ratio",
				"output_path",
			} {
				assert.Contains(t, m, key)
			}
			assert.Equal(t, string(method), m["quantization_type"])
			assert.Greater(t, report.CompressionRatio, 1.0)
			assert.Equal(t, mgr.OutputDir(method), filepath.Dir(report.OutputPath))
		})
	}
}

func TestManagerUnsupportedMethodCreatesNothing(t *testing.T) {
	mgr, _, calls := newTestManager(t)

	_, err := mgr.Quantize(context.Background(), "bogus", Options{})
	require.ErrorIs(t, err, ErrUnsupportedMethod)
	assert.Contains(t, err.Error(), "bogus")

	_, statErr := os.Stat(mgr.OutputDir("bogus"))
	assert.True(t, os.IsNotExist(statErr))
	assert.Zero(t, *calls)
	assert.Empty(t, mgr.Quantizers())
	assert.Equal(t, []Method{MethodINT8, MethodINT4, MethodGPTQ, MethodAWQ}, mgr.SupportedMethods())
}

func TestGetQuantizerCaches(t *testing.T) {
	observer := &countingObserver{}
	mgr, _, calls := newTestManager(t, WithMetrics(observer))

	first, err := mgr.getQuantizer(MethodINT8, mgr.OutputDir(MethodINT8))
	require.NoError(t, err)
	second, err := mgr.getQuantizer(MethodINT8, mgr.OutputDir(MethodINT8))
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, *calls)
	assert.Equal(t, 1, observer.misses)
	assert.Equal(t, 1, observer.hits)
	assert.Equal(t, []Method{MethodINT8}, mgr.Quantizers())

	_, err = mgr.getQuantizer("bogus", mgr.OutputDir("bogus"))
	assert.ErrorIs(t, err, ErrUnsupportedMethod)
}

func TestGetQuantizerConcurrentFirstUse(t *testing.T) {
	mgr, _, calls := newTestManager(t)

	var g errgroup.Group
	results := make([]Quantizer, 8)
	for i := range results {
		g.Go(func() error {
			q, err := mgr.getQuantizer(MethodAWQ, mgr.OutputDir(MethodAWQ))
			results[i] = q
			return err
		})
	}
	require.NoError(t, g.Wait())
	for _, q := range results {
		assert.Same(t, results[0], q)
	}
	assert.Equal(t, 1, *calls)
}

func TestManagerConcurrentMethods(t *testing.T) {
	mgr, backends, _ := newTestManager(t)

	var g errgroup.Group
	for _, method := range SupportedMethods() {
		g.Go(func() error {
			_, err := mgr.Quantize(context.Background(), string(method), Options{})
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, backends, 4)
	assert.Equal(t, []Method{MethodAWQ, MethodGPTQ, MethodINT4, MethodINT8}, mgr.Quantizers())
}

func TestManagerCompressionRatio(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	q, err := mgr.getQuantizer(MethodINT4, mgr.OutputDir(MethodINT4))
	require.NoError(t, err)
	q.(*INT4Quantizer).backend.(*fakeBackend).artifactBytes = 125 << 10

	report, err := mgr.Quantize(context.Background(), "int4", Options{EstimatedOriginalSizeMB: 1000.0 / 1024})
	require.NoError(t, err)
	assert.InDelta(t, 8.0, report.CompressionRatio, 1e-9)
}

func TestManagerRejectsArtifactNotSmaller(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	q, err := mgr.getQuantizer(MethodINT8, mgr.OutputDir(MethodINT8))
	require.NoError(t, err)
	q.(*INT8Quantizer).backend.(*fakeBackend).artifactBytes = 8 << 20

	_, err = mgr.Quantize(context.Background(), "int8", Options{})
	require.ErrorIs(t, err, ErrBackendFailure)
	assert.Equal(t, StateFailed, q.State())

	entries, err := os.ReadDir(mgr.OutputDir(MethodINT8))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestManagerPassesDefaultPromptsForCalibration(t *testing.T) {
	mgr, backends, _ := newTestManager(t)

	_, err := mgr.Quantize(context.Background(), "gptq", Options{})
	require.NoError(t, err)
	require.Len(t, backends[MethodGPTQ].requests, 1)
	assert.Equal(t, mgr.DefaultTestPrompts(), backends[MethodGPTQ].requests[0].Calibration)
}

func TestDefaultTestPrompts(t *testing.T) {
	mgr, _, _ := newTestManager(t)

	prompts := mgr.DefaultTestPrompts()
	require.NotEmpty(t, prompts)
	for _, subject := range []string{"Mathematics", "Physics", "Biology", "Chemistry"} {
		found := false
		for _, p := range prompts {
			if strings.HasPrefix(p, subject+":") {
				found = true
				break
			}
		}
		assert.True(t, found, "no %s prompt", subject)
	}

	prompts[0] = "changed"
	assert.NotEqual(t, "changed", mgr.DefaultTestPrompts()[0])

	custom, _, _ := newTestManager(t, WithTestPrompts([]string{"only"}))
	assert.Equal(t, []string{"only"}, custom.DefaultTestPrompts())
	assert.Equal(t, mgr.DefaultTestPrompts(), DefaultTestPrompts())
}

func TestManagerReleaseAndClose(t *testing.T) {
	mgr, _, calls := newTestManager(t)

	_, err := mgr.Quantize(context.Background(), "int8", Options{})
	require.NoError(t, err)
	_, err = mgr.Quantize(context.Background(), "int4", Options{})
	require.NoError(t, err)

	require.NoError(t, mgr.Release(MethodINT8))
	assert.Equal(t, []Method{MethodINT4}, mgr.Quantizers())
	require.NoError(t, mgr.Release(MethodGPTQ))

	mgr.Close()
	assert.Empty(t, mgr.Quantizers())

	_, err = mgr.Quantize(context.Background(), "int8", Options{})
	require.NoError(t, err)
	assert.Equal(t, 3, *calls)
}

func TestManagerReleaseWhileRunning(t *testing.T) {
	mgr, backends, calls := newTestManager(t)

	q, err := mgr.getQuantizer(MethodINT8, mgr.OutputDir(MethodINT8))
	require.NoError(t, err)
	started := make(chan struct{})
	proceed := make(chan struct{})
	backends[MethodINT8].onTransform = func() {
		close(started)
		<-proceed
	}

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Quantize(context.Background(), "int8", Options{})
		done <- err
	}()
	<-started

	err = mgr.Release(MethodINT8)
	require.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, []Method{MethodINT8}, mgr.Quantizers())

	close(proceed)
	require.NoError(t, <-done)

	require.NoError(t, mgr.Release(MethodINT8))
	assert.Empty(t, mgr.Quantizers())
	assert.Equal(t, 1, *calls)

	// A dropped quantizer refuses work; the manager builds a fresh one.
	_, err = q.Quantize(context.Background(), Options{})
	require.ErrorIs(t, err, errRetired)
	_, err = mgr.Quantize(context.Background(), "int8", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, *calls)
}

func TestManagerWithoutBackend(t *testing.T) {
	mgr := NewManager("test/model", t.TempDir(), WithLogger(testLogger()))
	_, err := mgr.Quantize(context.Background(), "int8", Options{})
	assert.Error(t, err)
	assert.Empty(t, mgr.Quantizers())
}

func TestModelOutputDir(t *testing.T) {
	base := filepath.Join("srv", "quantized")
	tests := []struct {
		model  string
		prefix string
	}{
		{"meta-llama/Llama-3-8B-Instruct", "meta-llama_Llama-3-8B-Instruct-"},
		{"registry.example.com/ai/tutor:q8", "registry.example.com_ai_tutor_q8-"},
		{"ai/tutor@sha256:abc", "ai_tutor_sha256_abc-"},
		{"../../etc", "_.._etc-"},
		{"..", "model-"},
		{"", "model-"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			got := ModelOutputDir(base, tt.model)
			assert.Equal(t, base, filepath.Dir(got))
			name := filepath.Base(got)
			assert.True(t, strings.HasPrefix(name, tt.prefix), name)
			assert.Len(t, name, len(tt.prefix)+12)
			assert.Equal(t, got, ModelOutputDir(base, tt.model))
		})
	}
}

func TestModelOutputDirDistinctModels(t *testing.T) {
	base := filepath.Join("srv", "quantized")
	seen := map[string]string{}
	for _, model := range []string{"org/model", "org_model", "org:model", `org\model`, "org@model", "..", ""} {
		dir := ModelOutputDir(base, model)
		if other, ok := seen[dir]; ok {
			t.Fatalf("%q and %q share output dir %s", model, other, dir)
		}
		seen[dir] = model
	}
}

package quantization

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/examstutor/model-quantizer/pkg/logging"
)

// fakeBackend models a 4 MiB fp16 base model and writes artifacts whose
// size scales with the requested bit width.
type fakeBackend struct {
	mu sync.Mutex

	loads      int
	transforms int
	saves      int
	discards   int
	requests   []TransformRequest

	loadErr      error
	transformErr error
	saveErr      error
	generateErr  error
	// artifactBytes overrides the artifact size when positive.
	artifactBytes int
	// output is returned by Generate.
	output string
	// onTransform runs inside Transform, before it returns.
	onTransform func()
	// onSave runs inside Save, after the artifact is written.
	onSave func()
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{output: "The answer is 42."}
}

func (f *fakeBackend) Name() string {
	return "fake"
}

func (f *fakeBackend) LoadModel(_ context.Context, ref, _ string) (*Model, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return &Model{
		Name:   ref,
		Format: "fake",
		Tensors: []Tensor{
			{Name: "tok_embeddings.weight", Elements: 1 << 20, BitsPerElement: 16},
			{Name: "output.weight", Elements: 1 << 20, BitsPerElement: 16},
		},
	}, nil
}

func (f *fakeBackend) Transform(_ context.Context, base *Model, req TransformRequest) (*Model, error) {
	f.mu.Lock()
	f.transforms++
	f.requests = append(f.requests, req)
	hook := f.onTransform
	err := f.transformErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	staged := &Model{Name: base.Name, Format: "fake", FileType: req.Method.String()}
	for _, t := range base.Tensors {
		staged.Tensors = append(staged.Tensors, Tensor{
			Name:           t.Name,
			Elements:       t.Elements,
			BitsPerElement: float64(req.Config.Bits()),
		})
	}
	return staged, nil
}

func (f *fakeBackend) Save(_ context.Context, staged *Model, dir string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	if f.saveErr != nil {
		return "", f.saveErr
	}
	size := int(staged.SizeBytes())
	if f.artifactBytes > 0 {
		size = f.artifactBytes
	}
	path := filepath.Join(dir, "model-"+staged.FileType+".gguf")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0x5a}, size), 0o644); err != nil {
		return "", err
	}
	if f.onSave != nil {
		f.onSave()
	}
	return path, nil
}

func (f *fakeBackend) LoadArtifact(_ context.Context, path string) (*Model, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &Model{
		Name:    filepath.Base(path),
		Path:    path,
		Tensors: []Tensor{{Name: "all", Elements: uint64(info.Size()), BitsPerElement: 8}},
	}, nil
}

func (f *fakeBackend) Discard(*Model) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discards++
	return nil
}

func (f *fakeBackend) Generate(_ context.Context, _, _ string) (string, error) {
	if f.generateErr != nil {
		return "", f.generateErr
	}
	return f.output, nil
}

func (f *fakeBackend) counts() (loads, transforms, saves int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads, f.transforms, f.saves
}

var errFake = errors.New("fake failure")

func testLogger() logging.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

package llamacpp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/go-units"

	"github.com/examstutor/model-quantizer/pkg/gguf"
	"github.com/examstutor/model-quantizer/pkg/logging"
	"github.com/examstutor/model-quantizer/pkg/memory"
	"github.com/examstutor/model-quantizer/pkg/quantization"
	"github.com/examstutor/model-quantizer/pkg/safetensors"
)

const (
	// Name is the backend name.
	Name = "llama.cpp"

	formatGGUF        = "gguf"
	formatSafetensors = "safetensors"

	// stagingPrefix prefixes the per-transform staging directories created
	// under the work directory.
	stagingPrefix = ".staging-"
	// convertedDir holds GGUF conversions of safetensors base models. It is
	// shared by all methods writing beneath the same output base directory.
	convertedDir = ".converted"
	// calibrationFile and imatrixFile are written to the staging directory
	// of calibrated transforms.
	calibrationFile = "calibration.txt"
	imatrixFile     = "imatrix.dat"
)

// Resolver locates a base model on local disk.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// DeviceSupport reports whether the host can run on a device.
type DeviceSupport interface {
	SupportsDevice(device string) (bool, error)
}

// Option configures a Backend.
type Option func(*Backend)

// WithRunner replaces the subprocess runner.
func WithRunner(run Runner) Option {
	return func(b *Backend) {
		b.run = run
	}
}

// WithMemoryChecker enables host memory checks before loading models and
// running prompts.
func WithMemoryChecker(checker *memory.Checker) Option {
	return func(b *Backend) {
		b.memory = checker
	}
}

// WithDeviceSupport enables validation of the device hint.
func WithDeviceSupport(support DeviceSupport) Option {
	return func(b *Backend) {
		b.devices = support
	}
}

// Backend is a quantization.Backend that drives the llama.cpp tools. It also
// implements quantization.PromptRunner through llama-cli.
type Backend struct {
	// log is the associated logger.
	log logging.Logger
	// config is the tool configuration.
	config *Config
	// resolver locates base models.
	resolver Resolver
	// run executes tools.
	run Runner
	// memory is the optional host memory checker.
	memory *memory.Checker
	// devices is the optional device support check.
	devices DeviceSupport

	// convertLock serialises conversions of safetensors base models.
	convertLock sync.Mutex
	// device is the device hint of the last loaded model.
	device string
}

var (
	_ quantization.Backend      = (*Backend)(nil)
	_ quantization.PromptRunner = (*Backend)(nil)
)

// New creates a llama.cpp backend.
func New(log logging.Logger, config *Config, resolver Resolver, opts ...Option) *Backend {
	if config == nil {
		config = NewDefaultConfig()
	}
	b := &Backend{
		log:      log,
		config:   config,
		resolver: resolver,
		run:      execRunner(log),
		device:   "cpu",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements quantization.Backend.Name.
func (b *Backend) Name() string {
	return Name
}

// LoadModel implements quantization.Backend.LoadModel.
func (b *Backend) LoadModel(ctx context.Context, ref, device string) (*quantization.Model, error) {
	if err := b.checkDevice(device); err != nil {
		return nil, err
	}
	b.device = device

	path, err := b.resolver.Resolve(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", quantization.ErrResourceUnavailable, err)
	}
	model, err := inspect(ref, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", quantization.ErrResourceUnavailable, err)
	}
	if b.memory != nil {
		if err := b.memory.Check(uint64(model.SizeBytes())); err != nil {
			return nil, fmt.Errorf("%w: %w", quantization.ErrResourceUnavailable, err)
		}
	}
	b.log.Infof("Loaded %s model %s (%s, %s)", model.Format, logging.SanitizeForLog(ref),
		model.FileType, units.HumanSize(model.SizeBytes()))
	return model, nil
}

func (b *Backend) checkDevice(device string) error {
	if b.devices == nil {
		return nil
	}
	supported, err := b.devices.SupportsDevice(device)
	if err != nil {
		return fmt.Errorf("checking device %q: %w", device, err)
	}
	if !supported {
		return fmt.Errorf("%w: device %q is not available on this host", quantization.ErrResourceUnavailable, device)
	}
	return nil
}

// Transform implements quantization.Backend.Transform. The result is staged
// in a fresh directory under req.WorkDir.
func (b *Backend) Transform(ctx context.Context, base *quantization.Model, req quantization.TransformRequest) (*quantization.Model, error) {
	fileType, err := FileType(req.Method, req.Config)
	if err != nil {
		return nil, err
	}
	source, err := b.ggufSource(ctx, base, req.WorkDir)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(req.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating work directory: %w", err)
	}
	staging, err := os.MkdirTemp(req.WorkDir, stagingPrefix)
	if err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}
	staged := false
	defer func() {
		if !staged {
			if err := os.RemoveAll(staging); err != nil {
				b.log.Warnf("Failed to remove staging directory %s: %v", staging, err)
			}
		}
	}()

	args := append([]string{}, b.config.Args...)
	if len(req.Calibration) > 0 {
		imatrix, err := b.importanceMatrix(ctx, source, staging, req)
		if err != nil {
			return nil, err
		}
		args = append(args, "--imatrix", imatrix)
	}

	out := filepath.Join(staging, artifactName(base, fileType))
	args = append(args, source, out, fileType)
	if b.config.Threads > 0 {
		args = append(args, strconv.Itoa(b.config.Threads))
	}
	b.log.Infof("Quantizing %s to %s", filepath.Base(source), fileType)
	if err := b.run(ctx, b.config.binary("llama-quantize"), args, nil); err != nil {
		return nil, err
	}

	result, err := inspectGGUF(base.Name, out)
	if err != nil {
		return nil, fmt.Errorf("reading quantized output: %w", err)
	}
	staged = true
	return result, nil
}

// importanceMatrix computes an importance matrix for source over the
// calibration corpus and returns its path.
func (b *Backend) importanceMatrix(ctx context.Context, source, staging string, req quantization.TransformRequest) (string, error) {
	calibration := filepath.Join(staging, calibrationFile)
	corpus := strings.Join(req.Calibration, "\n\n") + "\n"
	if err := os.WriteFile(calibration, []byte(corpus), 0o644); err != nil {
		return "", fmt.Errorf("writing calibration corpus: %w", err)
	}

	imatrix := filepath.Join(staging, imatrixFile)
	args := []string{
		"-m", source,
		"-f", calibration,
		"-o", imatrix,
		"-c", strconv.Itoa(b.config.ContextSize),
	}
	args = append(args, offloadArgs(req.Device)...)
	b.log.Infof("Computing importance matrix over %d calibration samples", len(req.Calibration))
	if err := b.run(ctx, b.config.binary("llama-imatrix"), args, nil); err != nil {
		return "", err
	}
	return imatrix, nil
}

// ggufSource returns a GGUF file for base, converting safetensors models
// with the configured script. Conversions are cached next to the work
// directory and reused by later transforms.
func (b *Backend) ggufSource(ctx context.Context, base *quantization.Model, workDir string) (string, error) {
	switch base.Format {
	case formatGGUF:
		return base.Path, nil
	case formatSafetensors:
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, base.Format)
	}
	if b.config.ConvertScript == "" {
		return "", fmt.Errorf("%w: %s is in %s format", ErrNoConverter, base.Path, base.Format)
	}

	modelDir := base.Path
	if st, err := os.Stat(modelDir); err == nil && !st.IsDir() {
		modelDir = filepath.Dir(modelDir)
	}
	dir := filepath.Join(filepath.Dir(workDir), convertedDir)
	converted := filepath.Join(dir, filepath.Base(modelDir)+"-F16.gguf")

	b.convertLock.Lock()
	defer b.convertLock.Unlock()

	if _, err := os.Stat(converted); err == nil {
		b.log.Infof("Reusing converted model %s", converted)
		return converted, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating conversion directory: %w", err)
	}
	partial, err := os.CreateTemp(dir, filepath.Base(converted)+".*.partial")
	if err != nil {
		return "", fmt.Errorf("creating conversion output: %w", err)
	}
	partial.Close()
	defer os.Remove(partial.Name())

	b.log.Infof("Converting %s to GGUF", modelDir)
	args := []string{b.config.ConvertScript, modelDir, "--outtype", "f16", "--outfile", partial.Name()}
	if err := b.run(ctx, b.config.Python, args, nil); err != nil {
		return "", err
	}
	if err := os.Rename(partial.Name(), converted); err != nil {
		return "", fmt.Errorf("storing converted model: %w", err)
	}
	return converted, nil
}

// Save implements quantization.Backend.Save.
func (b *Backend) Save(ctx context.Context, staged *quantization.Model, dir string) (string, error) {
	staging, err := stagingDir(staged)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}
	dst := filepath.Join(dir, filepath.Base(staged.Path))
	if err := os.Rename(staged.Path, dst); err != nil {
		return "", fmt.Errorf("moving artifact into place: %w", err)
	}
	if err := os.RemoveAll(staging); err != nil {
		b.log.Warnf("Failed to remove staging directory %s: %v", staging, err)
	}
	return dst, nil
}

// Discard implements quantization.Backend.Discard.
func (b *Backend) Discard(staged *quantization.Model) error {
	staging, err := stagingDir(staged)
	if err != nil {
		return err
	}
	return os.RemoveAll(staging)
}

// LoadArtifact implements quantization.Backend.LoadArtifact.
func (b *Backend) LoadArtifact(_ context.Context, path string) (*quantization.Model, error) {
	return inspectGGUF(filepath.Base(path), path)
}

// Generate implements quantization.PromptRunner.Generate with llama-cli.
func (b *Backend) Generate(ctx context.Context, artifactPath, prompt string) (string, error) {
	if b.memory != nil {
		required, err := gguf.EstimateRunMemory(artifactPath, int32(b.config.ContextSize))
		if err != nil {
			b.log.Warnf("Could not estimate memory for %s: %v", artifactPath, err)
		} else if err := b.memory.Check(required); err != nil {
			return "", fmt.Errorf("%w: %w", quantization.ErrResourceUnavailable, err)
		}
	}

	args := []string{
		"-m", artifactPath,
		"-p", prompt,
		"-n", strconv.Itoa(b.config.PredictTokens),
		"-c", strconv.Itoa(b.config.ContextSize),
		"--temp", "0",
		"-no-cnv",
		"--no-display-prompt",
	}
	args = append(args, offloadArgs(b.device)...)

	var out bytes.Buffer
	if err := b.run(ctx, b.config.binary("llama-cli"), args, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

// offloadArgs returns the layer offload arguments for device.
func offloadArgs(device string) []string {
	if device == "" || device == "cpu" {
		return nil
	}
	return []string{"-ngl", "100"}
}

// stagingDir returns the staging directory holding staged.
func stagingDir(staged *quantization.Model) (string, error) {
	if staged == nil || staged.Path == "" {
		return "", ErrNotStaged
	}
	dir := filepath.Dir(staged.Path)
	if !strings.HasPrefix(filepath.Base(dir), stagingPrefix) {
		return "", fmt.Errorf("%w: %s", ErrNotStaged, staged.Path)
	}
	return dir, nil
}

// artifactName names the quantized file after the base model and target
// type, e.g. "llama-3-8b-Q4_0.gguf".
func artifactName(base *quantization.Model, fileType string) string {
	stem := filepath.Base(base.Path)
	for _, ext := range []string{".gguf", safetensors.Extension} {
		stem = strings.TrimSuffix(stem, ext)
	}
	for _, suffix := range []string{"-F16", "-f16", "-F32", "-f32", "-BF16", "-bf16"} {
		stem = strings.TrimSuffix(stem, suffix)
	}
	if stem == "" || stem == "." || stem == string(filepath.Separator) {
		stem = "model"
	}
	return stem + "-" + fileType + ".gguf"
}

// inspect reads the model at path, which may be a GGUF file or safetensors
// weights.
func inspect(name, path string) (*quantization.Model, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		isGGUF, err := gguf.IsGGUF(path)
		if err != nil {
			return nil, err
		}
		if isGGUF {
			return inspectGGUF(name, path)
		}
	}
	if !st.IsDir() && !strings.HasSuffix(path, safetensors.Extension) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	info, err := safetensors.Inspect(path)
	if err != nil {
		return nil, err
	}
	model := &quantization.Model{
		Name:   name,
		Path:   path,
		Format: formatSafetensors,
	}
	counts := map[string]uint64{}
	for _, t := range info.Tensors {
		model.Tensors = append(model.Tensors, quantization.Tensor{
			Name:           t.Name,
			Elements:       t.Elements(),
			BitsPerElement: t.BitsPerElement(),
		})
		counts[t.DType] += t.Elements()
	}
	model.FileType = dominant(counts)
	return model, nil
}

func inspectGGUF(name, path string) (*quantization.Model, error) {
	info, err := gguf.Inspect(path)
	if err != nil {
		if errors.Is(err, gguf.ErrNotGGUF) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
		}
		return nil, err
	}
	model := &quantization.Model{
		Name:     name,
		Path:     info.Path,
		Format:   formatGGUF,
		FileType: info.FileType,
	}
	for _, t := range info.Tensors {
		model.Tensors = append(model.Tensors, quantization.Tensor{
			Name:           t.Name,
			Elements:       t.Elements,
			BitsPerElement: t.BitsPerElement(),
		})
	}
	return model, nil
}

// dominant returns the key with the largest count, breaking ties by name.
func dominant(counts map[string]uint64) string {
	var best string
	var bestCount uint64
	for key, count := range counts {
		if count > bestCount || (count == bestCount && key < best) {
			best, bestCount = key, count
		}
	}
	return best
}

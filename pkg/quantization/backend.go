package quantization

import "context"

// Backend performs the numeric work behind a quantizer: reading weights,
// packing them at a lower precision and writing the result. Backends are
// "one-shot": they do not retry internally and return the error that caused
// them to fail. Backend implementations need not be safe for concurrent use;
// each quantizer owns its backend.
type Backend interface {
	// Name returns the backend name. It should be lowercase and suitable for
	// presenting to users.
	Name() string
	// LoadModel opens the base model identified by ref. Failures to locate or
	// fetch the model should wrap ErrResourceUnavailable.
	LoadModel(ctx context.Context, ref, device string) (*Model, error)
	// Transform quantizes base according to req and returns a staged result.
	// Staged results live under req.WorkDir and are not yet visible as an
	// artifact. Transform must honour ctx cancellation.
	Transform(ctx context.Context, base *Model, req TransformRequest) (*Model, error)
	// Save moves a staged result into dir and returns the artifact path.
	Save(ctx context.Context, staged *Model, dir string) (string, error)
	// LoadArtifact opens a previously saved artifact for verification.
	LoadArtifact(ctx context.Context, path string) (*Model, error)
	// Discard removes whatever a staged result left on disk. It is called
	// on every failure after Transform returned successfully.
	Discard(staged *Model) error
}

// TransformRequest carries the parameters of one transform.
type TransformRequest struct {
	// Method is the algorithm being applied.
	Method Method
	// Config holds the effective parameters (preset plus overrides).
	Config Config
	// Device is the target device hint, e.g. "cpu" or "gpu".
	Device string
	// Calibration is the calibration corpus for calibration-based methods.
	// It is empty for direct methods.
	Calibration []string
	// WorkDir is where staged files are written.
	WorkDir string
}

// BackendFactory constructs the backend for a method. The manager invokes it
// at most once per method, on first use.
type BackendFactory func(Method) (Backend, error)

// PromptRunner is an optional backend capability used by the sanity check:
// it runs a prompt against a saved artifact and returns the generated text.
type PromptRunner interface {
	Generate(ctx context.Context, artifactPath, prompt string) (string, error)
}

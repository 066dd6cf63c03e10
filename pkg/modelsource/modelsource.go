package modelsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/go-units"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/types"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/examstutor/model-quantizer/pkg/logging"
)

const (
	// DefaultUserAgent is sent with registry requests.
	DefaultUserAgent = "model-quantizer"

	// MediaTypeGGUF is the layer media type of GGUF weights.
	MediaTypeGGUF = types.MediaType("application/vnd.docker.ai.gguf.v3")
	// MediaTypeSafetensors is the layer media type of safetensors weights.
	MediaTypeSafetensors = types.MediaType("application/vnd.docker.ai.safetensors")
	// MediaTypeModelWeight is the CNCF model-spec raw weight layer media
	// type.
	MediaTypeModelWeight = types.MediaType("application/vnd.cncf.model.weight.v1.raw")
)

// weightMediaTypes maps recognised weight layer media types to the file
// extension used when no title annotation is present.
var weightMediaTypes = map[types.MediaType]string{
	MediaTypeGGUF:        ".gguf",
	MediaTypeSafetensors: ".safetensors",
	MediaTypeModelWeight: "",
}

// Resolver turns model identifiers into local paths.
type Resolver struct {
	// log is the associated logger.
	log logging.Logger
	// modelDir is searched for local models.
	modelDir string
	// cacheDir holds pulled artifacts, keyed by manifest digest.
	cacheDir string
	// transport is used for registry requests.
	transport http.RoundTripper
	// userAgent is sent with registry requests.
	userAgent string
	// keychain resolves registry credentials.
	keychain authn.Keychain
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithTransport sets the registry transport.
func WithTransport(transport http.RoundTripper) Option {
	return func(r *Resolver) {
		if transport != nil {
			r.transport = transport
		}
	}
}

// WithUserAgent sets the registry user agent.
func WithUserAgent(userAgent string) Option {
	return func(r *Resolver) {
		if userAgent != "" {
			r.userAgent = userAgent
		}
	}
}

// WithKeychain sets the credential keychain.
func WithKeychain(keychain authn.Keychain) Option {
	return func(r *Resolver) {
		if keychain != nil {
			r.keychain = keychain
		}
	}
}

// New creates a resolver that looks in modelDir and caches pulls in
// cacheDir.
func New(log logging.Logger, modelDir, cacheDir string, opts ...Option) *Resolver {
	r := &Resolver{
		log:       log,
		modelDir:  modelDir,
		cacheDir:  cacheDir,
		transport: remote.DefaultTransport,
		userAgent: DefaultUserAgent,
		keychain:  authn.DefaultKeychain,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve returns a local path for ref. ref may be a path, a name relative
// to the model directory, or an OCI reference, which is pulled into the
// cache on first use.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("%w: empty identifier", ErrModelNotFound)
	}
	for _, candidate := range r.localCandidates(ref) {
		if _, err := os.Stat(candidate); err == nil {
			return filepath.Abs(candidate)
		}
	}

	parsed, err := name.ParseReference(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %s is neither a local model nor a valid reference", ErrModelNotFound, ref)
	}
	return r.pull(ctx, parsed)
}

func (r *Resolver) localCandidates(ref string) []string {
	candidates := []string{ref}
	if r.modelDir != "" && !filepath.IsAbs(ref) {
		candidates = append(candidates,
			filepath.Join(r.modelDir, ref),
			filepath.Join(r.modelDir, filepath.Base(ref)),
		)
	}
	return candidates
}

// pull fetches the weight layers of ref into the cache and returns the path
// of the model: the first GGUF file, or the directory of safetensors files.
func (r *Resolver) pull(ctx context.Context, ref name.Reference) (string, error) {
	img, err := remote.Image(ref,
		remote.WithContext(ctx),
		remote.WithTransport(r.transport),
		remote.WithUserAgent(r.userAgent),
		remote.WithAuthFromKeychain(r.keychain),
	)
	if err != nil {
		return "", &ReferenceError{Reference: ref.String(), Err: fmt.Errorf("%w: %w", ErrModelNotFound, err)}
	}

	digest, err := img.Digest()
	if err != nil {
		return "", &ReferenceError{Reference: ref.String(), Err: err}
	}
	manifest, err := img.Manifest()
	if err != nil {
		return "", &ReferenceError{Reference: ref.String(), Err: err}
	}

	dir := filepath.Join(r.cacheDir, digest.Algorithm, digest.Hex)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}

	var files []string
	for _, desc := range manifest.Layers {
		ext, ok := weightMediaTypes[desc.MediaType]
		if !ok {
			continue
		}
		fileName := desc.Annotations[ocispec.AnnotationTitle]
		if fileName == "" {
			fileName = desc.Digest.Hex + ext
		}
		fileName = filepath.Base(fileName)
		path := filepath.Join(dir, fileName)
		if err := r.fetchLayer(img, desc, path); err != nil {
			return "", &ReferenceError{Reference: ref.String(), Err: err}
		}
		files = append(files, path)
	}
	if len(files) == 0 {
		return "", &ReferenceError{Reference: ref.String(), Err: ErrNoWeights}
	}

	for _, f := range files {
		if strings.HasSuffix(f, ".gguf") {
			return f, nil
		}
	}
	if len(files) == 1 {
		return files[0], nil
	}
	return dir, nil
}

// fetchLayer writes the layer blob to path unless a file of the right size
// is already there.
func (r *Resolver) fetchLayer(img v1.Image, desc v1.Descriptor, path string) error {
	if st, err := os.Stat(path); err == nil && st.Size() == desc.Size {
		r.log.Debugf("Using cached layer %s", desc.Digest)
		return nil
	}

	layer, err := img.LayerByDigest(desc.Digest)
	if err != nil {
		return fmt.Errorf("locating layer %s: %w", desc.Digest, err)
	}
	rc, err := layer.Compressed()
	if err != nil {
		return fmt.Errorf("opening layer %s: %w", desc.Digest, err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".pull-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, rc)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("downloading layer %s: %w", desc.Digest, err)
	}
	if n != desc.Size {
		return fmt.Errorf("layer %s: got %d bytes, expected %d", desc.Digest, n, desc.Size)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	r.log.Infof("Pulled layer %s (%s)", desc.Digest, units.HumanSize(float64(n)))
	return nil
}

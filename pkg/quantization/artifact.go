package quantization

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	// DescriptorFile is the name of the descriptor written next to every
	// artifact.
	DescriptorFile = "artifact.json"
	// MediaTypeArtifact is the media type recorded for quantized artifacts.
	MediaTypeArtifact = "application/vnd.examstutor.model.quantized.v1"

	// AnnotationMethod records the quantization method.
	AnnotationMethod = "org.examstutor.quantization.method"
	// AnnotationBits records the bit width.
	AnnotationBits = "org.examstutor.quantization.bits"
	// AnnotationGroupSize records the group size.
	AnnotationGroupSize = "org.examstutor.quantization.group_size"
	// AnnotationBaseModel records the base model identifier.
	AnnotationBaseModel = "org.examstutor.quantization.base_model"
)

// writeDescriptor digests the artifact and records it, with its provenance,
// in DescriptorFile alongside it.
func writeDescriptor(artifactPath string, method Method, modelName string, cfg Config) (ocispec.Descriptor, error) {
	f, err := os.Open(artifactPath)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("stat artifact: %w", err)
	}
	if info.IsDir() {
		return ocispec.Descriptor{}, fmt.Errorf("artifact %s is a directory", artifactPath)
	}
	if info.Size() == 0 {
		return ocispec.Descriptor{}, fmt.Errorf("artifact %s is empty", artifactPath)
	}

	dgst, err := digest.Canonical.FromReader(f)
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("digest artifact: %w", err)
	}

	desc := ocispec.Descriptor{
		MediaType: MediaTypeArtifact,
		Digest:    dgst,
		Size:      info.Size(),
		Annotations: map[string]string{
			ocispec.AnnotationTitle:   filepath.Base(artifactPath),
			ocispec.AnnotationCreated: time.Now().UTC().Format(time.RFC3339),
			AnnotationMethod:          string(method),
			AnnotationBits:            strconv.Itoa(cfg.Bits()),
			AnnotationBaseModel:       modelName,
		},
	}
	if gs := cfg.GroupSize(); gs > 0 {
		desc.Annotations[AnnotationGroupSize] = strconv.Itoa(gs)
	}

	raw, err := json.MarshalIndent(desc, "", "  ")
	if err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("encode descriptor: %w", err)
	}
	descPath := filepath.Join(filepath.Dir(artifactPath), DescriptorFile)
	if err := os.WriteFile(descPath, raw, 0o644); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("write descriptor: %w", err)
	}
	return desc, nil
}

// ReadDescriptor locates and decodes the descriptor for path, which may be
// the artifact itself, its directory, or the descriptor file. It returns the
// descriptor and the artifact path it describes.
func ReadDescriptor(path string) (ocispec.Descriptor, string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ocispec.Descriptor{}, "", fmt.Errorf("no artifact at %s: %w", path, err)
	}

	dir := path
	if !info.IsDir() {
		dir = filepath.Dir(path)
	}
	raw, err := os.ReadFile(filepath.Join(dir, DescriptorFile))
	if err != nil {
		return ocispec.Descriptor{}, "", fmt.Errorf("no artifact descriptor in %s: %w", dir, err)
	}

	var desc ocispec.Descriptor
	if err := json.Unmarshal(raw, &desc); err != nil {
		return ocispec.Descriptor{}, "", fmt.Errorf("decode artifact descriptor: %w", err)
	}
	if desc.MediaType != MediaTypeArtifact {
		return ocispec.Descriptor{}, "", fmt.Errorf("unrecognised artifact media type %q", desc.MediaType)
	}
	if err := desc.Digest.Validate(); err != nil {
		return ocispec.Descriptor{}, "", fmt.Errorf("invalid artifact digest: %w", err)
	}

	artifactPath := filepath.Join(dir, desc.Annotations[ocispec.AnnotationTitle])
	artifactInfo, err := os.Stat(artifactPath)
	if err != nil {
		return ocispec.Descriptor{}, "", fmt.Errorf("artifact missing: %w", err)
	}
	if artifactInfo.Size() != desc.Size {
		return ocispec.Descriptor{}, "", fmt.Errorf("artifact size %d does not match descriptor size %d", artifactInfo.Size(), desc.Size)
	}
	return desc, artifactPath, nil
}

// removeArtifact deletes an artifact and its descriptor so that no partial
// result is left behind.
func removeArtifact(artifactPath string) {
	_ = os.Remove(artifactPath)
	_ = os.Remove(filepath.Join(filepath.Dir(artifactPath), DescriptorFile))
}

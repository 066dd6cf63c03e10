package quantization

import (
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"
)

// modelDirReplacer flattens reference and path separators.
var modelDirReplacer = strings.NewReplacer("/", "_", `\`, "_", ":", "_", "@", "_")

// modelDirHashLength is the number of hex digits of the model digest kept
// in directory names.
const modelDirHashLength = 12

// ModelOutputDir returns the output root of model beneath outputDir. The
// model identifier is flattened into one readable path element and suffixed
// with a digest of the identifier, so distinct models never share a root.
func ModelOutputDir(outputDir, model string) string {
	name := strings.Trim(modelDirReplacer.Replace(model), ".")
	if name == "" {
		name = "model"
	}
	sum := digest.FromString(model).Encoded()[:modelDirHashLength]
	return filepath.Join(outputDir, name+"-"+sum)
}

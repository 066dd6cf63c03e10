package commands

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/spf13/cobra"

	"github.com/examstutor/model-quantizer/pkg/gguf"
	"github.com/examstutor/model-quantizer/pkg/quantization"
	"github.com/examstutor/model-quantizer/pkg/safetensors"
)

func newInspectCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "inspect PATH",
		Short: "Show the format, size and provenance of a model or artifact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rows, err := inspectRows(args[0])
			if err != nil {
				return err
			}
			cmd.Print(keyValueTable(rows))
			return nil
		},
	}
	return c
}

// inspectRows describes the model at path as key/value rows.
func inspectRows(path string) ([][2]string, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	modelPath := path
	var rows [][2]string
	if desc, artifactPath, ok := describes(path, st.IsDir()); ok {
		modelPath = artifactPath
		rows = append(rows,
			[2]string{"Method", desc.Annotations[quantization.AnnotationMethod]},
			[2]string{"Bits", desc.Annotations[quantization.AnnotationBits]},
			[2]string{"Base model", desc.Annotations[quantization.AnnotationBaseModel]},
			[2]string{"Digest", desc.Digest.String()},
		)
		if gs := desc.Annotations[quantization.AnnotationGroupSize]; gs != "" {
			rows = append(rows, [2]string{"Group size", gs})
		}
	} else if st.IsDir() {
		modelPath = findGGUF(path)
	}

	if isGGUF, _ := gguf.IsGGUF(modelPath); isGGUF {
		info, err := gguf.Inspect(modelPath)
		if err != nil {
			return nil, err
		}
		return append([][2]string{
			{"Path", info.Path},
			{"Format", "gguf"},
			{"Architecture", info.Architecture},
			{"File type", info.FileType},
			{"Parameters", formatParameters(info.Parameters)},
			{"Tensors", strconv.Itoa(len(info.Tensors))},
			{"Size", units.HumanSize(float64(info.Size))},
			{"Shards", strconv.Itoa(len(info.Shards))},
		}, rows...), nil
	}

	info, err := safetensors.Inspect(path)
	if err != nil {
		return nil, fmt.Errorf("%s is neither GGUF nor safetensors: %w", path, err)
	}
	return append([][2]string{
		{"Path", path},
		{"Format", "safetensors"},
		{"Files", strconv.Itoa(len(info.Files))},
		{"Parameters", formatParameters(info.Parameters)},
		{"Tensors", strconv.Itoa(len(info.Tensors))},
		{"Size", units.HumanSize(float64(info.Size))},
	}, rows...), nil
}

// describes returns the artifact descriptor for path when path is an
// artifact, its directory or its descriptor.
func describes(path string, isDir bool) (ocispec.Descriptor, string, bool) {
	desc, artifactPath, err := quantization.ReadDescriptor(path)
	if err != nil {
		return ocispec.Descriptor{}, "", false
	}
	if isDir || filepath.Base(path) == quantization.DescriptorFile ||
		filepath.Clean(path) == filepath.Clean(artifactPath) {
		return desc, artifactPath, true
	}
	return ocispec.Descriptor{}, "", false
}

// findGGUF returns the first GGUF file in dir, or dir itself.
func findGGUF(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return dir
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".gguf") {
			return filepath.Join(dir, e.Name())
		}
	}
	return dir
}

// formatParameters renders a parameter count the way model cards do,
// e.g. "8.03B".
func formatParameters(n uint64) string {
	switch {
	case n >= 1e9:
		return fmt.Sprintf("%.2fB", float64(n)/1e9)
	case n >= 1e6:
		return fmt.Sprintf("%.2fM", float64(n)/1e6)
	case n >= 1e3:
		return fmt.Sprintf("%.2fK", float64(n)/1e3)
	default:
		return strconv.FormatUint(n, 10)
	}
}

func keyValueTable(rows [][2]string) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)

	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.SetAutoWrapText(false)
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_LEFT})

	for _, row := range rows {
		table.Append([]string{row[0] + ":", row[1]})
	}

	table.Render()
	return buf.String()
}

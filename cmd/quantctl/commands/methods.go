package commands

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/examstutor/model-quantizer/pkg/quantization"
	"github.com/examstutor/model-quantizer/pkg/quantization/backends/llamacpp"
)

func newMethodsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "methods",
		Short: "List the quantization methods and their presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := methodsTable()
			if err != nil {
				return err
			}
			cmd.Print(table)
			return nil
		},
	}
	return c
}

func methodsTable() (string, error) {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)

	table.SetHeader([]string{"METHOD", "BITS", "GROUP SIZE", "CALIBRATED", "LLAMA.CPP TYPE", "PARAMETERS"})

	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.SetAutoWrapText(false)

	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,  // METHOD
		tablewriter.ALIGN_RIGHT, // BITS
		tablewriter.ALIGN_RIGHT, // GROUP SIZE
		tablewriter.ALIGN_LEFT,  // CALIBRATED
		tablewriter.ALIGN_LEFT,  // LLAMA.CPP TYPE
		tablewriter.ALIGN_LEFT,  // PARAMETERS
	})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

	for _, method := range quantization.SupportedMethods() {
		cfg, err := quantization.ConfigFor(method)
		if err != nil {
			return "", err
		}
		fileType, err := llamacpp.FileType(method, cfg)
		if err != nil {
			return "", err
		}
		table.Append([]string{
			method.String(),
			strconv.Itoa(cfg.Bits()),
			strconv.Itoa(cfg.GroupSize()),
			strconv.FormatBool(method.Calibrated()),
			fileType,
			extraParameters(cfg),
		})
	}

	table.Render()
	return buf.String(), nil
}

// extraParameters renders the preset keys not shown in their own column.
func extraParameters(cfg quantization.Config) string {
	keys := cfg.Keys()
	sort.Strings(keys)
	var parts []string
	for _, key := range keys {
		if key == quantization.KeyBits || key == quantization.KeyGroupSize {
			continue
		}
		value, _ := cfg.Get(key)
		parts = append(parts, fmt.Sprintf("%s=%v", key, value))
	}
	return strings.Join(parts, " ")
}

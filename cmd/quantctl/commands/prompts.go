package commands

import (
	"github.com/spf13/cobra"

	"github.com/examstutor/model-quantizer/pkg/quantization"
)

func newPromptsCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "prompts",
		Short: "Print the default test prompts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for i, prompt := range quantization.DefaultTestPrompts() {
				cmd.Printf("%2d. %s\n", i+1, prompt)
			}
			return nil
		},
	}
	return c
}

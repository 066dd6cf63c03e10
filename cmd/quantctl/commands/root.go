package commands

import "github.com/spf13/cobra"

// NewRootCmd creates the quantctl command tree.
func NewRootCmd() *cobra.Command {
	var configFile string
	rootCmd := &cobra.Command{
		Use:           "quantctl",
		Short:         "Quantize and inspect exam tutor models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "configuration file (YAML, TOML or JSON)")
	rootCmd.AddCommand(
		newQuantizeCmd(&configFile),
		newInspectCmd(),
		newMethodsCmd(),
		newPromptsCmd(),
		newDevicesCmd(),
	)
	return rootCmd
}

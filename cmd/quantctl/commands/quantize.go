package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/examstutor/model-quantizer/pkg/config"
	"github.com/examstutor/model-quantizer/pkg/gpuinfo"
	"github.com/examstutor/model-quantizer/pkg/logging"
	"github.com/examstutor/model-quantizer/pkg/memory"
	"github.com/examstutor/model-quantizer/pkg/modelsource"
	"github.com/examstutor/model-quantizer/pkg/quantization"
	"github.com/examstutor/model-quantizer/pkg/quantization/backends/llamacpp"
)

// backendOptions are appended to the llama.cpp backend options. Tests use it
// to replace the tool runner.
var backendOptions []llamacpp.Option

// quantizeFlags maps configuration keys to the flags that override them.
var quantizeFlags = map[string]string{
	"model_name":        "model",
	"quantization_type": "method",
	"output_dir":        "output",
	"device":            "device",
	"model_path":        "model-dir",
	"log_level":         "log-level",
}

func newQuantizeCmd(configFile *string) *cobra.Command {
	var estimateMB float64
	var sanity bool
	var overrides, calibration []string
	c := &cobra.Command{
		Use:   "quantize",
		Short: "Quantize a model with one method and print the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			v := config.New()
			for key, flag := range quantizeFlags {
				if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
					return fmt.Errorf("binding --%s: %w", flag, err)
				}
			}
			if *configFile != "" {
				v.SetConfigFile(*configFile)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("reading config file %s: %w", *configFile, err)
				}
			}
			cfg, err := config.FromViper(v)
			if err != nil {
				return err
			}
			values, err := parseOverrides(overrides)
			if err != nil {
				return err
			}

			log := logging.New(cfg.LogLevel)
			log.SetOutput(cmd.ErrOrStderr())

			llamaCppConfig, err := cfg.LlamaCpp()
			if err != nil {
				return err
			}

			resolver := modelsource.New(logging.Component(log, "model-source"), cfg.ModelPath, cfg.CacheDir)
			opts := append([]llamacpp.Option{
				llamacpp.WithMemoryChecker(memory.NewChecker(log, memory.System, cfg.MemoryHeadroom)),
				llamacpp.WithDeviceSupport(gpuinfo.New()),
			}, backendOptions...)

			manager := quantization.NewManager(cfg.ModelName, cfg.ModelOutputDir(cfg.ModelName),
				quantization.WithDevice(cfg.Device),
				quantization.WithLogger(logging.Component(log, "quantization")),
				quantization.WithBackendFactory(func(quantization.Method) (quantization.Backend, error) {
					return llamacpp.New(logging.Component(log, llamacpp.Name), llamaCppConfig, resolver, opts...), nil
				}),
			)
			defer manager.Close()

			report, err := manager.Quantize(cmd.Context(), cfg.QuantizationType, quantization.Options{
				Config:                  values,
				Calibration:             calibration,
				EstimatedOriginalSizeMB: estimateMB,
				SanityCheck:             sanity,
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	flags := c.Flags()
	flags.String("model", "", "base model: a path, a name under --model-dir, or an OCI reference")
	flags.String("method", "", "quantization method (int8, int4, gptq, awq)")
	flags.String("output", "", "base output directory; artifacts go to <output>/<model>/<method>")
	flags.String("device", "", "target device (cpu, gpu, cuda, mps)")
	flags.String("model-dir", "", "directory searched for local models")
	flags.String("log-level", "", "log level")
	flags.Float64Var(&estimateMB, "estimate-mb", 0, "estimated original model size in MB used for the compression ratio")
	flags.BoolVar(&sanity, "sanity", false, "run the test prompts against the artifact")
	flags.StringArrayVar(&overrides, "set", nil, "override a preset parameter, e.g. --set group_size=64")
	flags.StringArrayVar(&calibration, "calibration", nil, "calibration sample for gptq and awq (repeatable)")
	return c
}

// parseOverrides turns key=value pairs into preset overrides. Values are
// decoded as JSON when possible, so "bits=8" yields a number and
// "version=GEMV" a string.
func parseOverrides(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	values := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid override %q: want key=value", pair)
		}
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		values[key] = value
	}
	return values, nil
}

// Package config loads the quantization service settings from the
// environment and an optional configuration file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/examstutor/model-quantizer/pkg/quantization"
	"github.com/examstutor/model-quantizer/pkg/quantization/backends/llamacpp"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "QUANT"

// Config holds the service settings.
type Config struct {
	// ModelName is the base model quantized when a request names none.
	ModelName string `mapstructure:"model_name"`
	// ModelPath is the directory searched for local base models.
	ModelPath string `mapstructure:"model_path"`
	// OutputDir is the base directory for artifacts, one subdirectory per
	// method.
	OutputDir string `mapstructure:"output_dir"`
	// CacheDir holds base models pulled from registries.
	CacheDir string `mapstructure:"cache_dir"`
	// QuantizationType is the method used when a request names none.
	QuantizationType string `mapstructure:"quantization_type"`
	// Device is the target device hint.
	Device string `mapstructure:"device"`

	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`
	// EnableMetrics exposes /metrics.
	EnableMetrics bool `mapstructure:"enable_metrics"`
	// CORSOrigins are the browser origins allowed to call the API. "*"
	// allows any origin; empty disables CORS.
	CORSOrigins []string `mapstructure:"cors_origins"`

	// Workers is the number of jobs run concurrently.
	Workers int `mapstructure:"workers"`
	// Backlog bounds the number of pending jobs.
	Backlog int `mapstructure:"backlog"`
	// TaskTimeLimit is the hard ceiling after which a job is terminated.
	TaskTimeLimit time.Duration `mapstructure:"task_time_limit"`
	// TaskSoftTimeLimit cancels the job's context.
	TaskSoftTimeLimit time.Duration `mapstructure:"task_soft_time_limit"`
	// MaxAttempts bounds attempts of jobs failing with a transient error.
	MaxAttempts uint          `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
	// JobRetention is how long finished jobs are kept.
	JobRetention time.Duration `mapstructure:"job_retention"`
	// PruneInterval is how often finished jobs are pruned.
	PruneInterval time.Duration `mapstructure:"prune_interval"`

	// MemoryHeadroom scales model sizes in the host memory check.
	MemoryHeadroom float64 `mapstructure:"memory_headroom"`

	// LlamaBinPath is the directory of the llama.cpp tools.
	LlamaBinPath string `mapstructure:"llama_bin_path"`
	// ConvertScript is the HF to GGUF conversion script.
	ConvertScript string `mapstructure:"convert_script"`
	Python        string `mapstructure:"python"`
	Threads       int    `mapstructure:"threads"`
	// LlamaQuantizeArgs are extra llama-quantize arguments, as a single
	// shell-quoted string.
	LlamaQuantizeArgs string `mapstructure:"llama_quantize_args"`
}

// defaults are applied before the file and environment are read. Every key
// must have a default so that AutomaticEnv picks it up on Unmarshal.
var defaults = map[string]any{
	"model_name":           "meta-llama/Llama-3-8B-Instruct",
	"model_path":           "./models/",
	"output_dir":           "./models/quantized",
	"cache_dir":            "./models/cache",
	"quantization_type":    "int8",
	"device":               "cpu",
	"listen_addr":          ":8090",
	"log_level":            "info",
	"enable_metrics":       true,
	"cors_origins":         []string{},
	"workers":              1,
	"backlog":              256,
	"task_time_limit":      30 * time.Minute,
	"task_soft_time_limit": 25 * time.Minute,
	"max_attempts":         1,
	"retry_delay":          2 * time.Second,
	"job_retention":        24 * time.Hour,
	"prune_interval":       time.Hour,
	"memory_headroom":      1.2,
	"llama_bin_path":       "",
	"convert_script":       "",
	"python":               "python3",
	"threads":              0,
	"llama_quantize_args":  "",
}

// devices are the accepted device hints.
var devices = map[string]bool{"cpu": true, "gpu": true, "cuda": true, "mps": true}

// New returns a viper instance carrying the defaults and bound to the
// environment.
func New() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// llama.cpp arguments keep the unprefixed name used by the tools.
	_ = v.BindEnv("llama_quantize_args", EnvPrefix+"_LLAMA_QUANTIZE_ARGS", "LLAMA_QUANTIZE_ARGS")
	return v
}

// Load reads the settings. If path is non-empty it names a configuration
// file (YAML, TOML or JSON) whose values sit between the defaults and the
// environment.
func Load(path string) (*Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the settings held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings for consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.ModelName == "" {
		errs = append(errs, errors.New("model_name must not be empty"))
	}
	if c.OutputDir == "" {
		errs = append(errs, errors.New("output_dir must not be empty"))
	}
	if _, err := quantization.ParseMethod(c.QuantizationType); err != nil {
		errs = append(errs, fmt.Errorf("quantization_type: %w", err))
	}
	if !devices[c.Device] {
		errs = append(errs, fmt.Errorf("device must be one of cpu, gpu, cuda or mps, got %q", c.Device))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.Backlog < 1 {
		errs = append(errs, fmt.Errorf("backlog must be at least 1, got %d", c.Backlog))
	}
	if c.TaskTimeLimit <= 0 || c.TaskSoftTimeLimit <= 0 {
		errs = append(errs, errors.New("task time limits must be positive"))
	} else if c.TaskSoftTimeLimit >= c.TaskTimeLimit {
		errs = append(errs, fmt.Errorf("task_soft_time_limit (%s) must be below task_time_limit (%s)",
			c.TaskSoftTimeLimit, c.TaskTimeLimit))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, errors.New("max_attempts must be at least 1"))
	}
	if c.JobRetention <= 0 || c.PruneInterval <= 0 {
		errs = append(errs, errors.New("job_retention and prune_interval must be positive"))
	}
	if c.Threads < 0 {
		errs = append(errs, fmt.Errorf("threads must not be negative, got %d", c.Threads))
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

// LlamaCpp builds the llama.cpp backend configuration, rejecting extra
// llama-quantize arguments the backend manages itself.
func (c *Config) LlamaCpp() (*llamacpp.Config, error) {
	llamaCppConfig := llamacpp.NewDefaultConfig()
	llamaCppConfig.BinPath = c.LlamaBinPath
	llamaCppConfig.ConvertScript = c.ConvertScript
	if c.Python != "" {
		llamaCppConfig.Python = c.Python
	}
	llamaCppConfig.Threads = c.Threads

	args, err := llamacpp.ParseArgs(c.LlamaQuantizeArgs)
	if err != nil {
		return nil, fmt.Errorf("LLAMA_QUANTIZE_ARGS: %w", err)
	}
	llamaCppConfig.Args = args
	return llamaCppConfig, nil
}

// ModelOutputDir returns the output root of model: one directory per base
// model beneath OutputDir, with a subdirectory per method.
func (c *Config) ModelOutputDir(model string) string {
	return quantization.ModelOutputDir(c.OutputDir, model)
}

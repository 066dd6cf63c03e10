package llamacpp

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/mattn/go-shellwords"
)

const (
	// defaultContextSize is the context used for importance matrices and
	// sanity prompts. Calibration corpora are short, and llama-imatrix needs
	// at least two contexts' worth of tokens.
	defaultContextSize = 64
	// defaultPredictTokens bounds the output of each sanity prompt.
	defaultPredictTokens = 64
)

// Config is the configuration for the llama.cpp quantization backend.
type Config struct {
	// BinPath is the directory holding llama-quantize, llama-imatrix and
	// llama-cli. If empty, the tools are looked up on PATH.
	BinPath string
	// ConvertScript is the path of convert_hf_to_gguf.py. If empty, only
	// GGUF base models can be quantized.
	ConvertScript string
	// Python is the interpreter that runs ConvertScript.
	Python string
	// Args are extra arguments passed to every llama-quantize invocation.
	Args []string
	// Threads is passed to llama-quantize. Zero lets llama.cpp decide.
	Threads int
	// ContextSize is the context used by llama-imatrix and llama-cli.
	ContextSize int
	// PredictTokens is the number of tokens generated per sanity prompt.
	PredictTokens int
}

// NewDefaultConfig creates a new Config with default values.
func NewDefaultConfig() *Config {
	python := "python3"
	if runtime.GOOS == "windows" {
		python = "python"
	}
	return &Config{
		Python:        python,
		ContextSize:   defaultContextSize,
		PredictTokens: defaultPredictTokens,
	}
}

// binary returns the command used to run the named llama.cpp tool.
func (c *Config) binary(name string) string {
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	if c.BinPath == "" {
		return name
	}
	return filepath.Join(c.BinPath, name)
}

// reservedArgs are llama-quantize flags the backend sets itself.
var reservedArgs = map[string]bool{
	"--imatrix":          true,
	"--allow-requantize": true,
	"--include-weights":  true,
	"--exclude-weights":  true,
}

// ParseArgs splits raw (typically LLAMA_QUANTIZE_ARGS) into extra
// llama-quantize arguments. Flags the backend controls and model paths are
// rejected.
func ParseArgs(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	args, err := shellwords.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing llama-quantize arguments: %w", err)
	}
	for _, arg := range args {
		flag, _, _ := strings.Cut(arg, "=")
		if reservedArgs[flag] {
			return nil, fmt.Errorf("llama-quantize argument %s is managed by the service", flag)
		}
		if !strings.HasPrefix(arg, "-") && strings.HasSuffix(strings.ToLower(arg), ".gguf") {
			return nil, fmt.Errorf("llama-quantize argument %s looks like a model path", arg)
		}
	}
	return args, nil
}

package quantization

import (
	"fmt"
	"sort"
)

// Well-known preset keys.
const (
	KeyBits        = "bits"
	KeyGroupSize   = "group_size"
	KeyDescAct     = "desc_act"
	KeyDampPercent = "damp_percent"
	KeyZeroPoint   = "zero_point"
	KeySymmetric   = "sym"
	KeyVersion     = "version"
)

// Config is an immutable, named set of quantization parameters. The zero
// value is an empty config; presets are created once at package
// initialisation and never mutated.
type Config struct {
	name   string
	values map[string]any
}

var (
	// INT8Config is the 8-bit preset.
	INT8Config = mustPreset("int8", map[string]any{
		KeyBits:      8,
		KeyGroupSize: 128,
		KeyDescAct:   false,
	})
	// INT4Config is the direct 4-bit preset.
	INT4Config = mustPreset("int4", map[string]any{
		KeyBits:      4,
		KeyGroupSize: 128,
		KeyDescAct:   false,
	})
	// GPTQConfig is the calibrated 4-bit preset.
	GPTQConfig = mustPreset("gptq", map[string]any{
		KeyBits:        4,
		KeyGroupSize:   128,
		KeyDampPercent: 0.01,
		KeyDescAct:     false,
		KeySymmetric:   true,
	})
	// AWQConfig is the activation-aware 4-bit preset.
	AWQConfig = mustPreset("awq", map[string]any{
		KeyBits:      4,
		KeyGroupSize: 128,
		KeyZeroPoint: true,
		KeyVersion:   "GEMM",
	})
)

// ConfigFor returns the preset for m.
func ConfigFor(m Method) (Config, error) {
	switch m {
	case MethodINT8:
		return INT8Config, nil
	case MethodINT4:
		return INT4Config, nil
	case MethodGPTQ:
		return GPTQConfig, nil
	case MethodAWQ:
		return AWQConfig, nil
	default:
		return Config{}, &UnsupportedMethodError{Method: string(m)}
	}
}

func mustPreset(name string, values map[string]any) Config {
	c, err := newConfig(name, values)
	if err != nil {
		panic(fmt.Sprintf("invalid %s preset: %v", name, err))
	}
	return c
}

func newConfig(name string, values map[string]any) (Config, error) {
	copied := make(map[string]any, len(values))
	for k, v := range values {
		copied[k] = v
	}
	c := Config{name: name, values: copied}
	if err := c.validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// validate checks the invariants every config must hold: bits is a positive
// power of two no larger than 8 and group_size, when present, is positive.
// Divisibility of hidden dimensions by group_size is left to the backend.
func (c Config) validate() error {
	bits, ok := asInt(c.values[KeyBits])
	if !ok {
		return fmt.Errorf("%s must be an integer, got %T", KeyBits, c.values[KeyBits])
	}
	if bits <= 0 || bits > 8 || bits&(bits-1) != 0 {
		return fmt.Errorf("%s must be a positive power of two <= 8, got %d", KeyBits, bits)
	}
	if raw, present := c.values[KeyGroupSize]; present {
		gs, ok := asInt(raw)
		if !ok || gs <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %v", KeyGroupSize, raw)
		}
	}
	return nil
}

// Name returns the preset name.
func (c Config) Name() string {
	return c.name
}

// Bits returns the target bit width.
func (c Config) Bits() int {
	bits, _ := asInt(c.values[KeyBits])
	return bits
}

// GroupSize returns the number of parameters sharing one scale, or 0 when
// the config does not set it.
func (c Config) GroupSize() int {
	gs, _ := asInt(c.values[KeyGroupSize])
	return gs
}

// Has reports whether key is set.
func (c Config) Has(key string) bool {
	_, ok := c.values[key]
	return ok
}

// Get returns the raw value for key.
func (c Config) Get(key string) (any, bool) {
	v, ok := c.values[key]
	return v, ok
}

// Bool returns key as a boolean. ok is false when key is absent or not a
// boolean.
func (c Config) Bool(key string) (value, ok bool) {
	value, ok = c.values[key].(bool)
	return value, ok
}

// Float returns key as a float64, accepting any numeric representation.
func (c Config) Float(key string) (float64, bool) {
	switch v := c.values[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// Keys returns the set keys in sorted order.
func (c Config) Keys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Map returns a copy of the underlying parameters.
func (c Config) Map() map[string]any {
	m := make(map[string]any, len(c.values))
	for k, v := range c.values {
		m[k] = v
	}
	return m
}

// With returns a new config with overrides applied on top of c. The receiver
// is left untouched. The result is validated.
func (c Config) With(overrides map[string]any) (Config, error) {
	if len(overrides) == 0 {
		return c, nil
	}
	merged := c.Map()
	for k, v := range overrides {
		merged[k] = v
	}
	return newConfig(c.name, merged)
}

// asInt converts numeric values to int. Values decoded from JSON arrive as
// float64 and are accepted when integral.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}

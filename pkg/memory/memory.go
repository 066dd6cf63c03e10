package memory

import (
	"errors"
	"fmt"

	"github.com/docker/go-units"
	"github.com/elastic/go-sysinfo"

	"github.com/examstutor/model-quantizer/pkg/logging"
)

// ErrInsufficientMemory indicates that the host cannot hold a model.
var ErrInsufficientMemory = errors.New("insufficient memory")

// Info is a host memory snapshot. Zero values mean unknown.
type Info struct {
	Total     uint64
	Available uint64
}

// Source reads host memory.
type Source interface {
	Memory() (Info, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (Info, error)

// Memory implements Source.Memory.
func (f SourceFunc) Memory() (Info, error) {
	return f()
}

// System reads the running host through go-sysinfo.
var System Source = SourceFunc(func() (Info, error) {
	host, err := sysinfo.Host()
	if err != nil {
		return Info{}, fmt.Errorf("reading host info: %w", err)
	}
	mem, err := host.Memory()
	if err != nil {
		return Info{}, fmt.Errorf("reading host memory: %w", err)
	}
	return Info{Total: mem.Total, Available: mem.Available}, nil
})

// Checker fails fast when a model cannot fit in host memory.
type Checker struct {
	log    logging.Logger
	source Source
	// headroom multiplies the required size to leave room for the working
	// set of the quantization tools.
	headroom float64
}

// NewChecker creates a checker. A headroom below 1 is treated as 1.
func NewChecker(log logging.Logger, source Source, headroom float64) *Checker {
	if headroom < 1 {
		headroom = 1
	}
	return &Checker{log: log, source: source, headroom: headroom}
}

// Check returns ErrInsufficientMemory if required bytes, scaled by the
// headroom, exceed available memory. Unknown memory passes with a warning.
func (c *Checker) Check(required uint64) error {
	info, err := c.source.Memory()
	if err != nil {
		c.log.Warnf("Could not read host memory, skipping check: %v", err)
		return nil
	}
	limit := info.Available
	if limit == 0 {
		limit = info.Total
	}
	if limit == 0 {
		c.log.Warn("Host memory unknown, skipping check")
		return nil
	}
	needed := uint64(float64(required) * c.headroom)
	if needed > limit {
		return fmt.Errorf("%w: need %s, have %s available",
			ErrInsufficientMemory, units.BytesSize(float64(needed)), units.BytesSize(float64(limit)))
	}
	c.log.Debugf("Memory check passed: need %s, have %s",
		units.BytesSize(float64(needed)), units.BytesSize(float64(limit)))
	return nil
}

package quantization

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/examstutor/model-quantizer/pkg/logging"
)

var (
	_ Quantizer = (*INT8Quantizer)(nil)
	_ Quantizer = (*INT4Quantizer)(nil)
	_ Quantizer = (*GPTQQuantizer)(nil)
	_ Quantizer = (*AWQQuantizer)(nil)
)

// CacheObserver is notified of quantizer cache lookups.
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

// failer records a failure discovered after the quantizer returned.
type failer interface {
	fail(err error) error
}

// retirer drops a quantizer unless it is running.
type retirer interface {
	retire() bool
}

// constructor builds the quantizer variant for one method.
type constructor func(log logging.Logger, modelName, outputDir, device string, backend Backend) (Quantizer, error)

// constructors maps each supported method to its variant. Nothing here runs
// until a method is first requested.
var constructors = map[Method]constructor{
	MethodINT8: func(log logging.Logger, modelName, outputDir, device string, backend Backend) (Quantizer, error) {
		return NewINT8Quantizer(log, modelName, outputDir, device, backend)
	},
	MethodINT4: func(log logging.Logger, modelName, outputDir, device string, backend Backend) (Quantizer, error) {
		return NewINT4Quantizer(log, modelName, outputDir, device, backend)
	},
	MethodGPTQ: func(log logging.Logger, modelName, outputDir, device string, backend Backend) (Quantizer, error) {
		return NewGPTQQuantizer(log, modelName, outputDir, device, backend)
	},
	MethodAWQ: func(log logging.Logger, modelName, outputDir, device string, backend Backend) (Quantizer, error) {
		return NewAWQQuantizer(log, modelName, outputDir, device, backend)
	},
}

// Manager orchestrates quantization of one base model into one output root.
// Quantizers are constructed lazily, one per method, and cached. Quantize
// calls for different methods run independently; calls for the same method
// are serialised by that method's quantizer.
type Manager struct {
	// log is the associated logger.
	log logging.Logger
	// modelName is the base model identifier.
	modelName string
	// outputBaseDir is the root under which each method gets a subdirectory.
	outputBaseDir string
	// device is the target device hint.
	device string
	// newBackend constructs the numeric backend for a method.
	newBackend BackendFactory
	// observer is told about cache hits and misses. It may be nil.
	observer CacheObserver
	// prompts is the default test prompt set.
	prompts []string

	// cacheLock guards quantizers. It is held across construction so that
	// two first-time requests for a method build a single quantizer.
	cacheLock sync.Mutex
	// quantizers maps methods to constructed quantizers. Only supported
	// methods ever appear as keys.
	quantizers map[Method]Quantizer
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithDevice sets the target device hint. The default is "cpu".
func WithDevice(device string) ManagerOption {
	return func(m *Manager) {
		m.device = device
	}
}

// WithBackendFactory sets the numeric backend factory.
func WithBackendFactory(factory BackendFactory) ManagerOption {
	return func(m *Manager) {
		m.newBackend = factory
	}
}

// WithLogger sets the logger.
func WithLogger(log logging.Logger) ManagerOption {
	return func(m *Manager) {
		m.log = log
	}
}

// WithMetrics reports quantizer cache hits and misses to observer.
func WithMetrics(observer CacheObserver) ManagerOption {
	return func(m *Manager) {
		m.observer = observer
	}
}

// WithTestPrompts replaces the default test prompt set.
func WithTestPrompts(prompts []string) ManagerOption {
	return func(m *Manager) {
		m.prompts = append([]string(nil), prompts...)
	}
}

// NewManager creates a manager for modelName writing under outputBaseDir.
// No directory is created until a method is first quantized.
func NewManager(modelName, outputBaseDir string, opts ...ManagerOption) *Manager {
	m := &Manager{
		log:           logging.New("info"),
		modelName:     modelName,
		outputBaseDir: outputBaseDir,
		device:        "cpu",
		newBackend:    noBackend,
		prompts:       defaultTestPrompts,
		quantizers:    make(map[Method]Quantizer),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func noBackend(m Method) (Backend, error) {
	return nil, fmt.Errorf("no backend configured for %s", m)
}

// ModelName returns the base model identifier.
func (m *Manager) ModelName() string {
	return m.modelName
}

// Device returns the target device hint.
func (m *Manager) Device() string {
	return m.device
}

// OutputDir returns the output directory used for method.
func (m *Manager) OutputDir(method Method) string {
	return filepath.Join(m.outputBaseDir, string(method))
}

// Quantize runs method against the manager's base model. Unsupported methods
// are rejected before anything is created or loaded. The returned report
// carries the compression ratio of the artifact against the estimated
// original size.
func (m *Manager) Quantize(ctx context.Context, method string, opts Options) (*Report, error) {
	mth, err := ParseMethod(method)
	if err != nil {
		return nil, err
	}

	if len(opts.TestPrompts) == 0 {
		opts.TestPrompts = m.DefaultTestPrompts()
	}

	var q Quantizer
	var report *Report
	for {
		q, err = m.getQuantizer(mth, m.OutputDir(mth))
		if err != nil {
			return nil, err
		}
		report, err = q.Quantize(ctx, opts)
		// A quantizer released between lookup and call is replaced.
		if !errors.Is(err, errRetired) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	ratio := CompressionRatio(report.EstimatedOriginalSizeMB, report.QuantizedSizeMB)
	if ratio <= 1 {
		removeArtifact(report.OutputPath)
		err := &BackendError{
			Op:     "save",
			Method: mth,
			Err: fmt.Errorf("artifact of %.2f MB is not smaller than the estimated original of %.2f MB",
				report.QuantizedSizeMB, report.EstimatedOriginalSizeMB),
		}
		if f, ok := q.(failer); ok {
			return nil, f.fail(err)
		}
		return nil, err
	}
	report.CompressionRatio = ratio

	m.log.WithFields(map[string]any{
		"method":            mth,
		"compression_ratio": fmt.Sprintf("%.2f", ratio),
	}).Infof("Quantized %s", logging.SanitizeForLog(m.modelName))
	return report, nil
}

// getQuantizer returns the cached quantizer for method, constructing it (and
// its backend) on first use.
func (m *Manager) getQuantizer(method Method, outputDir string) (Quantizer, error) {
	construct, ok := constructors[method]
	if !ok {
		return nil, &UnsupportedMethodError{Method: string(method)}
	}

	m.cacheLock.Lock()
	defer m.cacheLock.Unlock()

	if q, ok := m.quantizers[method]; ok {
		if m.observer != nil {
			m.observer.CacheHit()
		}
		return q, nil
	}
	if m.observer != nil {
		m.observer.CacheMiss()
	}

	backend, err := m.newBackend(method)
	if err != nil {
		return nil, fmt.Errorf("creating %s backend: %w", method, err)
	}
	q, err := construct(m.log, m.modelName, outputDir, m.device, backend)
	if err != nil {
		return nil, fmt.Errorf("creating %s quantizer: %w", method, err)
	}
	m.quantizers[method] = q
	m.log.Debugf("Constructed %s quantizer using %s backend", method, backend.Name())
	return q, nil
}

// DefaultTestPrompts returns the test prompt set, in order. The returned
// slice is a copy.
func (m *Manager) DefaultTestPrompts() []string {
	return append([]string(nil), m.prompts...)
}

// SupportedMethods lists the methods the manager accepts.
func (m *Manager) SupportedMethods() []Method {
	return SupportedMethods()
}

// Quantizers returns the methods with a constructed quantizer, sorted.
func (m *Manager) Quantizers() []Method {
	m.cacheLock.Lock()
	defer m.cacheLock.Unlock()
	methods := make([]Method, 0, len(m.quantizers))
	for method := range m.quantizers {
		methods = append(methods, method)
	}
	sort.Slice(methods, func(i, j int) bool { return methods[i] < methods[j] })
	return methods
}

// Release drops the quantizer for method, along with its loaded model. It
// fails with ErrInvalidState while that quantizer is running.
func (m *Manager) Release(method Method) error {
	m.cacheLock.Lock()
	defer m.cacheLock.Unlock()
	q, ok := m.quantizers[method]
	if !ok {
		return nil
	}
	if r, ok := q.(retirer); ok {
		if !r.retire() {
			return fmt.Errorf("%w: %s quantizer is running", ErrInvalidState, method)
		}
	} else {
		q.Release()
	}
	delete(m.quantizers, method)
	return nil
}

// Close releases every cached quantizer.
func (m *Manager) Close() {
	m.cacheLock.Lock()
	quantizers := m.quantizers
	m.quantizers = make(map[Method]Quantizer)
	m.cacheLock.Unlock()
	for _, q := range quantizers {
		q.Release()
	}
}

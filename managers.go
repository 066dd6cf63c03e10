package main

import (
	"sync"

	"github.com/examstutor/model-quantizer/pkg/quantization"
)

// managerPool holds one quantization manager per base model, created on
// first use.
type managerPool struct {
	// outputDir returns the output root of a model.
	outputDir func(model string) string
	// newManager constructs the manager for a model writing beneath dir.
	newManager func(model, dir string) *quantization.Manager

	// lock guards managers.
	lock sync.Mutex
	// managers maps model identifiers to their managers.
	managers map[string]*quantization.Manager
}

func newManagerPool(outputDir func(model string) string, newManager func(model, dir string) *quantization.Manager) *managerPool {
	return &managerPool{
		outputDir:  outputDir,
		newManager: newManager,
		managers:   make(map[string]*quantization.Manager),
	}
}

// Get returns the manager for model.
func (p *managerPool) Get(model string) *quantization.Manager {
	p.lock.Lock()
	defer p.lock.Unlock()
	if m, ok := p.managers[model]; ok {
		return m
	}
	m := p.newManager(model, p.outputDir(model))
	p.managers[model] = m
	return m
}

// Close releases every manager.
func (p *managerPool) Close() {
	p.lock.Lock()
	defer p.lock.Unlock()
	for model, m := range p.managers {
		m.Close()
		delete(p.managers, model)
	}
}

package render

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultSettle = 50 * time.Millisecond

// Global is the process-wide SDK state: the native framework and the
// delegate singleton. All reset paths hold its lock, so only one reset runs
// at a time and nothing re-acquires the delegate halfway through one.
type Global struct {
	logger      zerolog.Logger
	fw          Framework
	newDelegate func() Delegate
	settle      time.Duration

	mu       sync.Mutex
	delegate Delegate
}

// NewGlobal wraps the framework and the delegate constructor.
func NewGlobal(fw Framework, newDelegate func() Delegate, logger zerolog.Logger) *Global {
	return &Global{
		logger:      logger,
		fw:          fw,
		newDelegate: newDelegate,
		settle:      defaultSettle,
	}
}

// EnsureInitialized starts the framework if it is not running.
func (g *Global) EnsureInitialized() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ensureLocked()
}

func (g *Global) ensureLocked() error {
	if g.fw.Initialized() {
		return nil
	}
	if err := guard(StageFramework, g.fw.StartUp); err != nil {
		g.logger.Error().Err(err).Msg("framework start-up failed")
		return err
	}
	return nil
}

// Delegate returns the delegate singleton, creating it when needed.
func (g *Global) Delegate() Delegate {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.delegate == nil {
		g.delegate = g.newDelegate()
	}
	return g.delegate
}

// Current returns the delegate singleton or nil.
func (g *Global) Current() Delegate {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delegate
}

// ReleaseDelegate drops the delegate singleton after releasing its models.
// Every step is best-effort.
func (g *Global) ReleaseDelegate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseDelegateLocked()
}

func (g *Global) releaseDelegateLocked() {
	d := g.delegate
	g.delegate = nil
	if d == nil {
		return
	}
	g.step("release models", d.ReleaseModels)
	g.step("stop delegate", d.Stop)
	g.step("destroy delegate", d.Destroy)
}

// Reset releases the delegate and disposes the framework. Failures are
// logged and never returned, so teardown always completes.
func (g *Global) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.logger.Info().Msg("resetting render framework")
	g.releaseDelegateLocked()
	if g.fw.Initialized() {
		g.step("dispose framework", g.fw.Dispose)
	}
}

// Reinitialize disposes a running framework, waits for the driver to settle
// and starts it again.
func (g *Global) Reinitialize() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.fw.Initialized() {
		g.step("dispose framework", g.fw.Dispose)
		time.Sleep(g.settle)
	}
	return g.ensureLocked()
}

func (g *Global) step(name string, fn func() error) {
	if err := guard(StageFramework, fn); err != nil {
		g.logger.Warn().Err(err).Str("step", name).Msg("render teardown step failed")
	}
}

package render

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/logging"
	"github.com/MaiM-with-u/Maimchat/internal/metrics"
	"github.com/MaiM-with-u/Maimchat/internal/transform"
)

// PipelineOptions tunes model loading and recovery.
type PipelineOptions struct {
	RetryInterval      time.Duration // between reloads of a model that is not ready, default 1s
	RetriesBeforeReset int           // failed reload attempts before a reset, default 5
	LoadFailureLimit   int           // consecutive load failures before a reset, default 3
	RenderBlock        time.Duration // frames skipped after a load or reset, default 120ms
	Warmup             time.Duration // grace period after a load before retrying, default 600ms
	TransformKey       string        // default transform.WallpaperKey
	Transforms         *transform.Store
	Clock              func() time.Time
}

func (o PipelineOptions) withDefaults() PipelineOptions {
	if o.RetryInterval <= 0 {
		o.RetryInterval = time.Second
	}
	if o.RetriesBeforeReset <= 0 {
		o.RetriesBeforeReset = 5
	}
	if o.LoadFailureLimit <= 0 {
		o.LoadFailureLimit = 3
	}
	if o.RenderBlock <= 0 {
		o.RenderBlock = 120 * time.Millisecond
	}
	if o.Warmup <= 0 {
		o.Warmup = 600 * time.Millisecond
	}
	if o.TransformKey == "" {
		o.TransformKey = transform.WallpaperKey
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Pipeline is the long-lived renderer behind the wallpaper surface. It
// keeps the requested model loaded, retries loads that do not take, and
// resets the SDK when its caches go stale.
type Pipeline struct {
	global   *Global
	opts     PipelineOptions
	logger   zerolog.Logger
	throttle *logging.Throttle

	// resetting is set for the whole of a forced reset; concurrent
	// triggers collapse into the one in flight.
	resetting atomic.Bool
	resets    atomic.Int64

	mu            sync.Mutex
	delegate      Delegate
	ready         bool
	surface       bool
	needsReinit   bool
	width, height int
	target        string
	applied       string
	model         *boundModel
	background    string
	bgDirty       bool
	retries       int
	loadFailures  int
	lastRetry     time.Time
	lastApply     time.Time
	blockUntil    time.Time
}

// NewPipeline creates a pipeline on top of the process-wide SDK state.
func NewPipeline(global *Global, opts PipelineOptions, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		global:   global,
		opts:     opts.withDefaults(),
		logger:   logger,
		throttle: logging.NewThrottle(2 * time.Second),
	}
}

// SetModelFolder requests a model. The load happens on the render thread.
func (p *Pipeline) SetModelFolder(folder string) {
	folder = strings.TrimSpace(folder)
	p.logger.Info().Str("folder", folder).Msg("model folder requested")

	p.mu.Lock()
	defer p.mu.Unlock()
	p.target = folder
	p.requestReloadLocked()
}

// SetBackground queues a background image; blank restores the default.
func (p *Pipeline) SetBackground(path string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.background = strings.TrimSpace(path)
	p.bgDirty = true
}

// AppliedModel returns the folder currently loaded.
func (p *Pipeline) AppliedModel() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.applied
}

// Resets returns how many forced resets completed.
func (p *Pipeline) Resets() int64 {
	return p.resets.Load()
}

// SurfaceCreated starts the framework and the delegate for a new context.
func (p *Pipeline) SurfaceCreated() error {
	if err := p.global.EnsureInitialized(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.surface = true
	p.needsReinit = false
	return p.attachDelegateLocked()
}

func (p *Pipeline) attachDelegateLocked() error {
	d := p.global.Delegate()
	p.delegate = d
	if err := d.Start(); err != nil {
		p.logger.Warn().Err(err).Msg("delegate start failed")
	}
	p.applyDefaultsLocked()
	restoreViewMatrix(d, p.opts.Transforms, p.opts.TransformKey, p.logger)
	if err := d.SurfaceCreated(); err != nil {
		return err
	}
	if p.width > 0 && p.height > 0 {
		if err := d.SurfaceChanged(p.width, p.height); err != nil {
			return err
		}
	}
	p.ready = p.ensureDelegateReadyLocked()
	if !p.ready {
		p.logger.Warn().Msg("delegate not ready after surface creation, model load deferred")
	}
	return nil
}

func (p *Pipeline) applyDefaultsLocked() {
	p.delegate.SetClearColor(0, 0, 0, 0)
	p.delegate.SetTransformKey(p.opts.TransformKey)
}

// ensureDelegateReadyLocked restarts a delegate whose context went missing.
func (p *Pipeline) ensureDelegateReadyLocked() bool {
	d := p.delegate
	if d == nil {
		return false
	}
	if d.Ready() {
		return true
	}
	if err := guard(StageFramework, d.Start); err != nil {
		p.logger.Error().Err(err).Msg("delegate restart failed")
		return false
	}
	p.applyDefaultsLocked()
	return d.Ready()
}

// SurfaceChanged forwards the new size and schedules a model reload.
func (p *Pipeline) SurfaceChanged(width, height int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.width, p.height = width, height
	if p.delegate != nil {
		if err := p.delegate.SurfaceChanged(width, height); err != nil {
			return err
		}
	}
	p.requestReloadLocked()
	return nil
}

// DrawFrame uploads a pending background, makes sure the model is loaded
// and draws. Faults that mean the SDK cache is stale reset the pipeline at
// once and are not reported as frame failures. ErrNotReady means the
// surface has no framework behind it yet.
func (p *Pipeline) DrawFrame() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.needsReinit && !p.retryReinitLocked() {
		return ErrNotReady
	}

	p.uploadBackgroundLocked()
	p.ensureModelLoadedLocked()

	if p.delegate == nil {
		if p.surface {
			return ErrNotReady
		}
		return nil
	}
	if !p.ready && !p.ensureDelegateReadyLocked() {
		return nil
	}
	if !p.renderingReadyLocked() {
		p.ensureModelRenderingLocked()
		return nil
	}
	if err := guard(StageDrawFrame, p.delegate.Run); err != nil {
		if reason, ok := classifyFault(err); ok {
			p.logger.Error().Err(err).Str("reason", reason).Msg("stale renderer state, resetting pipeline")
			p.forceResetLocked(reason)
			return nil
		}
		return err
	}
	p.ensureModelRenderingLocked()
	return nil
}

// Release drops every SDK resource held by the pipeline. The requested
// model and background are kept for the next surface.
func (p *Pipeline) Release() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.clearLoadStateLocked()
	p.delegate = nil
	p.surface = false
	p.needsReinit = false
	p.global.ReleaseDelegate()
	p.bgDirty = p.background != ""
	p.logger.Info().Msg("pipeline released")
}

// ForceReset resets the pipeline unless a reset is already running.
func (p *Pipeline) ForceReset(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forceResetLocked(reason)
}

func (p *Pipeline) forceResetLocked(reason string) {
	if !p.resetting.CompareAndSwap(false, true) {
		p.logger.Warn().Str("reason", reason).Msg("pipeline reset already in progress")
		return
	}
	defer p.resetting.Store(false)

	metrics.PipelineResets.WithLabelValues(resetLabel(reason)).Inc()
	p.resetLocked(reason)
	p.resets.Add(1)
}

func resetLabel(reason string) string {
	switch {
	case strings.HasPrefix(reason, "model load failure"):
		return "model_load"
	case reason == faultReleased, reason == faultIndexCache, reason == faultMissingCache:
		return "stale_cache"
	case reason == "retry threshold reached":
		return "retry_threshold"
	default:
		return "manual"
	}
}

func (p *Pipeline) resetLocked(reason string) {
	p.logger.Warn().Str("reason", reason).Msg("resetting render pipeline")

	p.clearLoadStateLocked()
	p.delegate = nil
	p.global.ReleaseDelegate()
	if err := p.global.Reinitialize(); err != nil {
		p.logger.Error().Err(err).Msg("framework reinitialize failed after reset")
		p.needsReinit = p.surface
		p.lastRetry = p.opts.Clock()
		return
	}
	p.reattachLocked()
}

// retryReinitLocked restarts the framework after a failed reset, at most
// once per retry interval. It reports whether the pipeline is attached
// again.
func (p *Pipeline) retryReinitLocked() bool {
	now := p.opts.Clock()
	if now.Sub(p.lastRetry) < p.opts.RetryInterval {
		return false
	}
	p.lastRetry = now
	if err := p.global.Reinitialize(); err != nil {
		if p.throttle.Allow("reinit") {
			p.logger.Error().Err(err).Msg("framework reinitialize retry failed")
		}
		return false
	}
	p.logger.Info().Msg("framework reinitialized after failed reset")
	p.needsReinit = false
	p.lastRetry = time.Time{}
	p.reattachLocked()
	return true
}

func (p *Pipeline) reattachLocked() {
	if err := p.attachDelegateLocked(); err != nil {
		p.logger.Error().Err(err).Msg("delegate setup failed after reset")
	}
	p.bgDirty = true
	p.uploadBackgroundLocked()

	if !p.ready || !p.reloadNowLocked() {
		p.requestReloadLocked()
	}
	p.blockUntil = p.opts.Clock().Add(p.opts.RenderBlock)
}

func (p *Pipeline) clearLoadStateLocked() {
	p.retries = 0
	p.loadFailures = 0
	p.applied = ""
	p.model = nil
	p.ready = false
	p.lastRetry = time.Time{}
	p.lastApply = time.Time{}
}

// reloadNowLocked is the single immediate load attempted after a reset.
func (p *Pipeline) reloadNowLocked() bool {
	if p.target == "" {
		return false
	}
	return p.loadLocked(p.target, "reset")
}

func (p *Pipeline) requestReloadLocked() {
	p.applied = ""
	p.retries = 0
	p.loadFailures = 0
	p.lastRetry = time.Time{}
	p.lastApply = time.Time{}
	p.blockUntil = p.opts.Clock().Add(p.opts.RenderBlock)
}

func (p *Pipeline) ensureModelLoadedLocked() {
	if p.delegate == nil {
		return
	}
	if !p.ready && !p.ensureDelegateReadyLocked() {
		return
	}
	p.ready = true
	if p.target == "" || p.target == p.applied {
		return
	}
	p.loadLocked(p.target, "ensure")
}

// loadLocked loads folder and reports success. Failures count towards the
// load-failure reset.
func (p *Pipeline) loadLocked(folder, reason string) bool {
	var m Model
	err := guard(StageFramework, func() error {
		var lerr error
		m, lerr = p.delegate.LoadModel(folder)
		return lerr
	})
	now := p.opts.Clock()
	p.blockUntil = now.Add(p.opts.RenderBlock)
	if err != nil || m == nil {
		p.logger.Warn().Err(err).Str("folder", folder).Str("reason", reason).Msg("model load failed")
		p.applied = ""
		p.model = nil
		p.modelLoadFailedLocked(folder)
		return false
	}

	p.applied = folder
	p.model = bind(m)
	p.loadFailures = 0
	p.lastApply = now
	p.model.triggerIdle(false)
	p.logger.Info().Str("folder", folder).Str("reason", reason).Msg("model applied")
	return true
}

func (p *Pipeline) modelLoadFailedLocked(folder string) {
	metrics.ModelLoadFailures.Inc()
	p.loadFailures++
	p.lastApply = time.Time{}
	if p.loadFailures < p.opts.LoadFailureLimit {
		p.logger.Warn().Int("count", p.loadFailures).Str("folder", folder).Msg("model load failure counted")
		return
	}
	p.logger.Error().Int("count", p.loadFailures).Str("folder", folder).Msg("model keeps failing to load, forcing reset")
	p.loadFailures = 0
	p.forceResetLocked("model load failure (" + folder + ")")
}

func (p *Pipeline) renderingReadyLocked() bool {
	if p.resetting.Load() || !p.ready {
		return false
	}
	if p.opts.Clock().Before(p.blockUntil) {
		return false
	}
	if p.target != "" && p.target != p.applied {
		return false
	}
	return p.model != nil && p.model.Ready()
}

// ensureModelRenderingLocked retries a model that is loaded but not
// renderable, once per retry interval, and resets after too many tries.
func (p *Pipeline) ensureModelRenderingLocked() {
	if p.delegate == nil {
		return
	}
	if p.model != nil && p.model.Ready() {
		p.retries = 0
		p.blockUntil = time.Time{}
		return
	}
	now := p.opts.Clock()
	if !p.lastApply.IsZero() && now.Sub(p.lastApply) < p.opts.Warmup {
		return
	}
	if !p.lastRetry.IsZero() && now.Sub(p.lastRetry) < p.opts.RetryInterval {
		return
	}
	p.lastRetry = now
	p.retries++
	if p.throttle.Allow("not_ready") {
		p.logger.Warn().Int("attempt", p.retries).Str("target", p.target).Str("applied", p.applied).Msg("model not ready, reloading")
	}
	if p.model != nil {
		p.model.triggerIdle(false)
	}

	target := p.target
	if target == "" {
		target = p.applied
	}
	if target != "" {
		p.loadLocked(target, "retry")
	}
	if p.retries >= p.opts.RetriesBeforeReset {
		p.forceResetLocked("retry threshold reached")
	}
}

func (p *Pipeline) uploadBackgroundLocked() {
	if !p.bgDirty {
		return
	}
	if p.delegate == nil || !p.delegate.Ready() {
		if p.throttle.Allow("bg_defer") {
			p.logger.Warn().Msg("delegate not ready, background deferred")
		}
		return
	}
	p.bgDirty = false
	if err := guard(StageFramework, func() error { return p.delegate.ApplyBackground(p.background) }); err != nil {
		p.logger.Error().Err(err).Str("path", p.background).Msg("apply background failed")
	}
}

// Touch returns a gesture handler that drives the pipeline's delegate.
func (p *Pipeline) Touch() *TouchForwarder {
	return NewTouchForwarder(func() Delegate {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.delegate
	}, p.opts.Transforms, p.opts.TransformKey, p.logger)
}

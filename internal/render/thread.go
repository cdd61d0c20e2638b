package render

import (
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/logging"
)

// Stage names the render step that failed.
type Stage int

const (
	StageEGLInit Stage = iota
	StageSurfaceCreated
	StageSurfaceChanged
	StageDrawFrame
	StageSwapBuffers
	StageWork
	StageFramework
)

func (s Stage) String() string {
	switch s {
	case StageEGLInit:
		return "egl_init"
	case StageSurfaceCreated:
		return "surface_created"
	case StageSurfaceChanged:
		return "surface_changed"
	case StageDrawFrame:
		return "draw_frame"
	case StageSwapBuffers:
		return "swap_buffers"
	case StageWork:
		return "work"
	case StageFramework:
		return "framework"
	default:
		return "unknown"
	}
}

// Window is the native surface a render thread draws into.
type Window interface {
	Valid() bool
}

// EGL abstracts the display, context and window surface of one thread.
type EGL interface {
	Init() error
	CreateSurface(win Window) error
	MakeCurrent() error
	SwapBuffers() error
	DestroySurface()
	Terminate()
}

// FrameRenderer receives the render callbacks, always on the render thread.
type FrameRenderer interface {
	SurfaceCreated() error
	SurfaceChanged(width, height int) error
	DrawFrame() error
}

// Listener is told about every failed and every successful frame.
type Listener interface {
	RenderFailed(stage Stage, err error)
	RenderSucceeded()
}

// ThreadOptions tunes the render loop.
type ThreadOptions struct {
	PauseSleep    time.Duration // loop period while paused, default 40ms
	ErrorBackoff  time.Duration // sleep after a failed callback, default 120ms
	SurfaceRetry  time.Duration // sleep when no window surface could be made, default 16ms
	FrameInterval time.Duration // minimum time between frames, zero for none
}

func (o ThreadOptions) withDefaults() ThreadOptions {
	if o.PauseSleep <= 0 {
		o.PauseSleep = 40 * time.Millisecond
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 120 * time.Millisecond
	}
	if o.SurfaceRetry <= 0 {
		o.SurfaceRetry = 16 * time.Millisecond
	}
	return o
}

// Thread is a dedicated, OS-thread-locked render loop. It blocks until a
// window is available, idles while paused and exits only on Shutdown.
type Thread struct {
	renderer FrameRenderer
	egl      EGL
	listener Listener
	opts     ThreadOptions
	logger   zerolog.Logger
	throttle *logging.Throttle

	mu           sync.Mutex
	cond         *sync.Cond
	running      bool
	paused       bool
	surfaceReady bool
	sizeDirty    bool
	width        int
	height       int
	window       Window
	work         []func()

	// render-thread only
	hasSurface    bool
	needsCreated  bool
	lastFrameTime time.Time

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

// NewThread creates a render thread. Call Start to run it.
func NewThread(r FrameRenderer, egl EGL, l Listener, opts ThreadOptions, logger zerolog.Logger) *Thread {
	t := &Thread{
		renderer: r,
		egl:      egl,
		listener: l,
		opts:     opts.withDefaults(),
		logger:   logger,
		throttle: logging.NewThrottle(time.Second),
		running:  true,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Start launches the loop goroutine.
func (t *Thread) Start() {
	go t.run()
}

// Done is closed when the loop has exited and released EGL.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// SurfaceCreated hands the thread a window to draw into.
func (t *Thread) SurfaceCreated(win Window) {
	t.logger.Info().Msg("surface created")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.window = win
	t.surfaceReady = true
	t.cond.Broadcast()
}

// SurfaceChanged records a new size; the renderer is told on the next frame.
func (t *Thread) SurfaceChanged(width, height int) {
	t.logger.Info().Int("width", width).Int("height", height).Msg("surface changed")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.width, t.height = width, height
	t.sizeDirty = true
	t.cond.Broadcast()
}

// SurfaceDestroyed parks the loop until a new window arrives.
func (t *Thread) SurfaceDestroyed() {
	t.logger.Info().Msg("surface destroyed")
	t.mu.Lock()
	defer t.mu.Unlock()
	t.surfaceReady = false
	t.window = nil
	t.cond.Broadcast()
}

// Pause stops drawing without leaving the loop.
func (t *Thread) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = true
}

// Resume continues drawing.
func (t *Thread) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = false
	t.cond.Broadcast()
}

// Paused reports whether drawing is paused.
func (t *Thread) Paused() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paused
}

// Post queues fn to run on the render thread before the next frame. It
// reports false once the thread is shutting down.
func (t *Thread) Post(fn func()) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return false
	}
	t.work = append(t.work, fn)
	t.cond.Broadcast()
	return true
}

// Shutdown stops the loop and waits up to timeout for it to exit. It
// reports whether the loop exited in time; cleanup continues regardless.
func (t *Thread) Shutdown(timeout time.Duration) bool {
	t.mu.Lock()
	t.running = false
	t.cond.Broadcast()
	t.mu.Unlock()
	t.quitOnce.Do(func() { close(t.quit) })

	select {
	case <-t.done:
		return true
	case <-time.After(timeout):
		t.logger.Warn().Dur("timeout", timeout).Msg("render thread did not exit in time")
		return false
	}
}

// sleep waits d or until shutdown. It reports false on shutdown.
func (t *Thread) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-t.quit:
		return false
	}
}

func (t *Thread) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(t.done)

	if err := guard(StageEGLInit, t.egl.Init); err != nil {
		t.logger.Error().Err(err).Msg("egl init failed, render loop not started")
		t.signalError(StageEGLInit, err)
		return
	}
	t.logger.Info().Msg("egl ready, entering render loop")

	for {
		t.mu.Lock()
		for t.running && !t.surfaceReady {
			if t.throttle.Allow("wait") {
				t.logger.Debug().Bool("paused", t.paused).Msg("waiting for surface")
			}
			t.cond.Wait()
		}
		if !t.running {
			t.mu.Unlock()
			break
		}
		paused := t.paused
		work := t.work
		t.work = nil
		win := t.window
		t.mu.Unlock()

		t.runWork(work)

		if paused {
			if !t.sleep(t.opts.PauseSleep) {
				break
			}
			continue
		}
		if !t.ensureSurface(win) {
			if t.throttle.Allow("ensure_surface") {
				t.logger.Warn().Msg("window surface unavailable, retrying")
			}
			if !t.sleep(t.opts.SurfaceRetry) {
				break
			}
			continue
		}
		if !t.frame() {
			if !t.sleep(t.opts.ErrorBackoff) {
				break
			}
			continue
		}
		if t.opts.FrameInterval > 0 {
			if wait := t.opts.FrameInterval - time.Since(t.lastFrameTime); wait > 0 && !t.sleep(wait) {
				break
			}
			t.lastFrameTime = time.Now()
		}
	}

	t.logger.Info().Msg("render loop exiting")
	t.destroySurface()
	t.egl.Terminate()
}

func (t *Thread) runWork(work []func()) {
	for _, fn := range work {
		err := guard(StageWork, func() error {
			fn()
			return nil
		})
		if err != nil {
			t.logger.Error().Err(err).Msg("posted render work failed")
		}
	}
}

// frame runs one pass of callbacks. It reports false when a callback failed
// and the loop should back off.
func (t *Thread) frame() bool {
	if t.needsCreated {
		if err := guard(StageSurfaceCreated, t.renderer.SurfaceCreated); err != nil {
			t.fail(StageSurfaceCreated, err)
			return false
		}
		t.needsCreated = false
		t.mu.Lock()
		t.sizeDirty = true
		t.mu.Unlock()
	}

	t.mu.Lock()
	dirty, w, h := t.sizeDirty, t.width, t.height
	t.mu.Unlock()
	if dirty {
		err := guard(StageSurfaceChanged, func() error { return t.renderer.SurfaceChanged(w, h) })
		if err != nil {
			t.fail(StageSurfaceChanged, err)
			return false
		}
		t.mu.Lock()
		if t.width == w && t.height == h {
			t.sizeDirty = false
		}
		t.mu.Unlock()
	}

	if err := guard(StageDrawFrame, t.renderer.DrawFrame); err != nil {
		t.fail(StageDrawFrame, err)
		return false
	}
	if err := t.egl.SwapBuffers(); err != nil {
		t.logger.Error().Err(err).Msg("swap buffers failed")
		t.signalError(StageSwapBuffers, err)
		return true
	}
	t.signalSuccess()
	return true
}

func (t *Thread) fail(stage Stage, err error) {
	if t.throttle.Allow("fail_" + stage.String()) {
		t.logger.Error().Err(err).Str("stage", stage.String()).Msg("render callback failed")
	}
	t.destroySurface()
	t.signalError(stage, err)
}

func (t *Thread) ensureSurface(win Window) bool {
	if t.hasSurface {
		if err := t.egl.MakeCurrent(); err == nil {
			return true
		}
		t.destroySurface()
	}
	if win == nil || !win.Valid() {
		return false
	}
	if err := t.egl.CreateSurface(win); err != nil {
		t.logger.Error().Err(err).Msg("create window surface failed")
		return false
	}
	t.hasSurface = true
	if err := t.egl.MakeCurrent(); err != nil {
		t.logger.Error().Err(err).Msg("make current failed")
		t.destroySurface()
		return false
	}
	t.needsCreated = true
	return true
}

func (t *Thread) destroySurface() {
	if !t.hasSurface {
		return
	}
	t.egl.DestroySurface()
	t.hasSurface = false
}

func (t *Thread) signalError(stage Stage, err error) {
	if t.listener == nil {
		return
	}
	if perr := guard(stage, func() error {
		t.listener.RenderFailed(stage, err)
		return nil
	}); perr != nil {
		t.logger.Warn().Err(perr).Msg("render failure listener failed")
	}
}

func (t *Thread) signalSuccess() {
	if t.listener == nil {
		return
	}
	if perr := guard(StageDrawFrame, func() error {
		t.listener.RenderSucceeded()
		return nil
	}); perr != nil {
		t.logger.Warn().Err(perr).Msg("render success listener failed")
	}
}

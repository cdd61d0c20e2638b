package render

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/gesture"
	"github.com/MaiM-with-u/Maimchat/internal/logging"
	"github.com/MaiM-with-u/Maimchat/internal/metrics"
)

// Recoverable is the renderer a Supervisor keeps alive.
type Recoverable interface {
	FrameRenderer
	Release()
	SetModelFolder(folder string)
	SetBackground(path string)
}

// Recovery is one escalation performed by a Supervisor.
type Recovery int

const (
	RecoveryThreadRestart Recovery = iota + 1
	RecoveryPipelineReset
)

func (r Recovery) String() string {
	switch r {
	case RecoveryThreadRestart:
		return "thread_restart"
	case RecoveryPipelineReset:
		return "pipeline_reset"
	default:
		return "unknown"
	}
}

// SupervisorOptions tunes failure escalation.
type SupervisorOptions struct {
	FailureWindow    time.Duration // failures older than this start a new count, default 10s
	FailureThreshold int           // failures in the window before a restart, default 3
	RestartLimit     int           // restarts in one episode before a reset, default 2
	RestartBase      time.Duration // restart delay unit, default 750ms
	RestartMax       time.Duration // restart delay cap, default 5s
	ResetDelay       time.Duration // delay before a pipeline reset, default 3s
	JoinTimeout      time.Duration // wait for an old thread to exit, default 1.2s
	Thread           ThreadOptions
	OnRecovery       func(Recovery, Stage)
	Clock            func() time.Time
}

func (o SupervisorOptions) withDefaults() SupervisorOptions {
	if o.FailureWindow <= 0 {
		o.FailureWindow = 10 * time.Second
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = 3
	}
	if o.RestartLimit <= 0 {
		o.RestartLimit = 2
	}
	if o.RestartBase <= 0 {
		o.RestartBase = 750 * time.Millisecond
	}
	if o.RestartMax <= 0 {
		o.RestartMax = 5 * time.Second
	}
	if o.ResetDelay <= 0 {
		o.ResetDelay = 3 * time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 1200 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Supervisor owns the render thread of a long-lived surface and escalates
// repeated failures: first by restarting the thread, then by resetting the
// whole pipeline including the SDK's global state.
type Supervisor struct {
	renderer Recoverable
	global   *Global
	newEGL   func() EGL
	opts     SupervisorOptions
	logger   zerolog.Logger

	// inFlight serializes restarts and resets; triggers that arrive while
	// one is scheduled are dropped.
	inFlight atomic.Bool

	mu          sync.Mutex
	thread      *Thread
	closed      bool
	failures    int
	lastFailure time.Time
	restarts    int
	window      Window
	width       int
	height      int
	visible     bool
	model       string
	background  string
	cancel      chan struct{}

	dispatcher *gesture.Dispatcher
	wg         sync.WaitGroup
	quit       chan struct{}
}

// NewSupervisor creates a supervisor. Touch events are forwarded through
// touch, which may be nil.
func NewSupervisor(r Recoverable, global *Global, newEGL func() EGL, touch gesture.Handler, opts SupervisorOptions, logger zerolog.Logger) *Supervisor {
	s := &Supervisor{
		renderer: r,
		global:   global,
		newEGL:   newEGL,
		opts:     opts.withDefaults(),
		logger:   logging.Module(logger, "render"),
		quit:     make(chan struct{}),
	}
	if touch != nil {
		s.dispatcher = gesture.NewDispatcher(touch, logging.Module(logger, "gesture"))
	}
	return s
}

// Start launches the first render thread.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startThreadLocked("engine init")
}

// startThreadLocked creates a thread and replays the surface state.
func (s *Supervisor) startThreadLocked(reason string) {
	s.logger.Info().Str("reason", reason).Msg("starting render thread")
	t := NewThread(s.renderer, s.newEGL(), s, s.opts.Thread, s.logger)
	s.thread = t
	t.Start()
	if s.window != nil {
		t.SurfaceCreated(s.window)
		if s.width > 0 && s.height > 0 {
			t.SurfaceChanged(s.width, s.height)
		}
	}
	if !s.visible {
		t.Pause()
	}
}

// SurfaceCreated attaches a window and re-requests the model.
func (s *Supervisor) SurfaceCreated(win Window) {
	s.mu.Lock()
	s.window = win
	t := s.thread
	s.mu.Unlock()
	if t != nil {
		t.SurfaceCreated(win)
	}
	s.reapply()
}

// SurfaceChanged records a new surface size.
func (s *Supervisor) SurfaceChanged(width, height int) {
	s.mu.Lock()
	s.width, s.height = width, height
	t := s.thread
	s.mu.Unlock()
	if t != nil {
		t.SurfaceChanged(width, height)
	}
}

// SurfaceDestroyed detaches the window.
func (s *Supervisor) SurfaceDestroyed() {
	s.mu.Lock()
	s.window = nil
	t := s.thread
	s.mu.Unlock()
	if t != nil {
		t.SurfaceDestroyed()
	}
}

// SetVisible pauses or resumes drawing.
func (s *Supervisor) SetVisible(visible bool) {
	s.logger.Info().Bool("visible", visible).Msg("visibility changed")
	s.mu.Lock()
	s.visible = visible
	t := s.thread
	s.mu.Unlock()
	if t == nil {
		return
	}
	if visible {
		t.Resume()
		s.reapply()
	} else {
		t.Pause()
	}
}

// SetModelFolder requests a model and remembers it across restarts.
func (s *Supervisor) SetModelFolder(folder string) {
	s.mu.Lock()
	s.model = folder
	s.mu.Unlock()
	s.renderer.SetModelFolder(folder)
}

// SetBackground requests a background and remembers it across restarts.
func (s *Supervisor) SetBackground(path string) {
	s.mu.Lock()
	s.background = path
	s.mu.Unlock()
	s.renderer.SetBackground(path)
}

func (s *Supervisor) reapply() {
	s.mu.Lock()
	folder, bg := s.model, s.background
	s.mu.Unlock()
	if folder != "" {
		s.renderer.SetModelFolder(folder)
	}
	s.renderer.SetBackground(bg)
}

// Touch feeds one touch event to the gesture dispatcher.
func (s *Supervisor) Touch(ev gesture.Event) {
	if s.dispatcher != nil {
		s.dispatcher.Dispatch(ev)
	}
}

// RenderSucceeded ends the failure episode.
func (s *Supervisor) RenderSucceeded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures == 0 && s.restarts == 0 && s.cancel == nil {
		return
	}
	s.failures = 0
	s.lastFailure = time.Time{}
	s.restarts = 0
	if s.cancel != nil {
		close(s.cancel)
		s.cancel = nil
	}
}

// RenderFailed counts a failure and escalates once the threshold is hit.
func (s *Supervisor) RenderFailed(stage Stage, err error) {
	metrics.RenderFailures.WithLabelValues(stage.String()).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	now := s.opts.Clock()
	if now.Sub(s.lastFailure) > s.opts.FailureWindow {
		s.failures = 0
	}
	s.lastFailure = now
	s.failures++
	s.logger.Error().Err(err).Str("stage", stage.String()).Int("attempt", s.failures).Msg("render failure")

	if s.failures < s.opts.FailureThreshold {
		return
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		return
	}

	kind, delay := RecoveryThreadRestart, s.restartDelayLocked()
	if s.restarts >= s.opts.RestartLimit {
		kind, delay = RecoveryPipelineReset, s.opts.ResetDelay
	}
	cancel := make(chan struct{})
	s.cancel = cancel

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.inFlight.Store(false)

		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-cancel:
			s.logger.Info().Str("kind", kind.String()).Msg("recovery cancelled, rendering recovered")
			return
		case <-s.quit:
			return
		}
		s.recover(kind, stage)
	}()
}

func (s *Supervisor) restartDelayLocked() time.Duration {
	d := s.opts.RestartBase * time.Duration(s.restarts+1)
	if d > s.opts.RestartMax {
		d = s.opts.RestartMax
	}
	return d
}

// recover replaces the render thread. A pipeline reset additionally drops
// the SDK's global state so the next thread starts the framework afresh.
func (s *Supervisor) recover(kind Recovery, stage Stage) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	old := s.thread
	s.thread = nil
	s.cancel = nil
	s.mu.Unlock()

	if kind == RecoveryPipelineReset {
		s.logger.Error().Str("stage", stage.String()).Msg("performing render pipeline reset")
	} else {
		s.logger.Warn().Str("stage", stage.String()).Msg("restarting render thread after persistent errors")
	}
	if old != nil {
		old.Shutdown(s.opts.JoinTimeout)
	}
	s.renderer.Release()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch kind {
	case RecoveryPipelineReset:
		if s.global != nil {
			s.global.Reset()
		}
		metrics.PipelineResets.WithLabelValues("restart_limit").Inc()
		s.restarts = 0
	default:
		metrics.ThreadRestarts.Inc()
		s.restarts++
	}
	s.failures = 0
	s.startThreadLocked(kind.String() + " after " + stage.String())
	s.mu.Unlock()

	s.reapply()
	if s.opts.OnRecovery != nil {
		s.opts.OnRecovery(kind, stage)
	}
}

// Close stops pending recovery and the render thread, then releases the
// renderer.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	t := s.thread
	s.thread = nil
	s.mu.Unlock()

	close(s.quit)
	s.wg.Wait()
	if t != nil {
		t.Shutdown(s.opts.JoinTimeout)
	}
	s.renderer.Release()
	s.logger.Info().Msg("render supervisor closed")
}

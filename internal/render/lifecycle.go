package render

import (
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/gesture"
	"github.com/MaiM-with-u/Maimchat/internal/logging"
	"github.com/MaiM-with-u/Maimchat/internal/metrics"
	"github.com/MaiM-with-u/Maimchat/internal/model"
	"github.com/MaiM-with-u/Maimchat/internal/transform"
)

// LifecycleState is the state of one rendering session.
type LifecycleState int32

const (
	StateCreated LifecycleState = iota
	StateInitializing
	StateInitialized
	StateLoading
	StateLoaded
	StateRendering
	StateDestroying
	StateDestroyed
)

func (s LifecycleState) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateInitializing:
		return "INITIALIZING"
	case StateInitialized:
		return "INITIALIZED"
	case StateLoading:
		return "LOADING"
	case StateLoaded:
		return "LOADED"
	case StateRendering:
		return "RENDERING"
	case StateDestroying:
		return "DESTROYING"
	case StateDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

const (
	idleCheckFrames     = 180
	defaultShutdownWait = 1200 * time.Millisecond
)

// fallbackGroups are tried in order when a requested motion cannot start.
var fallbackGroups = []string{"Idle", "TapBody", "TapHead", "Flick", "Shake", "Motion", "Default"}

// probeGroups are probed when the model settings cannot list groups.
var probeGroups = []string{"Idle", "TapBody", "TapHead", "Flick", "Shake", "Motion"}

// Observer is told about state changes and errors. Calls may arrive on the
// render thread.
type Observer interface {
	StateChanged(state LifecycleState, msg string)
	Failed(msg string, err error)
}

// LifecycleDeps are the collaborators of a Lifecycle.
type LifecycleDeps struct {
	Global     *Global
	NewEGL     func() EGL
	Transforms *transform.Store
	Observer   Observer
	Logger     zerolog.Logger
	Thread     ThreadOptions

	// Background is the persisted background path applied once the
	// surface exists.
	Background string
}

// MotionDetail describes one motion of a group.
type MotionDetail struct {
	Group       string `json:"group"`
	Index       int    `json:"index"`
	FileName    string `json:"file_name,omitempty"`
	DisplayName string `json:"display_name"`
}

// GroupDetails is the motion list of one group.
type GroupDetails struct {
	Group   string         `json:"group"`
	Motions []MotionDetail `json:"motions"`
}

// Lifecycle owns exactly one rendering session bound to one surface. A new
// Lifecycle is created per active model; the previous one is destroyed
// first.
type Lifecycle struct {
	id       string
	info     model.Info
	deps     LifecycleDeps
	logger   zerolog.Logger
	observer Observer

	state       atomic.Int32
	initialized atomic.Bool
	destroyed   atomic.Bool

	mu         sync.Mutex
	session    *session
	surface    *Surface
	background string
}

// NewLifecycle creates a session for the model described by info.
func NewLifecycle(info model.Info, deps LifecycleDeps) *Lifecycle {
	id := uuid.NewString()
	l := &Lifecycle{
		id:         id,
		info:       info,
		deps:       deps,
		logger:     logging.Module(deps.Logger, "render").With().Str("lifecycle", id).Str("model", info.Name).Logger(),
		observer:   deps.Observer,
		background: strings.TrimSpace(deps.Background),
	}
	l.logger.Debug().Msg("lifecycle created")
	return l
}

// ID is the instance id; it also keys the session's view transform.
func (l *Lifecycle) ID() string {
	return l.id
}

// State returns the current state.
func (l *Lifecycle) State() LifecycleState {
	return LifecycleState(l.state.Load())
}

// Destroyed reports whether Destroy has been called.
func (l *Lifecycle) Destroyed() bool {
	return l.destroyed.Load()
}

func (l *Lifecycle) setState(s LifecycleState, msg string) {
	old := LifecycleState(l.state.Swap(int32(s)))
	if old == s {
		return
	}
	l.logger.Debug().Str("from", old.String()).Str("to", s.String()).Msg(msg)
	if l.observer != nil {
		l.observer.StateChanged(s, msg)
	}
}

func (l *Lifecycle) notifyError(msg string, err error) {
	l.logger.Error().Err(err).Msg(msg)
	if l.observer != nil {
		l.observer.Failed(msg, err)
	}
}

// Initialize validates the model and brings the global framework to a
// clean state. A model that fails validation returns a *ValidationError
// and leaves the framework untouched.
func (l *Lifecycle) Initialize() error {
	if l.destroyed.Load() {
		l.notifyError("lifecycle already destroyed", ErrDestroyed)
		return ErrDestroyed
	}
	if l.initialized.Load() {
		return nil
	}
	if err := model.Validate(l.info); err != nil {
		l.notifyError("model validation failed", err)
		return err
	}

	l.setState(StateInitializing, "initializing")
	if err := l.deps.Global.Reinitialize(); err != nil {
		l.setState(StateCreated, "initialization failed")
		l.notifyError("could not reach a clean framework state", err)
		return err
	}

	l.mu.Lock()
	l.session = &session{lc: l}
	l.mu.Unlock()
	l.initialized.Store(true)
	l.setState(StateInitialized, "initialized")
	return nil
}

// Surface is the drawable of a Lifecycle.
type Surface struct {
	thread     *Thread
	dispatcher *gesture.Dispatcher
}

// Resize reports a new surface size.
func (s *Surface) Resize(width, height int) {
	s.thread.SurfaceChanged(width, height)
}

// Touch feeds one touch event to the gesture dispatcher.
func (s *Surface) Touch(ev gesture.Event) {
	s.dispatcher.Dispatch(ev)
}

// Lost detaches the native window.
func (s *Surface) Lost() {
	s.thread.SurfaceDestroyed()
}

// CreateSurface starts the render thread on win and wires touch input to
// the SDK camera. Repeated calls return the same surface.
func (l *Lifecycle) CreateSurface(win Window) (*Surface, error) {
	if l.destroyed.Load() {
		l.notifyError("lifecycle already destroyed", ErrDestroyed)
		return nil, ErrDestroyed
	}
	if !l.initialized.Load() {
		if err := l.Initialize(); err != nil {
			return nil, err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.surface != nil {
		return l.surface, nil
	}
	l.setState(StateLoading, "creating surface")

	thread := NewThread(l.session, l.deps.NewEGL(), l.session, l.deps.Thread, l.logger)
	touch := NewTouchForwarder(l.deps.Global.Current, l.deps.Transforms, transform.AppKey(l.id), l.logger)
	l.surface = &Surface{
		thread:     thread,
		dispatcher: gesture.NewDispatcher(touch, logging.Module(l.deps.Logger, "gesture")),
	}
	l.setState(StateLoaded, "surface created")
	thread.Start()
	thread.SurfaceCreated(win)
	return l.surface, nil
}

func (l *Lifecycle) thread() *Thread {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.surface == nil {
		return nil
	}
	return l.surface.thread
}

// StartRendering resumes drawing.
func (l *Lifecycle) StartRendering() {
	if l.destroyed.Load() {
		return
	}
	if t := l.thread(); t != nil {
		t.Resume()
	}
	l.setState(StateRendering, "rendering")
}

// PauseRendering stops drawing but keeps the session.
func (l *Lifecycle) PauseRendering() {
	if l.destroyed.Load() {
		return
	}
	if t := l.thread(); t != nil {
		t.Pause()
	}
	l.setState(StateLoaded, "paused")
}

// SetBackground records the background path and applies it on the render
// thread when a surface exists.
func (l *Lifecycle) SetBackground(path string) {
	path = strings.TrimSpace(path)
	l.mu.Lock()
	l.background = path
	l.mu.Unlock()
	l.logger.Debug().Str("path", path).Msg("background requested")
	if t := l.thread(); t != nil {
		t.Post(func() { l.session.applyBackground(path) })
	}
}

func (l *Lifecycle) pendingBackground() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.background
}

// post queues fn with the current model on the render thread. It reports
// whether the request was queued.
func (l *Lifecycle) post(fn func(m *boundModel)) bool {
	if l.destroyed.Load() {
		return false
	}
	t := l.thread()
	if t == nil {
		return false
	}
	return t.Post(func() {
		if m := l.session.current(); m != nil {
			fn(m)
		}
	})
}

// PlayMotion starts group[index] at priority.
func (l *Lifecycle) PlayMotion(group string, index int, loop bool, priority Priority) bool {
	return l.post(func(m *boundModel) {
		if m.start(group, index, priority, loop, nil) < 0 {
			l.logger.Warn().Str("group", group).Int("index", index).Msg("motion did not start")
		}
	})
}

// PlayMotionByFile plays the motion named by a file such as
// "motions/TapBody_m02.motion3.json", falling back to common groups when
// the name cannot be resolved.
func (l *Lifecycle) PlayMotionByFile(motionPath string, loop bool) bool {
	group, index, ok := parseMotionFile(motionPath)
	return l.post(func(m *boundModel) {
		if ok && m.start(group, index, PriorityForce, loop, nil) >= 0 {
			return
		}
		if ok {
			l.logger.Warn().Str("group", group).Int("index", index).Msg("motion from file name did not start")
		}
		if g, i, played := playFallback(m, loop); played {
			l.logger.Debug().Str("group", g).Int("index", i).Msg("fallback motion started")
			return
		}
		l.logger.Warn().Str("file", motionPath).Msg("no motion could be played")
	})
}

// parseMotionFile splits "Group_mN.motion3.json" into the group and index.
// Unparseable indices become 0.
func parseMotionFile(motionPath string) (string, int, bool) {
	base := path.Base(strings.ReplaceAll(motionPath, "\\", "/"))
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	parts := strings.Split(base, "_")
	if len(parts) < 2 || parts[0] == "" {
		return "", 0, false
	}
	return parts[0], motionIndex(strings.Join(parts[1:], "_"), 0), true
}

func motionIndex(s string, fallback int) int {
	s = strings.TrimPrefix(s, "motion")
	s = strings.TrimPrefix(s, "m")
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return fallback
}

func playFallback(m *boundModel, loop bool) (string, int, bool) {
	for _, g := range fallbackGroups {
		for i := 0; i < idleIndices; i++ {
			if m.start(g, i, PriorityForce, loop, nil) >= 0 {
				return g, i, true
			}
		}
	}
	return "", 0, false
}

// PlayMotionByGroup force-plays group[index], suspending the pose while it
// runs when the model supports that.
func (l *Lifecycle) PlayMotionByGroup(group string, index int, loop bool) bool {
	return l.post(func(m *boundModel) {
		pose, _ := m.Model.(PoseToggler)
		suspended := pose != nil && pose.DisablePose()
		restore := func() {
			if suspended {
				pose.EnablePose()
			}
		}
		if m.start(group, index, PriorityForce, loop, restore) < 0 {
			l.logger.Warn().Str("group", group).Int("index", index).Msg("motion did not start")
			restore()
		}
	})
}

// StopAllMotions stops every motion, or forces Idle[0] when the model
// cannot stop.
func (l *Lifecycle) StopAllMotions() bool {
	return l.post(func(m *boundModel) {
		if err := m.StopAllMotions(); err != nil {
			l.logger.Warn().Err(err).Msg("stop motions failed, forcing idle")
			m.start(IdleGroup, 0, PriorityForce, false, nil)
		}
	})
}

// MotionGroups delivers the model's motion groups to fn. fn receives nil
// when there is no session, otherwise it runs on the render thread.
func (l *Lifecycle) MotionGroups(fn func([]MotionGroup)) {
	if !l.post(func(m *boundModel) { fn(motionGroups(m)) }) {
		fn(nil)
	}
}

func motionGroups(m *boundModel) []MotionGroup {
	groups, err := m.MotionGroups()
	if err == nil {
		return groups
	}
	var out []MotionGroup
	for _, g := range probeGroups {
		if m.start(g, 0, PriorityNormal, false, nil) < 0 {
			continue
		}
		count := 1
		for j := 1; j <= 10; j++ {
			if m.start(g, j, PriorityNormal, false, nil) < 0 {
				break
			}
			count++
		}
		out = append(out, MotionGroup{Name: g, Count: count})
	}
	return out
}

// MotionDetails delivers per-motion details to fn, inferred from the
// model's file list when the settings are unreadable.
func (l *Lifecycle) MotionDetails(fn func([]GroupDetails)) {
	if !l.post(func(m *boundModel) { fn(l.motionDetails(m)) }) {
		fn(nil)
	}
}

func (l *Lifecycle) motionDetails(m *boundModel) []GroupDetails {
	groups, err := m.MotionGroups()
	if err != nil {
		return detailsFromFiles(l.info.Motions)
	}
	out := make([]GroupDetails, 0, len(groups))
	for _, g := range groups {
		gd := GroupDetails{Group: g.Name}
		for j := 0; j < g.Count; j++ {
			d := MotionDetail{Group: g.Name, Index: j, DisplayName: "动作 " + strconv.Itoa(j)}
			if file, ferr := m.MotionFile(g.Name, j); ferr == nil && file != "" {
				d.FileName = file
				d.DisplayName = stem(file) + " (索引" + strconv.Itoa(j) + ")"
			}
			gd.Motions = append(gd.Motions, d)
		}
		out = append(out, gd)
	}
	return out
}

func stem(file string) string {
	base := path.Base(strings.ReplaceAll(file, "\\", "/"))
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return strings.TrimSuffix(base, ".motion3")
}

// detailsFromFiles groups motion files by their "Group_" prefix. Files
// without a prefix land in "Motion" and are indexed by position.
func detailsFromFiles(files []string) []GroupDetails {
	var order []string
	byGroup := make(map[string][]MotionDetail)
	for idx, fp := range files {
		base := stem(fp)
		group, index := "Motion", idx
		if parts := strings.Split(base, "_"); len(parts) >= 2 {
			group = parts[0]
			index = motionIndex(strings.Join(parts[1:], "_"), idx)
		}
		if _, ok := byGroup[group]; !ok {
			order = append(order, group)
		}
		byGroup[group] = append(byGroup[group], MotionDetail{
			Group:       group,
			Index:       index,
			FileName:    fp,
			DisplayName: base + " (索引" + strconv.Itoa(index) + ")",
		})
	}
	out := make([]GroupDetails, 0, len(order))
	for _, g := range order {
		motions := byGroup[g]
		sort.SliceStable(motions, func(a, b int) bool { return motions[a].Index < motions[b].Index })
		out = append(out, GroupDetails{Group: g, Motions: motions})
	}
	return out
}

// Destroy tears the session down and resets the global framework. Every
// step is best-effort; calling Destroy again is a no-op.
func (l *Lifecycle) Destroy() {
	if l.destroyed.Swap(true) {
		return
	}
	l.setState(StateDestroying, "destroying")

	l.mu.Lock()
	surface, sess := l.surface, l.session
	l.surface = nil
	l.background = ""
	l.mu.Unlock()

	if surface != nil {
		l.step("pause", func() error {
			surface.thread.Pause()
			return nil
		})
		l.step("stop render thread", func() error {
			surface.thread.Shutdown(defaultShutdownWait)
			return nil
		})
	}
	if sess != nil {
		l.step("release session", sess.release)
	}
	l.step("global reset", func() error {
		l.deps.Global.Reset()
		return nil
	})
	l.initialized.Store(false)
	l.setState(StateDestroyed, "destroyed")
}

func (l *Lifecycle) step(name string, fn func() error) {
	if err := guard(StageFramework, fn); err != nil {
		l.logger.Warn().Err(err).Str("step", name).Msg("destroy step failed")
	}
}

// session is the FrameRenderer of a Lifecycle.
type session struct {
	lc *Lifecycle

	mu       sync.Mutex
	delegate Delegate
	model    *boundModel
	frames   int64
	setup    bool
}

func (s *session) current() *boundModel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

func (s *session) SurfaceCreated() error {
	lc := s.lc
	lc.logger.Info().Msg("render context ready")
	d := lc.deps.Global.Delegate()
	if err := d.Start(); err != nil {
		lc.notifyError("renderer initialization failed", err)
		return err
	}
	key := transform.AppKey(lc.id)
	restoreViewMatrix(d, lc.deps.Transforms, key, lc.logger)
	if err := d.SurfaceCreated(); err != nil {
		lc.notifyError("renderer initialization failed", err)
		return err
	}
	d.SetClearColor(0, 0, 0, 0)
	d.SetTransformKey(key)

	s.mu.Lock()
	s.delegate = d
	s.setup = true
	s.mu.Unlock()

	s.applyBackground(lc.pendingBackground())
	return nil
}

func (s *session) SurfaceChanged(width, height int) error {
	s.mu.Lock()
	d := s.delegate
	s.mu.Unlock()
	if d == nil {
		return nil
	}
	if err := d.SurfaceChanged(width, height); err != nil {
		s.lc.notifyError("surface resize failed", err)
		return err
	}
	if s.current() == nil {
		s.loadModel(d)
		s.applyBackground(s.lc.pendingBackground())
	}
	return nil
}

// loadModel loads the session's model and starts an idle motion. Load
// failures are reported to the observer and do not fail the frame.
func (s *session) loadModel(d Delegate) {
	lc := s.lc
	var m Model
	err := guard(StageSurfaceChanged, func() error {
		var lerr error
		m, lerr = d.LoadModel(lc.info.Folder)
		return lerr
	})
	if err != nil || m == nil {
		metrics.ModelLoadFailures.Inc()
		lc.notifyError("model load failed", err)
		return
	}
	bm := bind(m)
	s.mu.Lock()
	s.model = bm
	s.mu.Unlock()

	if g, i, ok := bm.triggerIdle(true); ok {
		lc.logger.Debug().Str("group", g).Int("index", i).Msg("idle motion started")
	} else {
		lc.logger.Warn().Msg("no idle or fallback motion could start")
	}
	lc.setState(StateRendering, "rendering")
}

func (s *session) DrawFrame() error {
	if s.lc.destroyed.Load() {
		return nil
	}
	s.mu.Lock()
	d, setup := s.delegate, s.setup
	s.mu.Unlock()
	if !setup || d == nil {
		return nil
	}
	if err := d.Run(); err != nil {
		return err
	}

	s.mu.Lock()
	s.frames++
	check := s.frames%idleCheckFrames == 0
	m := s.model
	s.mu.Unlock()
	if check && m != nil && m.MotionFinished() {
		s.lc.logger.Debug().Msg("no motion playing, restarting idle")
		m.triggerIdle(true)
	}
	return nil
}

func (s *session) applyBackground(path string) {
	s.mu.Lock()
	d := s.delegate
	s.mu.Unlock()
	if d == nil {
		return
	}
	if err := guard(StageWork, func() error { return d.ApplyBackground(path) }); err != nil {
		s.lc.logger.Error().Err(err).Str("path", path).Msg("apply background failed")
	}
}

// RenderFailed and RenderSucceeded make the session its thread's listener.
// The in-app surface has no supervisor; failures are only logged.
func (s *session) RenderFailed(stage Stage, err error) {
	s.lc.logger.Warn().Err(err).Str("stage", stage.String()).Msg("render failure")
}

func (s *session) RenderSucceeded() {}

func (s *session) release() error {
	s.mu.Lock()
	d := s.delegate
	s.delegate = nil
	s.model = nil
	s.setup = false
	s.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.ReleaseModels()
}

package render

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/gesture"
	"github.com/MaiM-with-u/Maimchat/internal/model"
)

type recordingObserver struct {
	mu     sync.Mutex
	states []LifecycleState
	errs   []error
}

func (o *recordingObserver) StateChanged(s LifecycleState, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.states = append(o.states, s)
}

func (o *recordingObserver) Failed(_ string, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) saw(s LifecycleState) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Contains(o.states, s)
}

func validInfo() model.Info {
	return model.Info{
		Name:      "hiyori",
		Folder:    "/models/hiyori",
		ModelFile: "hiyori.model3.json",
		Textures:  []string{"hiyori.2048/texture_00.png"},
		Motions:   []string{"motions/Idle_m01.motion3.json"},
	}
}

type lifecycleFixture struct {
	fw       *fakeFramework
	delegate *fakeDelegate
	observer *recordingObserver
	lc       *Lifecycle
}

func newLifecycleFixture(t *testing.T, info model.Info, m Model) *lifecycleFixture {
	t.Helper()
	f := &lifecycleFixture{
		fw:       &fakeFramework{},
		delegate: newFakeDelegate(m),
		observer: &recordingObserver{},
	}
	global := NewGlobal(f.fw, func() Delegate { return f.delegate }, zerolog.Nop())
	global.settle = 0
	f.lc = NewLifecycle(info, LifecycleDeps{
		Global:   global,
		NewEGL:   func() EGL { return &fakeEGL{} },
		Observer: f.observer,
		Logger:   zerolog.Nop(),
		Thread:   ThreadOptions{FrameInterval: time.Millisecond, PauseSleep: time.Millisecond},
	})
	return f
}

// render creates the surface and waits for the model to be loaded.
func (f *lifecycleFixture) render(t *testing.T) *Surface {
	t.Helper()
	s, err := f.lc.CreateSurface(fakeWindow{})
	if err != nil {
		t.Fatal(err)
	}
	eventually(t, "rendering state", func() bool { return f.observer.saw(StateRendering) })
	return s
}

func TestInitializeRejectsInvalidModel(t *testing.T) {
	info := validInfo()
	info.Textures = nil
	info.Motions = nil
	f := newLifecycleFixture(t, info, nil)

	err := f.lc.Initialize()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Initialize = %v, want *ValidationError", err)
	}
	if diff := cmp.Diff([]string{model.IssueNoTexture, model.IssueNoMotion}, verr.Issues); diff != "" {
		t.Fatalf("issues (-want +got):\n%s", diff)
	}
	if startups, _ := f.fw.counts(); startups != 0 {
		t.Fatal("framework touched for an invalid model")
	}
	if got := f.lc.State(); got != StateCreated {
		t.Fatalf("state = %v, want %v", got, StateCreated)
	}
	if f.observer.saw(StateInitializing) {
		t.Fatal("observer saw initialization for an invalid model")
	}
	if _, err := f.lc.CreateSurface(fakeWindow{}); err == nil {
		t.Fatal("CreateSurface succeeded for an invalid model")
	}
	f.lc.Destroy()
}

func TestInitializeFailureReturnsToCreated(t *testing.T) {
	m := newFakeModel(MotionGroup{Name: IdleGroup, Count: 1})
	f := newLifecycleFixture(t, validInfo(), m)
	defer f.lc.Destroy()

	f.fw.failNextStartUps(1)
	if err := f.lc.Initialize(); err == nil {
		t.Fatal("Initialize succeeded without a framework")
	}
	if got := f.lc.State(); got != StateCreated {
		t.Fatalf("state = %v, want %v", got, StateCreated)
	}

	if err := f.lc.Initialize(); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if got := f.lc.State(); got != StateInitialized {
		t.Fatalf("state = %v, want %v", got, StateInitialized)
	}
}

func TestCreateSurfaceIsIdempotent(t *testing.T) {
	m := newFakeModel(MotionGroup{Name: IdleGroup, Count: 1})
	f := newLifecycleFixture(t, validInfo(), m)

	s1 := f.render(t)
	s2, err := f.lc.CreateSurface(fakeWindow{})
	if err != nil {
		t.Fatal(err)
	}
	if s1 != s2 {
		t.Fatal("second CreateSurface returned a new surface")
	}
	if got := f.delegate.loadCount(); got != 1 {
		t.Fatalf("model loaded %d times", got)
	}
	f.lc.Destroy()
}

func TestDestroyIsIdempotentAndResetsFramework(t *testing.T) {
	m := newFakeModel(MotionGroup{Name: IdleGroup, Count: 1})
	f := newLifecycleFixture(t, validInfo(), m)
	f.render(t)

	f.lc.Destroy()
	f.lc.Destroy()

	if f.lc.State() != StateDestroyed {
		t.Fatalf("state = %v", f.lc.State())
	}
	if _, disposes := f.fw.counts(); disposes != 1 {
		t.Fatalf("framework disposed %d times", disposes)
	}
	if f.lc.PlayMotion(IdleGroup, 0, false, PriorityForce) {
		t.Fatal("motion accepted after destroy")
	}
	if err := f.lc.Initialize(); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("Initialize after destroy = %v", err)
	}
}

func TestMotionsWithoutSurfaceAreRejected(t *testing.T) {
	f := newLifecycleFixture(t, validInfo(), nil)
	if f.lc.PlayMotionByFile("motions/Idle_m01.motion3.json", false) {
		t.Fatal("motion accepted without a surface")
	}
	var got []MotionGroup
	called := false
	f.lc.MotionGroups(func(g []MotionGroup) {
		called = true
		got = g
	})
	if !called || got != nil {
		t.Fatalf("MotionGroups without surface: called=%v groups=%v", called, got)
	}
}

func TestPlayMotionByFileResolvesGroupAndIndex(t *testing.T) {
	m := newFakeModel(MotionGroup{Name: IdleGroup, Count: 1}, MotionGroup{Name: "TapBody", Count: 3})
	f := newLifecycleFixture(t, validInfo(), m)
	f.render(t)
	defer f.lc.Destroy()

	if !f.lc.PlayMotionByFile(`motions\TapBody_m02.motion3.json`, true) {
		t.Fatal("PlayMotionByFile refused")
	}
	want := motionCall{Group: "TapBody", Index: 2, Priority: PriorityForce, Loop: true}
	eventually(t, "TapBody[2]", func() bool {
		got, ok := m.lastStarted()
		return ok && got == want
	})
}

func TestPlayMotionByFileFallsBack(t *testing.T) {
	m := newFakeModel(MotionGroup{Name: "Flick", Count: 1})
	f := newLifecycleFixture(t, validInfo(), m)
	f.render(t)
	defer f.lc.Destroy()

	if !f.lc.PlayMotionByFile("motions/Missing_m07.motion3.json", false) {
		t.Fatal("PlayMotionByFile refused")
	}
	want := motionCall{Group: "Flick", Index: 0, Priority: PriorityForce}
	eventually(t, "fallback Flick[0]", func() bool {
		got, ok := m.lastStarted()
		return ok && got == want
	})
}

func TestPlayMotionByGroupSuspendsPose(t *testing.T) {
	pm := &posedModel{fakeModel: newFakeModel(MotionGroup{Name: IdleGroup, Count: 1}, MotionGroup{Name: "TapHead", Count: 1})}
	f := newLifecycleFixture(t, validInfo(), pm)
	f.render(t)
	defer f.lc.Destroy()

	if !f.lc.PlayMotionByGroup("TapHead", 0, false) {
		t.Fatal("PlayMotionByGroup refused")
	}
	eventually(t, "pose disabled", func() bool { return pm.off.Load() == 1 })
	if pm.on.Load() != 0 {
		t.Fatal("pose restored before the motion finished")
	}

	pm.mu.Lock()
	finish := pm.onFinish[len(pm.onFinish)-1]
	pm.mu.Unlock()
	finish()
	if pm.on.Load() != 1 {
		t.Fatal("pose not restored after the motion finished")
	}

	// A motion that cannot start restores the pose at once.
	f.lc.PlayMotionByGroup("Missing", 4, false)
	eventually(t, "pose restored after failed start", func() bool { return pm.on.Load() == 2 })
}

func TestStopAllMotionsFallsBackToIdle(t *testing.T) {
	m := newFakeModel(MotionGroup{Name: IdleGroup, Count: 1})
	m.stopErr = errors.New("motion manager missing")
	f := newLifecycleFixture(t, validInfo(), m)
	f.render(t)
	defer f.lc.Destroy()

	m.mu.Lock()
	before := len(m.started)
	m.mu.Unlock()
	f.lc.StopAllMotions()
	want := motionCall{Group: IdleGroup, Index: 0, Priority: PriorityForce}
	eventually(t, "forced idle", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.started) > before && m.started[len(m.started)-1] == want
	})
}

func TestMotionDetailsUsesFileNames(t *testing.T) {
	m := newFakeModel(MotionGroup{Name: IdleGroup, Count: 2})
	m.files["Idle/0"] = "motions/Idle_m01.motion3.json"
	f := newLifecycleFixture(t, validInfo(), m)
	f.render(t)
	defer f.lc.Destroy()

	done := make(chan []GroupDetails, 1)
	f.lc.MotionDetails(func(d []GroupDetails) { done <- d })
	var got []GroupDetails
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("MotionDetails never answered")
	}
	want := []GroupDetails{{
		Group: IdleGroup,
		Motions: []MotionDetail{
			{Group: IdleGroup, Index: 0, FileName: "motions/Idle_m01.motion3.json", DisplayName: "Idle_m01 (索引0)"},
			{Group: IdleGroup, Index: 1, DisplayName: "动作 1"},
		},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("details (-want +got):\n%s", diff)
	}
}

func TestSurfaceTouchDrivesDelegate(t *testing.T) {
	m := newFakeModel(MotionGroup{Name: IdleGroup, Count: 1})
	f := newLifecycleFixture(t, validInfo(), m)
	s := f.render(t)
	defer f.lc.Destroy()

	s.Touch(gesture.Event{Action: gesture.ActionDown, Pointers: []gesture.Pointer{{ID: 0, X: 10, Y: 20}}})
	f.delegate.mu.Lock()
	touches := f.delegate.touches
	f.delegate.mu.Unlock()
	if touches != 1 {
		t.Fatalf("touches = %d", touches)
	}
}

func TestIdleWatchdogRestartsIdle(t *testing.T) {
	m := newFakeModel(MotionGroup{Name: IdleGroup, Count: 1})
	m.finished = true
	f := newLifecycleFixture(t, validInfo(), m)
	s := &session{lc: f.lc, delegate: f.delegate, setup: true, model: bind(m)}

	for i := 0; i < idleCheckFrames-1; i++ {
		if err := s.DrawFrame(); err != nil {
			t.Fatal(err)
		}
	}
	if m.randomCount() != 0 {
		t.Fatal("idle restarted before the check interval")
	}
	if err := s.DrawFrame(); err != nil {
		t.Fatal(err)
	}
	if m.randomCount() != 1 {
		t.Fatalf("idle restarts = %d, want 1", m.randomCount())
	}
}

func TestParseMotionFile(t *testing.T) {
	tests := []struct {
		in    string
		group string
		index int
		ok    bool
	}{
		{"motions/TapBody_m02.motion3.json", "TapBody", 2, true},
		{"Idle_3.motion3.json", "Idle", 3, true},
		{"a/b/Shake_mx.motion3.json", "Shake", 0, true},
		{"wave.motion3.json", "", 0, false},
	}
	for _, tt := range tests {
		group, index, ok := parseMotionFile(tt.in)
		if group != tt.group || index != tt.index || ok != tt.ok {
			t.Errorf("parseMotionFile(%q) = %q, %d, %v", tt.in, group, index, ok)
		}
	}
}

func TestDetailsFromFiles(t *testing.T) {
	got := detailsFromFiles([]string{
		"motions/TapBody_m02.motion3.json",
		"motions/TapBody_m01.motion3.json",
		"motions/wave.motion3.json",
	})
	want := []GroupDetails{
		{Group: "TapBody", Motions: []MotionDetail{
			{Group: "TapBody", Index: 1, FileName: "motions/TapBody_m01.motion3.json", DisplayName: "TapBody_m01 (索引1)"},
			{Group: "TapBody", Index: 2, FileName: "motions/TapBody_m02.motion3.json", DisplayName: "TapBody_m02 (索引2)"},
		}},
		{Group: "Motion", Motions: []MotionDetail{
			{Group: "Motion", Index: 2, FileName: "motions/wave.motion3.json", DisplayName: "wave (索引2)"},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("details (-want +got):\n%s", diff)
	}
}

func TestMotionGroupsProbesWithoutSettings(t *testing.T) {
	m := newFakeModel(MotionGroup{Name: IdleGroup, Count: 3}, MotionGroup{Name: "TapBody", Count: 1})
	m.groupsErr = ErrNoSettings
	got := motionGroups(bind(m))
	want := []MotionGroup{{Name: IdleGroup, Count: 3}, {Name: "TapBody", Count: 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("groups (-want +got):\n%s", diff)
	}
}

type plainModel struct {
	Model
	calls int
}

func (p *plainModel) StartMotion(string, int, Priority, func()) int {
	p.calls++
	return 7
}

func TestResolveMotionStarter(t *testing.T) {
	looped := newFakeModel(MotionGroup{Name: IdleGroup, Count: 1})
	if id := resolveMotionStarter(looped)(IdleGroup, 0, PriorityIdle, true, nil); id < 0 {
		t.Fatal("looped start failed")
	}
	if got, _ := looped.lastStarted(); !got.Loop {
		t.Fatal("loop flag dropped")
	}

	plain := &plainModel{Model: newFakeModel()}
	if id := resolveMotionStarter(plain)(IdleGroup, 0, PriorityIdle, true, nil); id != 7 || plain.calls != 1 {
		t.Fatalf("plain start = %d, calls %d", id, plain.calls)
	}

	bare := struct{ Model }{newFakeModel(MotionGroup{Name: IdleGroup, Count: 1})}
	if id := resolveMotionStarter(bare)(IdleGroup, 0, PriorityIdle, false, nil); id != -1 {
		t.Fatalf("no-op start = %d", id)
	}
}

func TestLifecycleStateString(t *testing.T) {
	if StateRendering.String() != "RENDERING" || LifecycleState(42).String() != "UNKNOWN" {
		t.Fatal("unexpected state names")
	}
}

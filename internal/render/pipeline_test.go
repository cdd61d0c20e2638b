package render

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/store"
	"github.com/MaiM-with-u/Maimchat/internal/transform"
)

type pipelineFixture struct {
	fw       *fakeFramework
	delegate *fakeDelegate
	model    *fakeModel
	clock    *fakeClock
	created  atomic.Int32
	p        *Pipeline
}

func newPipelineFixture(t *testing.T, opts PipelineOptions) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		fw:    &fakeFramework{},
		model: newFakeModel(MotionGroup{Name: IdleGroup, Count: 2}),
		clock: newFakeClock(),
	}
	f.delegate = newFakeDelegate(f.model)
	global := NewGlobal(f.fw, func() Delegate {
		f.created.Add(1)
		return f.delegate
	}, zerolog.Nop())
	global.settle = 0
	opts.Clock = f.clock.Now
	f.p = NewPipeline(global, opts, zerolog.Nop())
	return f
}

func (f *pipelineFixture) start(t *testing.T) {
	t.Helper()
	if err := f.p.SurfaceCreated(); err != nil {
		t.Fatal(err)
	}
	if err := f.p.SurfaceChanged(1080, 1920); err != nil {
		t.Fatal(err)
	}
}

func (f *pipelineFixture) draw(t *testing.T) {
	t.Helper()
	if err := f.p.DrawFrame(); err != nil {
		t.Fatalf("DrawFrame: %v", err)
	}
}

func TestPipelineLoadsRequestedModel(t *testing.T) {
	f := newPipelineFixture(t, PipelineOptions{})
	f.p.SetModelFolder(" hiyori ")
	f.p.SetBackground("/data/bg.png")
	f.start(t)

	f.draw(t)
	f.clock.Advance(time.Second)
	f.draw(t)

	if got := f.p.AppliedModel(); got != "hiyori" {
		t.Fatalf("applied = %q", got)
	}
	if f.delegate.runCount() == 0 {
		t.Fatal("model never drawn")
	}
	if f.model.randomCount() == 0 {
		t.Fatal("no idle motion started after load")
	}
	if len(f.delegate.backgrounds) != 1 || f.delegate.backgrounds[0] != "/data/bg.png" {
		t.Fatalf("backgrounds = %v", f.delegate.backgrounds)
	}
	if f.p.Resets() != 0 {
		t.Fatalf("resets = %d", f.p.Resets())
	}
}

func TestPipelineResetsOnStaleCacheFaults(t *testing.T) {
	faults := map[string]func() error{
		"released": func() error { return fmt.Errorf("draw: %w", ErrAlreadyReleased) },
		"index panic": func() error {
			var cache []int
			i := 3
			return fmt.Errorf("draw: %d", cache[i])
		},
		"nil map panic": func() error {
			var cache map[string]int
			cache["k"] = 1
			return nil
		},
	}
	for name, fault := range faults {
		t.Run(name, func(t *testing.T) {
			f := newPipelineFixture(t, PipelineOptions{})
			f.p.SetModelFolder("hiyori")
			f.start(t)
			f.draw(t)
			loads := f.delegate.loadCount()

			var fired atomic.Bool
			f.delegate.mu.Lock()
			f.delegate.runFn = func() error {
				if fired.CompareAndSwap(false, true) {
					return fault()
				}
				return nil
			}
			f.delegate.mu.Unlock()

			f.clock.Advance(time.Second)
			f.draw(t)

			if f.p.Resets() != 1 {
				t.Fatalf("resets = %d, want 1", f.p.Resets())
			}
			if _, disposes := f.fw.counts(); disposes != 1 {
				t.Fatalf("framework disposed %d times", disposes)
			}
			if f.created.Load() != 2 {
				t.Fatalf("delegate created %d times, want 2", f.created.Load())
			}
			// The model is reloaded straight away rather than on a later frame.
			if f.delegate.loadCount() != loads+1 || f.p.AppliedModel() != "hiyori" {
				t.Fatalf("loads = %d (was %d), applied = %q", f.delegate.loadCount(), loads, f.p.AppliedModel())
			}
		})
	}
}

func TestPipelineOtherErrorsAreFrameFailures(t *testing.T) {
	f := newPipelineFixture(t, PipelineOptions{})
	f.p.SetModelFolder("hiyori")
	f.start(t)
	f.draw(t)

	boom := errors.New("gl error 0x505")
	f.delegate.mu.Lock()
	f.delegate.runFn = func() error { return boom }
	f.delegate.mu.Unlock()

	if err := f.p.DrawFrame(); !errors.Is(err, boom) {
		t.Fatalf("DrawFrame = %v, want %v", err, boom)
	}
	if f.p.Resets() != 0 {
		t.Fatalf("resets = %d", f.p.Resets())
	}
}

func TestPipelineResetsAfterRepeatedLoadFailures(t *testing.T) {
	f := newPipelineFixture(t, PipelineOptions{LoadFailureLimit: 3})
	f.delegate.loadErr = errors.New("moc3 consistency check failed")
	f.p.SetModelFolder("broken")
	f.start(t)

	for i := 0; i < 3 && f.p.Resets() == 0; i++ {
		f.draw(t)
	}
	if f.p.Resets() == 0 {
		t.Fatal("repeated load failures did not reset the pipeline")
	}
	if startups, _ := f.fw.counts(); startups < 2 {
		t.Fatalf("framework started %d times", startups)
	}
	if f.p.AppliedModel() != "" {
		t.Fatalf("applied = %q", f.p.AppliedModel())
	}
}

func TestPipelineResetsWhenModelNeverBecomesReady(t *testing.T) {
	f := newPipelineFixture(t, PipelineOptions{RetriesBeforeReset: 5})
	f.model.notReady = true
	f.p.SetModelFolder("hiyori")
	f.start(t)

	frames := 0
	for frames < 20 && f.p.Resets() == 0 {
		f.draw(t)
		frames++
		f.clock.Advance(2 * time.Second)
	}
	// One frame for the first load, then one retry per frame.
	if frames != 6 {
		t.Fatalf("reset after %d frames, want 6", frames)
	}
	if f.delegate.runCount() != 0 {
		t.Fatal("drew a model that was never ready")
	}
}

func TestPipelineConcurrentResetCollapses(t *testing.T) {
	f := newPipelineFixture(t, PipelineOptions{})
	f.start(t)
	f.p.resetting.Store(true)
	f.p.ForceReset("manual")
	if f.p.Resets() != 0 {
		t.Fatal("reset ran while another was in flight")
	}
	f.p.resetting.Store(false)
	f.p.ForceReset("manual")
	if f.p.Resets() != 1 {
		t.Fatalf("resets = %d", f.p.Resets())
	}
}

func TestPipelineRetriesFailedReinitialize(t *testing.T) {
	f := newPipelineFixture(t, PipelineOptions{})
	f.p.SetModelFolder("hiyori")
	f.start(t)
	f.draw(t)
	f.clock.Advance(time.Second)
	f.draw(t)
	runs := f.delegate.runCount()
	if runs == 0 {
		t.Fatal("model never drawn before the reset")
	}

	f.fw.failNextStartUps(1)
	f.p.ForceReset("manual")
	if f.fw.Initialized() {
		t.Fatal("framework reported initialized after a failed start-up")
	}

	// Inside the retry interval the failure is reported, not swallowed.
	if err := f.p.DrawFrame(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("DrawFrame = %v, want ErrNotReady", err)
	}
	if f.delegate.runCount() != runs {
		t.Fatal("drew without a framework")
	}

	f.clock.Advance(time.Second)
	f.draw(t)
	if !f.fw.Initialized() {
		t.Fatal("framework not restarted on the retry interval")
	}
	if f.p.AppliedModel() != "hiyori" {
		t.Fatalf("applied = %q after recovery", f.p.AppliedModel())
	}

	f.clock.Advance(time.Second)
	f.draw(t)
	if f.delegate.runCount() <= runs {
		t.Fatalf("runs = %d, want more than %d after recovery", f.delegate.runCount(), runs)
	}
}

func TestPipelineReleasedSurfaceIsNotAnError(t *testing.T) {
	f := newPipelineFixture(t, PipelineOptions{})
	f.start(t)
	f.p.Release()
	f.draw(t)
}

func TestTouchPersistsSanitizedViewMatrix(t *testing.T) {
	transforms := transform.NewStore(store.NewMemoryStore(), zerolog.Nop())
	f := newPipelineFixture(t, PipelineOptions{Transforms: transforms})
	f.start(t)

	bad := make([]float32, transform.Size)
	bad[0] = float32(math.NaN())
	f.delegate.mu.Lock()
	f.delegate.view = bad
	f.delegate.mu.Unlock()

	touch := f.p.Touch()
	touch.SingleDown(0.1, 0.2)
	touch.SingleUp(0.1, 0.2)

	f.delegate.mu.Lock()
	views := append([]transform.Matrix(nil), f.delegate.setViews...)
	f.delegate.mu.Unlock()
	if len(views) != 1 || views[0] != transform.Identity() {
		t.Fatalf("view matrices applied = %v", views)
	}
	m, ok, err := transforms.Get(t.Context(), transform.WallpaperKey)
	if err != nil || !ok || m != transform.Identity() {
		t.Fatalf("stored = %v, %v, %v", m, ok, err)
	}
}

package gesture

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
)

type recorder struct {
	calls []string
}

func (r *recorder) SingleDown(x, y float32) { r.add("down %g,%g", x, y) }
func (r *recorder) SingleMove(x, y float32) { r.add("move %g,%g", x, y) }
func (r *recorder) SingleUp(x, y float32)   { r.add("up %g,%g", x, y) }
func (r *recorder) MultiStart(x1, y1, x2, y2 float32) {
	r.add("mstart %g,%g %g,%g", x1, y1, x2, y2)
}
func (r *recorder) MultiMove(x1, y1, x2, y2 float32) {
	r.add("mmove %g,%g %g,%g", x1, y1, x2, y2)
}
func (r *recorder) MultiEnd() { r.add("mend") }

func (r *recorder) add(format string, args ...any) {
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func one(action Action, t int, id int, x, y float32) Event {
	return Event{Action: action, Time: ms(t), Pointers: []Pointer{{ID: id, X: x, Y: y}}}
}

func two(action Action, t, index int, a, b Pointer) Event {
	return Event{Action: action, Time: ms(t), Index: index, Pointers: []Pointer{a, b}}
}

func TestSingleTouchJitterRejected(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, zerolog.Nop())

	d.Dispatch(one(ActionDown, 0, 0, 0, 0))
	d.Dispatch(one(ActionMove, 10, 0, 300, 0))  // too far, too fast
	d.Dispatch(one(ActionMove, 20, 0, 50, 0))   // plausible
	d.Dispatch(one(ActionMove, 200, 0, 400, 0)) // far but slow
	d.Dispatch(one(ActionUp, 210, 0, 400, 0))

	want := []string{"down 0,0", "move 50,0", "move 400,0", "up 400,0"}
	if diff := cmp.Diff(want, rec.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestPinchRatioBounds(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, zerolog.Nop())

	d.Dispatch(one(ActionDown, 0, 0, 100, 100))
	d.Dispatch(two(ActionPointerDown, 5, 1, Pointer{0, 100, 100}, Pointer{1, 200, 100}))
	if !d.MultiTouch() {
		t.Fatal("expected multi-touch after second pointer")
	}

	// distance 100 -> 300: ratio 3 within the short window
	d.Dispatch(two(ActionMove, 10, 0, Pointer{0, 0, 100}, Pointer{1, 300, 100}))
	// distance 100 -> 40: ratio 0.4
	d.Dispatch(two(ActionMove, 20, 0, Pointer{0, 130, 100}, Pointer{1, 170, 100}))
	// distance 100 -> 150: ratio 1.5, accepted
	d.Dispatch(two(ActionMove, 30, 0, Pointer{0, 75, 100}, Pointer{1, 225, 100}))
	// center jumps 400px
	d.Dispatch(two(ActionMove, 40, 0, Pointer{0, 475, 100}, Pointer{1, 625, 100}))

	want := []string{
		"down 100,100",
		"mstart 100,100 200,100",
		"mmove 75,100 225,100",
	}
	if diff := cmp.Diff(want, rec.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestPairCenterJumpRejectedAtSteadyDistance(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, zerolog.Nop())

	d.Dispatch(one(ActionDown, 0, 0, 100, 100))
	d.Dispatch(two(ActionPointerDown, 5, 1, Pointer{0, 100, 100}, Pointer{1, 200, 100}))

	// Both fingers slide together, so the pinch ratio stays at 1 and only
	// the center displacement decides.
	d.Dispatch(two(ActionMove, 10, 0, Pointer{0, 400, 100}, Pointer{1, 500, 100}))  // center +300
	d.Dispatch(two(ActionMove, 20, 0, Pointer{0, 350, 100}, Pointer{1, 450, 100}))  // center +250
	d.Dispatch(two(ActionMove, 30, 0, Pointer{0, 350, 390}, Pointer{1, 450, 390}))  // center +290 vertically
	d.Dispatch(two(ActionMove, 200, 0, Pointer{0, 350, 690}, Pointer{1, 450, 690})) // +300 but slow

	want := []string{
		"down 100,100",
		"mstart 100,100 200,100",
		"mmove 350,100 450,100",
		"mmove 350,690 450,690",
	}
	if diff := cmp.Diff(want, rec.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestPrimaryLiftPromotesSecondary(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, zerolog.Nop())

	d.Dispatch(one(ActionDown, 0, 3, 10, 10))
	d.Dispatch(two(ActionPointerDown, 5, 1, Pointer{3, 10, 10}, Pointer{7, 50, 50}))
	d.Dispatch(two(ActionPointerUp, 100, 0, Pointer{3, 10, 10}, Pointer{7, 55, 55}))

	if d.MultiTouch() {
		t.Fatal("expected multi-touch to end")
	}

	// Only pointer 7 remains and drives single moves now.
	d.Dispatch(one(ActionMove, 200, 7, 60, 60))
	d.Dispatch(one(ActionUp, 210, 7, 60, 60))

	want := []string{
		"down 10,10",
		"mstart 10,10 50,50",
		"mend",
		"down 55,55",
		"move 60,60",
		"up 60,60",
	}
	if diff := cmp.Diff(want, rec.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestSecondaryLiftRestartsSingle(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, zerolog.Nop())

	d.Dispatch(one(ActionDown, 0, 0, 1, 1))
	d.Dispatch(two(ActionPointerDown, 5, 1, Pointer{0, 1, 1}, Pointer{1, 9, 9}))
	d.Dispatch(two(ActionPointerUp, 100, 1, Pointer{0, 2, 2}, Pointer{1, 9, 9}))

	want := []string{"down 1,1", "mstart 1,1 9,9", "mend", "down 2,2"}
	if diff := cmp.Diff(want, rec.calls); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

func TestThirdPointerIgnored(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, zerolog.Nop())

	d.Dispatch(one(ActionDown, 0, 0, 1, 1))
	d.Dispatch(two(ActionPointerDown, 5, 1, Pointer{0, 1, 1}, Pointer{1, 9, 9}))
	d.Dispatch(Event{
		Action: ActionPointerDown, Time: ms(6), Index: 2,
		Pointers: []Pointer{{0, 1, 1}, {1, 9, 9}, {2, 20, 20}},
	})

	if len(rec.calls) != 2 {
		t.Fatalf("expected third pointer to be ignored, got %v", rec.calls)
	}
}

func TestCancelEndsMultiTouch(t *testing.T) {
	rec := &recorder{}
	d := NewDispatcher(rec, zerolog.Nop())

	d.Dispatch(one(ActionDown, 0, 0, 1, 1))
	d.Dispatch(two(ActionPointerDown, 5, 1, Pointer{0, 1, 1}, Pointer{1, 9, 9}))
	d.Dispatch(Event{Action: ActionCancel, Time: ms(10)})

	if d.MultiTouch() {
		t.Fatal("expected reset after cancel")
	}
	if last := rec.calls[len(rec.calls)-1]; last != "mend" {
		t.Fatalf("expected mend on cancel, got %q", last)
	}

	// Moves after cancel go nowhere.
	d.Dispatch(one(ActionMove, 20, 0, 5, 5))
	if len(rec.calls) != 3 {
		t.Fatalf("unexpected calls after cancel: %v", rec.calls)
	}
}

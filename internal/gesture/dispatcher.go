// Package gesture turns raw multi-pointer input into single-touch and
// two-finger callbacks, rejecting sensor glitches that would jump the camera.
package gesture

import (
	"math"
	"time"

	"github.com/rs/zerolog"
)

// Jitter thresholds.
const (
	ShortWindow          = 45 * time.Millisecond
	MaxSingleDelta       = 240
	MaxMultiCenterDelta  = 280
	MaxMultiRatio        = 2.2
	MinMultiRatio        = 0.45
	minDistanceEps       = 5
	noPointer            = -1
	moveLogMinIntervalMs = 32
)

// Action is the kind of a touch event.
type Action int

const (
	ActionDown Action = iota
	ActionPointerDown
	ActionMove
	ActionPointerUp
	ActionUp
	ActionCancel
)

// Pointer is one active pointer in an event.
type Pointer struct {
	ID   int
	X, Y float32
}

// Event is one touch event. Index names the pointer that triggered a
// down/up action. Time is a monotonic event timestamp.
type Event struct {
	Action   Action
	Index    int
	Pointers []Pointer
	Time     time.Duration
}

func (e Event) find(id int) int {
	if id == noPointer {
		return -1
	}
	for i, p := range e.Pointers {
		if p.ID == id {
			return i
		}
	}
	return -1
}

func (e Event) at(i int) (float32, float32) {
	if i < 0 || i >= len(e.Pointers) {
		return 0, 0
	}
	return e.Pointers[i].X, e.Pointers[i].Y
}

// Handler receives normalized gestures.
type Handler interface {
	SingleDown(x, y float32)
	SingleMove(x, y float32)
	SingleUp(x, y float32)
	MultiStart(x1, y1, x2, y2 float32)
	MultiMove(x1, y1, x2, y2 float32)
	MultiEnd()
}

// Dispatcher tracks a primary and an optional secondary pointer.
// It is not safe for concurrent use; feed it from one input goroutine.
type Dispatcher struct {
	h      Handler
	logger zerolog.Logger

	primary, secondary int
	multi              bool

	single struct {
		x, y float32
		t    time.Duration
		ok   bool
	}
	pair struct {
		cx, cy, dist float32
		t            time.Duration
		ok           bool
	}
	lastMoveLog time.Duration
}

// NewDispatcher creates a dispatcher forwarding to h.
func NewDispatcher(h Handler, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{h: h, logger: logger, primary: noPointer, secondary: noPointer}
}

// Dispatch processes one event.
func (d *Dispatcher) Dispatch(ev Event) {
	switch ev.Action {
	case ActionDown:
		d.down(ev)
	case ActionPointerDown:
		d.pointerDown(ev)
	case ActionMove:
		d.move(ev)
	case ActionPointerUp:
		d.pointerUp(ev)
	case ActionUp:
		x, y := ev.at(ev.Index)
		d.h.SingleUp(x, y)
		d.reset()
	case ActionCancel:
		d.reset()
	}
}

// MultiTouch reports whether a two-finger gesture is active.
func (d *Dispatcher) MultiTouch() bool {
	return d.multi
}

func (d *Dispatcher) down(ev Event) {
	if len(ev.Pointers) == 0 {
		return
	}
	d.primary = ev.Pointers[0].ID
	d.secondary = noPointer
	d.multi = false
	x, y := ev.at(0)
	d.recordSingle(ev.Time, x, y)
	d.h.SingleDown(x, y)
}

func (d *Dispatcher) pointerDown(ev Event) {
	if ev.Index < 0 || ev.Index >= len(ev.Pointers) {
		return
	}
	id := ev.Pointers[ev.Index].ID
	if id == d.primary || d.secondary != noPointer {
		return
	}
	d.secondary = id

	pi := ev.find(d.primary)
	if pi == -1 && len(ev.Pointers) > 0 {
		d.primary = ev.Pointers[0].ID
		pi = ev.find(d.primary)
	}
	si := ev.find(d.secondary)
	if pi == -1 || si == -1 || pi == si {
		d.secondary = noPointer
		return
	}

	d.multi = true
	px, py := ev.at(pi)
	sx, sy := ev.at(si)
	d.logger.Debug().Int("primary", d.primary).Int("secondary", d.secondary).Msg("multi start")
	d.recordPair(ev.Time, px, py, sx, sy)
	d.h.MultiStart(px, py, sx, sy)
}

func (d *Dispatcher) move(ev Event) {
	if d.multi && d.primary != noPointer && d.secondary != noPointer {
		pi, si := ev.find(d.primary), ev.find(d.secondary)
		if pi != -1 && si != -1 {
			px, py := ev.at(pi)
			sx, sy := ev.at(si)
			if d.ignorePair(ev.Time, px, py, sx, sy) {
				return
			}
			d.traceMove(ev.Time, "multi move")
			d.h.MultiMove(px, py, sx, sy)
			d.recordPair(ev.Time, px, py, sx, sy)
			return
		}
	}

	pi := ev.find(d.primary)
	if pi == -1 {
		return
	}
	x, y := ev.at(pi)
	if d.ignoreSingle(ev.Time, x, y) {
		return
	}
	d.traceMove(ev.Time, "single move")
	d.h.SingleMove(x, y)
}

func (d *Dispatcher) pointerUp(ev Event) {
	if ev.Index < 0 || ev.Index >= len(ev.Pointers) {
		return
	}
	id := ev.Pointers[ev.Index].ID

	switch id {
	case d.secondary:
		d.endMulti()
		d.secondary = noPointer
		if pi := ev.find(d.primary); pi != -1 {
			x, y := ev.at(pi)
			d.recordSingle(ev.Time, x, y)
			d.h.SingleDown(x, y)
		}
	case d.primary:
		d.endMulti()
		if d.secondary != noPointer {
			d.primary, d.secondary = d.secondary, noPointer
			if pi := ev.find(d.primary); pi != -1 {
				x, y := ev.at(pi)
				d.recordSingle(ev.Time, x, y)
				d.h.SingleDown(x, y)
			}
			return
		}
		x, y := ev.at(ev.Index)
		d.h.SingleUp(x, y)
		d.reset()
	}
}

func (d *Dispatcher) reset() {
	d.primary = noPointer
	d.secondary = noPointer
	d.endMulti()
	d.single.ok = false
	d.pair.ok = false
}

func (d *Dispatcher) endMulti() {
	if d.multi {
		d.h.MultiEnd()
	}
	d.multi = false
	d.pair.ok = false
}

// ignoreSingle reports a glitch: a jump over MaxSingleDelta inside ShortWindow.
func (d *Dispatcher) ignoreSingle(now time.Duration, x, y float32) bool {
	if !d.single.ok {
		d.recordSingle(now, x, y)
		return false
	}
	dt := now - d.single.t
	delta := hypot(x-d.single.x, y-d.single.y)
	if dt >= 0 && dt < ShortWindow && delta > MaxSingleDelta {
		d.logger.Warn().Dur("dt", dt).Float32("delta", delta).Msg("ignore single move")
		return true
	}
	d.recordSingle(now, x, y)
	return false
}

// ignorePair reports a glitch in a two-finger move: a center jump or a
// pinch ratio outside [MinMultiRatio, MaxMultiRatio] inside ShortWindow,
// or any non-finite measurement.
func (d *Dispatcher) ignorePair(now time.Duration, px, py, sx, sy float32) bool {
	if !d.pair.ok {
		d.recordPair(now, px, py, sx, sy)
		return false
	}
	cx, cy := (px+sx)*0.5, (py+sy)*0.5
	dist := hypot(px-sx, py-sy)
	dt := now - d.pair.t
	centerDelta := hypot(cx-d.pair.cx, cy-d.pair.cy)
	ratio := float32(1)
	if d.pair.dist > minDistanceEps {
		ratio = dist / d.pair.dist
	}

	if dt >= 0 && dt < ShortWindow &&
		(centerDelta > MaxMultiCenterDelta || ratio > MaxMultiRatio || ratio < MinMultiRatio) {
		d.logger.Warn().Dur("dt", dt).Float32("center_delta", centerDelta).Float32("ratio", ratio).Msg("ignore multi move")
		return true
	}
	if !finite(ratio) || !finite(centerDelta) {
		d.logger.Warn().Msg("ignore multi move with non-finite values")
		return true
	}
	return false
}

func (d *Dispatcher) recordSingle(t time.Duration, x, y float32) {
	d.single.x, d.single.y, d.single.t, d.single.ok = x, y, t, true
}

func (d *Dispatcher) recordPair(t time.Duration, px, py, sx, sy float32) {
	d.pair.cx = (px + sx) * 0.5
	d.pair.cy = (py + sy) * 0.5
	d.pair.dist = hypot(px-sx, py-sy)
	d.pair.t = t
	d.pair.ok = true
}

func (d *Dispatcher) traceMove(now time.Duration, msg string) {
	if now-d.lastMoveLog < moveLogMinIntervalMs*time.Millisecond {
		return
	}
	d.lastMoveLog = now
	d.logger.Trace().Msg(msg)
}

func hypot(dx, dy float32) float32 {
	return float32(math.Hypot(float64(dx), float64(dy)))
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

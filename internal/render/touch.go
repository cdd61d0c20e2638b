package render

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/MaiM-with-u/Maimchat/internal/gesture"
	"github.com/MaiM-with-u/Maimchat/internal/logging"
	"github.com/MaiM-with-u/Maimchat/internal/transform"
)

const transformTimeout = 2 * time.Second

// TouchForwarder is a gesture.Handler that drives the camera of whichever
// delegate is current. When a gesture ends the resulting view matrix is
// persisted under the surface's transform key.
type TouchForwarder struct {
	current    func() Delegate
	transforms *transform.Store
	key        string
	logger     zerolog.Logger
	throttle   *logging.Throttle
}

var _ gesture.Handler = (*TouchForwarder)(nil)

// NewTouchForwarder creates a forwarder. transforms may be nil.
func NewTouchForwarder(current func() Delegate, transforms *transform.Store, key string, logger zerolog.Logger) *TouchForwarder {
	return &TouchForwarder{
		current:    current,
		transforms: transforms,
		key:        key,
		logger:     logging.Module(logger, "gesture"),
		throttle:   logging.NewThrottle(200 * time.Millisecond),
	}
}

func (f *TouchForwarder) SingleDown(x, y float32) {
	f.logger.Debug().Float32("x", x).Float32("y", y).Msg("single down")
	if d := f.current(); d != nil {
		d.TouchBegan(x, y)
	}
}

func (f *TouchForwarder) SingleMove(x, y float32) {
	if f.throttle.Allow("single_move") {
		f.logger.Trace().Float32("x", x).Float32("y", y).Msg("single move")
	}
	if d := f.current(); d != nil {
		d.TouchMoved(x, y)
	}
}

func (f *TouchForwarder) SingleUp(x, y float32) {
	f.logger.Debug().Float32("x", x).Float32("y", y).Msg("single up")
	if d := f.current(); d != nil {
		d.TouchEnded(x, y)
		f.persist(d)
	}
}

func (f *TouchForwarder) MultiStart(x1, y1, x2, y2 float32) {
	f.logger.Debug().Msg("multi start")
	if d := f.current(); d != nil {
		d.MultiTouchBegan(x1, y1, x2, y2)
	}
}

func (f *TouchForwarder) MultiMove(x1, y1, x2, y2 float32) {
	if f.throttle.Allow("multi_move") {
		f.logger.Trace().Msg("multi move")
	}
	if d := f.current(); d != nil {
		d.MultiTouchMoved(x1, y1, x2, y2)
	}
}

func (f *TouchForwarder) MultiEnd() {
	f.logger.Debug().Msg("multi end")
	if d := f.current(); d != nil {
		f.persist(d)
	}
}

func (f *TouchForwarder) persist(d Delegate) {
	if f.transforms == nil {
		return
	}
	m := d.ViewMatrix()
	if len(m) != transform.Size {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), transformTimeout)
	defer cancel()
	res, err := f.transforms.Save(ctx, f.key, m)
	if err != nil {
		f.logger.Warn().Err(err).Str("key", f.key).Msg("persist view matrix failed")
		return
	}
	if res.Mutated {
		d.SetViewMatrix(res.Matrix)
	}
}

// restoreViewMatrix applies the persisted matrix for key, if any.
func restoreViewMatrix(d Delegate, transforms *transform.Store, key string, logger zerolog.Logger) {
	if transforms == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), transformTimeout)
	defer cancel()
	m, ok, err := transforms.Get(ctx, key)
	if err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("load view matrix failed")
		return
	}
	if ok {
		d.SetViewMatrix(m)
	}
}

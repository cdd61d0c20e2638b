// Package render orchestrates avatar rendering sessions on top of a vendor
// rendering SDK. The SDK itself stays behind the Framework, Delegate and
// Model interfaces; everything here is lifecycle, threading and recovery.
package render

import (
	"errors"

	"github.com/MaiM-with-u/Maimchat/internal/model"
	"github.com/MaiM-with-u/Maimchat/internal/transform"
)

// Priority is the motion priority understood by the SDK.
type Priority int

const (
	PriorityNone Priority = iota
	PriorityIdle
	PriorityNormal
	PriorityForce
)

// IdleGroup is the conventional idle motion group.
const IdleGroup = "Idle"

var (
	// ErrAlreadyReleased is reported by adapters when a model was disposed
	// while a frame was still using it.
	ErrAlreadyReleased = errors.New("already released")

	// ErrDestroyed is returned by operations on a destroyed lifecycle.
	ErrDestroyed = errors.New("render lifecycle destroyed")

	// ErrNoSettings is returned by Model.MotionGroups when the model
	// settings cannot be read.
	ErrNoSettings = errors.New("model settings unavailable")

	// ErrNotReady is returned by Pipeline.DrawFrame while a surface exists
	// but the framework could not be brought back after a reset.
	ErrNotReady = errors.New("renderer not ready")
)

// ValidationError lists why a model folder cannot be rendered.
type ValidationError = model.ValidationError

// Framework is the process-wide native framework.
type Framework interface {
	Initialized() bool
	StartUp() error
	Dispose() error
}

// Delegate is the SDK's process-wide view delegate. Methods other than the
// touch handlers are only called from a render thread.
type Delegate interface {
	Start() error
	Stop() error
	Destroy() error

	// Ready reports whether the delegate has a context, a view and a
	// texture manager.
	Ready() bool

	SurfaceCreated() error
	SurfaceChanged(width, height int) error

	// Run updates and draws one frame.
	Run() error

	SetClearColor(r, g, b, a float32)
	SetTransformKey(key string)
	ViewMatrix() []float32
	SetViewMatrix(m transform.Matrix)

	// ApplyBackground uploads the image at path as the background texture.
	// A blank path restores the default background.
	ApplyBackground(path string) error

	LoadModel(folder string) (Model, error)
	ReleaseModels() error

	TouchBegan(x, y float32)
	TouchMoved(x, y float32)
	TouchEnded(x, y float32)
	MultiTouchBegan(x1, y1, x2, y2 float32)
	MultiTouchMoved(x1, y1, x2, y2 float32)
}

// MotionGroup is a named motion group and the number of motions in it.
type MotionGroup struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Model is one loaded SDK model. Motion start calls return a motion id,
// negative when nothing started.
type Model interface {
	// Ready reports whether the model has renderable data.
	Ready() bool
	MotionFinished() bool
	StartRandomMotion(group string, priority Priority) int
	StopAllMotions() error
	MotionGroups() ([]MotionGroup, error)
	MotionFile(group string, index int) (string, error)
}

// LoopedMotionStarter is implemented by SDK builds that can loop a motion.
type LoopedMotionStarter interface {
	StartMotionLooped(group string, index int, priority Priority, loop, loopFadeIn bool, onFinished func()) int
}

// MotionStarter is the plain motion start overload.
type MotionStarter interface {
	StartMotion(group string, index int, priority Priority, onFinished func()) int
}

// PoseToggler is implemented by models whose pose can be suspended while a
// forced motion plays.
type PoseToggler interface {
	DisablePose() bool
	EnablePose()
}

type startFunc func(group string, index int, priority Priority, loop bool, onFinished func()) int

// resolveMotionStarter picks the best available start overload: looped,
// then plain (which ignores loop), then a no-op.
func resolveMotionStarter(m Model) startFunc {
	if s, ok := m.(LoopedMotionStarter); ok {
		return func(group string, index int, priority Priority, loop bool, onFinished func()) int {
			return s.StartMotionLooped(group, index, priority, loop, loop, onFinished)
		}
	}
	if s, ok := m.(MotionStarter); ok {
		return func(group string, index int, priority Priority, _ bool, onFinished func()) int {
			return s.StartMotion(group, index, priority, onFinished)
		}
	}
	return func(string, int, Priority, bool, func()) int { return -1 }
}

// boundModel pairs a model with its start overload, resolved once when the
// model is loaded.
type boundModel struct {
	Model
	start startFunc
}

func bind(m Model) *boundModel {
	if m == nil {
		return nil
	}
	return &boundModel{Model: m, start: resolveMotionStarter(m)}
}

const idleIndices = 10

// triggerIdle starts a random idle motion, then Idle[0..9], then (when
// allowed) any motion of the first declared group.
func (m *boundModel) triggerIdle(firstGroupFallback bool) (string, int, bool) {
	if m.StartRandomMotion(IdleGroup, PriorityIdle) >= 0 {
		return IdleGroup, -1, true
	}
	for i := 0; i < idleIndices; i++ {
		if m.start(IdleGroup, i, PriorityIdle, true, nil) >= 0 {
			return IdleGroup, i, true
		}
	}
	if !firstGroupFallback {
		return "", 0, false
	}
	groups, err := m.MotionGroups()
	if err != nil || len(groups) == 0 {
		return "", 0, false
	}
	first := groups[0]
	for i := 0; i < first.Count; i++ {
		if m.start(first.Name, i, PriorityIdle, true, nil) >= 0 {
			return first.Name, i, true
		}
	}
	return "", 0, false
}

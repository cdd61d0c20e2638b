package render

import (
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// PanicError is a panic recovered from an SDK or renderer callback.
type PanicError struct {
	Stage Stage
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Stage, e.Value)
}

// Unwrap exposes the panic value when it is an error, so runtime errors
// can be classified.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// guard runs fn and turns a panic into a *PanicError.
func guard(stage Stage, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Stage: stage, Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

// Fault reasons that force an immediate pipeline reset.
const (
	faultReleased     = "model released mid-frame"
	faultIndexCache   = "renderer index cache invalid"
	faultMissingCache = "renderer cache missing"
)

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}

// classifyFault reports whether err means the SDK's internal caches are
// stale and the pipeline must be reset without waiting for a threshold.
func classifyFault(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	if errors.Is(err, ErrAlreadyReleased) {
		return faultReleased, true
	}
	root := rootCause(err)
	if strings.Contains(strings.ToLower(root.Error()), "already released") {
		return faultReleased, true
	}
	var rt runtime.Error
	if errors.As(err, &rt) {
		msg := rt.Error()
		switch {
		case strings.Contains(msg, "index out of range"):
			return faultIndexCache, true
		case strings.Contains(msg, "nil pointer dereference"), strings.Contains(msg, "nil map"):
			return faultMissingCache, true
		}
	}
	return "", false
}

// Package transform keeps per-surface camera matrices numerically sane.
package transform

import (
	"fmt"
	"math"
)

// Size is the number of cells in a view matrix (column-major 4x4).
const Size = 16

// Matrix is a column-major 4x4 view matrix.
type Matrix [Size]float32

// Sanitizer limits.
const (
	ScaleMin = 0.8
	ScaleMax = 2.0

	scaleEps         = 1e-3
	aspectEps        = 0.02
	translatePadding = 1.1

	// Logical view bounds
	viewRight = 2.0
	viewTop   = 2.0
)

// Cells that must be zero in a pure scale+translate matrix.
var zeroIndices = [...]int{1, 2, 3, 4, 6, 7, 8, 9, 11, 14}

// Identity returns the identity matrix.
func Identity() Matrix {
	return Matrix{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Result is the outcome of one Sanitize call.
type Result struct {
	Matrix  Matrix
	Mutated bool
	Details []string
}

// Sanitize returns a canonical copy of src: non-finite input becomes the
// identity, X/Y scale is harmonised and clamped, translation is clamped to
// the padded view bounds and shear/projection cells are reset. src itself
// is never modified. Inputs of the wrong length yield the identity.
func Sanitize(src []float32) Result {
	if len(src) != Size {
		return Result{
			Matrix:  Identity(),
			Mutated: true,
			Details: []string{fmt.Sprintf("length %d -> identity", len(src))},
		}
	}

	var work Matrix
	copy(work[:], src)
	res := Result{}

	for _, v := range work {
		if !finite(v) {
			work = Identity()
			res.Mutated = true
			res.Details = append(res.Details, "nonFinite -> identity")
			break
		}
	}

	sx, sy := work[0], work[5]
	h := (sx + sy) * 0.5
	if !finite(h) {
		h = 1
	}
	h = clamp(h, ScaleMin, ScaleMax)
	if abs(sx-h) > aspectEps || abs(sy-h) > aspectEps {
		work[0], work[5] = h, h
		res.Mutated = true
		res.Details = append(res.Details, fmt.Sprintf("scale harmonised from (%g,%g)", sx, sy))
	}

	limitX := float32(viewRight * translatePadding) * h
	limitY := float32(viewTop * translatePadding) * h
	tx := clamp(work[12], -limitX, limitX)
	ty := clamp(work[13], -limitY, limitY)
	if abs(work[12]-tx) > scaleEps || abs(work[13]-ty) > scaleEps {
		work[12], work[13] = tx, ty
		res.Mutated = true
		res.Details = append(res.Details, "translate clamped")
	}

	for _, idx := range zeroIndices {
		if abs(work[idx]) >= scaleEps {
			work[idx] = 0
			res.Mutated = true
			res.Details = append(res.Details, fmt.Sprintf("index%d->0", idx))
		}
	}
	if abs(work[10]-1) > scaleEps {
		work[10] = 1
		res.Mutated = true
		res.Details = append(res.Details, "m22 reset")
	}
	if abs(work[15]-1) > scaleEps {
		work[15] = 1
		res.Mutated = true
		res.Details = append(res.Details, "m33 reset")
	}

	res.Matrix = work
	return res
}

func finite(v float32) bool {
	f := float64(v)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func abs(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

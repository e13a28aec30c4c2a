// Region of interest handling for the processor
package core

import (
	"fmt"
	"image"

	"saimfit/internal/config"
)

// Selection is the set of pixels a run fits. Pixels of the stack outside
// the selection are reported as skipped.
type Selection struct {
	Bounds image.Rectangle
}

// NewSelection clips r to a width x height stack. An empty region selects
// everything.
func NewSelection(r config.Region, width, height int) (Selection, error) {
	all := image.Rect(0, 0, width, height)
	if r.Empty() {
		return Selection{Bounds: all}, nil
	}
	b := r.Rect().Intersect(all)
	if b.Empty() {
		return Selection{}, &ShapeError{Reason: fmt.Sprintf("region %v lies outside the %dx%d stack", r.Rect(), width, height)}
	}
	return Selection{Bounds: b}, nil
}

// Contains reports whether pixel (x, y) is selected.
func (s Selection) Contains(x, y int) bool {
	return image.Pt(x, y).In(s.Bounds)
}

// Size returns the number of selected pixels.
func (s Selection) Size() int {
	return s.Bounds.Dx() * s.Bounds.Dy()
}

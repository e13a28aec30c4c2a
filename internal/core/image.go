// Input image stack: one frame per incidence angle
package core

import (
	"fmt"
)

// maxDimension guards against absurd allocations from corrupt headers.
const maxDimension = 16384

// Source is a 2D grid of per-pixel intensity series.
type Source interface {
	// Dims returns the width, height and number of frames.
	Dims() (width, height, depth int)
	// Series writes the intensities of pixel (x, y) into dst, which has
	// length depth.
	Series(dst []float64, x, y int)
}

// ShapeError reports a stack whose dimensions are inconsistent, either
// internally or with the fit configuration.
type ShapeError struct {
	Reason string
	Err    error
}

func (e *ShapeError) Error() string {
	return "invalid input stack: " + e.Reason
}

func (e *ShapeError) Unwrap() error { return e.Err }

// Stack holds frames in row-major order, frame i being the image taken at
// the i-th angle.
type Stack struct {
	width, height int
	frames        [][]float32
}

// NewStack wraps frames without copying. Shape problems are reported by
// Validate, not here, so a malformed stack still reaches the run and fails
// it.
func NewStack(width, height int, frames [][]float32) *Stack {
	return &Stack{width: width, height: height, frames: frames}
}

// NewStackFromSeries builds a stack from per-pixel series indexed [y][x].
func NewStackFromSeries(series [][][]float64) *Stack {
	height := len(series)
	if height == 0 {
		return &Stack{}
	}
	width := len(series[0])
	depth := 0
	if width > 0 {
		depth = len(series[0][0])
	}
	frames := make([][]float32, depth)
	for i := range frames {
		frames[i] = make([]float32, width*height)
	}
	for y, row := range series {
		for x, s := range row {
			for i := 0; i < depth && i < len(s); i++ {
				frames[i][y*width+x] = float32(s[i])
			}
		}
	}
	return &Stack{width: width, height: height, frames: frames}
}

func (s *Stack) Dims() (int, int, int) {
	return s.width, s.height, len(s.frames)
}

func (s *Stack) Series(dst []float64, x, y int) {
	i := y*s.width + x
	for f, frame := range s.frames {
		dst[f] = float64(frame[i])
	}
}

// Frame returns frame i.
func (s *Stack) Frame(i int) []float32 {
	return s.frames[i]
}

// Validate checks that every frame has width*height samples.
func (s *Stack) Validate() error {
	if s.width <= 0 || s.height <= 0 {
		return &ShapeError{Reason: fmt.Sprintf("invalid dimensions: %dx%d", s.width, s.height)}
	}
	if s.width > maxDimension || s.height > maxDimension {
		return &ShapeError{Reason: fmt.Sprintf("stack too large: %dx%d (max: %d)", s.width, s.height, maxDimension)}
	}
	if len(s.frames) == 0 {
		return &ShapeError{Reason: "stack has no frames"}
	}
	want := s.width * s.height
	for i, f := range s.frames {
		if len(f) != want {
			return &ShapeError{Reason: fmt.Sprintf("frame %d has %d samples, want %d", i, len(f), want)}
		}
	}
	return nil
}

// ValidateSource checks the dimensions any Source reports, and runs the
// full frame check when the source is a *Stack.
func ValidateSource(src Source) error {
	if src == nil {
		return &ShapeError{Reason: "no input stack"}
	}
	if st, ok := src.(*Stack); ok {
		return st.Validate()
	}
	w, h, d := src.Dims()
	if w <= 0 || h <= 0 || d <= 0 {
		return &ShapeError{Reason: fmt.Sprintf("invalid dimensions: %dx%dx%d", w, h, d)}
	}
	return nil
}

// Layers package holds the four-plane output stack of a fit run
package layers

import (
	"fmt"
	"sync/atomic"

	"saimfit/internal/fit"
)

// Plane identifies one output image.
type Plane int

const (
	PlaneHeight Plane = iota
	PlaneRSquared
	PlaneA
	PlaneB
)

// NumPlanes is the number of value planes in a Stack.
const NumPlanes = 4

var planeNames = [NumPlanes]string{"height", "r_squared", "a", "b"}

func (p Plane) String() string {
	if p < 0 || int(p) >= NumPlanes {
		return fmt.Sprintf("plane(%d)", int(p))
	}
	return planeNames[p]
}

// Planes lists the planes in output order.
func Planes() []Plane {
	return []Plane{PlaneHeight, PlaneRSquared, PlaneA, PlaneB}
}

// Stack is the output of a run: height, R², A and B planes plus the status of
// every pixel. Pixels that were not fitted keep the sentinel value 0.
//
// Set may be called concurrently as long as every caller writes its own
// pixels; readers must wait until the writers are done.
type Stack struct {
	width, height int
	planes        [NumPlanes][]float64
	status        []fit.Status
	partial       atomic.Bool
}

// NewStack allocates a zeroed stack.
func NewStack(width, height int) *Stack {
	n := width * height
	s := &Stack{
		width:  width,
		height: height,
		status: make([]fit.Status, n),
	}
	for i := range s.planes {
		s.planes[i] = make([]float64, n)
	}
	return s
}

func (s *Stack) Width() int  { return s.width }
func (s *Stack) Height() int { return s.height }

func (s *Stack) index(x, y int) int { return y*s.width + x }

// Set records one pixel result. Only Fitted results write values.
func (s *Stack) Set(r fit.Result) {
	i := s.index(r.X, r.Y)
	s.status[i] = r.Status
	if r.Status != fit.Fitted {
		return
	}
	s.planes[PlaneHeight][i] = r.Height
	s.planes[PlaneRSquared][i] = r.RSquared
	s.planes[PlaneA][i] = r.A
	s.planes[PlaneB][i] = r.B
}

// At returns the value of plane p at (x, y).
func (s *Stack) At(p Plane, x, y int) float64 {
	return s.planes[p][s.index(x, y)]
}

// Status returns the status of pixel (x, y).
func (s *Stack) Status(x, y int) fit.Status {
	return s.status[s.index(x, y)]
}

// Plane returns the row-major backing slice of plane p.
func (s *Stack) Plane(p Plane) []float64 {
	return s.planes[p]
}

// Rows returns plane p as [y][x].
func (s *Stack) Rows(p Plane) [][]float64 {
	rows := make([][]float64, s.height)
	for y := range rows {
		rows[y] = s.planes[p][y*s.width : (y+1)*s.width]
	}
	return rows
}

// Counts tallies pixel statuses.
type Counts struct {
	Pending, Skipped, Fitted, Failed int
}

// Total returns the number of pixels.
func (c Counts) Total() int { return c.Pending + c.Skipped + c.Fitted + c.Failed }

func (s *Stack) Counts() Counts {
	var c Counts
	for _, st := range s.status {
		switch st {
		case fit.Pending:
			c.Pending++
		case fit.Skipped:
			c.Skipped++
		case fit.Fitted:
			c.Fitted++
		case fit.Failed:
			c.Failed++
		}
	}
	return c
}

// SetPartial marks the stack as the output of an interrupted run.
func (s *Stack) SetPartial(v bool) { s.partial.Store(v) }

// Partial reports whether the run that produced the stack was cancelled.
func (s *Stack) Partial() bool { return s.partial.Load() }

// Clone returns a deep copy.
func (s *Stack) Clone() *Stack {
	c := NewStack(s.width, s.height)
	for i := range s.planes {
		copy(c.planes[i], s.planes[i])
	}
	copy(c.status, s.status)
	c.partial.Store(s.Partial())
	return c
}

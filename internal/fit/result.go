package fit

// Status tags the outcome for one pixel.
type Status uint8

const (
	Pending Status = iota // not processed yet
	Skipped               // at or below threshold, or outside the region
	Fitted
	Failed // every start failed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Skipped:
		return "skipped"
	case Fitted:
		return "fitted"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result is the fit outcome for one pixel. Only Fitted results carry
// parameter values; the others leave them at zero.
type Result struct {
	X, Y     int
	Height   float64 // nm
	RSquared float64
	A, B     float64
	Cost     float64 // residual sum of squares
	Status   Status
	Starts   int // starts that produced a usable solution
}

// SkippedAt returns a skipped result for pixel (x, y).
func SkippedAt(x, y int) Result {
	return Result{X: x, Y: y, Status: Skipped}
}

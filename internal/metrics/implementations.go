// Concrete implementations of fit quality metrics
package metrics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"saimfit/internal/fit"
	"saimfit/internal/layers"
)

// fittedValues returns plane p restricted to fitted pixels.
func fittedValues(out *layers.Stack, p layers.Plane) []float64 {
	plane := out.Plane(p)
	values := make([]float64, 0, len(plane))
	for y := 0; y < out.Height(); y++ {
		for x := 0; x < out.Width(); x++ {
			if out.Status(x, y) == fit.Fitted {
				values = append(values, plane[y*out.Width()+x])
			}
		}
	}
	return values
}

// MeanRSquared is the average R² of fitted pixels.
type MeanRSquared struct{}

func NewMeanRSquared() *MeanRSquared { return &MeanRSquared{} }

func (m *MeanRSquared) Calculate(out *layers.Stack) (float64, error) {
	values := fittedValues(out, layers.PlaneRSquared)
	if len(values) == 0 {
		return 0, ErrNoPixels
	}
	return stat.Mean(values, nil), nil
}

func (m *MeanRSquared) GetName() string { return "Mean R²" }

func (m *MeanRSquared) GetDescription() string {
	return "Average coefficient of determination over fitted pixels"
}

func (m *MeanRSquared) GetRange() (float64, float64) { return 0, 1 }
func (m *MeanRSquared) IsHigherBetter() bool         { return true }

// MedianHeight is the median fitted height in nm.
type MedianHeight struct{}

func NewMedianHeight() *MedianHeight { return &MedianHeight{} }

func (m *MedianHeight) Calculate(out *layers.Stack) (float64, error) {
	values := fittedValues(out, layers.PlaneHeight)
	if len(values) == 0 {
		return 0, ErrNoPixels
	}
	sort.Float64s(values)
	return stat.Quantile(0.5, stat.Empirical, values, nil), nil
}

func (m *MedianHeight) GetName() string { return "Median Height" }

func (m *MedianHeight) GetDescription() string {
	return "Median fitted height above the substrate, in nm"
}

func (m *MedianHeight) GetRange() (float64, float64) { return 0, math.Inf(1) }
func (m *MedianHeight) IsHigherBetter() bool         { return true }

// HeightStd is the spread of fitted heights.
type HeightStd struct{}

func NewHeightStd() *HeightStd { return &HeightStd{} }

func (m *HeightStd) Calculate(out *layers.Stack) (float64, error) {
	values := fittedValues(out, layers.PlaneHeight)
	switch len(values) {
	case 0:
		return 0, ErrNoPixels
	case 1:
		return 0, nil
	}
	return stat.StdDev(values, nil), nil
}

func (m *HeightStd) GetName() string { return "Height Std" }

func (m *HeightStd) GetDescription() string {
	return "Sample standard deviation of fitted heights, in nm"
}

func (m *HeightStd) GetRange() (float64, float64) { return 0, math.Inf(1) }
func (m *HeightStd) IsHigherBetter() bool         { return false }

// fraction returns the share of attempted pixels, fitted or failed, whose
// status is want.
func fraction(out *layers.Stack, want fit.Status) (float64, error) {
	c := out.Counts()
	attempted := c.Fitted + c.Failed
	if attempted == 0 {
		return 0, ErrNoPixels
	}
	n := c.Fitted
	if want == fit.Failed {
		n = c.Failed
	}
	return float64(n) / float64(attempted), nil
}

// FittedFraction is the share of attempted pixels that converged.
type FittedFraction struct{}

func NewFittedFraction() *FittedFraction { return &FittedFraction{} }

func (m *FittedFraction) Calculate(out *layers.Stack) (float64, error) {
	return fraction(out, fit.Fitted)
}

func (m *FittedFraction) GetName() string { return "Fitted Fraction" }

func (m *FittedFraction) GetDescription() string {
	return "Share of pixels above threshold that were fitted"
}

func (m *FittedFraction) GetRange() (float64, float64) { return 0, 1 }
func (m *FittedFraction) IsHigherBetter() bool         { return true }

// FailedFraction is the share of attempted pixels where every start failed.
type FailedFraction struct{}

func NewFailedFraction() *FailedFraction { return &FailedFraction{} }

func (m *FailedFraction) Calculate(out *layers.Stack) (float64, error) {
	return fraction(out, fit.Failed)
}

func (m *FailedFraction) GetName() string { return "Failed Fraction" }

func (m *FailedFraction) GetDescription() string {
	return "Share of pixels above threshold where no start converged"
}

func (m *FailedFraction) GetRange() (float64, float64) { return 0, 1 }
func (m *FailedFraction) IsHigherBetter() bool         { return false }

// HeightRange returns the smallest and largest fitted height.
func HeightRange(out *layers.Stack) (lo, hi float64, err error) {
	values := fittedValues(out, layers.PlaneHeight)
	if len(values) == 0 {
		return 0, 0, ErrNoPixels
	}
	return floats.Min(values), floats.Max(values), nil
}

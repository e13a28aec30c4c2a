package config

import (
	"fmt"
	"math"
)

// AngleSeries is the ordered list of incidence angles, in degrees, one per
// stack frame.
type AngleSeries []float64

func isZeroAngle(a, step float64) bool {
	return math.Abs(a) <= 1e-9*math.Max(1, math.Abs(step))
}

// NewAngleSeries builds the angle sequence for count frames.
//
// Without mirroring the series is first + j*step; with doubled set the first
// zero angle is emitted twice. With mirroring and a negative first angle the
// series spans first to -first and count must match the span; with a first
// angle >= 0 the half series first + j*step is reflected around 0, negative
// side first. A zero angle appears once, or twice when doubled. The result
// only depends on the arguments.
func NewAngleSeries(first, step float64, count int, mirror, doubled bool) (AngleSeries, error) {
	if count <= 0 {
		return nil, invalid("count", "need at least one angle, got %d", count)
	}
	if !(step > 0) {
		return nil, invalid("angle_step", "must be > 0, got %v", step)
	}

	var series AngleSeries
	if mirror {
		var err error
		if first < 0 && !isZeroAngle(first, step) {
			series, err = spanSeries(first, step, count, doubled)
		} else {
			series, err = mirroredSeries(math.Max(first, 0), step, count, doubled)
		}
		if err != nil {
			return nil, err
		}
	} else {
		series = make(AngleSeries, 0, count)
		dup := doubled
		for j := 0; len(series) < count; j++ {
			a := first + float64(j)*step
			if isZeroAngle(a, step) {
				a = 0
			}
			series = append(series, a)
			if dup && a == 0 && len(series) < count {
				series = append(series, 0)
				dup = false
			}
		}
	}

	for i, a := range series {
		if math.Abs(a) >= 90 {
			return nil, invalid("angles", "angle %d is %v, must lie in (-90, 90)", i, a)
		}
	}
	return series, nil
}

// spanSeries walks from first to -first, forcing exact symmetry.
func spanSeries(first, step float64, count int, doubled bool) (AngleSeries, error) {
	span := -2 * first
	n := int(math.Round(span / step))
	if math.Abs(float64(n)*step-span) > 1e-6*step {
		return nil, invalid("angle_step", "%v does not divide the span %v to %v", step, first, -first)
	}
	hasZero := n%2 == 0
	want := n + 1
	if hasZero && doubled {
		want++
	}
	if count != want {
		return nil, invalid("count", "mirrored span %v to %v holds %d angles, got %d", first, -first, want, count)
	}

	a := make([]float64, n+1)
	for j := 0; j <= n/2; j++ {
		a[j] = first + float64(j)*step
		a[n-j] = -a[j]
	}
	if hasZero {
		a[n/2] = 0
	}

	series := make(AngleSeries, 0, count)
	for j, v := range a {
		series = append(series, v)
		if hasZero && doubled && j == n/2 {
			series = append(series, 0)
		}
	}
	return series, nil
}

func mirroredSeries(start, step float64, count int, doubled bool) (AngleSeries, error) {
	zeroStart := isZeroAngle(start, step)

	var half int
	switch {
	case zeroStart && !doubled:
		if count%2 == 0 {
			return nil, invalid("count", "%d frames cannot mirror around a single 0 angle, need an odd count", count)
		}
		half = (count + 1) / 2
	default:
		if count%2 != 0 {
			return nil, invalid("count", "%d frames cannot form a mirrored series, need an even count", count)
		}
		half = count / 2
	}

	h := make([]float64, half)
	for j := range h {
		h[j] = start + float64(j)*step
	}
	if zeroStart {
		h[0] = 0
	}

	series := make(AngleSeries, 0, count)
	for j := half - 1; j >= 0; j-- {
		if zeroStart && j == 0 {
			break
		}
		series = append(series, -h[j])
	}
	if zeroStart {
		series = append(series, 0)
		if doubled {
			series = append(series, 0)
		}
		series = append(series, h[1:]...)
	} else {
		series = append(series, h...)
	}

	if len(series) != count {
		return nil, fmt.Errorf("mirrored series has %d angles, want %d", len(series), count)
	}
	return series, nil
}

// AngleSeries derives the run's series for a stack with depth frames. A
// configured Count that disagrees with depth is reported as a mismatch
// error; callers turn it into a shape error.
func (c FitConfig) AngleSeries(depth int) (AngleSeries, error) {
	count := c.Count
	if count == 0 {
		count = depth
	}
	if count != depth {
		return nil, fmt.Errorf("%w: config has %d angles, stack has %d frames", ErrDepthMismatch, count, depth)
	}
	return NewAngleSeries(c.FirstAngle, c.AngleStep, count, c.MirrorAround0, c.ZeroDoubled)
}

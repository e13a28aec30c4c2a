// Fit configuration shared by every pixel of a run
package config

import (
	"image"
	"math"
	"runtime"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"saimfit/internal/algorithms"
)

// Threshold modes select which value of a pixel's series is compared with
// FitConfig.Threshold.
const (
	ThresholdReference = "reference"
	ThresholdMax       = "max"
	ThresholdMean      = "mean"
)

// DefaultMaxIterations bounds a single solver start.
const DefaultMaxIterations = 200

// Region is an optional rectangular region of interest in pixel
// coordinates. A zero Region covers the whole stack.
type Region struct {
	X      int `yaml:"x" toml:"x"`
	Y      int `yaml:"y" toml:"y"`
	Width  int `yaml:"width" toml:"width"`
	Height int `yaml:"height" toml:"height"`
}

// Empty reports whether the region is unset.
func (r Region) Empty() bool { return r.Width <= 0 || r.Height <= 0 }

// Rect returns the region as an image.Rectangle.
func (r Region) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// FitConfig is immutable once a run starts.
type FitConfig struct {
	Wavelength float64 `yaml:"wavelength" toml:"wavelength"`
	NSample    float64 `yaml:"n_sample" toml:"n_sample"`
	DOx        float64 `yaml:"oxide" toml:"oxide"`

	FirstAngle    float64 `yaml:"first_angle" toml:"first_angle"`
	AngleStep     float64 `yaml:"angle_step" toml:"angle_step"`
	Count         int     `yaml:"count,omitempty" toml:"count,omitempty"`
	MirrorAround0 bool    `yaml:"mirror_around_0" toml:"mirror_around_0"`
	ZeroDoubled   bool    `yaml:"zero_doubled" toml:"zero_doubled"`

	A       float64   `yaml:"a" toml:"a"`
	B       float64   `yaml:"b" toml:"b"`
	Heights []float64 `yaml:"heights" toml:"heights"`

	Threshold      float64 `yaml:"threshold" toml:"threshold"`
	ThresholdMode  string  `yaml:"threshold_mode,omitempty" toml:"threshold_mode,omitempty"`
	ReferenceFrame int     `yaml:"reference_frame,omitempty" toml:"reference_frame,omitempty"`

	Solver        string `yaml:"solver,omitempty" toml:"solver,omitempty"`
	MaxIterations int    `yaml:"max_iterations,omitempty" toml:"max_iterations,omitempty"`
	Workers       int    `yaml:"workers,omitempty" toml:"workers,omitempty"`

	Region Region `yaml:"region,omitempty" toml:"region,omitempty"`
}

// Default returns the values the plugin dialog starts with.
func Default() FitConfig {
	return FitConfig{
		Wavelength:    488,
		NSample:       1.36,
		DOx:           1900,
		FirstAngle:    -41,
		AngleStep:     1,
		A:             1000,
		B:             5000,
		Heights:       []float64{1, 100, 230},
		Threshold:     5000,
		ThresholdMode: ThresholdReference,
		Solver:        algorithms.LevenbergMarquardt,
		MaxIterations: DefaultMaxIterations,
	}
}

// Validate checks numeric ranges and names. It does not know the stack
// depth, so the angle series is checked separately by AngleSeries.
func (c FitConfig) Validate() error {
	if !(c.Wavelength > 0) || math.IsInf(c.Wavelength, 0) {
		return invalid("wavelength", "must be > 0, got %v", c.Wavelength)
	}
	if !(c.NSample > 0) || math.IsInf(c.NSample, 0) {
		return invalid("n_sample", "must be > 0, got %v", c.NSample)
	}
	if !(c.DOx >= 0) || math.IsInf(c.DOx, 0) {
		return invalid("oxide", "must be >= 0, got %v", c.DOx)
	}
	if !(c.AngleStep > 0) || math.IsInf(c.AngleStep, 0) {
		return invalid("angle_step", "must be > 0, got %v", c.AngleStep)
	}
	if math.IsNaN(c.FirstAngle) || math.Abs(c.FirstAngle) >= 90 {
		return invalid("first_angle", "must lie in (-90, 90), got %v", c.FirstAngle)
	}
	if c.Count < 0 {
		return invalid("count", "must be >= 0, got %d", c.Count)
	}
	if len(c.Heights) == 0 {
		return &ConfigError{Field: "heights", Reason: HeightsFormatMessage}
	}
	for _, h := range c.Heights {
		if math.IsNaN(h) || math.IsInf(h, 0) {
			return &ConfigError{Field: "heights", Reason: HeightsFormatMessage}
		}
	}
	if math.IsNaN(c.A) || math.IsNaN(c.B) || math.IsNaN(c.Threshold) {
		return invalid("guess", "A, B and threshold must be numbers")
	}
	switch c.thresholdMode() {
	case ThresholdReference, ThresholdMax, ThresholdMean:
	default:
		return invalid("threshold_mode", "unknown mode %q", c.ThresholdMode)
	}
	if c.ReferenceFrame < 0 {
		return invalid("reference_frame", "must be >= 0, got %d", c.ReferenceFrame)
	}
	if !algorithms.IsValidAlgorithm(c.SolverName()) {
		return invalid("solver", "unknown solver %q (have %s)", c.Solver, strings.Join(algorithms.Names(), ", "))
	}
	if c.MaxIterations < 0 {
		return invalid("max_iterations", "must be >= 0, got %d", c.MaxIterations)
	}
	if c.Workers < 0 {
		return invalid("workers", "must be >= 0, got %d", c.Workers)
	}
	if c.Region.Width < 0 || c.Region.Height < 0 {
		return invalid("region", "negative size %dx%d", c.Region.Width, c.Region.Height)
	}
	return nil
}

func (c FitConfig) thresholdMode() string {
	if c.ThresholdMode == "" {
		return ThresholdReference
	}
	return c.ThresholdMode
}

// SolverName returns the configured solver, defaulting to Levenberg-Marquardt.
func (c FitConfig) SolverName() string {
	if c.Solver == "" {
		return algorithms.LevenbergMarquardt
	}
	return c.Solver
}

// Iterations returns the per-start iteration cap.
func (c FitConfig) Iterations() int {
	if c.MaxIterations == 0 {
		return DefaultMaxIterations
	}
	return c.MaxIterations
}

// WorkerCount returns the number of fitting goroutines.
func (c FitConfig) WorkerCount() int {
	if c.Workers == 0 {
		return runtime.NumCPU()
	}
	return c.Workers
}

// BelowThreshold reports whether a pixel series must be skipped. A pixel
// is skipped when the selected value is at or below the threshold.
func (c FitConfig) BelowThreshold(series []float64) bool {
	if len(series) == 0 {
		return true
	}
	var v float64
	switch c.thresholdMode() {
	case ThresholdMax:
		v = floats.Max(series)
	case ThresholdMean:
		v = stat.Mean(series, nil)
	default:
		i := c.ReferenceFrame
		if i >= len(series) {
			i = len(series) - 1
		}
		v = series[i]
	}
	return v <= c.Threshold
}

// Clone returns a deep copy.
func (c FitConfig) Clone() FitConfig {
	c.Heights = append([]float64(nil), c.Heights...)
	return c
}

// ParseHeights parses a comma separated list such as "10.0, 230.5".
func ParseHeights(s string) ([]float64, error) {
	fields := strings.Split(s, ",")
	heights := make([]float64, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		h, err := strconv.ParseFloat(f, 64)
		if err != nil || math.IsNaN(h) || math.IsInf(h, 0) {
			return nil, &ConfigError{Field: "heights", Reason: HeightsFormatMessage, Err: err}
		}
		heights = append(heights, h)
	}
	if len(heights) == 0 {
		return nil, &ConfigError{Field: "heights", Reason: HeightsFormatMessage}
	}
	return heights, nil
}

// FormatHeights is the inverse of ParseHeights.
func FormatHeights(heights []float64) string {
	parts := make([]string, len(heights))
	for i, h := range heights {
		parts[i] = strconv.FormatFloat(h, 'f', -1, 64)
	}
	return strings.Join(parts, ", ")
}

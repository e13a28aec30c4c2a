package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saimfit/internal/fit"
	"saimfit/internal/layers"
)

func sampleStack() *layers.Stack {
	out := layers.NewStack(3, 2)
	out.Set(fit.Result{X: 0, Y: 0, Height: 80, RSquared: 1, Status: fit.Fitted})
	out.Set(fit.Result{X: 1, Y: 0, Height: 100, RSquared: 0.9, Status: fit.Fitted})
	out.Set(fit.Result{X: 2, Y: 0, Height: 120, RSquared: 0.98, Status: fit.Fitted})
	out.Set(fit.Result{X: 0, Y: 1, Status: fit.Failed})
	out.Set(fit.SkippedAt(1, 1))
	out.Set(fit.SkippedAt(2, 1))
	return out
}

func TestEvaluatorDefaults(t *testing.T) {
	e := NewEvaluator()
	assert.Equal(t, []string{"failed_fraction", "fitted_fraction", "height_std", "mean_r_squared", "median_height"}, e.Names())

	got := e.CalculateAll(sampleStack())
	assert.InDelta(t, 0.96, got["mean_r_squared"], 1e-12)
	assert.InDelta(t, 100, got["median_height"], 1e-12)
	assert.InDelta(t, 20, got["height_std"], 1e-12)
	assert.InDelta(t, 0.75, got["fitted_fraction"], 1e-12)
	assert.InDelta(t, 0.25, got["failed_fraction"], 1e-12)
}

func TestCalculateUnknownMetric(t *testing.T) {
	_, err := NewEvaluator().Calculate("psnr", sampleStack())
	assert.Error(t, err)
}

func TestEmptyStackOmitsMetrics(t *testing.T) {
	out := layers.NewStack(2, 2)
	e := NewEvaluator()
	assert.Empty(t, e.CalculateAll(out))

	_, err := e.Calculate("mean_r_squared", out)
	assert.ErrorIs(t, err, ErrNoPixels)
	_, err = e.Calculate("mean_r_squared", nil)
	assert.ErrorIs(t, err, ErrNoPixels)

	report := e.GenerateReport(out)
	assert.Equal(t, "none", report.Analysis.QualityLevel)
	assert.NotEmpty(t, report.Analysis.Suggestions)
}

func TestGenerateReport(t *testing.T) {
	out := sampleStack()
	out.SetPartial(true)
	report := NewEvaluator().GenerateReport(out)

	assert.Equal(t, "good", report.Analysis.QualityLevel)
	assert.Contains(t, report.Analysis.Issues, "Many pixels failed to converge")
	assert.Contains(t, report.Analysis.Issues, "Run was stopped before every pixel was processed")
	assert.NotEmpty(t, report.Timestamp)
}

func TestHeightStdSinglePixel(t *testing.T) {
	out := layers.NewStack(1, 1)
	out.Set(fit.Result{Height: 5, RSquared: 1, Status: fit.Fitted})
	v, err := NewHeightStd().Calculate(out)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestHeightRange(t *testing.T) {
	lo, hi, err := HeightRange(sampleStack())
	require.NoError(t, err)
	assert.Equal(t, 80.0, lo)
	assert.Equal(t, 120.0, hi)

	_, _, err = HeightRange(layers.NewStack(1, 1))
	assert.ErrorIs(t, err, ErrNoPixels)
}

func TestMetricInfo(t *testing.T) {
	info := NewEvaluator().GetMetricInfo()
	require.Contains(t, info, "height_std")
	assert.False(t, info["height_std"].HigherBetter)
	assert.True(t, math.IsInf(info["median_height"].Range[1], 1))
}

package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAngleSeriesLinear(t *testing.T) {
	s, err := NewAngleSeries(-2, 1, 5, false, false)
	require.NoError(t, err)
	assert.Equal(t, AngleSeries{-2, -1, 0, 1, 2}, s)
}

func TestAngleSeriesIsDeterministic(t *testing.T) {
	a, err := NewAngleSeries(44, 0.005, 300, false, false)
	require.NoError(t, err)
	b, err := NewAngleSeries(44, 0.005, 300, false, false)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	require.Len(t, a, 300)
	assert.Equal(t, 44.0, a[0])
	assert.InDelta(t, 44+299*0.005, a[299], 1e-9)
}

func TestAngleSeriesDoubledZero(t *testing.T) {
	s, err := NewAngleSeries(-2, 1, 6, false, true)
	require.NoError(t, err)
	assert.Equal(t, AngleSeries{-2, -1, 0, 0, 1, 2}, s)

	// no zero in range, nothing to double
	s, err = NewAngleSeries(10, 1, 3, false, true)
	require.NoError(t, err)
	assert.Equal(t, AngleSeries{10, 11, 12}, s)
}

func TestAngleSeriesMirrored(t *testing.T) {
	s, err := NewAngleSeries(0, 2, 5, true, false)
	require.NoError(t, err)
	assert.Equal(t, AngleSeries{-4, -2, 0, 2, 4}, s)

	s, err = NewAngleSeries(0, 2, 6, true, true)
	require.NoError(t, err)
	assert.Equal(t, AngleSeries{-4, -2, 0, 0, 2, 4}, s)

	s, err = NewAngleSeries(5, 5, 4, true, false)
	require.NoError(t, err)
	assert.Equal(t, AngleSeries{-10, -5, 5, 10}, s)

	for i := range s {
		assert.Equal(t, -s[i], s[len(s)-1-i], "symmetric around 0")
	}
}

func TestAngleSeriesMirroredNegativeFirstSpansToOpposite(t *testing.T) {
	s, err := NewAngleSeries(-3, 1, 7, true, false)
	require.NoError(t, err)
	assert.Equal(t, AngleSeries{-3, -2, -1, 0, 1, 2, 3}, s)

	s, err = NewAngleSeries(-3, 1, 8, true, true)
	require.NoError(t, err)
	assert.Equal(t, AngleSeries{-3, -2, -1, 0, 0, 1, 2, 3}, s)

	s, err = NewAngleSeries(-2.5, 1, 6, true, true)
	require.NoError(t, err)
	assert.Equal(t, AngleSeries{-2.5, -1.5, -0.5, 0.5, 1.5, 2.5}, s)

	s, err = NewAngleSeries(-41, 1, 84, true, true)
	require.NoError(t, err)
	assert.Equal(t, -41.0, s[0])
	assert.Equal(t, 41.0, s[83])
	assert.Equal(t, AngleSeries{-1, 0, 0, 1}, s[40:44])
	for i := range s {
		assert.Equal(t, -s[i], s[len(s)-1-i], "symmetric around 0")
	}
}

func TestAngleSeriesMirroredSpanErrors(t *testing.T) {
	var ce *ConfigError

	_, err := NewAngleSeries(-41, 1, 82, true, false)
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "count", ce.Field)
	assert.Contains(t, err.Error(), "holds 83 angles")

	_, err = NewAngleSeries(-3, 4, 3, true, false)
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "angle_step", ce.Field)
}

func TestAngleSeriesMirroredParity(t *testing.T) {
	_, err := NewAngleSeries(0, 1, 4, true, false)
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "count", ce.Field)

	_, err = NewAngleSeries(3, 1, 5, true, false)
	require.True(t, errors.As(err, &ce))
}

func TestAngleSeriesRejectsGrazingAngles(t *testing.T) {
	_, err := NewAngleSeries(80, 5, 3, false, false)
	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "angles", ce.Field)
}

func TestConfigAngleSeriesUsesDepth(t *testing.T) {
	cfg := Default()
	cfg.FirstAngle = 0
	cfg.AngleStep = 1

	s, err := cfg.AngleSeries(3)
	require.NoError(t, err)
	assert.Equal(t, AngleSeries{0, 1, 2}, s)

	cfg.Count = 4
	_, err = cfg.AngleSeries(3)
	assert.ErrorIs(t, err, ErrDepthMismatch)
}

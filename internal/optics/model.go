// SAIM interference model for a fluorophore above an oxide-coated silicon mirror
package optics

import (
	"math"
	"math/cmplx"
)

// Setup holds the physical parameters shared by every pixel of a run.
type Setup struct {
	Wavelength float64 // excitation wavelength in nm
	NSample    float64 // refractive index of the sample medium
	DOx        float64 // oxide thickness in nm
}

// ReflectanceTE returns the TE Fresnel reflection coefficient seen from the
// sample for the sample / SiO2 / Si stack. angle is the incidence angle in
// the sample, in radians.
func ReflectanceTE(s Setup, angle float64) complex128 {
	nSi := SiliconIndex(s.Wavelength)
	nOx := OxideIndex(s.Wavelength)

	// Snell invariant
	beta := complex(s.NSample*math.Sin(angle), 0)

	cosSi := cmplx.Sqrt(1 - (beta/complex(nSi, 0))*(beta/complex(nSi, 0)))
	cosOx := cmplx.Sqrt(1 - (beta/complex(nOx, 0))*(beta/complex(nOx, 0)))

	p0 := complex(nSi, 0) * cosSi
	p1 := complex(nOx, 0) * cosOx
	p2 := complex(s.NSample*math.Cos(angle), 0)

	phi := complex(2*math.Pi*nOx*s.DOx/s.Wavelength, 0) * cosOx
	cosPhi := cmplx.Cos(phi)
	sinPhi := cmplx.Sin(phi)

	// characteristic matrix of the oxide layer
	m11 := cosPhi
	m12 := -1i * sinPhi / p1
	m21 := -1i * p1 * sinPhi
	m22 := cosPhi

	left := (m11 + m12*p0) * p2
	right := m21 + m22*p0
	return (left - right) / (left + right)
}

// Model evaluates the SAIM equation over a fixed set of angles. The Fresnel
// coefficients and phase factors are computed once in NewModel, so Eval only
// depends on the fit parameters.
type Model struct {
	angles []float64
	r      []complex128
	k      []float64
}

// NewModel precomputes the angle-dependent terms. anglesDeg is in degrees.
func NewModel(s Setup, anglesDeg []float64) *Model {
	m := &Model{
		angles: append([]float64(nil), anglesDeg...),
		r:      make([]complex128, len(anglesDeg)),
		k:      make([]float64, len(anglesDeg)),
	}
	for i, deg := range anglesDeg {
		rad := deg * math.Pi / 180
		m.r[i] = ReflectanceTE(s, rad)
		m.k[i] = 4 * math.Pi * s.NSample * math.Cos(rad) / s.Wavelength
	}
	return m
}

// Len returns the number of angles.
func (m *Model) Len() int { return len(m.angles) }

// Angles returns a copy of the model's angles in degrees.
func (m *Model) Angles() []float64 {
	return append([]float64(nil), m.angles...)
}

// Eval writes A*|1 + r*exp(i*k*h)|^2 + B for every angle into dst, which
// must have length Len().
func (m *Model) Eval(dst []float64, height, a, b float64) {
	for i, r := range m.r {
		phase := m.k[i] * height
		field := 1 + r*complex(math.Cos(phase), math.Sin(phase))
		re, im := real(field), imag(field)
		dst[i] = a*(re*re+im*im) + b
	}
}

// Predict evaluates the model once for the given angles in degrees.
func Predict(s Setup, anglesDeg []float64, height, a, b float64) []float64 {
	m := NewModel(s, anglesDeg)
	out := make([]float64, len(anglesDeg))
	m.Eval(out, height, a, b)
	return out
}

// Refractive index dispersion for the substrate materials
package optics

import (
	"math"
	"sort"
)

// siliconTable holds the real part of the silicon index (Green 2008).
var siliconTable = []struct {
	wavelength float64 // nm
	n          float64
}{
	{400, 5.570},
	{450, 4.676},
	{500, 4.298},
	{550, 4.077},
	{600, 3.939},
	{650, 3.844},
	{700, 3.774},
	{750, 3.723},
	{800, 3.681},
	{900, 3.620},
	{1000, 3.575},
}

// SiliconIndex returns the refractive index of crystalline silicon at the
// given wavelength in nm. Values outside the table are clamped.
func SiliconIndex(wavelength float64) float64 {
	first := siliconTable[0]
	last := siliconTable[len(siliconTable)-1]
	if wavelength <= first.wavelength {
		return first.n
	}
	if wavelength >= last.wavelength {
		return last.n
	}

	i := sort.Search(len(siliconTable), func(i int) bool {
		return siliconTable[i].wavelength >= wavelength
	})
	lo, hi := siliconTable[i-1], siliconTable[i]
	t := (wavelength - lo.wavelength) / (hi.wavelength - lo.wavelength)
	return lo.n + t*(hi.n-lo.n)
}

// OxideIndex returns the refractive index of thermal SiO2 using the
// Malitson Sellmeier coefficients for fused silica.
func OxideIndex(wavelength float64) float64 {
	l := wavelength / 1000 // µm
	l2 := l * l
	n2 := 1 +
		0.6961663*l2/(l2-0.0684043*0.0684043) +
		0.4079426*l2/(l2-0.1162414*0.1162414) +
		0.8974794*l2/(l2-9.896161*9.896161)
	return math.Sqrt(n2)
}

// Package filter implements One-Euro style adaptive low-pass filters over fixed-size
// float vectors, either whole-vector or split into independently tuned groups.
package filter

import (
	"math"
	"time"
)

const (
	// DefaultDerivativeCutoff is the fixed cutoff (Hz) used to smooth the velocity estimate.
	DefaultDerivativeCutoff = 1.0
	minCutoffFloor          = 0.001
)

// Clock is swapped out in tests.
type Clock func() time.Time

func smoothingFactor(dt, cutoff float64) float64 {
	r := 2 * math.Pi * cutoff * dt
	return r / (r + 1)
}

func exponentialSmoothing(a, x, xPrev float64) float64 {
	return a*x + (1-a)*xPrev
}

func clampMinCutoff(v float64) float64 {
	if v < minCutoffFloor || math.IsNaN(v) {
		return minCutoffFloor
	}
	return v
}

func clampBeta(v float64) float64 {
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

// OneEuro filters every element of a vector with the same coefficients.
type OneEuro struct {
	minCutoff float64
	beta      float64
	dCutoff   float64
	xPrev     []float64
	dxPrev    []float64
	tPrev     time.Time
	now       Clock
}

// NewOneEuro uses x0 to fix the vector size and seed the previous value.
func NewOneEuro(x0 []float32, minCutoff, beta float64) *OneEuro {
	return NewOneEuroWithClock(x0, minCutoff, beta, time.Now)
}

func NewOneEuroWithClock(x0 []float32, minCutoff, beta float64, now Clock) *OneEuro {
	f := &OneEuro{
		minCutoff: clampMinCutoff(minCutoff),
		beta:      clampBeta(beta),
		dCutoff:   DefaultDerivativeCutoff,
		xPrev:     make([]float64, len(x0)),
		dxPrev:    make([]float64, len(x0)),
		now:       now,
	}
	for i, v := range x0 {
		f.xPrev[i] = float64(v)
	}
	f.tPrev = now()
	return f
}

func (f *OneEuro) Size() int {
	return len(f.xPrev)
}

// Filter returns a new slice. Values beyond the seeded size pass through unchanged.
func (f *OneEuro) Filter(x []float32) []float32 {
	t := f.now()
	dt := t.Sub(f.tPrev).Seconds()
	out := make([]float32, len(x))
	copy(out, x)
	n := min(len(x), len(f.xPrev))

	if dt <= 0 {
		for i := 0; i < n; i++ {
			f.xPrev[i] = float64(x[i])
		}
		f.tPrev = t
		return out
	}

	aD := smoothingFactor(dt, f.dCutoff)
	for i := 0; i < n; i++ {
		xi := float64(x[i])
		dx := (xi - f.xPrev[i]) / dt
		dxHat := exponentialSmoothing(aD, dx, f.dxPrev[i])
		cutoff := f.minCutoff + f.beta*math.Abs(dxHat)
		a := smoothingFactor(dt, cutoff)
		xHat := exponentialSmoothing(a, xi, f.xPrev[i])
		out[i] = float32(xHat)
		f.xPrev[i] = xHat
		f.dxPrev[i] = dxHat
	}
	f.tPrev = t
	return out
}

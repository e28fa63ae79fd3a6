package stencil

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// fill sets both buffers of b to f(x, y).
func fill(b *Band, f func(x, y int) float64) {
	for y := 0; y < b.Rows; y++ {
		for x := 0; x < b.Width; x++ {
			b.Current[y*b.Width+x] = f(x, y)
		}
	}
	copy(b.Previous, b.Current)
}

func TestKernelFixedPoint(t *testing.T) {
	l := Layout{Width: 7, BandHeight: 6, Margin: 1, Rank: 1, Workers: 3}
	b := NewBand(l.Width, l.Rows())
	// A linear field is harmonic, so the update leaves it in place.
	fill(b, func(x, y int) float64 { return 2*float64(x) + 3*float64(y) + 1 })
	want := append([]float64(nil), b.Current...)

	b.Swap()
	k := Kernel{Alpha: 0.02, Epsilon: 0.0001, Units: 2}
	require.True(t, k.Step(l, b))
	require.InDeltaSlice(t, want, b.Current, 1e-9)
}

func TestKernelNotConverged(t *testing.T) {
	l := Layout{Width: 5, BandHeight: 4, Margin: 1, Rank: 0, Workers: 1}
	b := NewBand(l.Width, l.Rows())
	b.PreviousRow(3)[2] = 1
	k := Kernel{Alpha: 0.02, Epsilon: 0.0001}
	require.False(t, k.Step(l, b))
	require.InDelta(t, 0.92, b.CurrentRow(3)[2], 1e-12)
	require.InDelta(t, 0.02, b.CurrentRow(2)[2], 1e-12)
	require.InDelta(t, 0.02, b.CurrentRow(3)[1], 1e-12)
}

func TestKernelMaximumPrinciple(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, alpha := range []float64{0, 0.02, 0.1, 0.25} {
		l := Layout{Width: 9, BandHeight: 8, Margin: 1, Rank: 1, Workers: 3}
		b := NewBand(l.Width, l.Rows())
		for i := range b.Previous {
			b.Previous[i] = rng.Float64()*200 - 100
		}
		k := Kernel{Alpha: alpha, Epsilon: 0.0001, Units: 3}
		k.Step(l, b)

		start, end := l.UpdateRange()
		w := l.Width
		for y := start; y < end; y++ {
			for x := 1; x < w-1; x++ {
				i := y*w + x
				p := b.Previous
				lo := math.Min(p[i], math.Min(math.Min(p[i-1], p[i+1]), math.Min(p[i-w], p[i+w])))
				hi := math.Max(p[i], math.Max(math.Max(p[i-1], p[i+1]), math.Max(p[i-w], p[i+w])))
				require.GreaterOrEqual(t, b.Current[i], lo-1e-12, "alpha %g cell (%d,%d)", alpha, x, y)
				require.LessOrEqual(t, b.Current[i], hi+1e-12, "alpha %g cell (%d,%d)", alpha, x, y)
			}
		}
	}
}

func TestKernelLeavesBoundariesAlone(t *testing.T) {
	l := Layout{Width: 6, BandHeight: 5, Margin: 1, Rank: 0, Workers: 1}
	b := NewBand(l.Width, l.Rows())
	Seed(l, b)
	top := append([]float64(nil), b.CurrentRow(l.TopRow())...)
	bottom := append([]float64(nil), b.CurrentRow(l.BottomRow())...)

	k := Kernel{Alpha: 0.25, Epsilon: 0.0001}
	for i := 0; i < 20; i++ {
		b.Swap()
		k.Step(l, b)
	}
	require.Equal(t, top, b.CurrentRow(l.TopRow()))
	require.Equal(t, bottom, b.CurrentRow(l.BottomRow()))
	for y := 0; y < l.Rows(); y++ {
		require.Equal(t, float64(l.GlobalRow(y)), b.CurrentRow(y)[0])
		require.Equal(t, float64(l.GlobalHeight()-l.GlobalRow(y)-1), b.CurrentRow(y)[l.Width-1])
	}
}

func TestKernelChunkingIsExact(t *testing.T) {
	l := Layout{Width: 11, BandHeight: 13, Margin: 1, Rank: 1, Workers: 3}
	rng := rand.New(rand.NewSource(2))
	prev := make([]float64, l.Width*l.Rows())
	for i := range prev {
		prev[i] = rng.Float64()
	}

	var results [][]float64
	var flags []bool
	for _, units := range []int{1, 2, 5, 64} {
		b := NewBand(l.Width, l.Rows())
		copy(b.Previous, prev)
		flags = append(flags, Kernel{Alpha: 0.1, Epsilon: 0.5, Units: units}.Step(l, b))
		results = append(results, b.Current)
	}
	for i := 1; i < len(results); i++ {
		require.Equal(t, results[0], results[i])
		require.Equal(t, flags[0], flags[i])
	}
}

func TestKernelNoRows(t *testing.T) {
	l := Layout{Width: 4, BandHeight: 1, Margin: 1, Rank: 0, Workers: 2}
	b := NewBand(l.Width, l.Rows())
	b.PreviousRow(1)[1] = 50
	require.True(t, Kernel{Alpha: 0.02, Epsilon: 0.0001}.Step(l, b))
}

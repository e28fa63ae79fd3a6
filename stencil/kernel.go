package stencil

import (
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Kernel is the explicit five-point diffusion update.
type Kernel struct {
	Alpha   float64
	Epsilon float64
	Units   int // row chunks computed in parallel, 0 means GOMAXPROCS
}

// Step updates the interior cells of the current buffer from the previous
// one and reports whether no cell changed by more than Epsilon. Chunks of
// rows are computed in parallel, each with its own convergence flag.
func (k Kernel) Step(l Layout, b *Band) bool {
	start, end := l.UpdateRange()
	rows := end - start
	if rows <= 0 {
		return true
	}
	units := k.Units
	if units <= 0 {
		units = runtime.GOMAXPROCS(0)
	}
	units = min(units, rows)
	if units == 1 {
		return k.rows(b, start, end)
	}

	partial := make([]bool, units)
	var g errgroup.Group
	for u := 0; u < units; u++ {
		y0 := start + u*rows/units
		y1 := start + (u+1)*rows/units
		g.Go(func() error {
			partial[u] = k.rows(b, y0, y1)
			return nil
		})
	}
	_ = g.Wait()

	converged := true
	for _, p := range partial {
		converged = converged && p
	}
	return converged
}

// rows updates storage rows [y0, y1).
func (k Kernel) rows(b *Band, y0, y1 int) bool {
	w := b.Width
	prev, cur := b.Previous, b.Current
	keep := 1 - 4*k.Alpha
	converged := true
	for y := y0; y < y1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			v := k.Alpha*(prev[i-1]+prev[i+1]+prev[i-w]+prev[i+w]) + keep*prev[i]
			cur[i] = v
			if math.Abs(prev[i]-v) > k.Epsilon {
				converged = false
			}
		}
	}
	return converged
}

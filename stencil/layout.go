/*
Package stencil implements the banded heat-diffusion solver.

The global grid is split along its rows into equal bands, one per worker.
A band is stored as BandHeight owned rows plus Margin ghost rows above and
below. With a margin of 1 the ghost rows hold copies of the neighbours'
edge rows. With a margin of 0 the first and last owned rows double as the
halo slots, which loses the worker's own edge values on every exchange; it
is kept for comparison runs only.
*/
package stencil

import "github.com/dashaylan/HiveStencil/configs"

// Layout maps the storage rows of one worker's band to global rows and
// halo roles.
type Layout struct {
	Width      int
	BandHeight int
	Margin     int
	Rank       int
	Workers    int
}

// NewLayout returns the layout of worker rank.
func NewLayout(p configs.Params, rank, workers int) Layout {
	return Layout{
		Width:      p.Width,
		BandHeight: p.BandHeight,
		Margin:     p.GhostMargin,
		Rank:       rank,
		Workers:    workers,
	}
}

// Rows is the number of storage rows.
func (l Layout) Rows() int { return l.BandHeight + 2*l.Margin }

// First reports whether the band holds the top global row.
func (l Layout) First() bool { return l.Rank == 0 }

// Last reports whether the band holds the bottom global row.
func (l Layout) Last() bool { return l.Rank == l.Workers-1 }

// GlobalHeight is the height of the whole grid.
func (l Layout) GlobalHeight() int { return l.BandHeight * l.Workers }

// GlobalRow returns the global row of storage row s. Ghost rows map to the
// neighbours' rows, or outside the grid for the edge workers.
func (l Layout) GlobalRow(s int) int { return l.Rank*l.BandHeight + s - l.Margin }

// UpdateRange returns the storage rows [start, end) the kernel updates.
// The top global row and the bottom global row are fixed boundaries.
func (l Layout) UpdateRange() (start, end int) {
	start, end = 1, l.Rows()-1
	if l.First() {
		start += l.Margin
	}
	if l.Last() {
		end -= l.Margin
	}
	return start, end
}

// TopRow and BottomRow are the first and last owned storage rows.
func (l Layout) TopRow() int    { return l.Margin }
func (l Layout) BottomRow() int { return l.Rows() - 1 - l.Margin }

// TopGhost and BottomGhost are the storage rows the neighbours' edge rows
// are received into.
func (l Layout) TopGhost() int    { return 0 }
func (l Layout) BottomGhost() int { return l.Rows() - 1 }

// Up returns the rank of the worker above, if any.
func (l Layout) Up() (int, bool) { return l.Rank - 1, !l.First() }

// Down returns the rank of the worker below, if any.
func (l Layout) Down() (int, bool) { return l.Rank + 1, !l.Last() }

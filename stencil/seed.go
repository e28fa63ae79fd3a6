package stencil

// Seed sets the initial values of both buffers of b. Cells start at zero.
// The top global row holds the ramp x and the bottom global row the ramp
// width-x-1. Then the left column of every storage row, ghost rows
// included, holds the global row g and the right column holds
// globalHeight-g-1, overriding the ramp ends.
func Seed(l Layout, b *Band) {
	clear(b.Current)
	if l.First() {
		row := b.CurrentRow(l.TopRow())
		for x := range row {
			row[x] = float64(x)
		}
	}
	if l.Last() {
		row := b.CurrentRow(l.BottomRow())
		for x := range row {
			row[x] = float64(l.Width - x - 1)
		}
	}
	gh := l.GlobalHeight()
	for s := 0; s < l.Rows(); s++ {
		g := l.GlobalRow(s)
		row := b.CurrentRow(s)
		row[0] = float64(g)
		row[l.Width-1] = float64(gh - g - 1)
	}
	copy(b.Previous, b.Current)
}

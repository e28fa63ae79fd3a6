package stencil

// Band is the buffer pair of one worker. Both buffers are row-major with
// Width columns. The kernel reads Previous and writes Current.
type Band struct {
	Width    int
	Rows     int
	Current  []float64
	Previous []float64
}

// NewBand allocates a zeroed buffer pair.
func NewBand(width, rows int) *Band {
	return &Band{
		Width:    width,
		Rows:     rows,
		Current:  make([]float64, width*rows),
		Previous: make([]float64, width*rows),
	}
}

// Swap exchanges the roles of the two buffers.
func (b *Band) Swap() {
	b.Current, b.Previous = b.Previous, b.Current
}

// CurrentRow returns row y of the current buffer. It aliases the buffer.
func (b *Band) CurrentRow(y int) []float64 {
	return b.Current[y*b.Width : (y+1)*b.Width : (y+1)*b.Width]
}

// PreviousRow returns row y of the previous buffer. It aliases the buffer.
func (b *Band) PreviousRow(y int) []float64 {
	return b.Previous[y*b.Width : (y+1)*b.Width : (y+1)*b.Width]
}

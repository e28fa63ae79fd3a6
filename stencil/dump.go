package stencil

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// largest grid side that is dumped
const maxDump = 10

// Dump prints the owned rows of every worker in rank order. Workers take
// turns between barriers, so every worker of the job must call it. Grids
// wider or taller than 10 are not printed.
func (w *Worker) Dump(ctx context.Context, out io.Writer) error {
	if w.layout.Width > maxDump || w.layout.BandHeight > maxDump {
		return nil
	}
	if err := w.comm.Barrier(ctx); err != nil {
		return err
	}
	for r := 0; r < w.layout.Workers; r++ {
		if r == w.layout.Rank {
			if _, err := io.WriteString(out, w.format()); err != nil {
				return err
			}
		}
		if err := w.comm.Barrier(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) format() string {
	var sb strings.Builder
	for y := w.layout.TopRow(); y <= w.layout.BottomRow(); y++ {
		for _, v := range w.band.CurrentRow(y) {
			fmt.Fprintf(&sb, "%4.5g ", v)
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}

package stencil

import (
	"context"
	"fmt"

	"github.com/dashaylan/HiveStencil/comm"
	"github.com/dashaylan/HiveStencil/configs"
	"github.com/dashaylan/HiveStencil/ipc"
)

// tag of the halo rows
const haloTag = 1

// Communicator is what the solver needs from the message layer.
// *comm.Comm implements it.
type Communicator interface {
	Rank() int
	Size() int
	Send(ctx context.Context, dest, tag int, row []float64) error
	Recv(ctx context.Context, src, tag int, buf []float64) error
	Isend(ctx context.Context, dest, tag int, row []float64) *comm.Request
	Irecv(ctx context.Context, src, tag int, buf []float64) *comm.Request
	AllreduceAND(ctx context.Context, flag bool) (bool, error)
	Barrier(ctx context.Context) error
	Abort(cause error) error
}

// Exchanger refreshes the ghost rows of the current buffer with the edge
// rows of the neighbours.
type Exchanger interface {
	Exchange(ctx context.Context, c Communicator, l Layout, b *Band) error
	// Level is the thread level the strategy needs from the transport.
	Level() ipc.ThreadLevel
	Name() string
}

// NewExchanger returns the strategy named in configs.Params.Exchange.
func NewExchanger(name string) (Exchanger, error) {
	switch name {
	case configs.ExchangeNonBlocking:
		return NonBlocking{}, nil
	case configs.ExchangeOrdered:
		return Ordered{}, nil
	}
	return nil, &configs.ConfigError{Field: "exchange", Reason: fmt.Sprintf("unknown strategy %q", name)}
}

// RequiredLevel is the thread level the named strategy needs.
func RequiredLevel(name string) (ipc.ThreadLevel, error) {
	e, err := NewExchanger(name)
	if err != nil {
		return ipc.ThreadSingle, err
	}
	return e.Level(), nil
}

// NonBlocking posts every send and receive at once and waits for all of
// them. It cannot deadlock whatever order the neighbours run in.
type NonBlocking struct{}

// Name returns configs.ExchangeNonBlocking.
func (NonBlocking) Name() string { return configs.ExchangeNonBlocking }

// Level is ThreadMultiple: the receives complete on their own goroutines.
func (NonBlocking) Level() ipc.ThreadLevel { return ipc.ThreadMultiple }

func (NonBlocking) Exchange(ctx context.Context, c Communicator, l Layout, b *Band) error {
	reqs := make([]*comm.Request, 0, 4)
	// Sends go first: they copy the row, so a receive into the same slot
	// of an overlapping band cannot clobber it.
	if up, ok := l.Up(); ok {
		reqs = append(reqs, c.Isend(ctx, up, haloTag, b.CurrentRow(l.TopRow())))
	}
	if down, ok := l.Down(); ok {
		reqs = append(reqs, c.Isend(ctx, down, haloTag, b.CurrentRow(l.BottomRow())))
	}
	if up, ok := l.Up(); ok {
		reqs = append(reqs, c.Irecv(ctx, up, haloTag, b.CurrentRow(l.TopGhost())))
	}
	if down, ok := l.Down(); ok {
		reqs = append(reqs, c.Irecv(ctx, down, haloTag, b.CurrentRow(l.BottomGhost())))
	}
	return comm.WaitAll(ctx, reqs...)
}

// Ordered uses blocking sends and receives. Pairs (even, even+1) exchange
// first, then pairs (odd, odd+1); in each pair the upper worker sends
// first and the lower one receives first.
type Ordered struct{}

// Name returns configs.ExchangeOrdered.
func (Ordered) Name() string { return configs.ExchangeOrdered }

// Level is ThreadFunneled: only the calling goroutine communicates.
func (Ordered) Level() ipc.ThreadLevel { return ipc.ThreadFunneled }

func (Ordered) Exchange(ctx context.Context, c Communicator, l Layout, b *Band) error {
	up, hasUp := l.Up()
	down, hasDown := l.Down()
	var upOut, downOut []float64
	if hasUp {
		upOut = append([]float64(nil), b.CurrentRow(l.TopRow())...)
	}
	if hasDown {
		downOut = append([]float64(nil), b.CurrentRow(l.BottomRow())...)
	}

	withDown := func() error {
		if !hasDown {
			return nil
		}
		if err := c.Send(ctx, down, haloTag, downOut); err != nil {
			return err
		}
		return c.Recv(ctx, down, haloTag, b.CurrentRow(l.BottomGhost()))
	}
	withUp := func() error {
		if !hasUp {
			return nil
		}
		if err := c.Recv(ctx, up, haloTag, b.CurrentRow(l.TopGhost())); err != nil {
			return err
		}
		return c.Send(ctx, up, haloTag, upOut)
	}

	first, second := withDown, withUp
	if l.Rank%2 == 1 {
		first, second = withUp, withDown
	}
	if err := first(); err != nil {
		return err
	}
	return second()
}

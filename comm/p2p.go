package comm

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/dashaylan/HiveStencil/ipc"
)

// Request is a pending non-blocking operation.
type Request struct {
	done chan struct{}
	err  error
}

func completed(err error) *Request {
	r := &Request{done: make(chan struct{}), err: err}
	close(r.done)
	return r
}

// Wait blocks until the operation completes and returns its error.
func (r *Request) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Test reports whether the operation has completed, and its error if so.
func (r *Request) Test() (bool, error) {
	select {
	case <-r.done:
		return true, r.err
	default:
		return false, nil
	}
}

// WaitAll waits for every request and returns the first error.
func WaitAll(ctx context.Context, reqs ...*Request) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, r := range reqs {
		if r == nil {
			continue
		}
		g.Go(func() error { return r.Wait(gctx) })
	}
	return g.Wait()
}

func (c *Comm) checkPeer(rank, tag int) error {
	if rank < 0 || rank >= c.size || rank == c.rank {
		return fmt.Errorf("%w: %d is not a peer of rank %d", ErrInvalidRank, rank, c.rank)
	}
	if tag < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTag, tag)
	}
	return nil
}

// post hands a data message to the transport and returns its sequence
// number.
func (c *Comm) post(ctx context.Context, dest, tag int, row []float64, flag, needAck bool) (uint64, error) {
	if err := c.Err(); err != nil {
		return 0, err
	}
	pt := peerTag{peer: dest, tag: tag}
	c.mu.Lock()
	seq := c.sendSeq[pt]
	c.sendSeq[pt] = seq + 1
	c.mu.Unlock()

	m := &ipc.Message{Dest: dest, Kind: ipc.KindData, Tag: tag, Seq: seq, Sync: needAck, Flag: flag, Row: row}
	c.logger.Debug("send", slog.Int("rank", c.rank), slog.String("msg", m.String()))
	if err := c.t.Send(ctx, m); err != nil {
		return 0, fmt.Errorf("comm: send to rank %d: %w", dest, err)
	}
	return seq, nil
}

// receive takes the next data message from src and acknowledges it when
// the sender waits for it.
func (c *Comm) receive(ctx context.Context, src, tag int) (*ipc.Message, error) {
	m, err := c.take(ctx, key{src: src, tag: tag, kind: ipc.KindData})
	if err != nil {
		return nil, err
	}
	if m.Sync {
		ack := &ipc.Message{Dest: src, Kind: ipc.KindAck, Tag: tag, Seq: m.Seq}
		if err := c.t.Send(ctx, ack); err != nil {
			return nil, fmt.Errorf("comm: ack to rank %d: %w", src, err)
		}
	}
	return m, nil
}

// Send sends row to dest and returns once dest has received it. Two workers
// that Send to each other before either receives block until ctx is done.
func (c *Comm) Send(ctx context.Context, dest, tag int, row []float64) error {
	if err := c.checkPeer(dest, tag); err != nil {
		return err
	}
	seq, err := c.post(ctx, dest, tag, row, false, true)
	if err != nil {
		return err
	}
	ack, err := c.take(ctx, key{src: dest, tag: tag, kind: ipc.KindAck})
	if err != nil {
		return err
	}
	if ack.Seq != seq {
		return fmt.Errorf("%w: ack %d from rank %d, sent %d", ErrOutOfOrder, ack.Seq, dest, seq)
	}
	return nil
}

// Recv receives the next row sent by src with tag into buf. The row must
// have exactly len(buf) values.
func (c *Comm) Recv(ctx context.Context, src, tag int, buf []float64) error {
	if err := c.checkPeer(src, tag); err != nil {
		return err
	}
	m, err := c.receive(ctx, src, tag)
	if err != nil {
		return err
	}
	if len(m.Row) != len(buf) {
		return fmt.Errorf("%w: rank %d sent %d values, expected %d", ErrSizeMismatch, src, len(m.Row), len(buf))
	}
	copy(buf, m.Row)
	return nil
}

// Isend hands row to the transport and returns without waiting for dest.
// row may be reused as soon as Isend returns.
func (c *Comm) Isend(ctx context.Context, dest, tag int, row []float64) *Request {
	if err := c.checkPeer(dest, tag); err != nil {
		return completed(err)
	}
	_, err := c.post(ctx, dest, tag, row, false, false)
	return completed(err)
}

// Irecv starts receiving the next row from src into buf. buf must not be
// touched until the request completes.
func (c *Comm) Irecv(ctx context.Context, src, tag int, buf []float64) *Request {
	r := &Request{done: make(chan struct{})}
	go func() {
		r.err = c.Recv(ctx, src, tag, buf)
		close(r.done)
	}()
	return r
}

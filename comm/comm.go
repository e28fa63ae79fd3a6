/*
Package comm implements an MPI-like communicator on top of an ipc.Transport.

This file contains the communicator itself: the dispatcher that sorts inbound
messages into per-(source, tag, kind) mailboxes, the startup capability check
and the job-wide abort. Point-to-point calls are in p2p.go and the
collectives in collective.go.
*/
package comm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dashaylan/HiveStencil/ipc"
)

var (
	ErrAborted      = errors.New("comm: job aborted")
	ErrOutOfOrder   = errors.New("comm: message out of order")
	ErrSizeMismatch = errors.New("comm: row size mismatch")
	ErrInvalidRank  = errors.New("comm: invalid rank")
	ErrInvalidTag   = errors.New("comm: invalid tag")
)

// ThreadLevelError is returned by New when the transport cannot provide the
// required thread level. It is fatal for the whole job.
type ThreadLevelError struct {
	Required ipc.ThreadLevel
	Provided ipc.ThreadLevel
}

func (e *ThreadLevelError) Error() string {
	return fmt.Sprintf("comm: transport provides thread level %s, %s required", e.Provided, e.Required)
}

// how long an abort notice may take to reach each peer
const abortTimeout = time.Second

type key struct {
	src, tag int
	kind     ipc.Kind
}

type peerTag struct {
	peer, tag int
}

// mailbox queues the messages of one (source, tag, kind) in arrival order.
type mailbox struct {
	mu    sync.Mutex
	queue []*ipc.Message
	next  uint64 // sequence number of the next data message
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

func (mb *mailbox) put(m *ipc.Message) {
	mb.mu.Lock()
	mb.queue = append(mb.queue, m)
	mb.mu.Unlock()
	mb.signal()
}

func (mb *mailbox) signal() {
	select {
	case mb.ready <- struct{}{}:
	default:
	}
}

// pop removes the oldest message. With checkSeq it also verifies that no
// message was skipped.
func (mb *mailbox) pop(checkSeq bool) (*ipc.Message, bool, error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.queue) == 0 {
		return nil, false, nil
	}
	m := mb.queue[0]
	mb.queue[0] = nil
	mb.queue = mb.queue[1:]
	if len(mb.queue) > 0 {
		mb.signal()
	}
	if checkSeq {
		if m.Seq != mb.next {
			return m, true, fmt.Errorf("%w: rank %d tag %d sent seq %d, expected %d", ErrOutOfOrder, m.Src, m.Tag, m.Seq, mb.next)
		}
		mb.next++
	}
	return m, true, nil
}

// Comm is the communicator of one worker.
type Comm struct {
	t          ipc.Transport
	rank, size int
	logger     *slog.Logger

	mu      sync.Mutex
	boxes   map[key]*mailbox
	sendSeq map[peerTag]uint64

	aborted   chan struct{}
	abortOnce sync.Once
	abortErr  error
	stopped   chan struct{}
}

// Option configures a Comm.
type Option func(*Comm)

// WithLogger sets the logger used for message traces and aborts.
func WithLogger(l *slog.Logger) Option {
	return func(c *Comm) { c.logger = l }
}

// New checks that t provides the required thread level and starts
// dispatching its inbound messages. When the level is not available every
// peer is told to abort and a *ThreadLevelError is returned.
func New(t ipc.Transport, required ipc.ThreadLevel, opts ...Option) (*Comm, error) {
	c := &Comm{
		t:       t,
		rank:    t.Rank(),
		size:    t.Size(),
		logger:  slog.Default(),
		boxes:   make(map[key]*mailbox),
		sendSeq: make(map[peerTag]uint64),
		aborted: make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if provided := t.Level(); provided < required {
		err := &ThreadLevelError{Required: required, Provided: provided}
		c.logger.Error("thread level not available", slog.String("required", required.String()), slog.String("provided", provided.String()))
		c.broadcastAbort(err.Error())
		return nil, err
	}
	go c.dispatch()
	return c, nil
}

// Rank is the rank of this worker.
func (c *Comm) Rank() int { return c.rank }

// Size is the number of workers in the job.
func (c *Comm) Size() int { return c.size }

// Level is the thread level of the transport.
func (c *Comm) Level() ipc.ThreadLevel { return c.t.Level() }

// Err returns the abort error once the job has been aborted, nil before.
func (c *Comm) Err() error {
	select {
	case <-c.aborted:
		return c.abortErr
	default:
		return nil
	}
}

// Aborted is closed when the job is aborted.
func (c *Comm) Aborted() <-chan struct{} { return c.aborted }

// fail marks the job aborted locally. It reports whether this call did it.
func (c *Comm) fail(cause error) bool {
	first := false
	c.abortOnce.Do(func() {
		c.abortErr = fmt.Errorf("%w: %w", ErrAborted, cause)
		close(c.aborted)
		first = true
	})
	return first
}

// Abort fails every pending and future operation of the job on every rank.
// It returns the resulting abort error.
func (c *Comm) Abort(cause error) error {
	if c.fail(cause) {
		c.logger.Error("aborting job", slog.Int("rank", c.rank), slog.Any("cause", cause))
		c.broadcastAbort(cause.Error())
	}
	return c.abortErr
}

func (c *Comm) broadcastAbort(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()
	for r := 0; r < c.size; r++ {
		if r == c.rank {
			continue
		}
		if err := c.t.Send(ctx, &ipc.Message{Dest: r, Kind: ipc.KindAbort, Reason: reason}); err != nil {
			c.logger.Debug("abort notice not delivered", slog.Int("peer", r), slog.Any("error", err))
		}
	}
}

func (c *Comm) mailbox(k key) *mailbox {
	c.mu.Lock()
	defer c.mu.Unlock()
	mb, ok := c.boxes[k]
	if !ok {
		mb = newMailbox()
		c.boxes[k] = mb
	}
	return mb
}

// dispatch sorts inbound messages into mailboxes until the transport closes.
func (c *Comm) dispatch() {
	defer close(c.stopped)
	inbox, errs := c.t.Inbox(), c.t.Errors()
	for {
		select {
		case m, ok := <-inbox:
			if !ok {
				c.fail(ipc.ErrClosed)
				return
			}
			c.logger.Debug("recv", slog.Int("rank", c.rank), slog.String("msg", m.String()))
			if m.Kind == ipc.KindAbort {
				if c.fail(fmt.Errorf("rank %d: %s", m.Src, m.Reason)) {
					c.logger.Error("job aborted by peer", slog.Int("rank", c.rank), slog.Int("peer", m.Src), slog.String("reason", m.Reason))
				}
				continue
			}
			c.mailbox(key{src: m.Src, tag: m.Tag, kind: m.Kind}).put(m)
		case err := <-errs:
			c.Abort(err)
		}
	}
}

// take waits for the next message of k.
func (c *Comm) take(ctx context.Context, k key) (*ipc.Message, error) {
	mb := c.mailbox(k)
	for {
		if err := c.Err(); err != nil {
			return nil, err
		}
		if m, ok, err := mb.pop(k.kind == ipc.KindData); ok {
			return m, err
		}
		select {
		case <-mb.ready:
		case <-c.aborted:
			return nil, c.abortErr
		case <-ctx.Done():
			return nil, fmt.Errorf("comm: waiting for %s from rank %d tag %d: %w", k.kind, k.src, k.tag, ctx.Err())
		}
	}
}

// Close closes the transport and waits for the dispatcher to stop.
func (c *Comm) Close() error {
	err := c.t.Close()
	<-c.stopped
	return err
}

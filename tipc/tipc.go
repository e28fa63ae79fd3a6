/*
Package tipc implements the test inter-process messaging layer.

A Mesh connects n in-process endpoints through buffered channels. Each
endpoint satisfies ipc.Transport, so the layers above can run a whole job
inside one process: unit tests, and the -local mode of the heat program.
Messages are copied on send, so endpoints never share row storage.
*/
package tipc

import (
	"context"
	"fmt"
	"sync"

	"github.com/dashaylan/HiveStencil/ipc"
)

const defaultInboxSize = 256

type meshConfig struct {
	level     ipc.ThreadLevel
	inboxSize int
}

// Option configures a mesh.
type Option func(*meshConfig)

// WithLevel sets the thread level the endpoints report.
func WithLevel(l ipc.ThreadLevel) Option {
	return func(c *meshConfig) { c.level = l }
}

// WithInboxSize sets the number of messages buffered by each endpoint.
func WithInboxSize(n int) Option {
	return func(c *meshConfig) { c.inboxSize = n }
}

// Endpoint is one worker's side of a mesh.
type Endpoint struct {
	rank  int
	peers []*Endpoint
	level ipc.ThreadLevel

	inbox chan *ipc.Message
	errs  chan error
	done  chan struct{}
	once  sync.Once

	mu     sync.RWMutex // held for writing while the inbox is closed
	closed bool
	broken error
}

// NewMesh returns n connected endpoints, indexed by rank.
func NewMesh(n int, opts ...Option) []*Endpoint {
	cfg := meshConfig{level: ipc.ThreadMultiple, inboxSize: defaultInboxSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	peers := make([]*Endpoint, n)
	for r := range peers {
		peers[r] = &Endpoint{
			rank:  r,
			peers: peers,
			level: cfg.level,
			inbox: make(chan *ipc.Message, cfg.inboxSize),
			errs:  make(chan error, 1),
			done:  make(chan struct{}),
		}
	}
	return peers
}

// Transports returns the endpoints as ipc.Transport values.
func Transports(eps []*Endpoint) []ipc.Transport {
	ts := make([]ipc.Transport, len(eps))
	for i, e := range eps {
		ts[i] = e
	}
	return ts
}

func (e *Endpoint) Rank() int                  { return e.rank }
func (e *Endpoint) Size() int                  { return len(e.peers) }
func (e *Endpoint) Inbox() <-chan *ipc.Message { return e.inbox }
func (e *Endpoint) Errors() <-chan error       { return e.errs }
func (e *Endpoint) Level() ipc.ThreadLevel     { return e.level }

// Break makes every later Send from this endpoint fail with err and reports
// err on Errors, as a broken link would.
func (e *Endpoint) Break(err error) {
	e.mu.Lock()
	e.broken = err
	e.mu.Unlock()
	select {
	case e.errs <- err:
	default:
	}
}

// Send copies m into the inbox of m.Dest.
func (e *Endpoint) Send(ctx context.Context, m *ipc.Message) error {
	e.mu.RLock()
	broken := e.broken
	e.mu.RUnlock()
	if broken != nil {
		return fmt.Errorf("tipc: send %v: %w", m, broken)
	}
	if m.Dest < 0 || m.Dest >= len(e.peers) {
		return fmt.Errorf("%w: rank %d", ipc.ErrUnknownPeer, m.Dest)
	}
	select {
	case <-e.done:
		return ipc.ErrClosed
	default:
	}
	c := *m
	c.Src = e.rank
	if m.Row != nil {
		c.Row = append([]float64(nil), m.Row...)
	}
	return e.peers[m.Dest].deliver(ctx, &c)
}

func (e *Endpoint) deliver(ctx context.Context, m *ipc.Message) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ipc.ErrClosed
	}
	select {
	case e.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ipc.ErrClosed
	}
}

// Close closes the inbox. Sends to a closed endpoint fail with ipc.ErrClosed.
func (e *Endpoint) Close() error {
	e.once.Do(func() {
		close(e.done)
		e.mu.Lock()
		e.closed = true
		close(e.inbox)
		e.mu.Unlock()
	})
	return nil
}

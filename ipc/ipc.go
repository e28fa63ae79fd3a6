/*
Package ipc implements the point-to-point messaging layer between the stencil
workers.

This file contains the TCP transport. Every worker listens on its node
address and dials every other worker once. The dialed connection is used to
send, the accepted one to receive, so each pair of workers shares two
connections. The first frame on a dialed connection is a HELLO carrying the
rank of the dialer, the last one a BYE sent by Close. A connection that ends
without a BYE means the peer died and is reported on Errors.
*/
package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// how many inbound messages to buffer
const inboxSize = 256

// how long Close may spend writing the BYE frame to each peer
const byeTimeout = time.Second

// Peer is the sending side of the connection to another worker.
type Peer struct {
	Rank    int
	Address string
	conn    net.Conn
	mu      sync.Mutex // serializes frames written on conn
}

// PeerMap maps ranks to peers.
type PeerMap struct {
	mut      sync.RWMutex
	internal map[int]*Peer
}

// NewPeerMap returns an empty PeerMap.
func NewPeerMap() *PeerMap {
	return &PeerMap{internal: make(map[int]*Peer)}
}

// AddPeer adds the peer and its connection to the map.
func (pm *PeerMap) AddPeer(p *Peer) {
	pm.mut.Lock()
	pm.internal[p.Rank] = p
	pm.mut.Unlock()
}

// GetPeer returns the peer and its existence.
func (pm *PeerMap) GetPeer(rank int) (*Peer, bool) {
	pm.mut.RLock()
	p, ok := pm.internal[rank]
	pm.mut.RUnlock()
	return p, ok
}

// RemovePeer removes the peer from the map.
func (pm *PeerMap) RemovePeer(rank int) {
	pm.mut.Lock()
	delete(pm.internal, rank)
	pm.mut.Unlock()
}

// NumPeers returns the number of connected peers.
func (pm *PeerMap) NumPeers() int {
	pm.mut.RLock()
	defer pm.mut.RUnlock()
	return len(pm.internal)
}

func (pm *PeerMap) closeAll() {
	pm.mut.Lock()
	defer pm.mut.Unlock()
	for r, p := range pm.internal {
		p.conn.Close()
		delete(pm.internal, r)
	}
}

// TCP is a Transport over TCP connections.
type TCP struct {
	rank, size int
	codec      Codec
	logger     *slog.Logger
	limiter    *rate.Limiter

	listener net.Listener
	peers    *PeerMap
	inbox    chan *Message
	errs     chan error

	mu      sync.Mutex // guards inbound
	inbound []net.Conn

	inboxMu sync.RWMutex // held for writing while the inbox is closed
	closed  bool

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// Option configures a TCP transport.
type Option func(*TCP)

// WithCodec sets the wire format. The default is MsgpackCodec.
func WithCodec(c Codec) Option {
	return func(t *TCP) { t.codec = c }
}

// WithLogger sets the logger of the transport.
func WithLogger(l *slog.Logger) Option {
	return func(t *TCP) { t.logger = l }
}

// WithDialRate paces connection attempts while peers are starting up.
func WithDialRate(r rate.Limit, burst int) Option {
	return func(t *TCP) { t.limiter = rate.NewLimiter(r, burst) }
}

// Listen creates the transport of worker rank out of size workers and
// starts accepting connections on addr. Call Connect before sending.
func Listen(rank, size int, addr string, opts ...Option) (*TCP, error) {
	if rank < 0 || rank >= size {
		return nil, fmt.Errorf("ipc: rank %d outside job of %d workers", rank, size)
	}
	t := &TCP{
		rank:    rank,
		size:    size,
		codec:   MsgpackCodec{},
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Every(100*time.Millisecond), size),
		peers:   NewPeerMap(),
		inbox:   make(chan *Message, inboxSize),
		errs:    make(chan error, size+1),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", addr, err)
	}
	t.listener = listener
	t.logger.Debug("ipc listening", slog.Int("rank", rank), slog.String("addr", listener.Addr().String()))

	t.wg.Add(1)
	go t.listenTask()
	return t, nil
}

// Addr returns the address the transport accepts connections on.
func (t *TCP) Addr() net.Addr { return t.listener.Addr() }

// Connect dials every other worker. addrs is indexed by rank. Workers that
// are not up yet are retried until ctx is done.
func (t *TCP) Connect(ctx context.Context, addrs []string) error {
	if len(addrs) != t.size {
		return fmt.Errorf("ipc: %d addresses for a job of %d workers", len(addrs), t.size)
	}
	g, gctx := errgroup.WithContext(ctx)
	for r, addr := range addrs {
		if r == t.rank {
			continue
		}
		g.Go(func() error {
			conn, err := t.dial(gctx, addr)
			if err != nil {
				return err
			}
			hello, err := t.codec.Encode(&Message{Src: t.rank, Dest: r, Kind: KindHello})
			if err == nil {
				err = writeFrame(conn, hello)
			}
			if err != nil {
				conn.Close()
				return fmt.Errorf("ipc: hello to rank %d: %w", r, err)
			}
			t.peers.AddPeer(&Peer{Rank: r, Address: addr, conn: conn})
			t.logger.Debug("ipc connected", slog.Int("rank", t.rank), slog.Int("peer", r), slog.String("addr", addr))
			return nil
		})
	}
	return g.Wait()
}

func (t *TCP) dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	for {
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("ipc: dial %s: %w", addr, err)
		}
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("ipc: dial %s: %w", addr, err)
		}
		t.logger.Debug("ipc dial failed, retrying", slog.String("addr", addr), slog.Any("error", err))
	}
}

func (t *TCP) Rank() int              { return t.rank }
func (t *TCP) Size() int              { return t.size }
func (t *TCP) Inbox() <-chan *Message { return t.inbox }
func (t *TCP) Errors() <-chan error   { return t.errs }
func (t *TCP) Level() ThreadLevel     { return ThreadMultiple }

// NumPeers returns the number of workers this one has dialed.
func (t *TCP) NumPeers() int { return t.peers.NumPeers() }

func (t *TCP) report(err error) {
	select {
	case t.errs <- err:
	default:
	}
}

// Send writes m to the connection of m.Dest. A message to this worker is
// put on the inbox directly.
func (t *TCP) Send(ctx context.Context, m *Message) error {
	m.Src = t.rank
	if m.Dest == t.rank {
		return t.deliverLocal(ctx, m)
	}
	p, ok := t.peers.GetPeer(m.Dest)
	if !ok {
		return fmt.Errorf("%w: rank %d", ErrUnknownPeer, m.Dest)
	}
	buf, err := t.codec.Encode(m)
	if err != nil {
		return fmt.Errorf("ipc: encode %v: %w", m, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		p.conn.SetWriteDeadline(deadline)
		defer p.conn.SetWriteDeadline(time.Time{})
	}
	if err := writeFrame(p.conn, buf); err != nil {
		select {
		case <-t.done:
			return ErrClosed
		default:
		}
		// The stream may hold a partial frame now.
		t.peers.RemovePeer(m.Dest)
		p.conn.Close()
		return fmt.Errorf("ipc: send %v: %w", m, err)
	}
	return nil
}

func (t *TCP) deliverLocal(ctx context.Context, m *Message) error {
	t.inboxMu.RLock()
	defer t.inboxMu.RUnlock()
	if t.closed {
		return ErrClosed
	}
	select {
	case t.inbox <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return ErrClosed
	}
}

// listenTask accepts connections from the other workers.
func (t *TCP) listenTask() {
	defer t.wg.Done()
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
			default:
				t.report(fmt.Errorf("ipc: accept: %w", err))
			}
			return
		}
		t.mu.Lock()
		select {
		case <-t.done:
			t.mu.Unlock()
			conn.Close()
			return
		default:
		}
		t.inbound = append(t.inbound, conn)
		t.wg.Add(1)
		t.mu.Unlock()
		go t.receiveTask(conn)
	}
}

// receiveTask reads frames from an accepted connection and puts the decoded
// messages on the inbox.
func (t *TCP) receiveTask(conn net.Conn) {
	defer t.wg.Done()
	src := -1
	bye := false
	for {
		frame, err := readFrame(conn)
		if err != nil {
			select {
			case <-t.done:
			default:
				switch {
				case bye:
				case src < 0:
					// Not one of the workers.
					if !errors.Is(err, io.EOF) {
						t.report(fmt.Errorf("ipc: receive before hello: %w", err))
					}
				default:
					t.report(fmt.Errorf("%w: rank %d: %w", ErrPeerLost, src, err))
				}
			}
			return
		}
		m, err := t.codec.Decode(frame)
		if err != nil {
			t.report(fmt.Errorf("%w: from rank %d: %v", ErrMalformed, src, err))
			return
		}
		if src < 0 {
			if m.Kind != KindHello || m.Src < 0 || m.Src >= t.size {
				t.report(fmt.Errorf("%w: expected hello, got %v", ErrMalformed, m))
				return
			}
			src = m.Src
			continue
		}
		if m.Src != src || m.Dest != t.rank {
			t.report(fmt.Errorf("%w: %v on connection from rank %d", ErrMalformed, m, src))
			return
		}
		if m.Kind == KindBye {
			t.logger.Debug("ipc peer left", slog.Int("rank", t.rank), slog.Int("peer", src))
			bye = true
			continue
		}
		select {
		case t.inbox <- m:
		case <-t.done:
			return
		}
	}
}

// sayBye writes the BYE frame on every dialed connection.
func (t *TCP) sayBye() {
	for r := 0; r < t.size; r++ {
		p, ok := t.peers.GetPeer(r)
		if !ok {
			continue
		}
		buf, err := t.codec.Encode(&Message{Src: t.rank, Dest: r, Kind: KindBye})
		if err != nil {
			continue
		}
		// The deadline also unblocks a Send stuck on a peer that stopped reading.
		p.conn.SetWriteDeadline(time.Now().Add(byeTimeout))
		p.mu.Lock()
		p.conn.SetWriteDeadline(time.Now().Add(byeTimeout))
		if err := writeFrame(p.conn, buf); err != nil {
			t.logger.Debug("ipc bye not delivered", slog.Int("peer", r), slog.Any("error", err))
		}
		p.mu.Unlock()
	}
}

// Close says goodbye to the peers, shuts the transport down and closes the
// inbox. Peers see a transport that is never closed, like a crashed
// process, as lost.
func (t *TCP) Close() error {
	var err error
	t.once.Do(func() {
		t.sayBye()
		close(t.done)
		err = t.listener.Close()
		t.peers.closeAll()
		t.mu.Lock()
		for _, c := range t.inbound {
			c.Close()
		}
		t.mu.Unlock()
		t.wg.Wait()
		t.inboxMu.Lock()
		t.closed = true
		close(t.inbox)
		t.inboxMu.Unlock()
	})
	return err
}

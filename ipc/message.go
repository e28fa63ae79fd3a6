/*
Package ipc implements the point-to-point messaging layer between the stencil
workers.

This file contains the message exchanged between workers and the transport
contract every messaging implementation satisfies.
*/
package ipc

import (
	"context"
	"errors"
	"fmt"
)

// Kind identifies what a message carries.
type Kind uint8

// List of message kinds sent between the workers
const (
	KindData  Kind = 10 /* Sender   -> Receiver : a row or a flag       */
	KindAck   Kind = 11 /* Receiver -> Sender   : synchronous send done */
	KindAbort Kind = 20 /* Any      -> All      : the job is aborting   */
	KindHello Kind = 50 /* Dialer   -> Listener : first frame on a conn */
	KindBye   Kind = 51 /* Dialer   -> Listener : last frame on a conn  */
)

var kindName = map[Kind]string{
	KindData: "DATA", KindAck: "ACK", KindAbort: "ABORT", KindHello: "HELLO", KindBye: "BYE",
}

func (k Kind) String() string {
	if s, ok := kindName[k]; ok {
		return s
	}
	return fmt.Sprintf("KIND(%d)", uint8(k))
}

// Message is the unit of communication between two workers.
type Message struct {
	Src    int       `msgpack:"src"`
	Dest   int       `msgpack:"dst"`
	Kind   Kind      `msgpack:"kind"`
	Tag    int       `msgpack:"tag"`
	Seq    uint64    `msgpack:"seq,omitempty"`
	Sync   bool      `msgpack:"sync,omitempty"` // receiver must acknowledge
	Flag   bool      `msgpack:"flag,omitempty"`
	Row    []float64 `msgpack:"row,omitempty"`
	Reason string    `msgpack:"reason,omitempty"` // abort cause
}

func (m *Message) String() string {
	return fmt.Sprintf("%s[%d->%d tag=%d seq=%d len=%d]", m.Kind, m.Src, m.Dest, m.Tag, m.Seq, len(m.Row))
}

// ThreadLevel is the concurrency a transport supports, ordered from the
// most to the least restrictive.
type ThreadLevel int

const (
	// ThreadSingle allows a single goroutine per worker.
	ThreadSingle ThreadLevel = iota
	// ThreadFunneled allows helper goroutines, but only the main one communicates.
	ThreadFunneled
	// ThreadSerialized allows any goroutine to communicate, one at a time.
	ThreadSerialized
	// ThreadMultiple allows any goroutine to communicate concurrently.
	ThreadMultiple
)

var levelName = map[ThreadLevel]string{
	ThreadSingle: "single", ThreadFunneled: "funneled",
	ThreadSerialized: "serialized", ThreadMultiple: "multiple",
}

func (l ThreadLevel) String() string {
	if s, ok := levelName[l]; ok {
		return s
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Transport moves messages between the workers of one job. Messages sent
// to the same destination are delivered in the order they were sent.
type Transport interface {
	// Rank is the ordinal of this worker, 0 <= Rank() < Size().
	Rank() int
	// Size is the number of workers in the job.
	Size() int
	// Send delivers m to m.Dest. It may block until the message is handed
	// to the network.
	Send(ctx context.Context, m *Message) error
	// Inbox carries every message addressed to this worker. It is closed
	// when the transport is closed.
	Inbox() <-chan *Message
	// Errors reports failures of the background receive path.
	Errors() <-chan error
	// Level is the concurrency the transport supports.
	Level() ThreadLevel
	Close() error
}

var (
	ErrClosed      = errors.New("ipc: transport closed")
	ErrUnknownPeer = errors.New("ipc: unknown peer")
	ErrMalformed   = errors.New("ipc: malformed frame")
	ErrPeerLost    = errors.New("ipc: peer connection lost")
)

package ipc

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// VClock maps process names to logical times.
type VClock map[string]uint64

// merge sets every entry of vc to the larger of its own and other's time.
func (vc VClock) merge(other VClock) {
	for id, ticks := range other {
		if ticks > vc[id] {
			vc[id] = ticks
		}
	}
}

// envelope is what goes on the wire: the sender's clock and the message as
// encoded by the wrapped codec.
type envelope struct {
	Clock   VClock `msgpack:"vc"`
	Payload []byte `msgpack:"p"`
}

// VectorClockCodec wraps another codec with a vector clock. Every encode is a
// send event, every decode a receive event, and each event is appended to
// the log in the ShiViz format: the process name and the clock as JSON on
// one line, the event description on the next.
type VectorClockCodec struct {
	inner Codec
	pid   string

	mu    sync.Mutex
	clock VClock
	log   io.Writer
}

// NewVectorClockCodec returns the codec of worker rank. log may be nil.
func NewVectorClockCodec(rank int, log io.Writer, inner Codec) *VectorClockCodec {
	vc := &VectorClockCodec{
		inner: inner,
		pid:   fmt.Sprintf("rank%d", rank),
		clock: VClock{},
		log:   log,
	}
	vc.mu.Lock()
	vc.tick("Initialization Complete")
	vc.mu.Unlock()
	return vc
}

// tick advances the local time and logs event. vc.mu must be held.
func (vc *VectorClockCodec) tick(event string) {
	vc.clock[vc.pid]++
	if vc.log == nil {
		return
	}
	clock, err := json.Marshal(vc.clock)
	if err != nil {
		return
	}
	fmt.Fprintf(vc.log, "%s %s\n%s\n", vc.pid, clock, event)
}

func (vc *VectorClockCodec) Encode(m *Message) ([]byte, error) {
	payload, err := vc.inner.Encode(m)
	if err != nil {
		return nil, err
	}
	vc.mu.Lock()
	vc.tick("send " + m.String())
	env := envelope{Clock: maps.Clone(vc.clock), Payload: payload}
	vc.mu.Unlock()
	return msgpack.Marshal(&env)
}

func (vc *VectorClockCodec) Decode(data []byte) (*Message, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	m, err := vc.inner.Decode(env.Payload)
	if err != nil {
		return nil, err
	}
	vc.mu.Lock()
	vc.clock.merge(env.Clock)
	vc.tick("recv " + m.String())
	vc.mu.Unlock()
	return m, nil
}

func (vc *VectorClockCodec) Name() string { return "vclock+" + vc.inner.Name() }

// Clock returns a copy of the current clock.
func (vc *VectorClockCodec) Clock() VClock {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	return maps.Clone(vc.clock)
}

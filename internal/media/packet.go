package media

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Flags mark stream boundaries on a packet.
type Flags uint32

const (
	FlagStartOfStream Flags = 1 << iota
	FlagEndOfStream
	FlagDiscontinuity
)

// Packet is a reference-counted media buffer. The producer hands a packet
// off with one reference; a consumer that keeps it beyond the call that
// received it takes another with Retain, and every holder calls Release
// exactly once. The last Release returns the buffer to its allocator.
type Packet struct {
	Payload   []byte
	Type      Type
	Timestamp time.Duration
	Duration  time.Duration
	Flags     Flags

	refs  atomic.Int32
	owner *Pool
}

// NewPacket wraps payload in a packet that is not pooled.
func NewPacket(payload []byte, t Type) *Packet {
	p := &Packet{Payload: payload, Type: t}
	p.refs.Store(1)
	return p
}

// Retain adds a reference and returns p.
func (p *Packet) Retain() *Packet {
	if p.refs.Add(1) <= 1 {
		panic("media: retain of released packet")
	}
	return p
}

// Release drops a reference.
func (p *Packet) Release() {
	n := p.refs.Add(-1)
	switch {
	case n < 0:
		panic("media: packet released too many times")
	case n == 0 && p.owner != nil:
		p.owner.put(p)
	}
}

// Refs returns the current reference count.
func (p *Packet) Refs() int {
	return int(p.refs.Load())
}

// EOS reports whether the packet carries the end-of-stream flag.
func (p *Packet) EOS() bool {
	return p.Flags&FlagEndOfStream != 0
}

// Allocator creates packets; nodes never allocate packet memory otherwise.
type Allocator interface {
	NewPacket(size int, t Type) (*Packet, error)
}

// maxPacketSize bounds a single allocation.
const maxPacketSize = 16 << 20

// Pool is an Allocator that recycles packet buffers.
type Pool struct {
	pool sync.Pool

	allocated atomic.Int64
	live      atomic.Int64
}

// NewPool creates an empty packet pool.
func NewPool() *Pool {
	return &Pool{}
}

// NewPacket returns a packet with a payload of size bytes and one reference.
func (a *Pool) NewPacket(size int, t Type) (*Packet, error) {
	if size < 0 || size > maxPacketSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPacketSize, size)
	}
	p, _ := a.pool.Get().(*Packet)
	if p == nil {
		p = &Packet{owner: a}
		a.allocated.Add(1)
	}
	if cap(p.Payload) < size {
		p.Payload = make([]byte, size)
	}
	p.Payload = p.Payload[:size]
	p.Type = t
	p.Timestamp = 0
	p.Duration = 0
	p.Flags = 0
	p.refs.Store(1)
	a.live.Add(1)
	return p, nil
}

func (a *Pool) put(p *Packet) {
	a.live.Add(-1)
	p.Type = Type{}
	a.pool.Put(p)
}

// Live returns the number of packets handed out and not yet fully released.
func (a *Pool) Live() int64 {
	return a.live.Load()
}

package node

import (
	"fmt"
	"io"

	"github.com/zsiec/tune/internal/media"
)

// Direction is the flow direction of a port relative to its node.
type Direction int

const (
	DirectionIn Direction = iota
	DirectionOut
)

func (d Direction) String() string {
	if d == DirectionIn {
		return "in"
	}
	return "out"
}

// Protocol is how a port exchanges data with its neighbor.
type Protocol int

const (
	// ProtocolPacket ports exchange discrete media packets.
	ProtocolPacket Protocol = iota
	// ProtocolStreamPull ports hand over a byte stream the consumer reads.
	ProtocolStreamPull
	// ProtocolStreamPush ports hand over a byte stream the producer writes.
	ProtocolStreamPush
)

func (p Protocol) String() string {
	switch p {
	case ProtocolPacket:
		return "packet"
	case ProtocolStreamPull:
		return "stream-pull"
	case ProtocolStreamPush:
		return "stream-push"
	}
	return fmt.Sprintf("protocol(%d)", int(p))
}

// Port is a typed connection point of a node.
type Port interface {
	Name() string
	Direction() Direction
	Protocol() Protocol

	// QueryMediaType enumerates the media types the port accepts or
	// produces. It returns media.ErrNoMoreTypes past the last one. A port
	// that only learns its type once data flows enumerates nothing.
	QueryMediaType(index int) (media.Type, error)
}

// PacketConsumer is implemented by input ports of ProtocolPacket.
type PacketConsumer interface {
	// PutPacket hands p to the port. The caller keeps its reference and
	// releases it after the call; a port that keeps p retains it. A
	// packet whose type the port does not accept fails with
	// media.ErrInvalidMediaType and leaves the node usable.
	PutPacket(p *media.Packet) error
}

// PacketProducer is implemented by output ports of ProtocolPacket.
type PacketProducer interface {
	// GetPacket returns the next packet with one reference owned by the
	// caller. It returns ErrNoData when input is needed first and ErrEOS
	// once the packet flagged media.FlagEndOfStream has been returned.
	GetPacket() (*media.Packet, error)
}

// InputStream is a readable byte stream handed over by ProtocolStreamPull.
type InputStream interface {
	io.ReadSeekCloser

	// Size returns the stream length in bytes when known.
	Size() (int64, bool)

	// Seekable reports whether Seek may be used.
	Seekable() bool
}

// OutputStream is a writable byte stream handed over by ProtocolStreamPush.
type OutputStream interface {
	io.WriteCloser
	io.Seeker

	Seekable() bool
}

// InputStreamProvider is implemented by output ports of ProtocolStreamPull.
type InputStreamProvider interface {
	InputStream() (InputStream, error)
}

// InputStreamUser is implemented by input ports of ProtocolStreamPull.
type InputStreamUser interface {
	SetInputStream(s InputStream) error
}

// OutputStreamProvider is implemented by input ports of ProtocolStreamPush.
type OutputStreamProvider interface {
	OutputStream() (OutputStream, error)
}

// OutputStreamUser is implemented by output ports of ProtocolStreamPush.
type OutputStreamUser interface {
	SetOutputStream(s OutputStream) error
}

// PortInfo implements the descriptive half of Port. Nodes embed it in their
// port types and add the capability methods.
type PortInfo struct {
	name  string
	dir   Direction
	proto Protocol
	types []media.Type
}

// NewPortInfo describes a port accepting or producing types, in order of
// preference.
func NewPortInfo(name string, dir Direction, proto Protocol, types ...media.Type) PortInfo {
	return PortInfo{name: name, dir: dir, proto: proto, types: types}
}

func (p *PortInfo) Name() string         { return p.name }
func (p *PortInfo) Direction() Direction { return p.dir }
func (p *PortInfo) Protocol() Protocol   { return p.proto }

// QueryMediaType implements Port.
func (p *PortInfo) QueryMediaType(index int) (media.Type, error) {
	if index < 0 || index >= len(p.types) {
		return media.Type{}, media.ErrNoMoreTypes
	}
	return p.types[index], nil
}

// SetMediaTypes replaces the declared types, for ports that learn their
// type from the data.
func (p *PortInfo) SetMediaTypes(types ...media.Type) {
	p.types = types
}

// CheckType returns media.ErrInvalidMediaType unless one of the declared
// types accepts t. A port declaring no types accepts everything.
func (p *PortInfo) CheckType(t media.Type) error {
	if len(p.types) == 0 {
		return nil
	}
	for _, want := range p.types {
		if want.Accepts(t) {
			return nil
		}
	}
	return fmt.Errorf("%w: port %s does not accept %s", media.ErrInvalidMediaType, p.name, t)
}

// Negotiate checks that some type out produces is accepted by in. Ports
// that enumerate no types defer the check to the first packet.
func Negotiate(out, in Port) error {
	var produced []media.Type
	for i := 0; ; i++ {
		t, err := out.QueryMediaType(i)
		if err != nil {
			break
		}
		produced = append(produced, t)
	}
	if len(produced) == 0 {
		return nil
	}
	accepted := 0
	for i := 0; ; i++ {
		want, err := in.QueryMediaType(i)
		if err != nil {
			break
		}
		accepted++
		for _, t := range produced {
			if want.Compatible(t) {
				return nil
			}
		}
	}
	if accepted == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s cannot consume what %s produces", media.ErrInvalidMediaType, in.Name(), out.Name())
}

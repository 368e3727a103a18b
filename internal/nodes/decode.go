package nodes

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zsiec/tune/internal/bitstream"
	"github.com/zsiec/tune/internal/decoder"
	"github.com/zsiec/tune/internal/media"
	"github.com/zsiec/tune/internal/node"
)

type packetInPort struct {
	node.PortInfo
	put func(*media.Packet) error
}

func (p *packetInPort) PutPacket(pk *media.Packet) error {
	return p.put(pk)
}

// Decoder turns compressed frame packets into PCM packets with a
// decoder.Decoder and an injected engine.
type Decoder struct {
	node.Base
	log      *slog.Logger
	ringSize int
	dec      *decoder.Decoder

	in  packetInPort
	out packetOutPort

	pending    *media.Packet
	pendingOff int
	inEOS      bool
	outEOS     bool

	buf          decoder.Buffer
	started      bool
	discontinued bool
}

// NewDecoder creates a decoder node consuming packets of type in, framed by
// format and decoded by engine.
func NewDecoder(engine decoder.Engine, format *bitstream.Format, in media.Type, opts ...func(*Decoder)) (*Decoder, error) {
	n := &Decoder{ringSize: decoder.DefaultRingSize}
	for _, opt := range opts {
		opt(n)
	}
	n.Base = node.NewBase(format.Name+"-decoder", n.log)
	dec, err := decoder.New(engine, format,
		decoder.DecoderOptRingSize(n.ringSize),
		decoder.DecoderOptLogger(n.log),
	)
	if err != nil {
		return nil, err
	}
	n.dec = dec
	n.in = packetInPort{
		PortInfo: node.NewPortInfo("input", node.DirectionIn, node.ProtocolPacket, in),
		put:      n.putPacket,
	}
	n.out = packetOutPort{
		PortInfo: node.NewPortInfo("output", node.DirectionOut, node.ProtocolPacket, media.Type{ID: media.TypePCM}),
		get:      n.getPacket,
	}
	return n, nil
}

// DecoderOptLogger sets the logger.
func DecoderOptLogger(l *slog.Logger) func(*Decoder) {
	return func(n *Decoder) {
		n.log = l
	}
}

// DecoderOptRingSize sets the size of the compressed input buffer.
func DecoderOptRingSize(size int) func(*Decoder) {
	return func(n *Decoder) {
		n.ringSize = size
	}
}

func (n *Decoder) InputPort() node.Port  { return &n.in }
func (n *Decoder) OutputPort() node.Port { return &n.out }

// Status returns the state of the underlying stream decoder.
func (n *Decoder) Status() decoder.Status {
	return n.dec.Status()
}

func (n *Decoder) putPacket(p *media.Packet) error {
	if err := n.in.CheckType(p.Type); err != nil {
		return err
	}
	if n.pending != nil || n.inEOS {
		return fmt.Errorf("%s: %w", n.Name(), node.ErrPortBusy)
	}
	written := n.dec.Bits().Write(p.Payload)
	if written < len(p.Payload) {
		n.pending = p.Retain()
		n.pendingOff = written
	}
	if p.EOS() {
		n.inEOS = true
		if n.pending == nil {
			n.dec.Bits().SetEOS(true)
		}
	}
	return nil
}

// drain moves held back input into the ring.
func (n *Decoder) drain() {
	if n.pending == nil {
		return
	}
	n.pendingOff += n.dec.Bits().Write(n.pending.Payload[n.pendingOff:])
	if n.pendingOff == len(n.pending.Payload) {
		n.dropPending()
		if n.inEOS {
			n.dec.Bits().SetEOS(true)
		}
	}
}

func (n *Decoder) dropPending() {
	if n.pending != nil {
		n.pending.Release()
		n.pending = nil
		n.pendingOff = 0
	}
}

func (n *Decoder) getPacket() (*media.Packet, error) {
	if n.outEOS {
		return nil, node.ErrEOS
	}
	ctx := n.Context()
	if ctx == nil {
		return nil, fmt.Errorf("%s: %w: not active", n.Name(), node.ErrInvalidState)
	}
	for {
		n.drain()
		samples, err := n.dec.DecodeFrame(&n.buf)
		switch {
		case err == nil:
			return n.emit(ctx, samples)
		case errors.Is(err, decoder.ErrSamplesSkipped):
			continue
		case errors.Is(err, decoder.ErrNoMoreSamples):
			return n.endOfStream(ctx)
		case errors.Is(err, bitstream.ErrNotEnoughData):
			if n.pending != nil {
				// Scanning frees space unless the ring holds an unfinished frame.
				if n.dec.Bits().Free() == 0 {
					return nil, fmt.Errorf("%s: %w: input buffer full without a frame", n.Name(), node.ErrInvalidState)
				}
				continue
			}
			if n.inEOS {
				return n.endOfStream(ctx)
			}
			return nil, node.ErrNoData
		case errors.Is(err, bitstream.ErrCorrupted):
			n.Log().Debug("frame not decoded", "error", err)
			continue
		default:
			return nil, fmt.Errorf("%s: %w", n.Name(), err)
		}
	}
}

func (n *Decoder) emit(ctx node.Context, samples int) (*media.Packet, error) {
	p, err := ctx.Allocator().NewPacket(len(n.buf.Data), media.PCMType(n.buf.Format))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.Name(), err)
	}
	copy(p.Payload, n.buf.Data)
	if rate := int64(n.buf.Format.SampleRate); rate > 0 {
		start := n.dec.Status().SampleCount - int64(samples)
		p.Timestamp = time.Duration(start * int64(time.Second) / rate)
		p.Duration = time.Duration(int64(samples) * int64(time.Second) / rate)
	}
	if !n.started {
		p.Flags |= media.FlagStartOfStream
		n.started = true
	}
	if n.discontinued {
		p.Flags |= media.FlagDiscontinuity
		n.discontinued = false
	}
	return p, nil
}

func (n *Decoder) endOfStream(ctx node.Context) (*media.Packet, error) {
	p, err := ctx.Allocator().NewPacket(0, media.PCMType(n.buf.Format))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.Name(), err)
	}
	p.Flags |= media.FlagEndOfStream
	n.outEOS = true
	st := n.dec.Status()
	n.Log().Debug("end of stream", "frames", st.FrameCount, "samples", st.SampleCount)
	return p, nil
}

// Seek drops buffered input once an upstream node has moved the stream,
// and continues counting from the sample it moved to.
func (n *Decoder) Seek(req *node.SeekRequest) error {
	if req.Mode != node.SeekModeIgnore {
		return nil
	}
	var sample int64
	if req.Point.Has(node.SeekPointSample) {
		sample = req.Point.Sample
	}
	n.dropPending()
	n.inEOS = false
	n.outEOS = false
	n.dec.Reposition(sample)
	n.discontinued = true
	return nil
}

// Deactivate releases held back input.
func (n *Decoder) Deactivate() error {
	n.dropPending()
	return n.Base.Deactivate()
}

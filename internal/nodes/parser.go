package nodes

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/zsiec/tune/internal/bitstream"
	"github.com/zsiec/tune/internal/media"
	"github.com/zsiec/tune/internal/node"
)

// id3HeaderSize is the size of an ID3v2 tag header (and footer).
const id3HeaderSize = 10

type streamInPort struct {
	node.PortInfo
	set func(node.InputStream) error
}

func (p *streamInPort) SetInputStream(s node.InputStream) error {
	return p.set(s)
}

type packetOutPort struct {
	node.PortInfo
	get func() (*media.Packet, error)
}

func (p *packetOutPort) GetPacket() (*media.Packet, error) {
	return p.get()
}

// FrameParser reads a byte stream, synchronizes on the frames of a
// bitstream.Format and emits one packet per frame.
//
// The side information frame some encoders put first is forwarded like
// any other frame, with zero duration, so that a decoder can inspect it.
type FrameParser struct {
	node.Base
	log    *slog.Logger
	format *bitstream.Format
	typ    media.Type

	in  streamInPort
	out packetOutPort

	stream   node.InputStream
	ring     *bitstream.Ring
	ringSize int

	readPos    int64 // bytes read from stream
	skipBytes  int64 // leading bytes still to discard (ID3 tag)
	dataStart  int64 // offset of the first byte after a leading tag
	firstFrame int64 // offset of the first frame, -1 until found
	checkedTag bool
	side       *bitstream.SideInfo

	sample       int64 // samples emitted since the start of the stream
	frames       int64
	rate         int
	published    bool
	lastBitrate  int
	started      bool
	discontinued bool
	eos          bool
}

// NewFrameParser creates a parser for frames of format producing packets of
// type t.
func NewFrameParser(format *bitstream.Format, t media.Type, opts ...func(*FrameParser)) (*FrameParser, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	n := &FrameParser{
		format:     format,
		typ:        t,
		ringSize:   1 << 16,
		firstFrame: -1,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.Base = node.NewBase(format.Name+"-parser", n.log)

	if err := format.CheckRingSize(n.ringSize); err != nil {
		return nil, err
	}
	ring, err := bitstream.NewRing(n.ringSize)
	if err != nil {
		return nil, err
	}
	n.ring = ring
	n.in = streamInPort{
		PortInfo: node.NewPortInfo("input", node.DirectionIn, node.ProtocolStreamPull),
		set:      n.setInputStream,
	}
	n.out = packetOutPort{
		PortInfo: node.NewPortInfo("output", node.DirectionOut, node.ProtocolPacket, t),
		get:      n.getPacket,
	}
	return n, nil
}

// ParserOptRingSize sets the ring buffer size, a power of two.
func ParserOptRingSize(size int) func(*FrameParser) {
	return func(n *FrameParser) {
		n.ringSize = size
	}
}

// ParserOptLogger sets the logger.
func ParserOptLogger(l *slog.Logger) func(*FrameParser) {
	return func(n *FrameParser) {
		n.log = l
	}
}

func (n *FrameParser) InputPort() node.Port  { return &n.in }
func (n *FrameParser) OutputPort() node.Port { return &n.out }

// SideInfo returns the encoder side information found in the first frame.
func (n *FrameParser) SideInfo() (bitstream.SideInfo, bool) {
	if n.side == nil {
		return bitstream.SideInfo{}, false
	}
	return *n.side, true
}

// Frames returns the number of frames emitted.
func (n *FrameParser) Frames() int64 {
	return n.frames
}

func (n *FrameParser) setInputStream(s node.InputStream) error {
	if s == nil {
		return fmt.Errorf("%s: %w: nil input stream", n.Name(), node.ErrInvalidParameters)
	}
	if n.stream != nil {
		return fmt.Errorf("%s: %w", n.Name(), node.ErrPortBusy)
	}
	n.stream = s
	return nil
}

// Deactivate drops the input stream; its provider closes it.
func (n *FrameParser) Deactivate() error {
	n.stream = nil
	n.ring.Reset()
	return n.Base.Deactivate()
}

// fill reads once from the input stream into the ring.
func (n *FrameParser) fill() error {
	if n.stream == nil {
		return fmt.Errorf("%s: %w: no input stream", n.Name(), node.ErrInvalidState)
	}
	got, err := n.ring.Fill(n.stream)
	n.readPos += int64(got)
	switch {
	case errors.Is(err, io.EOF):
		n.ring.SetEOS(true)
		return nil
	case err != nil:
		return fmt.Errorf("%s: read: %w", n.Name(), err)
	case got == 0:
		return node.ErrNoData
	}
	return nil
}

// skipTag discards a leading ID3v2 tag. It reports false while more bytes
// are needed to decide.
func (n *FrameParser) skipTag() (bool, error) {
	for n.skipBytes > 0 {
		avail := int64(n.ring.Available())
		if avail == 0 {
			if n.ring.EOS() {
				return true, nil
			}
			return false, nil
		}
		k := min(avail, n.skipBytes)
		_ = n.ring.Skip(int(k))
		n.skipBytes -= k
	}
	if n.checkedTag {
		return true, nil
	}
	var hdr [id3HeaderSize]byte
	if err := n.ring.Peek(hdr[:], 0); err != nil {
		if n.ring.EOS() {
			n.checkedTag = true
			return true, nil
		}
		return false, nil
	}
	n.checkedTag = true
	if hdr[0] != 'I' || hdr[1] != 'D' || hdr[2] != '3' {
		return true, nil
	}
	size := int64(hdr[6]&0x7F)<<21 | int64(hdr[7]&0x7F)<<14 | int64(hdr[8]&0x7F)<<7 | int64(hdr[9]&0x7F)
	size += id3HeaderSize
	if hdr[5]&0x10 != 0 {
		size += id3HeaderSize
	}
	n.dataStart = n.readPos - int64(n.ring.Available()) + size
	n.skipBytes = size
	n.Log().Debug("skipping ID3v2 tag", "size", size)
	return n.skipTag()
}

func (n *FrameParser) getPacket() (*media.Packet, error) {
	if n.eos {
		return nil, node.ErrEOS
	}
	ctx := n.Context()
	if ctx == nil {
		return nil, fmt.Errorf("%s: %w: not active", n.Name(), node.ErrInvalidState)
	}
	for {
		ok, err := n.skipTag()
		if err != nil {
			return nil, err
		}
		if !ok {
			if err := n.fill(); err != nil {
				return nil, err
			}
			continue
		}

		info, err := bitstream.FindFrame(n.ring, n.format)
		if errors.Is(err, bitstream.ErrCorrupted) {
			continue
		}
		if errors.Is(err, bitstream.ErrNotEnoughData) {
			if n.ring.EOS() {
				return n.endOfStream(ctx)
			}
			if err := n.fill(); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		return n.emit(ctx, info)
	}
}

func (n *FrameParser) emit(ctx node.Context, info bitstream.FrameInfo) (*media.Packet, error) {
	offset := n.readPos - int64(n.ring.Available())
	p, err := ctx.Allocator().NewPacket(info.Size, n.typ)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.Name(), err)
	}
	if err := n.ring.ReadFull(p.Payload); err != nil {
		p.Release()
		return nil, err
	}

	samples := int64(info.Samples)
	if n.firstFrame < 0 {
		n.firstFrame = offset
		if n.format.ParseSideInfo != nil {
			if side, ok := n.format.ParseSideInfo(p.Payload, info); ok {
				n.side = &side
				samples = 0
			}
		}
	}
	if !n.published {
		n.publish(ctx, info)
	}
	if info.Bitrate > 0 && info.Bitrate != n.lastBitrate {
		n.lastBitrate = info.Bitrate
		ctx.SetInfo(node.InfoInstantBitrate, node.StreamInfo{InstantBitrate: info.Bitrate})
	}

	if n.rate > 0 {
		p.Timestamp = time.Duration(n.sample * int64(time.Second) / int64(n.rate))
		p.Duration = time.Duration(samples * int64(time.Second) / int64(n.rate))
	}
	if !n.started {
		p.Flags |= media.FlagStartOfStream
		n.started = true
	}
	if n.discontinued {
		p.Flags |= media.FlagDiscontinuity
		n.discontinued = false
	}
	n.sample += samples
	n.frames++
	return p, nil
}

// publish reports what the first frame and its side information tell about
// the stream.
func (n *FrameParser) publish(ctx node.Context, info bitstream.FrameInfo) {
	n.published = true
	n.rate = info.SampleRate

	bitrate := info.Bitrate
	if bitrate == 0 {
		bitrate = info.ComputedBitrate()
	}
	mask := node.InfoSampleRate | node.InfoChannels | node.InfoNominalBitrate
	si := node.StreamInfo{
		SampleRate:     info.SampleRate,
		Channels:       info.Channels,
		NominalBitrate: bitrate,
	}

	var durationSamples int64
	if n.side != nil {
		si.VBR = n.side.Tag != "Info"
		mask |= node.InfoVBR
		durationSamples = n.side.DurationSamples
		if durationSamples > 0 && n.side.TotalBytes > 0 && info.SampleRate > 0 {
			si.AverageBitrate = int(n.side.TotalBytes * 8 * int64(info.SampleRate) / durationSamples)
			mask |= node.InfoAverageBitrate
		}
	}
	if durationSamples > 0 && info.SampleRate > 0 {
		si.Duration = time.Duration(durationSamples * int64(time.Second) / int64(info.SampleRate))
		mask |= node.InfoDuration
	} else if size, ok := n.streamSize(); ok && bitrate > 0 {
		si.Duration = time.Duration((size - n.firstFrame) * 8 * int64(time.Second) / int64(bitrate))
		mask |= node.InfoDuration
	}
	ctx.SetInfo(mask, si)
	n.Log().Debug("stream info",
		"sample_rate", si.SampleRate,
		"channels", si.Channels,
		"bitrate", bitrate,
		"duration", si.Duration,
	)
}

func (n *FrameParser) streamSize() (int64, bool) {
	if n.stream == nil {
		return 0, false
	}
	size, ok := n.stream.Size()
	if !ok || size <= n.firstFrame {
		return 0, false
	}
	return size, true
}

func (n *FrameParser) endOfStream(ctx node.Context) (*media.Packet, error) {
	p, err := ctx.Allocator().NewPacket(0, n.typ)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", n.Name(), err)
	}
	p.Flags |= media.FlagEndOfStream
	if n.rate > 0 {
		p.Timestamp = time.Duration(n.sample * int64(time.Second) / int64(n.rate))
	}
	n.eos = true
	n.Log().Debug("end of stream", "frames", n.frames, "samples", n.sample)
	return p, nil
}

// Seek moves the input stream to the requested point and rewrites the
// request mode to node.SeekModeIgnore. The target byte offset comes from
// the side information table of contents when there is one, and from the
// stream size otherwise.
func (n *FrameParser) Seek(req *node.SeekRequest) error {
	if req.Mode == node.SeekModeIgnore {
		return nil
	}
	if n.stream == nil || !n.stream.Seekable() {
		return fmt.Errorf("%s: %w: input is not seekable", n.Name(), node.ErrNotSupported)
	}
	ctx := n.Context()
	if ctx == nil {
		return fmt.Errorf("%s: %w: not active", n.Name(), node.ErrInvalidState)
	}
	if err := ctx.EstimateSeekPoint(req.Mode, &req.Point); err != nil {
		return err
	}

	first := max(n.firstFrame, n.dataStart)
	var target int64
	switch {
	case n.side != nil && req.Point.Has(node.SeekPointPosition):
		off, ok := n.side.SeekOffset(req.Point.Fraction())
		if !ok {
			off = int64(req.Point.Fraction() * float64(n.audioBytes(first)))
		}
		target = first + off
	case req.Point.Has(node.SeekPointPosition):
		target = first + int64(req.Point.Fraction()*float64(n.audioBytes(first)))
	case req.Point.Has(node.SeekPointOffset):
		target = max(req.Point.Offset, first)
	default:
		return fmt.Errorf("%s: %w: no byte position for seek", n.Name(), node.ErrNotSupported)
	}
	if target <= first {
		// Back at the start: the side information frame is inspected again.
		target = first
		n.firstFrame = -1
	}
	if !req.Point.Has(node.SeekPointSample) {
		req.Point.Sample = 0
	}

	if _, err := n.stream.Seek(target, io.SeekStart); err != nil {
		return fmt.Errorf("%s: seek to %d: %w", n.Name(), target, err)
	}
	n.ring.Reset()
	n.readPos = target
	n.skipBytes = 0
	n.checkedTag = target > 0
	n.sample = req.Point.Sample
	n.discontinued = true
	n.eos = false

	req.Point.Offset = target
	req.Point.Mask |= node.SeekPointOffset
	req.Mode = node.SeekModeIgnore
	n.Log().Debug("seek", "offset", target, "sample", req.Point.Sample, "time", req.Point.TimeStamp)
	return nil
}

// audioBytes returns the number of bytes from the first frame to the end of
// the stream.
func (n *FrameParser) audioBytes(first int64) int64 {
	if n.side != nil && n.side.TotalBytes > 0 {
		return n.side.TotalBytes
	}
	if size, ok := n.stream.Size(); ok && size > first {
		return size - first
	}
	return 0
}

package nodes

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/pion/rtp"

	"github.com/zsiec/tune/internal/media"
	"github.com/zsiec/tune/internal/node"
)

const (
	// Static payload types of RFC 3551.
	PayloadTypeMPA  = 14
	PayloadTypeMP2T = 33
	// PayloadTypeAAC is the dynamic payload type used for RFC 3640 AAC.
	PayloadTypeAAC = 96

	rtpHeaderSize   = 12
	rtpClockRate    = 90000
	defaultRTPMTU   = 1200
	tsPacketsPerRTP = 7
	tsPacketSize    = 188
	mpaHeaderSize   = 4
	aacHeaderSize   = 4
)

// RTPFormatter packs compressed frames into RTP packets: MPEG audio per
// RFC 2250, transport stream packets per RFC 2250 in groups of seven, and
// ADTS frames as RFC 3640 AAC-hbr access units.
type RTPFormatter struct {
	node.Base
	log *slog.Logger
	in  packetInPort
	out packetOutPort

	ssrc      uint32
	sequencer rtp.Sequencer
	mtu       int
	clock     int
	base      uint32

	queue        []*media.Packet
	ts           []byte
	tsStamp      time.Duration
	marker       bool
	outEOS       bool
	eosDelivered bool
}

// NewRTPFormatter creates an RTP formatter.
func NewRTPFormatter(opts ...func(*RTPFormatter)) *RTPFormatter {
	n := &RTPFormatter{
		ssrc:      rand.Uint32(),
		sequencer: rtp.NewRandomSequencer(),
		mtu:       defaultRTPMTU,
		clock:     rtpClockRate,
		base:      rand.Uint32(),
		marker:    true,
	}
	for _, opt := range opts {
		opt(n)
	}
	n.Base = node.NewBase("rtp-formatter", n.log)
	n.in = packetInPort{
		PortInfo: node.NewPortInfo("input", node.DirectionIn, node.ProtocolPacket,
			media.Type{ID: media.TypeMPEGAudio},
			media.Type{ID: media.TypeAAC},
			media.Type{ID: media.TypeMP2T},
		),
		put: n.putPacket,
	}
	n.out = packetOutPort{
		PortInfo: node.NewPortInfo("output", node.DirectionOut, node.ProtocolPacket, media.Type{ID: media.TypeRTP}),
		get:      n.getPacket,
	}
	return n
}

// RTPOptLogger sets the logger.
func RTPOptLogger(l *slog.Logger) func(*RTPFormatter) {
	return func(n *RTPFormatter) {
		n.log = l
	}
}

// RTPOptSSRC sets the synchronization source instead of a random one.
func RTPOptSSRC(ssrc uint32) func(*RTPFormatter) {
	return func(n *RTPFormatter) {
		n.ssrc = ssrc
	}
}

// RTPOptSequencer sets the sequence number source.
func RTPOptSequencer(s rtp.Sequencer) func(*RTPFormatter) {
	return func(n *RTPFormatter) {
		n.sequencer = s
	}
}

// RTPOptTimestampBase sets the RTP timestamp of media time zero.
func RTPOptTimestampBase(base uint32) func(*RTPFormatter) {
	return func(n *RTPFormatter) {
		n.base = base
	}
}

// RTPOptMTU sets the largest RTP packet produced.
func RTPOptMTU(mtu int) func(*RTPFormatter) {
	return func(n *RTPFormatter) {
		n.mtu = mtu
	}
}

// RTPOptClockRate sets the RTP clock, 90kHz by default. AAC streams
// usually use their sample rate.
func RTPOptClockRate(hz int) func(*RTPFormatter) {
	return func(n *RTPFormatter) {
		n.clock = hz
	}
}

func (n *RTPFormatter) InputPort() node.Port  { return &n.in }
func (n *RTPFormatter) OutputPort() node.Port { return &n.out }

func (n *RTPFormatter) putPacket(p *media.Packet) error {
	if err := n.in.CheckType(p.Type); err != nil {
		return err
	}
	if n.outEOS {
		return fmt.Errorf("rtp-formatter: %w: after end of stream", node.ErrInvalidState)
	}
	if p.Flags&media.FlagDiscontinuity != 0 {
		if err := n.flushTS(); err != nil {
			return err
		}
		n.marker = true
	}
	var err error
	if len(p.Payload) > 0 {
		switch p.Type.ID {
		case media.TypeMPEGAudio:
			err = n.packMPA(p)
		case media.TypeAAC:
			err = n.packAAC(p)
		case media.TypeMP2T:
			err = n.packTS(p)
		}
	}
	if err != nil {
		return err
	}
	if p.EOS() {
		if err := n.flushTS(); err != nil {
			return err
		}
		eos, err := n.allocate(0)
		if err != nil {
			return err
		}
		eos.Flags |= media.FlagEndOfStream
		eos.Timestamp = p.Timestamp
		n.queue = append(n.queue, eos)
		n.outEOS = true
	}
	return nil
}

func (n *RTPFormatter) timestamp(ts time.Duration) uint32 {
	return n.base + uint32(int64(ts)*int64(n.clock)/int64(time.Second))
}

func (n *RTPFormatter) allocate(size int) (*media.Packet, error) {
	ctx := n.Context()
	if ctx == nil {
		return nil, fmt.Errorf("rtp-formatter: %w: not active", node.ErrInvalidState)
	}
	p, err := ctx.Allocator().NewPacket(size, media.Type{ID: media.TypeRTP})
	if err != nil {
		return nil, fmt.Errorf("rtp-formatter: %w", err)
	}
	return p, nil
}

// enqueue marshals one RTP packet into an output packet.
func (n *RTPFormatter) enqueue(pt uint8, marker bool, ts time.Duration, payload []byte) error {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    pt,
			SequenceNumber: n.sequencer.NextSequenceNumber(),
			Timestamp:      n.timestamp(ts),
			SSRC:           n.ssrc,
		},
		Payload: payload,
	}
	out, err := n.allocate(pkt.MarshalSize())
	if err != nil {
		return err
	}
	if _, err := pkt.MarshalTo(out.Payload); err != nil {
		out.Release()
		return fmt.Errorf("rtp-formatter: marshal: %w", err)
	}
	out.Timestamp = ts
	n.queue = append(n.queue, out)
	return nil
}

// packMPA splits a frame into RFC 2250 MPEG audio packets, each led by a
// 4-byte header carrying the fragment offset.
func (n *RTPFormatter) packMPA(p *media.Packet) error {
	room := n.mtu - rtpHeaderSize - mpaHeaderSize
	if room <= 0 {
		return fmt.Errorf("rtp-formatter: %w: mtu %d", node.ErrInvalidParameters, n.mtu)
	}
	frame := p.Payload
	for off := 0; off < len(frame); off += room {
		end := min(off+room, len(frame))
		payload := make([]byte, mpaHeaderSize+end-off)
		binary.BigEndian.PutUint16(payload[2:4], uint16(off))
		copy(payload[mpaHeaderSize:], frame[off:end])
		if err := n.enqueue(PayloadTypeMPA, n.marker, p.Timestamp, payload); err != nil {
			return err
		}
		n.marker = false
	}
	return nil
}

// packAAC strips the ADTS header and sends the access unit with a single
// 13+3 bit AU header. Fragments of a large unit repeat the header and only
// the last one carries the marker.
func (n *RTPFormatter) packAAC(p *media.Packet) error {
	frame := p.Payload
	hdr := 7
	if len(frame) > 1 && frame[1]&0x01 == 0 {
		hdr = 9
	}
	if len(frame) <= hdr {
		return fmt.Errorf("rtp-formatter: %w: ADTS frame of %d bytes", media.ErrInvalidMediaFormat, len(frame))
	}
	au := frame[hdr:]
	room := n.mtu - rtpHeaderSize - aacHeaderSize
	if room <= 0 {
		return fmt.Errorf("rtp-formatter: %w: mtu %d", node.ErrInvalidParameters, n.mtu)
	}
	for off := 0; off < len(au); off += room {
		end := min(off+room, len(au))
		payload := make([]byte, aacHeaderSize+end-off)
		binary.BigEndian.PutUint16(payload[0:2], 16)
		binary.BigEndian.PutUint16(payload[2:4], uint16(len(au)<<3))
		copy(payload[aacHeaderSize:], au[off:end])
		if err := n.enqueue(PayloadTypeAAC, end == len(au), p.Timestamp, payload); err != nil {
			return err
		}
	}
	return nil
}

// packTS groups transport stream packets seven at a time.
func (n *RTPFormatter) packTS(p *media.Packet) error {
	if len(n.ts) == 0 {
		n.tsStamp = p.Timestamp
	}
	n.ts = append(n.ts, p.Payload...)
	if len(n.ts) >= tsPacketsPerRTP*tsPacketSize {
		return n.flushTS()
	}
	return nil
}

func (n *RTPFormatter) flushTS() error {
	if len(n.ts) == 0 {
		return nil
	}
	payload := n.ts
	n.ts = nil
	err := n.enqueue(PayloadTypeMP2T, n.marker, n.tsStamp, payload)
	n.marker = false
	return err
}

func (n *RTPFormatter) getPacket() (*media.Packet, error) {
	if len(n.queue) == 0 {
		if n.eosDelivered {
			return nil, node.ErrEOS
		}
		return nil, node.ErrNoData
	}
	p := n.queue[0]
	n.queue[0] = nil
	n.queue = n.queue[1:]
	if p.EOS() {
		n.eosDelivered = true
	}
	return p, nil
}

func (n *RTPFormatter) dropQueue() {
	for _, p := range n.queue {
		p.Release()
	}
	n.queue = nil
	n.ts = nil
}

// Seek drops queued packets; the next packet carries the marker bit.
func (n *RTPFormatter) Seek(req *node.SeekRequest) error {
	if req.Mode != node.SeekModeIgnore {
		return nil
	}
	n.dropQueue()
	n.marker = true
	n.outEOS = false
	n.eosDelivered = false
	return nil
}

// Deactivate releases queued packets.
func (n *RTPFormatter) Deactivate() error {
	n.dropQueue()
	return n.Base.Deactivate()
}

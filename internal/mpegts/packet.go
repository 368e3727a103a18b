package mpegts

import (
	"fmt"

	"github.com/zsiec/tune/internal/bitstream"
)

const (
	packetSize = 188
	syncByte   = 0x47
	headerSize = 4

	// Only the sync byte is stable across packets of a multiplex; PIDs,
	// flags and continuity counters all vary.
	compatMask = 0xFF000000
)

// ErrInvalidPacket is returned by ParsePacket for malformed packets.
var ErrInvalidPacket = fmt.Errorf("mpegts: invalid packet")

// Packet is a parsed 188-byte MPEG-TS transport stream packet.
type Packet struct {
	Header  PacketHeader
	Payload []byte
}

// PacketHeader contains the parsed header fields of a transport stream packet.
type PacketHeader struct {
	PID                       uint16
	ContinuityCounter         uint8
	HasAdaptationField        bool
	HasPayload                bool
	PayloadUnitStartIndicator bool
	TransportErrorIndicator   bool
	DiscontinuityIndicator    bool
}

// UnpackHeader splits the 4-byte packet header into its fields.
// DiscontinuityIndicator lives in the adaptation field and is left unset.
func UnpackHeader(h uint32) PacketHeader {
	return PacketHeader{
		TransportErrorIndicator:   h&0x800000 != 0,
		PayloadUnitStartIndicator: h&0x400000 != 0,
		PID:                       uint16(h >> 8 & 0x1FFF),
		HasAdaptationField:        h&0x20 != 0,
		HasPayload:                h&0x10 != 0,
		ContinuityCounter:         uint8(h & 0x0F),
	}
}

// ParsePacket parses one complete packet. The payload aliases buf.
func ParsePacket(buf []byte) (*Packet, error) {
	if len(buf) != packetSize {
		return nil, fmt.Errorf("%w: size %d, expected %d", ErrInvalidPacket, len(buf), packetSize)
	}
	if buf[0] != syncByte {
		return nil, fmt.Errorf("%w: sync byte 0x%02X", ErrInvalidPacket, buf[0])
	}

	p := &Packet{
		Header: UnpackHeader(uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])),
	}
	offset := headerSize

	if p.Header.HasAdaptationField {
		afLen := int(buf[offset])
		if afLen > 0 && offset+1 < packetSize {
			p.Header.DiscontinuityIndicator = buf[offset+1]&0x80 != 0
		}
		offset += 1 + afLen
		if offset > packetSize {
			offset = packetSize
		}
	}

	if p.Header.HasPayload && offset < packetSize {
		p.Payload = buf[offset:]
	}
	return p, nil
}

// ParseHeader validates a packed packet header for the frame synchronizer.
// Every packet is one frame of packetSize bytes carrying no audio samples.
func ParseHeader(packed uint64) (bitstream.FrameInfo, error) {
	h := uint32(packed)
	if h>>4&0x3 == 0 {
		return bitstream.FrameInfo{}, fmt.Errorf("%w: mpegts reserved adaptation field control", bitstream.ErrCorrupted)
	}
	return bitstream.FrameInfo{Size: packetSize}, nil
}

// Format is the transport packet grammar for bitstream.FindFrame.
var Format = &bitstream.Format{
	Name:         "mpegts",
	HeaderSize:   headerSize,
	SyncBits:     8,
	SyncWord:     syncByte,
	CompatMask:   compatMask,
	MaxFrameSize: packetSize,
	Parse:        ParseHeader,
}

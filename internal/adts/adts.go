// Package adts describes the AAC Audio Data Transport Stream header grammar
// (ISO 14496-3) for the bitstream frame synchronizer.
package adts

import (
	"fmt"

	"github.com/zsiec/tune/internal/bitstream"
)

const (
	headerSize = 7
	syncWord   = 0xFFF
	syncBits   = 12

	// The 13-bit frame length field.
	maxFrameSize = 1<<13 - 1

	// Sync, ID, layer, protection, profile, sampling frequency and channel
	// configuration must stay stable. Frame length and buffer fullness vary.
	compatMask = 0xFFFFFC_00000000 | 0x7<<30

	samplesPerBlock = 1024
)

// AAC sample rate index table (ISO 14496-3)
var sampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// Header holds the fields of a 56-bit ADTS header.
type Header struct {
	MPEG2           bool // ID bit: 1 for MPEG-2, 0 for MPEG-4
	Layer           int
	Protected       bool // a 16-bit CRC follows the header
	Profile         int  // audio object type minus one
	SampleRateIndex int
	ChannelConfig   int
	FrameLength     int // header included
	BufferFullness  int
	RawBlocks       int // raw data blocks minus one
}

// Unpack splits a packed header into its fields.
func Unpack(h uint64) Header {
	return Header{
		MPEG2:           h>>43&0x1 == 1,
		Layer:           int(h >> 41 & 0x3),
		Protected:       h>>40&0x1 == 0,
		Profile:         int(h >> 38 & 0x3),
		SampleRateIndex: int(h >> 34 & 0xF),
		ChannelConfig:   int(h >> 30 & 0x7),
		FrameLength:     int(h >> 13 & 0x1FFF),
		BufferFullness:  int(h >> 2 & 0x7FF),
		RawBlocks:       int(h & 0x3),
	}
}

// Validate rejects headers no encoder produces.
func (h Header) Validate() error {
	minLen := headerSize
	if h.Protected {
		minLen += 2
	}
	switch {
	case h.Layer != 0:
		return fmt.Errorf("%w: adts layer %d", bitstream.ErrCorrupted, h.Layer)
	case h.SampleRateIndex >= len(sampleRates):
		return fmt.Errorf("%w: adts reserved sample rate index %d", bitstream.ErrCorrupted, h.SampleRateIndex)
	case h.FrameLength < minLen:
		return fmt.Errorf("%w: adts frame length %d", bitstream.ErrCorrupted, h.FrameLength)
	}
	return nil
}

// SampleRate returns the sample rate in Hz.
func (h Header) SampleRate() int {
	return sampleRates[h.SampleRateIndex]
}

// Channels returns the channel count. Configuration 7 is 7.1; 0 means the
// layout is carried in-band and is reported as 0.
func (h Header) Channels() int {
	if h.ChannelConfig == 7 {
		return 8
	}
	return h.ChannelConfig
}

// Samples returns the number of samples per channel in the frame.
func (h Header) Samples() int {
	return (h.RawBlocks + 1) * samplesPerBlock
}

// AudioSpecificConfig returns the 2-byte MPEG-4 AudioSpecificConfig that
// describes this stream out of band.
func (h Header) AudioSpecificConfig() []byte {
	objectType := h.Profile + 1
	return []byte{
		byte(objectType<<3 | h.SampleRateIndex>>1),
		byte(h.SampleRateIndex&0x1<<7 | h.ChannelConfig<<3),
	}
}

// Info computes the frame description used by the synchronizer.
func (h Header) Info() bitstream.FrameInfo {
	level := 0
	if h.MPEG2 {
		level = 1
	}
	fi := bitstream.FrameInfo{
		Size:       h.FrameLength,
		Samples:    h.Samples(),
		SampleRate: h.SampleRate(),
		Channels:   h.Channels(),
		Layer:      h.Profile + 1,
		Level:      level,
	}
	// ADTS does not declare a bitrate.
	fi.Bitrate = fi.ComputedBitrate()
	return fi
}

// ParseHeader validates a packed header and returns its frame description.
func ParseHeader(packed uint64) (bitstream.FrameInfo, error) {
	h := Unpack(packed)
	if err := h.Validate(); err != nil {
		return bitstream.FrameInfo{}, err
	}
	return h.Info(), nil
}

// Format is the ADTS grammar for bitstream.FindFrame.
var Format = &bitstream.Format{
	Name:         "adts",
	HeaderSize:   headerSize,
	SyncBits:     syncBits,
	SyncWord:     syncWord,
	CompatMask:   compatMask,
	MaxFrameSize: maxFrameSize,
	Parse:        ParseHeader,
}

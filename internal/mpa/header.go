// Package mpa describes the MPEG-1/2/2.5 audio (layers I-III) frame header
// grammar for the bitstream frame synchronizer, and parses the Xing/Info,
// LAME and VBRI side headers that encoders place in the first frame.
package mpa

import (
	"fmt"

	"github.com/zsiec/tune/internal/bitstream"
)

// MPEG audio versions, encoded as in the header's version field.
const (
	Version25 = 0
	Version2  = 2
	Version1  = 3
)

// Channel modes.
const (
	ModeStereo      = 0
	ModeJointStereo = 1
	ModeDualChannel = 2
	ModeMono        = 3
)

const (
	syncWord   = 0x7FF
	syncBits   = 11
	headerSize = 4

	// MPEG-2.5 layer II at 160 kbit/s and 8 kHz with padding.
	maxFrameSize = 2881

	// Version, layer, sample rate and channel mode must stay stable across
	// a stream; protection, bitrate, padding and mode extension may not.
	compatMask = 0xFFFE0CC0
)

// bitrates in kbps indexed by [lsf][layer-1][index]; lsf is 1 for MPEG-2
// and MPEG-2.5.
var bitrates = [2][3][15]int{
	{
		{0, 32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448},
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384},
		{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320},
	},
	{
		{0, 32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
		{0, 8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
	},
}

var sampleRates = [4][3]int{
	Version25: {11025, 12000, 8000},
	Version2:  {22050, 24000, 16000},
	Version1:  {44100, 48000, 32000},
}

// Header holds the unpacked fields of a 32-bit MPEG audio frame header.
type Header struct {
	Version         int
	Layer           int
	Protected       bool // a 16-bit CRC follows the header
	BitrateIndex    int
	SampleRateIndex int
	Padding         bool
	Private         bool
	Mode            int
	ModeExtension   int
	Copyright       bool
	Original        bool
	Emphasis        int
}

// Unpack splits a packed header into its fields without validating them.
func Unpack(h uint32) Header {
	return Header{
		Version:         int(h >> 19 & 0x3),
		Layer:           4 - int(h>>17&0x3),
		Protected:       h>>16&0x1 == 0,
		BitrateIndex:    int(h >> 12 & 0xF),
		SampleRateIndex: int(h >> 10 & 0x3),
		Padding:         h>>9&0x1 == 1,
		Private:         h>>8&0x1 == 1,
		Mode:            int(h >> 6 & 0x3),
		ModeExtension:   int(h >> 4 & 0x3),
		Copyright:       h>>3&0x1 == 1,
		Original:        h>>2&0x1 == 1,
		Emphasis:        int(h & 0x3),
	}
}

// Validate rejects reserved field values and free-format bitrates, whose
// frame size cannot be derived from the header.
func (h Header) Validate() error {
	switch {
	case h.Version == 1:
		return fmt.Errorf("%w: mpa reserved version", bitstream.ErrCorrupted)
	case h.Layer == 4:
		return fmt.Errorf("%w: mpa reserved layer", bitstream.ErrCorrupted)
	case h.BitrateIndex == 0:
		return fmt.Errorf("%w: mpa free-format bitrate", bitstream.ErrCorrupted)
	case h.BitrateIndex == 15:
		return fmt.Errorf("%w: mpa reserved bitrate index", bitstream.ErrCorrupted)
	case h.SampleRateIndex == 3:
		return fmt.Errorf("%w: mpa reserved sample rate index", bitstream.ErrCorrupted)
	case h.Emphasis == 2:
		return fmt.Errorf("%w: mpa reserved emphasis", bitstream.ErrCorrupted)
	}
	return nil
}

func (h Header) lsf() int {
	if h.Version == Version1 {
		return 0
	}
	return 1
}

// Channels returns 1 for mono streams and 2 otherwise.
func (h Header) Channels() int {
	if h.Mode == ModeMono {
		return 1
	}
	return 2
}

// SampleRate returns the sample rate in Hz.
func (h Header) SampleRate() int {
	return sampleRates[h.Version][h.SampleRateIndex]
}

// Bitrate returns the bitrate in bits per second.
func (h Header) Bitrate() int {
	return bitrates[h.lsf()][h.Layer-1][h.BitrateIndex] * 1000
}

// SamplesPerFrame returns the number of samples per channel in one frame.
func (h Header) SamplesPerFrame() int {
	switch {
	case h.Layer == 1:
		return 384
	case h.Layer == 3 && h.Version != Version1:
		return 576
	default:
		return 1152
	}
}

// FrameSize returns the frame size in bytes, header included.
func (h Header) FrameSize() int {
	pad := 0
	if h.Padding {
		pad = 1
	}
	if h.Layer == 1 {
		return (12*h.Bitrate()/h.SampleRate() + pad) * 4
	}
	coef := 144
	if h.Layer == 3 && h.Version != Version1 {
		coef = 72
	}
	return coef*h.Bitrate()/h.SampleRate() + pad
}

// SideInfoSize returns the size of the layer III side information that
// follows the header (and CRC, if any).
func (h Header) SideInfoSize() int {
	if h.Version == Version1 {
		if h.Mode == ModeMono {
			return 17
		}
		return 32
	}
	if h.Mode == ModeMono {
		return 9
	}
	return 17
}

// Info computes the frame description used by the synchronizer.
func (h Header) Info() bitstream.FrameInfo {
	level := 0
	switch h.Version {
	case Version2:
		level = 1
	case Version25:
		level = 2
	}
	return bitstream.FrameInfo{
		Size:       h.FrameSize(),
		Samples:    h.SamplesPerFrame(),
		SampleRate: h.SampleRate(),
		Channels:   h.Channels(),
		Bitrate:    h.Bitrate(),
		Layer:      h.Layer,
		Level:      level,
	}
}

// ParseHeader validates a packed header and returns its frame description.
func ParseHeader(packed uint64) (bitstream.FrameInfo, error) {
	h := Unpack(uint32(packed))
	if err := h.Validate(); err != nil {
		return bitstream.FrameInfo{}, err
	}
	return h.Info(), nil
}

// Format is the MPEG audio grammar for bitstream.FindFrame.
var Format = &bitstream.Format{
	Name:           "mpa",
	HeaderSize:     headerSize,
	SyncBits:       syncBits,
	SyncWord:       syncWord,
	CompatMask:     compatMask,
	MaxFrameSize:   maxFrameSize,
	Parse:          ParseHeader,
	AcceptMismatch: hasVBRITag,
	ParseSideInfo:  ParseSideInfo,
}

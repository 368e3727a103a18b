package adts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/zsiec/tune/internal/bitstream"
)

// buildADTSFrame returns a 7-byte-header ADTS frame with a zero payload.
func buildADTSFrame(profile, rateIdx, channels, payload int) []byte {
	frameLen := 7 + payload
	f := make([]byte, frameLen)
	f[0] = 0xFF
	f[1] = 0xF1 // MPEG-4, layer 0, no CRC
	// Byte 2: [profile:2][sampling_freq_idx:4][private:1][channel_cfg_hi:1]
	f[2] = byte(profile<<6 | rateIdx<<2 | channels>>2)
	// Byte 3: [channel_cfg_lo:2][orig:1][home:1][copyright:2][frame_length_hi:2]
	f[3] = byte(channels&0x3<<6 | frameLen>>11&0x3)
	f[4] = byte(frameLen >> 3)
	f[5] = byte(frameLen&0x7<<5) | 0x1F // buffer fullness 0x7FF (VBR)
	f[6] = 0xFC
	return f
}

func packed(frame []byte) uint64 {
	var b [8]byte
	copy(b[1:], frame[:7])
	return binary.BigEndian.Uint64(b[:])
}

func TestParseHeader(t *testing.T) {
	t.Parallel()
	frame := buildADTSFrame(1, 3, 2, 6)
	h := Unpack(packed(frame))
	if h.MPEG2 || h.Protected || h.Layer != 0 {
		t.Errorf("unexpected flags %+v", h)
	}
	if h.FrameLength != 13 || h.BufferFullness != 0x7FF || h.RawBlocks != 0 {
		t.Errorf("length=%d fullness=%#x blocks=%d", h.FrameLength, h.BufferFullness, h.RawBlocks)
	}

	info, err := ParseHeader(packed(frame))
	if err != nil {
		t.Fatal(err)
	}
	if info.SampleRate != 48000 || info.Channels != 2 || info.Samples != 1024 || info.Size != 13 {
		t.Errorf("info = %+v", info)
	}
	if info.Layer != 2 {
		t.Errorf("object type = %d, want 2 (AAC-LC)", info.Layer)
	}
	if info.Bitrate != info.ComputedBitrate() {
		t.Errorf("bitrate = %d", info.Bitrate)
	}
}

func TestParseHeader_Invalid(t *testing.T) {
	t.Parallel()
	badRate := buildADTSFrame(1, 13, 2, 6)
	if _, err := ParseHeader(packed(badRate)); !errors.Is(err, bitstream.ErrCorrupted) {
		t.Errorf("reserved rate: %v", err)
	}
	short := buildADTSFrame(1, 3, 2, 0)
	short[4], short[5] = 0, 0x1F // frame length 0
	if _, err := ParseHeader(packed(short)); !errors.Is(err, bitstream.ErrCorrupted) {
		t.Errorf("zero length: %v", err)
	}
	layer := buildADTSFrame(1, 3, 2, 6)
	layer[1] = 0xF3
	if _, err := ParseHeader(packed(layer)); !errors.Is(err, bitstream.ErrCorrupted) {
		t.Errorf("layer 1: %v", err)
	}
}

func TestAudioSpecificConfig(t *testing.T) {
	t.Parallel()
	h := Unpack(packed(buildADTSFrame(1, 4, 2, 0)))
	// AAC-LC, 44100 Hz, stereo
	if got := h.AudioSpecificConfig(); !bytes.Equal(got, []byte{0x12, 0x10}) {
		t.Errorf("asc = %x, want 1210", got)
	}
}

func TestFindFrame_ADTS(t *testing.T) {
	t.Parallel()
	r, _ := bitstream.NewRing(1024)
	r.Write([]byte{0xFF, 0x00, 0x12})
	r.Write(buildADTSFrame(1, 4, 2, 100))
	r.Write(buildADTSFrame(1, 4, 2, 120))

	info, err := bitstream.FindFrame(r, Format)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 107 || r.Available() != 107+127 {
		t.Errorf("size=%d available=%d", info.Size, r.Available())
	}
	_ = r.Skip(info.Size)

	// Channel configuration change breaks synchronization.
	r.Write(buildADTSFrame(1, 4, 1, 10))
	if _, err := bitstream.FindFrame(r, Format); !errors.Is(err, bitstream.ErrCorrupted) {
		t.Errorf("incompatible follower: %v", err)
	}
}

func TestFormat_RingHoldsLargestFrame(t *testing.T) {
	t.Parallel()
	if got := Format.MinRingSize(); got != 16384 {
		t.Fatalf("min ring size = %d", got)
	}
	if err := Format.CheckRingSize(8192); !errors.Is(err, bitstream.ErrInvalidParameters) {
		t.Errorf("ring of 8192 accepted: %v", err)
	}

	r, _ := bitstream.NewRing(Format.MinRingSize())
	r.Write(buildADTSFrame(1, 4, 2, Format.MaxFrameSize-7))
	r.Write(buildADTSFrame(1, 4, 2, 0))
	info, err := bitstream.FindFrame(r, Format)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size != 8191 {
		t.Errorf("size = %d", info.Size)
	}
}

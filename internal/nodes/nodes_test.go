package nodes

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/tune/internal/bitstream"
	"github.com/zsiec/tune/internal/media"
	"github.com/zsiec/tune/internal/mpa"
	"github.com/zsiec/tune/internal/node"
	"github.com/zsiec/tune/internal/pipeline"
)

// MPEG-1 layer III, 128 kbit/s, 44.1 kHz, stereo: 417-byte frames of 1152
// samples.
const (
	mpaFrameSize    = 417
	mpaFrameSamples = 1152
	mpaRate         = 44100
)

func mpaFrame() []byte {
	f := make([]byte, mpaFrameSize)
	copy(f, []byte{0xFF, 0xFB, 0x90, 0x00})
	return f
}

func mpaStream(frames int) []byte {
	var b []byte
	for range frames {
		b = append(b, mpaFrame()...)
	}
	return b
}

// id3Tag returns an ID3v2.4 tag with a body of n zero bytes.
func id3Tag(n int) []byte {
	tag := []byte{'I', 'D', '3', 4, 0, 0,
		byte(n >> 21 & 0x7F), byte(n >> 14 & 0x7F), byte(n >> 7 & 0x7F), byte(n & 0x7F)}
	return append(tag, make([]byte, n)...)
}

func writeTemp(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newStream(t *testing.T, nodes ...node.Node) *pipeline.Stream {
	t.Helper()
	s := pipeline.New()
	for _, n := range nodes {
		if err := s.Add(n); err != nil {
			t.Fatalf("add %s: %v", n.Name(), err)
		}
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMPAParser(t *testing.T) *FrameParser {
	t.Helper()
	p, err := NewFrameParser(mpa.Format, media.Type{ID: media.TypeMPEGAudio})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func run(t *testing.T, s *pipeline.Stream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestFileInput_ParsesFrames(t *testing.T) {
	t.Parallel()
	data := append(id3Tag(20), mpaStream(10)...)
	path := writeTemp(t, "a.mp3", data)

	collector := NewPacketCollector(nil)
	parser := newMPAParser(t)
	s := newStream(t, NewFileInput(path, media.MIMEMPEGAudio, nil), parser, collector)
	run(t, s)

	pkts := collector.Packets()
	if len(pkts) != 11 {
		t.Fatalf("got %d packets, want 10 frames and end of stream", len(pkts))
	}
	for i, p := range pkts[:10] {
		if len(p.Payload) != mpaFrameSize {
			t.Errorf("packet %d: %d bytes", i, len(p.Payload))
		}
		want := time.Duration(int64(i*mpaFrameSamples) * int64(time.Second) / mpaRate)
		if p.Timestamp != want {
			t.Errorf("packet %d: timestamp %v, want %v", i, p.Timestamp, want)
		}
	}
	if pkts[0].Flags&media.FlagStartOfStream == 0 || pkts[1].Flags != 0 {
		t.Errorf("flags %v %v", pkts[0].Flags, pkts[1].Flags)
	}
	if !pkts[10].EOS() || len(pkts[10].Payload) != 0 || !collector.EOS() {
		t.Error("missing end-of-stream packet")
	}
	if parser.Frames() != 10 {
		t.Errorf("frames = %d", parser.Frames())
	}

	info := s.Info()
	if info.SampleRate != mpaRate || info.Channels != 2 || info.NominalBitrate != 128000 {
		t.Errorf("info %+v", info)
	}
	if info.DataType != media.MIMEMPEGAudio || info.Size != int64(len(data)) {
		t.Errorf("data type %q size %d", info.DataType, info.Size)
	}
	// 4170 bytes of audio at 128 kbit/s.
	if info.Duration != 260625*time.Microsecond {
		t.Errorf("duration %v", info.Duration)
	}
	if info.VBR {
		t.Error("CBR stream reported as VBR")
	}
}

func TestFrameParser_ResyncsAcrossGarbage(t *testing.T) {
	t.Parallel()
	var data []byte
	data = append(data, 0x00, 0xFF, 0xFF, 0x12)
	data = append(data, mpaStream(3)...)
	data = append(data, 0xFF, 0xFB, 0x00) // truncated header
	data = append(data, mpaStream(3)...)

	collector := NewPacketCollector(nil)
	s := newStream(t,
		NewReaderInput(io.NopCloser(bytes.NewReader(data)), media.MIMEMPEGAudio, nil),
		newMPAParser(t),
		collector,
	)
	run(t, s)

	// The third frame is not confirmed by the next header and is lost.
	pkts := collector.Packets()
	if len(pkts) != 6 {
		t.Fatalf("got %d packets, want 5 frames and end of stream", len(pkts))
	}
	for _, p := range pkts[:5] {
		if len(p.Payload) != mpaFrameSize || p.Payload[0] != 0xFF || p.Payload[1] != 0xFB {
			t.Fatalf("bad frame %x", p.Payload[:4])
		}
	}
}

func TestFrameParser_LargeFrames(t *testing.T) {
	t.Parallel()
	// MPEG-1 layer III at 320 kbit/s and 32 kHz: 1440-byte frames.
	var data []byte
	for range 10 {
		f := make([]byte, 1440)
		copy(f, []byte{0xFF, 0xFB, 0xE8, 0x00})
		data = append(data, f...)
	}
	collector := NewPacketCollector(nil)
	s := newStream(t,
		NewFileInput(writeTemp(t, "loud.mp3", data), media.MIMEMPEGAudio, nil),
		newMPAParser(t),
		collector,
	)
	run(t, s)

	pkts := collector.Packets()
	if len(pkts) != 11 {
		t.Fatalf("got %d packets, want 10 frames and end of stream", len(pkts))
	}
	for i, p := range pkts[:10] {
		if len(p.Payload) != 1440 {
			t.Errorf("packet %d: %d bytes", i, len(p.Payload))
		}
	}

	_, err := NewFrameParser(mpa.Format, media.Type{ID: media.TypeMPEGAudio}, ParserOptRingSize(1024))
	if !errors.Is(err, bitstream.ErrInvalidParameters) {
		t.Errorf("ring of 1024: %v", err)
	}
}

func TestFrameParser_EmptyInput(t *testing.T) {
	t.Parallel()
	collector := NewPacketCollector(nil)
	s := newStream(t,
		NewReaderInput(io.NopCloser(bytes.NewReader(nil)), "", nil),
		newMPAParser(t),
		collector,
	)
	run(t, s)
	pkts := collector.Packets()
	if len(pkts) != 1 || !pkts[0].EOS() {
		t.Fatalf("got %d packets", len(pkts))
	}
	if err := s.PumpPacket(); !errors.Is(err, node.ErrEOS) {
		t.Errorf("pump after end: %v", err)
	}
}

func TestFrameParser_SeekByPosition(t *testing.T) {
	t.Parallel()
	path := writeTemp(t, "b.mp3", append(id3Tag(20), mpaStream(10)...))

	collector := NewPacketCollector(nil)
	s := newStream(t, NewFileInput(path, "", nil), newMPAParser(t), collector)
	for range 3 {
		if err := s.PumpPacket(); err != nil {
			t.Fatal(err)
		}
	}

	// Halfway through 4170 bytes of audio is the start of frame 5.
	if err := s.SeekToPosition(1, 2); err != nil {
		t.Fatalf("seek: %v", err)
	}
	run(t, s)

	pkts := collector.Packets()
	if len(pkts) != 3+5+1 {
		t.Fatalf("got %d packets, want 9", len(pkts))
	}
	first := pkts[3]
	if first.Flags&media.FlagDiscontinuity == 0 {
		t.Errorf("first packet after seek flags %v", first.Flags)
	}
	if first.Timestamp <= pkts[2].Timestamp {
		t.Errorf("timestamp after seek %v, before %v", first.Timestamp, pkts[2].Timestamp)
	}
	if !pkts[8].EOS() {
		t.Error("no end of stream after seek")
	}
}

func TestFrameParser_SeekLiveInputFails(t *testing.T) {
	t.Parallel()
	s := newStream(t,
		NewReaderInput(io.NopCloser(bytes.NewReader(mpaStream(4))), "", nil),
		newMPAParser(t),
		NewNullOutput(nil),
	)
	if err := s.SeekToTime(time.Second); !errors.Is(err, node.ErrNotSupported) {
		t.Errorf("seek on live input: %v", err)
	}
}

func TestFileInput_MissingFile(t *testing.T) {
	t.Parallel()
	s := pipeline.New()
	err := s.Add(NewFileInput(filepath.Join(t.TempDir(), "missing.mp3"), "", nil))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v", err)
	}
	if len(s.Nodes()) != 0 {
		t.Error("failed node kept in stream")
	}
}

func TestFileInput_StreamHandedOutOnce(t *testing.T) {
	t.Parallel()
	in := NewFileInput(writeTemp(t, "c.mp3", mpaStream(1)), "", nil)
	newStream(t, in)
	if _, err := in.out.InputStream(); err != nil {
		t.Fatal(err)
	}
	if _, err := in.out.InputStream(); !errors.Is(err, node.ErrPortBusy) {
		t.Errorf("second hand-out: %v", err)
	}
}

func TestNullOutput_Counts(t *testing.T) {
	t.Parallel()
	out := NewNullOutput(nil)
	s := newStream(t,
		NewReaderInput(io.NopCloser(bytes.NewReader(mpaStream(4))), "", nil),
		newMPAParser(t),
		out,
	)
	run(t, s)
	packets, n, eos := out.Counts()
	if packets != 5 || n != 4*mpaFrameSize || !eos {
		t.Errorf("packets=%d bytes=%d eos=%v", packets, n, eos)
	}
}

func TestPacketCollector_RejectsType(t *testing.T) {
	t.Parallel()
	c := NewPacketCollector(nil, media.Type{ID: media.TypeAAC})
	p := media.NewPacket([]byte{1}, media.Type{ID: media.TypeMPEGAudio})
	if err := c.in.PutPacket(p); !errors.Is(err, media.ErrInvalidMediaType) {
		t.Errorf("err = %v", err)
	}
	if len(c.Packets()) != 0 {
		t.Error("rejected packet kept")
	}
	if err := c.in.PutPacket(media.NewPacket(nil, media.Type{ID: media.TypeAAC})); err != nil {
		t.Errorf("node unusable after rejection: %v", err)
	}
}

func TestPacketCollector_ReleasesOnDeactivate(t *testing.T) {
	t.Parallel()
	pool := media.NewPool()
	c := NewPacketCollector(nil)
	s := pipeline.New(pipeline.StreamOptAllocator(pool))
	for _, n := range []node.Node{
		NewReaderInput(io.NopCloser(bytes.NewReader(mpaStream(3))), "", nil),
		newMPAParser(t),
		c,
	} {
		if err := s.Add(n); err != nil {
			t.Fatal(err)
		}
	}
	run(t, s)
	if pool.Live() != 4 {
		t.Fatalf("live packets %d, want 4 held by the collector", pool.Live())
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if pool.Live() != 0 {
		t.Errorf("live packets after close: %d", pool.Live())
	}
}

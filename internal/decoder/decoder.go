// Package decoder drives frame synchronization and an injected decode engine
// for one compressed audio stream. It owns the stream's ring buffer and
// accounts for decoder and encoder delay, declared duration and running
// frame and sample counts.
//
// A Decoder is not safe for concurrent use. Hosts that read Status from
// another goroutine must synchronize themselves.
package decoder

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zsiec/tune/internal/bitstream"
)

var (
	// ErrNoMoreSamples is returned once the declared stream duration has
	// been emitted. It ends the stream; it is not a failure.
	ErrNoMoreSamples = errors.New("decoder: no more samples")

	// ErrSamplesSkipped is returned when every sample of a decoded frame
	// fell within the delay to skip.
	ErrSamplesSkipped = errors.New("decoder: samples skipped")
)

// DefaultRingSize is the ring buffer size used unless overridden.
const DefaultRingSize = 1 << 16

// Engine decodes one complete, already synchronized frame.
type Engine interface {
	// Decode decodes frame into out, whose Data is empty on entry. Errors
	// wrapping bitstream.ErrCorrupted mark a frame the engine could not use;
	// the decoder moves on to the next frame. An error wrapping
	// bitstream.ErrNotEnoughData means the engine took the frame but needs
	// further frames before it has samples; DecodeFrame reports it as
	// ErrSamplesSkipped.
	Decode(frame []byte, info bitstream.FrameInfo, out *Buffer) error

	// Reset discards all inter-frame state.
	Reset()

	// Delay returns the engine's algorithmic delay in samples.
	Delay() int
}

// State is the frame acquisition state.
type State int

const (
	StateNeedsFrame State = iota
	StateNeedsFrameResync
	StateHasFrame
)

func (s State) String() string {
	switch s {
	case StateNeedsFrame:
		return "needs-frame"
	case StateNeedsFrameResync:
		return "needs-frame-resync"
	case StateHasFrame:
		return "has-frame"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StreamInfo is what the decoder knows about the stream as a whole.
type StreamInfo struct {
	SampleRate      int
	Channels        int
	Bitrate         int // bits per second
	DecoderDelay    int
	EncoderDelay    int
	EncoderPadding  int
	DurationSamples int64 // 0 when unknown
	TotalBytes      int64
	VBR             bool
	SideInfo        *bitstream.SideInfo
}

// Status is a snapshot of the running decode state.
type Status struct {
	State       State
	FrameCount  int64
	SampleCount int64
	HasInfo     bool // StreamInfo was populated from the stream itself
	Info        StreamInfo
}

// Decoder is the stream decoding state machine.
type Decoder struct {
	ring   *bitstream.Ring
	format *bitstream.Format
	engine Engine
	log    *slog.Logger

	ringSize int
	state    State
	frame    bitstream.FrameInfo
	frameBuf []byte

	status     Status
	skip       int64
	primed     bool // the first frame of the stream has been inspected
	everSynced bool
}

// New creates a Decoder reading frames of format and decoding them with
// engine.
func New(engine Engine, format *bitstream.Format, opts ...func(*Decoder)) (*Decoder, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: nil engine", bitstream.ErrInvalidParameters)
	}
	if err := format.Validate(); err != nil {
		return nil, err
	}
	d := &Decoder{
		format:   format,
		engine:   engine,
		ringSize: DefaultRingSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	d.log = d.log.With("component", "decoder", "format", format.Name)

	if err := format.CheckRingSize(d.ringSize); err != nil {
		return nil, err
	}
	ring, err := bitstream.NewRing(d.ringSize)
	if err != nil {
		return nil, err
	}
	d.ring = ring
	d.status.Info.DecoderDelay = engine.Delay()
	return d, nil
}

// DecoderOptRingSize sets the ring buffer size, a power of two.
func DecoderOptRingSize(size int) func(*Decoder) {
	return func(d *Decoder) {
		d.ringSize = size
	}
}

// DecoderOptLogger sets the logger.
func DecoderOptLogger(l *slog.Logger) func(*Decoder) {
	return func(d *Decoder) {
		d.log = l
	}
}

// Bits returns the ring buffer callers write compressed bytes into.
func (d *Decoder) Bits() *bitstream.Ring {
	return d.ring
}

// State returns the current frame acquisition state.
func (d *Decoder) State() State {
	return d.state
}

// Status returns a snapshot of the decode state.
func (d *Decoder) Status() Status {
	s := d.status
	s.State = d.state
	return s
}

// SetDuration declares the stream length in samples when it is known from
// outside the bitstream. Zero removes the bound.
func (d *Decoder) SetDuration(samples int64) {
	d.status.Info.DurationSamples = samples
}

// FindFrame makes a frame ready for decoding. It returns
// bitstream.ErrNotEnoughData when more bytes must be written first.
//
// Corrupted data is scanned past internally. Before the first frame has
// been read, corrupted data only delays the search and the state stays
// StateNeedsFrame. When synchronization is lost after the stream was already
// synchronized, the state becomes StateNeedsFrameResync and the first frame
// found again is dropped, so that only a frame confirmed by the next header
// and preceded by a confirmed frame is decoded. The first frame of a stream is dropped
// too when it carries encoder side information instead of audio.
func (d *Decoder) FindFrame() (bitstream.FrameInfo, error) {
	for {
		if d.state == StateHasFrame {
			return d.frame, nil
		}

		info, err := bitstream.FindFrame(d.ring, d.format)
		if errors.Is(err, bitstream.ErrCorrupted) {
			if d.everSynced && d.state != StateNeedsFrameResync {
				d.log.Debug("lost sync", "error", err, "frame", d.status.FrameCount)
				d.state = StateNeedsFrameResync
			}
			continue
		}
		if err != nil {
			return bitstream.FrameInfo{}, err
		}

		if cap(d.frameBuf) < info.Size {
			d.frameBuf = make([]byte, info.Size)
		}
		d.frameBuf = d.frameBuf[:info.Size]
		if err := d.ring.ReadFull(d.frameBuf); err != nil {
			return bitstream.FrameInfo{}, err
		}

		if d.state == StateNeedsFrameResync {
			d.log.Debug("resynchronized, dropping first frame", "size", info.Size)
			d.state = StateNeedsFrame
			continue
		}
		d.everSynced = true

		if !d.primed {
			d.primed = true
			if d.prime(info) {
				continue
			}
		}

		d.frame = info
		d.state = StateHasFrame
		return info, nil
	}
}

// prime inspects the first frame of the stream and reports whether it is a
// side information frame that must not be decoded.
func (d *Decoder) prime(info bitstream.FrameInfo) bool {
	si := &d.status.Info
	si.SampleRate = info.SampleRate
	si.Channels = info.Channels
	si.Bitrate = info.Bitrate
	if si.Bitrate == 0 {
		si.Bitrate = info.ComputedBitrate()
	}
	d.status.HasInfo = true

	if d.format.ParseSideInfo == nil {
		return false
	}
	side, ok := d.format.ParseSideInfo(d.frameBuf, info)
	if !ok {
		return false
	}
	si.SideInfo = &side
	si.EncoderDelay = side.EncoderDelay
	si.EncoderPadding = side.EncoderPadding
	si.TotalBytes = side.TotalBytes
	si.VBR = side.Tag != "Info"
	if side.DurationSamples > 0 {
		si.DurationSamples = side.DurationSamples
		if info.SampleRate > 0 && side.TotalBytes > 0 {
			si.Bitrate = int(side.TotalBytes * 8 * int64(info.SampleRate) / side.DurationSamples)
		}
	}
	d.skip = int64(si.DecoderDelay + si.EncoderDelay + 1)
	d.log.Debug("stream side info",
		"tag", side.Tag,
		"encoder_delay", side.EncoderDelay,
		"duration_samples", side.DurationSamples,
		"skip", d.skip,
	)
	return true
}

// DecodeFrame decodes the next frame into out and returns the number of
// samples per channel it holds. It returns ErrSamplesSkipped when the whole
// frame fell within the delay or the engine held it for later frames, ErrNoMoreSamples once the declared duration
// has been emitted, and bitstream.ErrNotEnoughData when no complete frame is
// buffered yet.
func (d *Decoder) DecodeFrame(out *Buffer) (int, error) {
	duration := d.status.Info.DurationSamples
	if duration > 0 && d.status.SampleCount >= duration {
		return 0, ErrNoMoreSamples
	}
	if _, err := d.FindFrame(); err != nil {
		return 0, err
	}

	out.Data = out.Data[:0]
	err := d.engine.Decode(d.frameBuf, d.frame, out)
	d.state = StateNeedsFrame
	d.status.FrameCount++
	if err != nil {
		out.Data = out.Data[:0]
		if errors.Is(err, bitstream.ErrNotEnoughData) {
			return 0, ErrSamplesSkipped
		}
		return 0, fmt.Errorf("decoder: frame %d: %w", d.status.FrameCount, err)
	}

	n := int64(out.Samples())
	if d.skip > 0 {
		if n <= d.skip {
			d.skip -= n
			out.Truncate(0)
			return 0, ErrSamplesSkipped
		}
		out.TrimFront(int(d.skip))
		n -= d.skip
		d.skip = 0
	}
	if duration > 0 && d.status.SampleCount+n > duration {
		n = duration - d.status.SampleCount
		out.Truncate(int(n))
	}
	d.status.SampleCount += n
	return int(n), nil
}

// Reset reinitializes the engine and zeroes the frame, sample and skip
// counters. A frame that was ready is dropped. Buffered bytes are kept; use
// Flush to discard them.
func (d *Decoder) Reset() {
	d.engine.Reset()
	d.status.FrameCount = 0
	d.status.SampleCount = 0
	d.skip = 0
	if d.state == StateHasFrame {
		d.state = StateNeedsFrame
	}
}

// Flush discards all buffered bytes and clears end of stream.
func (d *Decoder) Flush() {
	d.ring.Reset()
	d.state = StateNeedsFrame
}

// Reposition prepares the decoder to continue at sample after its input was
// moved there. Repositioning to 0 restarts the stream, so the first frame is
// inspected for side information again.
func (d *Decoder) Reposition(sample int64) {
	d.Flush()
	d.Reset()
	d.status.SampleCount = sample
	d.everSynced = false
	if sample == 0 {
		d.primed = false
	}
}

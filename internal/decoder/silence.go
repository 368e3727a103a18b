package decoder

import (
	"fmt"
	"slices"

	"github.com/zsiec/tune/internal/bitstream"
	"github.com/zsiec/tune/internal/media"
)

// SilenceEngine is an Engine that produces 16-bit silence of the right
// length for every frame. It stands in for a codec when only the sample
// timeline matters, such as measuring the exact playable length of a
// stream.
type SilenceEngine struct {
	// DelaySamples is reported as the engine's algorithmic delay.
	DelaySamples int
}

// Decode appends info.Samples samples of silence per channel.
func (e *SilenceEngine) Decode(_ []byte, info bitstream.FrameInfo, out *Buffer) error {
	if info.Samples <= 0 || info.Channels <= 0 {
		return fmt.Errorf("%w: frame without samples", bitstream.ErrCorrupted)
	}
	out.Format = media.PCMFormat{SampleRate: info.SampleRate, Channels: info.Channels, BitsPerSample: 16}
	n := info.Samples * out.Format.BytesPerFrame()
	out.Data = slices.Grow(out.Data[:0], n)[:n]
	clear(out.Data)
	return nil
}

func (e *SilenceEngine) Reset() {}

func (e *SilenceEngine) Delay() int { return e.DelaySamples }

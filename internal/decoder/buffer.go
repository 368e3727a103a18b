package decoder

import "github.com/zsiec/tune/internal/media"

// Buffer holds interleaved PCM samples produced by an Engine.
type Buffer struct {
	Format media.PCMFormat
	Data   []byte
}

// Samples returns the number of samples per channel in the buffer.
func (b *Buffer) Samples() int {
	bpf := b.Format.BytesPerFrame()
	if bpf == 0 {
		return 0
	}
	return len(b.Data) / bpf
}

// TrimFront drops the first n samples per channel.
func (b *Buffer) TrimFront(n int) {
	cut := min(n*b.Format.BytesPerFrame(), len(b.Data))
	b.Data = b.Data[:copy(b.Data, b.Data[cut:])]
}

// Truncate keeps only the first n samples per channel.
func (b *Buffer) Truncate(n int) {
	if keep := n * b.Format.BytesPerFrame(); keep < len(b.Data) {
		b.Data = b.Data[:keep]
	}
}

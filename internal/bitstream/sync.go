package bitstream

import (
	"errors"
	"fmt"
)

// FrameInfo describes one frame, derived from its header alone.
type FrameInfo struct {
	Header     uint64 // packed header as read from the stream
	Size       int    // frame size in bytes, header included
	Samples    int    // samples per channel
	SampleRate int
	Channels   int
	Bitrate    int // bits per second, as declared by the header
	Layer      int
	Level      int
}

// ComputedBitrate returns 8*Size*SampleRate/Samples using truncating integer
// arithmetic, or 0 when the frame carries no samples.
func (fi FrameInfo) ComputedBitrate() int {
	if fi.Samples == 0 {
		return 0
	}
	return int(8 * int64(fi.Size) * int64(fi.SampleRate) / int64(fi.Samples))
}

// SideInfo is stream-level information some encoders embed in the first
// frame of a stream (Xing/Info, LAME, VBRI headers).
type SideInfo struct {
	Tag             string
	EncoderDelay    int
	EncoderPadding  int
	TotalFrames     int64
	TotalBytes      int64
	DurationSamples int64 // 0 when unknown
	TOC             []byte
}

// Format is a frame-header grammar. FindFrame is written against Format
// only, so a new codec framing is added by describing its header rather
// than by writing another scanner.
type Format struct {
	Name string

	// HeaderSize is the header width in bytes, 1 to 8. The whole header is
	// read big-endian into a uint64.
	HeaderSize int

	// SyncBits top bits of the header must equal SyncWord.
	SyncBits int
	SyncWord uint64

	// CompatMask selects the header bits that must match between two
	// consecutive frames of the same stream.
	CompatMask uint64

	// MaxFrameSize is the largest frame Parse can describe, or zero when
	// the grammar does not bound it.
	MaxFrameSize int

	// Parse validates a header and computes its FrameInfo. It returns an
	// error wrapping ErrCorrupted for reserved or invalid field values.
	Parse func(header uint64) (FrameInfo, error)

	// AcceptMismatch, when set, is consulted with the complete frame bytes
	// after the following header failed to confirm the frame. Returning
	// true accepts the frame anyway.
	AcceptMismatch func(frame []byte) bool

	// ParseSideInfo, when set, extracts stream-level side information from
	// the first frame of a stream.
	ParseSideInfo func(frame []byte, info FrameInfo) (SideInfo, bool)
}

func (f *Format) syncMatch(header uint64) bool {
	shift := uint(f.HeaderSize*8 - f.SyncBits)
	return header>>shift == f.SyncWord
}

// Compatible reports whether two headers may belong to the same stream.
func (f *Format) Compatible(a, b uint64) bool {
	return a&f.CompatMask == b&f.CompatMask
}

// Validate checks the grammar's construction parameters.
func (f *Format) Validate() error {
	if f.HeaderSize < 1 || f.HeaderSize > 8 {
		return fmt.Errorf("%w: %s header size %d", ErrInvalidParameters, f.Name, f.HeaderSize)
	}
	if f.SyncBits < 1 || f.SyncBits > f.HeaderSize*8 {
		return fmt.Errorf("%w: %s sync width %d", ErrInvalidParameters, f.Name, f.SyncBits)
	}
	if f.Parse == nil {
		return fmt.Errorf("%w: %s has no header parser", ErrInvalidParameters, f.Name)
	}
	if f.MaxFrameSize < 0 {
		return fmt.Errorf("%w: %s max frame size %d", ErrInvalidParameters, f.Name, f.MaxFrameSize)
	}
	return nil
}

// MinRingSize returns the smallest power-of-two ring that holds the largest
// frame together with the header after it, or 0 when frames are unbounded.
func (f *Format) MinRingSize() int {
	if f.MaxFrameSize <= 0 {
		return 0
	}
	n := 1
	for n-1 < f.MaxFrameSize+f.HeaderSize {
		n <<= 1
	}
	return n
}

// CheckRingSize fails when a ring of size bytes cannot hold every frame of
// f. FindFrame rejects frames that do not fit, so a smaller ring would
// drop valid ones.
func (f *Format) CheckRingSize(size int) error {
	if min := f.MinRingSize(); size < min {
		return fmt.Errorf("%w: %s needs a ring of at least %d bytes, got %d", ErrInvalidParameters, f.Name, min, size)
	}
	return nil
}

// FindFrame locates the next valid frame in r. On success the read cursor
// rests on the first byte of the frame; the caller consumes it with Skip or
// ReadFull.
//
// Bytes that cannot start a sync word are discarded while scanning. When the
// data runs out mid-scan, all but the last HeaderSize-1 bytes are discarded
// and ErrNotEnoughData is returned, so a retry after refilling resumes where
// the scan stopped. A sync word whose header is invalid, or that is not
// confirmed by a compatible header right after the frame, costs exactly one
// byte and yields ErrCorrupted; callers loop on ErrCorrupted.
//
// A frame is only returned once the header of the next frame is also
// buffered and confirms it. At end of stream, a last frame with fewer than
// HeaderSize bytes after it needs only its own bytes; when a full header does
// follow, it is checked as usual.
func FindFrame(r *Ring, f *Format) (FrameInfo, error) {
	hs := f.HeaderSize
	avail := r.Available()
	if avail < hs {
		return FrameInfo{}, ErrNotEnoughData
	}

	header := r.peekWord(0, hs)
	mask := uint64(1)<<(uint(hs)*8) - 1
	if hs == 8 {
		mask = ^uint64(0)
	}
	offset := 0
	for !f.syncMatch(header) {
		offset++
		if offset+hs > avail {
			_ = r.Skip(offset)
			return FrameInfo{}, ErrNotEnoughData
		}
		header = (header<<8 | uint64(r.at(offset+hs-1))) & mask
	}
	if offset > 0 {
		_ = r.Skip(offset)
		avail -= offset
	}

	info, err := f.Parse(header)
	if err == nil && info.Size < hs {
		err = fmt.Errorf("%w: %s frame size %d shorter than header", ErrCorrupted, f.Name, info.Size)
	}
	if err == nil && info.Size+hs > r.Size()-1 {
		err = fmt.Errorf("%w: %s frame size %d exceeds ring capacity", ErrCorrupted, f.Name, info.Size)
	}
	if err != nil {
		_ = r.Skip(1)
		if !errors.Is(err, ErrCorrupted) {
			err = fmt.Errorf("%w: %s: %v", ErrCorrupted, f.Name, err)
		}
		return FrameInfo{}, err
	}
	info.Header = header

	if avail < info.Size+hs {
		if r.EOS() && avail >= info.Size {
			return info, nil
		}
		return FrameInfo{}, ErrNotEnoughData
	}

	next := r.peekWord(info.Size, hs)
	if f.syncMatch(next) && f.Compatible(header, next) {
		if _, err := f.Parse(next); err == nil {
			return info, nil
		}
	}

	if f.AcceptMismatch != nil {
		frame := make([]byte, info.Size)
		if err := r.Peek(frame, 0); err == nil && f.AcceptMismatch(frame) {
			return info, nil
		}
	}

	_ = r.Skip(1)
	return FrameInfo{}, fmt.Errorf("%w: %s header at next frame does not match", ErrCorrupted, f.Name)
}

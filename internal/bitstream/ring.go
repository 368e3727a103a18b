package bitstream

import (
	"fmt"
	"io"
)

// Ring is a fixed-size circular byte buffer that accumulates raw stream bytes
// until a complete frame can be located. The size is a power of two so cursor
// wraparound is a mask; one slot is always kept free, so a Ring of size N holds
// at most N-1 bytes and in == out always means empty.
//
// A Ring is not safe for concurrent use.
type Ring struct {
	buf  []byte
	mask int
	in   int
	out  int
	eos  bool
}

// NewRing creates a Ring of the given size, which must be a power of two
// no smaller than 2.
func NewRing(size int) (*Ring, error) {
	if size < 2 || size&(size-1) != 0 {
		return nil, fmt.Errorf("%w: ring size %d is not a power of two", ErrInvalidParameters, size)
	}
	return &Ring{
		buf:  make([]byte, size),
		mask: size - 1,
	}, nil
}

// Size returns the size of the underlying array. Usable capacity is Size()-1.
func (r *Ring) Size() int {
	return len(r.buf)
}

// Available returns the number of bytes that can be read.
func (r *Ring) Available() int {
	return (r.in - r.out) & r.mask
}

// Free returns the number of bytes that can be written.
func (r *Ring) Free() int {
	return r.mask - r.Available()
}

// ContiguousAvailable returns how many bytes can be read from the read cursor
// without wrapping.
func (r *Ring) ContiguousAvailable() int {
	if r.in >= r.out {
		return r.in - r.out
	}
	return len(r.buf) - r.out
}

// ContiguousFree returns how many bytes can be written at the write cursor
// without wrapping.
func (r *Ring) ContiguousFree() int {
	if r.in < r.out {
		return r.out - r.in - 1
	}
	n := len(r.buf) - r.in
	if r.out == 0 {
		n--
	}
	return n
}

// Write appends as much of p as fits and returns the number of bytes copied.
// It never blocks; a short count means the caller must retry the remainder
// after reading.
func (r *Ring) Write(p []byte) int {
	n := min(len(p), r.Free())
	if n == 0 {
		return 0
	}
	first := copy(r.buf[r.in:], p[:n])
	if first < n {
		copy(r.buf, p[first:n])
	}
	r.in = (r.in + n) & r.mask
	return n
}

// Fill performs a single Read from src into the contiguous free region and
// returns the number of bytes added. It returns 0, nil when the Ring is full.
func (r *Ring) Fill(src io.Reader) (int, error) {
	free := r.ContiguousFree()
	if free == 0 {
		return 0, nil
	}
	n, err := src.Read(r.buf[r.in : r.in+free])
	if n > 0 {
		r.in = (r.in + n) & r.mask
	}
	return n, err
}

// ReadFull copies len(p) bytes out of the Ring and advances the read cursor.
// It fails with ErrNotEnoughData, leaving the Ring untouched, when fewer than
// len(p) bytes are available.
func (r *Ring) ReadFull(p []byte) error {
	if err := r.Peek(p, 0); err != nil {
		return err
	}
	r.out = (r.out + len(p)) & r.mask
	return nil
}

// Peek copies len(p) bytes starting offset bytes past the read cursor,
// without consuming them.
func (r *Ring) Peek(p []byte, offset int) error {
	if offset < 0 || offset+len(p) > r.Available() {
		return ErrNotEnoughData
	}
	start := (r.out + offset) & r.mask
	first := copy(p, r.buf[start:])
	if first < len(p) {
		copy(p[first:], r.buf)
	}
	return nil
}

// Skip discards n bytes.
func (r *Ring) Skip(n int) error {
	if n < 0 || n > r.Available() {
		return ErrNotEnoughData
	}
	r.out = (r.out + n) & r.mask
	return nil
}

// Reset discards all content and clears the end-of-stream marker.
func (r *Ring) Reset() {
	r.in = 0
	r.out = 0
	r.eos = false
}

// SetEOS marks whether the producer will write no more bytes.
func (r *Ring) SetEOS(eos bool) {
	r.eos = eos
}

// EOS reports whether the end-of-stream marker is set.
func (r *Ring) EOS() bool {
	return r.eos
}

// at returns the byte offset bytes past the read cursor. The caller
// guarantees offset < Available().
func (r *Ring) at(offset int) byte {
	return r.buf[(r.out+offset)&r.mask]
}

// peekWord reads size bytes big-endian starting offset bytes past the read
// cursor.
func (r *Ring) peekWord(offset, size int) uint64 {
	var w uint64
	for i := 0; i < size; i++ {
		w = w<<8 | uint64(r.at(offset+i))
	}
	return w
}

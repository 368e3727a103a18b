package bitstream

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestNewRing_RejectsNonPowerOfTwo(t *testing.T) {
	t.Parallel()
	for _, size := range []int{0, 1, 3, 1000, -8} {
		if _, err := NewRing(size); !errors.Is(err, ErrInvalidParameters) {
			t.Errorf("NewRing(%d) error = %v, want ErrInvalidParameters", size, err)
		}
	}
	if _, err := NewRing(1024); err != nil {
		t.Fatalf("NewRing(1024): %v", err)
	}
}

func TestRing_Empty(t *testing.T) {
	t.Parallel()
	r, _ := NewRing(16)
	if r.Available() != 0 {
		t.Errorf("Available = %d, want 0", r.Available())
	}
	if r.Free() != 15 {
		t.Errorf("Free = %d, want 15", r.Free())
	}
	if err := r.ReadFull(make([]byte, 1)); !errors.Is(err, ErrNotEnoughData) {
		t.Errorf("ReadFull on empty ring: %v", err)
	}
}

func TestRing_PartialWrite(t *testing.T) {
	t.Parallel()
	r, _ := NewRing(8)
	n := r.Write([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9})
	if n != 7 {
		t.Fatalf("Write returned %d, want 7 (capacity-1)", n)
	}
	if r.Free() != 0 {
		t.Errorf("Free = %d after filling", r.Free())
	}
	if n := r.Write([]byte{10}); n != 0 {
		t.Errorf("Write into full ring returned %d", n)
	}
}

func TestRing_RoundTripAcrossWrap(t *testing.T) {
	t.Parallel()
	r, _ := NewRing(16)
	var next byte
	// Writes of every length up to capacity-1 at shifting cursor positions
	// cross the wrap boundary many times.
	for round := 0; round < 64; round++ {
		n := round%15 + 1
		in := make([]byte, n)
		for i := range in {
			in[i] = next
			next++
		}
		if w := r.Write(in); w != n {
			t.Fatalf("round %d: wrote %d of %d", round, w, n)
		}
		out := make([]byte, n)
		if err := r.ReadFull(out); err != nil {
			t.Fatalf("round %d: ReadFull: %v", round, err)
		}
		if !bytes.Equal(in, out) {
			t.Fatalf("round %d: got %v, want %v", round, out, in)
		}
	}
}

func TestRing_FreeSpaceInvariant(t *testing.T) {
	t.Parallel()
	r, _ := NewRing(32)
	check := func(step string) {
		t.Helper()
		if got := r.Free() + r.Available(); got != r.Size()-1 {
			t.Fatalf("%s: Free+Available = %d, want %d", step, got, r.Size()-1)
		}
		if r.ContiguousAvailable() > r.Available() {
			t.Fatalf("%s: ContiguousAvailable %d > Available %d", step, r.ContiguousAvailable(), r.Available())
		}
		if r.ContiguousFree() > r.Free() {
			t.Fatalf("%s: ContiguousFree %d > Free %d", step, r.ContiguousFree(), r.Free())
		}
	}
	check("initial")
	sizes := []int{5, 20, 31, 3, 17, 9, 30, 1}
	for i, n := range sizes {
		r.Write(make([]byte, n))
		check("write")
		skip := (n + i) % (r.Available() + 1)
		if err := r.Skip(skip); err != nil {
			t.Fatalf("Skip(%d): %v", skip, err)
		}
		check("skip")
	}
	r.Reset()
	check("reset")
}

func TestRing_ContiguousRegions(t *testing.T) {
	t.Parallel()
	r, _ := NewRing(8)
	r.Write([]byte{0, 1, 2, 3, 4, 5})
	_ = r.Skip(5)
	// out=5, in=6
	if got := r.ContiguousFree(); got != 2 {
		t.Errorf("ContiguousFree = %d, want 2", got)
	}
	r.Write([]byte{6, 7, 8, 9})
	// in wrapped to 2
	if got := r.ContiguousAvailable(); got != 3 {
		t.Errorf("ContiguousAvailable = %d, want 3", got)
	}
	if got := r.ContiguousFree(); got != 2 {
		t.Errorf("ContiguousFree after wrap = %d, want 2", got)
	}
	out := make([]byte, 5)
	if err := r.ReadFull(out); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(out, []byte{5, 6, 7, 8, 9}) {
		t.Errorf("got %v", out)
	}
}

func TestRing_PeekDoesNotConsume(t *testing.T) {
	t.Parallel()
	r, _ := NewRing(8)
	r.Write([]byte{1, 2, 3, 4})
	p := make([]byte, 2)
	if err := r.Peek(p, 1); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(p, []byte{2, 3}) {
		t.Errorf("Peek = %v", p)
	}
	if r.Available() != 4 {
		t.Errorf("Available = %d after Peek", r.Available())
	}
	if err := r.Peek(p, 3); !errors.Is(err, ErrNotEnoughData) {
		t.Errorf("Peek past end: %v", err)
	}
}

func TestRing_Fill(t *testing.T) {
	t.Parallel()
	r, _ := NewRing(8)
	src := strings.NewReader("abcdefghij")
	total := 0
	for {
		n, err := r.Fill(src)
		total += n
		if err != nil || n == 0 {
			break
		}
	}
	if total != 7 {
		t.Fatalf("filled %d bytes, want 7", total)
	}
	_ = r.Skip(4)
	n, err := r.Fill(src)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Fill after skip added %d, want 1 (contiguous tail)", n)
	}
	n, _ = r.Fill(src)
	if n != 2 {
		t.Errorf("Fill at wrapped cursor added %d, want 2", n)
	}
	if _, err := r.Fill(src); err != nil && err != io.EOF {
		t.Errorf("unexpected error %v", err)
	}
}

func TestRing_ResetClearsEOS(t *testing.T) {
	t.Parallel()
	r, _ := NewRing(8)
	r.Write([]byte{1, 2})
	r.SetEOS(true)
	r.Reset()
	if r.EOS() || r.Available() != 0 {
		t.Errorf("Reset left eos=%v available=%d", r.EOS(), r.Available())
	}
}

package bitstream

import "testing"

func TestSeekOffset(t *testing.T) {
	t.Parallel()
	toc := make([]byte, 100)
	for i := range toc {
		toc[i] = byte(i * 256 / 100)
	}
	side := SideInfo{TotalBytes: 1000, TOC: toc}

	tests := []struct {
		fraction float64
		want     int64
	}{
		{0, 0},
		{0.5, 500},
		{1, 1000},
		{2, 1000},
		{-1, 0},
	}
	for _, tt := range tests {
		got, ok := side.SeekOffset(tt.fraction)
		if !ok || got != tt.want {
			t.Errorf("SeekOffset(%v) = %d, %v; want %d", tt.fraction, got, ok, tt.want)
		}
	}

	if _, ok := (SideInfo{TotalBytes: 1000}).SeekOffset(0.5); ok {
		t.Error("missing TOC must report false")
	}
}

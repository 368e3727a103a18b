package bitstream

// SeekOffset maps a fraction of the stream duration (0 to 1) to a byte offset
// relative to the first frame, interpolating linearly between the 100 TOC
// entries. It reports false when the stream has no usable table of contents.
func (s SideInfo) SeekOffset(fraction float64) (int64, bool) {
	if len(s.TOC) != 100 || s.TotalBytes <= 0 {
		return 0, false
	}
	percent := fraction * 100
	switch {
	case percent < 0:
		percent = 0
	case percent > 100:
		percent = 100
	}
	i := int(percent)
	if i > 99 {
		i = 99
	}
	fa := float64(s.TOC[i])
	fb := 256.0
	if i < 99 {
		fb = float64(s.TOC[i+1])
	}
	fx := fa + (fb-fa)*(percent-float64(i))
	return int64(fx / 256 * float64(s.TotalBytes)), true
}

package node

import (
	"fmt"
	"time"
)

// SeekMode selects which field of a SeekPoint is the seek target.
type SeekMode int

const (
	// SeekModeIgnore means the target has already been reached upstream;
	// a node only flushes its position-dependent state.
	SeekModeIgnore SeekMode = iota
	SeekModeByTimeStamp
	SeekModeByPosition
	SeekModeBySample
)

func (m SeekMode) String() string {
	switch m {
	case SeekModeIgnore:
		return "ignore"
	case SeekModeByTimeStamp:
		return "timestamp"
	case SeekModeByPosition:
		return "position"
	case SeekModeBySample:
		return "sample"
	}
	return fmt.Sprintf("seek-mode(%d)", int(m))
}

// SeekPointMask records which SeekPoint fields are valid.
type SeekPointMask uint

const (
	SeekPointTimeStamp SeekPointMask = 1 << iota
	SeekPointPosition
	SeekPointOffset
	SeekPointSample
)

// SeekPoint is a stream position in every unit a node may need.
type SeekPoint struct {
	Mask SeekPointMask

	TimeStamp time.Duration

	// Position is Offset/Range of the way through the stream.
	Position struct {
		Offset int64
		Range  int64
	}

	// Offset is a byte offset in the input stream.
	Offset int64

	// Sample is a sample index at the stream sample rate.
	Sample int64
}

// Has reports whether all fields in m are valid.
func (p *SeekPoint) Has(m SeekPointMask) bool {
	return p.Mask&m == m
}

// Fraction returns Position as a value between 0 and 1.
func (p *SeekPoint) Fraction() float64 {
	if p.Position.Range <= 0 {
		return 0
	}
	return float64(p.Position.Offset) / float64(p.Position.Range)
}

// SeekRequest travels through the nodes of a stream from input to output.
// The node that repositions the stream rewrites Mode to SeekModeIgnore.
type SeekRequest struct {
	Mode  SeekMode
	Point SeekPoint
}

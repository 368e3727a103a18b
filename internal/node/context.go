package node

import (
	"time"

	"github.com/zsiec/tune/internal/media"
)

// InfoMask records which StreamInfo fields are set.
type InfoMask uint

const (
	InfoDataType InfoMask = 1 << iota
	InfoSampleRate
	InfoChannels
	InfoNominalBitrate
	InfoAverageBitrate
	InfoInstantBitrate
	InfoDuration
	InfoSize
	InfoVBR
)

// StreamInfo is the stream-wide description nodes publish as they learn it.
type StreamInfo struct {
	Mask InfoMask

	DataType       string // MIME type of the compressed input
	SampleRate     int
	Channels       int
	NominalBitrate int
	AverageBitrate int
	InstantBitrate int
	Duration       time.Duration
	Size           int64
	VBR            bool
}

// Merge copies the fields of other selected by mask into si.
func (si *StreamInfo) Merge(mask InfoMask, other StreamInfo) {
	if mask&InfoDataType != 0 {
		si.DataType = other.DataType
	}
	if mask&InfoSampleRate != 0 {
		si.SampleRate = other.SampleRate
	}
	if mask&InfoChannels != 0 {
		si.Channels = other.Channels
	}
	if mask&InfoNominalBitrate != 0 {
		si.NominalBitrate = other.NominalBitrate
	}
	if mask&InfoAverageBitrate != 0 {
		si.AverageBitrate = other.AverageBitrate
	}
	if mask&InfoInstantBitrate != 0 {
		si.InstantBitrate = other.InstantBitrate
	}
	if mask&InfoDuration != 0 {
		si.Duration = other.Duration
	}
	if mask&InfoSize != 0 {
		si.Size = other.Size
	}
	if mask&InfoVBR != 0 {
		si.VBR = other.VBR
	}
	si.Mask |= mask
}

// Context is the stream a node is activated in.
type Context interface {
	// SetInfo publishes the fields of info selected by mask.
	SetInfo(mask InfoMask, info StreamInfo)

	// Info returns the stream info published so far.
	Info() StreamInfo

	// EstimateSeekPoint fills in the fields of point that can be derived
	// from the field mode selects and the published stream info.
	EstimateSeekPoint(mode SeekMode, point *SeekPoint) error

	// Nodes returns the stream's nodes from input to output.
	Nodes() []Node

	// Allocator creates the packets nodes emit.
	Allocator() media.Allocator
}

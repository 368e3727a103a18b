// Package media defines the packets and media type descriptors that flow
// between the nodes of a pipeline stream.
package media

import "fmt"

// TypeID identifies a media type for fast comparison. IDs are handed out
// by the pipeline registry; the well-known ones below are always present.
type TypeID uint32

const (
	TypeNone TypeID = iota
	TypePCM
	TypeMPEGAudio
	TypeAAC
	TypeMP2T
	TypeRTP
	TypeWAV

	// TypeDynamic is the first ID assigned to types registered at runtime.
	TypeDynamic TypeID = 1000
)

// MIME strings of the well-known types.
const (
	MIMEPCM       = "audio/pcm"
	MIMEMPEGAudio = "audio/mpeg"
	MIMEAAC       = "audio/aac"
	MIMEMP2T      = "video/mp2t"
	MIMERTP       = "application/rtp"
	MIMEWAV       = "audio/wav"
)

// PCMFormat describes interleaved PCM samples. Zero fields are unknown.
type PCMFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
	Float         bool
}

// BytesPerFrame returns the size of one sample across all channels.
func (f PCMFormat) BytesPerFrame() int {
	return f.Channels * f.BitsPerSample / 8
}

func (f PCMFormat) complete() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.BitsPerSample > 0
}

// Type is a media type descriptor: an ID plus format-specific fields.
type Type struct {
	ID TypeID

	// PCM is set for TypePCM.
	PCM PCMFormat

	// Config carries out-of-band codec configuration, such as an MPEG-4
	// AudioSpecificConfig.
	Config []byte
}

// PCMType returns a PCM media type.
func PCMType(f PCMFormat) Type {
	return Type{ID: TypePCM, PCM: f}
}

// Accepts reports whether a port declaring t can consume packets of type
// other. PCM fields left at zero in t match any value, so a port may accept
// a format it only learns once data flows.
func (t Type) Accepts(other Type) bool {
	if t.ID != other.ID {
		return false
	}
	if t.ID != TypePCM {
		return true
	}
	match := func(want, got int) bool { return want == 0 || want == got }
	return match(t.PCM.SampleRate, other.PCM.SampleRate) &&
		match(t.PCM.Channels, other.PCM.Channels) &&
		match(t.PCM.BitsPerSample, other.PCM.BitsPerSample) &&
		(t.PCM.BitsPerSample == 0 || t.PCM.Float == other.PCM.Float)
}

// Compatible reports whether t and other could describe the same data,
// treating zero PCM fields on either side as unknown. It is used when
// negotiating between ports before any data has flowed.
func (t Type) Compatible(other Type) bool {
	if t.ID != other.ID {
		return false
	}
	if t.ID != TypePCM {
		return true
	}
	match := func(a, b int) bool { return a == 0 || b == 0 || a == b }
	return match(t.PCM.SampleRate, other.PCM.SampleRate) &&
		match(t.PCM.Channels, other.PCM.Channels) &&
		match(t.PCM.BitsPerSample, other.PCM.BitsPerSample)
}

// CheckPCM returns ErrInvalidMediaFormat unless t is a fully specified PCM
// type.
func (t Type) CheckPCM() error {
	if t.ID != TypePCM {
		return fmt.Errorf("%w: type %d is not PCM", ErrInvalidMediaType, t.ID)
	}
	if !t.PCM.complete() {
		return fmt.Errorf("%w: incomplete PCM format %+v", ErrInvalidMediaFormat, t.PCM)
	}
	return nil
}

func (t Type) String() string {
	if t.ID == TypePCM {
		return fmt.Sprintf("pcm(%dHz,%dch,%dbit)", t.PCM.SampleRate, t.PCM.Channels, t.PCM.BitsPerSample)
	}
	return fmt.Sprintf("type(%d)", t.ID)
}

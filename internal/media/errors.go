package media

import "errors"

var (
	// ErrInvalidMediaType is returned when a packet's type does not match
	// what the receiving port accepts. The packet is rejected; the node
	// stays usable.
	ErrInvalidMediaType = errors.New("media: invalid media type")

	// ErrInvalidMediaFormat is returned when a type is right but its
	// format fields are unusable.
	ErrInvalidMediaFormat = errors.New("media: invalid media format")

	// ErrNoMoreTypes ends a media type enumeration.
	ErrNoMoreTypes = errors.New("media: no more types")

	ErrInvalidPacketSize = errors.New("media: invalid packet size")
)

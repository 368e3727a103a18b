package node

import "errors"

var (
	// ErrNoData is returned by GetPacket when the node needs more input
	// before it can produce a packet.
	ErrNoData = errors.New("node: no data")

	// ErrEOS is returned by GetPacket after the end-of-stream packet was
	// delivered. It ends the stream; it is not a failure.
	ErrEOS = errors.New("node: end of stream")

	ErrInvalidParameters = errors.New("node: invalid parameters")
	ErrNotSupported      = errors.New("node: not supported")
	ErrInvalidState      = errors.New("node: invalid state")

	// ErrPortBusy is returned by PutPacket when the port still holds a
	// packet it has not processed.
	ErrPortBusy = errors.New("node: port busy")
)

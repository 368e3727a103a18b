// Package bitstream accumulates raw stream bytes in a circular buffer and
// locates frame boundaries inside them using a pluggable header grammar.
package bitstream

import "errors"

var (
	// ErrNotEnoughData means more bytes must be written before the operation
	// can succeed. It is recoverable: refill and retry.
	ErrNotEnoughData = errors.New("bitstream: not enough data")

	// ErrCorrupted means a candidate frame was rejected. The read cursor has
	// advanced by one byte; retrying continues the scan.
	ErrCorrupted = errors.New("bitstream: corrupted bitstream")

	// ErrInvalidParameters reports inconsistent construction parameters.
	ErrInvalidParameters = errors.New("bitstream: invalid parameters")
)

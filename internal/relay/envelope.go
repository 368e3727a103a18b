// Package relay carries media packets between processes over QUIC. A
// sender opens one unidirectional stream per media stream and writes
// msgpack-encoded envelopes to it; a server accepts connections, decodes
// the envelopes and hands them to a handler, tracking active streams by
// key.
package relay

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/zsiec/tune/internal/media"
)

// ALPN is the TLS application protocol of the relay.
const ALPN = "tune-relay/1"

// ErrDuplicateStream is returned when a stream key is already active.
var ErrDuplicateStream = errors.New("relay: duplicate stream")

// Envelope is one media packet on the wire.
type Envelope struct {
	Stream    string `msgpack:"stream"`
	Seq       uint64 `msgpack:"seq"`
	Type      string `msgpack:"type"`
	Timestamp int64  `msgpack:"ts"`
	Duration  int64  `msgpack:"dur,omitempty"`
	Flags     uint32 `msgpack:"flags,omitempty"`
	Payload   []byte `msgpack:"payload"`
}

// NewEnvelope describes p as packet seq of stream, with type named mime.
func NewEnvelope(stream string, seq uint64, mime string, p *media.Packet) Envelope {
	return Envelope{
		Stream:    stream,
		Seq:       seq,
		Type:      mime,
		Timestamp: int64(p.Timestamp),
		Duration:  int64(p.Duration),
		Flags:     uint32(p.Flags),
		Payload:   p.Payload,
	}
}

// Time returns the packet timestamp.
func (e *Envelope) Time() time.Duration {
	return time.Duration(e.Timestamp)
}

// EOS reports whether the envelope ends its stream.
func (e *Envelope) EOS() bool {
	return media.Flags(e.Flags)&media.FlagEndOfStream != 0
}

// Encoder writes envelopes to a byte stream.
type Encoder struct {
	enc *msgpack.Encoder
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	enc := msgpack.NewEncoder(w)
	enc.UseCompactInts(true)
	return &Encoder{enc: enc}
}

// Encode writes one envelope.
func (e *Encoder) Encode(env *Envelope) error {
	if err := e.enc.Encode(env); err != nil {
		return fmt.Errorf("relay: encode envelope %d: %w", env.Seq, err)
	}
	return nil
}

// Decoder reads envelopes from a byte stream.
type Decoder struct {
	dec *msgpack.Decoder
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: msgpack.NewDecoder(r)}
}

// Decode reads the next envelope into env. It returns io.EOF at a clean end
// of the stream.
func (d *Decoder) Decode(env *Envelope) error {
	*env = Envelope{}
	if err := d.dec.Decode(env); err != nil {
		if errors.Is(err, io.EOF) {
			return io.EOF
		}
		return fmt.Errorf("relay: decode envelope: %w", err)
	}
	return nil
}

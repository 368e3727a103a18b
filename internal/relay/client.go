package relay

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/quic-go/quic-go"
)

// closeWait bounds how long Close waits for the server.
const closeWait = 5 * time.Second

// Sender writes the envelopes of one stream to a relay server.
type Sender struct {
	log    *slog.Logger
	conn   quic.Connection
	stream quic.SendStream
	enc    *Encoder
}

// Dial connects to the relay at addr and opens the stream envelopes are
// sent on.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, log *slog.Logger) (*Sender, error) {
	if log == nil {
		log = slog.Default()
	}
	tlsConf = tlsConf.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: dial %s: %w", addr, err)
	}
	st, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("relay: open stream: %w", err)
	}
	return &Sender{
		log:    log.With("component", "relay-sender", "remote", conn.RemoteAddr().String()),
		conn:   conn,
		stream: st,
		enc:    NewEncoder(st),
	}, nil
}

// Send writes one envelope. It blocks while the peer applies flow control.
func (s *Sender) Send(env *Envelope) error {
	return s.enc.Encode(env)
}

// Close finishes the stream and waits for the server to confirm it has
// read everything by closing the connection.
func (s *Sender) Close() error {
	err := s.stream.Close()
	select {
	case <-s.conn.Context().Done():
	case <-time.After(closeWait):
		s.log.Debug("relay did not close the connection")
	}
	s.conn.CloseWithError(0, "")
	return err
}

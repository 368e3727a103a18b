package nodes

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/tune/internal/media"
	"github.com/zsiec/tune/internal/node"
	"github.com/zsiec/tune/internal/relay"
)

// QUICConfig describes where a QUICOutput sends packets.
type QUICConfig struct {
	Addr string
	TLS  *tls.Config

	// StreamKey names the stream at the relay; a random UUID when empty.
	StreamKey string

	// TypeName maps media type IDs to the names carried in envelopes.
	// Types it does not know are sent by their String form.
	TypeName func(media.TypeID) (string, bool)

	DialTimeout time.Duration
}

// QUICOutput sends every packet it consumes to a relay server.
type QUICOutput struct {
	node.Base
	cfg    QUICConfig
	in     packetInPort
	sender *relay.Sender
	seq    uint64
	closed bool
}

// NewQUICOutput creates a QUIC output accepting packets of any type.
func NewQUICOutput(cfg QUICConfig, log *slog.Logger) *QUICOutput {
	if cfg.StreamKey == "" {
		cfg.StreamKey = uuid.NewString()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	n := &QUICOutput{
		Base: node.NewBase("quic-output", log),
		cfg:  cfg,
	}
	n.in = packetInPort{
		PortInfo: node.NewPortInfo("input", node.DirectionIn, node.ProtocolPacket),
		put:      n.putPacket,
	}
	return n
}

func (n *QUICOutput) InputPort() node.Port  { return &n.in }
func (n *QUICOutput) OutputPort() node.Port { return nil }

// StreamKey returns the key the stream is sent under.
func (n *QUICOutput) StreamKey() string {
	return n.cfg.StreamKey
}

// Open connects to the relay.
func (n *QUICOutput) Open(ctx context.Context) error {
	if n.sender != nil {
		return nil
	}
	if n.cfg.Addr == "" || n.cfg.TLS == nil {
		return fmt.Errorf("quic-output: %w: address and TLS configuration are required", node.ErrInvalidParameters)
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
	defer cancel()
	s, err := relay.Dial(ctx, n.cfg.Addr, n.cfg.TLS, n.Log())
	if err != nil {
		return fmt.Errorf("quic-output: %w", err)
	}
	n.sender = s
	n.seq = 0
	n.closed = false
	n.Log().Info("connected", "addr", n.cfg.Addr, "stream_key", n.cfg.StreamKey)
	return nil
}

// Activate connects unless Open already did.
func (n *QUICOutput) Activate(ctx node.Context) error {
	if err := n.Base.Activate(ctx); err != nil {
		return err
	}
	if err := n.Open(context.Background()); err != nil {
		_ = n.Base.Deactivate()
		return err
	}
	return nil
}

func (n *QUICOutput) typeName(t media.Type) string {
	if n.cfg.TypeName != nil {
		if name, ok := n.cfg.TypeName(t.ID); ok {
			return name
		}
	}
	return t.String()
}

func (n *QUICOutput) putPacket(p *media.Packet) error {
	if n.sender == nil || n.closed {
		return fmt.Errorf("quic-output: %w: not connected", node.ErrInvalidState)
	}
	env := relay.NewEnvelope(n.cfg.StreamKey, n.seq, n.typeName(p.Type), p)
	if err := n.sender.Send(&env); err != nil {
		return fmt.Errorf("quic-output: %w", err)
	}
	n.seq++
	if p.EOS() {
		n.closed = true
		if err := n.sender.Close(); err != nil {
			return fmt.Errorf("quic-output: close: %w", err)
		}
		n.Log().Info("stream sent", "stream_key", n.cfg.StreamKey, "packets", n.seq)
	}
	return nil
}

// Sent returns the number of packets sent.
func (n *QUICOutput) Sent() uint64 {
	return n.seq
}

// Deactivate closes the connection.
func (n *QUICOutput) Deactivate() error {
	var err error
	if n.sender != nil && !n.closed {
		err = n.sender.Close()
	}
	n.sender = nil
	_ = n.Base.Deactivate()
	return err
}

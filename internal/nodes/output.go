package nodes

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/zsiec/tune/internal/media"
	"github.com/zsiec/tune/internal/node"
)

type fileOutStream struct {
	*os.File
}

func (s fileOutStream) Seekable() bool { return true }

type streamPushInPort struct {
	node.PortInfo
	open func() (node.OutputStream, error)
}

func (p *streamPushInPort) OutputStream() (node.OutputStream, error) {
	return p.open()
}

// FileOutput creates a file and hands it upstream as a byte stream.
type FileOutput struct {
	node.Base
	path   string
	in     streamPushInPort
	stream *fileOutStream
}

// NewFileOutput creates an output writing to path, truncating it.
func NewFileOutput(path string, log *slog.Logger) *FileOutput {
	n := &FileOutput{
		Base: node.NewBase("file-output", log),
		path: path,
	}
	n.in = streamPushInPort{
		PortInfo: node.NewPortInfo("input", node.DirectionIn, node.ProtocolStreamPush),
		open: func() (node.OutputStream, error) {
			if n.stream == nil {
				return nil, fmt.Errorf("file-output: %w: not active", node.ErrInvalidState)
			}
			return n.stream, nil
		},
	}
	return n
}

func (n *FileOutput) InputPort() node.Port  { return &n.in }
func (n *FileOutput) OutputPort() node.Port { return nil }

// Activate creates the file.
func (n *FileOutput) Activate(ctx node.Context) error {
	if err := n.Base.Activate(ctx); err != nil {
		return err
	}
	f, err := os.Create(n.path)
	if err != nil {
		_ = n.Base.Deactivate()
		return fmt.Errorf("file-output: %w", err)
	}
	n.stream = &fileOutStream{File: f}
	return nil
}

// Deactivate closes the file.
func (n *FileOutput) Deactivate() error {
	var err error
	if n.stream != nil {
		err = n.stream.Close()
		n.stream = nil
		n.Log().Debug("closed", "path", n.path)
	}
	_ = n.Base.Deactivate()
	return err
}

// NullOutput consumes and discards packets, counting them.
type NullOutput struct {
	node.Base
	in      packetInPort
	packets int64
	bytes   int64
	eos     bool
}

// NewNullOutput creates a sink accepting packets of any type.
func NewNullOutput(log *slog.Logger) *NullOutput {
	n := &NullOutput{Base: node.NewBase("null-output", log)}
	n.in = packetInPort{
		PortInfo: node.NewPortInfo("input", node.DirectionIn, node.ProtocolPacket),
		put: func(p *media.Packet) error {
			n.packets++
			n.bytes += int64(len(p.Payload))
			if p.EOS() {
				n.eos = true
			}
			return nil
		},
	}
	return n
}

func (n *NullOutput) InputPort() node.Port  { return &n.in }
func (n *NullOutput) OutputPort() node.Port { return nil }

// Counts returns the packets and payload bytes consumed, and whether end of
// stream was seen.
func (n *NullOutput) Counts() (packets, bytes int64, eos bool) {
	return n.packets, n.bytes, n.eos
}

// PacketCollector keeps every packet it receives. Unlike the other nodes
// its contents may be read from any goroutine.
type PacketCollector struct {
	node.Base
	in packetInPort

	mu      sync.Mutex
	packets []*media.Packet
	eos     bool
}

// NewPacketCollector creates a collector accepting the given types, or any
// type when none are given.
func NewPacketCollector(log *slog.Logger, types ...media.Type) *PacketCollector {
	n := &PacketCollector{Base: node.NewBase("packet-collector", log)}
	n.in = packetInPort{
		PortInfo: node.NewPortInfo("input", node.DirectionIn, node.ProtocolPacket, types...),
		put:      n.putPacket,
	}
	return n
}

func (n *PacketCollector) InputPort() node.Port  { return &n.in }
func (n *PacketCollector) OutputPort() node.Port { return nil }

func (n *PacketCollector) putPacket(p *media.Packet) error {
	if err := n.in.CheckType(p.Type); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.packets = append(n.packets, p.Retain())
	if p.EOS() {
		n.eos = true
	}
	return nil
}

// Packets returns the collected packets. They stay owned by the collector.
func (n *PacketCollector) Packets() []*media.Packet {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*media.Packet(nil), n.packets...)
}

// EOS reports whether the end-of-stream packet arrived.
func (n *PacketCollector) EOS() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.eos
}

// Reset releases every collected packet.
func (n *PacketCollector) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range n.packets {
		p.Release()
	}
	n.packets = nil
	n.eos = false
}

// Seek forgets end of stream so the collector keeps accepting packets.
func (n *PacketCollector) Seek(*node.SeekRequest) error {
	n.mu.Lock()
	n.eos = false
	n.mu.Unlock()
	return nil
}

// Deactivate releases every collected packet.
func (n *PacketCollector) Deactivate() error {
	n.Reset()
	return n.Base.Deactivate()
}

package nodes

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/zsiec/tune/internal/media"
	"github.com/zsiec/tune/internal/node"
)

const (
	wavHeaderSize  = 44
	wavFormatPCM   = 1
	wavFormatFloat = 3

	// wavUnknownSize is written while the data length is unknown.
	wavUnknownSize = 0xFFFFFFFF
)

type streamPushOutPort struct {
	node.PortInfo
	set func(node.OutputStream) error
}

func (p *streamPushOutPort) SetOutputStream(s node.OutputStream) error {
	return p.set(s)
}

// WAVFormatter writes PCM packets as a RIFF WAVE byte stream. The header
// sizes are patched at end of stream when the output can seek.
type WAVFormatter struct {
	node.Base
	in  packetInPort
	out streamPushOutPort

	stream  node.OutputStream
	format  media.PCMFormat
	header  bool
	written int64
	done    bool
}

// NewWAVFormatter creates a WAV formatter.
func NewWAVFormatter(log *slog.Logger) *WAVFormatter {
	n := &WAVFormatter{Base: node.NewBase("wav-formatter", log)}
	n.in = packetInPort{
		PortInfo: node.NewPortInfo("input", node.DirectionIn, node.ProtocolPacket, media.Type{ID: media.TypePCM}),
		put:      n.putPacket,
	}
	n.out = streamPushOutPort{
		PortInfo: node.NewPortInfo("output", node.DirectionOut, node.ProtocolStreamPush, media.Type{ID: media.TypeWAV}),
		set: func(s node.OutputStream) error {
			if s == nil {
				return fmt.Errorf("wav-formatter: %w: nil output stream", node.ErrInvalidParameters)
			}
			n.stream = s
			return nil
		},
	}
	return n
}

func (n *WAVFormatter) InputPort() node.Port  { return &n.in }
func (n *WAVFormatter) OutputPort() node.Port { return &n.out }

// DataBytes returns the number of sample bytes written.
func (n *WAVFormatter) DataBytes() int64 {
	return n.written
}

func (n *WAVFormatter) putPacket(p *media.Packet) error {
	if err := n.in.CheckType(p.Type); err != nil {
		return err
	}
	if n.stream == nil {
		return fmt.Errorf("wav-formatter: %w: no output stream", node.ErrInvalidState)
	}
	if n.done {
		return fmt.Errorf("wav-formatter: %w: after end of stream", node.ErrInvalidState)
	}
	if len(p.Payload) > 0 {
		if err := n.checkFormat(p.Type); err != nil {
			return err
		}
		if !n.header {
			if err := n.writeHeader(wavUnknownSize); err != nil {
				return err
			}
			n.header = true
		}
		if _, err := n.stream.Write(p.Payload); err != nil {
			return fmt.Errorf("wav-formatter: write: %w", err)
		}
		n.written += int64(len(p.Payload))
	}
	if p.EOS() {
		n.done = true
		return n.finish()
	}
	return nil
}

func (n *WAVFormatter) checkFormat(t media.Type) error {
	if err := t.CheckPCM(); err != nil {
		return fmt.Errorf("wav-formatter: %w", err)
	}
	if !n.header {
		n.format = t.PCM
		return nil
	}
	if t.PCM != n.format {
		return fmt.Errorf("wav-formatter: %w: format changed from %+v to %+v", media.ErrInvalidMediaFormat, n.format, t.PCM)
	}
	return nil
}

// writeHeader writes the 44-byte canonical header at the current position.
func (n *WAVFormatter) writeHeader(dataSize uint32) error {
	f := n.format
	var h [wavHeaderSize]byte
	riffSize := uint32(wavUnknownSize)
	if dataSize != wavUnknownSize {
		riffSize = dataSize + wavHeaderSize - 8
	}
	tag := uint16(wavFormatPCM)
	if f.Float {
		tag = wavFormatFloat
	}
	copy(h[0:4], "RIFF")
	binary.LittleEndian.PutUint32(h[4:8], riffSize)
	copy(h[8:12], "WAVE")
	copy(h[12:16], "fmt ")
	binary.LittleEndian.PutUint32(h[16:20], 16)
	binary.LittleEndian.PutUint16(h[20:22], tag)
	binary.LittleEndian.PutUint16(h[22:24], uint16(f.Channels))
	binary.LittleEndian.PutUint32(h[24:28], uint32(f.SampleRate))
	binary.LittleEndian.PutUint32(h[28:32], uint32(f.SampleRate*f.BytesPerFrame()))
	binary.LittleEndian.PutUint16(h[32:34], uint16(f.BytesPerFrame()))
	binary.LittleEndian.PutUint16(h[34:36], uint16(f.BitsPerSample))
	copy(h[36:40], "data")
	binary.LittleEndian.PutUint32(h[40:44], dataSize)
	if _, err := n.stream.Write(h[:]); err != nil {
		return fmt.Errorf("wav-formatter: write header: %w", err)
	}
	return nil
}

// finish rewrites the header with the final sizes.
func (n *WAVFormatter) finish() error {
	if !n.header {
		n.Log().Debug("end of stream without samples")
		return nil
	}
	if !n.stream.Seekable() {
		n.Log().Debug("output not seekable, sizes left open", "bytes", n.written)
		return nil
	}
	if n.written > wavUnknownSize-wavHeaderSize {
		n.Log().Warn("data too long for a WAV header", "bytes", n.written)
		return nil
	}
	end, err := n.stream.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("wav-formatter: %w", err)
	}
	if _, err := n.stream.Seek(end-n.written-wavHeaderSize, io.SeekStart); err != nil {
		return fmt.Errorf("wav-formatter: %w", err)
	}
	if err := n.writeHeader(uint32(n.written)); err != nil {
		return err
	}
	if _, err := n.stream.Seek(end, io.SeekStart); err != nil {
		return fmt.Errorf("wav-formatter: %w", err)
	}
	n.Log().Debug("header patched", "bytes", n.written)
	return nil
}

// Seek starts a new data run; the header already written stays in place.
func (n *WAVFormatter) Seek(*node.SeekRequest) error {
	n.done = false
	return nil
}

// Deactivate drops the output stream; its provider closes it.
func (n *WAVFormatter) Deactivate() error {
	n.stream = nil
	return n.Base.Deactivate()
}

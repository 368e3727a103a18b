// Package nodes implements the concrete processing units a stream is built
// from: byte stream inputs, frame parsers, decoders, formatters and outputs.
package nodes

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/zsiec/tune/internal/node"
)

// fileStream is a seekable InputStream over an open file.
type fileStream struct {
	f    *os.File
	size int64
}

func (s *fileStream) Read(p []byte) (int, error) { return s.f.Read(p) }
func (s *fileStream) Seek(offset int64, whence int) (int64, error) {
	return s.f.Seek(offset, whence)
}
func (s *fileStream) Close() error        { return s.f.Close() }
func (s *fileStream) Size() (int64, bool) { return s.size, true }
func (s *fileStream) Seekable() bool      { return true }

type streamOutPort struct {
	node.PortInfo
	open func() (node.InputStream, error)
}

func (p *streamOutPort) InputStream() (node.InputStream, error) {
	return p.open()
}

// FileInput reads a local file and hands it downstream as a byte stream.
type FileInput struct {
	node.Base
	path     string
	mime     string
	out      streamOutPort
	stream   *fileStream
	provided bool
}

// NewFileInput creates an input for the file at path. mime describes its
// content; an empty mime is left unpublished.
func NewFileInput(path, mime string, log *slog.Logger) *FileInput {
	n := &FileInput{
		Base: node.NewBase("file-input", log),
		path: path,
		mime: mime,
	}
	n.out = streamOutPort{
		PortInfo: node.NewPortInfo("output", node.DirectionOut, node.ProtocolStreamPull),
		open:     n.inputStream,
	}
	return n
}

func (n *FileInput) InputPort() node.Port  { return nil }
func (n *FileInput) OutputPort() node.Port { return &n.out }

// Activate opens the file and publishes its size and data type.
func (n *FileInput) Activate(ctx node.Context) error {
	if err := n.Base.Activate(ctx); err != nil {
		return err
	}
	f, err := os.Open(n.path)
	if err != nil {
		_ = n.Base.Deactivate()
		return fmt.Errorf("file-input: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		_ = n.Base.Deactivate()
		return fmt.Errorf("file-input: stat %s: %w", n.path, err)
	}
	n.stream = &fileStream{f: f, size: st.Size()}
	n.provided = false

	mask := node.InfoSize
	info := node.StreamInfo{Size: st.Size(), DataType: n.mime}
	if n.mime != "" {
		mask |= node.InfoDataType
	}
	ctx.SetInfo(mask, info)
	n.Log().Debug("opened", "path", n.path, "size", st.Size())
	return nil
}

func (n *FileInput) inputStream() (node.InputStream, error) {
	if n.stream == nil {
		return nil, fmt.Errorf("file-input: %w: not active", node.ErrInvalidState)
	}
	if n.provided {
		return nil, fmt.Errorf("file-input: %w", node.ErrPortBusy)
	}
	n.provided = true
	return n.stream, nil
}

// Deactivate closes the file.
func (n *FileInput) Deactivate() error {
	var err error
	if n.stream != nil {
		err = n.stream.Close()
		n.stream = nil
	}
	_ = n.Base.Deactivate()
	return err
}

// readerStream adapts a plain reader into a non-seekable InputStream.
type readerStream struct {
	r io.ReadCloser
}

func (s *readerStream) Read(p []byte) (int, error) { return s.r.Read(p) }
func (s *readerStream) Seek(int64, int) (int64, error) {
	return 0, fmt.Errorf("%w: live stream", node.ErrNotSupported)
}
func (s *readerStream) Close() error        { return s.r.Close() }
func (s *readerStream) Size() (int64, bool) { return 0, false }
func (s *readerStream) Seekable() bool      { return false }

// ReaderInput hands an already open reader downstream as a live byte
// stream. The reader is closed on Deactivate.
type ReaderInput struct {
	node.Base
	stream *readerStream
	out    streamOutPort
	mime   string
}

// NewReaderInput creates an input over r whose content has the given MIME
// type.
func NewReaderInput(r io.ReadCloser, mime string, log *slog.Logger) *ReaderInput {
	n := &ReaderInput{
		Base:   node.NewBase("reader-input", log),
		stream: &readerStream{r: r},
		mime:   mime,
	}
	n.out = streamOutPort{
		PortInfo: node.NewPortInfo("output", node.DirectionOut, node.ProtocolStreamPull),
		open: func() (node.InputStream, error) {
			if n.stream == nil {
				return nil, fmt.Errorf("reader-input: %w: closed", node.ErrInvalidState)
			}
			return n.stream, nil
		},
	}
	return n
}

func (n *ReaderInput) InputPort() node.Port  { return nil }
func (n *ReaderInput) OutputPort() node.Port { return &n.out }

func (n *ReaderInput) Activate(ctx node.Context) error {
	if err := n.Base.Activate(ctx); err != nil {
		return err
	}
	if n.mime != "" {
		ctx.SetInfo(node.InfoDataType, node.StreamInfo{DataType: n.mime})
	}
	return nil
}

func (n *ReaderInput) Deactivate() error {
	var err error
	if n.stream != nil {
		err = n.stream.Close()
		n.stream = nil
	}
	_ = n.Base.Deactivate()
	return err
}

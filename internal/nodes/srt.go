package nodes

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	srtgo "github.com/zsiec/srtgo"

	"github.com/zsiec/tune/internal/media"
	"github.com/zsiec/tune/internal/node"
)

// defaultSRTLatency is the SRT latency used unless configured (120ms).
const defaultSRTLatency = 120 * time.Millisecond

// defaultSRTDialTimeout bounds how long Open waits for a caller connection.
const defaultSRTDialTimeout = 10 * time.Second

// SRTConfig describes how an SRTInput obtains its connection.
type SRTConfig struct {
	// Address is the remote listener to dial, or the local address to
	// listen on when Listen is set.
	Address string

	// Listen accepts a single publisher instead of dialing.
	Listen bool

	// StreamKey selects the stream. A caller sends it as "live/<key>"
	// unless StreamID is set; a listener only accepts publishers whose
	// stream ID carries this key. An empty key accepts any publisher.
	StreamKey string
	StreamID  string

	// MIME is the published data type, MPEG transport stream by default.
	MIME string

	Latency     time.Duration
	DialTimeout time.Duration
}

// SRTStats captures connection-level metrics of an SRT input.
type SRTStats struct {
	BytesReceived int64  `json:"bytesReceived"`
	ReadCount     int64  `json:"readCount"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	RemoteAddr    string `json:"remoteAddr"`
	StreamKey     string `json:"streamKey"`
}

// srtStream is the live InputStream of an SRT connection. It counts what it
// reads.
type srtStream struct {
	conn       io.ReadCloser
	remoteAddr string
	streamKey  string
	startedAt  time.Time

	bytesReceived atomic.Int64
	readCount     atomic.Int64
}

func (s *srtStream) Read(p []byte) (int, error) {
	n, err := s.conn.Read(p)
	if n > 0 {
		s.bytesReceived.Add(int64(n))
		s.readCount.Add(1)
	}
	return n, err
}

func (s *srtStream) Seek(int64, int) (int64, error) {
	return 0, fmt.Errorf("%w: SRT stream", node.ErrNotSupported)
}

func (s *srtStream) Close() error        { return s.conn.Close() }
func (s *srtStream) Size() (int64, bool) { return 0, false }
func (s *srtStream) Seekable() bool      { return false }

func (s *srtStream) stats() SRTStats {
	return SRTStats{
		BytesReceived: s.bytesReceived.Load(),
		ReadCount:     s.readCount.Load(),
		ConnectedAt:   s.startedAt.UnixMilli(),
		UptimeMs:      time.Since(s.startedAt).Milliseconds(),
		RemoteAddr:    s.remoteAddr,
		StreamKey:     s.streamKey,
	}
}

// SRTInput receives a live byte stream over SRT.
type SRTInput struct {
	node.Base
	cfg    SRTConfig
	out    streamOutPort
	stream *srtStream
}

// NewSRTInput creates an SRT input. The connection is made by Open, or by
// Activate when Open was not called.
func NewSRTInput(cfg SRTConfig, log *slog.Logger) *SRTInput {
	if cfg.Latency <= 0 {
		cfg.Latency = defaultSRTLatency
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultSRTDialTimeout
	}
	if cfg.MIME == "" {
		cfg.MIME = media.MIMEMP2T
	}
	n := &SRTInput{
		Base: node.NewBase("srt-input", log),
		cfg:  cfg,
	}
	n.out = streamOutPort{
		PortInfo: node.NewPortInfo("output", node.DirectionOut, node.ProtocolStreamPull),
		open: func() (node.InputStream, error) {
			if n.stream == nil {
				return nil, fmt.Errorf("srt-input: %w: not connected", node.ErrInvalidState)
			}
			return n.stream, nil
		},
	}
	return n
}

func (n *SRTInput) InputPort() node.Port  { return nil }
func (n *SRTInput) OutputPort() node.Port { return &n.out }

// Open connects the input, dialing or accepting per its configuration. It
// blocks until connected, the dial times out or ctx is cancelled.
func (n *SRTInput) Open(ctx context.Context) error {
	if n.stream != nil {
		return nil
	}
	if n.cfg.Address == "" {
		return fmt.Errorf("srt-input: %w: address is required", node.ErrInvalidParameters)
	}
	var (
		conn *srtgo.Conn
		err  error
	)
	if n.cfg.Listen {
		conn, err = n.accept(ctx)
	} else {
		conn, err = n.dial(ctx)
	}
	if err != nil {
		return err
	}
	key := extractStreamKey(conn.StreamID())
	if !n.cfg.Listen && n.cfg.StreamKey != "" {
		key = n.cfg.StreamKey
	}
	n.stream = &srtStream{
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		streamKey:  key,
		startedAt:  time.Now(),
	}
	n.Log().Info("connected", "stream_key", key, "remote", n.stream.remoteAddr)
	return nil
}

// srtConfig returns the caller settings. The stream id defaults to
// live/<stream key>.
func (n *SRTInput) srtConfig() srtgo.Config {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = n.cfg.Latency
	cfg.StreamID = n.cfg.StreamID
	if cfg.StreamID == "" && n.cfg.StreamKey != "" {
		cfg.StreamID = "live/" + n.cfg.StreamKey
	}
	return cfg
}

func (n *SRTInput) dial(ctx context.Context) (*srtgo.Conn, error) {
	cfg := n.srtConfig()
	n.Log().Info("dialing", "address", n.cfg.Address, "stream_id", cfg.StreamID)

	type dialResult struct {
		conn *srtgo.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := srtgo.Dial(n.cfg.Address, cfg)
		ch <- dialResult{conn, err}
	}()

	timer := time.NewTimer(n.cfg.DialTimeout)
	defer timer.Stop()

	// A dial that completes after we gave up is closed in the background.
	drain := func() {
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
	}
	select {
	case res := <-ch:
		if res.err != nil {
			return nil, fmt.Errorf("srt-input: dial %s: %w", n.cfg.Address, res.err)
		}
		return res.conn, nil
	case <-timer.C:
		drain()
		return nil, fmt.Errorf("srt-input: dial %s timed out after %s", n.cfg.Address, n.cfg.DialTimeout)
	case <-ctx.Done():
		drain()
		return nil, ctx.Err()
	}
}

func (n *SRTInput) accept(ctx context.Context) (*srtgo.Conn, error) {
	cfg := srtgo.DefaultConfig()
	cfg.Latency = n.cfg.Latency
	l, err := srtgo.Listen(n.cfg.Address, cfg)
	if err != nil {
		return nil, fmt.Errorf("srt-input: listen on %s: %w", n.cfg.Address, err)
	}
	defer l.Close()
	n.Log().Info("listening", "addr", n.cfg.Address, "stream_key", n.cfg.StreamKey)

	want := n.cfg.StreamKey
	l.SetAcceptRejectFunc(func(req srtgo.ConnRequest) srtgo.RejectReason {
		if want != "" && extractStreamKey(req.StreamID) != want {
			return srtgo.RejPeer
		}
		return 0
	})

	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()

	for {
		conn, err := l.Accept()
		if err == nil {
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		n.Log().Warn("accept error", "error", err)
	}
}

// Activate connects the input unless Open already did.
func (n *SRTInput) Activate(ctx node.Context) error {
	if err := n.Base.Activate(ctx); err != nil {
		return err
	}
	if err := n.Open(context.Background()); err != nil {
		_ = n.Base.Deactivate()
		return err
	}
	ctx.SetInfo(node.InfoDataType, node.StreamInfo{DataType: n.cfg.MIME})
	return nil
}

// Deactivate closes the connection.
func (n *SRTInput) Deactivate() error {
	var err error
	if n.stream != nil {
		st := n.stream.stats()
		err = n.stream.Close()
		n.stream = nil
		n.Log().Info("connection closed", "stream_key", st.StreamKey,
			"bytes", st.BytesReceived, "reads", st.ReadCount,
			"uptime_ms", st.UptimeMs)
	}
	_ = n.Base.Deactivate()
	return err
}

// Stats returns a snapshot of connection metrics, or false when not
// connected.
func (n *SRTInput) Stats() (SRTStats, bool) {
	if n.stream == nil {
		return SRTStats{}, false
	}
	return n.stream.stats(), true
}

// extractStreamKey maps an SRT stream ID such as "live/studio" to the key
// "studio".
func extractStreamKey(streamID string) string {
	streamID = strings.TrimPrefix(streamID, "/")
	streamID = strings.TrimPrefix(streamID, "live/")
	if streamID == "" {
		return "default"
	}
	return streamID
}

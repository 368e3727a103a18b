package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// Handler receives the envelopes of one stream in order. Returning an error
// closes the stream early.
type Handler func(ctx context.Context, s *Stream, env *Envelope) error

// ServerConfig holds the parameters of a relay server.
type ServerConfig struct {
	Addr    string
	TLS     *tls.Config
	Handler Handler
	Log     *slog.Logger
}

// Server accepts relay connections over QUIC.
type Server struct {
	log     *slog.Logger
	cfg     ServerConfig
	streams *Manager

	mu   sync.Mutex
	addr net.Addr
	wg   sync.WaitGroup
}

// NewServer validates cfg and creates a server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.TLS == nil {
		return nil, errors.New("relay: TLS configuration is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("relay: handler is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	tlsConf := cfg.TLS.Clone()
	if len(tlsConf.NextProtos) == 0 {
		tlsConf.NextProtos = []string{ALPN}
	}
	cfg.TLS = tlsConf
	return &Server{
		log:     log.With("component", "relay-server"),
		cfg:     cfg,
		streams: NewManager(log),
	}, nil
}

// Streams returns the manager of active streams.
func (s *Server) Streams() *Manager {
	return s.streams
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start listens and serves until ctx is cancelled. It waits for open
// streams to finish before returning.
func (s *Server) Start(ctx context.Context, ready chan<- net.Addr) error {
	ln, err := quic.ListenAddr(s.cfg.Addr, s.cfg.TLS, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("relay: listen on %s: %w", s.cfg.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()
	s.log.Info("listening", "addr", ln.Addr())
	if ready != nil {
		ready <- ln.Addr()
	}

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer s.wg.Wait()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("relay: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// serveConn serves the streams of one connection and closes it once the
// last of them has ended.
func (s *Server) serveConn(ctx context.Context, conn quic.Connection) {
	remote := conn.RemoteAddr().String()
	s.log.Debug("connection", "remote", remote)
	defer conn.CloseWithError(0, "")
	stop := context.AfterFunc(ctx, func() { conn.CloseWithError(0, "shutdown") })
	defer stop()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		active int
	)
	defer wg.Wait()
	for {
		st, err := conn.AcceptUniStream(ctx)
		if err != nil {
			s.log.Debug("connection closed", "remote", remote, "error", err)
			return
		}
		mu.Lock()
		active++
		mu.Unlock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.serveStream(ctx, remote, st); err != nil {
				s.log.Warn("stream failed", "remote", remote, "error", err)
				st.CancelRead(1)
			}
			mu.Lock()
			active--
			last := active == 0
			mu.Unlock()
			if last {
				conn.CloseWithError(0, "")
			}
		}()
	}
}

// serveStream decodes the envelopes of one unidirectional stream. The
// first envelope names the stream.
func (s *Server) serveStream(ctx context.Context, remote string, r io.Reader) error {
	dec := NewDecoder(r)
	var env Envelope
	if err := dec.Decode(&env); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	stream, ok := s.streams.Create(env.Stream, remote)
	if !ok {
		return fmt.Errorf("%w: %q", ErrDuplicateStream, env.Stream)
	}
	defer s.streams.Remove(env.Stream)

	for {
		if !stream.Record(&env) {
			s.log.Debug("sequence gap", "stream", env.Stream, "seq", env.Seq)
		}
		if err := s.cfg.Handler(ctx, stream, &env); err != nil {
			return err
		}
		if env.EOS() {
			return nil
		}
		if err := dec.Decode(&env); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

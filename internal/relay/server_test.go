package relay

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/tune/internal/certs"
	"github.com/zsiec/tune/internal/media"
)

type collected struct {
	mu   sync.Mutex
	envs []Envelope
	done chan struct{}
}

func (c *collected) handle(_ context.Context, _ *Stream, env *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, *env)
	if env.EOS() {
		close(c.done)
	}
	return nil
}

// startServer runs a relay server on a loopback port until the test ends
// and returns its address and a client TLS configuration pinned to it.
func startServer(t *testing.T, h Handler) (*Server, string, *tls.Config) {
	t.Helper()
	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(ServerConfig{
		Addr:    "127.0.0.1:0",
		TLS:     cert.ServerConfig(ALPN),
		Handler: h,
	})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx, ready) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errCh; err != nil {
			t.Errorf("server: %v", err)
		}
	})

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-errCh:
		t.Fatalf("server did not start: %v", err)
	}
	client, err := certs.PinnedClientConfig(cert.FingerprintHex(), ALPN)
	if err != nil {
		t.Fatal(err)
	}
	return srv, addr.String(), client
}

func TestServer_RelaysStream(t *testing.T) {
	t.Parallel()
	c := &collected{done: make(chan struct{})}
	srv, addr, tlsConf := startServer(t, c.handle)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sender, err := Dial(ctx, addr, tlsConf, nil)
	if err != nil {
		t.Fatal(err)
	}

	for i := range 20 {
		p := media.NewPacket(make([]byte, 417), media.Type{ID: media.TypeMPEGAudio})
		p.Timestamp = time.Duration(i) * 26 * time.Millisecond
		env := NewEnvelope("radio", uint64(i), media.MIMEMPEGAudio, p)
		if err := sender.Send(&env); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	eos := media.NewPacket(nil, media.Type{ID: media.TypeMPEGAudio})
	eos.Flags = media.FlagEndOfStream
	last := NewEnvelope("radio", 20, media.MIMEMPEGAudio, eos)
	if err := sender.Send(&last); err != nil {
		t.Fatal(err)
	}
	if err := sender.Close(); err != nil {
		t.Fatal(err)
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		t.Fatal("end of stream not relayed")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.envs) != 21 {
		t.Fatalf("relayed %d envelopes", len(c.envs))
	}
	for i, env := range c.envs {
		if env.Seq != uint64(i) || env.Stream != "radio" {
			t.Errorf("envelope %d: seq %d stream %q", i, env.Seq, env.Stream)
		}
	}
	if c.envs[5].Time() != 130*time.Millisecond || len(c.envs[5].Payload) != 417 {
		t.Errorf("envelope 5: %v, %d bytes", c.envs[5].Time(), len(c.envs[5].Payload))
	}

	// The stream is removed once its end has been handled.
	deadline := time.Now().Add(5 * time.Second)
	for len(srv.Streams().List()) > 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream still active")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_RejectsUnpinnedCertificate(t *testing.T) {
	t.Parallel()
	_, addr, _ := startServer(t, func(context.Context, *Stream, *Envelope) error { return nil })

	other, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	tlsConf, err := certs.PinnedClientConfig(other.FingerprintHex(), ALPN)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := Dial(ctx, addr, tlsConf, nil); err == nil {
		t.Fatal("dial succeeded against a different certificate")
	}
}

func TestNewServer_Validates(t *testing.T) {
	t.Parallel()
	if _, err := NewServer(ServerConfig{Handler: func(context.Context, *Stream, *Envelope) error { return nil }}); err == nil {
		t.Error("server without TLS")
	}
	if _, err := NewServer(ServerConfig{TLS: &tls.Config{}}); err == nil {
		t.Error("server without handler")
	}
}

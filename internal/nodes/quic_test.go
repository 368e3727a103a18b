package nodes

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/tune/internal/certs"
	"github.com/zsiec/tune/internal/media"
	"github.com/zsiec/tune/internal/node"
	"github.com/zsiec/tune/internal/pipeline"
	"github.com/zsiec/tune/internal/relay"
)

func TestQUICOutput_SendsStream(t *testing.T) {
	t.Parallel()
	cert, err := certs.Generate(time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	var (
		mu   sync.Mutex
		envs []relay.Envelope
		done = make(chan struct{})
	)
	srv, err := relay.NewServer(relay.ServerConfig{
		Addr: "127.0.0.1:0",
		TLS:  cert.ServerConfig(relay.ALPN),
		Handler: func(_ context.Context, _ *relay.Stream, env *relay.Envelope) error {
			mu.Lock()
			defer mu.Unlock()
			envs = append(envs, *env)
			if env.EOS() {
				close(done)
			}
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	ready := make(chan net.Addr, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(ctx, ready) }()
	addr := <-ready

	tlsConf, err := certs.PinnedClientConfig(cert.FingerprintHex(), relay.ALPN)
	if err != nil {
		t.Fatal(err)
	}
	reg := pipeline.NewRegistry()
	out := NewQUICOutput(QUICConfig{
		Addr:      addr.String(),
		TLS:       tlsConf,
		StreamKey: "radio",
		TypeName:  reg.MIME,
	}, nil)
	s := newStream(t,
		NewReaderInput(io.NopCloser(bytes.NewReader(mpaStream(6))), media.MIMEMPEGAudio, nil),
		newMPAParser(t),
		out,
	)
	run(t, s)

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatal("end of stream never arrived")
	}
	if out.Sent() != 7 {
		t.Errorf("sent %d packets", out.Sent())
	}

	mu.Lock()
	if len(envs) != 7 {
		t.Fatalf("relay received %d envelopes", len(envs))
	}
	for i, env := range envs[:6] {
		if env.Stream != "radio" || env.Seq != uint64(i) || env.Type != media.MIMEMPEGAudio {
			t.Errorf("envelope %d: %q seq %d type %q", i, env.Stream, env.Seq, env.Type)
		}
		if len(env.Payload) != mpaFrameSize {
			t.Errorf("envelope %d: %d bytes", i, len(env.Payload))
		}
	}
	mu.Unlock()

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("server: %v", err)
	}
}

func TestQUICOutput_RequiresConfig(t *testing.T) {
	t.Parallel()
	out := NewQUICOutput(QUICConfig{}, nil)
	if out.StreamKey() == "" {
		t.Error("no stream key generated")
	}
	if err := pipeline.New().Add(out); !errors.Is(err, node.ErrInvalidParameters) {
		t.Errorf("add without address: %v", err)
	}
}

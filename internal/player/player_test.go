package player

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/tune/internal/media"
	"github.com/zsiec/tune/internal/mpa"
	"github.com/zsiec/tune/internal/node"
	"github.com/zsiec/tune/internal/nodes"
	"github.com/zsiec/tune/internal/pipeline"
)

// mp3File writes n frames of MPEG-1 layer III, 128 kbit/s, 44.1 kHz stereo.
func mp3File(t *testing.T, n int) string {
	t.Helper()
	var data []byte
	for range n {
		f := make([]byte, 417)
		copy(f, []byte{0xFF, 0xFB, 0x90, 0x00})
		data = append(data, f...)
	}
	path := filepath.Join(t.TempDir(), "in.mp3")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func fileBuilder(_ context.Context, input string, opts ...func(*pipeline.Stream)) (*pipeline.Stream, error) {
	st := pipeline.New(opts...)
	parser, err := nodes.NewFrameParser(mpa.Format, media.Type{ID: media.TypeMPEGAudio})
	if err != nil {
		return nil, err
	}
	for _, n := range []node.Node{
		nodes.NewFileInput(input, media.MIMEMPEGAudio, nil),
		parser,
		nodes.NewNullOutput(nil),
	} {
		if err := st.Add(n); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return st, nil
}

func startPlayer(t *testing.T, build Builder) (*Player, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	p := New(build, nil)
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errCh; err != nil {
			t.Errorf("run: %v", err)
		}
	})
	return p, ctx
}

func waitState(t *testing.T, p *Player, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		s := p.Snapshot()
		if s.State == want {
			return s
		}
		if time.Now().After(deadline) {
			t.Fatalf("state %s, want %s (err %v)", s.State, want, s.Err)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPlayer_PlaysToEnd(t *testing.T) {
	t.Parallel()
	p, ctx := startPlayer(t, fileBuilder)
	path := mp3File(t, 10)

	if err := p.SetInput(ctx, path); err != nil {
		t.Fatal(err)
	}
	s := p.Snapshot()
	if s.State != StatePaused || s.Input != path || s.StreamID == "" {
		t.Errorf("after set input: %+v", s)
	}
	if err := p.Play(ctx); err != nil {
		t.Fatal(err)
	}
	s = waitState(t, p, StateEnded)
	if s.Packets != 11 {
		t.Errorf("pumped %d packets", s.Packets)
	}
	if s.Info.SampleRate != 44100 || s.Info.Channels != 2 {
		t.Errorf("info %+v", s.Info)
	}
}

func TestPlayer_StopRewinds(t *testing.T) {
	t.Parallel()
	p, ctx := startPlayer(t, fileBuilder)
	if err := p.SetInput(ctx, mp3File(t, 10)); err != nil {
		t.Fatal(err)
	}
	if err := p.Play(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, p, StateEnded)

	if err := p.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if s := p.Snapshot(); s.State != StateStopped {
		t.Fatalf("state %s", s.State)
	}
	if err := p.Play(ctx); err != nil {
		t.Fatal(err)
	}
	if s := waitState(t, p, StateEnded); s.Packets != 22 {
		t.Errorf("pumped %d packets over two plays", s.Packets)
	}
}

func TestPlayer_SeekAfterEnd(t *testing.T) {
	t.Parallel()
	p, ctx := startPlayer(t, fileBuilder)
	if err := p.SetInput(ctx, mp3File(t, 10)); err != nil {
		t.Fatal(err)
	}
	// Pausing a stream that is not playing changes nothing.
	if err := p.Pause(ctx); err != nil {
		t.Errorf("pause before play: %v", err)
	}
	if err := p.Play(ctx); err != nil {
		t.Fatal(err)
	}
	waitState(t, p, StateEnded)

	if err := p.Seek(ctx, 130*time.Millisecond); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if s := p.Snapshot(); s.State != StatePaused {
		t.Errorf("after seek from end: %s", s.State)
	}
	if err := p.Play(ctx); err != nil {
		t.Fatal(err)
	}
	if s := waitState(t, p, StateEnded); s.Packets <= 11 || s.Packets >= 22 {
		t.Errorf("pumped %d packets, want part of the file again", s.Packets)
	}
}

func TestPlayer_CommandsWithoutInput(t *testing.T) {
	t.Parallel()
	p, ctx := startPlayer(t, fileBuilder)
	for name, cmd := range map[string]func(context.Context) error{
		"play":  p.Play,
		"pause": p.Pause,
		"stop":  p.Stop,
	} {
		if err := cmd(ctx); !errors.Is(err, ErrNoInput) {
			t.Errorf("%s: %v", name, err)
		}
	}
	if err := p.Seek(ctx, time.Second); !errors.Is(err, ErrNoInput) {
		t.Errorf("seek: %v", err)
	}
}

func TestPlayer_RejectedInputKeepsCurrent(t *testing.T) {
	t.Parallel()
	p, ctx := startPlayer(t, fileBuilder)
	path := mp3File(t, 3)
	if err := p.SetInput(ctx, path); err != nil {
		t.Fatal(err)
	}
	before := p.Snapshot()

	missing := filepath.Join(t.TempDir(), "none.mp3")
	if err := p.SetInput(ctx, missing); err == nil {
		t.Fatal("missing file accepted")
	}
	after := p.Snapshot()
	if after.StreamID != before.StreamID || after.Input != path {
		t.Errorf("current stream replaced: %+v", after)
	}
}

func TestPlayer_ReplacesStream(t *testing.T) {
	t.Parallel()
	p, ctx := startPlayer(t, fileBuilder)
	if err := p.SetInput(ctx, mp3File(t, 3)); err != nil {
		t.Fatal(err)
	}
	first := p.Snapshot().StreamID
	if err := p.SetInput(ctx, mp3File(t, 5)); err != nil {
		t.Fatal(err)
	}
	if p.Snapshot().StreamID == first {
		t.Error("stream id unchanged")
	}
	if err := p.Play(ctx); err != nil {
		t.Fatal(err)
	}
	if s := waitState(t, p, StateEnded); s.Packets != 6 {
		t.Errorf("pumped %d packets", s.Packets)
	}
}

func TestPlayer_ReportsFailure(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	build := func(_ context.Context, _ string, opts ...func(*pipeline.Stream)) (*pipeline.Stream, error) {
		st := pipeline.New(opts...)
		if err := st.Add(newFailingInput(boom)); err != nil {
			return nil, err
		}
		if err := st.Add(nodes.NewNullOutput(nil)); err != nil {
			return nil, err
		}
		return st, nil
	}
	p, ctx := startPlayer(t, build)
	if err := p.SetInput(ctx, "x"); err != nil {
		t.Fatal(err)
	}
	if err := p.Play(ctx); err != nil {
		t.Fatal(err)
	}
	if s := waitState(t, p, StateFailed); !errors.Is(s.Err, boom) {
		t.Errorf("err = %v", s.Err)
	}
}

func TestPlayer_Shutdown(t *testing.T) {
	t.Parallel()
	p := New(fileBuilder, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- p.Run(ctx) }()

	if err := p.SetInput(ctx, mp3File(t, 3)); err != nil {
		t.Fatal(err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err != nil {
		t.Errorf("run: %v", err)
	}
	if err := p.Play(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("play after shutdown: %v", err)
	}
}

// failingInput is a packet source whose every read fails with err.
type failingInput struct {
	node.Base
	out failingPort
}

type failingPort struct {
	node.PortInfo
	err error
}

func newFailingInput(err error) *failingInput {
	return &failingInput{
		Base: node.NewBase("fail", nil),
		out: failingPort{
			PortInfo: node.NewPortInfo("output", node.DirectionOut, node.ProtocolPacket, media.Type{ID: media.TypeMPEGAudio}),
			err:      err,
		},
	}
}

func (f *failingInput) InputPort() node.Port  { return nil }
func (f *failingInput) OutputPort() node.Port { return &f.out }

func (p *failingPort) GetPacket() (*media.Packet, error) { return nil, p.err }

package graph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zsiec/tune/internal/config"
	"github.com/zsiec/tune/internal/media"
	"github.com/zsiec/tune/internal/node"
	"github.com/zsiec/tune/internal/nodes"
)

func writeMP3(t *testing.T, frames int) string {
	t.Helper()
	var data []byte
	for range frames {
		f := make([]byte, 417)
		copy(f, []byte{0xFF, 0xFB, 0x90, 0x00})
		data = append(data, f...)
	}
	path := filepath.Join(t.TempDir(), "song.mp3")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func runStream(t *testing.T, run func(context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := run(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestBuild_ParsesFile(t *testing.T) {
	t.Parallel()
	b := New(nil, nil)
	out := nodes.NewNullOutput(nil)
	st, err := b.Build(context.Background(), writeMP3(t, 8), Options{}, []node.Node{out})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	runStream(t, st.Run)

	packets, _, eos := out.Counts()
	if packets != 9 || !eos {
		t.Errorf("packets %d eos %v", packets, eos)
	}
	info := st.Info()
	if info.DataType != media.MIMEMPEGAudio || info.SampleRate != 44100 {
		t.Errorf("info %+v", info)
	}
}

func TestBuild_Decodes(t *testing.T) {
	t.Parallel()
	b := New(nil, nil)
	out := nodes.NewPacketCollector(nil, media.Type{ID: media.TypePCM})
	st, err := b.Build(context.Background(), writeMP3(t, 4), Options{Decode: true}, []node.Node{out})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	runStream(t, st.Run)

	var bytes int
	for _, p := range out.Packets() {
		if p.Type.ID != media.TypePCM {
			t.Fatalf("packet of type %s", p.Type)
		}
		bytes += len(p.Payload)
	}
	if bytes == 0 {
		t.Error("no samples decoded")
	}
}

func TestBuild_RejectsUnknownExtension(t *testing.T) {
	t.Parallel()
	b := New(nil, nil)
	_, err := b.Build(context.Background(), "notes.txt", Options{}, []node.Node{nodes.NewNullOutput(nil)})
	if !errors.Is(err, node.ErrNotSupported) {
		t.Errorf("err = %v", err)
	}
}

func TestBuild_NoParserForWAV(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "a.wav")
	if err := os.WriteFile(path, make([]byte, 64), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := New(nil, nil).Build(context.Background(), path, Options{}, []node.Node{nodes.NewNullOutput(nil)})
	if !errors.Is(err, node.ErrNotSupported) {
		t.Errorf("err = %v", err)
	}
}

func TestBuild_DecodeTransportStream(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "a.ts")
	if err := os.WriteFile(path, make([]byte, 188), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := New(nil, nil).Build(context.Background(), path, Options{Decode: true}, nil)
	if !errors.Is(err, node.ErrNotSupported) {
		t.Errorf("err = %v", err)
	}
}

func TestBuild_MissingFile(t *testing.T) {
	t.Parallel()
	missing := filepath.Join(t.TempDir(), "gone.mp3")
	_, err := New(nil, nil).Build(context.Background(), missing, Options{}, []node.Node{nodes.NewNullOutput(nil)})
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v", err)
	}
}

func TestRegistry_Parsers(t *testing.T) {
	t.Parallel()
	reg := New(nil, nil).Registry()
	for _, id := range []media.TypeID{media.TypeMPEGAudio, media.TypeAAC, media.TypeMP2T} {
		n, err := reg.NewNode(id)
		if err != nil {
			t.Errorf("type %d: %v", id, err)
			continue
		}
		if n.InputPort().Protocol() != node.ProtocolStreamPull {
			t.Errorf("%s: input protocol %s", n.Name(), n.InputPort().Protocol())
		}
	}
	if _, err := reg.NewNode(media.TypePCM); !errors.Is(err, node.ErrNotSupported) {
		t.Errorf("pcm parser: %v", err)
	}
}

func TestSRTConfig(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.SRT.StreamKey = "studio"
	cfg.SRT.Latency = "200ms"
	b := New(cfg, nil)

	tests := []struct {
		input   string
		want    nodes.SRTConfig
		wantErr bool
	}{
		{
			input: "srt://10.0.0.1:6000",
			want:  nodes.SRTConfig{Address: "10.0.0.1:6000", StreamKey: "studio", MIME: media.MIMEMP2T, Latency: 200 * time.Millisecond},
		},
		{
			input: "srt://host:7000?streamid=live/radio&type=AUDIO/AAC",
			want:  nodes.SRTConfig{Address: "host:7000", StreamID: "live/radio", StreamKey: "studio", MIME: media.MIMEAAC, Latency: 200 * time.Millisecond},
		},
		{
			input: "srt://:6000?mode=listener",
			want:  nodes.SRTConfig{Address: ":6000", Listen: true, StreamKey: "studio", MIME: media.MIMEMP2T, Latency: 200 * time.Millisecond},
		},
		{input: "srt://host:6000?mode=rendezvous", wantErr: true},
		{input: "srt://", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			t.Parallel()
			got, err := b.SRTConfig(tc.input)
			if tc.wantErr {
				if !errors.Is(err, node.ErrInvalidParameters) {
					t.Errorf("err = %v", err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got != tc.want {
				t.Errorf("got %+v, want %+v", got, tc.want)
			}
		})
	}
}

func TestInput_UnknownSRTType(t *testing.T) {
	t.Parallel()
	_, _, err := New(nil, nil).Input(context.Background(), "srt://127.0.0.1:1?type=video/h264")
	if !errors.Is(err, node.ErrNotSupported) {
		t.Errorf("err = %v", err)
	}
}

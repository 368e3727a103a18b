// Package graph assembles pipeline streams for the tune commands: an input
// chosen from the input string, the parser registered for its media type,
// an optional decoder, and the caller's output nodes.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/zsiec/tune/internal/adts"
	"github.com/zsiec/tune/internal/bitstream"
	"github.com/zsiec/tune/internal/config"
	"github.com/zsiec/tune/internal/decoder"
	"github.com/zsiec/tune/internal/media"
	"github.com/zsiec/tune/internal/mpa"
	"github.com/zsiec/tune/internal/mpegts"
	"github.com/zsiec/tune/internal/node"
	"github.com/zsiec/tune/internal/nodes"
	"github.com/zsiec/tune/internal/pipeline"
)

// Builder builds streams from input strings: a file path, or an SRT URL
// such as srt://host:port?streamid=live/radio&type=audio/aac.
type Builder struct {
	cfg     *config.Config
	log     *slog.Logger
	reg     *pipeline.Registry
	formats map[media.TypeID]*bitstream.Format
}

// New returns a Builder whose registry carries a parser factory for every
// framed type. A nil logger falls back to slog.Default.
func New(cfg *config.Config, log *slog.Logger) *Builder {
	if log == nil {
		log = slog.Default()
	}
	if cfg == nil {
		cfg = config.Default()
	}
	b := &Builder{
		cfg: cfg,
		log: log,
		reg: pipeline.NewRegistry(),
		formats: map[media.TypeID]*bitstream.Format{
			media.TypeMPEGAudio: mpa.Format,
			media.TypeAAC:       adts.Format,
			media.TypeMP2T:      mpegts.Format,
		},
	}
	for id, f := range b.formats {
		b.reg.RegisterFactory(id, func() (node.Node, error) {
			return nodes.NewFrameParser(f, media.Type{ID: id},
				nodes.ParserOptRingSize(cfg.RingSize),
				nodes.ParserOptLogger(log),
			)
		})
	}
	return b
}

// Registry returns the registry the builder resolves types with.
func (b *Builder) Registry() *pipeline.Registry {
	return b.reg
}

// Options selects what Build puts between the parser and the outputs.
type Options struct {
	// Decode inserts a decoder producing PCM after the parser.
	Decode bool

	// Engine decodes frames when Decode is set. SilenceEngine when nil.
	Engine decoder.Engine
}

// Build creates a stream reading input, parsing it, and feeding tail. The
// input is connected first, so ctx bounds an SRT dial. On failure every
// node already added is released.
func (b *Builder) Build(ctx context.Context, input string, opts Options, tail []node.Node, streamOpts ...func(*pipeline.Stream)) (*pipeline.Stream, error) {
	in, id, err := b.Input(ctx, input)
	if err != nil {
		return nil, err
	}
	parser, err := b.reg.NewNode(id)
	if err != nil {
		_ = in.Deactivate()
		return nil, fmt.Errorf("graph: %s: %w", input, err)
	}

	chain := []node.Node{in, parser}
	if opts.Decode {
		dec, err := b.decoder(id, opts.Engine)
		if err != nil {
			_ = in.Deactivate()
			return nil, err
		}
		chain = append(chain, dec)
	}
	chain = append(chain, tail...)

	st := pipeline.New(append([]func(*pipeline.Stream){pipeline.StreamOptLogger(b.log)}, streamOpts...)...)
	for i, n := range chain {
		if err := st.Add(n); err != nil {
			_ = st.Close()
			if i == 0 {
				_ = in.Deactivate()
			}
			return nil, fmt.Errorf("graph: %s: %w", input, err)
		}
	}
	return st, nil
}

func (b *Builder) decoder(id media.TypeID, engine decoder.Engine) (node.Node, error) {
	if id != media.TypeMPEGAudio && id != media.TypeAAC {
		mime, _ := b.reg.MIME(id)
		return nil, fmt.Errorf("graph: %w: cannot decode %s", node.ErrNotSupported, mime)
	}
	if engine == nil {
		engine = &decoder.SilenceEngine{}
	}
	return nodes.NewDecoder(engine, b.formats[id], media.Type{ID: id},
		nodes.DecoderOptRingSize(b.cfg.RingSize),
		nodes.DecoderOptLogger(b.log),
	)
}

// Input returns the input node for input and the media type it carries.
// SRT inputs are connected before returning.
func (b *Builder) Input(ctx context.Context, input string) (node.Node, media.TypeID, error) {
	if strings.HasPrefix(input, "srt://") {
		cfg, err := b.SRTConfig(input)
		if err != nil {
			return nil, media.TypeNone, err
		}
		id, ok := b.reg.TypeID(cfg.MIME)
		if !ok {
			return nil, media.TypeNone, fmt.Errorf("graph: %w: unknown media type %q", node.ErrNotSupported, cfg.MIME)
		}
		in := nodes.NewSRTInput(cfg, b.log)
		if err := in.Open(ctx); err != nil {
			return nil, media.TypeNone, fmt.Errorf("graph: %s: %w", input, err)
		}
		return in, id, nil
	}

	id, mime, err := b.reg.TypeForName(input)
	if err != nil {
		return nil, media.TypeNone, fmt.Errorf("graph: %s: %w", input, err)
	}
	return nodes.NewFileInput(input, mime, b.log), id, nil
}

// SRTConfig parses an SRT URL. The query may carry streamid, type (a MIME
// type, MPEG transport stream by default) and mode=listener, which waits
// for a publisher on the address instead of dialing it.
func (b *Builder) SRTConfig(input string) (nodes.SRTConfig, error) {
	u, err := url.Parse(input)
	if err != nil {
		return nodes.SRTConfig{}, fmt.Errorf("graph: %w: %v", node.ErrInvalidParameters, err)
	}
	if u.Host == "" {
		return nodes.SRTConfig{}, fmt.Errorf("graph: %w: %q has no address", node.ErrInvalidParameters, input)
	}
	q := u.Query()
	cfg := nodes.SRTConfig{
		Address:   u.Host,
		StreamID:  q.Get("streamid"),
		StreamKey: b.cfg.SRT.StreamKey,
		MIME:      strings.ToLower(q.Get("type")),
		Latency:   b.cfg.SRTLatency(),
	}
	if cfg.MIME == "" {
		cfg.MIME = media.MIMEMP2T
	}
	switch mode := q.Get("mode"); mode {
	case "", "caller":
	case "listener":
		cfg.Listen = true
	default:
		return nodes.SRTConfig{}, fmt.Errorf("graph: %w: srt mode %q", node.ErrInvalidParameters, mode)
	}
	return cfg, nil
}

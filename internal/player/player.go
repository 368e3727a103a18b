// Package player hosts a pipeline stream for interactive use. Commands
// arrive on a queue from any goroutine; a control goroutine builds new
// streams, which may block on the network, while a pump goroutine owns the
// current stream and moves its packets. Other goroutines read a
// mutex-guarded snapshot of the stream's state.
package player

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/tune/internal/node"
	"github.com/zsiec/tune/internal/pipeline"
)

var (
	// ErrNoInput is returned by commands that need a stream before one
	// was set.
	ErrNoInput = errors.New("player: no input")

	// ErrClosed is returned by commands sent after the player stopped.
	ErrClosed = errors.New("player: closed")

	errShutdown = errors.New("player: shutdown")
)

// idleWait is how long the pump waits when the stream has no data.
const idleWait = 10 * time.Millisecond

// State is the playback state.
type State int

const (
	StateIdle State = iota
	StatePlaying
	StatePaused
	StateStopped
	StateEnded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateStopped:
		return "stopped"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Builder assembles the stream for input. It must create the stream with
// pipeline.New(opts...) so the player can follow its info.
type Builder func(ctx context.Context, input string, opts ...func(*pipeline.Stream)) (*pipeline.Stream, error)

// Snapshot is a copy of the player's state.
type Snapshot struct {
	StreamID string
	Input    string
	State    State
	Info     node.StreamInfo
	Packets  int64
	Err      error
}

type commandKind int

const (
	cmdSetInput commandKind = iota
	cmdPlay
	cmdPause
	cmdStop
	cmdSeek
	cmdShutdown
)

type command struct {
	kind   commandKind
	input  string
	ts     time.Duration
	stream *pipeline.Stream
	id     string
	reply  chan error
}

// Player plays one stream at a time.
type Player struct {
	log   *slog.Logger
	build Builder
	cmds  chan command
	ops   chan command
	done  chan struct{}

	mu   sync.Mutex
	snap Snapshot

	// Owned by the pump goroutine.
	stream  *pipeline.Stream
	started bool
	playing bool
}

// New creates a player that builds streams with build. A nil logger falls
// back to slog.Default.
func New(build Builder, log *slog.Logger) *Player {
	if log == nil {
		log = slog.Default()
	}
	return &Player{
		log:   log.With("component", "player"),
		build: build,
		cmds:  make(chan command),
		ops:   make(chan command),
		done:  make(chan struct{}),
	}
}

// Run processes commands and plays until ctx is cancelled or Shutdown is
// called. The current stream is closed before Run returns.
func (p *Player) Run(ctx context.Context) error {
	defer close(p.done)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.control(ctx) })
	g.Go(func() error { return p.pump(ctx) })
	err := g.Wait()
	if errors.Is(err, errShutdown) {
		return nil
	}
	return err
}

// Snapshot returns a copy of the current state.
func (p *Player) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap
}

// SetInput replaces the current stream with one built for input. The new
// stream starts paused at its beginning.
func (p *Player) SetInput(ctx context.Context, input string) error {
	return p.send(ctx, command{kind: cmdSetInput, input: input})
}

// Play starts or resumes playback.
func (p *Player) Play(ctx context.Context) error {
	return p.send(ctx, command{kind: cmdPlay})
}

// Pause holds playback at the current position.
func (p *Player) Pause(ctx context.Context) error {
	return p.send(ctx, command{kind: cmdPause})
}

// Stop ends playback and rewinds when the stream can seek.
func (p *Player) Stop(ctx context.Context) error {
	return p.send(ctx, command{kind: cmdStop})
}

// Seek moves playback to ts.
func (p *Player) Seek(ctx context.Context, ts time.Duration) error {
	return p.send(ctx, command{kind: cmdSeek, ts: ts})
}

// Shutdown stops the player; Run returns once the stream is closed.
func (p *Player) Shutdown(ctx context.Context) error {
	return p.send(ctx, command{kind: cmdShutdown})
}

// Done is closed when Run has returned.
func (p *Player) Done() <-chan struct{} {
	return p.done
}

func (p *Player) send(ctx context.Context, c command) error {
	c.reply = make(chan error, 1)
	select {
	case p.cmds <- c:
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-c.reply:
		return err
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// control receives commands. It builds streams itself so that a slow
// connect does not stall playback of the current stream.
func (p *Player) control(ctx context.Context) error {
	for {
		var c command
		select {
		case <-ctx.Done():
			return nil
		case c = <-p.cmds:
		}

		if c.kind == cmdSetInput {
			c.id = uuid.NewString()
			st, err := p.build(ctx, c.input,
				pipeline.StreamOptID(c.id),
				pipeline.StreamOptLogger(p.log),
				pipeline.StreamOptInfoListener(p.infoListener(c.id)),
			)
			if err != nil {
				p.log.Warn("input rejected", "input", c.input, "error", err)
				c.reply <- fmt.Errorf("player: set input %q: %w", c.input, err)
				continue
			}
			c.stream = st
		}

		select {
		case p.ops <- c:
		case <-ctx.Done():
			if c.stream != nil {
				_ = c.stream.Close()
			}
			c.reply <- ErrClosed
			return nil
		}
		if c.kind == cmdShutdown {
			return errShutdown
		}
	}
}

func (p *Player) infoListener(id string) func(node.InfoMask, node.StreamInfo) {
	return func(_ node.InfoMask, info node.StreamInfo) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.snap.StreamID == id {
			p.snap.Info = info
		}
	}
}

// pump owns the current stream.
func (p *Player) pump(ctx context.Context) error {
	defer p.closeStream()
	for {
		if !p.playing {
			select {
			case <-ctx.Done():
				return nil
			case c := <-p.ops:
				if p.handle(c) {
					return nil
				}
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case c := <-p.ops:
			if p.handle(c) {
				return nil
			}
			continue
		default:
		}

		err := p.stream.PumpPacket()
		switch {
		case err == nil:
			p.mu.Lock()
			p.snap.Packets = p.stream.Pumped()
			p.mu.Unlock()
		case errors.Is(err, node.ErrEOS):
			p.log.Info("end of stream", "stream", p.stream.ID(), "packets", p.stream.Pumped())
			p.playing = false
			p.setState(StateEnded, nil)
		case errors.Is(err, node.ErrNoData):
			select {
			case <-ctx.Done():
				return nil
			case c := <-p.ops:
				if p.handle(c) {
					return nil
				}
			case <-time.After(idleWait):
			}
		default:
			p.log.Error("playback failed", "stream", p.stream.ID(), "error", err)
			p.playing = false
			p.setState(StateFailed, err)
		}
	}
}

// handle applies one command on the pump goroutine and reports whether the
// player is shutting down.
func (p *Player) handle(c command) bool {
	var err error
	switch c.kind {
	case cmdShutdown:
		c.reply <- nil
		return true
	case cmdSetInput:
		p.closeStream()
		p.stream = c.stream
		p.started = false
		p.playing = false
		p.mu.Lock()
		p.snap = Snapshot{
			StreamID: c.id,
			Input:    c.input,
			State:    StatePaused,
			Info:     c.stream.Info(),
		}
		p.mu.Unlock()
		p.log.Info("input set", "input", c.input, "stream", c.id)
	case cmdPlay:
		err = p.play()
	case cmdPause:
		err = p.pause()
	case cmdStop:
		err = p.stop()
	case cmdSeek:
		err = p.seek(c.ts)
	}
	c.reply <- err
	return false
}

func (p *Player) play() error {
	if p.stream == nil {
		return ErrNoInput
	}
	if p.playing {
		return nil
	}
	var err error
	if p.started {
		err = p.stream.Resume()
	} else {
		err = p.stream.Start()
	}
	if err != nil {
		return fmt.Errorf("player: play: %w", err)
	}
	p.started = true
	p.playing = true
	p.setState(StatePlaying, nil)
	return nil
}

func (p *Player) pause() error {
	if p.stream == nil {
		return ErrNoInput
	}
	if !p.playing {
		return nil
	}
	if err := p.stream.Pause(); err != nil {
		return fmt.Errorf("player: pause: %w", err)
	}
	p.playing = false
	p.setState(StatePaused, nil)
	return nil
}

func (p *Player) stop() error {
	if p.stream == nil {
		return ErrNoInput
	}
	err := p.stream.Stop()
	p.started = false
	p.playing = false
	if seekErr := p.stream.SeekToTime(0); seekErr != nil && !errors.Is(seekErr, node.ErrNotSupported) {
		err = errors.Join(err, seekErr)
	}
	p.setState(StateStopped, nil)
	if err != nil {
		return fmt.Errorf("player: stop: %w", err)
	}
	return nil
}

func (p *Player) seek(ts time.Duration) error {
	if p.stream == nil {
		return ErrNoInput
	}
	if err := p.stream.SeekToTime(ts); err != nil {
		return fmt.Errorf("player: seek to %v: %w", ts, err)
	}
	p.mu.Lock()
	if p.snap.State == StateEnded {
		p.snap.State = StatePaused
	}
	p.mu.Unlock()
	return nil
}

func (p *Player) setState(s State, err error) {
	p.mu.Lock()
	p.snap.State = s
	p.snap.Err = err
	p.mu.Unlock()
}

func (p *Player) closeStream() {
	if p.stream == nil {
		return
	}
	if err := p.stream.Close(); err != nil {
		p.log.Warn("close stream", "stream", p.stream.ID(), "error", err)
	}
	p.stream = nil
}

// Package node defines the contracts between the processing units of a
// pipeline stream: typed ports with their packet and byte stream
// capabilities, the node lifecycle, and seeking.
package node

import (
	"fmt"
	"log/slog"
)

// Node is a processing unit of a stream.
type Node interface {
	Name() string

	// InputPort and OutputPort return nil when the node has no such port.
	InputPort() Port
	OutputPort() Port

	Activate(ctx Context) error
	Deactivate() error

	Start() error
	Stop() error
	Pause() error
	Resume() error

	// Seek flushes position-dependent state. A node able to reposition its
	// input asks the stream to estimate the target, moves there and sets
	// req.Mode to SeekModeIgnore.
	Seek(req *SeekRequest) error
}

// RunState is the orthogonal run state of an active node.
type RunState int

const (
	RunStopped RunState = iota
	RunStarted
	RunPaused
)

func (s RunState) String() string {
	switch s {
	case RunStopped:
		return "stopped"
	case RunStarted:
		return "started"
	case RunPaused:
		return "paused"
	}
	return fmt.Sprintf("run-state(%d)", int(s))
}

// Lifecycle tracks activation and run state.
type Lifecycle struct {
	active bool
	run    RunState
}

func (l *Lifecycle) Active() bool  { return l.active }
func (l *Lifecycle) Run() RunState { return l.run }

// Activate moves from inactive to active.
func (l *Lifecycle) Activate() error {
	if l.active {
		return fmt.Errorf("%w: already active", ErrInvalidState)
	}
	l.active = true
	return nil
}

// Deactivate moves to inactive and stopped. It is idempotent.
func (l *Lifecycle) Deactivate() {
	l.active = false
	l.run = RunStopped
}

// Start moves to started from any run state.
func (l *Lifecycle) Start() (RunState, error) {
	if !l.active {
		return l.run, fmt.Errorf("%w: start while inactive", ErrInvalidState)
	}
	l.run = RunStarted
	return l.run, nil
}

// Stop moves to stopped.
func (l *Lifecycle) Stop() RunState {
	l.run = RunStopped
	return l.run
}

// Pause moves a started node to paused; otherwise nothing changes.
func (l *Lifecycle) Pause() RunState {
	if l.run == RunStarted {
		l.run = RunPaused
	}
	return l.run
}

// Resume moves a paused node back to started; otherwise nothing changes.
func (l *Lifecycle) Resume() RunState {
	if l.run == RunPaused {
		l.run = RunStarted
	}
	return l.run
}

// Base provides the default lifecycle of a node that holds no external
// resources. Nodes embed it and override what they need.
type Base struct {
	name      string
	log       *slog.Logger
	ctx       Context
	lifecycle Lifecycle
}

// NewBase returns a Base for a node called name. A nil logger falls back to
// slog.Default.
func NewBase(name string, log *slog.Logger) Base {
	if log == nil {
		log = slog.Default()
	}
	return Base{name: name, log: log.With("component", "node", "node", name)}
}

func (b *Base) Name() string { return b.name }

// Log returns the node's logger.
func (b *Base) Log() *slog.Logger { return b.log }

// Context returns the stream the node is activated in, or nil.
func (b *Base) Context() Context { return b.ctx }

// Lifecycle returns the node's lifecycle state.
func (b *Base) Lifecycle() *Lifecycle { return &b.lifecycle }

func (b *Base) Activate(ctx Context) error {
	if ctx == nil {
		return fmt.Errorf("%w: nil context", ErrInvalidParameters)
	}
	if err := b.lifecycle.Activate(); err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}
	b.ctx = ctx
	return nil
}

func (b *Base) Deactivate() error {
	b.lifecycle.Deactivate()
	b.ctx = nil
	return nil
}

func (b *Base) Start() error {
	if _, err := b.lifecycle.Start(); err != nil {
		return fmt.Errorf("%s: %w", b.name, err)
	}
	return nil
}

func (b *Base) Stop() error {
	b.lifecycle.Stop()
	return nil
}

func (b *Base) Pause() error {
	b.lifecycle.Pause()
	return nil
}

func (b *Base) Resume() error {
	b.lifecycle.Resume()
	return nil
}

// Seek does nothing: a node without position-dependent state is always
// ready to continue from wherever its input resumes.
func (b *Base) Seek(*SeekRequest) error {
	return nil
}

// Package pipeline assembles nodes into a stream and pumps packets through
// it from input to output. A Stream is the context its nodes are activated
// in: it collects the stream info they publish and estimates seek points
// from it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zsiec/tune/internal/media"
	"github.com/zsiec/tune/internal/node"
)

// idleWait is how long Run backs off when no node has data.
const idleWait = 10 * time.Millisecond

// Stream is a chain of nodes connected output to input.
//
// A Stream is driven from one goroutine. Stream info is not locked; hosts
// that read it from elsewhere use StreamOptInfoListener and synchronize the
// copies they keep.
type Stream struct {
	id    string
	log   *slog.Logger
	alloc media.Allocator

	nodes     []node.Node
	producers []node.PacketProducer
	consumers []node.PacketConsumer
	sink      int

	info     node.StreamInfo
	listener func(mask node.InfoMask, info node.StreamInfo)

	eos     bool
	started bool
	pumped  atomic.Int64
}

// New creates an empty Stream.
func New(opts ...func(*Stream)) *Stream {
	s := &Stream{
		id:   uuid.NewString(),
		sink: -1,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.alloc == nil {
		s.alloc = media.NewPool()
	}
	s.log = s.log.With("component", "pipeline", "stream", s.id)
	return s
}

// StreamOptLogger sets the logger.
func StreamOptLogger(l *slog.Logger) func(*Stream) {
	return func(s *Stream) {
		s.log = l
	}
}

// StreamOptAllocator sets the packet allocator handed to nodes.
func StreamOptAllocator(a media.Allocator) func(*Stream) {
	return func(s *Stream) {
		s.alloc = a
	}
}

// StreamOptID sets the stream id instead of a random UUID.
func StreamOptID(id string) func(*Stream) {
	return func(s *Stream) {
		s.id = id
	}
}

// StreamOptInfoListener registers a callback run, on the pumping goroutine,
// after every SetInfo with the fields that changed and the merged info.
func StreamOptInfoListener(fn func(mask node.InfoMask, info node.StreamInfo)) func(*Stream) {
	return func(s *Stream) {
		s.listener = fn
	}
}

// ID returns the stream id.
func (s *Stream) ID() string {
	return s.id
}

// Add activates n in this stream and connects the output port of the last
// node to the input port of n.
func (s *Stream) Add(n node.Node) error {
	if err := n.Activate(s); err != nil {
		return fmt.Errorf("pipeline: activate %s: %w", n.Name(), err)
	}
	i := len(s.nodes)
	s.nodes = append(s.nodes, n)
	s.producers = append(s.producers, nil)
	s.consumers = append(s.consumers, nil)

	if out := n.OutputPort(); out != nil && out.Protocol() == node.ProtocolPacket {
		if prod, ok := out.(node.PacketProducer); ok {
			s.producers[i] = prod
		}
	}
	if i > 0 {
		if err := s.connect(i-1, i); err != nil {
			s.nodes = s.nodes[:i]
			s.producers = s.producers[:i]
			s.consumers = s.consumers[:i]
			_ = n.Deactivate()
			return err
		}
	}
	s.log.Debug("node added", "node", n.Name(), "index", i)
	return nil
}

func (s *Stream) connect(a, b int) error {
	from, to := s.nodes[a], s.nodes[b]
	out, in := from.OutputPort(), to.InputPort()
	if out == nil || in == nil {
		return fmt.Errorf("pipeline: connect %s -> %s: %w: missing port", from.Name(), to.Name(), node.ErrInvalidParameters)
	}
	if out.Protocol() != in.Protocol() {
		return fmt.Errorf("pipeline: connect %s (%s) -> %s (%s): %w",
			from.Name(), out.Protocol(), to.Name(), in.Protocol(), node.ErrNotSupported)
	}

	switch out.Protocol() {
	case node.ProtocolPacket:
		cons, ok := in.(node.PacketConsumer)
		if !ok || s.producers[a] == nil {
			return fmt.Errorf("pipeline: connect %s -> %s: %w: packet capability missing", from.Name(), to.Name(), node.ErrNotSupported)
		}
		if err := node.Negotiate(out, in); err != nil {
			return fmt.Errorf("pipeline: connect %s -> %s: %w", from.Name(), to.Name(), err)
		}
		s.consumers[b] = cons
		s.sink = b

	case node.ProtocolStreamPull:
		provider, ok1 := out.(node.InputStreamProvider)
		user, ok2 := in.(node.InputStreamUser)
		if !ok1 || !ok2 {
			return fmt.Errorf("pipeline: connect %s -> %s: %w: stream capability missing", from.Name(), to.Name(), node.ErrNotSupported)
		}
		st, err := provider.InputStream()
		if err != nil {
			return fmt.Errorf("pipeline: input stream of %s: %w", from.Name(), err)
		}
		if err := user.SetInputStream(st); err != nil {
			return fmt.Errorf("pipeline: set input stream of %s: %w", to.Name(), err)
		}

	case node.ProtocolStreamPush:
		provider, ok1 := in.(node.OutputStreamProvider)
		user, ok2 := out.(node.OutputStreamUser)
		if !ok1 || !ok2 {
			return fmt.Errorf("pipeline: connect %s -> %s: %w: stream capability missing", from.Name(), to.Name(), node.ErrNotSupported)
		}
		st, err := provider.OutputStream()
		if err != nil {
			return fmt.Errorf("pipeline: output stream of %s: %w", to.Name(), err)
		}
		if err := user.SetOutputStream(st); err != nil {
			return fmt.Errorf("pipeline: set output stream of %s: %w", from.Name(), err)
		}
	}
	return nil
}

// Nodes returns the stream's nodes from input to output.
func (s *Stream) Nodes() []node.Node {
	return s.nodes
}

// Allocator implements node.Context.
func (s *Stream) Allocator() media.Allocator {
	return s.alloc
}

// SetInfo implements node.Context.
func (s *Stream) SetInfo(mask node.InfoMask, info node.StreamInfo) {
	s.info.Merge(mask, info)
	if s.listener != nil {
		s.listener(mask, s.info)
	}
}

// Info implements node.Context.
func (s *Stream) Info() node.StreamInfo {
	return s.info
}

// EstimateSeekPoint derives the fields of point that the published sample
// rate, duration and size allow from the field mode selects. Fields already
// present are kept. It fails only when the selected field itself is absent.
func (s *Stream) EstimateSeekPoint(mode node.SeekMode, point *node.SeekPoint) error {
	rate := int64(s.info.SampleRate)
	duration := s.info.Duration
	size := s.info.Size

	switch mode {
	case node.SeekModeByTimeStamp:
		if !point.Has(node.SeekPointTimeStamp) {
			return fmt.Errorf("pipeline: %w: seek by timestamp without timestamp", node.ErrInvalidParameters)
		}
		if duration > 0 && !point.Has(node.SeekPointPosition) {
			ts := min(max(point.TimeStamp, 0), duration)
			point.Position.Offset = int64(ts)
			point.Position.Range = int64(duration)
			point.Mask |= node.SeekPointPosition
		}
	case node.SeekModeByPosition:
		if !point.Has(node.SeekPointPosition) || point.Position.Range <= 0 {
			return fmt.Errorf("pipeline: %w: seek by position without position", node.ErrInvalidParameters)
		}
		if duration > 0 && !point.Has(node.SeekPointTimeStamp) {
			point.TimeStamp = time.Duration(point.Fraction() * float64(duration))
			point.Mask |= node.SeekPointTimeStamp
		}
	case node.SeekModeBySample:
		if !point.Has(node.SeekPointSample) {
			return fmt.Errorf("pipeline: %w: seek by sample without sample", node.ErrInvalidParameters)
		}
		if rate > 0 && !point.Has(node.SeekPointTimeStamp) {
			point.TimeStamp = time.Duration(point.Sample * int64(time.Second) / rate)
			point.Mask |= node.SeekPointTimeStamp
		}
		if duration > 0 && point.Has(node.SeekPointTimeStamp) && !point.Has(node.SeekPointPosition) {
			point.Position.Offset = int64(min(point.TimeStamp, duration))
			point.Position.Range = int64(duration)
			point.Mask |= node.SeekPointPosition
		}
	default:
		return fmt.Errorf("pipeline: %w: seek mode %s", node.ErrInvalidParameters, mode)
	}

	if rate > 0 && point.Has(node.SeekPointTimeStamp) && !point.Has(node.SeekPointSample) {
		point.Sample = int64(point.TimeStamp) * rate / int64(time.Second)
		point.Mask |= node.SeekPointSample
	}
	if size > 0 && point.Has(node.SeekPointPosition) && !point.Has(node.SeekPointOffset) {
		point.Offset = int64(point.Fraction() * float64(size))
		point.Mask |= node.SeekPointOffset
	}
	return nil
}

// PumpPacket moves one packet into the last packet consumer of the stream,
// pulling it through every upstream node that needs input first. It returns
// node.ErrEOS once the end-of-stream packet has been delivered.
func (s *Stream) PumpPacket() error {
	if s.eos {
		return node.ErrEOS
	}
	if s.sink < 1 {
		return fmt.Errorf("pipeline: %w: no packet consumer", node.ErrInvalidState)
	}
	p, err := s.pull(s.sink - 1)
	if err != nil {
		if errors.Is(err, node.ErrEOS) {
			s.eos = true
		}
		return err
	}
	eos := p.EOS()
	err = s.consumers[s.sink].PutPacket(p)
	p.Release()
	if err != nil {
		return fmt.Errorf("pipeline: %s: %w", s.nodes[s.sink].Name(), err)
	}
	s.pumped.Add(1)
	if eos {
		s.eos = true
	}
	return nil
}

// pull returns the next packet from node i, feeding it from upstream for as
// long as it reports that it needs input.
func (s *Stream) pull(i int) (*media.Packet, error) {
	prod := s.producers[i]
	if prod == nil {
		return nil, fmt.Errorf("pipeline: %s: %w: no packet output", s.nodes[i].Name(), node.ErrNotSupported)
	}
	for {
		p, err := prod.GetPacket()
		if !errors.Is(err, node.ErrNoData) {
			return p, err
		}
		cons := s.consumers[i]
		if cons == nil {
			return nil, err
		}
		in, err := s.pull(i - 1)
		if err != nil {
			return nil, err
		}
		err = cons.PutPacket(in)
		in.Release()
		if err != nil {
			return nil, fmt.Errorf("pipeline: %s: %w", s.nodes[i].Name(), err)
		}
	}
}

// Pumped returns the number of packets delivered to the sink.
func (s *Stream) Pumped() int64 {
	return s.pumped.Load()
}

// Run starts the nodes and pumps packets until end of stream, the first
// failure, or ctx is cancelled. End of stream and cancellation return nil.
func (s *Stream) Run(ctx context.Context) error {
	if !s.started {
		if err := s.Start(); err != nil {
			return err
		}
	}
	s.log.Info("stream running", "nodes", len(s.nodes))
	for {
		if ctx.Err() != nil {
			return nil
		}
		err := s.PumpPacket()
		switch {
		case err == nil:
		case errors.Is(err, node.ErrEOS):
			s.log.Info("end of stream", "packets", s.pumped.Load())
			return nil
		case errors.Is(err, node.ErrNoData):
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(idleWait):
			}
		default:
			s.log.Error("stream stalled", "error", err, "packets", s.pumped.Load())
			return err
		}
	}
}

// Start starts every node, input first.
func (s *Stream) Start() error {
	for _, n := range s.nodes {
		if err := n.Start(); err != nil {
			return fmt.Errorf("pipeline: start %s: %w", n.Name(), err)
		}
	}
	s.started = true
	return nil
}

// Stop stops every node, output first.
func (s *Stream) Stop() error {
	var errs []error
	for i := len(s.nodes) - 1; i >= 0; i-- {
		if err := s.nodes[i].Stop(); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: stop %s: %w", s.nodes[i].Name(), err))
		}
	}
	s.started = false
	return errors.Join(errs...)
}

// Pause pauses every node.
func (s *Stream) Pause() error {
	for _, n := range s.nodes {
		if err := n.Pause(); err != nil {
			return fmt.Errorf("pipeline: pause %s: %w", n.Name(), err)
		}
	}
	return nil
}

// Resume resumes every node.
func (s *Stream) Resume() error {
	for _, n := range s.nodes {
		if err := n.Resume(); err != nil {
			return fmt.Errorf("pipeline: resume %s: %w", n.Name(), err)
		}
	}
	return nil
}

// SeekToTime repositions the stream at ts.
func (s *Stream) SeekToTime(ts time.Duration) error {
	return s.seek(&node.SeekRequest{
		Mode:  node.SeekModeByTimeStamp,
		Point: node.SeekPoint{Mask: node.SeekPointTimeStamp, TimeStamp: ts},
	})
}

// SeekToPosition repositions the stream at offset/rng of its length.
func (s *Stream) SeekToPosition(offset, rng int64) error {
	req := &node.SeekRequest{Mode: node.SeekModeByPosition}
	req.Point.Mask = node.SeekPointPosition
	req.Point.Position.Offset = offset
	req.Point.Position.Range = rng
	return s.seek(req)
}

// seek hands req to every node from input to output. One of them must
// reposition the stream and rewrite the mode to SeekModeIgnore.
func (s *Stream) seek(req *node.SeekRequest) error {
	mode := req.Mode
	for _, n := range s.nodes {
		if err := n.Seek(req); err != nil {
			return fmt.Errorf("pipeline: seek %s: %w", n.Name(), err)
		}
	}
	if req.Mode != node.SeekModeIgnore {
		return fmt.Errorf("pipeline: seek by %s: %w: no node could reposition", mode, node.ErrNotSupported)
	}
	s.eos = false
	s.log.Debug("seek done", "mode", mode, "time", req.Point.TimeStamp, "sample", req.Point.Sample)
	return nil
}

// Close stops and deactivates every node, output first.
func (s *Stream) Close() error {
	errs := []error{s.Stop()}
	for i := len(s.nodes) - 1; i >= 0; i-- {
		if err := s.nodes[i].Deactivate(); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: deactivate %s: %w", s.nodes[i].Name(), err))
		}
	}
	s.nodes, s.producers, s.consumers = nil, nil, nil
	s.sink = -1
	return errors.Join(errs...)
}

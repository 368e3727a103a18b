package relay

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Stream is an active relayed stream.
type Stream struct {
	Key        string
	RemoteAddr string
	StartedAt  time.Time

	packets atomic.Int64
	bytes   atomic.Int64
	lastSeq atomic.Uint64
	gaps    atomic.Int64
	done    chan struct{}
}

// Record accounts for one received envelope and reports whether its
// sequence number followed the previous one.
func (s *Stream) Record(env *Envelope) bool {
	n := s.packets.Add(1)
	s.bytes.Add(int64(len(env.Payload)))
	prev := s.lastSeq.Swap(env.Seq)
	if n > 1 && env.Seq != prev+1 {
		s.gaps.Add(1)
		return false
	}
	return true
}

// Done is closed when the stream is removed.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// StreamStats is a snapshot of a stream's counters.
type StreamStats struct {
	Key        string `json:"key"`
	RemoteAddr string `json:"remoteAddr"`
	Packets    int64  `json:"packets"`
	Bytes      int64  `json:"bytes"`
	Gaps       int64  `json:"gaps"`
	UptimeMs   int64  `json:"uptimeMs"`
}

// Stats returns a snapshot of the stream's counters.
func (s *Stream) Stats() StreamStats {
	return StreamStats{
		Key:        s.Key,
		RemoteAddr: s.RemoteAddr,
		Packets:    s.packets.Load(),
		Bytes:      s.bytes.Load(),
		Gaps:       s.gaps.Load(),
		UptimeMs:   time.Since(s.StartedAt).Milliseconds(),
	}
}

// Manager tracks the active relayed streams.
type Manager struct {
	log     *slog.Logger
	mu      sync.RWMutex
	streams map[string]*Stream
}

// NewManager creates a new stream manager. If log is nil, slog.Default() is used.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:     log.With("component", "relay-manager"),
		streams: make(map[string]*Stream),
	}
}

// Create registers a new stream. Returns the stream and true if created,
// or nil and false if a stream with this key already exists.
func (m *Manager) Create(key, remoteAddr string) (*Stream, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.streams[key]; ok {
		m.log.Warn("stream already exists, rejecting duplicate", "key", key)
		return nil, false
	}

	s := &Stream{
		Key:        key,
		RemoteAddr: remoteAddr,
		StartedAt:  time.Now(),
		done:       make(chan struct{}),
	}
	m.streams[key] = s
	m.log.Info("stream created", "key", key, "remote", remoteAddr)
	return s, true
}

// Get returns the stream with the given key.
func (m *Manager) Get(key string) (*Stream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.streams[key]
	return s, ok
}

// Remove removes a stream from the manager.
func (m *Manager) Remove(key string) {
	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()

	if ok {
		close(s.done)
		st := s.Stats()
		m.log.Info("stream removed", "key", key, "packets", st.Packets, "bytes", st.Bytes, "gaps", st.Gaps)
	}
}

// List returns all active streams.
func (m *Manager) List() []*Stream {
	m.mu.RLock()
	defer m.mu.RUnlock()

	streams := make([]*Stream, 0, len(m.streams))
	for _, s := range m.streams {
		streams = append(streams, s)
	}
	return streams
}

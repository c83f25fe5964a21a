package peernet

import (
	"sync"
	"time"
)

// TypeStats contains statistics for a single message type.
type TypeStats struct {
	// Type is the message type.
	Type string

	// MessagesSent is the number of messages of this type sent.
	MessagesSent int64

	// MessagesReceived is the number of messages of this type received.
	MessagesReceived int64

	// BytesSent is the total payload bytes sent.
	BytesSent int64

	// BytesReceived is the total payload bytes received.
	BytesReceived int64

	// LastSentAt is when a message of this type was last sent.
	LastSentAt time.Time

	// LastReceivedAt is when a message of this type was last received.
	LastReceivedAt time.Time
}

// PeerStats contains statistics for one remote peer.
// All fields are safe to read without synchronization once returned
// from the API, as they are snapshot copies.
type PeerStats struct {
	// Identity is the remote peer.
	Identity Identity

	// Connected indicates whether the peer is currently connected.
	Connected bool

	// ConnectedAt is when the current connection was established.
	// Zero value if not connected.
	ConnectedAt time.Time

	// TotalConnectTime is the cumulative duration of all connections.
	TotalConnectTime time.Duration

	// MessagesSent is the total number of messages sent to this peer,
	// shouts included.
	MessagesSent int64

	// MessagesReceived is the total number of messages received from this peer.
	MessagesReceived int64

	// BytesSent is the total payload bytes sent to this peer.
	BytesSent int64

	// BytesReceived is the total payload bytes received from this peer.
	BytesReceived int64

	// Types contains per message type statistics.
	Types map[string]*TypeStats

	// LastMessageAt is when a message was last sent or received.
	LastMessageAt time.Time

	// ConnectionCount is the total number of connections, reconnects
	// included.
	ConnectionCount int
}

// peerStatsTracker is the mutable stats tracker of one remote peer.
type peerStatsTracker struct {
	mu sync.RWMutex

	connectedAt      time.Time
	totalConnectTime time.Duration

	messagesSent     int64
	messagesReceived int64
	bytesSent        int64
	bytesReceived    int64

	types map[string]*typeStatsInternal

	lastMessageAt   time.Time
	connectionCount int
}

// typeStatsInternal is the internal mutable per type tracker.
type typeStatsInternal struct {
	messagesSent     int64
	messagesReceived int64
	bytesSent        int64
	bytesReceived    int64
	lastSentAt       time.Time
	lastReceivedAt   time.Time
}

func newPeerStatsTracker() *peerStatsTracker {
	return &peerStatsTracker{
		types: make(map[string]*typeStatsInternal),
	}
}

func (s *peerStatsTracker) recordConnectionStart(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connectedAt = now
	s.connectionCount++
}

func (s *peerStatsTracker) recordConnectionEnd(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connectedAt.IsZero() {
		s.totalConnectTime += now.Sub(s.connectedAt)
		s.connectedAt = time.Time{}
	}
}

func (s *peerStatsTracker) recordMessageSent(msgType string, size int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messagesSent++
	s.bytesSent += int64(size)
	s.lastMessageAt = now

	ts := s.typeLocked(msgType)
	ts.messagesSent++
	ts.bytesSent += int64(size)
	ts.lastSentAt = now
}

func (s *peerStatsTracker) recordMessageReceived(msgType string, size int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messagesReceived++
	s.bytesReceived += int64(size)
	s.lastMessageAt = now

	ts := s.typeLocked(msgType)
	ts.messagesReceived++
	ts.bytesReceived += int64(size)
	ts.lastReceivedAt = now
}

func (s *peerStatsTracker) typeLocked(msgType string) *typeStatsInternal {
	ts := s.types[msgType]
	if ts == nil {
		ts = &typeStatsInternal{}
		s.types[msgType] = ts
	}
	return ts
}

// snapshot returns a copy of the stats for external consumption.
func (s *peerStatsTracker) snapshot(id Identity, now time.Time) *PeerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	connected := !s.connectedAt.IsZero()
	stats := &PeerStats{
		Identity:         id,
		Connected:        connected,
		ConnectedAt:      s.connectedAt,
		TotalConnectTime: s.totalConnectTime,
		MessagesSent:     s.messagesSent,
		MessagesReceived: s.messagesReceived,
		BytesSent:        s.bytesSent,
		BytesReceived:    s.bytesReceived,
		Types:            make(map[string]*TypeStats, len(s.types)),
		LastMessageAt:    s.lastMessageAt,
		ConnectionCount:  s.connectionCount,
	}

	// include the current session
	if connected {
		stats.TotalConnectTime += now.Sub(s.connectedAt)
	}

	for name, ts := range s.types {
		stats.Types[name] = &TypeStats{
			Type:             name,
			MessagesSent:     ts.messagesSent,
			MessagesReceived: ts.messagesReceived,
			BytesSent:        ts.bytesSent,
			BytesReceived:    ts.bytesReceived,
			LastSentAt:       ts.lastSentAt,
			LastReceivedAt:   ts.lastReceivedAt,
		}
	}

	return stats
}

// statsRegistry holds the trackers of every peer seen since creation.
type statsRegistry struct {
	mu    sync.RWMutex
	peers map[Identity]*peerStatsTracker
	now   func() time.Time
}

func newStatsRegistry() *statsRegistry {
	return &statsRegistry{
		peers: make(map[Identity]*peerStatsTracker),
		now:   time.Now,
	}
}

func (r *statsRegistry) tracker(id Identity) *peerStatsTracker {
	r.mu.RLock()
	t, ok := r.peers[id]
	r.mu.RUnlock()
	if ok {
		return t
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok = r.peers[id]; !ok {
		t = newPeerStatsTracker()
		r.peers[id] = t
	}
	return t
}

func (r *statsRegistry) connected(id Identity) {
	r.tracker(id).recordConnectionStart(r.now())
}

func (r *statsRegistry) disconnected(id Identity) {
	r.tracker(id).recordConnectionEnd(r.now())
}

func (r *statsRegistry) sent(id Identity, msgType string, size int) {
	r.tracker(id).recordMessageSent(msgType, size, r.now())
}

func (r *statsRegistry) received(id Identity, msgType string, size int) {
	r.tracker(id).recordMessageReceived(msgType, size, r.now())
}

// endAll closes every open session, as when the local peer stops.
func (r *statsRegistry) endAll() {
	now := r.now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.peers {
		t.recordConnectionEnd(now)
	}
}

func (r *statsRegistry) get(id Identity) *PeerStats {
	r.mu.RLock()
	t, ok := r.peers[id]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return t.snapshot(id, r.now())
}

func (r *statsRegistry) all() map[Identity]*PeerStats {
	r.mu.RLock()
	ids := make([]Identity, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	out := make(map[Identity]*PeerStats, len(ids))
	for _, id := range ids {
		if s := r.get(id); s != nil {
			out[id] = s
		}
	}
	return out
}

func (r *statsRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

package p2p

import (
	"sort"
	"sync"
	"time"
)

// Liveness tracks which peers are currently considered alive based on
// heartbeat receipt. A peer missing heartbeats for the timeout drops out of
// the live set, which in turn feeds coordinator elections.
type Liveness struct {
	mu      sync.Mutex
	selfID  string
	timeout time.Duration
	lastHB  map[string]time.Time

	now func() time.Time
}

// NewLiveness creates a tracker. The local node is always part of the live
// set.
func NewLiveness(selfID string, timeout time.Duration) *Liveness {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Liveness{
		selfID:  selfID,
		timeout: timeout,
		lastHB:  make(map[string]time.Time),
		now:     time.Now,
	}
}

// Observe records a heartbeat (or any authenticated message) from a peer and
// reports whether the peer is newly joining the live set.
func (l *Liveness) Observe(peerID string) bool {
	if peerID == l.selfID {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	seen, known := l.lastHB[peerID]
	l.lastHB[peerID] = l.now()
	return !known || !seen.After(l.now().Add(-l.timeout))
}

// Live returns the sorted live-peer snapshot, including the local node.
func (l *Liveness) Live() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.timeout)
	peers := []string{l.selfID}
	for id, seen := range l.lastHB {
		if seen.After(cutoff) {
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	return peers
}

// IsLive reports whether a peer is currently in the live set.
func (l *Liveness) IsLive(peerID string) bool {
	if peerID == l.selfID {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	seen, ok := l.lastHB[peerID]
	return ok && seen.After(l.now().Add(-l.timeout))
}

// Expired returns peers whose heartbeats lapsed and removes them from the
// tracked set. Callers use this to detect dead executors and coordinators.
func (l *Liveness) Expired() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.timeout)
	var gone []string
	for id, seen := range l.lastHB {
		if !seen.After(cutoff) {
			gone = append(gone, id)
			delete(l.lastHB, id)
		}
	}
	sort.Strings(gone)
	return gone
}

// Forget drops a peer from the live set immediately.
func (l *Liveness) Forget(peerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lastHB, peerID)
}

package election

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
	"time"

	"github.com/compute-swarm/agent/internal/models"
)

// Elector deterministically picks a transient coordinator from a live-peer
// snapshot. It is pure and order-independent: any two peers observing the
// same snapshot agree on the same coordinator without communication.
type Elector struct{}

// New creates an elector
func New() *Elector {
	return &Elector{}
}

// Elect returns the coordinator for the given epoch: the peer whose identity
// hashed together with the epoch yields the minimum value. Returns "" for an
// empty peer set.
func (e *Elector) Elect(epoch uint64, livePeers []string) string {
	ranked := e.ranking(epoch, livePeers)
	if len(ranked) == 0 {
		return ""
	}
	return ranked[0]
}

// Successor returns the next deterministic candidate after failed for the
// same epoch, giving bounded-step failover with no election message round.
// Returns "" when no other candidate remains.
func (e *Elector) Successor(epoch uint64, livePeers []string, failed string) string {
	ranked := e.ranking(epoch, livePeers)
	for i, id := range ranked {
		if id == failed && i+1 < len(ranked) {
			return ranked[i+1]
		}
	}
	if len(ranked) > 0 && ranked[0] != failed {
		return ranked[0]
	}
	return ""
}

// Term builds the CoordinatorTerm snapshot for an election result.
func (e *Elector) Term(epoch uint64, livePeers []string, validity time.Duration) models.CoordinatorTerm {
	now := time.Now()
	return models.CoordinatorTerm{
		Epoch:       epoch,
		Coordinator: e.Elect(epoch, livePeers),
		PeerSetHash: PeerSetHash(livePeers),
		ElectedAt:   now,
		ValidUntil:  now.Add(validity),
	}
}

// ranking orders peers by hash(peer id, epoch) ascending, breaking exact
// hash collisions by peer id so the order is total.
func (e *Elector) ranking(epoch uint64, livePeers []string) []string {
	type candidate struct {
		id   string
		hash [32]byte
	}

	cands := make([]candidate, 0, len(livePeers))
	seen := make(map[string]bool, len(livePeers))
	for _, id := range livePeers {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		cands = append(cands, candidate{id: id, hash: electionHash(id, epoch)})
	}

	sort.Slice(cands, func(i, j int) bool {
		for k := range cands[i].hash {
			if cands[i].hash[k] != cands[j].hash[k] {
				return cands[i].hash[k] < cands[j].hash[k]
			}
		}
		return cands[i].id < cands[j].id
	})

	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

func electionHash(peerID string, epoch uint64) [32]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], epoch)
	h := sha256.New()
	h.Write([]byte(peerID))
	h.Write(buf[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// PeerSetHash fingerprints a live-peer snapshot independent of ordering.
func PeerSetHash(livePeers []string) string {
	sorted := append([]string(nil), livePeers...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

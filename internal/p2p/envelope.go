package p2p

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// ErrBadSignature is returned when an envelope's signature does not verify
// against the sender's identity key.
var ErrBadSignature = errors.New("envelope signature invalid")

// ErrStaleMessage is returned for envelopes older than the replay window.
var ErrStaleMessage = errors.New("envelope outside replay window")

// ErrFutureMessage is returned for envelopes timestamped beyond the allowed
// clock skew.
var ErrFutureMessage = errors.New("envelope timestamp in the future")

// ErrReplayedNonce is returned when an envelope nonce was already seen inside
// the replay window.
var ErrReplayedNonce = errors.New("envelope nonce replayed")

// MessageType tags the payload carried by an envelope.
type MessageType string

const (
	MsgJobAnnounce MessageType = "JOB_ANNOUNCE"
	MsgBid         MessageType = "BID"
	MsgAward       MessageType = "AWARD"
	MsgOutcome     MessageType = "OUTCOME_ATTESTATION"
	MsgHeartbeat   MessageType = "HEARTBEAT"
)

// Envelope wraps every swarm message with the sender identity, a signature
// over the payload, and replay-protection metadata. Envelopes whose
// signature, timestamp, or nonce fail validation are dropped before any
// payload handling runs.
type Envelope struct {
	Sender    string          `json:"sender"`
	Nonce     string          `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
	Type      MessageType     `json:"type"`
	Body      json.RawMessage `json:"body"`
	Signature []byte          `json:"signature"`
}

// Seal builds a signed envelope around body using the node's identity key.
func Seal(priv crypto.PrivKey, sender string, msgType MessageType, body interface{}) (*Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s body: %w", msgType, err)
	}

	env := &Envelope{
		Sender:    sender,
		Nonce:     uuid.New().String(),
		Timestamp: time.Now().Unix(),
		Type:      msgType,
		Body:      raw,
	}

	sig, err := priv.Sign(env.signable())
	if err != nil {
		return nil, fmt.Errorf("failed to sign envelope: %w", err)
	}
	env.Signature = sig
	return env, nil
}

// Marshal serializes the envelope for the wire.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Verify checks the signature against the public key embedded in the sender's
// peer id.
func (e *Envelope) Verify() error {
	pid, err := peer.Decode(e.Sender)
	if err != nil {
		return fmt.Errorf("invalid sender id %q: %w", e.Sender, err)
	}
	pub, err := pid.ExtractPublicKey()
	if err != nil {
		return fmt.Errorf("failed to extract sender public key: %w", err)
	}

	ok, err := pub.Verify(e.signable(), e.Signature)
	if err != nil {
		return fmt.Errorf("failed to verify envelope: %w", err)
	}
	if !ok {
		return ErrBadSignature
	}
	return nil
}

// Decode unmarshals the envelope body into v.
func (e *Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("failed to decode %s body: %w", e.Type, err)
	}
	return nil
}

// signable is the byte sequence covered by the signature: every field except
// the signature itself.
func (e *Envelope) signable() []byte {
	return []byte(fmt.Sprintf("%s|%s|%d|%s|%s", e.Sender, e.Nonce, e.Timestamp, e.Type, e.Body))
}

// Open parses a raw wire message, verifies its signature, and applies replay
// protection. The returned envelope is safe to dispatch.
func Open(data []byte, guard *ReplayGuard) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse envelope: %w", err)
	}
	if err := env.Verify(); err != nil {
		return nil, err
	}
	if guard != nil {
		if err := guard.Check(env.Nonce, time.Unix(env.Timestamp, 0)); err != nil {
			return nil, err
		}
	}
	return &env, nil
}

// ReplayGuard rejects envelopes that fall outside the acceptance window or
// reuse a nonce seen within it.
type ReplayGuard struct {
	mu     sync.Mutex
	window time.Duration // how far in the past a message may be
	skew   time.Duration // tolerated future clock skew
	seen   map[string]time.Time

	now func() time.Time
}

// NewReplayGuard creates a guard with the given acceptance window and
// future-skew tolerance.
func NewReplayGuard(window, skew time.Duration) *ReplayGuard {
	if window <= 0 {
		window = 30 * time.Second
	}
	if skew <= 0 {
		skew = 5 * time.Second
	}
	return &ReplayGuard{
		window: window,
		skew:   skew,
		seen:   make(map[string]time.Time),
		now:    time.Now,
	}
}

// Check validates a (nonce, timestamp) pair and records the nonce. The nonce
// set is pruned as entries age out of the window, so memory stays bounded by
// recent traffic.
func (g *ReplayGuard) Check(nonce string, ts time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for n, seenAt := range g.seen {
		if now.Sub(seenAt) > g.window {
			delete(g.seen, n)
		}
	}

	if now.Sub(ts) > g.window {
		return ErrStaleMessage
	}
	if ts.Sub(now) > g.skew {
		return ErrFutureMessage
	}
	if _, dup := g.seen[nonce]; dup {
		return ErrReplayedNonce
	}
	g.seen[nonce] = now
	return nil
}

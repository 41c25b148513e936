// Package session implements the per-peer session state machine (spec
// §4.6): Connecting/Connected/Disconnected states, the nested
// Gossip/Fetch protocol state, and ping tracking.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"radicle-node/crypto"
	"radicle-node/git"
)

// State is the coarse connection state.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Protocol is the sub-state a Connected session is in.
type Protocol int

const (
	ProtocolGossip Protocol = iota
	ProtocolFetch
)

// PingState tracks an in-flight ping/pong exchange.
type PingState int

const (
	PingNone PingState = iota
	PingAwaitingResponse
	PingOK
)

// Errors returned by transition methods; callers translate these into
// reactor-level Disconnect events (spec §4.6).
var (
	ErrWrongVersion     = errors.New("session: peer version mismatch")
	ErrInvalidTimestamp = errors.New("session: peer timestamp skew exceeds MAX_TIME_DELTA")
	ErrMisbehavior      = errors.New("session: protocol violation")
	ErrNotConnected     = errors.New("session: operation requires a connected session")
)

// MaxTimeDelta bounds acceptable clock skew in Initialize/announcement
// timestamps (spec §4.6, §4.8).
const MaxTimeDelta = 60 * time.Second

// MaxConnectionAttempts caps exponential-backoff reconnect attempts for
// persistent peers (spec §4.6).
const MaxConnectionAttempts = 8

// Session is one peer connection's state.
type Session struct {
	mu sync.Mutex

	NodeID crypto.PublicKey

	state State
	since time.Time

	initialized    bool
	protocol       Protocol
	requestedRepo  *git.RepoId
	ping           PingState
	pingLen        uint16
	subscribeFilter []byte // compact bloom over repo ids, spec §4.6

	persistent        bool
	connectionAttempts int
}

// New returns a session in the Connecting state.
func New(nid crypto.PublicKey, persistent bool) *Session {
	return &Session{NodeID: nid, state: StateConnecting, persistent: persistent, since: time.Now()}
}

// State returns the current coarse state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HandshakeComplete transitions Connecting -> Connected (spec §4.6).
func (s *Session) HandshakeComplete(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateConnected
	s.since = now
	s.protocol = ProtocolGossip
}

// Initialize records a peer's Initialize fields and marks the session
// initialized, validating version and timestamp skew first.
func (s *Session) Initialize(peerVersion, ourVersion uint32, ts, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateConnected {
		return ErrNotConnected
	}
	if peerVersion != ourVersion {
		return ErrWrongVersion
	}
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > MaxTimeDelta {
		return ErrInvalidTimestamp
	}
	s.initialized = true
	return nil
}

// Initialized reports whether the peer's Initialize has been accepted.
// Whether our own Initialize reached the peer is not tracked.
func (s *Session) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Subscribe records the peer's gossip filter (spec §4.6).
func (s *Session) Subscribe(filter []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribeFilter = filter
}

// SubscribeFilter returns the peer's most recently recorded filter, or
// nil if none was ever sent.
func (s *Session) SubscribeFilter() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribeFilter
}

// SendPing records that we sent a Ping expecting a Pong of ponglen bytes.
func (s *Session) SendPing(ponglen uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ping = PingAwaitingResponse
	s.pingLen = ponglen
}

// ReceivePong validates an incoming Pong's length against the outstanding
// ping (spec §4.6: "unsolicited Pong or wrong length ⇒ Misbehavior").
func (s *Session) ReceivePong(length uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ping != PingAwaitingResponse {
		return ErrMisbehavior
	}
	if length != s.pingLen {
		return ErrMisbehavior
	}
	s.ping = PingOK
	return nil
}

// RequestFetch transitions Gossip{None} -> Gossip{Some(rid)} and then to
// the Fetch protocol state, as the reactor hands the socket to a worker
// (spec §4.6).
func (s *Session) RequestFetch(rid git.RepoId) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.protocol != ProtocolGossip {
		return fmt.Errorf("session: RequestFetch: %w", ErrNotConnected)
	}
	s.requestedRepo = &rid
	s.protocol = ProtocolFetch
	return nil
}

// FetchComplete transitions Fetch -> Gossip{None} on worker EOF (spec
// §4.6).
func (s *Session) FetchComplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocol = ProtocolGossip
	s.requestedRepo = nil
}

// Protocol returns the current protocol sub-state and, if in Fetch or
// Gossip{Some}, the repo it concerns.
func (s *Session) Protocol() (Protocol, *git.RepoId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol, s.requestedRepo
}

// InFetch reports whether the session's socket is currently owned by a
// fetch worker (spec §4.7: outbound messages must queue while this holds).
func (s *Session) InFetch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol == ProtocolFetch
}

// Disconnect transitions to Disconnected (spec §4.6: "Any state +
// protocol-violating message ⇒ session moves to Disconnected").
func (s *Session) Disconnect(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected
	s.since = now
}

// ShouldReconnect reports whether a persistent, disconnected session
// should attempt to reconnect, and increments the attempt counter if so
// (spec §4.6: exponential backoff capped at MaxConnectionAttempts).
func (s *Session) ShouldReconnect(transient bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDisconnected || !s.persistent {
		return false
	}
	if !transient {
		return false
	}
	if s.connectionAttempts >= MaxConnectionAttempts {
		return false
	}
	s.connectionAttempts++
	return true
}

// Backoff returns the exponential backoff delay for the current attempt
// count, capped at 5 minutes.
func (s *Session) Backoff() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := time.Second << uint(s.connectionAttempts)
	if d > 5*time.Minute || d <= 0 {
		d = 5 * time.Minute
	}
	return d
}

// ResetAttempts clears the reconnect attempt counter, called after a
// successful handshake.
func (s *Session) ResetAttempts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionAttempts = 0
}

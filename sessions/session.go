// Package sessions holds per-client protocol sessions: their negotiated
// state, activity tracking for the expiry reaper, and the queue of
// out-of-band notifications awaiting delivery over the HTTP transport.
package sessions

import (
	"errors"
	"sync"
	"time"

	"github.com/mcpwire/mcpwire/mcp"
	"github.com/mcpwire/mcpwire/protover"
)

// State is the lifecycle phase of a session. Transitions are monotonic;
// Terminated is absorbing.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateShuttingDown  State = "shutting_down"
	StateTerminated    State = "terminated"
)

var (
	ErrNotFound           = errors.New("session not found")
	ErrNotInitialized     = errors.New("session not initialized")
	ErrAlreadyInitialized = errors.New("session already initialized")
	ErrShuttingDown       = errors.New("session is shutting down")
	ErrTerminated         = errors.New("session terminated")
)

// Session is one client connection's negotiated protocol state. All mutable
// fields are guarded by the session's own mutex so activity on one session
// never contends with another; the registry lock covers only map membership.
type Session struct {
	id        string
	createdAt time.Time

	mu              sync.Mutex
	state           State
	protocolVersion protover.Version
	clientCaps      mcp.CapabilitySet
	negotiatedCaps  mcp.CapabilitySet
	clientInfo      mcp.ImplementationInfo
	lastActiveAt    time.Time
	testSession     bool
	inFlight        int

	queue *NotificationQueue
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		id:           id,
		createdAt:    now,
		state:        StateUninitialized,
		lastActiveAt: now,
		queue:        newNotificationQueue(),
	}
}

func (s *Session) ID() string           { return s.id }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProtocolVersion is empty until the session is initialized and immutable
// afterwards.
func (s *Session) ProtocolVersion() protover.Version {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

func (s *Session) ClientInfo() mcp.ImplementationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientInfo
}

func (s *Session) ClientCapabilities() mcp.CapabilitySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientCaps.Clone()
}

func (s *Session) NegotiatedCapabilities() mcp.CapabilitySet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.negotiatedCaps.Clone()
}

// Queue is the session's pending-notification queue. It outlives individual
// push connections and is closed only when the session is removed.
func (s *Session) Queue() *NotificationQueue { return s.queue }

// Touch records inbound activity for the expiry reaper.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastActiveAt) {
		s.lastActiveAt = now
	}
}

func (s *Session) LastActiveAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActiveAt
}

// MarkTestSession extends the session's idle timeout. Compliance harnesses
// hold sessions open far longer than interactive clients.
func (s *Session) MarkTestSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.testSession = true
}

func (s *Session) IsTestSession() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.testSession
}

// BeginRequest marks a request in flight. The reaper never removes a session
// with work in flight, however stale it looks.
func (s *Session) BeginRequest() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateTerminated {
		return ErrTerminated
	}
	s.inFlight++
	return nil
}

func (s *Session) EndRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight > 0 {
		s.inFlight--
	}
}

func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// initialize transitions Uninitialized -> Initialized exactly once. The
// protocol version is fixed here and never overwritten; a second initialize
// is refused without touching the negotiated state.
func (s *Session) initialize(v protover.Version, clientCaps, negotiated mcp.CapabilitySet, info mcp.ImplementationInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateUninitialized:
	case StateTerminated:
		return ErrTerminated
	default:
		return ErrAlreadyInitialized
	}
	s.state = StateInitialized
	s.protocolVersion = v
	s.clientCaps = clientCaps.Clone()
	s.negotiatedCaps = negotiated.Clone()
	s.clientInfo = info
	return nil
}

// BeginShutdown transitions Initialized -> ShuttingDown. In-flight handlers
// keep running; only new non-exit work is refused afterwards.
func (s *Session) BeginShutdown() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateInitialized:
		s.state = StateShuttingDown
		return nil
	case StateUninitialized:
		return ErrNotInitialized
	case StateShuttingDown:
		return ErrShuttingDown
	default:
		return ErrTerminated
	}
}

// Terminate is the hard stop: reachable from any state, idempotent, and
// closes the notification queue so push subscribers unblock.
func (s *Session) Terminate() {
	s.mu.Lock()
	already := s.state == StateTerminated
	s.state = StateTerminated
	s.mu.Unlock()
	if !already {
		s.queue.Close()
	}
}

// expired reports whether the session is past its idle timeout. Sessions
// with in-flight requests never expire.
func (s *Session) expired(now time.Time, timeout, testFloor time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight > 0 {
		return false
	}
	deadline := timeout
	if s.testSession {
		deadline = 2 * timeout
		if deadline < testFloor {
			deadline = testFloor
		}
	}
	return now.Sub(s.lastActiveAt) > deadline
}

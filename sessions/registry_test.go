package sessions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mcpwire/mcpwire/mcp"
	"github.com/mcpwire/mcpwire/protover"
)

// fakeClock is a manually stepped time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRegistry(clock *fakeClock) *Registry {
	return NewRegistry(
		WithClock(clock.Now),
		WithLogger(quietLogger()),
		WithTimeout(time.Minute),
	)
}

func TestCreateAssignsUniqueIDs(t *testing.T) {
	reg := newTestRegistry(newFakeClock())

	a := reg.Create()
	b := reg.Create()
	if a.ID() == b.ID() {
		t.Fatalf("duplicate session ids: %q", a.ID())
	}
	if a.State() != StateUninitialized {
		t.Fatalf("new session state = %q", a.State())
	}
	if reg.Len() != 2 {
		t.Fatalf("registry len = %d", reg.Len())
	}
}

func TestGetTouchesActivity(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock)
	sess := reg.Create()
	created := sess.LastActiveAt()

	clock.Advance(30 * time.Second)
	got, err := reg.Get(sess.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.LastActiveAt().After(created) {
		t.Fatal("Get did not touch lastActiveAt")
	}

	if _, err := reg.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestInitializeExactlyOnce(t *testing.T) {
	reg := newTestRegistry(newFakeClock())
	sess := reg.Create()
	caps := mcp.CapabilitySet{"tools": {}}
	info := mcp.ImplementationInfo{Name: "test-client", Version: "1.0"}

	if err := reg.Initialize(sess.ID(), protover.V20241105, caps, caps, info); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if sess.State() != StateInitialized {
		t.Fatalf("state = %q", sess.State())
	}
	if sess.ProtocolVersion() != protover.V20241105 {
		t.Fatalf("protocol version = %q", sess.ProtocolVersion())
	}

	err := reg.Initialize(sess.ID(), protover.V20250326, caps, caps, info)
	if !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if sess.ProtocolVersion() != protover.V20241105 {
		t.Fatal("second initialize mutated the protocol version")
	}
}

func TestShutdownTransitions(t *testing.T) {
	reg := newTestRegistry(newFakeClock())
	sess := reg.Create()

	if err := sess.BeginShutdown(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("shutdown before initialize: %v", err)
	}

	if err := reg.Initialize(sess.ID(), protover.V20241105, nil, nil, mcp.ImplementationInfo{}); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := sess.BeginShutdown(); err != nil {
		t.Fatalf("BeginShutdown: %v", err)
	}
	if sess.State() != StateShuttingDown {
		t.Fatalf("state = %q", sess.State())
	}
	if err := sess.BeginShutdown(); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("second shutdown: %v", err)
	}

	sess.Terminate()
	if sess.State() != StateTerminated {
		t.Fatalf("state = %q", sess.State())
	}
	// Terminated is absorbing.
	sess.Terminate()
	if err := sess.BeginShutdown(); !errors.Is(err, ErrTerminated) {
		t.Fatalf("shutdown after terminate: %v", err)
	}
}

func TestRemoveTerminatesAndClosesQueue(t *testing.T) {
	reg := newTestRegistry(newFakeClock())
	sess := reg.Create()

	if !reg.Remove(sess.ID()) {
		t.Fatal("Remove returned false for a live session")
	}
	if reg.Remove(sess.ID()) {
		t.Fatal("Remove returned true for a removed session")
	}
	if _, err := reg.Get(sess.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after remove, got %v", err)
	}
	if sess.State() != StateTerminated {
		t.Fatalf("state = %q", sess.State())
	}
	if _, err := sess.Queue().Enqueue([]byte(`{}`)); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestSweepRemovesIdleSessions(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock)
	stale := reg.Create()

	clock.Advance(2 * time.Minute)
	fresh := reg.Create()

	removed := reg.Sweep(clock.Now())
	if len(removed) != 1 || removed[0] != stale.ID() {
		t.Fatalf("removed = %v", removed)
	}
	if _, err := reg.Get(fresh.ID()); err != nil {
		t.Fatalf("fresh session swept: %v", err)
	}
	if stale.State() != StateTerminated {
		t.Fatalf("swept session state = %q", stale.State())
	}
}

func TestSweepSkipsInFlight(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock)
	sess := reg.Create()
	if err := sess.BeginRequest(); err != nil {
		t.Fatalf("BeginRequest: %v", err)
	}

	clock.Advance(24 * time.Hour)
	if removed := reg.Sweep(clock.Now()); len(removed) != 0 {
		t.Fatalf("reaper removed an in-flight session: %v", removed)
	}

	sess.EndRequest()
	if removed := reg.Sweep(clock.Now()); len(removed) != 1 {
		t.Fatalf("idle session survived sweep: %v", removed)
	}
}

func TestSweepExtendsTestSessions(t *testing.T) {
	clock := newFakeClock()
	reg := newTestRegistry(clock)
	sess := reg.Create()
	sess.MarkTestSession()

	// Twice the one-minute timeout has passed, but the test-session floor
	// keeps it alive.
	clock.Advance(2*time.Minute + time.Second)
	if removed := reg.Sweep(clock.Now()); len(removed) != 0 {
		t.Fatalf("test session removed before its floor: %v", removed)
	}

	clock.Advance(10 * time.Minute)
	if removed := reg.Sweep(clock.Now()); len(removed) != 1 {
		t.Fatal("test session survived past its extended timeout")
	}
}

func TestRunStopsWithContext(t *testing.T) {
	clock := newFakeClock()
	reg := NewRegistry(
		WithClock(clock.Now),
		WithLogger(quietLogger()),
		WithTimeout(time.Minute),
		WithSweepInterval(time.Millisecond),
	)
	stale := reg.Create()
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for reg.Len() > 0 {
		select {
		case <-deadline:
			t.Fatal("reaper never swept the stale session")
		case <-time.After(5 * time.Millisecond):
		}
	}
	if _, err := reg.Get(stale.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale session still resolvable: %v", err)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

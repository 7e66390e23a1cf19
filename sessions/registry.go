package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpwire/mcpwire/mcp"
	"github.com/mcpwire/mcpwire/protover"
)

const (
	// DefaultTimeout is how long an idle session lives between messages.
	DefaultTimeout = 5 * time.Minute
	// DefaultSweepInterval is the reaper period.
	DefaultSweepInterval = 30 * time.Second
	// testTimeoutFloor is the minimum idle timeout granted to test
	// sessions even when the configured timeout is very short.
	testTimeoutFloor = 10 * time.Minute
)

// Registry owns the session map. The registry mutex guards membership only;
// per-session state lives behind each session's own lock so unrelated
// sessions never contend.
type Registry struct {
	log           *slog.Logger
	timeout       time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// Option customizes a Registry.
type Option func(*Registry)

// WithTimeout sets the idle timeout after which the reaper removes a
// session.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithSweepInterval sets how often the reaper runs.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) { r.sweepInterval = d }
}

// WithLogger sets the registry's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) { r.log = log }
}

// WithClock overrides the time source. Tests use this to expire sessions
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:           slog.Default(),
		timeout:       DefaultTimeout,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		sessions:      make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create allocates a fresh Uninitialized session under a new opaque id.
// UUIDs make id reuse a non-issue for the life of the process.
func (r *Registry) Create() *Session {
	sess := newSession(uuid.NewString(), r.now())

	r.mu.Lock()
	r.sessions[sess.id] = sess
	r.mu.Unlock()

	r.log.Debug("session.create", slog.String("session_id", sess.id))
	return sess
}

// Get looks a session up by id and touches its activity timestamp.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	sess, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	sess.Touch(r.now())
	return sess, nil
}

// Initialize performs the one-time Uninitialized -> Initialized transition.
// The version must already be negotiated; capability sets are in canonical
// form.
func (r *Registry) Initialize(id string, v protover.Version, clientCaps, negotiated mcp.CapabilitySet, info mcp.ImplementationInfo) error {
	sess, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := sess.initialize(v, clientCaps, negotiated, info); err != nil {
		return err
	}
	r.log.Info("session.initialize",
		slog.String("session_id", id),
		slog.String("protocol_version", string(v)),
		slog.String("client", info.Name),
	)
	return nil
}

// Remove terminates and discards a session immediately, bypassing the
// reaper. Used for explicit exit and HTTP DELETE.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	sess, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	sess.Terminate()
	r.log.Info("session.remove", slog.String("session_id", id))
	return true
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sweep removes every expired idle session and returns their ids. Sessions
// with requests in flight are skipped no matter how stale they look.
func (r *Registry) Sweep(now time.Time) []string {
	r.mu.Lock()
	var removed []*Session
	for id, sess := range r.sessions {
		if sess.expired(now, r.timeout, testTimeoutFloor) {
			removed = append(removed, sess)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(removed))
	for _, sess := range removed {
		sess.Terminate()
		ids = append(ids, sess.id)
		r.log.Info("session.expire",
			slog.String("session_id", sess.id),
			slog.Time("last_active_at", sess.LastActiveAt()),
		)
	}
	return ids
}

// Run drives the reaper until the context ends. It always returns the
// context's error, so it slots into an errgroup alongside the transports.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Sweep(r.now())
		}
	}
}

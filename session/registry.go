// Package session tracks in-flight payment attempts, one per recipient
// address, and owns their timeout timers. All status transitions funnel
// through a single check-and-set so that the competing resolution
// triggers (feed match, timer expiry, initiator result) cannot double
// finalize a session.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vitwit/paywatch/logger"
	"github.com/vitwit/paywatch/types"
)

// Session is one tracked payment attempt. Status is owned by the
// registry; readers outside the registry must wait on Done before
// inspecting the final state.
type Session struct {
	ID        string
	Recipient string
	Amount    decimal.Decimal
	CreatedAt time.Time
	Deadline  time.Time

	status      types.SessionStatus
	reason      string
	timer       *time.Timer
	unsubscribe func()
	done        chan types.SessionStatus
}

// Done yields the terminal status exactly once, after the session's
// timer is stopped and its watcher subscription cancelled.
func (s *Session) Done() <-chan types.SessionStatus {
	return s.done
}

// Reason returns the failure code recorded at the terminal transition.
// Only meaningful after Done has yielded.
func (s *Session) Reason() string {
	return s.reason
}

// Registry is the authoritative store of pending payment sessions,
// keyed by recipient address.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	log      logger.Logger
}

func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.NoopLogger{}
	}
	return &Registry{
		sessions: make(map[string]*Session),
		log:      log,
	}
}

// Register opens a pending session for recipient. At most one pending
// session may exist per recipient; a second registration is rejected
// with ACTIVE_SESSION_CONFLICT rather than superseding the first, so a
// live timer and watcher subscription are never silently orphaned.
// onTimeout runs after the session's own timer wins the terminal
// transition.
func (r *Registry) Register(recipient string, amount decimal.Decimal, timeout time.Duration, onTimeout func(*Session)) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, &types.PayError{
			Code:    types.ErrShuttingDown,
			Message: "registry is shutting down",
		}
	}

	if _, exists := r.sessions[recipient]; exists {
		return nil, &types.PayError{
			Code:    types.ErrActiveSessionConflict,
			Message: fmt.Sprintf("a payment for %s is already in flight", recipient),
		}
	}

	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Amount:    amount,
		CreatedAt: now,
		Deadline:  now.Add(timeout),
		status:    types.StatusPending,
		done:      make(chan types.SessionStatus, 1),
	}

	s.timer = time.AfterFunc(timeout, func() {
		if r.Expire(recipient) {
			if onTimeout != nil {
				onTimeout(s)
			}
		}
	})

	r.sessions[recipient] = s
	return s, nil
}

// SetUnsubscribe arms the watcher cancellation hook for a still-pending
// session. Returns false if the session already reached a terminal
// state, in which case the caller must run the hook itself.
func (r *Registry) SetUnsubscribe(recipient string, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[recipient]
	if !ok || s.status != types.StatusPending {
		return false
	}

	s.unsubscribe = fn
	return true
}

// Confirm transitions Pending -> Confirmed. Returns false if the
// session is absent or already terminal.
func (r *Registry) Confirm(recipient string) bool {
	return r.transition(recipient, types.StatusConfirmed, "")
}

// Expire transitions Pending -> TimedOut. Invoked only by the session's
// own timer.
func (r *Registry) Expire(recipient string) bool {
	return r.transition(recipient, types.StatusTimedOut, types.ErrPaymentTimeout)
}

// Cancel transitions Pending -> Failed with the given failure code.
func (r *Registry) Cancel(recipient, reason string) bool {
	return r.transition(recipient, types.StatusFailed, reason)
}

// transition is the single check-and-set every terminal trigger races
// through. The winner stops the timer and captures the unsubscribe hook
// under the lock, removes the entry, then runs the hook and signals
// Done. Timer and watcher are deactivated before removal so a late
// callback only ever observes a missing entry as a no-op.
func (r *Registry) transition(recipient string, to types.SessionStatus, reason string) bool {
	r.mu.Lock()

	s, ok := r.sessions[recipient]
	if !ok || s.status != types.StatusPending {
		r.mu.Unlock()
		return false
	}

	s.status = to
	s.reason = reason
	if s.timer != nil {
		s.timer.Stop()
	}
	unsub := s.unsubscribe
	s.unsubscribe = nil
	delete(r.sessions, recipient)

	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}

	r.log.Debug("session finalized", map[string]any{
		"session":   s.ID,
		"recipient": recipient,
		"status":    to.String(),
	})

	s.done <- to
	return true
}

// Status reports the current status of the recipient's session, if any.
func (r *Registry) Status(recipient string) (types.SessionStatus, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[recipient]
	if !ok {
		return "", false
	}
	return s.status, true
}

// Len returns the number of pending sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Shutdown fails every pending session, stops its timer, runs its
// unsubscribe hook and refuses further registrations. Safe to call more
// than once.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closed = true
	pending := make([]*Session, 0, len(r.sessions))
	for recipient, s := range r.sessions {
		s.status = types.StatusFailed
		s.reason = types.ErrShuttingDown
		if s.timer != nil {
			s.timer.Stop()
		}
		pending = append(pending, s)
		delete(r.sessions, recipient)
	}
	r.mu.Unlock()

	for _, s := range pending {
		if s.unsubscribe != nil {
			s.unsubscribe()
			s.unsubscribe = nil
		}
		s.done <- types.StatusFailed
	}

	if len(pending) > 0 {
		r.log.Info("registry shutdown cancelled pending sessions", map[string]any{
			"count": len(pending),
		})
	}
}

package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	gateerrors "github.com/token-gate/internal/errors"
	"github.com/token-gate/internal/logging"
)

// Registry owns the live sessions of this process
type Registry struct {
	gates map[string]GateRuntime
	deps  Dependencies
	ttl   time.Duration
	now   func() time.Time

	// maxSessions bounds the live sessions; zero means unbounded
	maxSessions int

	mu       sync.RWMutex
	sessions map[string]*Workflow
}

// NewRegistry creates a registry serving the given gates. Sessions idle for
// longer than ttl are ended by Run.
func NewRegistry(gates map[string]GateRuntime, deps Dependencies, ttl time.Duration) *Registry {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		gates:    gates,
		deps:     deps,
		ttl:      ttl,
		now:      now,
		sessions: make(map[string]*Workflow),
	}
}

// LimitSessions caps the number of live sessions. Create fails with
// SESSION_LIMIT_REACHED once the cap is reached. Call before serving.
func (r *Registry) LimitSessions(max int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxSessions = max
}

func (r *Registry) full() bool {
	return r.maxSessions > 0 && len(r.sessions) >= r.maxSessions
}

// Gate returns the runtime of an enabled gate
func (r *Registry) Gate(id string) (GateRuntime, bool) {
	gate, ok := r.gates[id]
	return gate, ok
}

// GateIDs returns the enabled gate ids in sorted order
func (r *Registry) GateIDs() []string {
	ids := make([]string, 0, len(r.gates))
	for id := range r.gates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Create starts a new session for a gate
func (r *Registry) Create(ctx context.Context, gateID string) (*Workflow, error) {
	gate, ok := r.gates[gateID]
	if !ok {
		return nil, gateerrors.NewGateNotFoundError(gateID)
	}

	r.mu.RLock()
	full, limit := r.full(), r.maxSessions
	r.mu.RUnlock()
	if full {
		return nil, gateerrors.NewSessionLimitError(limit)
	}

	id := uuid.New().String()
	w, err := NewWorkflow(ctx, id, gate, r.deps)
	if err != nil {
		return nil, gateerrors.NewInternalError("failed to create session", err)
	}

	r.mu.Lock()
	if r.full() {
		r.mu.Unlock()
		w.End()
		return nil, gateerrors.NewSessionLimitError(limit)
	}
	r.sessions[id] = w
	r.mu.Unlock()

	logging.WithFields(map[string]interface{}{
		"session": id,
		"gate":    gateID,
	}).Debug("Session created")
	return w, nil
}

// Get returns a live session
func (r *Registry) Get(id string) (*Workflow, error) {
	r.mu.RLock()
	w, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return nil, gateerrors.NewSessionNotFoundError(id)
	}
	return w, nil
}

// End removes a session and ends it
func (r *Registry) End(id string) error {
	r.mu.Lock()
	w, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return gateerrors.NewSessionNotFoundError(id)
	}
	w.End()
	return nil
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Expire ends every session idle for longer than the ttl and returns how many were ended
func (r *Registry) Expire() int {
	cutoff := r.now().Add(-r.ttl)

	r.mu.Lock()
	var expired []*Workflow
	for id, w := range r.sessions {
		if w.LastActivity().Before(cutoff) {
			expired = append(expired, w)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, w := range expired {
		w.End()
	}
	return len(expired)
}

// Run expires idle sessions every interval until ctx is cancelled
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.Expire(); n > 0 {
				logging.WithField("count", n).Info("Expired idle sessions")
			}
		}
	}
}

// Close ends all sessions
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Workflow)
	r.mu.Unlock()

	for _, w := range sessions {
		w.End()
	}
}

// Package session orchestrates one generation request end to end: template
// preparation, job submission, event resolution, artifact retrieval, and the
// durable conversation record.
package session

import (
	"sync"
	"time"
)

// Pending is one submitted, not-yet-settled generation session.
type Pending struct {
	Prompt      string
	Seed        uint64
	SubmittedAt time.Time
}

// Tracker correlates inbound completion events back to submitted sessions.
// The push protocol carries no job id on the frames this client consumes, so
// correlation is best-effort; the heuristic lives behind this interface so it
// can be swapped out if the backend ever echoes a reliable id.
type Tracker interface {
	// Track registers a session that just entered AwaitingCompletion.
	Track(p *Pending)

	// ResolveCompletion returns and removes the session the next completion
	// event is attributed to, or nil when nothing is pending.
	ResolveCompletion() *Pending

	// PendingCount reports how many sessions await completion.
	PendingCount() int
}

// NewTracker returns the default tracker: the most recently submitted
// unsettled session is treated as the target of the next completion event.
// Concurrent overlapping sessions can therefore be misattributed; accepted
// until the protocol grows a correlation token.
func NewTracker() Tracker {
	return &recentTracker{}
}

type recentTracker struct {
	mu      sync.Mutex
	pending []*Pending
}

func (t *recentTracker) Track(p *Pending) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, p)
}

func (t *recentTracker) ResolveCompletion() *Pending {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return nil
	}
	last := t.pending[len(t.pending)-1]
	t.pending = t.pending[:len(t.pending)-1]
	return last
}

func (t *recentTracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

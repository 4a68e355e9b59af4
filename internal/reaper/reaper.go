package reaper

import (
	"context"
	"log"
	"time"

	"github.com/playground-sh/playground/internal/metrics"
	"github.com/playground-sh/playground/internal/models"
)

// SessionManager is the slice of the session manager the reaper needs.
type SessionManager interface {
	ListSessions(ctx context.Context) ([]models.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

type submission struct {
	id string
	at time.Time
}

// Reaper is the single background loop of the control plane. On a fixed
// interval it lists sessions, tears down the ones past their duration budget
// and records deploy-duration observations for sessions it was told about by
// the provisioner. Submissions arrive over a channel; the pending map is
// owned exclusively by the loop, so no lock is ever held across an I/O call.
type Reaper struct {
	sessions SessionManager
	interval time.Duration

	submitted chan submission
	pending   map[string]time.Time

	// now is swapped out in tests.
	now func() time.Time
}

func New(sessions SessionManager, interval time.Duration) *Reaper {
	return &Reaper{
		sessions:  sessions,
		interval:  interval,
		submitted: make(chan submission, 64),
		pending:   make(map[string]time.Time),
		now:       time.Now,
	}
}

// SessionSubmitted tells the reaper a session was just provisioned. The send
// never blocks: this tracking feeds metrics only, so dropping a notification
// under pressure is preferable to stalling a provisioning request.
func (r *Reaper) SessionSubmitted(id string, at time.Time) {
	select {
	case r.submitted <- submission{id: id, at: at}:
	default:
		log.Printf("Deployment tracking queue full, dropping observation for session %s", id)
	}
}

// Run executes the reap loop until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	log.Printf("Starting session reaper (interval %s)", r.interval)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("Session reaper stopped")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep runs one reap iteration. Per-session failures are logged and skipped;
// one broken session must not stall enforcement for the rest.
func (r *Reaper) sweep(ctx context.Context) {
	r.drainSubmissions()

	sessions, err := r.sessions.ListSessions(ctx)
	if err != nil {
		log.Printf("Reaper failed to list sessions: %v", err)
		return
	}

	now := r.now()
	for _, session := range sessions {
		r.observeDeployment(&session, now)

		if session.State.Phase != models.SessionRunning {
			continue
		}
		if session.MaxDuration <= 0 {
			continue
		}
		if elapsed := now.Sub(session.State.StartTime); elapsed > session.MaxDuration {
			log.Printf("Session %s exceeded its duration budget (%s elapsed, %s allowed), undeploying",
				session.ID, elapsed.Round(time.Second), session.MaxDuration)
			if err := r.sessions.DeleteSession(ctx, session.ID); err != nil {
				log.Printf("Failed to undeploy expired session %s: %v", session.ID, err)
			}
		}
	}
}

func (r *Reaper) drainSubmissions() {
	for {
		select {
		case s := <-r.submitted:
			r.pending[s.id] = s.at
		default:
			return
		}
	}
}

// observeDeployment records how long a tracked session took to reach its
// first running or failed state, then stops tracking it.
func (r *Reaper) observeDeployment(session *models.Session, now time.Time) {
	submittedAt, ok := r.pending[session.ID]
	if !ok {
		return
	}
	if session.State.Phase != models.SessionRunning && session.State.Phase != models.SessionFailed {
		return
	}
	metrics.ObserveDeployDuration(now.Sub(submittedAt))
	delete(r.pending, session.ID)
}

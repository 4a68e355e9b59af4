package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/playground-sh/playground/internal/models"
)

type stubManager struct {
	sessions []models.Session
	listErr  error

	deleted   []string
	deleteErr map[string]error
}

func (s *stubManager) ListSessions(ctx context.Context) ([]models.Session, error) {
	return s.sessions, s.listErr
}

func (s *stubManager) DeleteSession(ctx context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return s.deleteErr[id]
}

func runningSession(id string, startTime time.Time, maxDuration time.Duration) models.Session {
	return models.Session{
		ID:          id,
		MaxDuration: maxDuration,
		State: models.SessionState{
			Phase:     models.SessionRunning,
			StartTime: startTime,
		},
	}
}

func TestReaper_UndeploysExpiredSessions(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	manager := &stubManager{
		sessions: []models.Session{runningSession("alice-rust", t0, 600*time.Second)},
	}
	r := New(manager, time.Second)

	t.Run("WithinBudget", func(t *testing.T) {
		r.now = func() time.Time { return t0.Add(300 * time.Second) }
		r.sweep(context.Background())
		assert.Empty(t, manager.deleted)
	})

	t.Run("PastBudget", func(t *testing.T) {
		r.now = func() time.Time { return t0.Add(1200 * time.Second) }
		r.sweep(context.Background())
		assert.Equal(t, []string{"alice-rust"}, manager.deleted)
	})
}

func TestReaper_IgnoresNonRunningSessions(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	manager := &stubManager{
		sessions: []models.Session{
			{ID: "deploying", MaxDuration: time.Second, State: models.SessionState{Phase: models.SessionDeploying}},
			{ID: "failed", MaxDuration: time.Second, State: models.SessionState{Phase: models.SessionFailed}},
		},
	}
	r := New(manager, time.Second)
	r.now = func() time.Time { return t0.Add(time.Hour) }

	r.sweep(context.Background())
	assert.Empty(t, manager.deleted)
}

func TestReaper_ContinuesAfterPerSessionFailure(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	manager := &stubManager{
		sessions: []models.Session{
			runningSession("first", t0, time.Minute),
			runningSession("second", t0, time.Minute),
		},
		deleteErr: map[string]error{"first": errors.New("pod stuck terminating")},
	}
	r := New(manager, time.Second)
	r.now = func() time.Time { return t0.Add(time.Hour) }

	r.sweep(context.Background())
	// The first session's failure must not stop the second from being reaped.
	assert.Equal(t, []string{"first", "second"}, manager.deleted)
}

func TestReaper_TracksDeployDurations(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	manager := &stubManager{
		sessions: []models.Session{
			{ID: "pending", State: models.SessionState{Phase: models.SessionDeploying}},
		},
	}
	r := New(manager, time.Second)
	r.now = func() time.Time { return t0.Add(30 * time.Second) }

	r.SessionSubmitted("pending", t0)

	// Still deploying: the submission stays tracked.
	r.sweep(context.Background())
	assert.Contains(t, r.pending, "pending")

	// First observed running: observation recorded, tracking dropped.
	manager.sessions[0].State = models.SessionState{Phase: models.SessionRunning, StartTime: t0}
	r.sweep(context.Background())
	assert.NotContains(t, r.pending, "pending")
}

func TestReaper_SubmissionQueueNeverBlocks(t *testing.T) {
	r := New(&stubManager{}, time.Second)
	for i := 0; i < 200; i++ {
		r.SessionSubmitted("overflow", time.Now())
	}
}

package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/playground-sh/playground/internal/store"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExists   = errors.New("session already exists")
	ErrUnknownPool     = errors.New("unknown pool")
	ErrVersionNotReady = errors.New("repository version not ready")
	ErrInvalidRuntime  = errors.New("invalid runtime descriptor")
)

// CapacityError reports a refused admission: the pool already runs (or is
// deploying) as many sessions as it can hold.
type CapacityError struct {
	Pool    string
	Current int
	Max     int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("pool %s at capacity: %d of %d sessions in use", e.Pool, e.Current, e.Max)
}

// DurationLimitError reports a requested duration that meets or exceeds the
// configured maximum.
type DurationLimitError struct {
	Requested time.Duration
	Max       time.Duration
}

func (e *DurationLimitError) Error() string {
	return fmt.Sprintf("requested duration %s exceeds limit %s", e.Requested, e.Max)
}

// Refused reports whether an error is an admission refusal (capacity, limits,
// missing or unready dependencies) as opposed to an operation failure.
// Refusals are not worth retrying with the same arguments.
func Refused(err error) bool {
	var capacity *CapacityError
	var limit *DurationLimitError
	switch {
	case errors.As(err, &capacity), errors.As(err, &limit):
		return true
	case errors.Is(err, ErrUnknownPool),
		errors.Is(err, ErrVersionNotReady),
		errors.Is(err, ErrInvalidRuntime),
		errors.Is(err, ErrSessionExists),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrAlreadyExists):
		return true
	}
	return false
}

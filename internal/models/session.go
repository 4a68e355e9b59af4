package models

import "time"

type SessionPhase string

const (
	SessionDeploying SessionPhase = "Deploying"
	SessionRunning   SessionPhase = "Running"
	SessionFailed    SessionPhase = "Failed"
	SessionUnknown   SessionPhase = "Unknown"
)

// SessionState is the lifecycle state derived from the underlying pod. Only
// the fields relevant to the phase are populated: StartTime and Node for
// Running, Reason and Message for Failed.
type SessionState struct {
	Phase     SessionPhase
	StartTime time.Time
	Node      string
	Reason    string
	Message   string
}

// Session is one ephemeral per-user development container plus its network
// exposure. The pod is the only durable record; everything here is decoded
// from pod labels, annotations and runtime status.
type Session struct {
	ID                  string
	OwnerID             string
	RepositoryID        string
	RepositoryVersionID string
	PoolID              string
	MaxDuration         time.Duration
	State               SessionState
}

// SessionConfiguration carries the caller-supplied options for creating or
// updating a session. Zero values fall back to user- or cluster-level
// defaults.
type SessionConfiguration struct {
	RepositoryID        string
	RepositoryVersionID string
	PoolAffinity        string
	Duration            time.Duration
}

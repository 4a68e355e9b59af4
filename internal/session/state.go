package session

import (
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/playground-sh/playground/internal/models"
)

// Waiting reason that marks a permanently broken container configuration.
// Other waiting reasons (image pull, scheduling) are transient.
const reasonCreateContainerConfigError = "CreateContainerConfigError"

// PodState derives a session's lifecycle state from its pod. The mapping is
// total: any well-formed status yields exactly one of the four phases, and
// missing or unknown fields degrade to Deploying rather than an error.
func PodState(pod *corev1.Pod) models.SessionState {
	if len(pod.Status.ContainerStatuses) == 0 {
		return models.SessionState{Phase: models.SessionDeploying}
	}

	state := pod.Status.ContainerStatuses[0].State
	switch {
	case state.Running != nil:
		return models.SessionState{
			Phase:     models.SessionRunning,
			StartTime: startTime(state.Running),
			Node:      pod.Spec.NodeName,
		}
	case state.Terminated != nil:
		return models.SessionState{
			Phase:   models.SessionFailed,
			Reason:  state.Terminated.Reason,
			Message: state.Terminated.Message,
		}
	case state.Waiting != nil:
		if state.Waiting.Reason == reasonCreateContainerConfigError {
			return models.SessionState{
				Phase:   models.SessionFailed,
				Reason:  state.Waiting.Reason,
				Message: state.Waiting.Message,
			}
		}
		return models.SessionState{Phase: models.SessionDeploying}
	default:
		return models.SessionState{Phase: models.SessionUnknown}
	}
}

func startTime(running *corev1.ContainerStateRunning) time.Time {
	if running.StartedAt.IsZero() {
		return time.Unix(0, 0)
	}
	return running.StartedAt.Time
}

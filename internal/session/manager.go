package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"

	"github.com/playground-sh/playground/internal/metrics"
	"github.com/playground-sh/playground/internal/models"
	"github.com/playground-sh/playground/internal/pool"
	"github.com/playground-sh/playground/internal/repository"
	"github.com/playground-sh/playground/internal/routes"
)

const (
	LabelApp       = "app"
	LabelComponent = "component"
	LabelSession   = "playground.dev/session"
	LabelOwner     = "playground.dev/owner"
	LabelResource  = "playground.dev/repository"

	AnnotationDuration = "playground.dev/duration"
	AnnotationVersion  = "playground.dev/repository-version"
	AnnotationPool     = "playground.dev/pool"

	AppName          = "playground"
	ComponentSession = "session"

	sessionSelector = "app=playground,component=session"

	defaultWebPort = 8080
)

// EventPublisher emits session lifecycle events to an external broker.
type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

// DeploymentObserver is notified when a session has been submitted, so that
// deploy durations can be measured once the session is first observed
// running or failed.
type DeploymentObserver interface {
	SessionSubmitted(id string, at time.Time)
}

// Defaults carries cluster-level session policy.
type Defaults struct {
	Pool        string
	Duration    time.Duration
	MaxDuration time.Duration
}

// Manager is the session provisioner: admission control plus the ordered
// creation of volume, route, pod and service, and the symmetric teardown.
// All durable session state lives on the pod; the manager itself is
// stateless.
type Manager struct {
	client       kubernetes.Interface
	pools        *pool.Registry
	routes       *routes.Table
	repositories *repository.Service
	namespace    string
	defaults     Defaults
	publisher    EventPublisher
	observer     DeploymentObserver
}

func NewManager(
	client kubernetes.Interface,
	pools *pool.Registry,
	table *routes.Table,
	repositories *repository.Service,
	namespace string,
	defaults Defaults,
) *Manager {
	return &Manager{
		client:       client,
		pools:        pools,
		routes:       table,
		repositories: repositories,
		namespace:    namespace,
		defaults:     defaults,
	}
}

// SetPublisher attaches an optional lifecycle event publisher.
func (m *Manager) SetPublisher(p EventPublisher) { m.publisher = p }

// SetObserver attaches the deploy-duration observer (the reaper).
func (m *Manager) SetObserver(o DeploymentObserver) { m.observer = o }

func podName(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

func serviceName(sessionID string) string {
	return fmt.Sprintf("session-%s-svc", sessionID)
}

// CreateSession admits and provisions a new session. Provisioning is a saga:
// each completed step pushes a compensating action, and a later step's
// failure unwinds everything done so far in reverse order.
func (m *Manager) CreateSession(ctx context.Context, user *models.User, sessionID string, conf models.SessionConfiguration) (*models.Session, error) {
	poolID := firstNonEmpty(conf.PoolAffinity, user.PoolAffinity, m.defaults.Pool)

	p, err := m.pools.GetPool(ctx, poolID)
	if err != nil {
		if errors.Is(err, pool.ErrPoolNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPool, poolID)
		}
		return nil, err
	}

	// Deploying sessions count against capacity so that a burst of requests
	// cannot overcommit a pool before the first pods come up.
	sessions, err := m.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	active := 0
	for _, s := range sessions {
		if s.State.Phase == models.SessionRunning || s.State.Phase == models.SessionDeploying {
			active++
		}
		if s.ID == sessionID {
			return nil, fmt.Errorf("%w: %s", ErrSessionExists, sessionID)
		}
	}
	if limit := m.pools.MaxSessionsAllowed(p); active >= limit {
		return nil, &CapacityError{Pool: poolID, Current: active, Max: limit}
	}

	version, err := m.repositories.ResolveVersion(ctx, conf.RepositoryID, conf.RepositoryVersionID)
	if err != nil {
		return nil, err
	}
	if version.State.Phase != models.VersionReady {
		return nil, fmt.Errorf("%w: repository %s version %s is %s",
			ErrVersionNotReady, conf.RepositoryID, version.ID, version.State.Phase)
	}
	runtime := version.State.Runtime
	if runtime == nil || runtime.Image == "" {
		return nil, fmt.Errorf("%w: repository %s version %s has no image", ErrInvalidRuntime, conf.RepositoryID, version.ID)
	}

	duration := conf.Duration
	if duration == 0 {
		duration = m.defaults.Duration
	}
	if duration >= m.defaults.MaxDuration {
		return nil, &DurationLimitError{Requested: duration, Max: m.defaults.MaxDuration}
	}

	var compensations []func()
	unwind := func() {
		for i := len(compensations) - 1; i >= 0; i-- {
			compensations[i]()
		}
	}

	// The workspace volume survives sessions on purpose: it is keyed by owner
	// and repository, so a re-created session picks up prior storage. It is
	// therefore never part of the unwind.
	volumeName, err := m.getOrCreateVolume(ctx, user.ID, conf.RepositoryID)
	if err != nil {
		metrics.RecordDeployFailure(conf.RepositoryID)
		return nil, err
	}

	// The route goes in before the pod so that the subdomain resolves as soon
	// as the container is reachable.
	paths := routePaths(runtime)
	if err := m.routes.AddRoute(ctx, sessionID, serviceName(sessionID), paths); err != nil {
		metrics.RecordDeployFailure(conf.RepositoryID)
		return nil, fmt.Errorf("failed to add route for session %s: %w", sessionID, err)
	}
	compensations = append(compensations, func() {
		if err := m.routes.RemoveRoute(context.Background(), sessionID); err != nil {
			log.Printf("Failed to unwind route for session %s: %v", sessionID, err)
		}
	})

	pod := m.sessionPod(sessionID, user.ID, poolID, volumeName, version, runtime, conf, duration)
	if _, err := m.client.CoreV1().Pods(m.namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		unwind()
		metrics.RecordDeployFailure(conf.RepositoryID)
		return nil, fmt.Errorf("failed to create session pod: %w", err)
	}
	compensations = append(compensations, func() {
		if err := m.client.CoreV1().Pods(m.namespace).Delete(context.Background(), pod.Name, metav1.DeleteOptions{}); err != nil {
			log.Printf("Failed to unwind pod for session %s: %v", sessionID, err)
		}
	})

	service := m.sessionService(sessionID, runtime)
	if _, err := m.client.CoreV1().Services(m.namespace).Create(ctx, service, metav1.CreateOptions{}); err != nil {
		unwind()
		metrics.RecordDeployFailure(conf.RepositoryID)
		return nil, fmt.Errorf("failed to create session service: %w", err)
	}

	metrics.RecordDeploy(conf.RepositoryID)
	if m.observer != nil {
		m.observer.SessionSubmitted(sessionID, time.Now())
	}
	m.publish(ctx, "session.created", map[string]string{
		"session_id": sessionID,
		"owner_id":   user.ID,
		"repository": conf.RepositoryID,
	})

	return &models.Session{
		ID:                  sessionID,
		OwnerID:             user.ID,
		RepositoryID:        conf.RepositoryID,
		RepositoryVersionID: version.ID,
		PoolID:              poolID,
		MaxDuration:         duration,
		State:               models.SessionState{Phase: models.SessionDeploying},
	}, nil
}

// UpdateSession adjusts a session's duration budget. The change is a single
// annotation patch; nothing is recreated. Requests meeting or exceeding the
// configured maximum are rejected, equality included.
func (m *Manager) UpdateSession(ctx context.Context, sessionID string, conf models.SessionConfiguration) error {
	pod, err := m.client.CoreV1().Pods(m.namespace).Get(ctx, podName(sessionID), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return fmt.Errorf("failed to fetch session %s: %w", sessionID, err)
	}

	duration := conf.Duration
	if duration == 0 {
		duration = m.defaults.Duration
	}
	if duration >= m.defaults.MaxDuration {
		return &DurationLimitError{Requested: duration, Max: m.defaults.MaxDuration}
	}

	if duration == durationFromPod(pod) {
		return nil
	}

	patch := fmt.Sprintf(`{"metadata":{"annotations":{%q:%q}}}`,
		AnnotationDuration, strconv.FormatInt(int64(duration.Seconds()), 10))
	_, err = m.client.CoreV1().Pods(m.namespace).Patch(ctx, pod.Name, types.MergePatchType, []byte(patch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("failed to patch session %s duration: %w", sessionID, err)
	}
	return nil
}

// DeleteSession tears a session down: service, then pod, then route. Every
// step is attempted regardless of earlier failures; the first error seen is
// the one returned.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	err := m.client.CoreV1().Services(m.namespace).Delete(ctx, serviceName(sessionID), metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		keep(fmt.Errorf("failed to delete session service: %w", err))
	}

	err = m.client.CoreV1().Pods(m.namespace).Delete(ctx, podName(sessionID), metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		keep(fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID))
	} else if err != nil {
		keep(fmt.Errorf("failed to delete session pod: %w", err))
	}

	keep(m.routes.RemoveRoute(ctx, sessionID))

	if firstErr != nil {
		metrics.RecordUndeployFailure()
		return firstErr
	}
	metrics.RecordUndeploy()
	m.publish(ctx, "session.deleted", map[string]string{"session_id": sessionID})
	return nil
}

// GetSession returns one session decoded from its pod.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	pod, err := m.client.CoreV1().Pods(m.namespace).Get(ctx, podName(sessionID), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to fetch session %s: %w", sessionID, err)
	}
	return sessionFromPod(pod), nil
}

// ListSessions decodes every session pod in the namespace.
func (m *Manager) ListSessions(ctx context.Context) ([]models.Session, error) {
	pods, err := m.client.CoreV1().Pods(m.namespace).List(ctx, metav1.ListOptions{LabelSelector: sessionSelector})
	if err != nil {
		return nil, fmt.Errorf("failed to list session pods: %w", err)
	}

	sessions := make([]models.Session, 0, len(pods.Items))
	for i := range pods.Items {
		sessions = append(sessions, *sessionFromPod(&pods.Items[i]))
	}
	return sessions, nil
}

func (m *Manager) publish(ctx context.Context, routingKey string, payload any) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, routingKey, payload); err != nil {
		log.Printf("Failed to publish %s event: %v", routingKey, err)
	}
}

func (m *Manager) getOrCreateVolume(ctx context.Context, ownerID, repositoryID string) (string, error) {
	name := fmt.Sprintf("workspace-%s-%s", ownerID, repositoryID)
	pvcs := m.client.CoreV1().PersistentVolumeClaims(m.namespace)

	_, err := pvcs.Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return name, nil
	}
	if !apierrors.IsNotFound(err) {
		return "", fmt.Errorf("failed to fetch workspace volume %s: %w", name, err)
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: m.namespace,
			Labels: map[string]string{
				LabelApp:       AppName,
				LabelComponent: "workspace-volume",
				LabelOwner:     ownerID,
				LabelResource:  repositoryID,
			},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse("5Gi"),
				},
			},
		},
	}
	if _, err := pvcs.Create(ctx, pvc, metav1.CreateOptions{}); err != nil {
		if apierrors.IsAlreadyExists(err) {
			return name, nil
		}
		return "", fmt.Errorf("failed to create workspace volume %s: %w", name, err)
	}
	return name, nil
}

func (m *Manager) sessionPod(
	sessionID, ownerID, poolID, volumeName string,
	version *models.RepositoryVersion,
	runtime *models.RuntimeDescriptor,
	conf models.SessionConfiguration,
	duration time.Duration,
) *corev1.Pod {
	env := make([]corev1.EnvVar, 0, len(runtime.Env))
	for name, value := range runtime.Env {
		env = append(env, corev1.EnvVar{Name: name, Value: value})
	}
	sort.Slice(env, func(i, j int) bool { return env[i].Name < env[j].Name })

	ports := []corev1.ContainerPort{
		{Name: "web", ContainerPort: webPort(runtime), Protocol: corev1.ProtocolTCP},
	}
	for _, p := range runtime.Ports {
		ports = append(ports, corev1.ContainerPort{Name: p.Name, ContainerPort: p.Port, Protocol: corev1.ProtocolTCP})
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      podName(sessionID),
			Namespace: m.namespace,
			Labels: map[string]string{
				LabelApp:       AppName,
				LabelComponent: ComponentSession,
				LabelSession:   sessionID,
				LabelOwner:     ownerID,
				LabelResource:  conf.RepositoryID,
			},
			Annotations: map[string]string{
				AnnotationDuration: strconv.FormatInt(int64(duration.Seconds()), 10),
				AnnotationVersion:  version.ID,
				AnnotationPool:     poolID,
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			// Scheduling hint only: a full pool keeps working sessions on
			// other nodes rather than leaving them unschedulable.
			Affinity: &corev1.Affinity{
				NodeAffinity: &corev1.NodeAffinity{
					PreferredDuringSchedulingIgnoredDuringExecution: []corev1.PreferredSchedulingTerm{
						{
							Weight: 100,
							Preference: corev1.NodeSelectorTerm{
								MatchExpressions: []corev1.NodeSelectorRequirement{
									{
										Key:      pool.NodePoolLabel,
										Operator: corev1.NodeSelectorOpIn,
										Values:   []string{poolID},
									},
								},
							},
						},
					},
				},
			},
			Containers: []corev1.Container{
				{
					Name:  "session",
					Image: runtime.Image,
					Env:   env,
					Ports: ports,
					VolumeMounts: []corev1.VolumeMount{
						{Name: "workspace", MountPath: "/workspace"},
					},
					Resources: corev1.ResourceRequirements{
						Limits: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("1"),
							corev1.ResourceMemory: resource.MustParse("1Gi"),
						},
						Requests: corev1.ResourceList{
							corev1.ResourceCPU:    resource.MustParse("250m"),
							corev1.ResourceMemory: resource.MustParse("512Mi"),
						},
					},
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "workspace",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: volumeName},
					},
				},
			},
		},
	}
}

func (m *Manager) sessionService(sessionID string, runtime *models.RuntimeDescriptor) *corev1.Service {
	ports := []corev1.ServicePort{
		{
			Name:       "web",
			Port:       webPort(runtime),
			TargetPort: intstr.FromInt32(webPort(runtime)),
			Protocol:   corev1.ProtocolTCP,
		},
	}
	for _, p := range runtime.Ports {
		ports = append(ports, corev1.ServicePort{
			Name:       p.Name,
			Port:       p.Port,
			TargetPort: intstr.FromInt32(p.Port),
			Protocol:   corev1.ProtocolTCP,
		})
	}

	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      serviceName(sessionID),
			Namespace: m.namespace,
			Labels: map[string]string{
				LabelApp:       AppName,
				LabelComponent: "session-service",
				LabelSession:   sessionID,
			},
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{LabelSession: sessionID},
			Ports:    ports,
			Type:     corev1.ServiceTypeClusterIP,
		},
	}
}

// routePaths builds the ordered ingress paths for a session: the web UI at /
// always comes first, followed by the declared ports in declaration order.
func routePaths(runtime *models.RuntimeDescriptor) []routes.Path {
	paths := []routes.Path{{Path: "/", Port: webPort(runtime)}}
	for _, p := range runtime.Ports {
		paths = append(paths, routes.Path{Path: p.Path, Port: p.Port})
	}
	return paths
}

func webPort(runtime *models.RuntimeDescriptor) int32 {
	if runtime.WebPort != 0 {
		return runtime.WebPort
	}
	return defaultWebPort
}

func sessionFromPod(pod *corev1.Pod) *models.Session {
	return &models.Session{
		ID:                  pod.Labels[LabelSession],
		OwnerID:             pod.Labels[LabelOwner],
		RepositoryID:        pod.Labels[LabelResource],
		RepositoryVersionID: pod.Annotations[AnnotationVersion],
		PoolID:              pod.Annotations[AnnotationPool],
		MaxDuration:         durationFromPod(pod),
		State:               PodState(pod),
	}
}

func durationFromPod(pod *corev1.Pod) time.Duration {
	seconds, err := strconv.ParseInt(pod.Annotations[AnnotationDuration], 10, 64)
	if err != nil {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

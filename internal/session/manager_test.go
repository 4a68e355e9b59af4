package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/playground-sh/playground/internal/models"
	"github.com/playground-sh/playground/internal/pool"
	"github.com/playground-sh/playground/internal/repository"
	"github.com/playground-sh/playground/internal/routes"
	"github.com/playground-sh/playground/internal/store"
)

const testNamespace = "playground"

type harness struct {
	client       *fake.Clientset
	manager      *Manager
	repositories *repository.Service
	routes       *routes.Table
}

func newHarness(t *testing.T, nodeCount, sessionsPerNode int) *harness {
	t.Helper()

	objects := make([]runtime.Object, 0, nodeCount)
	for i := 1; i <= nodeCount; i++ {
		objects = append(objects, &corev1.Node{
			ObjectMeta: metav1.ObjectMeta{
				Name:   fmt.Sprintf("node-%d", i),
				Labels: map[string]string{pool.NodePoolLabel: "default"},
			},
		})
	}
	client := fake.NewSimpleClientset(objects...)

	resourceStore := store.NewStore(client, testNamespace)
	repositories := repository.NewService(resourceStore, client, testNamespace, "builder:latest")
	table := routes.NewTable(client, testNamespace, "playground-sessions", "play.example.com")
	pools := pool.NewRegistry(client, sessionsPerNode)

	manager := NewManager(client, pools, table, repositories, testNamespace, Defaults{
		Pool:        "default",
		Duration:    time.Hour,
		MaxDuration: 8 * time.Hour,
	})

	return &harness{client: client, manager: manager, repositories: repositories, routes: table}
}

func (h *harness) seedReadyRepository(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, h.repositories.Create(ctx, models.Repository{
		ID:  id,
		URL: fmt.Sprintf("https://github.com/playground-sh/%s", id),
	}))
	_, err := h.repositories.StartBuild(ctx, id, "v1")
	require.NoError(t, err)
	require.NoError(t, h.repositories.ReportTransition(ctx, id, "v1", models.VersionState{
		Phase: models.VersionReady,
		Runtime: &models.RuntimeDescriptor{
			Image:   "ghcr.io/playground-sh/rust:v1",
			WebPort: 8080,
			Ports:   []models.Port{{Name: "api", Port: 9000, Path: "/api"}},
		},
	}))
}

func alice() *models.User {
	return &models.User{ID: "alice"}
}

func TestManager_CreateSession(t *testing.T) {
	h := newHarness(t, 2, 2)
	h.seedReadyRepository(t, "rust")
	ctx := context.Background()

	session, err := h.manager.CreateSession(ctx, alice(), "alice-rust", models.SessionConfiguration{
		RepositoryID: "rust",
	})
	require.NoError(t, err)

	assert.Equal(t, "alice-rust", session.ID)
	assert.Equal(t, "alice", session.OwnerID)
	assert.Equal(t, "v1", session.RepositoryVersionID)
	assert.Equal(t, "default", session.PoolID)
	assert.Equal(t, time.Hour, session.MaxDuration)
	assert.Equal(t, models.SessionDeploying, session.State.Phase)

	t.Run("PodCreated", func(t *testing.T) {
		pod, err := h.client.CoreV1().Pods(testNamespace).Get(ctx, "session-alice-rust", metav1.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, "alice", pod.Labels[LabelOwner])
		assert.Equal(t, "rust", pod.Labels[LabelResource])
		assert.Equal(t, "3600", pod.Annotations[AnnotationDuration])
		assert.Equal(t, "ghcr.io/playground-sh/rust:v1", pod.Spec.Containers[0].Image)
	})

	t.Run("ServiceCreated", func(t *testing.T) {
		svc, err := h.client.CoreV1().Services(testNamespace).Get(ctx, "session-alice-rust-svc", metav1.GetOptions{})
		require.NoError(t, err)
		assert.Equal(t, "alice-rust", svc.Spec.Selector[LabelSession])
		require.Len(t, svc.Spec.Ports, 2)
	})

	t.Run("RouteCreatedWithWebPathFirst", func(t *testing.T) {
		tableRoutes, err := h.routes.ListRoutes(ctx)
		require.NoError(t, err)
		require.Len(t, tableRoutes, 1)
		assert.Equal(t, "alice-rust", tableRoutes[0].Subdomain)
		require.Len(t, tableRoutes[0].Paths, 2)
		assert.Equal(t, routes.Path{Path: "/", Port: 8080}, tableRoutes[0].Paths[0])
		assert.Equal(t, routes.Path{Path: "/api", Port: 9000}, tableRoutes[0].Paths[1])
	})

	t.Run("VolumeCreated", func(t *testing.T) {
		_, err := h.client.CoreV1().PersistentVolumeClaims(testNamespace).Get(ctx, "workspace-alice-rust", metav1.GetOptions{})
		assert.NoError(t, err)
	})

	t.Run("DuplicateSessionID", func(t *testing.T) {
		_, err := h.manager.CreateSession(ctx, alice(), "alice-rust", models.SessionConfiguration{RepositoryID: "rust"})
		assert.ErrorIs(t, err, ErrSessionExists)
	})
}

func TestManager_AdmissionControl(t *testing.T) {
	// Two nodes, one session per node: the pool holds exactly two sessions,
	// and Deploying ones count against the bound.
	h := newHarness(t, 2, 1)
	h.seedReadyRepository(t, "rust")
	ctx := context.Background()

	_, err := h.manager.CreateSession(ctx, &models.User{ID: "alice"}, "alice-rust", models.SessionConfiguration{RepositoryID: "rust"})
	require.NoError(t, err)

	_, err = h.manager.CreateSession(ctx, &models.User{ID: "bob"}, "bob-rust", models.SessionConfiguration{RepositoryID: "rust"})
	require.NoError(t, err)

	_, err = h.manager.CreateSession(ctx, &models.User{ID: "carol"}, "carol-rust", models.SessionConfiguration{RepositoryID: "rust"})
	var capacity *CapacityError
	require.ErrorAs(t, err, &capacity)
	assert.Equal(t, 2, capacity.Current)
	assert.Equal(t, 2, capacity.Max)
	assert.True(t, Refused(err))

	// Deleting one session frees its seat.
	require.NoError(t, h.manager.DeleteSession(ctx, "alice-rust"))
	_, err = h.manager.CreateSession(ctx, &models.User{ID: "carol"}, "carol-rust", models.SessionConfiguration{RepositoryID: "rust"})
	assert.NoError(t, err)
}

func TestManager_CreateSessionAgainstUnbuiltVersion(t *testing.T) {
	h := newHarness(t, 1, 2)
	ctx := context.Background()

	require.NoError(t, h.repositories.Create(ctx, models.Repository{ID: "go", URL: "https://github.com/playground-sh/go"}))
	_, err := h.repositories.StartBuild(ctx, "go", "v1")
	require.NoError(t, err)

	// Still Cloning: refused.
	_, err = h.manager.CreateSession(ctx, alice(), "alice-go", models.SessionConfiguration{
		RepositoryID:        "go",
		RepositoryVersionID: "v1",
	})
	assert.ErrorIs(t, err, ErrVersionNotReady)
	assert.True(t, Refused(err))

	require.NoError(t, h.repositories.ReportTransition(ctx, "go", "v1", models.VersionState{
		Phase:   models.VersionReady,
		Runtime: &models.RuntimeDescriptor{Image: "ghcr.io/playground-sh/go:v1"},
	}))

	_, err = h.manager.CreateSession(ctx, alice(), "alice-go", models.SessionConfiguration{
		RepositoryID:        "go",
		RepositoryVersionID: "v1",
	})
	assert.NoError(t, err)
}

func TestManager_CreateSessionUnknownPool(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.seedReadyRepository(t, "rust")

	_, err := h.manager.CreateSession(context.Background(), alice(), "alice-rust", models.SessionConfiguration{
		RepositoryID: "rust",
		PoolAffinity: "gpu",
	})
	assert.ErrorIs(t, err, ErrUnknownPool)
}

func TestManager_PoolResolutionPrefersUserAffinity(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.seedReadyRepository(t, "rust")

	user := &models.User{ID: "alice", PoolAffinity: "gpu"}
	_, err := h.manager.CreateSession(context.Background(), user, "alice-rust", models.SessionConfiguration{
		RepositoryID: "rust",
	})
	// No gpu nodes exist, so resolving through the user's affinity must fail
	// rather than silently falling back to the default pool.
	assert.ErrorIs(t, err, ErrUnknownPool)
}

func TestManager_UpdateSession(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.seedReadyRepository(t, "rust")
	ctx := context.Background()

	_, err := h.manager.CreateSession(ctx, alice(), "alice-rust", models.SessionConfiguration{RepositoryID: "rust"})
	require.NoError(t, err)

	t.Run("RejectsDurationAtLimit", func(t *testing.T) {
		err := h.manager.UpdateSession(ctx, "alice-rust", models.SessionConfiguration{Duration: 8 * time.Hour})
		var limit *DurationLimitError
		require.ErrorAs(t, err, &limit)
		assert.Equal(t, 8*time.Hour, limit.Requested)
		assert.True(t, Refused(err))
	})

	t.Run("PatchesDurationAnnotation", func(t *testing.T) {
		require.NoError(t, h.manager.UpdateSession(ctx, "alice-rust", models.SessionConfiguration{Duration: 2 * time.Hour}))

		session, err := h.manager.GetSession(ctx, "alice-rust")
		require.NoError(t, err)
		assert.Equal(t, 2*time.Hour, session.MaxDuration)
	})

	t.Run("UnknownSession", func(t *testing.T) {
		err := h.manager.UpdateSession(ctx, "nobody", models.SessionConfiguration{Duration: time.Hour})
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})
}

func TestManager_DeleteSession(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.seedReadyRepository(t, "rust")
	ctx := context.Background()

	_, err := h.manager.CreateSession(ctx, alice(), "alice-rust", models.SessionConfiguration{RepositoryID: "rust"})
	require.NoError(t, err)

	require.NoError(t, h.manager.DeleteSession(ctx, "alice-rust"))

	_, err = h.client.CoreV1().Pods(testNamespace).Get(ctx, "session-alice-rust", metav1.GetOptions{})
	assert.Error(t, err)
	_, err = h.client.CoreV1().Services(testNamespace).Get(ctx, "session-alice-rust-svc", metav1.GetOptions{})
	assert.Error(t, err)

	tableRoutes, err := h.routes.ListRoutes(ctx)
	require.NoError(t, err)
	assert.Empty(t, tableRoutes)

	t.Run("DeleteAbsentSession", func(t *testing.T) {
		err := h.manager.DeleteSession(ctx, "alice-rust")
		assert.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("VolumeSurvivesForReuse", func(t *testing.T) {
		_, err := h.client.CoreV1().PersistentVolumeClaims(testNamespace).Get(ctx, "workspace-alice-rust", metav1.GetOptions{})
		assert.NoError(t, err)
	})
}

func TestManager_ListSessions(t *testing.T) {
	h := newHarness(t, 2, 2)
	h.seedReadyRepository(t, "rust")
	ctx := context.Background()

	_, err := h.manager.CreateSession(ctx, &models.User{ID: "alice"}, "alice-rust", models.SessionConfiguration{RepositoryID: "rust"})
	require.NoError(t, err)
	_, err = h.manager.CreateSession(ctx, &models.User{ID: "bob"}, "bob-rust", models.SessionConfiguration{RepositoryID: "rust"})
	require.NoError(t, err)

	sessions, err := h.manager.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	for _, s := range sessions {
		assert.Equal(t, models.SessionDeploying, s.State.Phase)
	}
}

type recordingObserver struct {
	ids []string
}

func (o *recordingObserver) SessionSubmitted(id string, at time.Time) {
	o.ids = append(o.ids, id)
}

func TestManager_NotifiesObserverOnCreate(t *testing.T) {
	h := newHarness(t, 1, 2)
	h.seedReadyRepository(t, "rust")

	observer := &recordingObserver{}
	h.manager.SetObserver(observer)

	_, err := h.manager.CreateSession(context.Background(), alice(), "alice-rust", models.SessionConfiguration{RepositoryID: "rust"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice-rust"}, observer.ids)
}

package repository

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/playground-sh/playground/internal/models"
	"github.com/playground-sh/playground/internal/store"
)

const (
	repositoriesCollection = "repositories"
	versionsCollection     = "repository-versions"
)

var ErrNoVersion = errors.New("repository has no built version")

// Service manages repository records and their build pipeline. Version state
// is written through the resource store by the external clone-and-build job;
// this service only seeds the initial state, submits the job and reads the
// outcome.
type Service struct {
	repositories *store.Collection[models.Repository]
	versions     *store.Collection[models.RepositoryVersion]
	client       kubernetes.Interface
	namespace    string
	builderImage string
}

func NewService(s *store.Store, client kubernetes.Interface, namespace, builderImage string) *Service {
	return &Service{
		repositories: store.NewCollection[models.Repository](s, repositoriesCollection),
		versions:     store.NewCollection[models.RepositoryVersion](s, versionsCollection),
		client:       client,
		namespace:    namespace,
		builderImage: builderImage,
	}
}

func (s *Service) Get(ctx context.Context, id string) (*models.Repository, error) {
	return s.repositories.Get(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]models.Repository, error) {
	return s.repositories.List(ctx)
}

func (s *Service) Create(ctx context.Context, repo models.Repository) error {
	return s.repositories.Create(ctx, repo.ID, repo)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repositories.Delete(ctx, id)
}

// versionKey flattens repository and version ids into one store key.
// ConfigMap data keys cannot contain slashes.
func versionKey(repositoryID, versionID string) string {
	return fmt.Sprintf("%s.%s", repositoryID, versionID)
}

// GetVersion returns one repository version record.
func (s *Service) GetVersion(ctx context.Context, repositoryID, versionID string) (*models.RepositoryVersion, error) {
	return s.versions.Get(ctx, versionKey(repositoryID, versionID))
}

// ResolveVersion picks the version a session should run against: the
// explicitly requested one, or the repository's current version when the
// request leaves it empty.
func (s *Service) ResolveVersion(ctx context.Context, repositoryID, versionID string) (*models.RepositoryVersion, error) {
	if versionID == "" {
		repo, err := s.repositories.Get(ctx, repositoryID)
		if err != nil {
			return nil, err
		}
		if repo.CurrentVersionID == "" {
			return nil, fmt.Errorf("repository %s: %w", repositoryID, ErrNoVersion)
		}
		versionID = repo.CurrentVersionID
	}
	return s.GetVersion(ctx, repositoryID, versionID)
}

// StartBuild seeds a Cloning version record and submits the clone-and-build
// job. The job reports further transitions through ReportTransition; this
// service never drives the state machine past its initial state. Returns the
// version id (generated when empty).
func (s *Service) StartBuild(ctx context.Context, repositoryID, versionID string) (string, error) {
	repo, err := s.repositories.Get(ctx, repositoryID)
	if err != nil {
		return "", err
	}
	if versionID == "" {
		versionID = uuid.NewString()
	}

	version := models.RepositoryVersion{
		ID:           versionID,
		RepositoryID: repositoryID,
		State:        models.VersionState{Phase: models.VersionCloning},
	}
	if err := s.versions.Create(ctx, versionKey(repositoryID, versionID), version); err != nil {
		return "", err
	}

	if err := s.submitBuildJob(ctx, repo, versionID); err != nil {
		return "", fmt.Errorf("failed to submit build job for %s@%s: %w", repositoryID, versionID, err)
	}

	log.Printf("Submitted build job for repository %s, version %s", repositoryID, versionID)
	return versionID, nil
}

// ReportTransition records a build pipeline state change for a version. When
// the version reaches Ready it also becomes the repository's current version.
func (s *Service) ReportTransition(ctx context.Context, repositoryID, versionID string, state models.VersionState) error {
	err := s.versions.Update(ctx, versionKey(repositoryID, versionID), func(v *models.RepositoryVersion) error {
		v.State = state
		return nil
	})
	if err != nil {
		return err
	}

	if state.Phase != models.VersionReady {
		return nil
	}
	return s.repositories.Update(ctx, repositoryID, func(r *models.Repository) error {
		r.CurrentVersionID = versionID
		return nil
	})
}

func (s *Service) submitBuildJob(ctx context.Context, repo *models.Repository, versionID string) error {
	backoffLimit := int32(1)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      fmt.Sprintf("builder-%s-%s", repo.ID, versionID),
			Namespace: s.namespace,
			Labels: map[string]string{
				"app":       "playground",
				"component": "builder",
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{
						{
							Name:  "builder",
							Image: s.builderImage,
							Env: []corev1.EnvVar{
								{Name: "REPOSITORY_ID", Value: repo.ID},
								{Name: "REPOSITORY_URL", Value: repo.URL},
								{Name: "VERSION_ID", Value: versionID},
							},
						},
					},
				},
			},
		},
	}

	_, err := s.client.BatchV1().Jobs(s.namespace).Create(ctx, job, metav1.CreateOptions{})
	return err
}

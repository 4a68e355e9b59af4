package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/util/retry"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// Store keeps namespaced keyed records inside ConfigMaps: one ConfigMap per
// collection, one data key per record. The ConfigMap is the only durable
// copy; every write is a whole-object read-modify-write retried on resource
// version conflicts.
type Store struct {
	client    kubernetes.Interface
	namespace string
}

func NewStore(client kubernetes.Interface, namespace string) *Store {
	return &Store{client: client, namespace: namespace}
}

// Record is one serialized entry of a collection.
type Record struct {
	ID   string
	Data []byte
}

func configMapName(collection string) string {
	return fmt.Sprintf("playground-%s", collection)
}

// GetRaw returns the serialized record for id, or ErrNotFound.
func (s *Store) GetRaw(ctx context.Context, collection, id string) ([]byte, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, configMapName(collection), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("collection %s, id %s: %w", collection, id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to fetch collection %s: %w", collection, err)
	}

	value, ok := cm.Data[id]
	if !ok {
		return nil, fmt.Errorf("collection %s, id %s: %w", collection, id, ErrNotFound)
	}
	return []byte(value), nil
}

// ListRaw returns every record of a collection, sorted by id. A collection
// that was never written to is an empty list, not an error.
func (s *Store) ListRaw(ctx context.Context, collection string) ([]Record, error) {
	cm, err := s.client.CoreV1().ConfigMaps(s.namespace).Get(ctx, configMapName(collection), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch collection %s: %w", collection, err)
	}

	records := make([]Record, 0, len(cm.Data))
	for id, value := range cm.Data {
		records = append(records, Record{ID: id, Data: []byte(value)})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// CreateRaw stores a new record, failing with ErrAlreadyExists when the id is
// taken.
func (s *Store) CreateRaw(ctx context.Context, collection, id string, data []byte) error {
	return s.mutate(ctx, collection, func(values map[string]string) error {
		if _, ok := values[id]; ok {
			return fmt.Errorf("collection %s, id %s: %w", collection, id, ErrAlreadyExists)
		}
		values[id] = string(data)
		return nil
	})
}

// UpdateRaw replaces an existing record, failing with ErrNotFound when absent.
func (s *Store) UpdateRaw(ctx context.Context, collection, id string, data []byte) error {
	return s.mutate(ctx, collection, func(values map[string]string) error {
		if _, ok := values[id]; !ok {
			return fmt.Errorf("collection %s, id %s: %w", collection, id, ErrNotFound)
		}
		values[id] = string(data)
		return nil
	})
}

// DeleteRaw removes a record, failing with ErrNotFound when absent.
func (s *Store) DeleteRaw(ctx context.Context, collection, id string) error {
	return s.mutate(ctx, collection, func(values map[string]string) error {
		if _, ok := values[id]; !ok {
			return fmt.Errorf("collection %s, id %s: %w", collection, id, ErrNotFound)
		}
		delete(values, id)
		return nil
	})
}

// mutate runs fn against the collection's current values and writes the whole
// ConfigMap back, retrying on conflicting concurrent writers. The ConfigMap is
// created lazily on first write.
func (s *Store) mutate(ctx context.Context, collection string, fn func(values map[string]string) error) error {
	name := configMapName(collection)
	cms := s.client.CoreV1().ConfigMaps(s.namespace)

	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		cm, err := cms.Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			cm = &corev1.ConfigMap{
				ObjectMeta: metav1.ObjectMeta{
					Name:      name,
					Namespace: s.namespace,
					Labels: map[string]string{
						"app":       "playground",
						"component": "store",
					},
				},
				Data: map[string]string{},
			}
			if err := fn(cm.Data); err != nil {
				return err
			}
			_, err = cms.Create(ctx, cm, metav1.CreateOptions{})
			if err != nil {
				return fmt.Errorf("failed to create collection %s: %w", collection, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to fetch collection %s: %w", collection, err)
		}

		if cm.Data == nil {
			cm.Data = map[string]string{}
		}
		if err := fn(cm.Data); err != nil {
			return err
		}
		_, err = cms.Update(ctx, cm, metav1.UpdateOptions{})
		if err != nil && !apierrors.IsConflict(err) {
			return fmt.Errorf("failed to update collection %s: %w", collection, err)
		}
		return err
	})
}

package store

import (
	"context"
	"fmt"
	"log"

	"sigs.k8s.io/yaml"
)

// Collection is typed access to one namespace of the store. Records are
// serialized as YAML values keyed by id.
type Collection[T any] struct {
	store *Store
	name  string
}

func NewCollection[T any](s *Store, name string) *Collection[T] {
	return &Collection[T]{store: s, name: name}
}

func (c *Collection[T]) Get(ctx context.Context, id string) (*T, error) {
	data, err := c.store.GetRaw(ctx, c.name, id)
	if err != nil {
		return nil, err
	}
	var value T
	if err := yaml.Unmarshal(data, &value); err != nil {
		return nil, fmt.Errorf("failed to decode record %s/%s: %w", c.name, id, err)
	}
	return &value, nil
}

// List decodes every record of the collection. Records that fail to parse are
// skipped with a logged warning so that one corrupted entry does not take the
// whole listing down.
func (c *Collection[T]) List(ctx context.Context) ([]T, error) {
	records, err := c.store.ListRaw(ctx, c.name)
	if err != nil {
		return nil, err
	}

	values := make([]T, 0, len(records))
	for _, record := range records {
		var value T
		if err := yaml.Unmarshal(record.Data, &value); err != nil {
			log.Printf("Skipping unparsable record %s/%s: %v", c.name, record.ID, err)
			continue
		}
		values = append(values, value)
	}
	return values, nil
}

func (c *Collection[T]) Create(ctx context.Context, id string, value T) error {
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode record %s/%s: %w", c.name, id, err)
	}
	return c.store.CreateRaw(ctx, c.name, id, data)
}

// Update fetches the current record, applies mutate and writes the result
// back. Fails with ErrNotFound when the record is absent.
func (c *Collection[T]) Update(ctx context.Context, id string, mutate func(*T) error) error {
	current, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := mutate(current); err != nil {
		return err
	}
	data, err := yaml.Marshal(current)
	if err != nil {
		return fmt.Errorf("failed to encode record %s/%s: %w", c.name, id, err)
	}
	return c.store.UpdateRaw(ctx, c.name, id, data)
}

func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	return c.store.DeleteRaw(ctx, c.name, id)
}

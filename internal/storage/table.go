package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// Versioned pairs an entity with the row version it was read at. The
// version must be handed back to Replace so the compare-and-swap can detect
// concurrent modification.
type Versioned[T any] struct {
	Entity  T
	Version int64
}

// KeyFunc derives the (partition key, row key) pair for an entity.
type KeyFunc[T any] func(T) (string, string)

// Table is a typed view over one logical store table.
type Table[T any] struct {
	store Store
	name  string
	keys  KeyFunc[T]
}

func NewTable[T any](store Store, name string, keys KeyFunc[T]) *Table[T] {
	return &Table[T]{store: store, name: name, keys: keys}
}

func (t *Table[T]) Name() string { return t.name }

func (t *Table[T]) encode(entity T) (*Row, error) {
	data, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("encode %s entity: %w", t.name, err)
	}
	partitionKey, rowKey := t.keys(entity)
	return &Row{PartitionKey: partitionKey, RowKey: rowKey, Data: data}, nil
}

func (t *Table[T]) decode(row *Row) (*Versioned[T], error) {
	var entity T
	if err := json.Unmarshal(row.Data, &entity); err != nil {
		return nil, fmt.Errorf("decode %s row %s/%s: %w", t.name, row.PartitionKey, row.RowKey, err)
	}
	return &Versioned[T]{Entity: entity, Version: row.Version}, nil
}

// Insert creates the entity, failing with ErrRowExists on key collision.
func (t *Table[T]) Insert(ctx context.Context, entity T) (*Versioned[T], error) {
	row, err := t.encode(entity)
	if err != nil {
		return nil, err
	}
	if err := t.store.Insert(ctx, t.name, row); err != nil {
		return nil, err
	}
	return &Versioned[T]{Entity: entity, Version: row.Version}, nil
}

// Get fetches the entity by its keys.
func (t *Table[T]) Get(ctx context.Context, partitionKey, rowKey string) (*Versioned[T], error) {
	row, err := t.store.Get(ctx, t.name, partitionKey, rowKey)
	if err != nil {
		return nil, err
	}
	return t.decode(row)
}

// Replace commits the entity with a compare-and-swap against version.
// On success it returns the new version.
func (t *Table[T]) Replace(ctx context.Context, entity T, version int64) (*Versioned[T], error) {
	row, err := t.encode(entity)
	if err != nil {
		return nil, err
	}
	if err := t.store.Replace(ctx, t.name, row, version); err != nil {
		return nil, err
	}
	return &Versioned[T]{Entity: entity, Version: row.Version}, nil
}

// Upsert writes the entity with last-writer-wins semantics.
func (t *Table[T]) Upsert(ctx context.Context, entity T) (*Versioned[T], error) {
	row, err := t.encode(entity)
	if err != nil {
		return nil, err
	}
	if err := t.store.Upsert(ctx, t.name, row); err != nil {
		return nil, err
	}
	return &Versioned[T]{Entity: entity, Version: row.Version}, nil
}

// Delete removes the entity; absent rows are a no-op.
func (t *Table[T]) Delete(ctx context.Context, entity T) error {
	partitionKey, rowKey := t.keys(entity)
	return t.store.Delete(ctx, t.name, partitionKey, rowKey)
}

// QueryPartition returns all entities sharing the partition key.
func (t *Table[T]) QueryPartition(ctx context.Context, partitionKey string) ([]*Versioned[T], error) {
	rows, err := t.store.QueryPartition(ctx, t.name, partitionKey)
	if err != nil {
		return nil, err
	}
	return t.decodeAll(rows)
}

// Scan returns every entity in the table.
func (t *Table[T]) Scan(ctx context.Context) ([]*Versioned[T], error) {
	rows, err := t.store.Scan(ctx, t.name)
	if err != nil {
		return nil, err
	}
	return t.decodeAll(rows)
}

// Find returns the entities matching the predicate.
func (t *Table[T]) Find(ctx context.Context, match func(T) bool) ([]*Versioned[T], error) {
	all, err := t.Scan(ctx)
	if err != nil {
		return nil, err
	}
	var result []*Versioned[T]
	for _, v := range all {
		if match(v.Entity) {
			result = append(result, v)
		}
	}
	return result, nil
}

// FindOne returns the single entity matching the predicate, or ErrNotFound.
func (t *Table[T]) FindOne(ctx context.Context, match func(T) bool) (*Versioned[T], error) {
	found, err := t.Find(ctx, match)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return found[0], nil
}

func (t *Table[T]) decodeAll(rows []*Row) ([]*Versioned[T], error) {
	result := make([]*Versioned[T], 0, len(rows))
	for _, row := range rows {
		v, err := t.decode(row)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, nil
}

package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests and standalone mode. It
// honors the same versioning contract as the Postgres implementation.
type MemStore struct {
	mu     sync.RWMutex
	tables map[string]map[string]*Row
}

func NewMemStore() *MemStore {
	return &MemStore{tables: make(map[string]map[string]*Row)}
}

func rowID(partitionKey, rowKey string) string {
	return partitionKey + "\x00" + rowKey
}

func (s *MemStore) table(name string) map[string]*Row {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]*Row)
		s.tables[name] = t
	}
	return t
}

func copyRow(r *Row) *Row {
	c := *r
	c.Data = append([]byte(nil), r.Data...)
	return &c
}

func (s *MemStore) Insert(ctx context.Context, table string, row *Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(table)
	id := rowID(row.PartitionKey, row.RowKey)
	if _, ok := t[id]; ok {
		return ErrRowExists
	}
	row.Version = 1
	row.UpdatedAt = time.Now().UTC()
	t[id] = copyRow(row)
	return nil
}

func (s *MemStore) Get(ctx context.Context, table, partitionKey, rowKey string) (*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tables[table]
	if !ok {
		return nil, ErrNotFound
	}
	row, ok := t[rowID(partitionKey, rowKey)]
	if !ok {
		return nil, ErrNotFound
	}
	return copyRow(row), nil
}

func (s *MemStore) Replace(ctx context.Context, table string, row *Row, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(table)
	id := rowID(row.PartitionKey, row.RowKey)
	current, ok := t[id]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionMismatch
	}
	row.Version = expectedVersion + 1
	row.UpdatedAt = time.Now().UTC()
	t[id] = copyRow(row)
	return nil
}

func (s *MemStore) Upsert(ctx context.Context, table string, row *Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.table(table)
	id := rowID(row.PartitionKey, row.RowKey)
	if current, ok := t[id]; ok {
		row.Version = current.Version + 1
	} else {
		row.Version = 1
	}
	row.UpdatedAt = time.Now().UTC()
	t[id] = copyRow(row)
	return nil
}

func (s *MemStore) Delete(ctx context.Context, table, partitionKey, rowKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tables[table]; ok {
		delete(t, rowID(partitionKey, rowKey))
	}
	return nil
}

func (s *MemStore) QueryPartition(ctx context.Context, table, partitionKey string) ([]*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*Row
	for id, row := range s.tables[table] {
		if strings.HasPrefix(id, partitionKey+"\x00") {
			rows = append(rows, copyRow(row))
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].RowKey < rows[j].RowKey })
	return rows, nil
}

func (s *MemStore) Scan(ctx context.Context, table string) ([]*Row, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []*Row
	for _, row := range s.tables[table] {
		rows = append(rows, copyRow(row))
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].PartitionKey != rows[j].PartitionKey {
			return rows[i].PartitionKey < rows[j].PartitionKey
		}
		return rows[i].RowKey < rows[j].RowKey
	})
	return rows, nil
}

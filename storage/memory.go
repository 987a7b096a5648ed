package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-process KV used by tests and ephemeral nodes.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string]Record)}
}

func (m *MemoryStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := validateKey(bucket, key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.buckets[bucket][key]
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, ErrNotFound)
	}
	return append([]byte(nil), record.Value...), nil
}

func (m *MemoryStore) Put(ctx context.Context, bucket, key string, value []byte, timestamp int64) error {
	if err := validateKey(bucket, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if timestamp == 0 {
		timestamp = nowUnixMilli()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	records, ok := m.buckets[bucket]
	if !ok {
		records = make(map[string]Record)
		m.buckets[bucket] = records
	}
	records[key] = Record{
		Bucket:    bucket,
		Key:       key,
		Value:     append([]byte(nil), value...),
		Timestamp: timestamp,
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, bucket, key string) error {
	if err := validateKey(bucket, key); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.buckets[bucket][key]; !ok {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, ErrNotFound)
	}
	delete(m.buckets[bucket], key)
	return nil
}

func (m *MemoryStore) Scan(ctx context.Context, bucket string, opts ScanOptions) ([]Record, error) {
	if err := validateScan(bucket, opts); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	records := make([]Record, 0, len(m.buckets[bucket]))
	for key, record := range m.buckets[bucket] {
		if !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		record.Value = append([]byte(nil), record.Value...)
		records = append(records, record)
	}
	m.mu.RUnlock()

	sortRecords(records, opts.Descending)
	if opts.Offset >= len(records) {
		return []Record{}, nil
	}
	records = records[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(records) {
		records = records[:opts.Limit]
	}
	return records, nil
}

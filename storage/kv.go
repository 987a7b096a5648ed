package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound indicates a requested record does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

// Record is one value stored under (bucket, key). Timestamp orders scans.
type Record struct {
	Bucket    string
	Key       string
	Value     []byte
	Timestamp int64
}

// ScanOptions filters and orders a bucket scan. Records are ordered by
// timestamp, ties broken by key.
type ScanOptions struct {
	Prefix     string
	Descending bool
	Limit      int
	Offset     int
}

// KV is the persistence contract the messaging core depends on.
type KV interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, value []byte, timestamp int64) error
	Delete(ctx context.Context, bucket, key string) error
	Scan(ctx context.Context, bucket string, opts ScanOptions) ([]Record, error)
}

func validateKey(bucket, key string) error {
	if strings.TrimSpace(bucket) == "" {
		return errors.New("bucket is required")
	}
	if key == "" {
		return errors.New("key is required")
	}
	return nil
}

func validateScan(bucket string, opts ScanOptions) error {
	if strings.TrimSpace(bucket) == "" {
		return errors.New("bucket is required")
	}
	if opts.Limit < 0 {
		return errors.New("limit must be >= 0")
	}
	if opts.Offset < 0 {
		return errors.New("offset must be >= 0")
	}
	return nil
}

func sortRecords(records []Record, descending bool) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.Timestamp != b.Timestamp {
			if descending {
				return a.Timestamp > b.Timestamp
			}
			return a.Timestamp < b.Timestamp
		}
		if descending {
			return a.Key > b.Key
		}
		return a.Key < b.Key
	})
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}

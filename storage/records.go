package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var _ KV = (*Store)(nil)

// Get returns the value stored under (bucket, key).
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if err := validateKey(bucket, key); err != nil {
		return nil, err
	}

	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM records WHERE bucket = ? AND key = ?`,
		bucket, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("get %s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("get %s/%s: %w", bucket, key, err)
	}
	return value, nil
}

// Put inserts or replaces the record under (bucket, key).
func (s *Store) Put(ctx context.Context, bucket, key string, value []byte, timestamp int64) error {
	if err := validateKey(bucket, key); err != nil {
		return err
	}
	if timestamp == 0 {
		timestamp = nowUnixMilli()
	}
	if value == nil {
		value = []byte{}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO records (bucket, key, value, timestamp)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(bucket, key) DO UPDATE SET
			value = excluded.value,
			timestamp = excluded.timestamp`,
		bucket, key, value, timestamp,
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", bucket, key, err)
	}
	return nil
}

// Delete removes the record under (bucket, key).
func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	if err := validateKey(bucket, key); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s/%s rows affected: %w", bucket, key, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("delete %s/%s: %w", bucket, key, ErrNotFound)
	}
	return nil
}

// Scan lists bucket records ordered by timestamp.
func (s *Store) Scan(ctx context.Context, bucket string, opts ScanOptions) ([]Record, error) {
	if err := validateScan(bucket, opts); err != nil {
		return nil, err
	}

	order := "ASC"
	if opts.Descending {
		order = "DESC"
	}
	limit := opts.Limit
	if limit == 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value, timestamp
		FROM records
		WHERE bucket = ? AND instr(key, ?) = 1
		ORDER BY timestamp `+order+`, key `+order+`
		LIMIT ? OFFSET ?`,
		bucket, opts.Prefix, limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", bucket, err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		record := Record{Bucket: bucket}
		if err := rows.Scan(&record.Key, &record.Value, &record.Timestamp); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", bucket, err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", bucket, err)
	}
	return records, nil
}

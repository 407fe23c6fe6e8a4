package dedup

import (
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// SQLiteStore persists dedup records in SQLite so exact-duplicate state
// survives restarts and can be shared by multiple processes pointing at the
// same database file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Get(fingerprint string) (*Record, error) {
	query, args, err := sq.Select("fingerprint", "first_seen_at", "source_url", "normalized_text").
		From("dedup_records").
		Where(sq.Eq{"fingerprint": fingerprint}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	var rec Record
	err = s.db.QueryRow(query, args...).Scan(&rec.Fingerprint, &rec.FirstSeenAt, &rec.SourceURL, &rec.Normalized)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dedup record: %w", err)
	}

	return &rec, nil
}

func (s *SQLiteStore) Insert(rec Record) error {
	query, args, err := sq.Insert("dedup_records").
		Columns("fingerprint", "first_seen_at", "source_url", "normalized_text").
		Values(rec.Fingerprint, rec.FirstSeenAt.UTC(), rec.SourceURL, rec.Normalized).
		Suffix("ON CONFLICT (fingerprint) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("failed to insert dedup record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read insert result: %w", err)
	}
	if affected == 0 {
		return ErrDuplicate
	}

	return nil
}

func (s *SQLiteStore) Recent(since time.Time) ([]Record, error) {
	query, args, err := sq.Select("fingerprint", "first_seen_at", "source_url", "normalized_text").
		From("dedup_records").
		Where(sq.GtOrEq{"first_seen_at": since.UTC()}).
		OrderBy("first_seen_at ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent dedup records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.Fingerprint, &rec.FirstSeenAt, &rec.SourceURL, &rec.Normalized); err != nil {
			return nil, fmt.Errorf("failed to scan dedup record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dedup records: %w", err)
	}

	return records, nil
}

func (s *SQLiteStore) Purge(before time.Time) (int, error) {
	query, args, err := sq.Delete("dedup_records").
		Where(sq.Lt{"first_seen_at": before.UTC()}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("failed to build delete: %w", err)
	}

	result, err := s.db.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge dedup records: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}

	return int(affected), nil
}

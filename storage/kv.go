package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Save stores value under key, replacing any previous value.
func (s *Store) Save(key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if value == nil {
		value = []byte{}
	}

	_, err := s.db.Exec(
		`INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key,
		value,
		nowUnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save key %q: %w", key, err)
	}
	return nil
}

// Load returns the value stored under key or ErrNotFound.
func (s *Store) Load(key string) ([]byte, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load key %q: %w", key, err)
	}
	return value, nil
}

// List returns every entry whose key starts with prefix, ordered by key.
func (s *Store) List(prefix string) ([]Entry, error) {
	rows, err := s.db.Query(
		`SELECT key, value, updated_at
		FROM kv
		WHERE substr(key, 1, ?) = ?
		ORDER BY key`,
		utf8.RuneCountInString(prefix),
		prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("list keys with prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan kv row: %w", err)
		}
		if !strings.HasPrefix(entry.Key, prefix) {
			continue
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate kv rows: %w", err)
	}

	return entries, nil
}

// Delete removes key. Deleting a missing key returns ErrNotFound.
func (s *Store) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}

	res, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("delete key %q: %w", key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete key rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEntry(row scanner) (*Entry, error) {
	var entry Entry
	if err := row.Scan(&entry.Key, &entry.Value, &entry.UpdatedAt); err != nil {
		return nil, err
	}
	return &entry, nil
}

package netsync

import (
	"database/sql"
	"errors"
)

const pluginStorageSchema = `CREATE TABLE IF NOT EXISTS storage (
	key VARCHAR(512) NOT NULL PRIMARY KEY,
	value VARCHAR(512) NOT NULL
);`

// SetKey updates a plugin storage entry
// and inserts it if it doesn't exist.
// An empty value deletes the entry.
func (h *History) SetKey(key, value string) error {
	if value == "" {
		return h.DeleteKey(key)
	}

	tx, err := h.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(h.rebind(`DELETE FROM storage WHERE key = ?;`), key); err != nil {
		return err
	}

	if _, err := tx.Exec(h.rebind(`INSERT INTO storage (
		key,
		value
	) VALUES (
		?,
		?
	);`), key, value); err != nil {
		return err
	}

	return tx.Commit()
}

// GetKey reads a plugin storage entry.
// A missing entry reads as the empty string.
func (h *History) GetKey(key string) (string, error) {
	var r string

	err := h.db.QueryRow(h.rebind(`SELECT value FROM storage WHERE key = ?;`), key).Scan(&r)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return r, err
}

// DeleteKey deletes a plugin storage entry
func (h *History) DeleteKey(key string) error {
	_, err := h.db.Exec(h.rebind(`DELETE FROM storage WHERE key = ?;`), key)
	return err
}

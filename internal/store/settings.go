package store

import (
	"database/sql"
	"errors"
	"fmt"
)

// Setting keys persisted alongside the event queue.
const (
	SettingClientID   = "client_id"
	SettingDeviceID   = "device_id"
	SettingLastSyncAt = "last_sync_at"
)

func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings (key, value) VALUES (?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("%w: set setting %s: %v", ErrStorage, key, err)
	}
	return nil
}

// GetSetting returns the stored value, or "" when the key is absent.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("%w: get setting %s: %v", ErrStorage, key, err)
	}
	return value, nil
}

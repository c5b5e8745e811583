package store

import (
	"database/sql"
	"time"
)

// UpsertUser inserts or updates a user. A duplicate insert never fails; an
// empty display name does not overwrite a known one.
func (db *DB) UpsertUser(u *User) error {
	now := time.Now().UnixMilli()
	lastSeen := u.LastSeen
	if lastSeen == 0 {
		lastSeen = now
	}
	_, err := db.Exec(`
		INSERT INTO users (user_id, display_name, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE users.display_name END,
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at`,
		u.ID, u.DisplayName, lastSeen, now, now)
	return err
}

// GetUser returns a user by id, or nil if not cached.
func (db *DB) GetUser(userID string) (*User, error) {
	var u User
	err := db.QueryRow(`SELECT user_id, display_name, last_seen FROM users WHERE user_id = ?`, userID).
		Scan(&u.ID, &u.DisplayName, &u.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// UserCount returns the total number of cached users.
func (db *DB) UserCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

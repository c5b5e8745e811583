package store

import (
	"fmt"
	"time"
)

// ReplaceRoomMembers atomically replaces a room's membership snapshot: all
// existing membership rows for the room are deleted, every fetched member is
// upserted into users, a fresh join membership is inserted per member, and the
// room's member_count is set to the observed count. One transaction per room
// bounds the unit of work so one room's failure cannot poison another's.
func (db *DB) ReplaceRoomMembers(roomID string, members []Member) (usersSynced, membershipsSynced int, err error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()

	if _, err := tx.Exec(`DELETE FROM memberships WHERE room_id = ?`, roomID); err != nil {
		return 0, 0, fmt.Errorf("purge memberships: %w", err)
	}

	for _, m := range members {
		if _, err := tx.Exec(`
			INSERT INTO users (user_id, display_name, last_seen, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(user_id) DO UPDATE SET
				display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE users.display_name END,
				last_seen = excluded.last_seen,
				updated_at = excluded.updated_at`,
			m.UserID, m.DisplayName, now, now, now); err != nil {
			return 0, 0, fmt.Errorf("upsert user %q: %w", m.UserID, err)
		}
		usersSynced++

		if _, err := tx.Exec(`
			INSERT INTO memberships (room_id, user_id, status, joined_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(room_id, user_id) DO UPDATE SET
				status = excluded.status`,
			roomID, m.UserID, MembershipJoin, now); err != nil {
			return 0, 0, fmt.Errorf("insert membership %q: %w", m.UserID, err)
		}
		membershipsSynced++
	}

	if _, err := tx.Exec(`
		UPDATE rooms SET member_count = ?, last_synced = ?, updated_at = ?
		WHERE room_id = ?`,
		len(members), now, now, roomID); err != nil {
		return 0, 0, fmt.Errorf("update room count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit: %w", err)
	}
	return usersSynced, membershipsSynced, nil
}

// MembershipCount returns the number of membership rows for a room.
func (db *DB) MembershipCount(roomID string) (int, error) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM memberships WHERE room_id = ?`, roomID).Scan(&count)
	return count, err
}

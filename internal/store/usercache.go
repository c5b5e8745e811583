package store

import (
	"fmt"
	"time"
)

// RebuildUserCache drops and re-derives the denormalized user_cache read
// model from users, memberships and rooms. Always a wholesale rebuild, never
// a partial patch, so the read model cannot drift from the source tables.
// The bridge flag is a prefix match on the user id (substr, not LIKE, since
// the default prefix contains a LIKE wildcard character).
func (db *DB) RebuildUserCache(bridgePrefix string) (int, error) {
	tx, err := db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM user_cache`); err != nil {
		return 0, fmt.Errorf("drop user cache: %w", err)
	}

	now := time.Now().UnixMilli()
	res, err := tx.Exec(`
		INSERT INTO user_cache (user_id, display_name, room_count, room_names, is_bridge_user, updated_at)
		SELECT u.user_id,
			u.display_name,
			COUNT(DISTINCT m.room_id),
			COALESCE(GROUP_CONCAT(DISTINCT r.name), ''),
			CASE WHEN substr(u.user_id, 1, ?) = ? THEN 1 ELSE 0 END,
			?
		FROM users u
		LEFT JOIN memberships m ON m.user_id = u.user_id AND m.status = ?
		LEFT JOIN rooms r ON r.room_id = m.room_id
		GROUP BY u.user_id`,
		len(bridgePrefix), bridgePrefix, now, MembershipJoin)
	if err != nil {
		return 0, fmt.Errorf("rebuild user cache: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}

	count, _ := res.RowsAffected()
	return int(count), nil
}

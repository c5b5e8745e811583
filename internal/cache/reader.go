// Package cache exposes the read-only query surface over the synced Matrix
// cache. Readers never hold a transaction across a network call and are never
// blocked by a running sync; they always see the last-committed state.
package cache

import (
	"github.com/lcarv/commdash/internal/store"
)

// Reader answers queries from the denormalized cache. All methods are
// synchronous and side-effect-free; the sync engine is the sole writer.
type Reader struct {
	db *store.DB
}

// NewReader creates a reader over the given store.
func NewReader(db *store.DB) *Reader {
	return &Reader{db: db}
}

// Users returns cached users ordered by display name. With signalOnly set,
// only bridge users are returned.
func (r *Reader) Users(signalOnly bool) ([]store.CachedUser, error) {
	query := `
		SELECT user_id, display_name, room_count, room_names, is_bridge_user
		FROM user_cache`
	if signalOnly {
		query += `
		WHERE is_bridge_user = 1`
	}
	query += `
		ORDER BY display_name, user_id`

	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []store.CachedUser
	for rows.Next() {
		var u store.CachedUser
		if err := rows.Scan(&u.UserID, &u.DisplayName, &u.RoomCount, &u.RoomNames, &u.IsBridgeUser); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Rooms returns cached rooms ordered by member count descending.
func (r *Reader) Rooms() ([]store.Room, error) {
	return r.db.ListRooms()
}

// UsersInRoom returns the users with a join membership in the given room,
// ordered by display name with the user id as fallback.
func (r *Reader) UsersInRoom(roomID string) ([]store.User, error) {
	rows, err := r.db.Query(`
		SELECT u.user_id, u.display_name, u.last_seen
		FROM users u
		JOIN memberships m ON m.user_id = u.user_id
		WHERE m.room_id = ? AND m.status = ?
		ORDER BY CASE WHEN u.display_name = '' THEN u.user_id ELSE u.display_name END`,
		roomID, store.MembershipJoin)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var users []store.User
	for rows.Next() {
		var u store.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.LastSeen); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SyncStatus returns the latest sync run summary, or nil before the first run.
func (r *Reader) SyncStatus() (*store.SyncRun, error) {
	return r.db.LatestSyncRun()
}

// CompareRoomUserCounts returns a per-room reconciliation view of the cached
// member count against the actual membership row count. Diagnostic only.
func (r *Reader) CompareRoomUserCounts() ([]store.RoomDrift, error) {
	rows, err := r.db.Query(`
		SELECT r.room_id, r.name, r.member_count, COUNT(m.user_id)
		FROM rooms r
		LEFT JOIN memberships m ON m.room_id = r.room_id AND m.status = ?
		GROUP BY r.room_id
		ORDER BY r.member_count DESC, r.room_id`,
		store.MembershipJoin)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var drifts []store.RoomDrift
	for rows.Next() {
		var d store.RoomDrift
		if err := rows.Scan(&d.RoomID, &d.Name, &d.CachedCount, &d.MembershipRows); err != nil {
			return nil, err
		}
		d.NeedsSync = d.CachedCount != d.MembershipRows
		drifts = append(drifts, d)
	}
	return drifts, rows.Err()
}

package store

import (
	"database/sql"
	"time"
)

// UpsertRoom inserts or updates a room record. created_at is preserved on
// update; member_count never replaces a fresh value with a stale zero unless
// the room is new.
func (db *DB) UpsertRoom(r *Room) error {
	now := time.Now().UnixMilli()
	if r.RoomType == "" {
		r.RoomType = RoomTypePublic
	}
	_, err := db.Exec(`
		INSERT INTO rooms (room_id, name, topic, member_count, is_direct, room_type, last_synced, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			name = excluded.name,
			topic = excluded.topic,
			member_count = excluded.member_count,
			is_direct = excluded.is_direct,
			room_type = excluded.room_type,
			last_synced = excluded.last_synced,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, r.Topic, r.MemberCount, r.IsDirect, r.RoomType, r.LastSynced, now, now)
	return err
}

// GetRoom returns a single room by id, or nil if not cached.
func (db *DB) GetRoom(roomID string) (*Room, error) {
	var r Room
	err := db.QueryRow(`
		SELECT room_id, name, topic, member_count, is_direct, room_type, last_synced
		FROM rooms WHERE room_id = ?`, roomID).
		Scan(&r.ID, &r.Name, &r.Topic, &r.MemberCount, &r.IsDirect, &r.RoomType, &r.LastSynced)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRooms returns all cached rooms ordered by member count descending.
func (db *DB) ListRooms() ([]Room, error) {
	rows, err := db.Query(`
		SELECT room_id, name, topic, member_count, is_direct, room_type, last_synced
		FROM rooms
		ORDER BY member_count DESC, room_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var rooms []Room
	for rows.Next() {
		var r Room
		if err := rows.Scan(&r.ID, &r.Name, &r.Topic, &r.MemberCount, &r.IsDirect, &r.RoomType, &r.LastSynced); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// RoomCount returns the number of cached rooms. Zero means initial sync.
func (db *DB) RoomCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM rooms`).Scan(&count)
	return count, err
}

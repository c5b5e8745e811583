package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BeginSyncRun appends a new sync_runs record in the running state and
// returns it. Records are append-only: once completed or failed they are
// never touched again except by the same in-flight run.
func (db *DB) BeginSyncRun(kind string) (*SyncRun, error) {
	run := &SyncRun{
		SyncID:    uuid.New().String(),
		Kind:      kind,
		Status:    SyncRunning,
		StartedAt: time.Now().UnixMilli(),
	}
	_, err := db.Exec(`
		INSERT INTO sync_runs (sync_id, kind, status, started_at)
		VALUES (?, ?, ?, ?)`,
		run.SyncID, run.Kind, run.Status, run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("insert sync run: %w", err)
	}
	return run, nil
}

// CompleteSyncRun closes a running record as completed with aggregated counts.
func (db *DB) CompleteSyncRun(syncID string, roomsSynced, usersSynced, membershipsSynced int) error {
	_, err := db.Exec(`
		UPDATE sync_runs
		SET status = ?, finished_at = ?, rooms_synced = ?, users_synced = ?, memberships_synced = ?
		WHERE sync_id = ? AND status = ?`,
		SyncCompleted, time.Now().UnixMilli(), roomsSynced, usersSynced, membershipsSynced,
		syncID, SyncRunning)
	return err
}

// FailSyncRun closes a running record as failed with the error text.
func (db *DB) FailSyncRun(syncID, errText string) error {
	_, err := db.Exec(`
		UPDATE sync_runs
		SET status = ?, finished_at = ?, error = ?
		WHERE sync_id = ? AND status = ?`,
		SyncFailed, time.Now().UnixMilli(), errText, syncID, SyncRunning)
	return err
}

// LatestSyncRun returns the most recently started run, or nil if none exist.
func (db *DB) LatestSyncRun() (*SyncRun, error) {
	return db.scanRun(db.QueryRow(`
		SELECT sync_id, kind, status, started_at, COALESCE(finished_at, 0),
			rooms_synced, users_synced, memberships_synced, error
		FROM sync_runs
		ORDER BY started_at DESC, sync_id DESC
		LIMIT 1`))
}

// HasCompletedFullSince reports whether a full sync completed at or after the
// given cutoff. Lightweight and background-concurrent runs refresh only a
// slice of the cache and deliberately do not count toward freshness.
func (db *DB) HasCompletedFullSince(cutoff int64) (bool, error) {
	var one int
	err := db.QueryRow(`
		SELECT 1 FROM sync_runs
		WHERE kind = ? AND status = ? AND finished_at >= ?
		LIMIT 1`,
		SyncKindFull, SyncCompleted, cutoff).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (db *DB) scanRun(row *sql.Row) (*SyncRun, error) {
	var r SyncRun
	err := row.Scan(&r.SyncID, &r.Kind, &r.Status, &r.StartedAt, &r.FinishedAt,
		&r.RoomsSynced, &r.UsersSynced, &r.MembershipsSynced, &r.Error)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

package schedule

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lcarv/commdash/internal/matrix"
	"github.com/lcarv/commdash/internal/store"
	csync "github.com/lcarv/commdash/internal/sync"
)

type stubClient struct{}

func (stubClient) ListJoinedRooms(ctx context.Context) ([]string, error) {
	return []string{"!entry:example.org"}, nil
}

func (stubClient) RoomDetails(ctx context.Context, roomID string, skipMemberCount bool) (*matrix.RoomDetails, error) {
	return &matrix.RoomDetails{Name: "Welcome", MemberCount: 1}, nil
}

func (stubClient) RoomMembers(ctx context.Context, roomID string) (map[string]matrix.Member, error) {
	return map[string]matrix.Member{"@a:example.org": {DisplayName: "A"}}, nil
}

func TestSchedulerRunsBothPasses(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "commdash.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	engine := csync.NewEngine(db, stubClient{}, nil, nil, nil, nil, csync.Options{
		MinRoomMembers: 1,
		EntryRoomID:    "!entry:example.org",
	})

	s := New(engine, nil, 20*time.Millisecond, 30*time.Millisecond)
	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if hasRunKinds(t, db, store.SyncKindFull, store.SyncKindConcurrent) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("scheduler never completed both pass kinds")
}

func hasRunKinds(t *testing.T, db *store.DB, kinds ...string) bool {
	t.Helper()
	for _, kind := range kinds {
		var n int
		row := db.QueryRow(`SELECT COUNT(*) FROM sync_runs WHERE kind = ? AND status = 'completed'`, kind)
		if err := row.Scan(&n); err != nil {
			t.Fatalf("count runs: %v", err)
		}
		if n == 0 {
			return false
		}
	}
	return true
}

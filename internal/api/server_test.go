package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lcarv/commdash/internal/bus"
	"github.com/lcarv/commdash/internal/cache"
	"github.com/lcarv/commdash/internal/matrix"
	"github.com/lcarv/commdash/internal/store"
	csync "github.com/lcarv/commdash/internal/sync"
)

type stubClient struct {
	rooms   map[string]string
	members map[string][]string
}

func (c *stubClient) ListJoinedRooms(ctx context.Context) ([]string, error) {
	ids := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *stubClient) RoomDetails(ctx context.Context, roomID string, skipMemberCount bool) (*matrix.RoomDetails, error) {
	name, ok := c.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("unknown room %s", roomID)
	}
	count := len(c.members[roomID])
	if skipMemberCount {
		count = -1
	}
	return &matrix.RoomDetails{Name: name, MemberCount: count}, nil
}

func (c *stubClient) RoomMembers(ctx context.Context, roomID string) (map[string]matrix.Member, error) {
	out := map[string]matrix.Member{}
	for _, id := range c.members[roomID] {
		out[id] = matrix.Member{DisplayName: strings.TrimPrefix(strings.SplitN(id, ":", 2)[0], "@")}
	}
	return out, nil
}

type recordingMessenger struct {
	sent    []string
	invited []string
	removed []string
	err     error
}

func (m *recordingMessenger) SendMessage(ctx context.Context, roomID, body string) error {
	m.sent = append(m.sent, roomID+"|"+body)
	return m.err
}

func (m *recordingMessenger) InviteUser(ctx context.Context, roomID, userID string) error {
	m.invited = append(m.invited, roomID+"|"+userID)
	return m.err
}

func (m *recordingMessenger) RemoveUser(ctx context.Context, roomID, userID, reason string) error {
	m.removed = append(m.removed, roomID+"|"+userID+"|"+reason)
	return m.err
}

func testServer(t *testing.T, client csync.ChatClient, messenger Messenger) (*Server, *store.DB, *bus.Bus) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "commdash.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	b := bus.New()
	engine := csync.NewEngine(db, client, b, nil, nil, nil, csync.Options{MinRoomMembers: 1})
	srv := NewServer(cache.NewReader(db), engine, messenger, nil, b, nil, nil)
	return srv, db, b
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("%s %s: bad json response %q: %v", method, path, rec.Body.String(), err)
		}
	}
	return rec, decoded
}

func TestSyncThenReadEndpoints(t *testing.T) {
	client := &stubClient{
		rooms: map[string]string{
			"!general:example.org": "General",
			"!dev:example.org":     "Dev",
		},
		members: map[string][]string{
			"!general:example.org": {"@alice:example.org", "@bob:example.org", "@signal_123:example.org"},
			"!dev:example.org":     {"@alice:example.org"},
		},
	}
	srv, _, _ := testServer(t, client, nil)
	h := srv.Router()

	rec, body := doJSON(t, h, http.MethodPost, "/v1/sync?force=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("sync returned %d: %v", rec.Code, body)
	}
	if body["status"] != "completed" {
		t.Fatalf("sync status = %v", body["status"])
	}

	rec, body = doJSON(t, h, http.MethodGet, "/v1/users", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("users returned %d", rec.Code)
	}
	if body["count"].(float64) != 3 {
		t.Errorf("user count = %v, want 3", body["count"])
	}

	rec, body = doJSON(t, h, http.MethodGet, "/v1/users?signal_only=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("signal users returned %d", rec.Code)
	}
	if body["count"].(float64) != 1 {
		t.Errorf("signal user count = %v, want 1", body["count"])
	}

	rec, body = doJSON(t, h, http.MethodGet, "/v1/rooms", "")
	if rec.Code != http.StatusOK || body["count"].(float64) != 2 {
		t.Errorf("rooms: code %d count %v", rec.Code, body["count"])
	}

	rec, body = doJSON(t, h, http.MethodGet, "/v1/rooms/!dev:example.org/users", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("room users returned %d", rec.Code)
	}
	if body["count"].(float64) != 1 {
		t.Errorf("room user count = %v, want 1", body["count"])
	}

	rec, body = doJSON(t, h, http.MethodGet, "/v1/sync/drift", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("drift returned %d", rec.Code)
	}
	for _, entry := range body["rooms"].([]any) {
		room := entry.(map[string]any)
		if room["needs_sync"].(bool) {
			t.Errorf("room %v drifted right after a full sync", room["room_id"])
		}
	}
}

func TestSyncFreshReturnsSkip(t *testing.T) {
	client := &stubClient{
		rooms:   map[string]string{"!general:example.org": "General"},
		members: map[string][]string{"!general:example.org": {"@alice:example.org"}},
	}
	srv, _, _ := testServer(t, client, nil)
	h := srv.Router()

	if rec, _ := doJSON(t, h, http.MethodPost, "/v1/sync", ""); rec.Code != http.StatusOK {
		t.Fatalf("first sync returned %d", rec.Code)
	}
	rec, body := doJSON(t, h, http.MethodPost, "/v1/sync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("second sync returned %d", rec.Code)
	}
	if body["status"] != "skipped" || body["reason"] != "cache_fresh" {
		t.Errorf("second sync = %v/%v, want skipped/cache_fresh", body["status"], body["reason"])
	}
}

func TestSyncStatusEndpoint(t *testing.T) {
	client := &stubClient{
		rooms:   map[string]string{"!general:example.org": "General"},
		members: map[string][]string{"!general:example.org": {"@alice:example.org"}},
	}
	srv, _, _ := testServer(t, client, nil)
	h := srv.Router()

	rec, body := doJSON(t, h, http.MethodGet, "/v1/sync/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status returned %d", rec.Code)
	}
	if body["latest_run"] != nil {
		t.Errorf("latest_run = %v before any sync", body["latest_run"])
	}
	if body["cache_fresh"].(bool) {
		t.Error("cache reported fresh before any sync")
	}

	doJSON(t, h, http.MethodPost, "/v1/sync", "")

	rec, body = doJSON(t, h, http.MethodGet, "/v1/sync/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status returned %d", rec.Code)
	}
	run, ok := body["latest_run"].(map[string]any)
	if !ok {
		t.Fatalf("latest_run = %v after sync", body["latest_run"])
	}
	if run["kind"] != store.SyncKindFull || run["status"] != store.SyncCompleted {
		t.Errorf("latest run = %v/%v", run["kind"], run["status"])
	}
	if !body["cache_fresh"].(bool) {
		t.Error("cache not fresh right after a full sync")
	}
}

func TestRoomActionsWithoutMatrix(t *testing.T) {
	srv, _, _ := testServer(t, nil, nil)
	h := srv.Router()

	for _, path := range []string{
		"/v1/rooms/!r:example.org/message",
		"/v1/rooms/!r:example.org/invite",
		"/v1/rooms/!r:example.org/kick",
	} {
		rec, _ := doJSON(t, h, http.MethodPost, path, `{"body":"x","user_id":"@a:example.org"}`)
		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("%s returned %d, want 503", path, rec.Code)
		}
	}
}

func TestRoomActions(t *testing.T) {
	messenger := &recordingMessenger{}
	srv, _, _ := testServer(t, nil, messenger)
	h := srv.Router()

	rec, _ := doJSON(t, h, http.MethodPost, "/v1/rooms/!r:example.org/message", `{"body":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("message returned %d", rec.Code)
	}
	if len(messenger.sent) != 1 || messenger.sent[0] != "!r:example.org|hello" {
		t.Errorf("sent = %v", messenger.sent)
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/rooms/!r:example.org/message", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty message returned %d, want 400", rec.Code)
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/rooms/!r:example.org/invite", `{"user_id":"@new:example.org"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("invite returned %d", rec.Code)
	}
	if len(messenger.invited) != 1 {
		t.Errorf("invited = %v", messenger.invited)
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/v1/rooms/!r:example.org/kick", `{"user_id":"@bad:example.org","reason":"spam"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("kick returned %d", rec.Code)
	}
	if len(messenger.removed) != 1 || messenger.removed[0] != "!r:example.org|@bad:example.org|spam" {
		t.Errorf("removed = %v", messenger.removed)
	}
}

func TestEventStream(t *testing.T) {
	srv, _, b := testServer(t, nil, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	// The subscriber registers inside the handler goroutine, so keep
	// publishing until a frame arrives.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				b.Publish(bus.Event{Kind: bus.KindSyncCompleted, Payload: map[string]string{"sync_id": "abc"}})
			}
		}
	}()

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if event != bus.KindSyncCompleted {
		t.Fatalf("event = %q, want %q", event, bus.KindSyncCompleted)
	}
	var frame sseEvent
	if err := json.Unmarshal([]byte(data), &frame); err != nil {
		t.Fatalf("bad frame %q: %v", data, err)
	}
	if frame.Kind != bus.KindSyncCompleted || frame.Timestamp == 0 {
		t.Errorf("frame = %+v", frame)
	}
}

func TestBackgroundSyncRoute(t *testing.T) {
	client := &stubClient{
		rooms:   map[string]string{"!general:example.org": "General"},
		members: map[string][]string{"!general:example.org": {"@a:example.org", "@b:example.org"}},
	}
	srv, db, _ := testServer(t, client, nil)
	h := srv.Router()

	// Stale cache: the request is accepted and the full pass runs detached.
	rec, resp := doJSON(t, h, http.MethodPost, "/v1/sync/background", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("got %d, want 202", rec.Code)
	}
	if resp["status"] != "accepted" {
		t.Fatalf("got status %v, want accepted", resp["status"])
	}

	cutoff := time.Now().Add(-time.Minute).UnixMilli()
	deadline := time.After(3 * time.Second)
	for {
		done, err := db.HasCompletedFullSince(cutoff)
		if err != nil {
			t.Fatalf("check runs: %v", err)
		}
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatal("detached full pass never completed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Fresh cache: the skip is reported inline, not accepted for execution.
	rec, resp = doJSON(t, h, http.MethodPost, "/v1/sync/background", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	if resp["status"] != string(csync.StatusSkipped) || resp["reason"] != csync.ReasonCacheFresh {
		t.Fatalf("got %v/%v, want skipped/cache_fresh", resp["status"], resp["reason"])
	}
}

func TestConcurrentSyncRoute(t *testing.T) {
	client := &stubClient{
		rooms:   map[string]string{"!general:example.org": "General"},
		members: map[string][]string{"!general:example.org": {"@a:example.org"}},
	}
	srv, _, _ := testServer(t, client, nil)
	h := srv.Router()

	// No critical or configured rooms means the targeted pass has nothing
	// to refresh and says so instead of falling through to discovery.
	rec, resp := doJSON(t, h, http.MethodPost, "/v1/sync/concurrent", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d, want 200", rec.Code)
	}
	if resp["status"] != string(csync.StatusSkipped) || resp["reason"] != csync.ReasonNoTargetRooms {
		t.Fatalf("got %v/%v, want skipped/no_target_rooms", resp["status"], resp["reason"])
	}
}

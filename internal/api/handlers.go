package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lcarv/commdash/internal/store"
	csync "github.com/lcarv/commdash/internal/sync"
)

type userJSON struct {
	UserID       string `json:"user_id"`
	DisplayName  string `json:"display_name"`
	RoomCount    int    `json:"room_count"`
	RoomNames    string `json:"room_names"`
	IsBridgeUser bool   `json:"is_bridge_user"`
}

type roomJSON struct {
	RoomID      string `json:"room_id"`
	Name        string `json:"name"`
	Topic       string `json:"topic,omitempty"`
	MemberCount int    `json:"member_count"`
	IsDirect    bool   `json:"is_direct"`
	RoomType    string `json:"room_type"`
	LastSynced  int64  `json:"last_synced"`
}

type memberJSON struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type runJSON struct {
	SyncID            string `json:"sync_id"`
	Kind              string `json:"kind"`
	Status            string `json:"status"`
	StartedAt         int64  `json:"started_at"`
	FinishedAt        int64  `json:"finished_at,omitempty"`
	RoomsSynced       int    `json:"rooms_synced"`
	UsersSynced       int    `json:"users_synced"`
	MembershipsSynced int    `json:"memberships_synced"`
	Error             string `json:"error,omitempty"`
}

type driftJSON struct {
	RoomID         string `json:"room_id"`
	Name           string `json:"name"`
	CachedCount    int    `json:"cached_count"`
	MembershipRows int    `json:"membership_rows"`
	NeedsSync      bool   `json:"needs_sync"`
}

type syncStatusJSON struct {
	State     string   `json:"state"`
	Since     int64    `json:"since"`
	CacheOK   bool     `json:"cache_fresh"`
	LatestRun *runJSON `json:"latest_run"`
}

func toRunJSON(run *store.SyncRun) *runJSON {
	if run == nil {
		return nil
	}
	return &runJSON{
		SyncID:            run.SyncID,
		Kind:              run.Kind,
		Status:            run.Status,
		StartedAt:         run.StartedAt,
		FinishedAt:        run.FinishedAt,
		RoomsSynced:       run.RoomsSynced,
		UsersSynced:       run.UsersSynced,
		MembershipsSynced: run.MembershipsSynced,
		Error:             run.Error,
	}
}

func boolParam(r *http.Request, name string) bool {
	v := r.URL.Query().Get(name)
	return v == "true" || v == "1"
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.reader.Users(boolParam(r, "signal_only"))
	if err != nil {
		s.logger.Error("list users failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to read user cache")
		return
	}
	out := make([]userJSON, 0, len(users))
	for _, u := range users {
		out = append(out, userJSON{
			UserID:       u.UserID,
			DisplayName:  u.DisplayName,
			RoomCount:    u.RoomCount,
			RoomNames:    u.RoomNames,
			IsBridgeUser: u.IsBridgeUser,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"users": out, "count": len(out)})
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	rooms, err := s.reader.Rooms()
	if err != nil {
		s.logger.Error("list rooms failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to read room cache")
		return
	}
	out := make([]roomJSON, 0, len(rooms))
	for _, room := range rooms {
		out = append(out, roomJSON{
			RoomID:      room.ID,
			Name:        room.Name,
			Topic:       room.Topic,
			MemberCount: room.MemberCount,
			IsDirect:    room.IsDirect,
			RoomType:    room.RoomType,
			LastSynced:  room.LastSynced,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"rooms": out, "count": len(out)})
}

func (s *Server) handleRoomUsers(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	users, err := s.reader.UsersInRoom(roomID)
	if err != nil {
		s.logger.Error("list room users failed", zap.String("room_id", roomID), zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to read memberships")
		return
	}
	out := make([]memberJSON, 0, len(users))
	for _, u := range users {
		out = append(out, memberJSON{UserID: u.ID, DisplayName: u.DisplayName})
	}
	respondJSON(w, http.StatusOK, map[string]any{"room_id": roomID, "users": out, "count": len(out)})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.reader.SyncStatus()
	if err != nil {
		s.logger.Error("sync status read failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to read sync history")
		return
	}

	out := syncStatusJSON{LatestRun: toRunJSON(run)}
	if s.machine != nil {
		out.State = string(s.machine.Current())
		out.Since = s.machine.Since().UnixMilli()
	}
	if s.engine != nil {
		fresh, err := s.engine.Freshness().IsFresh(csync.BackgroundFreshnessWindow)
		if err == nil {
			out.CacheOK = fresh
		}
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleDrift(w http.ResponseWriter, r *http.Request) {
	drifts, err := s.reader.CompareRoomUserCounts()
	if err != nil {
		s.logger.Error("drift check failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to compare room counts")
		return
	}
	out := make([]driftJSON, 0, len(drifts))
	for _, d := range drifts {
		out = append(out, driftJSON{
			RoomID:         d.RoomID,
			Name:           d.Name,
			CachedCount:    d.CachedCount,
			MembershipRows: d.MembershipRows,
			NeedsSync:      d.NeedsSync,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"rooms": out, "count": len(out)})
}

// httpStatusFor maps a sync result onto an HTTP status. Skips are a normal
// answer, not an error, except when another pass holds the engine.
func httpStatusFor(res *csync.Result) int {
	switch res.Status {
	case csync.StatusCompleted:
		return http.StatusOK
	case csync.StatusSkipped:
		if res.Reason == csync.ReasonSyncInProgress {
			return http.StatusConflict
		}
		return http.StatusOK
	case csync.StatusTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleFullSync(w http.ResponseWriter, r *http.Request) {
	res := s.engine.FullSync(r.Context(), boolParam(r, "force"))
	respondJSON(w, httpStatusFor(res), res)
}

func (s *Server) handleEntryRoomSync(w http.ResponseWriter, r *http.Request) {
	res := s.engine.SyncEntryRoom(r.Context())
	respondJSON(w, httpStatusFor(res), res)
}

// handleBackgroundSync is fire-and-forget: when the cache is already fresh
// it answers with the skip directly, otherwise it accepts the request and
// runs the freshness-gated full pass off the request goroutine.
func (s *Server) handleBackgroundSync(w http.ResponseWriter, r *http.Request) {
	fresh, err := s.engine.Freshness().IsFresh(csync.BackgroundFreshnessWindow)
	if err != nil {
		s.logger.Error("freshness check failed", zap.Error(err))
		respondError(w, http.StatusInternalServerError, "failed to read sync history")
		return
	}
	if fresh {
		respondJSON(w, http.StatusOK, &csync.Result{
			Status: csync.StatusSkipped,
			Reason: csync.ReasonCacheFresh,
		})
		return
	}

	go func() {
		res := s.engine.BackgroundSync(context.Background(), csync.BackgroundFreshnessWindow)
		if res.Status != csync.StatusCompleted && res.Status != csync.StatusSkipped {
			s.logger.Error("background sync failed",
				zap.String("status", string(res.Status)),
				zap.String("error", res.Error))
		}
	}()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleConcurrentSync(w http.ResponseWriter, r *http.Request) {
	res := s.engine.BackgroundConcurrentSync(r.Context())
	respondJSON(w, httpStatusFor(res), res)
}

type messageRequest struct {
	Body string `json:"body"`
}

type userRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if s.messenger == nil {
		respondError(w, http.StatusServiceUnavailable, "matrix integration disabled")
		return
	}
	roomID := chi.URLParam(r, "roomID")
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Body == "" {
		respondError(w, http.StatusBadRequest, "body is required")
		return
	}
	if err := s.messenger.SendMessage(r.Context(), roomID, req.Body); err != nil {
		s.logger.Error("send message failed", zap.String("room_id", roomID), zap.Error(err))
		respondError(w, http.StatusBadGateway, "homeserver rejected the message")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "sent", "room_id": roomID})
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	if s.messenger == nil {
		respondError(w, http.StatusServiceUnavailable, "matrix integration disabled")
		return
	}
	roomID := chi.URLParam(r, "roomID")
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := s.messenger.InviteUser(r.Context(), roomID, req.UserID); err != nil {
		s.logger.Error("invite failed", zap.String("room_id", roomID), zap.String("user_id", req.UserID), zap.Error(err))
		respondError(w, http.StatusBadGateway, "homeserver rejected the invite")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "invited", "room_id": roomID, "user_id": req.UserID})
}

func (s *Server) handleKick(w http.ResponseWriter, r *http.Request) {
	if s.messenger == nil {
		respondError(w, http.StatusServiceUnavailable, "matrix integration disabled")
		return
	}
	roomID := chi.URLParam(r, "roomID")
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		respondError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if err := s.messenger.RemoveUser(r.Context(), roomID, req.UserID, req.Reason); err != nil {
		s.logger.Error("kick failed", zap.String("room_id", roomID), zap.String("user_id", req.UserID), zap.Error(err))
		respondError(w, http.StatusBadGateway, "homeserver rejected the removal")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "removed", "room_id": roomID, "user_id": req.UserID})
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/peerprep/matching/internal/auth"
	"github.com/peerprep/matching/internal/logger"
	"github.com/peerprep/matching/internal/room"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// Response helpers

type dataResponse struct {
	Data interface{} `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, dataResponse{Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode response", "component", "api", "error", err)
	}
}

// Health

type healthResponse struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Sessions    int    `json:"sessions"`
	Queue       int    `json:"queue"`
	Uptime      string `json:"uptime"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		Connections: s.deps.Transport.ConnectionCount(),
		Sessions:    s.deps.Engine.Sessions(),
		Queue:       s.deps.Engine.PoolSize(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// Rooms

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.UserID(r.Context())

	rm, err := s.deps.Rooms.Get(r.Context(), chi.URLParam(r, "roomID"))
	if errors.Is(err, room.ErrNotFound) {
		respondError(w, http.StatusNotFound, "room not found")
		return
	}
	if err != nil {
		logger.Error("get room failed", "component", "api", "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load room")
		return
	}
	// Rooms are private to their participants.
	if !rm.HasUser(caller) {
		respondError(w, http.StatusNotFound, "room not found")
		return
	}

	respondJSON(w, http.StatusOK, rm)
}

func (s *Server) handleListUserRooms(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.UserID(r.Context())
	userID := chi.URLParam(r, "userID")
	if userID == "me" {
		userID = caller
	}
	if userID != caller {
		respondError(w, http.StatusForbidden, "history is only visible to its owner")
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	rooms, err := s.deps.Rooms.ListByUser(r.Context(), userID, limit)
	if err != nil {
		logger.Error("list rooms failed", "component", "api", "user_id", userID, "error", err)
		respondError(w, http.StatusInternalServerError, "failed to load history")
		return
	}

	questions, err := s.deps.Catalog.Lookup(r.Context(), room.QuestionIDs(rooms))
	if err != nil {
		// History without titles is still useful.
		logger.Warn("question lookup failed", "component", "api", "error", err)
		questions = nil
	}

	respondJSON(w, http.StatusOK, room.Summarize(userID, rooms, questions))
}
